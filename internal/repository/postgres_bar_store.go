package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	applogger "ChartSync/pkg/logger"
)

// PGBarStore archives closed bars in PostgreSQL and serves them back as a
// historical source. A re-archived bucket overwrites the stored one.
type PGBarStore struct {
	db    *sqlx.DB
	table string
	l     *applogger.Logger
}

// NewPGBarStore creates the store over an open pool.
func NewPGBarStore(db *sqlx.DB, table string, l *applogger.Logger) (*PGBarStore, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &PGBarStore{db: db, table: table, l: l}, nil
}

// PGBarSchema returns the DDL for the bar table.
func PGBarSchema(table string) []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            symbol    TEXT             NOT NULL,
            timeframe TEXT             NOT NULL,
            time      BIGINT           NOT NULL,
            open      DOUBLE PRECISION NOT NULL,
            high      DOUBLE PRECISION NOT NULL,
            low       DOUBLE PRECISION NOT NULL,
            close     DOUBLE PRECISION NOT NULL,
            volume    DOUBLE PRECISION NOT NULL,
            PRIMARY KEY (symbol, timeframe, time)
        )`, table)}
}

// InitSchema creates the bar table if needed.
func (s *PGBarStore) InitSchema(ctx context.Context) error {
	for _, stmt := range PGBarSchema(s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *PGBarStore) upsertQuery() string {
	return fmt.Sprintf(`
        INSERT INTO %s (symbol, timeframe, time, open, high, low, close, volume)
        VALUES (:symbol, :timeframe, :time, :open, :high, :low, :close, :volume)
        ON CONFLICT (symbol, timeframe, time) DO UPDATE SET
            open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
            close = EXCLUDED.close, volume = EXCLUDED.volume`, s.table)
}

func (s *PGBarStore) StoreBars(ctx context.Context, symbol string, tf drepo.Timeframe, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	q := s.upsertQuery()
	return chunks(len(bars), func(start, end int) error {
		rows := make([]pgBarRow, 0, end-start)
		for _, b := range bars[start:end] {
			rows = append(rows, pgBarRow{
				Symbol: symbol, Timeframe: string(tf), Time: b.Time,
				Open: b.Open, High: b.High, Low: b.Low, Close: b.Close, Volume: b.Volume,
			})
		}
		if _, err := s.db.NamedExecContext(ctx, q, rows); err != nil {
			s.l.Error("postgres store_bars error",
				applogger.String("table", s.table),
				applogger.String("symbol", symbol),
				applogger.String("tf", string(tf)),
				applogger.Int("rows", len(rows)),
				applogger.Error(err),
			)
			return fmt.Errorf("store bars: %w", err)
		}
		return nil
	})
}

// Fetch implements HistoricalSource. An empty window is ErrNoData.
func (s *PGBarStore) Fetch(ctx context.Context, symbol string, tf drepo.Timeframe, from, to int64) ([]models.Bar, error) {
	start := time.Now()
	sym := drepo.NormalizeSymbol(symbol)
	q := fmt.Sprintf(`
        SELECT symbol, timeframe, time, open, high, low, close, volume
        FROM %s
        WHERE symbol = $1 AND timeframe = $2 AND time >= $3 AND time <= $4
        ORDER BY time ASC`, s.table)

	var rows []pgBarRow
	if err := s.db.SelectContext(ctx, &rows, q, sym, string(tf), from, to); err != nil {
		s.l.Error("postgres fetch_bars query error",
			applogger.String("table", s.table),
			applogger.String("symbol", sym),
			applogger.String("tf", string(tf)),
			applogger.Error(err),
		)
		return nil, fmt.Errorf("fetch bars: %w: %w", models.ErrTransport, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("fetch bars %s %s: %w", sym, tf, models.ErrNoData)
	}

	out := make([]models.Bar, len(rows))
	for i, r := range rows {
		out[i] = r.bar()
	}
	s.l.Debug("postgres fetch_bars ok",
		applogger.String("symbol", sym),
		applogger.String("tf", string(tf)),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func (s *PGBarStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
