package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"ChartSync/internal/domain/models"
	drepo "ChartSync/internal/domain/repository"
	applogger "ChartSync/pkg/logger"
)

// CHBarStore archives closed bars in ClickHouse and serves them back as a
// historical source. Re-archived buckets collapse under ReplacingMergeTree.
type CHBarStore struct {
	db    *sqlx.DB
	table string
	l     *applogger.Logger
}

// NewCHBarStore creates the store over an open pool.
func NewCHBarStore(db *sqlx.DB, table string, l *applogger.Logger) (*CHBarStore, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	if l == nil {
		l = applogger.Nop()
	}
	return &CHBarStore{db: db, table: table, l: l}, nil
}

// CHBarSchema returns the DDL for the bar table.
func CHBarSchema(table string) []string {
	return []string{fmt.Sprintf(`
        CREATE TABLE IF NOT EXISTS %s (
            symbol    LowCardinality(String),
            timeframe LowCardinality(String),
            time      DateTime('UTC'),
            open      Float64,
            high      Float64,
            low       Float64,
            close     Float64,
            volume    Float64,
            inserted  DateTime DEFAULT now()
        ) ENGINE = ReplacingMergeTree(inserted)
        ORDER BY (symbol, timeframe, time)`, table)}
}

func (s *CHBarStore) StoreBars(ctx context.Context, symbol string, tf drepo.Timeframe, bars []models.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	return chunks(len(bars), func(start, end int) error {
		values := make([]string, 0, end-start)
		args := make([]interface{}, 0, (end-start)*8)
		for _, b := range bars[start:end] {
			values = append(values, "(?, ?, ?, ?, ?, ?, ?, ?)")
			args = append(args, symbol, string(tf), time.Unix(b.Time, 0).UTC(), b.Open, b.High, b.Low, b.Close, b.Volume)
		}
		q := fmt.Sprintf("INSERT INTO %s (symbol, timeframe, time, open, high, low, close, volume) VALUES %s", s.table, strings.Join(values, ","))
		if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
			s.l.Error("clickhouse store_bars error",
				applogger.String("table", s.table),
				applogger.String("symbol", symbol),
				applogger.String("tf", string(tf)),
				applogger.Int("rows", end-start),
				applogger.Error(err),
			)
			return fmt.Errorf("store bars: %w", err)
		}
		return nil
	})
}

// Fetch implements HistoricalSource. An empty window is ErrNoData.
func (s *CHBarStore) Fetch(ctx context.Context, symbol string, tf drepo.Timeframe, from, to int64) ([]models.Bar, error) {
	start := time.Now()
	const qtpl = `
        SELECT time, open, high, low, close, volume
        FROM %s FINAL
        WHERE symbol = ? AND timeframe = ? AND time >= ? AND time <= ?
        ORDER BY time ASC
    `
	var rows []chBarRow
	q := fmt.Sprintf(qtpl, s.table)
	sym := drepo.NormalizeSymbol(symbol)
	if err := s.db.SelectContext(ctx, &rows, q, sym, string(tf), time.Unix(from, 0).UTC(), time.Unix(to, 0).UTC()); err != nil {
		s.l.Error("clickhouse fetch_bars query error",
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
	s.l.Debug("clickhouse fetch_bars ok",
		applogger.String("symbol", sym),
		applogger.String("tf", string(tf)),
		applogger.Int("rows", len(out)),
		applogger.Duration("duration_ms", time.Since(start)),
	)
	return out, nil
}

func (s *CHBarStore) Health(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
