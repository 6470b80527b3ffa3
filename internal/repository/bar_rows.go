package repository

import (
	"fmt"
	"regexp"
	"time"

	"ChartSync/internal/domain/models"
)

// chunkSize bounds the rows of one multi-row insert.
const chunkSize = 2000

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

func checkTable(table string) error {
	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}

// chBarRow is a bar as stored in ClickHouse.
type chBarRow struct {
	Time   time.Time `db:"time"`
	Open   float64   `db:"open"`
	High   float64   `db:"high"`
	Low    float64   `db:"low"`
	Close  float64   `db:"close"`
	Volume float64   `db:"volume"`
}

func (r chBarRow) bar() models.Bar {
	return models.Bar{Time: r.Time.Unix(), Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
}

// pgBarRow is a bar as stored in PostgreSQL.
type pgBarRow struct {
	Symbol    string  `db:"symbol"`
	Timeframe string  `db:"timeframe"`
	Time      int64   `db:"time"`
	Open      float64 `db:"open"`
	High      float64 `db:"high"`
	Low       float64 `db:"low"`
	Close     float64 `db:"close"`
	Volume    float64 `db:"volume"`
}

func (r pgBarRow) bar() models.Bar {
	return models.Bar{Time: r.Time, Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
}

func chunks(n int, fn func(start, end int) error) error {
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		if err := fn(start, end); err != nil {
			return err
		}
	}
	return nil
}
