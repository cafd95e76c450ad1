package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alim08/quote_relay/pkg/metrics"
	"github.com/alim08/quote_relay/pkg/models"
)

// MarketRepository is durable storage for daily bars and latest quotes.
type MarketRepository interface {
	UpsertBars(ctx context.Context, symbol string, bars []models.Bar) error
	UpsertQuote(ctx context.Context, quote models.Quote) error
	ReadBars(ctx context.Context, symbol string, start, end *time.Time) ([]models.Bar, error)
	ReadQuote(ctx context.Context, symbol string) (*models.Quote, error)
	LatestBar(ctx context.Context, symbol string) (*models.Bar, error)
	CountBars(ctx context.Context, symbol string) (int64, error)
	ListSymbols(ctx context.Context) ([]string, error)
}

// marketRepository implements MarketRepository
type marketRepository struct {
	db *DB
}

// NewMarketRepository creates a new market repository
func NewMarketRepository(db *DB) MarketRepository {
	return &marketRepository{db: db}
}

const barColumns = `symbol, ts, open, high, low, close, volume`

// UpsertBars writes bars under symbol in one transaction. Existing
// (symbol, ts) rows are replaced.
func (r *marketRepository) UpsertBars(ctx context.Context, symbol string, bars []models.Bar) (err error) {
	defer observe("upsert_bars", time.Now(), &err)
	if len(bars) == 0 {
		return nil
	}

	query := r.db.rebind(`
		INSERT INTO price_bars (` + barColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (symbol, ts) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume
	`)

	err = r.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, b := range bars {
			if _, err := stmt.ExecContext(ctx, symbol, b.Timestamp.UTC(), b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
				return fmt.Errorf("bar %s: %w", b.Timestamp.Format("2006-01-02"), err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to upsert bars for %s: %w", symbol, err)
	}
	return nil
}

// UpsertQuote replaces the latest quote for the quote's symbol.
func (r *marketRepository) UpsertQuote(ctx context.Context, q models.Quote) (err error) {
	defer observe("upsert_quote", time.Now(), &err)

	query := r.db.rebind(`
		INSERT INTO latest_quotes (symbol, price, change_percent, volume, observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (symbol) DO UPDATE SET
			price = excluded.price,
			change_percent = excluded.change_percent,
			volume = excluded.volume,
			observed_at = excluded.observed_at
	`)
	if _, err = r.db.ExecContext(ctx, query, q.Symbol, q.Price, q.ChangePercent, q.Volume, q.ObservedAt.UTC()); err != nil {
		return fmt.Errorf("failed to upsert quote for %s: %w", q.Symbol, err)
	}
	return nil
}

// ReadBars returns bars for symbol in ascending order. Nil bounds are open;
// given bounds are inclusive.
func (r *marketRepository) ReadBars(ctx context.Context, symbol string, start, end *time.Time) (bars []models.Bar, err error) {
	defer observe("read_bars", time.Now(), &err)

	var sb strings.Builder
	sb.WriteString(`SELECT ` + barColumns + ` FROM price_bars WHERE symbol = ?`)
	args := []interface{}{symbol}
	if start != nil {
		sb.WriteString(` AND ts >= ?`)
		args = append(args, start.UTC())
	}
	if end != nil {
		sb.WriteString(` AND ts <= ?`)
		args = append(args, end.UTC())
	}
	sb.WriteString(` ORDER BY ts ASC`)

	rows, err := r.db.QueryContext(ctx, r.db.rebind(sb.String()), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	for rows.Next() {
		b, err := scanBar(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ReadQuote returns the stored quote, or nil when there is none.
func (r *marketRepository) ReadQuote(ctx context.Context, symbol string) (q *models.Quote, err error) {
	defer observe("read_quote", time.Now(), &err)

	query := r.db.rebind(`SELECT symbol, price, change_percent, volume, observed_at FROM latest_quotes WHERE symbol = ?`)
	var quote models.Quote
	err = r.db.QueryRowContext(ctx, query, symbol).Scan(
		&quote.Symbol, &quote.Price, &quote.ChangePercent, &quote.Volume, &quote.ObservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read quote for %s: %w", symbol, err)
	}
	quote.ObservedAt = quote.ObservedAt.UTC()
	return &quote, nil
}

// LatestBar returns the most recent bar for symbol, or nil when none is stored.
func (r *marketRepository) LatestBar(ctx context.Context, symbol string) (bar *models.Bar, err error) {
	defer observe("latest_bar", time.Now(), &err)

	query := r.db.rebind(`SELECT ` + barColumns + ` FROM price_bars WHERE symbol = ? ORDER BY ts DESC LIMIT 1`)
	b, err := scanBar(r.db.QueryRowContext(ctx, query, symbol))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest bar for %s: %w", symbol, err)
	}
	return &b, nil
}

// CountBars returns how many bars are stored for symbol.
func (r *marketRepository) CountBars(ctx context.Context, symbol string) (n int64, err error) {
	defer observe("count_bars", time.Now(), &err)

	query := r.db.rebind(`SELECT COUNT(*) FROM price_bars WHERE symbol = ?`)
	if err = r.db.QueryRowContext(ctx, query, symbol).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count bars for %s: %w", symbol, err)
	}
	return n, nil
}

// ListSymbols returns every symbol with stored bars or a stored quote.
func (r *marketRepository) ListSymbols(ctx context.Context) (symbols []string, err error) {
	defer observe("list_symbols", time.Now(), &err)

	rows, err := r.db.QueryContext(ctx, `
		SELECT symbol FROM price_bars
		UNION
		SELECT symbol FROM latest_quotes
		ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer rows.Close()

	symbols = []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBar(row rowScanner) (models.Bar, error) {
	var b models.Bar
	err := row.Scan(&b.Symbol, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume)
	b.Timestamp = b.Timestamp.UTC()
	return b, err
}

func observe(op string, start time.Time, err *error) {
	status := "success"
	if *err != nil {
		status = "error"
		metrics.DatabaseErrors.WithLabelValues(op).Inc()
	}
	metrics.DatabaseOperationDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
