package models

import (
	"fmt"
	"strconv"
	"time"

	"github.com/alim08/quote_relay/pkg/validation"
)

// Quote is the latest price snapshot for a symbol. At most one is kept per symbol.
type Quote struct {
	Symbol        string    `json:"symbol" validate:"required,symbol"`
	Price         float64   `json:"price" validate:"price"`
	ChangePercent float64   `json:"change_percent"`
	Volume        int64     `json:"volume" validate:"gte=0"`
	ObservedAt    time.Time `json:"observed_at" validate:"required"`
}

// Validate validates the Quote struct
func (q Quote) Validate() error {
	if errors := validation.ValidateStruct(q); len(errors) > 0 {
		return errors
	}
	return nil
}

// ChangePercent returns the percent move from previous to price, or 0 when
// there is no previous close to compare against.
func ChangePercent(price, previous float64) float64 {
	if previous == 0 {
		return 0
	}
	return (price - previous) / previous * 100
}

// ToMap converts a Quote to a flat map for Redis hash storage
func (q Quote) ToMap() map[string]interface{} {
	return map[string]interface{}{
		"symbol":         q.Symbol,
		"price":          strconv.FormatFloat(q.Price, 'f', -1, 64),
		"change_percent": strconv.FormatFloat(q.ChangePercent, 'f', -1, 64),
		"volume":         strconv.FormatInt(q.Volume, 10),
		"observed_at":    q.ObservedAt.UTC().Format(time.RFC3339Nano),
	}
}

// QuoteFromMap parses a Redis hash (as returned by HGETALL) into a Quote.
func QuoteFromMap(m map[string]string) (Quote, error) {
	var q Quote
	var err error

	q.Symbol = validation.NormalizeSymbol(m["symbol"])
	if q.Price, err = validation.ParseFloatField("price", m["price"]); err != nil {
		return q, err
	}
	if q.ChangePercent, err = validation.ParseFloatField("change_percent", m["change_percent"]); err != nil {
		return q, err
	}
	if q.Volume, err = validation.ParseIntField("volume", m["volume"]); err != nil {
		return q, err
	}
	ts, ok := m["observed_at"]
	if !ok {
		return q, fmt.Errorf("missing 'observed_at'")
	}
	if q.ObservedAt, err = time.Parse(time.RFC3339Nano, ts); err != nil {
		return q, fmt.Errorf("invalid 'observed_at': %w", err)
	}
	return q, q.Validate()
}
