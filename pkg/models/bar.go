package models

import (
	"fmt"
	"time"

	"github.com/alim08/quote_relay/pkg/validation"
)

// Bar is one OHLCV record. (Symbol, Timestamp) identifies it in storage.
type Bar struct {
	Symbol    string    `json:"symbol" validate:"required,symbol"`
	Timestamp time.Time `json:"timestamp" validate:"required"`
	Open      float64   `json:"open" validate:"price"`
	High      float64   `json:"high" validate:"price"`
	Low       float64   `json:"low" validate:"price"`
	Close     float64   `json:"close" validate:"price"`
	Volume    int64     `json:"volume" validate:"gte=0"`
}

// Validate checks field ranges and that the high/low envelope holds.
func (b Bar) Validate() error {
	if errors := validation.ValidateStruct(b); len(errors) > 0 {
		return errors
	}
	if b.High < b.Low {
		return validation.ValidationError{
			Field:   "High",
			Message: fmt.Sprintf("High (%v) must not be below Low (%v)", b.High, b.Low),
		}
	}
	return nil
}

// Date returns the bar's calendar day in loc.
func (b Bar) Date(loc *time.Location) string {
	return b.Timestamp.In(loc).Format("2006-01-02")
}

// Candidate is one symbol-search match, in upstream order.
type Candidate struct {
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
	Region string `json:"region"`
}
