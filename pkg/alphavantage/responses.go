package alphavantage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/alim08/quote_relay/pkg/models"
	"github.com/alim08/quote_relay/pkg/validation"
)

// envelope holds the advisory and error keys any endpoint may return.
type envelope struct {
	ErrorMessage string `json:"Error Message"`
	Note         string `json:"Note"`
	Information  string `json:"Information"`
}

func (e envelope) advisory() string {
	if e.Note != "" {
		return e.Note
	}
	return e.Information
}

type globalQuote struct {
	Symbol        string `json:"01. symbol"`
	Price         string `json:"05. price"`
	Volume        string `json:"06. volume"`
	PreviousClose string `json:"08. previous close"`
}

type quoteResponse struct {
	envelope
	Quote globalQuote `json:"Global Quote"`
}

type dailyRow struct {
	Open   string `json:"1. open"`
	High   string `json:"2. high"`
	Low    string `json:"3. low"`
	Close  string `json:"4. close"`
	Volume string `json:"5. volume"`
}

type dailyResponse struct {
	envelope
	Series map[string]dailyRow `json:"Time Series (Daily)"`
}

type searchMatch struct {
	Symbol string `json:"1. symbol"`
	Name   string `json:"2. name"`
	Region string `json:"4. region"`
}

type searchResponse struct {
	envelope
	BestMatches []searchMatch `json:"bestMatches"`
}

// toQuote converts a GLOBAL_QUOTE payload. A zero price means the provider
// has nothing for the symbol.
func (g globalQuote) toQuote(symbol string, observedAt time.Time) (models.Quote, error) {
	price, err := validation.ParseFloatField("price", g.Price)
	if err != nil {
		return models.Quote{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if price == 0 {
		return models.Quote{}, ErrNoData
	}

	var previous float64
	if strings.TrimSpace(g.PreviousClose) != "" {
		if previous, err = validation.ParseFloatField("previous close", g.PreviousClose); err != nil {
			return models.Quote{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	var volume int64
	if strings.TrimSpace(g.Volume) != "" {
		if volume, err = validation.ParseIntField("volume", g.Volume); err != nil {
			return models.Quote{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	q := models.Quote{
		Symbol:        symbol,
		Price:         price,
		ChangePercent: models.ChangePercent(price, previous),
		Volume:        volume,
		ObservedAt:    observedAt.UTC(),
	}
	if err := q.Validate(); err != nil {
		return models.Quote{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return q, nil
}

// toBars converts a daily series into validated bars sorted ascending.
// Rows that fail to parse or validate are dropped and counted.
func toBars(symbol string, series map[string]dailyRow) (bars []models.Bar, dropped int) {
	bars = make([]models.Bar, 0, len(series))
	for date, row := range series {
		bar, err := row.toBar(symbol, date)
		if err != nil {
			dropped++
			continue
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, dropped
}

func (r dailyRow) toBar(symbol, date string) (models.Bar, error) {
	ts, err := time.ParseInLocation("2006-01-02", date, time.UTC)
	if err != nil {
		return models.Bar{}, err
	}
	b := models.Bar{Symbol: symbol, Timestamp: ts}
	if b.Open, err = validation.ParseFloatField("open", r.Open); err != nil {
		return b, err
	}
	if b.High, err = validation.ParseFloatField("high", r.High); err != nil {
		return b, err
	}
	if b.Low, err = validation.ParseFloatField("low", r.Low); err != nil {
		return b, err
	}
	if b.Close, err = validation.ParseFloatField("close", r.Close); err != nil {
		return b, err
	}
	if b.Volume, err = validation.ParseIntField("volume", r.Volume); err != nil {
		return b, err
	}
	return b, b.Validate()
}

// filterRange keeps bars whose calendar day lies in [start, end].
func filterRange(bars []models.Bar, start, end time.Time) []models.Bar {
	from := truncateDay(start)
	to := truncateDay(end)
	out := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		day := truncateDay(b.Timestamp)
		if day.Before(from) || day.After(to) {
			continue
		}
		out = append(out, b)
	}
	return out
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
