// Package resolver maps free-text or mistyped symbols onto a tradable
// provider symbol using upstream search.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/models"
)

// ErrNoMatch is returned when search yields no candidates.
var ErrNoMatch = errors.New("no matching symbol")

// Searcher is the upstream symbol search.
type Searcher interface {
	Search(ctx context.Context, text string) ([]models.Candidate, error)
}

// Policy controls which exchange listing wins for domestic tickers.
type Policy struct {
	Preferred       []string
	PrimarySuffix   string
	SecondarySuffix string
}

// DefaultPolicy prefers NSE over BSE listings for the large Indian tickers.
func DefaultPolicy() Policy {
	return Policy{
		Preferred:       []string{"TCS", "RELIANCE", "INFY", "HDFCBANK", "ICICIBANK"},
		PrimarySuffix:   ".NS",
		SecondarySuffix: ".BO",
	}
}

type Resolver struct {
	search    Searcher
	policy    Policy
	preferred map[string]struct{}
	log       *zap.Logger
}

func New(search Searcher, policy Policy, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	preferred := make(map[string]struct{}, len(policy.Preferred))
	for _, p := range policy.Preferred {
		preferred[strings.ToUpper(p)] = struct{}{}
	}
	return &Resolver{search: search, policy: policy, preferred: preferred, log: log}
}

// Resolve searches for text and picks one candidate.
func (r *Resolver) Resolve(ctx context.Context, text string) (string, error) {
	candidates, err := r.search.Search(ctx, text)
	if err != nil {
		return "", fmt.Errorf("search %q: %w", text, err)
	}
	sym, ok := r.Select(text, candidates)
	if !ok {
		return "", fmt.Errorf("search %q: %w", text, ErrNoMatch)
	}
	r.log.Debug("resolved symbol",
		zap.String("input", text), zap.String("symbol", sym), zap.Int("candidates", len(candidates)))
	return sym, nil
}

// Select applies the listing preference to candidates, which must be in
// upstream order. For a preferred ticker the first primary-suffix candidate
// wins; a secondary-suffix candidate is taken only when no primary one exists
// anywhere in the list. Otherwise the first candidate is returned as is.
func (r *Resolver) Select(text string, candidates []models.Candidate) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}

	if _, ok := r.preferred[strings.ToUpper(strings.TrimSpace(text))]; ok {
		hasPrimary := false
		for _, c := range candidates {
			if strings.HasSuffix(c.Symbol, r.policy.PrimarySuffix) {
				hasPrimary = true
				break
			}
		}
		for _, c := range candidates {
			if hasPrimary && strings.HasSuffix(c.Symbol, r.policy.PrimarySuffix) {
				return c.Symbol, true
			}
			if !hasPrimary && strings.HasSuffix(c.Symbol, r.policy.SecondarySuffix) {
				return c.Symbol, true
			}
		}
	}

	return candidates[0].Symbol, true
}
