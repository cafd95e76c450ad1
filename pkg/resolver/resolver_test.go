package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/quote_relay/pkg/models"
)

type fakeSearcher struct {
	results []models.Candidate
	err     error
	calls   []string
}

func (f *fakeSearcher) Search(_ context.Context, text string) ([]models.Candidate, error) {
	f.calls = append(f.calls, text)
	return f.results, f.err
}

func candidates(symbols ...string) []models.Candidate {
	out := make([]models.Candidate, len(symbols))
	for i, s := range symbols {
		out[i] = models.Candidate{Symbol: s}
	}
	return out
}

func TestSelect(t *testing.T) {
	r := New(&fakeSearcher{}, DefaultPolicy(), nil)

	cases := []struct {
		name  string
		input string
		cands []models.Candidate
		want  string
	}{
		{"preferred primary first", "TCS", candidates("TCS.NS", "TCS.BO"), "TCS.NS"},
		{"preferred primary after secondary", "tcs", candidates("TCS.BO", "TCS.NS"), "TCS.NS"},
		{"preferred secondary only", "TCS", candidates("TCS.BO"), "TCS.BO"},
		{"preferred secondary behind unrelated", "INFY", candidates("INFY", "INFY.BO"), "INFY.BO"},
		{"preferred without exchange listings", "RELIANCE", candidates("RELI", "RIGD.LON"), "RELI"},
		{"not preferred keeps upstream order", "XYZ", candidates("XYZ.BO", "XYZ.NS"), "XYZ.BO"},
		{"not preferred plain", "IBMM", candidates("IBM", "IBM.DEX"), "IBM"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := r.Select(tc.input, tc.cands)
			require.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}

	_, ok := r.Select("TCS", nil)
	assert.False(t, ok)
}

func TestSelect_CustomPolicy(t *testing.T) {
	r := New(&fakeSearcher{}, Policy{Preferred: []string{"X"}, PrimarySuffix: ".PRIMARY", SecondarySuffix: ".SECONDARY"}, nil)

	got, _ := r.Select("X", candidates("X.PRIMARY", "X.SECONDARY"))
	assert.Equal(t, "X.PRIMARY", got)

	got, _ = r.Select("X", candidates("X.SECONDARY"))
	assert.Equal(t, "X.SECONDARY", got)
}

func TestResolve(t *testing.T) {
	s := &fakeSearcher{results: candidates("TCS.BO", "TCS.NS")}
	r := New(s, DefaultPolicy(), nil)

	got, err := r.Resolve(context.Background(), "TCS")
	require.NoError(t, err)
	assert.Equal(t, "TCS.NS", got)
	assert.Equal(t, []string{"TCS"}, s.calls)
}

func TestResolve_NoCandidates(t *testing.T) {
	r := New(&fakeSearcher{}, DefaultPolicy(), nil)

	_, err := r.Resolve(context.Background(), "ZZZZ")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolve_SearchFailure(t *testing.T) {
	boom := errors.New("boom")
	r := New(&fakeSearcher{err: boom}, DefaultPolicy(), nil)

	_, err := r.Resolve(context.Background(), "IBM")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNoMatch)
}
