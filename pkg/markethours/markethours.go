// Package markethours answers whether the exchange is in its regular session.
package markethours

import (
	"time"
)

// Session is a weekday trading window in a fixed timezone. Open and Close
// are offsets from local midnight; both ends are inclusive.
type Session struct {
	Location *time.Location
	Open     time.Duration
	Close    time.Duration
}

// NSE returns the 09:15–15:30 session in loc.
func NSE(loc *time.Location) Session {
	if loc == nil {
		loc = time.UTC
	}
	return Session{
		Location: loc,
		Open:     9*time.Hour + 15*time.Minute,
		Close:    15*time.Hour + 30*time.Minute,
	}
}

// IsOpen reports whether t falls inside the session on a weekday.
func (s Session) IsOpen(t time.Time) bool {
	local := t.In(s.Location)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
	offset := local.Sub(midnight)
	return offset >= s.Open && offset <= s.Close
}

// Today returns t's calendar date in the session timezone.
func (s Session) Today(t time.Time) string {
	return t.In(s.Location).Format("2006-01-02")
}
