// Package utils provides utility functions for the application.
package utils

import (
	"fmt"
	"sync"
	"time"
)

// UTCNow returns the current time in UTC
func UTCNow() time.Time {
	return time.Now().UTC()
}

// UTCNowPtr returns a pointer to the current time in UTC
func UTCNowPtr() *time.Time {
	now := UTCNow()
	return &now
}

// TimeToUTCPtr converts a time pointer to UTC if it's not already
func TimeToUTCPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC()
	return &utc
}

var (
	locationsMu sync.RWMutex
	locations   = map[string]*time.Location{}
)

// LoadLocation resolves an IANA zone name, caching the result. An empty name means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == DefaultRuleTimezone {
		return time.UTC, nil
	}

	locationsMu.RLock()
	loc, ok := locations[name]
	locationsMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, err
	}
	locationsMu.Lock()
	locations[name] = loc
	locationsMu.Unlock()
	return loc, nil
}

// MinuteOfDay returns the minutes elapsed since local midnight of t
func MinuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// DayKey returns the calendar day of t in loc
func DayKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(DayKeyLayout)
}

// FormatMinuteOfDay renders a minute-of-day value as HH:MM
func FormatMinuteOfDay(m int) string {
	return fmt.Sprintf("%02d:%02d", m/60, m%60)
}
