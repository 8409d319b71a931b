package models

import (
	"fmt"
	"time"
)

// StoreTimeLayout is the millisecond layout ClickHouse DateTime64(3,'UTC')
// columns are written with.
const StoreTimeLayout = "2006-01-02 15:04:05.000"

// BusTimeLayout is the RFC3339-with-milliseconds layout used on the bus.
const BusTimeLayout = "2006-01-02T15:04:05.000Z"

// UTCMillis truncates t to millisecond precision in UTC.
func UTCMillis(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// FormatStoreTime renders t as a UTC millisecond string for the analytical store.
func FormatStoreTime(t time.Time) string {
	return UTCMillis(t).Format(StoreTimeLayout)
}

// FormatBusTime renders t as a UTC millisecond ISO 8601 string for bus payloads.
func FormatBusTime(t time.Time) string {
	return UTCMillis(t).Format(BusTimeLayout)
}

// ParseStoreTime parses a store-format timestamp back into UTC time.
func ParseStoreTime(s string) (time.Time, error) {
	t, err := time.ParseInLocation(StoreTimeLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse store timestamp %q: %w", s, err)
	}
	return t, nil
}

// ParseBusTime parses a bus-format timestamp back into UTC time.
func ParseBusTime(s string) (time.Time, error) {
	t, err := time.Parse(BusTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse bus timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}

// FromUnixMillis converts a venue epoch-milliseconds field to UTC time.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
