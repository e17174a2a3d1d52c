package model

import (
	"time"

	"github.com/govalues/decimal"
)

// WindowKey identifies one aggregation window.
type WindowKey struct {
	TenantID     string
	InstrumentID string
	Interval     time.Duration
	WindowStart  time.Time // UTC, floored to Interval
}

// FloorToInterval floors t to the interval boundary in UTC.
func FloorToInterval(t time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(interval)
}

// Bar is the OHLC aggregation of ticks within one window.
type Bar struct {
	Key        WindowKey
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal
	TradeCount int64
	OpenTime   time.Time
	CloseTime  time.Time
	Revision   int
}
