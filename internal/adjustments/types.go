package adjustments

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownTable is returned when an operation names a table outside the
// set it accepts.
var ErrUnknownTable = errors.New("unknown adjustment table")

// ErrNoDataOnDate is the sentinel a DailyBarStore returns when it holds
// no bar for the requested (sid, day). The ratio derivation recovers from
// it per row; any other error aborts the write.
var ErrNoDataOnDate = errors.New("no data on date")

// Adjustment is one row of the splits, mergers, or dividends table: a
// multiplicative ratio applied to all bars strictly before EffectiveDate.
// For splits the ratio also applies inversely to volume.
type Adjustment struct {
	SID           int64
	EffectiveDate time.Time // stored as whole seconds since epoch, UTC
	Ratio         float64
}

// DividendRatio is one derived row of the dividends table. EffectiveDate
// is the payout's ex-date as uint32 epoch seconds, matching the storage
// encoding.
type DividendRatio struct {
	SID           int64
	EffectiveDate uint32
	Ratio         float64
}

// DividendPayout is a source-of-truth cash dividend event.
type DividendPayout struct {
	SID          int64
	DeclaredDate time.Time
	ExDate       time.Time
	RecordDate   time.Time
	PayDate      time.Time
	Amount       float64
}

// StockDividendPayout is a payout in shares of PaymentSID instead of cash.
type StockDividendPayout struct {
	SID          int64
	PaymentSID   int64
	DeclaredDate time.Time
	ExDate       time.Time
	RecordDate   time.Time
	PayDate      time.Time
	Ratio        float64
}

// UnpricedDividend identifies a payout for which no prior close price
// could be found. The payout itself is still stored; it just produces no
// derived ratio row.
type UnpricedDividend struct {
	SID    int64
	ExDate time.Time
	Amount float64
}

// Dividend is an unpaid cash dividend returned by DividendsWithExDate,
// with the sid resolved to an asset object.
type Dividend struct {
	Asset   Asset
	Amount  float64
	PayDate time.Time
}

// StockDividend is an unpaid stock dividend returned by
// StockDividendsWithExDate.
type StockDividend struct {
	Asset        Asset
	PaymentAsset Asset
	Ratio        float64
	PayDate      time.Time
}

// Asset is the minimal view of a resolved asset object.
type Asset interface {
	SID() int64
}

// AssetResolver resolves raw integer asset identifiers to asset objects.
// Supplied by the caller; this package never interprets the result beyond
// carrying it.
type AssetResolver interface {
	ResolveAsset(sid int64) (Asset, error)
}

// TradingCalendar provides session ordering for the ratio derivation.
// Sessions are timezone-naive trading days, normalized to midnight UTC.
type TradingCalendar interface {
	// SessionIndexAtOrAfter returns the position of the earliest session
	// at or after t (backward-fill lookup). ok is false when t is past
	// the last session.
	SessionIndexAtOrAfter(t time.Time) (idx int, ok bool)

	// SessionAt returns the session at position idx.
	SessionAt(idx int) time.Time
}

// DailyBarStore serves point lookups of historical closing prices.
// ClosePrice returns ErrNoDataOnDate when it has no bar for the day; a
// NaN return is the missing-value sentinel for a bar that exists but has
// no close.
type DailyBarStore interface {
	ClosePrice(sid int64, day time.Time) (float64, error)
}

// AdjustmentsLoader is the opaque query engine that serves per-date,
// per-asset effective ratios to a backtest event loop. The Reader passes
// requests through unchanged.
type AdjustmentsLoader interface {
	LoadAdjustments(ctx context.Context, columns []string, dates []time.Time, sids []int64) (map[string][]Adjustment, error)
}
