// Package adjustments stores and serves corporate-action adjustments
// (splits, mergers, cash dividends, stock dividends) used to back-adjust
// historical price and volume series.
//
// The store is a single SQLite file written once by a Writer and then
// opened read-only by any number of Readers:
//   - splits, mergers, dividends: (sid, effective_date, ratio) rows. The
//     dividends table is derived from dividend payouts, never written
//     directly by callers.
//   - dividend_payouts, stock_dividend_payouts: source-of-truth payout
//     events keyed by ex_date.
//
// All date columns are stored as whole seconds since the Unix epoch, UTC.
// Tables are append-only; secondary indices are created once, after all
// data is loaded.
package adjustments
