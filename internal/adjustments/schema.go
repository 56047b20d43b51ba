package adjustments

import (
	"fmt"
	"strings"
)

// Table names in the adjustments database.
const (
	TableSplits               = "splits"
	TableMergers              = "mergers"
	TableDividends            = "dividends"
	TableDividendPayouts      = "dividend_payouts"
	TableStockDividendPayouts = "stock_dividend_payouts"
)

// adjustmentTables are the tables accepted by Writer.WriteFrame and
// Reader.AdjustmentsForSID. All three share the (sid, effective_date,
// ratio) shape.
var adjustmentTables = map[string]bool{
	TableSplits:    true,
	TableMergers:   true,
	TableDividends: true,
}

// columnSpec declares one column's name and required numeric kind.
type columnSpec struct {
	name string
	kind Kind
}

// tableSchema declares the full column set of one table. Column order is
// the storage order used for DDL, inserts, and export.
type tableSchema struct {
	name     string
	columns  []columnSpec
	dateCols []string // columns holding epoch-second encoded dates
}

func (s tableSchema) column(name string) (columnSpec, bool) {
	for _, c := range s.columns {
		if c.name == name {
			return c, true
		}
	}
	return columnSpec{}, false
}

func (s tableSchema) isDateColumn(name string) bool {
	for _, c := range s.dateCols {
		if c == name {
			return true
		}
	}
	return false
}

// tableNames lists every table in a stable order for DDL and export.
var tableNames = []string{
	TableSplits,
	TableMergers,
	TableDividends,
	TableDividendPayouts,
	TableStockDividendPayouts,
}

var tableSchemas = map[string]tableSchema{
	TableSplits: {
		name: TableSplits,
		columns: []columnSpec{
			{"sid", KindInt64},
			{"effective_date", KindInt64},
			{"ratio", KindFloat64},
		},
		dateCols: []string{"effective_date"},
	},
	TableMergers: {
		name: TableMergers,
		columns: []columnSpec{
			{"sid", KindInt64},
			{"effective_date", KindInt64},
			{"ratio", KindFloat64},
		},
		dateCols: []string{"effective_date"},
	},
	// effective_date is a uint32 for storage compactness; the derived
	// ratio table is by far the largest in practice.
	TableDividends: {
		name: TableDividends,
		columns: []columnSpec{
			{"sid", KindInt64},
			{"effective_date", KindUint32},
			{"ratio", KindFloat64},
		},
		dateCols: []string{"effective_date"},
	},
	TableDividendPayouts: {
		name: TableDividendPayouts,
		columns: []columnSpec{
			{"sid", KindInt64},
			{"declared_date", KindInt64},
			{"ex_date", KindInt64},
			{"record_date", KindInt64},
			{"pay_date", KindInt64},
			{"amount", KindFloat64},
		},
		dateCols: []string{"declared_date", "ex_date", "record_date", "pay_date"},
	},
	TableStockDividendPayouts: {
		name: TableStockDividendPayouts,
		columns: []columnSpec{
			{"sid", KindInt64},
			{"payment_sid", KindInt64},
			{"declared_date", KindInt64},
			{"ex_date", KindInt64},
			{"record_date", KindInt64},
			{"pay_date", KindInt64},
			{"ratio", KindFloat64},
		},
		dateCols: []string{"declared_date", "ex_date", "record_date", "pay_date"},
	},
}

// createTableSQL renders the CREATE TABLE statement for one schema.
// Integer kinds map to SQLite INTEGER affinity, floats to REAL.
func createTableSQL(s tableSchema) string {
	defs := make([]string, 0, len(s.columns))
	for _, c := range s.columns {
		affinity := "INTEGER"
		if c.kind == KindFloat64 {
			affinity = "REAL"
		}
		defs = append(defs, fmt.Sprintf("%s %s NOT NULL", c.name, affinity))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", s.name, strings.Join(defs, ", "))
}

// indexDDL creates the secondary indices on a fully loaded store. Built
// once at the end of Writer.Write so bulk loading stays fast.
var indexDDL = []string{
	"CREATE INDEX splits_sids ON splits(sid)",
	"CREATE INDEX splits_effective_date ON splits(effective_date)",
	"CREATE INDEX mergers_sids ON mergers(sid)",
	"CREATE INDEX mergers_effective_date ON mergers(effective_date)",
	"CREATE INDEX dividends_sid ON dividends(sid)",
	"CREATE INDEX dividends_effective_date ON dividends(effective_date)",
	"CREATE INDEX dividend_payouts_sid ON dividend_payouts(sid)",
	"CREATE INDEX dividends_payouts_ex_date ON dividend_payouts(ex_date)",
	"CREATE INDEX stock_dividend_payouts_sid ON stock_dividend_payouts(sid)",
	"CREATE INDEX stock_dividends_payouts_ex_date ON stock_dividend_payouts(ex_date)",
}
