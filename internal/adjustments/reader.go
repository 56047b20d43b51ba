package adjustments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sidChunkSize is how many asset ids fit in one IN(...) query: the
// bound-parameter cap minus the ex_date placeholder.
const sidChunkSize = maxBoundParams - 1

const (
	unpaidDividendsQuery = "SELECT sid, amount, pay_date FROM dividend_payouts" +
		" WHERE ex_date = ? AND sid IN (%s)"
	unpaidStockDividendsQuery = "SELECT sid, payment_sid, ratio, pay_date FROM stock_dividend_payouts" +
		" WHERE ex_date = ? AND sid IN (%s)"
)

// Reader serves records written by a Writer. All operations are
// read-only. Callers needing concurrent readers open independent Readers.
type Reader struct {
	db     *sql.DB
	ownsDB bool
	loader AdjustmentsLoader
}

type readerOptions struct {
	loader AdjustmentsLoader
}

// ReaderOption configures OpenReader and NewReader.
type ReaderOption func(*readerOptions)

// WithLoader wires the opaque query engine behind LoadAdjustments.
func WithLoader(loader AdjustmentsLoader) ReaderOption {
	return func(o *readerOptions) { o.loader = loader }
}

// OpenReader opens an existing store file. A missing file is an error;
// readers never create stores.
func OpenReader(path string, opts ...ReaderOption) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("adjustments store: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	r := newReader(db, opts)
	r.ownsDB = true
	return r, nil
}

// NewReader wraps an existing handle the caller owns.
func NewReader(db *sql.DB, opts ...ReaderOption) *Reader {
	return newReader(db, opts)
}

func newReader(db *sql.DB, opts []ReaderOption) *Reader {
	var o readerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return &Reader{db: db, loader: o.loader}
}

// Close releases the connection if the Reader owns it.
func (r *Reader) Close() error {
	if !r.ownsDB {
		return nil
	}
	return r.db.Close()
}

// AdjustmentsForSID returns all rows for one asset from splits, mergers,
// or dividends, in storage order, with effective dates decoded to UTC
// instants. The result is empty, never nil, when the asset has no rows.
func (r *Reader) AdjustmentsForSID(ctx context.Context, table string, sid int64) ([]Adjustment, error) {
	if !adjustmentTables[table] {
		return nil, fmt.Errorf("%w: %q is not one of splits, mergers, dividends", ErrUnknownTable, table)
	}

	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT effective_date, ratio FROM %s WHERE sid = ?", table), sid)
	if err != nil {
		return nil, fmt.Errorf("query %s for sid %d: %w", table, sid, err)
	}
	defer rows.Close()

	out := []Adjustment{}
	for rows.Next() {
		var sec int64
		var ratio float64
		if err := rows.Scan(&sec, &ratio); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		out = append(out, Adjustment{
			SID:           sid,
			EffectiveDate: time.Unix(sec, 0).UTC(),
			Ratio:         ratio,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query %s for sid %d: %w", table, sid, err)
	}
	return out, nil
}

// DividendsWithExDate returns every unpaid cash dividend whose ex-date
// equals date, across the requested assets, with sids resolved through
// resolver. The sid set is queried in bound-parameter-sized chunks;
// result order is the concatenation of per-chunk order.
func (r *Reader) DividendsWithExDate(ctx context.Context, sids []int64, date time.Time, resolver AssetResolver) ([]Dividend, error) {
	seconds := date.UTC().Unix()

	var divs []Dividend
	for _, chunk := range chunkSIDs(sids, sidChunkSize) {
		raw, err := r.queryUnpaidDividends(ctx, chunk, seconds)
		if err != nil {
			return nil, err
		}
		for _, row := range raw {
			asset, err := resolver.ResolveAsset(row.sid)
			if err != nil {
				return nil, fmt.Errorf("resolve asset %d: %w", row.sid, err)
			}
			divs = append(divs, Dividend{
				Asset:   asset,
				Amount:  row.amount,
				PayDate: time.Unix(row.payDate, 0).UTC(),
			})
		}
	}
	return divs, nil
}

// StockDividendsWithExDate is DividendsWithExDate for stock dividend
// payouts; both the held sid and the payment sid are resolved.
func (r *Reader) StockDividendsWithExDate(ctx context.Context, sids []int64, date time.Time, resolver AssetResolver) ([]StockDividend, error) {
	seconds := date.UTC().Unix()

	var divs []StockDividend
	for _, chunk := range chunkSIDs(sids, sidChunkSize) {
		raw, err := r.queryUnpaidStockDividends(ctx, chunk, seconds)
		if err != nil {
			return nil, err
		}
		for _, row := range raw {
			asset, err := resolver.ResolveAsset(row.sid)
			if err != nil {
				return nil, fmt.Errorf("resolve asset %d: %w", row.sid, err)
			}
			payment, err := resolver.ResolveAsset(row.paymentSID)
			if err != nil {
				return nil, fmt.Errorf("resolve payment asset %d: %w", row.paymentSID, err)
			}
			divs = append(divs, StockDividend{
				Asset:        asset,
				PaymentAsset: payment,
				Ratio:        row.ratio,
				PayDate:      time.Unix(row.payDate, 0).UTC(),
			})
		}
	}
	return divs, nil
}

type unpaidDividendRow struct {
	sid     int64
	amount  float64
	payDate int64
}

// queryUnpaidDividends runs one chunk query. Rows are fully drained and
// the cursor closed before the caller touches the resolver, so no cursor
// outlives an error path.
func (r *Reader) queryUnpaidDividends(ctx context.Context, chunk []int64, seconds int64) ([]unpaidDividendRow, error) {
	query := fmt.Sprintf(unpaidDividendsQuery, placeholders(len(chunk)))
	rows, err := r.db.QueryContext(ctx, query, chunkArgs(seconds, chunk)...)
	if err != nil {
		return nil, fmt.Errorf("query dividend_payouts: %w", err)
	}
	defer rows.Close()

	var out []unpaidDividendRow
	for rows.Next() {
		var row unpaidDividendRow
		if err := rows.Scan(&row.sid, &row.amount, &row.payDate); err != nil {
			return nil, fmt.Errorf("scan dividend_payouts row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query dividend_payouts: %w", err)
	}
	return out, nil
}

type unpaidStockDividendRow struct {
	sid        int64
	paymentSID int64
	ratio      float64
	payDate    int64
}

func (r *Reader) queryUnpaidStockDividends(ctx context.Context, chunk []int64, seconds int64) ([]unpaidStockDividendRow, error) {
	query := fmt.Sprintf(unpaidStockDividendsQuery, placeholders(len(chunk)))
	rows, err := r.db.QueryContext(ctx, query, chunkArgs(seconds, chunk)...)
	if err != nil {
		return nil, fmt.Errorf("query stock_dividend_payouts: %w", err)
	}
	defer rows.Close()

	var out []unpaidStockDividendRow
	for rows.Next() {
		var row unpaidStockDividendRow
		if err := rows.Scan(&row.sid, &row.paymentSID, &row.ratio, &row.payDate); err != nil {
			return nil, fmt.Errorf("scan stock_dividend_payouts row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query stock_dividend_payouts: %w", err)
	}
	return out, nil
}

// UnpackTables exports every known table as a decoded Frame. With
// convertDates set, epoch-second date columns are materialized as UTC
// instants (KindTime); otherwise dates stay raw integers.
func (r *Reader) UnpackTables(ctx context.Context, convertDates bool) (map[string]*Frame, error) {
	out := make(map[string]*Frame, len(tableNames))
	for _, name := range tableNames {
		frame, err := r.readTable(ctx, tableSchemas[name], convertDates)
		if err != nil {
			return nil, err
		}
		out[name] = frame
	}
	return out, nil
}

func (r *Reader) readTable(ctx context.Context, schema tableSchema, convertDates bool) (*Frame, error) {
	names := make([]string, 0, len(schema.columns))
	cols := make([]Column, len(schema.columns))
	for i, spec := range schema.columns {
		names = append(names, spec.name)
		cols[i] = Column{Name: spec.name, Kind: spec.kind}
		switch spec.kind {
		case KindInt64:
			cols[i].Ints = []int64{}
		case KindUint32:
			cols[i].Uints = []uint32{}
		case KindFloat64:
			cols[i].Floats = []float64{}
		}
	}

	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s", strings.Join(names, ", "), schema.name))
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", schema.name, err)
	}
	defer rows.Close()

	ints := make([]int64, len(schema.columns))
	floats := make([]float64, len(schema.columns))
	dest := make([]any, len(schema.columns))
	for i, spec := range schema.columns {
		if spec.kind == KindFloat64 {
			dest[i] = &floats[i]
		} else {
			dest[i] = &ints[i]
		}
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", schema.name, err)
		}
		for i, spec := range schema.columns {
			switch spec.kind {
			case KindInt64:
				cols[i].Ints = append(cols[i].Ints, ints[i])
			case KindUint32:
				cols[i].Uints = append(cols[i].Uints, uint32(ints[i]))
			case KindFloat64:
				cols[i].Floats = append(cols[i].Floats, floats[i])
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("export %s: %w", schema.name, err)
	}

	if convertDates {
		for i := range cols {
			if !schema.isDateColumn(cols[i].Name) {
				continue
			}
			convertDateColumn(&cols[i])
		}
	}
	return &Frame{Columns: cols}, nil
}

func convertDateColumn(col *Column) {
	switch col.Kind {
	case KindInt64:
		times := make([]time.Time, len(col.Ints))
		for i, sec := range col.Ints {
			times[i] = time.Unix(sec, 0).UTC()
		}
		col.Times, col.Ints = times, nil
	case KindUint32:
		times := make([]time.Time, len(col.Uints))
		for i, sec := range col.Uints {
			times[i] = time.Unix(int64(sec), 0).UTC()
		}
		col.Times, col.Uints = times, nil
	default:
		return
	}
	col.Kind = KindTime
}

// LoadAdjustments passes the requested columns, dates, and assets through
// to the wired query engine unchanged.
func (r *Reader) LoadAdjustments(ctx context.Context, columns []string, dates []time.Time, sids []int64) (map[string][]Adjustment, error) {
	if r.loader == nil {
		return nil, errors.New("no adjustments loader configured")
	}
	return r.loader.LoadAdjustments(ctx, columns, dates, sids)
}

func chunkSIDs(sids []int64, size int) [][]int64 {
	var chunks [][]int64
	for start := 0; start < len(sids); start += size {
		end := min(start+size, len(sids))
		chunks = append(chunks, sids[start:end])
	}
	return chunks
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunkArgs(seconds int64, chunk []int64) []any {
	args := make([]any, 0, len(chunk)+1)
	args = append(args, seconds)
	for _, sid := range chunk {
		args = append(args, sid)
	}
	return args
}
