package adjustments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// maxBoundParams is SQLite's default bound-parameter cap per statement.
// Insert chunk sizes and sid query chunks are derived from it.
const maxBoundParams = 999

// Data is the full input to one Write call. Nil slices are valid: the
// corresponding tables are still created empty with the correct columns.
type Data struct {
	Splits         []Adjustment
	Mergers        []Adjustment
	Dividends      []DividendPayout
	StockDividends []StockDividendPayout
}

// Writer populates an adjustments store. It assumes exclusive ownership
// of its connection for its whole lifetime; it is not safe for concurrent
// use.
type Writer struct {
	db       *sql.DB
	ownsDB   bool
	calendar TradingCalendar
	bars     DailyBarStore
	logger   *slog.Logger
	session  string
}

type writerOptions struct {
	overwrite bool
	logger    *slog.Logger
}

// WriterOption configures OpenWriter and NewWriter.
type WriterOption func(*writerOptions)

// WithOverwrite removes any pre-existing file at the target path before
// opening. A missing file is not an error; any other removal failure
// aborts the open. Only meaningful with OpenWriter.
func WithOverwrite() WriterOption {
	return func(o *writerOptions) { o.overwrite = true }
}

// WithLogger sets the logger used for ratio-derivation warnings and write
// progress. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) WriterOption {
	return func(o *writerOptions) { o.logger = logger }
}

// OpenWriter opens (creating if needed) the store file at path and
// returns a Writer that owns the resulting handle. Close releases it.
func OpenWriter(path string, cal TradingCalendar, bars DailyBarStore, opts ...WriterOption) (*Writer, error) {
	var o writerOptions
	for _, opt := range opts {
		opt(&o)
	}

	if o.overwrite {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("remove existing store %s: %w", path, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	w := newWriter(db, cal, bars, o)
	w.ownsDB = true
	return w, nil
}

// NewWriter wraps an existing handle the caller owns. Close becomes a
// no-op; the caller releases the handle.
func NewWriter(db *sql.DB, cal TradingCalendar, bars DailyBarStore, opts ...WriterOption) *Writer {
	var o writerOptions
	for _, opt := range opts {
		opt(&o)
	}
	return newWriter(db, cal, bars, o)
}

func newWriter(db *sql.DB, cal TradingCalendar, bars DailyBarStore, o writerOptions) *Writer {
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	session := uuid.NewString()
	return &Writer{
		db:       db,
		calendar: cal,
		bars:     bars,
		logger:   logger.With("write_session", session),
		session:  session,
	}
}

// Close releases the connection if the Writer owns it.
func (w *Writer) Close() error {
	if !w.ownsDB {
		return nil
	}
	return w.db.Close()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Write persists one logical dataset: splits and mergers verbatim, raw
// dividend and stock-dividend payouts, the derived dividend ratio table,
// and finally all secondary indices. The whole sequence runs in a single
// transaction, so a schema violation on any batch leaves the store
// untouched. Write is meant to be called exactly once per store.
func (w *Writer) Write(ctx context.Context, data Data) error {
	w.logger.Info("writing adjustments",
		"splits", len(data.Splits),
		"mergers", len(data.Mergers),
		"dividends", len(data.Dividends),
		"stock_dividends", len(data.StockDividends),
	)

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureTables(ctx, tx, tableNames...); err != nil {
		return err
	}
	if err := writeFrame(ctx, tx, TableSplits, adjustmentFrame(data.Splits)); err != nil {
		return err
	}
	if err := writeFrame(ctx, tx, TableMergers, adjustmentFrame(data.Mergers)); err != nil {
		return err
	}
	if err := w.writeDividendData(ctx, tx, data.Dividends, data.StockDividends); err != nil {
		return err
	}
	if err := createIndexes(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit write transaction: %w", err)
	}

	w.logger.Info("adjustments written")
	return nil
}

// WriteFrame appends one validated batch to splits, mergers, or
// dividends. A KindTime effective_date column is re-encoded to the
// table's declared integer kind (epoch seconds) before validation. A nil
// or empty frame still creates the table with zero rows and the declared
// columns. WriteFrame never creates indices; Write does that last.
func (w *Writer) WriteFrame(ctx context.Context, table string, frame *Frame) error {
	if !adjustmentTables[table] {
		return fmt.Errorf("%w: %q is not one of splits, mergers, dividends", ErrUnknownTable, table)
	}

	frame, err := encodeEffectiveDate(tableSchemas[table], frame)
	if err != nil {
		return err
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureTables(ctx, tx, table); err != nil {
		return err
	}
	if err := writeFrame(ctx, tx, table, frame); err != nil {
		return err
	}
	return tx.Commit()
}

// WriteDividendData persists raw cash and stock payouts, then derives and
// persists the dividend ratio table. Indices are not created here.
func (w *Writer) WriteDividendData(ctx context.Context, payouts []DividendPayout, stockPayouts []StockDividendPayout) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin write transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureTables(ctx, tx, TableDividendPayouts, TableStockDividendPayouts, TableDividends); err != nil {
		return err
	}
	if err := w.writeDividendData(ctx, tx, payouts, stockPayouts); err != nil {
		return err
	}
	return tx.Commit()
}

func (w *Writer) writeDividendData(ctx context.Context, ex execer, payouts []DividendPayout, stockPayouts []StockDividendPayout) error {
	if err := writeFrame(ctx, ex, TableDividendPayouts, payoutFrame(payouts)); err != nil {
		return err
	}
	if err := writeFrame(ctx, ex, TableStockDividendPayouts, stockPayoutFrame(stockPayouts)); err != nil {
		return err
	}

	ratios, unpriced, err := w.CalcDividendRatios(payouts)
	if err != nil {
		return err
	}
	if len(unpriced) > 0 {
		w.logger.Info("dividend ratios skipped for unpriced payouts", "count", len(unpriced))
	}
	return writeFrame(ctx, ex, TableDividends, ratioFrame(ratios))
}

// CalcDividendRatios converts absolute cash dividends into multiplicative
// back-adjustment ratios. For each payout it locates the session at or
// after the ex-date (backward-fill), steps back one session to the last
// close before the asset trades ex-dividend, and computes
// ratio = 1 - amount/close against that close.
//
// Payouts with no locatable prior session, no bar for the reference day,
// or a NaN close are returned as unpriced and produce no ratio row; they
// never fail the batch. Any other bar-store error aborts the call.
func (w *Writer) CalcDividendRatios(payouts []DividendPayout) ([]DividendRatio, []UnpricedDividend, error) {
	ratios := make([]DividendRatio, 0, len(payouts))
	if len(payouts) == 0 {
		return ratios, nil, nil
	}

	var unpriced []UnpricedDividend
	for _, p := range payouts {
		// Ex-dates are timezone-naive by contract; the calendar exposes
		// a naive (midnight UTC) session view to match.
		loc, ok := w.calendar.SessionIndexAtOrAfter(p.ExDate)
		if !ok || loc == 0 {
			w.logger.Warn("couldn't compute ratio for dividend",
				"sid", p.SID, "ex_date", p.ExDate, "amount", p.Amount)
			unpriced = append(unpriced, UnpricedDividend{p.SID, p.ExDate, p.Amount})
			continue
		}
		refDay := w.calendar.SessionAt(loc - 1)

		prevClose, err := w.bars.ClosePrice(p.SID, refDay)
		if errors.Is(err, ErrNoDataOnDate) {
			w.logger.Warn("couldn't compute ratio for dividend",
				"sid", p.SID, "ex_date", p.ExDate, "amount", p.Amount)
			unpriced = append(unpriced, UnpricedDividend{p.SID, p.ExDate, p.Amount})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("close price for sid %d on %s: %w",
				p.SID, refDay.Format("2006-01-02"), err)
		}
		if math.IsNaN(prevClose) {
			unpriced = append(unpriced, UnpricedDividend{p.SID, p.ExDate, p.Amount})
			continue
		}

		ratios = append(ratios, DividendRatio{
			SID:           p.SID,
			EffectiveDate: uint32(p.ExDate.Unix()),
			Ratio:         1.0 - p.Amount/prevClose,
		})
	}
	return ratios, unpriced, nil
}

// ensureTables creates the named tables if they do not exist, so empty
// batches still leave correctly typed tables behind.
func ensureTables(ctx context.Context, ex execer, tables ...string) error {
	for _, name := range tables {
		if _, err := ex.ExecContext(ctx, createTableSQL(tableSchemas[name])); err != nil {
			return fmt.Errorf("create table %s: %w", name, err)
		}
	}
	return nil
}

func createIndexes(ctx context.Context, ex execer) error {
	for _, ddl := range indexDDL {
		if _, err := ex.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// writeFrame validates one batch against its table schema and appends it
// in chunked multi-row inserts. Validation failures reject the batch
// before any row is appended.
func writeFrame(ctx context.Context, ex execer, table string, frame *Frame) error {
	schema := tableSchemas[table]
	if err := validateFrame(schema, frame); err != nil {
		return err
	}

	n := frame.Len()
	if n == 0 {
		return nil
	}

	names := make([]string, 0, len(schema.columns))
	for _, c := range schema.columns {
		names = append(names, c.name)
	}
	rowTuple := "(" + strings.TrimSuffix(strings.Repeat("?,", len(names)), ",") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(names, ", "))

	// Fixed row-count chunks keep each insert under the bound-parameter
	// cap regardless of column count.
	rowsPerInsert := maxBoundParams / len(names)
	for start := 0; start < n; start += rowsPerInsert {
		end := min(start+rowsPerInsert, n)
		count := end - start

		query := prefix + strings.TrimSuffix(strings.Repeat(rowTuple+",", count), ",")
		args := make([]any, 0, count*len(names))
		for i := start; i < end; i++ {
			for _, spec := range schema.columns {
				col := frame.Column(spec.name)
				switch spec.kind {
				case KindInt64:
					args = append(args, col.Ints[i])
				case KindUint32:
					args = append(args, int64(col.Uints[i]))
				case KindFloat64:
					args = append(args, col.Floats[i])
				}
			}
		}
		if _, err := ex.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	return nil
}

// encodeEffectiveDate returns a copy of frame with a KindTime
// effective_date column re-encoded as the schema's declared integer kind
// (whole epoch seconds, UTC). Frames already carrying integer dates pass
// through unchanged.
func encodeEffectiveDate(schema tableSchema, frame *Frame) (*Frame, error) {
	col := frame.Column("effective_date")
	if col == nil || col.Kind != KindTime {
		return frame, nil
	}

	spec, ok := schema.column("effective_date")
	if !ok {
		return frame, nil
	}

	encoded := Column{Name: "effective_date", Kind: spec.kind}
	switch spec.kind {
	case KindInt64:
		encoded.Ints = make([]int64, len(col.Times))
		for i, t := range col.Times {
			encoded.Ints[i] = t.UTC().Unix()
		}
	case KindUint32:
		encoded.Uints = make([]uint32, len(col.Times))
		for i, t := range col.Times {
			encoded.Uints[i] = uint32(t.UTC().Unix())
		}
	default:
		return nil, &SchemaError{
			Table:    schema.name,
			Column:   "effective_date",
			Expected: spec.kind.String(),
			Received: col.Kind.String(),
		}
	}

	out := &Frame{Columns: make([]Column, len(frame.Columns))}
	for i := range frame.Columns {
		if frame.Columns[i].Name == "effective_date" {
			out.Columns[i] = encoded
		} else {
			out.Columns[i] = frame.Columns[i]
		}
	}
	return out, nil
}

// Typed batch builders. Compile-time checked inputs go through the same
// validation path as untrusted frames.

func adjustmentFrame(rows []Adjustment) *Frame {
	if len(rows) == 0 {
		return nil
	}
	sids := make([]int64, len(rows))
	dates := make([]int64, len(rows))
	ratios := make([]float64, len(rows))
	for i, r := range rows {
		sids[i] = r.SID
		dates[i] = r.EffectiveDate.UTC().Unix()
		ratios[i] = r.Ratio
	}
	return &Frame{Columns: []Column{
		{Name: "sid", Kind: KindInt64, Ints: sids},
		{Name: "effective_date", Kind: KindInt64, Ints: dates},
		{Name: "ratio", Kind: KindFloat64, Floats: ratios},
	}}
}

func ratioFrame(rows []DividendRatio) *Frame {
	if len(rows) == 0 {
		return nil
	}
	sids := make([]int64, len(rows))
	dates := make([]uint32, len(rows))
	ratios := make([]float64, len(rows))
	for i, r := range rows {
		sids[i] = r.SID
		dates[i] = r.EffectiveDate
		ratios[i] = r.Ratio
	}
	return &Frame{Columns: []Column{
		{Name: "sid", Kind: KindInt64, Ints: sids},
		{Name: "effective_date", Kind: KindUint32, Uints: dates},
		{Name: "ratio", Kind: KindFloat64, Floats: ratios},
	}}
}

func payoutFrame(rows []DividendPayout) *Frame {
	if len(rows) == 0 {
		return nil
	}
	sids := make([]int64, len(rows))
	declared := make([]int64, len(rows))
	ex := make([]int64, len(rows))
	record := make([]int64, len(rows))
	pay := make([]int64, len(rows))
	amounts := make([]float64, len(rows))
	for i, r := range rows {
		sids[i] = r.SID
		declared[i] = r.DeclaredDate.UTC().Unix()
		ex[i] = r.ExDate.UTC().Unix()
		record[i] = r.RecordDate.UTC().Unix()
		pay[i] = r.PayDate.UTC().Unix()
		amounts[i] = r.Amount
	}
	return &Frame{Columns: []Column{
		{Name: "sid", Kind: KindInt64, Ints: sids},
		{Name: "declared_date", Kind: KindInt64, Ints: declared},
		{Name: "ex_date", Kind: KindInt64, Ints: ex},
		{Name: "record_date", Kind: KindInt64, Ints: record},
		{Name: "pay_date", Kind: KindInt64, Ints: pay},
		{Name: "amount", Kind: KindFloat64, Floats: amounts},
	}}
}

func stockPayoutFrame(rows []StockDividendPayout) *Frame {
	if len(rows) == 0 {
		return nil
	}
	sids := make([]int64, len(rows))
	payments := make([]int64, len(rows))
	declared := make([]int64, len(rows))
	ex := make([]int64, len(rows))
	record := make([]int64, len(rows))
	pay := make([]int64, len(rows))
	ratios := make([]float64, len(rows))
	for i, r := range rows {
		sids[i] = r.SID
		payments[i] = r.PaymentSID
		declared[i] = r.DeclaredDate.UTC().Unix()
		ex[i] = r.ExDate.UTC().Unix()
		record[i] = r.RecordDate.UTC().Unix()
		pay[i] = r.PayDate.UTC().Unix()
		ratios[i] = r.Ratio
	}
	return &Frame{Columns: []Column{
		{Name: "sid", Kind: KindInt64, Ints: sids},
		{Name: "payment_sid", Kind: KindInt64, Ints: payments},
		{Name: "declared_date", Kind: KindInt64, Ints: declared},
		{Name: "ex_date", Kind: KindInt64, Ints: ex},
		{Name: "record_date", Kind: KindInt64, Ints: record},
		{Name: "pay_date", Kind: KindInt64, Ints: pay},
		{Name: "ratio", Kind: KindFloat64, Floats: ratios},
	}}
}
