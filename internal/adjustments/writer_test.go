package adjustments

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWrite_RoundTripSplits(t *testing.T) {
	splits := []Adjustment{
		{SID: 1, EffectiveDate: date(2020, time.March, 2), Ratio: 0.5},
		{SID: 1, EffectiveDate: date(2020, time.June, 1), Ratio: 0.25},
		{SID: 7, EffectiveDate: date(2020, time.March, 2), Ratio: 2.0},
	}
	path := buildStore(t, NewMemBarStore(), Data{Splits: splits})
	r := openTestReader(t, path)

	got, err := r.AdjustmentsForSID(context.Background(), TableSplits, 1)
	if err != nil {
		t.Fatalf("AdjustmentsForSID failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if !got[0].EffectiveDate.Equal(date(2020, time.March, 2)) {
		t.Errorf("EffectiveDate = %v, want 2020-03-02", got[0].EffectiveDate)
	}
	if got[0].EffectiveDate.Location() != time.UTC {
		t.Errorf("EffectiveDate location = %v, want UTC", got[0].EffectiveDate.Location())
	}
	if got[0].Ratio != 0.5 || got[1].Ratio != 0.25 {
		t.Errorf("ratios = %g, %g, want 0.5, 0.25", got[0].Ratio, got[1].Ratio)
	}
}

func TestAdjustmentsForSID_NoRows(t *testing.T) {
	path := buildStore(t, NewMemBarStore(), Data{})
	r := openTestReader(t, path)

	got, err := r.AdjustmentsForSID(context.Background(), TableMergers, 99)
	if err != nil {
		t.Fatalf("AdjustmentsForSID failed: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("result = %v, want empty non-nil slice", got)
	}
}

func TestAdjustmentsForSID_UnknownTable(t *testing.T) {
	path := buildStore(t, NewMemBarStore(), Data{})
	r := openTestReader(t, path)

	_, err := r.AdjustmentsForSID(context.Background(), "dividend_payouts", 1)
	if !errors.Is(err, ErrUnknownTable) {
		t.Errorf("err = %v, want ErrUnknownTable", err)
	}
}

func TestCalcDividendRatios(t *testing.T) {
	// 2020-03-01 is a Sunday; the session at or after it is Monday
	// 2020-03-02 and the pricing reference day is Friday 2020-02-28.
	bars := NewMemBarStore()
	bars.SetClose(42, date(2020, time.February, 28), 50.0)

	w, _ := newTestWriter(t, bars)
	payouts := []DividendPayout{{
		SID:          42,
		DeclaredDate: date(2020, time.February, 1),
		ExDate:       date(2020, time.March, 1),
		RecordDate:   date(2020, time.March, 3),
		PayDate:      date(2020, time.March, 15),
		Amount:       0.50,
	}}

	ratios, unpriced, err := w.CalcDividendRatios(payouts)
	if err != nil {
		t.Fatalf("CalcDividendRatios failed: %v", err)
	}
	if len(unpriced) != 0 {
		t.Fatalf("unpriced = %v, want none", unpriced)
	}
	if len(ratios) != 1 {
		t.Fatalf("len(ratios) = %d, want 1", len(ratios))
	}
	want := DividendRatio{SID: 42, EffectiveDate: 1583020800, Ratio: 0.99}
	if ratios[0] != want {
		t.Errorf("ratio row = %+v, want %+v", ratios[0], want)
	}
}

func TestCalcDividendRatios_ZeroAmount(t *testing.T) {
	bars := NewMemBarStore()
	bars.SetClose(5, date(2020, time.February, 28), 123.45)

	w, _ := newTestWriter(t, bars)
	ratios, _, err := w.CalcDividendRatios([]DividendPayout{{
		SID:    5,
		ExDate: date(2020, time.March, 2),
		Amount: 0,
	}})
	if err != nil {
		t.Fatalf("CalcDividendRatios failed: %v", err)
	}
	if len(ratios) != 1 || ratios[0].Ratio != 1.0 {
		t.Errorf("ratios = %+v, want single row with ratio 1.0", ratios)
	}
}

func TestCalcDividendRatios_Empty(t *testing.T) {
	w, _ := newTestWriter(t, NewMemBarStore())
	ratios, unpriced, err := w.CalcDividendRatios(nil)
	if err != nil {
		t.Fatalf("CalcDividendRatios failed: %v", err)
	}
	if ratios == nil || len(ratios) != 0 {
		t.Errorf("ratios = %v, want empty non-nil slice", ratios)
	}
	if unpriced != nil {
		t.Errorf("unpriced = %v, want nil", unpriced)
	}
}

func TestCalcDividendRatios_MissingPrice(t *testing.T) {
	bars := NewMemBarStore()
	bars.SetClose(1, date(2020, time.February, 28), 50.0)
	// sid 2 has no bars at all.

	w, _ := newTestWriter(t, bars)
	payouts := []DividendPayout{
		{SID: 1, ExDate: date(2020, time.March, 1), Amount: 0.50},
		{SID: 2, ExDate: date(2020, time.March, 1), Amount: 0.75},
	}

	ratios, unpriced, err := w.CalcDividendRatios(payouts)
	if err != nil {
		t.Fatalf("CalcDividendRatios failed: %v", err)
	}
	if len(ratios) != 1 || ratios[0].SID != 1 {
		t.Errorf("ratios = %+v, want single row for sid 1", ratios)
	}
	if len(unpriced) != 1 {
		t.Fatalf("len(unpriced) = %d, want 1", len(unpriced))
	}
	want := UnpricedDividend{SID: 2, ExDate: date(2020, time.March, 1), Amount: 0.75}
	if unpriced[0] != want {
		t.Errorf("unpriced[0] = %+v, want %+v", unpriced[0], want)
	}
}

func TestCalcDividendRatios_NaNClose(t *testing.T) {
	bars := NewMemBarStore()
	bars.SetClose(3, date(2020, time.February, 28), math.NaN())

	w, _ := newTestWriter(t, bars)
	ratios, unpriced, err := w.CalcDividendRatios([]DividendPayout{
		{SID: 3, ExDate: date(2020, time.March, 1), Amount: 0.25},
	})
	if err != nil {
		t.Fatalf("CalcDividendRatios failed: %v", err)
	}
	if len(ratios) != 0 {
		t.Errorf("ratios = %+v, want none", ratios)
	}
	if len(unpriced) != 1 {
		t.Errorf("len(unpriced) = %d, want 1", len(unpriced))
	}
}

// failingBarStore returns a non-sentinel error for every lookup,
// aborting ratio derivation mid-write.
type failingBarStore struct {
	err error
}

func (s failingBarStore) ClosePrice(int64, time.Time) (float64, error) {
	return 0, s.err
}

func TestWrite_BarStoreErrorRollsBackAllTables(t *testing.T) {
	bars := failingBarStore{err: errors.New("bar store offline")}
	w, path := newTestWriter(t, bars)

	data := Data{
		Splits:    []Adjustment{{SID: 1, EffectiveDate: date(2020, time.March, 2), Ratio: 0.5}},
		Dividends: []DividendPayout{payoutOn(2, date(2020, time.March, 2), 0.10)},
	}
	if err := w.Write(context.Background(), data); err == nil {
		t.Fatal("Write = nil, want error from bar store")
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// The splits batch was appended before dividends failed, but the
	// single write transaction must roll everything back, table
	// creation included.
	r := openTestReader(t, path)
	if _, err := r.AdjustmentsForSID(context.Background(), TableSplits, 1); err == nil {
		t.Error("AdjustmentsForSID = nil error, want failure: splits table must not survive the rollback")
	}
}

func TestWrite_UnpricedPayoutStillStored(t *testing.T) {
	// No bars at all: the payout must land in dividend_payouts but
	// produce no derived dividends row.
	payout := DividendPayout{
		SID:          9,
		DeclaredDate: date(2020, time.February, 1),
		ExDate:       date(2020, time.March, 1),
		RecordDate:   date(2020, time.March, 3),
		PayDate:      date(2020, time.March, 15),
		Amount:       1.25,
	}
	path := buildStore(t, NewMemBarStore(), Data{Dividends: []DividendPayout{payout}})
	r := openTestReader(t, path)

	frames, err := r.UnpackTables(context.Background(), false)
	if err != nil {
		t.Fatalf("UnpackTables failed: %v", err)
	}
	if got := frames[TableDividendPayouts].Len(); got != 1 {
		t.Errorf("dividend_payouts rows = %d, want 1", got)
	}
	if got := frames[TableDividends].Len(); got != 0 {
		t.Errorf("dividends rows = %d, want 0", got)
	}
}

func TestWrite_DerivedDividendRatio(t *testing.T) {
	bars := NewMemBarStore()
	bars.SetClose(42, date(2020, time.February, 28), 50.0)

	payout := DividendPayout{
		SID:          42,
		DeclaredDate: date(2020, time.February, 1),
		ExDate:       date(2020, time.March, 1),
		RecordDate:   date(2020, time.March, 3),
		PayDate:      date(2020, time.March, 15),
		Amount:       0.50,
	}
	path := buildStore(t, bars, Data{Dividends: []DividendPayout{payout}})
	r := openTestReader(t, path)

	got, err := r.AdjustmentsForSID(context.Background(), TableDividends, 42)
	if err != nil {
		t.Fatalf("AdjustmentsForSID failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if !got[0].EffectiveDate.Equal(date(2020, time.March, 1)) {
		t.Errorf("EffectiveDate = %v, want 2020-03-01", got[0].EffectiveDate)
	}
	if got[0].Ratio != 0.99 {
		t.Errorf("Ratio = %g, want 0.99", got[0].Ratio)
	}
}

func TestWrite_EmptyDataset(t *testing.T) {
	path := buildStore(t, NewMemBarStore(), Data{})
	r := openTestReader(t, path)

	frames, err := r.UnpackTables(context.Background(), false)
	if err != nil {
		t.Fatalf("UnpackTables failed: %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("len(frames) = %d, want 5", len(frames))
	}
	for _, name := range []string{TableSplits, TableMergers, TableDividends, TableDividendPayouts, TableStockDividendPayouts} {
		frame := frames[name]
		if frame.Len() != 0 {
			t.Errorf("%s rows = %d, want 0", name, frame.Len())
		}
		schema := tableSchemas[name]
		if len(frame.Columns) != len(schema.columns) {
			t.Errorf("%s columns = %d, want %d", name, len(frame.Columns), len(schema.columns))
			continue
		}
		for i, spec := range schema.columns {
			if frame.Columns[i].Name != spec.name || frame.Columns[i].Kind != spec.kind {
				t.Errorf("%s column %d = %s/%s, want %s/%s", name,
					i, frame.Columns[i].Name, frame.Columns[i].Kind, spec.name, spec.kind)
			}
		}
	}
}

func TestWrite_CreatesIndexes(t *testing.T) {
	path := buildStore(t, NewMemBarStore(), Data{})
	r := openTestReader(t, path)

	rows, err := r.db.Query("SELECT name FROM sqlite_master WHERE type = 'index'")
	if err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	defer rows.Close()

	got := map[string]bool{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got[name] = true
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("rows: %v", err)
	}

	want := []string{
		"splits_sids", "splits_effective_date",
		"mergers_sids", "mergers_effective_date",
		"dividends_sid", "dividends_effective_date",
		"dividend_payouts_sid", "dividends_payouts_ex_date",
		"stock_dividend_payouts_sid", "stock_dividends_payouts_ex_date",
	}
	for _, name := range want {
		if !got[name] {
			t.Errorf("index %s missing", name)
		}
	}
}

func TestWriteFrame_UnknownTable(t *testing.T) {
	w, _ := newTestWriter(t, NewMemBarStore())
	err := w.WriteFrame(context.Background(), "dividend_payouts", nil)
	if !errors.Is(err, ErrUnknownTable) {
		t.Errorf("err = %v, want ErrUnknownTable", err)
	}
}

func TestWriteFrame_SchemaRejectionLeavesTableUntouched(t *testing.T) {
	w, path := newTestWriter(t, NewMemBarStore())
	ctx := context.Background()

	good := &Frame{Columns: []Column{
		{Name: "sid", Kind: KindInt64, Ints: []int64{1}},
		{Name: "effective_date", Kind: KindInt64, Ints: []int64{1583107200}},
		{Name: "ratio", Kind: KindFloat64, Floats: []float64{0.5}},
	}}
	if err := w.WriteFrame(ctx, TableSplits, good); err != nil {
		t.Fatalf("WriteFrame(good) failed: %v", err)
	}

	bad := &Frame{Columns: []Column{
		{Name: "sid", Kind: KindInt64, Ints: []int64{2}},
		{Name: "effective_date", Kind: KindInt64, Ints: []int64{1583107200}},
		{Name: "ratio", Kind: KindFloat64, Floats: []float64{0.5}},
		{Name: "volume", Kind: KindInt64, Ints: []int64{100}},
	}}
	err := w.WriteFrame(ctx, TableSplits, bad)
	var schemaErr *SchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("WriteFrame(bad) = %v, want *SchemaError", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	r := openTestReader(t, path)
	got, err := r.AdjustmentsForSID(ctx, TableSplits, 1)
	if err != nil {
		t.Fatalf("AdjustmentsForSID failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("splits rows for sid 1 = %d, want 1 (rejected batch must not append)", len(got))
	}
	if got2, _ := r.AdjustmentsForSID(ctx, TableSplits, 2); len(got2) != 0 {
		t.Errorf("splits rows for sid 2 = %d, want 0", len(got2))
	}
}

func TestWriteFrame_TimeEffectiveDateReencoded(t *testing.T) {
	w, path := newTestWriter(t, NewMemBarStore())
	ctx := context.Background()

	frame := &Frame{Columns: []Column{
		{Name: "sid", Kind: KindInt64, Ints: []int64{4}},
		{Name: "effective_date", Kind: KindTime, Times: []time.Time{date(2020, time.March, 2)}},
		{Name: "ratio", Kind: KindFloat64, Floats: []float64{0.5}},
	}}
	if err := w.WriteFrame(ctx, TableSplits, frame); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r := openTestReader(t, path)
	frames, err := r.UnpackTables(ctx, false)
	if err != nil {
		t.Fatalf("UnpackTables failed: %v", err)
	}
	col := frames[TableSplits].Column("effective_date")
	if col == nil || len(col.Ints) != 1 {
		t.Fatalf("effective_date column = %+v, want one int64 value", col)
	}
	if col.Ints[0] != 1583107200 {
		t.Errorf("effective_date = %d, want 1583107200", col.Ints[0])
	}
}

func TestOpenWriter_Overwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adjustments.db")

	// First store holds one split.
	w, err := OpenWriter(path, testCalendar(), NewMemBarStore(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	data := Data{Splits: []Adjustment{{SID: 1, EffectiveDate: date(2020, time.March, 2), Ratio: 0.5}}}
	if err := w.Write(context.Background(), data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Overwrite drops the old file; a second full Write (index creation
	// included) must succeed on the fresh store.
	w2, err := OpenWriter(path, testCalendar(), NewMemBarStore(), WithOverwrite(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("OpenWriter(overwrite) failed: %v", err)
	}
	if err := w2.Write(context.Background(), Data{}); err != nil {
		t.Fatalf("Write after overwrite failed: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	r := openTestReader(t, path)
	got, err := r.AdjustmentsForSID(context.Background(), TableSplits, 1)
	if err != nil {
		t.Fatalf("AdjustmentsForSID failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("splits rows after overwrite = %d, want 0", len(got))
	}
}

func TestOpenWriter_OverwriteMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.db")
	w, err := OpenWriter(path, testCalendar(), NewMemBarStore(), WithOverwrite(), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("OpenWriter with overwrite on missing file failed: %v", err)
	}
	w.Close()
}

func TestOpenReader_MissingFile(t *testing.T) {
	_, err := OpenReader(filepath.Join(t.TempDir(), "nope.db"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want wrapped os.ErrNotExist", err)
	}
}
