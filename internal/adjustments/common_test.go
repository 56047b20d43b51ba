package adjustments

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/akirannz/zipline/internal/calendar"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCalendar() *calendar.Calendar {
	return calendar.Weekdays(date(2020, time.January, 1), date(2020, time.December, 31))
}

// newTestWriter opens a writer on a fresh store file in a temp dir.
func newTestWriter(t *testing.T, bars DailyBarStore) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adjustments.db")
	w, err := OpenWriter(path, testCalendar(), bars, WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w, path
}

// buildStore writes one dataset and returns the store path.
func buildStore(t *testing.T, bars DailyBarStore, data Data) string {
	t.Helper()
	w, path := newTestWriter(t, bars)
	if err := w.Write(context.Background(), data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	return path
}

// openTestReader opens a reader on path and closes it with the test.
func openTestReader(t *testing.T, path string, opts ...ReaderOption) *Reader {
	t.Helper()
	r, err := OpenReader(path, opts...)
	if err != nil {
		t.Fatalf("OpenReader failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

type testAsset int64

func (a testAsset) SID() int64 { return int64(a) }

type testResolver struct{}

func (testResolver) ResolveAsset(sid int64) (Asset, error) {
	return testAsset(sid), nil
}
