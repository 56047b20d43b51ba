package adjustments

import "time"

type barKey struct {
	sid int64
	day int64 // midnight UTC, epoch seconds
}

// MemBarStore is an in-memory DailyBarStore keyed by (sid, day). Used by
// the adjustdb CLI's ingest path and by tests; production systems supply
// their own bar reader.
type MemBarStore struct {
	closes map[barKey]float64
}

// NewMemBarStore returns an empty store.
func NewMemBarStore() *MemBarStore {
	return &MemBarStore{closes: make(map[barKey]float64)}
}

// SetClose records the closing price for (sid, day). The day is truncated
// to midnight UTC.
func (s *MemBarStore) SetClose(sid int64, day time.Time, close float64) {
	s.closes[barKey{sid, midnightUTC(day)}] = close
}

// ClosePrice implements DailyBarStore.
func (s *MemBarStore) ClosePrice(sid int64, day time.Time) (float64, error) {
	close, ok := s.closes[barKey{sid, midnightUTC(day)}]
	if !ok {
		return 0, ErrNoDataOnDate
	}
	return close, nil
}

func midnightUTC(t time.Time) int64 {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Unix()
}
