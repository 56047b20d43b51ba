package adjustments

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind is the declared value kind of one column.
type Kind uint8

const (
	// KindInt64 is a signed 64-bit integer column.
	KindInt64 Kind = iota
	// KindUint32 is an unsigned 32-bit integer column.
	KindUint32
	// KindFloat64 is a 64-bit float column.
	KindFloat64
	// KindTime holds decoded UTC instants. Produced by
	// Reader.UnpackTables when date conversion is requested, and
	// accepted on write only for effective_date columns, which are
	// re-encoded to their declared integer kind before validation.
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindInt64:
		return "int64"
	case KindUint32:
		return "uint32"
	case KindFloat64:
		return "float64"
	case KindTime:
		return "time"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Column is one named column of a Frame. Exactly one of the value slices
// is populated, matching Kind.
type Column struct {
	Name   string
	Kind   Kind
	Ints   []int64
	Uints  []uint32
	Floats []float64
	Times  []time.Time
}

// Len returns the number of values in the column.
func (c *Column) Len() int {
	switch c.Kind {
	case KindInt64:
		return len(c.Ints)
	case KindUint32:
		return len(c.Uints)
	case KindFloat64:
		return len(c.Floats)
	case KindTime:
		return len(c.Times)
	default:
		return 0
	}
}

// Frame is a column-oriented record batch. It is the boundary type for
// untrusted input (validated against the table schema before any row is
// appended) and the export type returned by Reader.UnpackTables.
type Frame struct {
	Columns []Column
}

// Len returns the number of rows. A nil frame has zero rows.
func (f *Frame) Len() int {
	if f == nil || len(f.Columns) == 0 {
		return 0
	}
	return f.Columns[0].Len()
}

// Column returns the named column, or nil if absent.
func (f *Frame) Column(name string) *Column {
	if f == nil {
		return nil
	}
	for i := range f.Columns {
		if f.Columns[i].Name == name {
			return &f.Columns[i]
		}
	}
	return nil
}

// SchemaError reports a batch that does not conform to its table schema:
// either the column set differs, or a column has the wrong kind, or the
// columns have unequal lengths.
type SchemaError struct {
	Table    string
	Column   string // set for per-column violations
	Expected string
	Received string
}

func (e *SchemaError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("table %s: column %q: expected %s, received %s",
			e.Table, e.Column, e.Expected, e.Received)
	}
	return fmt.Sprintf("table %s: expected columns [%s], received columns [%s]",
		e.Table, e.Expected, e.Received)
}

// validateFrame checks a frame against a table schema. A nil or
// column-less frame is a valid empty batch. The check rejects before any
// row is appended: extra columns, missing columns, mismatched kinds, and
// ragged column lengths are all fatal for the batch.
func validateFrame(s tableSchema, f *Frame) error {
	if f == nil || len(f.Columns) == 0 {
		return nil
	}

	received := make([]string, 0, len(f.Columns))
	for i := range f.Columns {
		received = append(received, f.Columns[i].Name)
	}
	if !sameColumnSet(s, received) {
		expected := make([]string, 0, len(s.columns))
		for _, c := range s.columns {
			expected = append(expected, c.name)
		}
		sort.Strings(expected)
		sort.Strings(received)
		return &SchemaError{
			Table:    s.name,
			Expected: strings.Join(expected, " "),
			Received: strings.Join(received, " "),
		}
	}

	n := f.Columns[0].Len()
	for i := range f.Columns {
		col := &f.Columns[i]
		spec, _ := s.column(col.Name)
		if col.Kind != spec.kind {
			return &SchemaError{
				Table:    s.name,
				Column:   col.Name,
				Expected: spec.kind.String(),
				Received: col.Kind.String(),
			}
		}
		if col.Len() != n {
			return &SchemaError{
				Table:    s.name,
				Column:   col.Name,
				Expected: fmt.Sprintf("%d values", n),
				Received: fmt.Sprintf("%d values", col.Len()),
			}
		}
	}
	return nil
}

func sameColumnSet(s tableSchema, received []string) bool {
	if len(received) != len(s.columns) {
		return false
	}
	for _, name := range received {
		if _, ok := s.column(name); !ok {
			return false
		}
	}
	// No duplicates: equal length plus full membership implies equality
	// unless a name repeats.
	seen := make(map[string]bool, len(received))
	for _, name := range received {
		if seen[name] {
			return false
		}
		seen[name] = true
	}
	return true
}
