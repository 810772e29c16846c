// Package compose is the boundary between displayed digit values and the
// segments that form them. The geometry is always supplied by the caller.
package compose

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/w1xm/rotaclock/segment"
)

// Mask is a set of segment indices within one digit.
type Mask uint8

// MaskOf builds a mask from segment indices. Out of range indices are ignored.
func MaskOf(indices ...int) Mask {
	var m Mask
	for _, i := range indices {
		if i >= 0 && i < segment.SegmentsPerDigit {
			m |= 1 << uint(i)
		}
	}
	return m
}

// Has reports whether segment i is in the mask.
func (m Mask) Has(i int) bool {
	return i >= 0 && i < segment.SegmentsPerDigit && m&(1<<uint(i)) != 0
}

// Shape maps a digit position and value to the segments that must be on.
type Shape func(digit, value int) Mask

// ShapeTable is a Shape built from configuration: a common value to segment
// mapping plus optional per-digit overrides for digits with custom geometry.
type ShapeTable struct {
	Common   map[int]Mask
	PerDigit map[int]map[int]Mask
}

// ErrShape is returned for malformed shape configuration.
var ErrShape = errors.New("invalid shape")

// NewShapeTable builds a ShapeTable from value -> segment index lists.
// Every value 0-9 must be present in common.
func NewShapeTable(common map[int][]int, perDigit map[int]map[int][]int) (*ShapeTable, error) {
	st := &ShapeTable{Common: map[int]Mask{}, PerDigit: map[int]map[int]Mask{}}
	conv := func(where string, in map[int][]int, out map[int]Mask) error {
		for v, idx := range in {
			if v < 0 || v > 9 {
				return fmt.Errorf("%w: %s value %d outside 0-9", ErrShape, where, v)
			}
			for _, i := range idx {
				if i < 0 || i >= segment.SegmentsPerDigit {
					return fmt.Errorf("%w: %s value %d uses segment %d", ErrShape, where, v, i)
				}
			}
			out[v] = MaskOf(idx...)
		}
		return nil
	}
	if err := conv("shapes", common, st.Common); err != nil {
		return nil, err
	}
	for v := 0; v <= 9; v++ {
		if _, ok := st.Common[v]; !ok {
			return nil, fmt.Errorf("%w: no shape for value %d", ErrShape, v)
		}
	}
	digits := make([]int, 0, len(perDigit))
	for d := range perDigit {
		digits = append(digits, d)
	}
	sort.Ints(digits)
	for _, d := range digits {
		m := map[int]Mask{}
		if err := conv(fmt.Sprintf("digit %d", d), perDigit[d], m); err != nil {
			return nil, err
		}
		st.PerDigit[d] = m
	}
	return st, nil
}

// Shape returns the table as a Shape. Unknown values light nothing.
func (st *ShapeTable) Shape() Shape {
	return func(digit, value int) Mask {
		if m, ok := st.PerDigit[digit][value]; ok {
			return m
		}
		return st.Common[value]
	}
}

// ErrBadValue is returned when staged values do not fit the display.
var ErrBadValue = errors.New("bad digit value")

// Composer holds the values on display and the values waiting for the next
// revolution boundary. Stage may be called from any goroutine.
type Composer struct {
	mu     sync.Mutex
	active []int
	staged []int
}

// NewComposer returns a composer for digits digits, all showing 0.
func NewComposer(digits int) *Composer {
	return &Composer{active: make([]int, digits)}
}

// Stage queues values to be shown from the next Commit.
func (c *Composer) Stage(values []int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(values) != len(c.active) {
		return fmt.Errorf("%w: got %d digits, display has %d", ErrBadValue, len(values), len(c.active))
	}
	for i, v := range values {
		if v < 0 || v > 9 {
			return fmt.Errorf("%w: digit %d is %d", ErrBadValue, i, v)
		}
	}
	c.staged = append([]int(nil), values...)
	return nil
}

// Commit makes the staged values active. It reports whether anything changed.
func (c *Composer) Commit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staged == nil {
		return false
	}
	changed := false
	for i, v := range c.staged {
		if c.active[i] != v {
			changed = true
		}
	}
	c.active, c.staged = c.staged, nil
	return changed
}

// Values returns a copy of the values on display.
func (c *Composer) Values() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.active...)
}

// Pending returns a copy of the staged values, or nil.
func (c *Composer) Pending() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.staged == nil {
		return nil
	}
	return append([]int(nil), c.staged...)
}
