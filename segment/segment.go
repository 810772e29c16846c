// Package segment holds the validated table of digits, segments, actuator pins
// and angular windows that drives the clock.
package segment

import (
	"errors"
	"fmt"
)

// SegmentsPerDigit is fixed by the mechanics: every digit has seven segments.
const SegmentsPerDigit = 7

// Pin identifies an actuator.
type Pin int

// Segment is one actuated element of a digit. It is energized while the
// rotation angle is inside [On, Off), which wraps past 360 when On > Off.
type Segment struct {
	Digit int
	Index int
	Pin   Pin
	On    float64
	Off   float64
}

// RawDigit is one digit as written in configuration.
type RawDigit struct {
	Pins []int     `yaml:"pins" json:"pins"`
	On   []float64 `yaml:"on" json:"on"`
	Off  []float64 `yaml:"off" json:"off"`
}

// RawConfig is the unvalidated segment configuration.
type RawConfig struct {
	DigitCount int        `yaml:"digit_count" json:"digit_count"`
	Digits     []RawDigit `yaml:"digits" json:"digits"`
}

// Kind classifies a configuration failure.
type Kind int

const (
	DigitCountMismatch Kind = iota + 1
	SegmentCountMismatch
	InvalidAngle
	ZeroWidthWindow
	DuplicatePin
	InvalidPin
)

var (
	ErrDigitCountMismatch   = errors.New("digit count mismatch")
	ErrSegmentCountMismatch = errors.New("segment count mismatch")
	ErrInvalidAngle         = errors.New("invalid angle")
	ErrZeroWidthWindow      = errors.New("zero width window")
	ErrDuplicatePin         = errors.New("duplicate pin")
	ErrInvalidPin           = errors.New("invalid pin")
)

func (k Kind) sentinel() error {
	switch k {
	case DigitCountMismatch:
		return ErrDigitCountMismatch
	case SegmentCountMismatch:
		return ErrSegmentCountMismatch
	case InvalidAngle:
		return ErrInvalidAngle
	case ZeroWidthWindow:
		return ErrZeroWidthWindow
	case DuplicatePin:
		return ErrDuplicatePin
	case InvalidPin:
		return ErrInvalidPin
	}
	return errors.New("unknown configuration error")
}

func (k Kind) String() string {
	return k.sentinel().Error()
}

// ConfigError reports the first problem found in a RawConfig. Digit and
// Segment are -1 when the problem is not tied to one entry.
type ConfigError struct {
	Kind    Kind
	Digit   int
	Segment int
	Detail  string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Digit < 0:
		return fmt.Sprintf("segment table: %s: %s", e.Kind, e.Detail)
	case e.Segment < 0:
		return fmt.Sprintf("segment table: digit %d: %s: %s", e.Digit, e.Kind, e.Detail)
	}
	return fmt.Sprintf("segment table: digit %d segment %d: %s: %s", e.Digit, e.Segment, e.Kind, e.Detail)
}

// Unwrap lets callers match kinds with errors.Is(err, ErrDuplicatePin).
func (e *ConfigError) Unwrap() error {
	return e.Kind.sentinel()
}

// Table is the immutable, validated segment table.
type Table struct {
	digits [][SegmentsPerDigit]Segment
	byPin  map[Pin]Segment
}

// Load validates raw and builds a Table. Nothing partial is returned on error.
func Load(raw RawConfig) (*Table, error) {
	if raw.DigitCount <= 0 || raw.DigitCount != len(raw.Digits) {
		return nil, &ConfigError{
			Kind: DigitCountMismatch, Digit: -1, Segment: -1,
			Detail: fmt.Sprintf("digit_count is %d but %d digits are configured", raw.DigitCount, len(raw.Digits)),
		}
	}
	t := &Table{
		digits: make([][SegmentsPerDigit]Segment, len(raw.Digits)),
		byPin:  make(map[Pin]Segment, len(raw.Digits)*SegmentsPerDigit),
	}
	for d, rd := range raw.Digits {
		for _, n := range []int{len(rd.Pins), len(rd.On), len(rd.Off)} {
			if n != SegmentsPerDigit {
				return nil, &ConfigError{
					Kind: SegmentCountMismatch, Digit: d, Segment: -1,
					Detail: fmt.Sprintf("got %d pins, %d on angles, %d off angles; want %d of each", len(rd.Pins), len(rd.On), len(rd.Off), SegmentsPerDigit),
				}
			}
		}
		for i := 0; i < SegmentsPerDigit; i++ {
			s := Segment{Digit: d, Index: i, Pin: Pin(rd.Pins[i]), On: rd.On[i], Off: rd.Off[i]}
			if err := check(s, t.byPin); err != nil {
				return nil, err
			}
			t.digits[d][i] = s
			t.byPin[s.Pin] = s
		}
	}
	return t, nil
}

func check(s Segment, seen map[Pin]Segment) error {
	fail := func(k Kind, format string, args ...interface{}) error {
		return &ConfigError{Kind: k, Digit: s.Digit, Segment: s.Index, Detail: fmt.Sprintf(format, args...)}
	}
	if s.Pin < 0 {
		return fail(InvalidPin, "pin %d", s.Pin)
	}
	for _, a := range []float64{s.On, s.Off} {
		if !(a >= 0 && a < 360) {
			return fail(InvalidAngle, "angle %v outside [0, 360)", a)
		}
	}
	if s.On == s.Off {
		return fail(ZeroWidthWindow, "on and off are both %v", s.On)
	}
	if prev, ok := seen[s.Pin]; ok {
		return fail(DuplicatePin, "pin %d already used by digit %d segment %d", s.Pin, prev.Digit, prev.Index)
	}
	return nil
}

// DigitCount returns the number of digits.
func (t *Table) DigitCount() int {
	return len(t.digits)
}

// Digit returns the segments of digit d.
func (t *Table) Digit(d int) [SegmentsPerDigit]Segment {
	return t.digits[d]
}

// Segments returns every segment in digit, then segment order.
func (t *Table) Segments() []Segment {
	out := make([]Segment, 0, len(t.digits)*SegmentsPerDigit)
	for _, d := range t.digits {
		out = append(out, d[:]...)
	}
	return out
}

// Lookup returns the segment driven by pin.
func (t *Table) Lookup(pin Pin) (Segment, bool) {
	s, ok := t.byPin[pin]
	return s, ok
}

// Pins returns every pin in table order.
func (t *Table) Pins() []Pin {
	out := make([]Pin, 0, len(t.byPin))
	for _, s := range t.Segments() {
		out = append(out, s.Pin)
	}
	return out
}
