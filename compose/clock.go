package compose

import (
	"fmt"
	"time"
)

// Layout selects which clock fields are shown.
type Layout string

const (
	LayoutHourMinute   Layout = "hhmm"
	LayoutMinuteSecond Layout = "mmss"
)

// FromTime returns the digit values for t. Digits are numbered left to right
// (01:23), so digit 0 is the tens of hours in LayoutHourMinute.
func FromTime(t time.Time, layout Layout) ([]int, error) {
	var a, b int
	switch layout {
	case LayoutHourMinute, "":
		a, b = t.Hour(), t.Minute()
	case LayoutMinuteSecond:
		a, b = t.Minute(), t.Second()
	default:
		return nil, fmt.Errorf("unknown clock layout %q", layout)
	}
	return []int{a / 10, a % 10, b / 10, b % 10}, nil
}
