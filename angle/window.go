// Package angle normalizes rotation samples and decides whether an angle is
// inside a segment's window.
package angle

import "math"

// Normalize wraps a into [0, 360).
func Normalize(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		// -tiny + 360 rounds to 360
		a = 0
	}
	return a
}

// IsActive reports whether angle lies in the window [on, off). When on > off
// the window crosses the 0/360 seam and is active for [on, 360) and [0, off).
// A zero width window is never active.
func IsActive(angle, on, off float64) bool {
	a := Normalize(angle)
	switch {
	case on < off:
		return a >= on && a < off
	case on > off:
		return a >= on || a < off
	}
	return false
}
