package segment

// Tuning values of the reference build.
const (
	DefaultBaudRate     = 9600
	DefaultStaggerDelay = 50 // milliseconds
)

// Default returns the segment table of the reference build. Digits are numbered 01:23.
// Physical clocks almost certainly need their own angles.
func Default() RawConfig {
	return RawConfig{
		DigitCount: 4,
		Digits: []RawDigit{
			{
				Pins: []int{39, 37, 35, 33, 31, 29, 27},
				On:   []float64{53, 52, 127, 45, 123, 55, 45},
				Off:  []float64{139, 135, 35, 140, 35, 140, 130},
			},
			{
				Pins: []int{38, 36, 34, 32, 30, 28, 26},
				On:   []float64{60, 57, 135, 45, 135, 45, 45},
				Off:  []float64{139, 135, 50, 140, 45, 140, 130},
			},
			{
				Pins: []int{53, 51, 49, 47, 45, 43, 41},
				On:   []float64{53, 45, 133, 40, 130, 45, 45},
				Off:  []float64{139, 135, 50, 135, 45, 135, 130},
			},
			{
				Pins: []int{52, 50, 48, 46, 44, 42, 40},
				On:   []float64{60, 47, 132, 50, 127, 50, 55},
				Off:  []float64{139, 135, 50, 140, 40, 135, 135},
			},
		},
	}
}
