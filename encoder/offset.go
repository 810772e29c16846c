package encoder

import "github.com/w1xm/rotaclock/angle"

// Offset shifts every reading of Source so that the index mark of the
// rotor lands on angle zero.
type Offset struct {
	Source
	ticks  uint64
	period uint64
}

// WithOffset returns src shifted by deg degrees. cfg supplies the sensor
// resolution and the counter modulus. A zero offset returns src unchanged.
func WithOffset(src Source, cfg angle.TrackerConfig, deg float64) Source {
	period := cfg.CounterPeriod
	if period == 0 {
		period = 1 << 32
	}
	ticks := uint64(angle.Normalize(deg)/360*float64(cfg.TicksPerRev)+0.5) % uint64(cfg.TicksPerRev)
	if ticks == 0 {
		return src
	}
	return &Offset{Source: src, ticks: ticks, period: period}
}

func (o *Offset) ReadTicks() (uint32, error) {
	raw, err := o.Source.ReadTicks()
	if err != nil {
		return 0, err
	}
	return uint32((uint64(raw) + o.ticks) % o.period), nil
}
