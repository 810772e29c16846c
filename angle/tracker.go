package angle

import (
	"errors"
	"fmt"
)

// DegreeTicksPerRev is one tick per tenth of a degree.
const DegreeTicksPerRev = 3600

// TrackerConfig describes the rotation sensor.
type TrackerConfig struct {
	// TicksPerRev is the number of sensor ticks in one revolution.
	TicksPerRev uint32 `yaml:"ticks_per_rev" json:"ticks_per_rev" validate:"gt=0"`
	// CounterPeriod is the raw counter modulus; the counter resets to 0
	// after CounterPeriod-1. Zero means the full 32 bit range.
	CounterPeriod uint64 `yaml:"counter_period" json:"counter_period"`
	// NoiseTicks is the largest backward movement treated as jitter.
	NoiseTicks uint32 `yaml:"noise_ticks" json:"noise_ticks"`
	// MaxStepTicks is the largest plausible forward movement between two
	// samples. Zero means a quarter revolution.
	MaxStepTicks uint32 `yaml:"max_step_ticks" json:"max_step_ticks"`
	// FaultLimit is the number of consecutive implausible samples that are
	// absorbed by holding the last good angle before Update escalates.
	FaultLimit int `yaml:"fault_limit" json:"fault_limit" validate:"gte=0"`
}

func (c TrackerConfig) period() uint64 {
	if c.CounterPeriod == 0 {
		return 1 << 32
	}
	return c.CounterPeriod
}

func (c TrackerConfig) maxStep() uint64 {
	if c.MaxStepTicks == 0 {
		return uint64(c.TicksPerRev) / 4
	}
	return uint64(c.MaxStepTicks)
}

// Validate checks that the settings can describe a real sensor.
func (c TrackerConfig) Validate() error {
	switch {
	case c.TicksPerRev == 0:
		return errors.New("ticks_per_rev must be > 0")
	case c.period() < uint64(c.TicksPerRev):
		return fmt.Errorf("counter_period %d is shorter than one revolution (%d ticks)", c.period(), c.TicksPerRev)
	case c.maxStep() == 0 || c.maxStep() >= uint64(c.TicksPerRev):
		return fmt.Errorf("max_step_ticks must be between 1 and %d", c.TicksPerRev-1)
	case uint64(c.NoiseTicks) >= c.maxStep():
		return errors.New("noise_ticks must be smaller than max_step_ticks")
	case c.FaultLimit < 0:
		return errors.New("fault_limit must be >= 0")
	}
	return nil
}

// Reading is the tracker output for one sample.
type Reading struct {
	Angle float64
	// Revolution is set on the sample that crossed the 360 to 0 seam.
	Revolution  bool
	Revolutions uint64
	// Held is set when the sample was rejected and the last angle repeated.
	Held bool
}

// ErrSensorFault is matched by every *SensorFault.
var ErrSensorFault = errors.New("sensor fault")

// SensorFault is returned once implausible samples exceed the fault limit.
type SensorFault struct {
	Raw         uint32
	Last        uint32
	Consecutive int
}

func (e *SensorFault) Error() string {
	return fmt.Sprintf("sensor fault: %d consecutive implausible samples (last good %d, got %d)", e.Consecutive, e.Last, e.Raw)
}

func (e *SensorFault) Unwrap() error { return ErrSensorFault }

// Tracker turns raw wrapping counter samples into angles in [0, 360).
// It is not safe for concurrent use.
type Tracker struct {
	cfg TrackerConfig

	seeded  bool
	lastRaw uint32
	lastBad uint32
	pos     uint64
	revs    uint64
	faults  int
}

// NewTracker returns a tracker for the given sensor.
func NewTracker(cfg TrackerConfig) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("angle tracker: %w", err)
	}
	return &Tracker{cfg: cfg}, nil
}

// Escalated reports whether the tracker is currently refusing samples.
func (t *Tracker) Escalated() bool {
	return t.faults > t.cfg.FaultLimit
}

// Faults returns the number of consecutive implausible samples seen.
func (t *Tracker) Faults() int {
	return t.faults
}

// Update consumes one raw sample. Implausible samples hold the last good
// angle; once more than FaultLimit arrive in a row a *SensorFault is
// returned alongside the held reading, and keeps being returned for every
// sample until the sensor moves plausibly again.
func (t *Tracker) Update(raw uint32) (Reading, error) {
	period := t.cfg.period()
	if !t.seeded {
		if uint64(raw) >= period {
			return Reading{Held: true}, &SensorFault{Raw: raw, Consecutive: 1}
		}
		t.seed(raw)
		return t.reading(false, false), nil
	}
	if uint64(raw) >= period {
		return t.fault(raw)
	}

	delta := forward(t.lastRaw, raw, period)
	back := (period - delta) % period
	switch {
	case delta == 0:
		t.faults = 0
		return t.reading(false, false), nil
	case back <= uint64(t.cfg.NoiseTicks):
		r := t.reading(false, true)
		if t.Escalated() {
			// Jitter around the last good angle is not a recovery.
			return r, &SensorFault{Raw: raw, Last: t.lastRaw, Consecutive: t.faults}
		}
		return r, nil
	case delta > t.cfg.maxStep():
		return t.fault(raw)
	}

	t.faults = 0
	t.lastRaw = raw
	t.pos += delta
	rev := false
	if tpr := uint64(t.cfg.TicksPerRev); t.pos >= tpr {
		t.revs += t.pos / tpr
		t.pos %= tpr
		rev = true
	}
	return t.reading(rev, false), nil
}

func (t *Tracker) fault(raw uint32) (Reading, error) {
	period := t.cfg.period()
	escalated := t.Escalated()
	// Once escalated, a sensor that moves plausibly from its previous bad
	// sample has settled somewhere new: resync there.
	if escalated && uint64(raw) < period {
		if d := forward(t.lastBad, raw, period); d > 0 && d <= t.cfg.maxStep() {
			t.seed(raw)
			t.faults = 0
			return t.reading(false, false), nil
		}
	}
	t.faults++
	t.lastBad = raw
	r := t.reading(false, true)
	if t.Escalated() {
		return r, &SensorFault{Raw: raw, Last: t.lastRaw, Consecutive: t.faults}
	}
	return r, nil
}

func (t *Tracker) seed(raw uint32) {
	t.seeded = true
	t.lastRaw = raw
	t.pos = uint64(raw) % uint64(t.cfg.TicksPerRev)
}

func (t *Tracker) reading(rev, held bool) Reading {
	return Reading{
		Angle:       float64(t.pos) * 360 / float64(t.cfg.TicksPerRev),
		Revolution:  rev,
		Revolutions: t.revs,
		Held:        held,
	}
}

// forward returns the distance from a to b moving forward modulo period.
func forward(a, b uint32, period uint64) uint64 {
	return (uint64(b) + period - uint64(a)) % period
}
