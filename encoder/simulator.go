package encoder

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Discrete simulation step size
const stepSize = 1 * time.Millisecond

// SimulatorOptions describe a rotor spinning at constant speed.
type SimulatorOptions struct {
	TicksPerRev uint32
	// CounterPeriod is the counter modulus; zero is the full 32 bit range.
	CounterPeriod uint64
	RPM           float64
	// Jitter is the largest error added to a reading, in ticks.
	Jitter uint32
	Seed   int64
}

// Simulator is a free-running rotor used for dry runs and tests.
type Simulator struct {
	opt SimulatorOptions

	mu     sync.Mutex
	ticks  float64
	glitch int64
	rand   *rand.Rand
}

func NewSimulator(opt SimulatorOptions) *Simulator {
	return &Simulator{opt: opt, rand: rand.New(rand.NewSource(opt.Seed))}
}

// Run advances the rotor in real time until ctx is done.
func (s *Simulator) Run(ctx context.Context) error {
	t := time.NewTicker(stepSize)
	defer t.Stop()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			s.Advance(now.Sub(last))
			last = now
		}
	}
}

// Advance moves the rotor by d at the configured speed.
func (s *Simulator) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks += s.opt.RPM / 60 * float64(s.opt.TicksPerRev) * d.Seconds()
	s.ticks = math.Mod(s.ticks, float64(s.period()))
}

// Glitch offsets the next reading by delta ticks, as a slipping sensor would.
func (s *Simulator) Glitch(delta int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.glitch = delta
}

func (s *Simulator) period() uint64 {
	if s.opt.CounterPeriod == 0 {
		return 1 << 32
	}
	return s.opt.CounterPeriod
}

func (s *Simulator) ReadTicks() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := int64(s.ticks) + s.glitch
	s.glitch = 0
	if s.opt.Jitter > 0 {
		v += s.rand.Int63n(2*int64(s.opt.Jitter)+1) - int64(s.opt.Jitter)
	}
	p := int64(s.period())
	v %= p
	if v < 0 {
		v += p
	}
	return uint32(v), nil
}
