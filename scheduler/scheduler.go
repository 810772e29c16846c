// Package scheduler decides which segment pins change on each angle update and
// spaces the resulting transitions out in time to limit current draw.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/w1xm/rotaclock/actuator"
	"github.com/w1xm/rotaclock/angle"
	"github.com/w1xm/rotaclock/compose"
	"github.com/w1xm/rotaclock/internal/logger"
	"github.com/w1xm/rotaclock/segment"
)

// Command is one pin transition. At is the dispatch slot assigned when the
// transition was decided; commands returned by Dispatch carry the time they
// were actually applied.
type Command struct {
	Pin     segment.Pin
	Level   bool
	At      time.Time
	Tick    uint64
	Digit   int
	Segment int
}

func (c Command) index() int {
	return c.Digit*segment.SegmentsPerDigit + c.Segment
}

// Options tunes a Scheduler.
type Options struct {
	// Stagger is the minimum spacing between two consecutive dispatches.
	Stagger time.Duration
	// MaxBacklog bounds the number of undispatched commands. Zero is unbounded.
	MaxBacklog int
	// Now is the monotonic clock. Defaults to time.Now.
	Now func() time.Time
	Log *zerolog.Logger
}

// Stats counts scheduler activity.
type Stats struct {
	Ticks      uint64 `json:"ticks"`
	Decided    uint64 `json:"decided"`
	Dispatched uint64 `json:"dispatched"`
	Shed       uint64 `json:"shed"`
	Backlog    int    `json:"backlog"`
	Energized  int    `json:"energized"`
}

// ErrActuationFault is matched by every *ActuationFault.
var ErrActuationFault = errors.New("actuation fault")

// ActuationFault means a command referenced a pin the hardware or the table
// does not know. The segment table is corrupt and the process must halt.
type ActuationFault struct {
	Command Command
	Err     error
}

func (e *ActuationFault) Error() string {
	return fmt.Sprintf("actuation fault: digit %d segment %d pin %d: %v", e.Command.Digit, e.Command.Segment, e.Command.Pin, e.Err)
}

func (e *ActuationFault) Unwrap() error { return e.Err }

func (e *ActuationFault) Is(target error) bool { return target == ErrActuationFault }

// Scheduler turns angle updates into staggered pin transitions. Tick and
// Dispatch are meant to be driven from a single processing goroutine; the
// lock only makes Stats safe to read from elsewhere.
type Scheduler struct {
	table *segment.Table
	segs  []segment.Segment
	shape compose.Shape
	opt   Options
	log   *zerolog.Logger

	mu           sync.Mutex
	desired      []bool
	stale        []int
	levels       map[segment.Pin]bool
	queue        []Command
	lastSlot     time.Time
	lastDispatch time.Time
	tick         uint64
	stats        Stats
}

// New returns a Scheduler for table. shape decides which segments each digit
// value needs.
func New(table *segment.Table, shape compose.Shape, opt Options) (*Scheduler, error) {
	if table == nil {
		return nil, errors.New("scheduler: nil segment table")
	}
	if shape == nil {
		return nil, errors.New("scheduler: nil shape")
	}
	if opt.Stagger < 0 {
		return nil, fmt.Errorf("scheduler: negative stagger %v", opt.Stagger)
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	log := opt.Log
	if log == nil {
		log = logger.Named("scheduler")
	}
	segs := table.Segments()
	return &Scheduler{
		table:   table,
		segs:    segs,
		shape:   shape,
		opt:     opt,
		log:     log,
		desired: make([]bool, len(segs)),
		levels:  make(map[segment.Pin]bool, len(segs)),
	}, nil
}

// Tick evaluates every segment at angle a with the given digit values and
// queues a transition for each segment whose desired state changed. It
// returns the commands decided by this tick with their dispatch slots.
func (s *Scheduler) Tick(a float64, values []int) []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opt.Now()
	s.tick++
	s.stats.Ticks++
	s.resync()

	var out []Command
	for i, seg := range s.segs {
		want := angle.IsActive(a, seg.On, seg.Off) && s.armed(seg, values)
		if want == s.desired[i] {
			continue
		}
		s.desired[i] = want
		out = append(out, s.enqueue(seg, want, now, true))
	}
	if len(out) > 0 {
		s.log.Debug().Uint64("tick", s.tick).Float64("angle", a).Int("transitions", len(out)).Int("backlog", len(s.queue)).Msg("decided")
	}
	return out
}

func (s *Scheduler) armed(seg segment.Segment, values []int) bool {
	if seg.Digit >= len(values) {
		return false
	}
	return s.shape(seg.Digit, values[seg.Digit]).Has(seg.Index)
}

// enqueue appends a command with the next free slot. A bounded enqueue sheds
// the oldest command when the backlog is full. Caller holds s.mu.
func (s *Scheduler) enqueue(seg segment.Segment, level bool, now time.Time, bounded bool) Command {
	at := now
	for _, last := range []time.Time{s.lastSlot, s.lastDispatch} {
		if last.IsZero() {
			continue
		}
		if next := last.Add(s.opt.Stagger); next.After(at) {
			at = next
		}
	}
	s.lastSlot = at
	cmd := Command{Pin: seg.Pin, Level: level, At: at, Tick: s.tick, Digit: seg.Digit, Segment: seg.Index}
	if bounded && s.opt.MaxBacklog > 0 && len(s.queue) >= s.opt.MaxBacklog {
		s.shed()
	}
	s.queue = append(s.queue, cmd)
	s.stats.Decided++
	return cmd
}

// shed drops the oldest queued command. Caller holds s.mu.
func (s *Scheduler) shed() {
	c := s.queue[0]
	s.queue = s.queue[1:]
	s.stats.Shed++
	s.log.Warn().Int("pin", int(c.Pin)).Bool("on", c.Level).Uint64("tick", c.Tick).Uint64("shed_total", s.stats.Shed).Msg("backlog full; shed transition")
	s.stale = append(s.stale, c.index())
}

// resync makes segments whose transition was shed decide again, starting
// from the level their pin really has. Caller holds s.mu.
func (s *Scheduler) resync() {
	for _, i := range s.stale {
		pin := s.segs[i].Pin
		queued := false
		for _, q := range s.queue {
			if q.Pin == pin {
				queued = true
				break
			}
		}
		if !queued {
			s.desired[i] = s.levels[pin]
		}
	}
	s.stale = s.stale[:0]
}

// Dispatch applies every queued command that is due, oldest first, never
// closer together than the stagger delay. It does not block. An
// *ActuationFault is fatal; any other error leaves the failed command at the
// head of the queue.
func (s *Scheduler) Dispatch(act actuator.Actuator) ([]Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opt.Now()
	var done []Command
	for len(s.queue) > 0 {
		c := s.queue[0]
		if now.Before(s.due(c)) {
			break
		}
		if _, ok := s.table.Lookup(c.Pin); !ok {
			return done, &ActuationFault{Command: c, Err: errors.New("pin not in segment table")}
		}
		if err := act.Set(c.Pin, c.Level); err != nil {
			if errors.Is(err, actuator.ErrUnknownPin) {
				return done, &ActuationFault{Command: c, Err: err}
			}
			return done, fmt.Errorf("setting pin %d: %w", c.Pin, err)
		}
		s.queue = s.queue[1:]
		s.levels[c.Pin] = c.Level
		s.lastDispatch = now
		s.stats.Dispatched++
		c.At = now
		done = append(done, c)
	}
	return done, nil
}

// due returns when c may be dispatched. Caller holds s.mu.
func (s *Scheduler) due(c Command) time.Time {
	at := c.At
	if !s.lastDispatch.IsZero() {
		if next := s.lastDispatch.Add(s.opt.Stagger); next.After(at) {
			at = next
		}
	}
	return at
}

// Next returns when the head of the backlog becomes due.
func (s *Scheduler) Next() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return time.Time{}, false
	}
	return s.due(s.queue[0]), true
}

// Pending returns the undispatched commands in dispatch order.
func (s *Scheduler) Pending() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Command(nil), s.queue...)
}

// DropHead removes the oldest undispatched command without applying it.
func (s *Scheduler) DropHead() (Command, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Command{}, false
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	s.stale = append(s.stale, c.index())
	return c, true
}

// AllOff queues an off transition for every segment currently wanted on.
// These transitions are never shed, whatever MaxBacklog says.
func (s *Scheduler) AllOff() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opt.Now()
	s.tick++
	s.resync()
	var out []Command
	for i, seg := range s.segs {
		if !s.desired[i] {
			continue
		}
		s.desired[i] = false
		out = append(out, s.enqueue(seg, false, now, false))
	}
	return out
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Backlog = len(s.queue)
	for _, on := range s.levels {
		if on {
			st.Energized++
		}
	}
	return st
}
