package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/rs/zerolog"
	"github.com/w1xm/rotaclock/actuator"
	"github.com/w1xm/rotaclock/compose"
	"github.com/w1xm/rotaclock/segment"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// At angle 10 segments 0, 1 and 2 are inside their windows; 2 wraps.
func testTable(t *testing.T) *segment.Table {
	t.Helper()
	table, err := segment.Load(segment.RawConfig{
		DigitCount: 1,
		Digits: []segment.RawDigit{{
			Pins: []int{1, 2, 3, 4, 5, 6, 7},
			On:   []float64{0, 5, 350, 100, 100, 100, 100},
			Off:  []float64{20, 15, 30, 200, 200, 200, 200},
		}},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return table
}

func allOn(digit, value int) compose.Mask {
	return compose.MaskOf(0, 1, 2, 3, 4, 5, 6)
}

func newScheduler(t *testing.T, table *segment.Table, shape compose.Shape, opt Options) (*Scheduler, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: t0}
	opt.Now = clock.Now
	nop := zerolog.Nop()
	opt.Log = &nop
	s, err := New(table, shape, opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, clock
}

func pinsOf(cmds []Command) []segment.Pin {
	var out []segment.Pin
	for _, c := range cmds {
		out = append(out, c.Pin)
	}
	return out
}

func TestStaggeredDispatch(t *testing.T) {
	s, clock := newScheduler(t, testTable(t), allOn, Options{Stagger: 50 * time.Millisecond})
	act := actuator.NewRecorder()

	decided := s.Tick(10, []int{8})
	want := []Command{
		{Pin: 1, Level: true, At: t0, Tick: 1, Digit: 0, Segment: 0},
		{Pin: 2, Level: true, At: t0.Add(50 * time.Millisecond), Tick: 1, Digit: 0, Segment: 1},
		{Pin: 3, Level: true, At: t0.Add(100 * time.Millisecond), Tick: 1, Digit: 0, Segment: 2},
	}
	if diff := cmp.Diff(decided, want); diff != "" {
		t.Fatalf("Tick: got(-)/want(+):\n%s", diff)
	}

	var dispatched []Command
	for _, step := range []time.Duration{0, 49 * time.Millisecond, time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond} {
		clock.Advance(step)
		done, err := s.Dispatch(act)
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		dispatched = append(dispatched, done...)
	}
	if diff := cmp.Diff(dispatched, want); diff != "" {
		t.Errorf("Dispatch: got(-)/want(+):\n%s", diff)
	}
	if got := act.Energized(); got != 3 {
		t.Errorf("energized pins = %d, want 3", got)
	}
}

func TestTickIdempotent(t *testing.T) {
	s, _ := newScheduler(t, testTable(t), allOn, Options{Stagger: 50 * time.Millisecond})
	if got := s.Tick(10, []int{8}); len(got) != 3 {
		t.Fatalf("first Tick decided %d transitions, want 3", len(got))
	}
	if got := s.Tick(10, []int{8}); len(got) != 0 {
		t.Errorf("second Tick decided %v, want nothing", got)
	}
	if got := s.Stats(); got.Ticks != 2 || got.Decided != 3 || got.Backlog != 3 {
		t.Errorf("Stats = %+v", got)
	}
}

func TestNoDelayWithoutTransitions(t *testing.T) {
	s, clock := newScheduler(t, testTable(t), allOn, Options{Stagger: 50 * time.Millisecond})
	act := actuator.NewRecorder()
	// Angle 50 is outside every window: nothing to do, nothing queued.
	if got := s.Tick(50, []int{8}); len(got) != 0 {
		t.Fatalf("Tick decided %v", got)
	}
	if _, ok := s.Next(); ok {
		t.Errorf("Next reported a pending command")
	}
	clock.Advance(time.Second)
	got := s.Tick(10, []int{8})
	if got[0].At != clock.Now() {
		t.Errorf("first transition after idle slotted at %v, want now %v", got[0].At, clock.Now())
	}
	if done, err := s.Dispatch(act); err != nil || len(done) != 1 {
		t.Errorf("Dispatch = %v, %v; want one immediate command", done, err)
	}
}

func TestBacklogCarriedOver(t *testing.T) {
	s, clock := newScheduler(t, testTable(t), allOn, Options{Stagger: 50 * time.Millisecond})
	act := actuator.NewRecorder()

	s.Tick(10, []int{8})
	if _, err := s.Dispatch(act); err != nil {
		t.Fatal(err)
	}
	// The next sample arrives before the backlog has drained; segment 1
	// leaves its window at 15.
	clock.Advance(20 * time.Millisecond)
	decided := s.Tick(16, []int{8})
	if diff := cmp.Diff(pinsOf(decided), []segment.Pin{2}); diff != "" {
		t.Fatalf("second tick decided: got(-)/want(+):\n%s", diff)
	}
	if want := t0.Add(150 * time.Millisecond); !decided[0].At.Equal(want) {
		t.Errorf("carried transition slotted at %v, want %v", decided[0].At, want)
	}
	pending := s.Pending()
	if diff := cmp.Diff(pinsOf(pending), []segment.Pin{2, 3, 2}); diff != "" {
		t.Errorf("pending order: got(-)/want(+):\n%s", diff)
	}
	if next, ok := s.Next(); !ok || !next.Equal(t0.Add(50*time.Millisecond)) {
		t.Errorf("Next = %v, %v", next, ok)
	}

	for i := 0; i < 4; i++ {
		clock.Advance(50 * time.Millisecond)
		if _, err := s.Dispatch(act); err != nil {
			t.Fatal(err)
		}
	}
	want := []actuator.Transition{{Pin: 1, Level: true}, {Pin: 2, Level: true}, {Pin: 3, Level: true}, {Pin: 2, Level: false}}
	if diff := cmp.Diff(act.History(), want); diff != "" {
		t.Errorf("history: got(-)/want(+):\n%s", diff)
	}
}

func TestLateDispatchKeepsSpacing(t *testing.T) {
	s, clock := newScheduler(t, testTable(t), allOn, Options{Stagger: 50 * time.Millisecond})
	act := actuator.NewRecorder()
	s.Tick(10, []int{8})
	// The loop stalls past every planned slot; commands still go out one per
	// stagger interval.
	clock.Advance(time.Second)
	for i := 0; i < 3; i++ {
		done, err := s.Dispatch(act)
		if err != nil {
			t.Fatal(err)
		}
		if len(done) != 1 {
			t.Fatalf("dispatch %d released %d commands, want 1", i, len(done))
		}
		clock.Advance(50 * time.Millisecond)
	}
}

func TestDigitValueGatesSegments(t *testing.T) {
	shape := func(digit, value int) compose.Mask {
		if value == 1 {
			return compose.MaskOf(1)
		}
		return 0
	}
	s, _ := newScheduler(t, testTable(t), shape, Options{})
	if diff := cmp.Diff(pinsOf(s.Tick(10, []int{1})), []segment.Pin{2}); diff != "" {
		t.Errorf("value 1: got(-)/want(+):\n%s", diff)
	}
	// Changing the value turns the segment off even inside its window.
	got := s.Tick(10, []int{0})
	if len(got) != 1 || got[0].Pin != 2 || got[0].Level {
		t.Errorf("value 0: got %+v, want pin 2 off", got)
	}
	// Missing digit values arm nothing.
	if got := s.Tick(10, nil); len(got) != 0 {
		t.Errorf("nil values: got %+v", got)
	}
}

func TestActuationFault(t *testing.T) {
	s, clock := newScheduler(t, testTable(t), allOn, Options{Stagger: time.Millisecond})
	act := actuator.NewRecorder(1, 2)
	s.Tick(10, []int{8})
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		_, err = s.Dispatch(act)
		clock.Advance(time.Millisecond)
	}
	if !errors.Is(err, ErrActuationFault) {
		t.Fatalf("Dispatch error = %v, want ErrActuationFault", err)
	}
	if !errors.Is(err, actuator.ErrUnknownPin) {
		t.Errorf("Dispatch error = %v, want it to wrap ErrUnknownPin", err)
	}
	var af *ActuationFault
	if !errors.As(err, &af) || af.Command.Pin != 3 {
		t.Errorf("fault command = %+v, want pin 3", af)
	}
}

func TestTransientErrorRetries(t *testing.T) {
	s, _ := newScheduler(t, testTable(t), allOn, Options{})
	act := actuator.NewRecorder()
	act.Fail = errors.New("bus timeout")
	s.Tick(10, []int{8})
	done, err := s.Dispatch(act)
	if err == nil || errors.Is(err, ErrActuationFault) {
		t.Fatalf("Dispatch error = %v, want a plain error", err)
	}
	if len(done) != 0 || len(s.Pending()) != 3 {
		t.Fatalf("failed command was dropped: done=%v pending=%v", done, s.Pending())
	}
	done, err = s.Dispatch(act)
	if err != nil || len(done) != 3 {
		t.Errorf("retry = %v, %v", done, err)
	}
}

func TestBoundedBacklogSheds(t *testing.T) {
	s, _ := newScheduler(t, testTable(t), allOn, Options{Stagger: 50 * time.Millisecond, MaxBacklog: 2})
	s.Tick(10, []int{8})
	st := s.Stats()
	if st.Shed != 1 || st.Backlog != 2 {
		t.Fatalf("Stats = %+v, want 1 shed and 2 pending", st)
	}
	if diff := cmp.Diff(pinsOf(s.Pending()), []segment.Pin{2, 3}); diff != "" {
		t.Errorf("pending: got(-)/want(+):\n%s", diff)
	}
	// The shed segment is decided again on the next tick rather than lost
	// silently; the queue is still full so something else is shed.
	got := s.Tick(10, []int{8})
	if diff := cmp.Diff(pinsOf(got), []segment.Pin{1}); diff != "" {
		t.Errorf("re-decided: got(-)/want(+):\n%s", diff)
	}
	if st := s.Stats(); st.Shed != 2 {
		t.Errorf("Shed = %d, want 2", st.Shed)
	}
}

func TestAllOff(t *testing.T) {
	s, _ := newScheduler(t, testTable(t), allOn, Options{})
	act := actuator.NewRecorder()
	s.Tick(10, []int{8})
	if _, err := s.Dispatch(act); err != nil {
		t.Fatal(err)
	}
	off := s.AllOff()
	if diff := cmp.Diff(pinsOf(off), []segment.Pin{1, 2, 3}); diff != "" {
		t.Errorf("AllOff: got(-)/want(+):\n%s", diff)
	}
	if _, err := s.Dispatch(act); err != nil {
		t.Fatal(err)
	}
	if got := act.Energized(); got != 0 {
		t.Errorf("energized after AllOff = %d", got)
	}
	if got := s.AllOff(); len(got) != 0 {
		t.Errorf("second AllOff = %v", got)
	}
}

func TestAllOffIgnoresBacklogBound(t *testing.T) {
	s, _ := newScheduler(t, testTable(t), allOn, Options{MaxBacklog: 2})
	act := actuator.NewRecorder()
	for i := 0; i < 2; i++ {
		s.Tick(10, []int{8})
		if _, err := s.Dispatch(act); err != nil {
			t.Fatal(err)
		}
	}
	if got := act.Energized(); got != 3 {
		t.Fatalf("energized = %d, want 3", got)
	}
	shed := s.Stats().Shed

	off := s.AllOff()
	if diff := cmp.Diff(pinsOf(off), []segment.Pin{1, 2, 3}); diff != "" {
		t.Errorf("AllOff: got(-)/want(+):\n%s", diff)
	}
	if diff := cmp.Diff(pinsOf(s.Pending()), []segment.Pin{1, 2, 3}); diff != "" {
		t.Errorf("pending: got(-)/want(+):\n%s", diff)
	}
	if got := s.Stats().Shed; got != shed {
		t.Errorf("AllOff shed %d commands", got-shed)
	}
	if _, err := s.Dispatch(act); err != nil {
		t.Fatal(err)
	}
	if got := act.Energized(); got != 0 {
		t.Errorf("energized after AllOff = %d", got)
	}
}

func TestSweepDefaultSegment(t *testing.T) {
	table, err := segment.Load(segment.Default())
	if err != nil {
		t.Fatal(err)
	}
	digit0 := func(digit, value int) compose.Mask {
		if digit == 0 {
			return compose.MaskOf(0, 2)
		}
		return 0
	}
	s, _ := newScheduler(t, table, digit0, Options{})
	act := actuator.NewRecorder()
	var on39, on35 []int
	for a := 0; a < 360; a++ {
		s.Tick(float64(a), []int{0, 0, 0, 0})
		if _, err := s.Dispatch(act); err != nil {
			t.Fatal(err)
		}
		if act.Level(39) {
			on39 = append(on39, a)
		}
		if act.Level(35) {
			on35 = append(on35, a)
		}
	}
	span := func(from, to int) []int {
		var out []int
		for a := from; a <= to; a++ {
			out = append(out, a)
		}
		return out
	}
	if diff := cmp.Diff(on39, span(53, 138)); diff != "" {
		t.Errorf("pin 39 active angles: got(-)/want(+):\n%s", diff)
	}
	// Pin 35 starts the sweep at 0, inside its wrapping window.
	if diff := cmp.Diff(on35, append(span(0, 34), span(127, 359)...), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("pin 35 active angles: got(-)/want(+):\n%s", diff)
	}
}

func TestNewValidates(t *testing.T) {
	table := testTable(t)
	if _, err := New(nil, allOn, Options{}); err == nil {
		t.Errorf("New accepted a nil table")
	}
	if _, err := New(table, nil, Options{}); err == nil {
		t.Errorf("New accepted a nil shape")
	}
	if _, err := New(table, allOn, Options{Stagger: -time.Second}); err == nil {
		t.Errorf("New accepted a negative stagger")
	}
}

func TestDropHead(t *testing.T) {
	s, _ := newScheduler(t, testTable(t), allOn, Options{Stagger: 50 * time.Millisecond})
	if _, ok := s.DropHead(); ok {
		t.Errorf("DropHead on an empty backlog")
	}
	s.Tick(10, []int{8})
	c, ok := s.DropHead()
	if !ok || c.Pin != 1 {
		t.Fatalf("DropHead = %+v, %v; want pin 1", c, ok)
	}
	if diff := cmp.Diff(pinsOf(s.Pending()), []segment.Pin{2, 3}); diff != "" {
		t.Errorf("pending: got(-)/want(+):\n%s", diff)
	}
	// The dropped segment never reached its pin, so it is decided again.
	if diff := cmp.Diff(pinsOf(s.Tick(10, []int{8})), []segment.Pin{1}); diff != "" {
		t.Errorf("re-decided: got(-)/want(+):\n%s", diff)
	}
}
