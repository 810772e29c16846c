// Package display runs the processing loop that turns rotation samples into
// staggered segment transitions.
package display

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/w1xm/rotaclock/actuator"
	"github.com/w1xm/rotaclock/angle"
	"github.com/w1xm/rotaclock/compose"
	"github.com/w1xm/rotaclock/encoder"
	"github.com/w1xm/rotaclock/internal/logger"
	"github.com/w1xm/rotaclock/scheduler"
	"github.com/w1xm/rotaclock/segment"
	"golang.org/x/sync/errgroup"
)

// Mode selects where digit values come from.
type Mode string

const (
	ModeTime Mode = "time"
	ModeHold Mode = "hold"
)

// Status is a snapshot of the display.
type Status struct {
	Time        time.Time       `json:"time"`
	Angle       float64         `json:"angle"`
	Revolutions uint64          `json:"revolutions"`
	Values      []int           `json:"values"`
	Pending     []int           `json:"pending,omitempty"`
	Mode        Mode            `json:"mode"`
	Frozen      bool            `json:"frozen"`
	Faults      int             `json:"faults"`
	ReadErrors  uint64          `json:"read_errors"`
	Scheduler   scheduler.Stats `json:"scheduler"`
}

type StatusCallback func(status Status)

type Options struct {
	SamplePeriod time.Duration
	Tracker      angle.TrackerConfig
	Stagger      time.Duration
	MaxBacklog   int
	Mode         Mode
	Layout       compose.Layout
	Location     *time.Location
	// StatusPeriod spaces StatusCallback calls. Defaults to 100ms.
	StatusPeriod time.Duration
	Now          func() time.Time
	Log          *zerolog.Logger
}

type Display struct {
	opt      Options
	log      *zerolog.Logger
	table    *segment.Table
	tracker  *angle.Tracker
	composer *compose.Composer
	sched    *scheduler.Scheduler
	act      actuator.Actuator
	src      encoder.Source

	statusCallback StatusCallback

	mu         sync.Mutex
	mode       Mode
	timeValues []int
	started    bool
	frozen     bool
	readErrors uint64
	readStreak int
	reading    angle.Reading
}

func New(table *segment.Table, shape compose.Shape, act actuator.Actuator, src encoder.Source, opt Options, statusCallback StatusCallback) (*Display, error) {
	if opt.SamplePeriod <= 0 {
		return nil, errors.New("display: sample period must be positive")
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.Location == nil {
		opt.Location = time.Local
	}
	if opt.Layout == "" {
		opt.Layout = compose.LayoutHourMinute
	}
	if opt.Mode == "" {
		opt.Mode = ModeTime
	}
	if opt.StatusPeriod == 0 {
		opt.StatusPeriod = 100 * time.Millisecond
	}
	if opt.Log == nil {
		opt.Log = logger.Named("display")
	}
	tracker, err := angle.NewTracker(opt.Tracker)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(table, shape, scheduler.Options{
		Stagger:    opt.Stagger,
		MaxBacklog: opt.MaxBacklog,
		Now:        opt.Now,
	})
	if err != nil {
		return nil, err
	}
	d := &Display{
		opt:            opt,
		log:            opt.Log,
		table:          table,
		tracker:        tracker,
		composer:       compose.NewComposer(table.DigitCount()),
		sched:          sched,
		act:            act,
		src:            src,
		statusCallback: statusCallback,
	}
	switch opt.Mode {
	case ModeTime:
		if err := d.FollowTime(); err != nil {
			return nil, err
		}
	case ModeHold:
		d.mode = ModeHold
	default:
		return nil, fmt.Errorf("display: unknown mode %q", opt.Mode)
	}
	return d, nil
}

// SetDigits stages values for the next revolution and stops following the
// clock.
func (d *Display) SetDigits(values []int) error {
	if err := d.composer.Stage(values); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = ModeHold
	d.timeValues = nil
	d.log.Info().Ints("values", values).Msg("digits staged")
	return nil
}

// FollowTime shows wall-clock time from the next revolution on.
func (d *Display) FollowTime() error {
	values, err := compose.FromTime(d.opt.Now(), d.opt.Layout)
	if err != nil {
		return err
	}
	if len(values) != d.table.DigitCount() {
		return fmt.Errorf("display: layout %q needs %d digits, table has %d", d.opt.Layout, len(values), d.table.DigitCount())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = ModeTime
	d.timeValues = nil
	return nil
}

// Hold keeps the digits currently shown or staged.
func (d *Display) Hold() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = ModeHold
	d.timeValues = nil
}

// Step runs one processing cycle: sample, track, commit staged digits at a
// revolution boundary, decide transitions and dispatch the due ones. Only an
// *scheduler.ActuationFault is returned; everything else is logged and the
// cycle continues.
func (d *Display) Step() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.mode == ModeTime {
		d.stageTime()
	}

	raw, err := d.src.ReadTicks()
	if err != nil {
		d.readFailed(err)
	} else {
		d.readStreak = 0
		d.track(raw)
	}
	_, err = d.dispatch()
	return err
}

// dispatch applies the due backlog and returns how many transitions were
// applied. Caller holds d.mu.
func (d *Display) dispatch() (int, error) {
	done, err := d.sched.Dispatch(d.act)
	if err != nil {
		if errors.Is(err, scheduler.ErrActuationFault) {
			return len(done), err
		}
		d.log.Warn().Err(err).Msg("dispatch")
	}
	return len(done), nil
}

// flush applies the due backlog without taking a sample.
func (d *Display) flush() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dispatch()
}

// readFailed counts a failed read. More than FaultLimit failures in a row freeze the
// display like an escalated sensor fault. Caller holds d.mu.
func (d *Display) readFailed(err error) {
	d.readErrors++
	d.readStreak++
	if d.readErrors == 1 || d.readErrors%1000 == 0 {
		d.log.Warn().Err(err).Uint64("read_errors", d.readErrors).Msg("reading rotation source")
	}
	if d.readStreak > d.opt.Tracker.FaultLimit && !d.frozen {
		d.log.Error().Err(err).Int("consecutive", d.readStreak).Msg("display frozen")
		d.frozen = true
	}
}

// stageTime stages the wall-clock digits when they change. Caller holds d.mu.
func (d *Display) stageTime() {
	values, err := compose.FromTime(d.opt.Now().In(d.opt.Location), d.opt.Layout)
	if err != nil || slices.Equal(values, d.timeValues) {
		return
	}
	if err := d.composer.Stage(values); err != nil {
		d.log.Error().Err(err).Msg("staging time")
		return
	}
	d.timeValues = values
}

// track feeds one sample through the tracker and the scheduler. Caller holds
// d.mu.
func (d *Display) track(raw uint32) {
	r, err := d.tracker.Update(raw)
	if err != nil {
		if !d.frozen {
			d.log.Error().Err(err).Msg("display frozen")
		}
		d.frozen = true
		d.reading = r
		return
	}
	if d.frozen {
		d.log.Info().Float64("angle", r.Angle).Msg("sensor recovered")
		d.frozen = false
	}
	// Nothing is shown before the first sample, so the first values need not
	// wait for a seam.
	if (r.Revolution || !d.started) && d.composer.Commit() {
		d.log.Debug().Ints("values", d.composer.Values()).Uint64("revolutions", r.Revolutions).Msg("committed")
	}
	d.started = true
	d.reading = r
	d.sched.Tick(r.Angle, d.composer.Values())
}

// Status returns the current snapshot.
func (d *Display) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Time:        d.opt.Now(),
		Angle:       d.reading.Angle,
		Revolutions: d.reading.Revolutions,
		Values:      d.composer.Values(),
		Pending:     d.composer.Pending(),
		Mode:        d.mode,
		Frozen:      d.frozen,
		Faults:      d.tracker.Faults(),
		ReadErrors:  d.readErrors,
		Scheduler:   d.sched.Stats(),
	}
}

func (d *Display) notifyStatus() {
	if d.statusCallback != nil {
		d.statusCallback(d.Status())
	}
}

// Run samples every SamplePeriod, and wakes in between whenever a queued
// transition falls due, until ctx is done or an actuation fault occurs. It
// then switches every segment off.
func (d *Display) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sample := time.NewTicker(d.opt.SamplePeriod)
		defer sample.Stop()
		due := time.NewTimer(d.opt.SamplePeriod)
		defer due.Stop()
		// A failing actuator is retried on the next sample, not in a spin.
		stalled := false
		for {
			if next, ok := d.sched.Next(); ok && !stalled {
				due.Reset(max(next.Sub(d.opt.Now()), 0))
			} else {
				due.Stop()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-sample.C:
				stalled = false
				if err := d.Step(); err != nil {
					return err
				}
			case <-due.C:
				n, err := d.flush()
				if err != nil {
					return err
				}
				stalled = n == 0
			}
		}
	})
	g.Go(func() error {
		t := time.NewTicker(d.opt.StatusPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
			}
			d.notifyStatus()
		}
	})
	err := g.Wait()
	if errors.Is(err, scheduler.ErrActuationFault) {
		d.log.Error().Err(err).Msg("halting")
	}
	if serr := d.Shutdown(context.Background()); serr != nil {
		d.log.Error().Err(serr).Msg("switching off")
		if err == nil || errors.Is(err, context.Canceled) {
			err = serr
		}
	}
	d.notifyStatus()
	return err
}

// Shutdown switches every segment off, still honoring the stagger delay. A
// command that faults is skipped so the remaining pins are still released;
// the first fault is returned.
func (d *Display) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := d.sched.AllOff()
	d.log.Info().Int("segments", len(off)).Int("backlog", len(d.sched.Pending())).Msg("switching off")
	var fault error
	retries := 0
	for len(d.sched.Pending()) > 0 {
		wait := time.Duration(0)
		if next, ok := d.sched.Next(); ok {
			wait = next.Sub(d.opt.Now())
		}
		if retries > 0 {
			wait = max(wait, 10*time.Millisecond)
		}
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		_, err := d.sched.Dispatch(d.act)
		switch {
		case err == nil:
			retries = 0
		case errors.Is(err, scheduler.ErrActuationFault):
			d.log.Error().Err(err).Msg("skipping")
			d.sched.DropHead()
			if fault == nil {
				fault = err
			}
		default:
			if retries++; retries >= 10 {
				return fmt.Errorf("switching off: %w", err)
			}
		}
	}
	if c, ok := d.act.(actuator.Closer); ok {
		if err := c.Close(); err != nil && fault == nil {
			fault = err
		}
	}
	return fault
}
