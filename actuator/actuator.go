// Package actuator defines the hardware boundary that energizes segment pins.
package actuator

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/w1xm/rotaclock/segment"
)

// ErrUnknownPin is returned by an Actuator asked to drive a pin it does not own.
var ErrUnknownPin = errors.New("unknown pin")

// Actuator sets a segment pin to a level.
type Actuator interface {
	Set(pin segment.Pin, level bool) error
}

// Closer is implemented by actuators holding hardware resources.
type Closer interface {
	Close() error
}

// Transition is one recorded Set call.
type Transition struct {
	Pin   segment.Pin
	Level bool
}

// Recorder is an in-memory Actuator. Pins outside the allowed set fail with
// ErrUnknownPin; a nil allowed set accepts every pin.
type Recorder struct {
	mu      sync.Mutex
	allowed map[segment.Pin]bool
	levels  map[segment.Pin]bool
	history []Transition
	// Fail, when set, is returned by the next Set and then cleared.
	Fail error
}

// NewRecorder returns a Recorder accepting only pins.
func NewRecorder(pins ...segment.Pin) *Recorder {
	r := &Recorder{levels: map[segment.Pin]bool{}}
	if len(pins) > 0 {
		r.allowed = map[segment.Pin]bool{}
		for _, p := range pins {
			r.allowed[p] = true
		}
	}
	return r
}

func (r *Recorder) Set(pin segment.Pin, level bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		err := r.Fail
		r.Fail = nil
		return err
	}
	if r.allowed != nil && !r.allowed[pin] {
		return fmt.Errorf("pin %d: %w", pin, ErrUnknownPin)
	}
	r.levels[pin] = level
	r.history = append(r.history, Transition{Pin: pin, Level: level})
	return nil
}

// Level returns the last level written to pin.
func (r *Recorder) Level(pin segment.Pin) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.levels[pin]
}

// Energized returns the number of pins currently high.
func (r *Recorder) Energized() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, on := range r.levels {
		if on {
			n++
		}
	}
	return n
}

// History returns every transition in order.
func (r *Recorder) History() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.history...)
}

// Logger wraps an Actuator and logs every transition at debug level. With a
// nil Next it is a dry-run actuator.
type Logger struct {
	Next Actuator
	Log  *zerolog.Logger
}

func (l *Logger) Set(pin segment.Pin, level bool) error {
	l.Log.Debug().Int("pin", int(pin)).Bool("on", level).Msg("set")
	if l.Next == nil {
		return nil
	}
	return l.Next.Set(pin, level)
}

// Close closes Next if it holds resources.
func (l *Logger) Close() error {
	if c, ok := l.Next.(Closer); ok {
		return c.Close()
	}
	return nil
}
