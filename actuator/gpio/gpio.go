// Package gpio drives segment pins through periph.io GPIO lines.
package gpio

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/w1xm/rotaclock/actuator"
	"github.com/w1xm/rotaclock/internal/logger"
	"github.com/w1xm/rotaclock/segment"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// DefaultNameFormat maps table pin n to the host line "GPIO<n>".
const DefaultNameFormat = "GPIO%d"

// Bank is an actuator.Actuator over a fixed set of output lines.
type Bank struct {
	mu   sync.Mutex
	pins map[segment.Pin]gpio.PinOut
	log  *zerolog.Logger
}

// Open initializes the host drivers and claims one output line per pin,
// named by format. Every line starts low.
func Open(pins []segment.Pin, format string) (*Bank, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("gpio: host init: %w", err)
	}
	if format == "" {
		format = DefaultNameFormat
	}
	lines := make(map[segment.Pin]gpio.PinOut, len(pins))
	for _, pin := range pins {
		name := fmt.Sprintf(format, pin)
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("gpio: no line %q for pin %d", name, pin)
		}
		lines[pin] = p
	}
	return New(lines)
}

// New wraps already resolved lines and drives them low.
func New(lines map[segment.Pin]gpio.PinOut) (*Bank, error) {
	b := &Bank{pins: lines, log: logger.Named("gpio")}
	for pin, p := range lines {
		if err := p.Out(gpio.Low); err != nil {
			return nil, fmt.Errorf("gpio: pin %d (%s): %w", pin, p, err)
		}
	}
	b.log.Info().Int("lines", len(lines)).Msg("claimed")
	return b, nil
}

func (b *Bank) Set(pin segment.Pin, level bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[pin]
	if !ok {
		return fmt.Errorf("gpio: pin %d: %w", pin, actuator.ErrUnknownPin)
	}
	return p.Out(gpio.Level(level))
}

// Close drives every line low and releases it.
func (b *Bank) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for pin, p := range b.pins {
		if err := p.Out(gpio.Low); err != nil && first == nil {
			first = fmt.Errorf("gpio: pin %d: %w", pin, err)
		}
		if err := p.Halt(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
