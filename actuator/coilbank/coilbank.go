// Package coilbank drives segment pins as coils of a Modbus relay board.
package coilbank

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/w1xm/rotaclock/actuator"
	"github.com/w1xm/rotaclock/internal/logger"
	"github.com/w1xm/rotaclock/internal/modbus"
	"github.com/w1xm/rotaclock/segment"
)

// Status is the board state read back on every poll.
type Status struct {
	// Coils is the relay count the board reports.
	Coils int
	// Energized holds the coil readback, indexed by coil address.
	Energized []bool
	// Fault is the board's overcurrent input.
	Fault bool
}

type StatusCallback func(status Status)

// Options locate the board. Table pin p maps to coil p-Base.
type Options struct {
	Port       string
	BaudRate   int
	SlaveID    byte
	URL        string
	Password   string
	Base       int
	PollPeriod time.Duration
}

type CoilBank struct {
	statusCallback StatusCallback
	mu             sync.Mutex
	client         *modbus.Client
	base           int
	coils          int
	energized      []bool
	fault          bool
}

func Connect(ctx context.Context, opt Options, statusCallback StatusCallback) (*CoilBank, error) {
	if opt.SlaveID == 0 {
		opt.SlaveID = 1
	}
	if opt.PollPeriod == 0 {
		opt.PollPeriod = 1 * time.Second
	}
	c := &CoilBank{
		client: &modbus.Client{
			Port:       opt.Port,
			BaudRate:   opt.BaudRate,
			SlaveId:    opt.SlaveID,
			URL:        opt.URL,
			Password:   opt.Password,
			PollPeriod: opt.PollPeriod,
			Log:        logger.Named("coilbank"),
		},
		base:           opt.Base,
		statusCallback: statusCallback,
	}
	c.client.Poll = c.pollOnce
	return c, c.client.Connect(ctx)
}

func (c *CoilBank) pollOnce() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	coils, err := c.client.ReadUint16(0)
	if err != nil {
		return err
	}
	states, err := c.client.ReadCoils(0, coils)
	if err != nil {
		return err
	}
	inputs, err := c.client.ReadDiscreteInputs(0, 1)
	if err != nil {
		return err
	}
	bits := modbus.BytesToBits(states)
	if len(bits) < int(coils) || len(inputs) == 0 {
		return fmt.Errorf("coilbank: short read: %d coil bytes, %d input bytes for %d coils", len(states), len(inputs), coils)
	}
	c.coils = int(coils)
	c.energized = bits[:c.coils]
	c.fault = modbus.BytesToBits(inputs)[0]
	c.notifyStatus()
	return nil
}

func (c *CoilBank) notifyStatus() {
	if c.statusCallback == nil {
		return
	}
	c.statusCallback(Status{
		Coils:     c.coils,
		Energized: append([]bool(nil), c.energized...),
		Fault:     c.fault,
	})
}

// Set writes the coil for pin. Until the first poll has reported the relay
// count only negative coil addresses are rejected.
func (c *CoilBank) Set(pin segment.Pin, level bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	coil := int(pin) - c.base
	if coil < 0 || (c.coils > 0 && coil >= c.coils) {
		return fmt.Errorf("coilbank: pin %d is coil %d of %d: %w", pin, coil, c.coils, actuator.ErrUnknownPin)
	}
	return c.client.WriteCoil(coil, level)
}

// Close switches every coil off.
func (c *CoilBank) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.coils == 0 {
		return nil
	}
	_, err := c.client.WriteMultipleCoils(0, uint16(c.coils), make([]byte, (c.coils+7)/8))
	return err
}
