// Package encoder provides rotation sources that report a free-running tick
// counter.
package encoder

import (
	"context"
	"sync"

	"github.com/w1xm/rotaclock/internal/logger"
	"github.com/w1xm/rotaclock/internal/modbus"
)

// Source reports the raw rotation counter.
type Source interface {
	ReadTicks() (uint32, error)
}

// ModbusOptions locate a counter held in two input registers.
type ModbusOptions struct {
	Port     string
	BaudRate int
	SlaveID  byte
	URL      string
	Password string
	// Register is the address of the high word.
	Register uint16
}

// Modbus reads the counter from a Modbus RTU device on every call.
type Modbus struct {
	mu       sync.Mutex
	client   *modbus.Client
	register uint16
}

func ConnectModbus(ctx context.Context, opt ModbusOptions) (*Modbus, error) {
	if opt.SlaveID == 0 {
		opt.SlaveID = 1
	}
	m := &Modbus{
		client: &modbus.Client{
			Port:     opt.Port,
			BaudRate: opt.BaudRate,
			SlaveId:  opt.SlaveID,
			URL:      opt.URL,
			Password: opt.Password,
			Log:      logger.Named("encoder"),
		},
		register: opt.Register,
	}
	return m, m.client.Connect(ctx)
}

func (m *Modbus) ReadTicks() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client.ReadUint32(m.register)
}
