// Package modbus wraps a goburrow Modbus RTU client with the reconnect and
// poll loop shared by the coil bank and the rotation encoder.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
	"github.com/w1xm/rotaclock/internal/logger"
	"github.com/w1xm/rotaclock/internal/modbus/modbushttp"
)

// ErrNotConnected is returned while the link is down.
var ErrNotConnected = errors.New("modbus: not connected")

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

// NewRTUHandler returns an 8N1 RTU handler for a local serial port.
func NewRTUHandler(port string, baud int, slaveID byte) *modbus.RTUClientHandler {
	handler := modbus.NewRTUClientHandler(port)
	handler.BaudRate = baud
	handler.DataBits = 8
	handler.Parity = "N"
	handler.StopBits = 1
	handler.Timeout = 1 * time.Second
	handler.SlaveId = slaveID
	return handler
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection through a modbushttp bridge
	URL      string
	Password string
	// Trace logs every frame
	Trace bool

	// Poll is called in a loop while the connection is active
	Poll func() error
	// PollPeriod spaces Poll calls; zero polls back to back
	PollPeriod time.Duration

	Log *zerolog.Logger

	handler modbusHandler
	mu      sync.Mutex
	up      bool
	modbus.Client
}

func (c *Client) name() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

// Connect builds the handler and starts the reconnect loop. It does not wait
// for the link to come up.
func (c *Client) Connect(ctx context.Context) error {
	if c.Log == nil {
		c.Log = logger.Named("modbus")
	}
	if c.URL != "" {
		h := modbushttp.NewClient(c.URL)
		h.SlaveId = c.SlaveId
		h.Password = c.Password
		c.handler = h
	} else {
		if c.Port == "" {
			return errors.New("modbus: no port or url")
		}
		baud := c.BaudRate
		if baud == 0 {
			baud = 19200
		}
		handler := NewRTUHandler(c.Port, baud, c.SlaveId)
		if c.Trace {
			handler.Logger = log.New(c.Log.With().Str("port", c.Port).Logger(), "", 0)
		}
		c.handler = handler
	}
	c.Client = modbus.NewClient(c.handler)
	go c.reconnectLoop(ctx)
	return nil
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

func (c *Client) setUp(up bool) {
	c.mu.Lock()
	c.up = up
	c.mu.Unlock()
}

func (c *Client) reconnectLoop(ctx context.Context) {
	port := c.name()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}

		err := c.handler.Connect()
		if err != nil {
			c.Log.Warn().Err(err).Str("port", port).Msg("opening")
			continue
		}
		c.Log.Info().Str("port", port).Msg("opened")
		if err := c.watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.Log.Warn().Err(err).Str("port", port).Msg("watching")
		}
	}
}

func (c *Client) watch(ctx context.Context) error {
	c.setUp(true)
	defer func() {
		c.setUp(false)
		c.handler.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if c.Poll != nil {
			if err := c.Poll(); err != nil {
				return err
			}
		}
		if c.PollPeriod > 0 || c.Poll == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.pollPeriod()):
			}
		}
	}
}

func (c *Client) pollPeriod() time.Duration {
	if c.PollPeriod > 0 {
		return c.PollPeriod
	}
	return 1 * time.Second
}

func (c *Client) WriteCoil(coil int, value bool) error {
	if c.Client == nil {
		return ErrNotConnected
	}
	var v uint16
	if value {
		v = 0xFF00
	}
	_, err := c.WriteSingleCoil(uint16(coil), v)
	return err
}

// ReadUint32 reads a 32 bit value stored high word first in two consecutive
// input registers.
func (c *Client) ReadUint32(address uint16) (uint32, error) {
	if c.Client == nil {
		return 0, ErrNotConnected
	}
	results, err := c.ReadInputRegisters(address, 2)
	if err != nil {
		return 0, err
	}
	if len(results) != 4 {
		return 0, fmt.Errorf("modbus: read %d bytes from input register %d, want 4", len(results), address)
	}
	return binary.BigEndian.Uint32(results), nil
}

// ReadUint16 reads a single input register.
func (c *Client) ReadUint16(address uint16) (uint16, error) {
	if c.Client == nil {
		return 0, ErrNotConnected
	}
	results, err := c.ReadInputRegisters(address, 1)
	if err != nil {
		return 0, err
	}
	if len(results) != 2 {
		return 0, fmt.Errorf("modbus: read %d bytes from input register %d, want 2", len(results), address)
	}
	return binary.BigEndian.Uint16(results), nil
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
