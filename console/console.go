// Package console serves the clock's line protocol on a serial port and on
// TCP connections.
//
// Commands, one per line:
//
//	D<digits>  stage new digit values, e.g. D1234
//	T          follow wall-clock time
//	H          hold the current digits
//	? or S     report status
//	V          report version
//
// Every command is answered with OK, a report line, or ERR <reason>.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
	"unicode"

	"github.com/rs/zerolog"
	"github.com/tarm/serial"
	"github.com/w1xm/rotaclock/display"
	"github.com/w1xm/rotaclock/internal/logger"
	"golang.org/x/sync/errgroup"
)

// Controller is the display as seen from the console.
type Controller interface {
	SetDigits(values []int) error
	FollowTime() error
	Hold()
	Status() display.Status
}

type Console struct {
	ctl     Controller
	version string
	log     *zerolog.Logger
	// retryDelay spaces reconnect and accept attempts after a failure.
	retryDelay time.Duration
}

func New(ctl Controller, version string) *Console {
	return &Console{ctl: ctl, version: version, log: logger.Named("console"), retryDelay: 1 * time.Second}
}

// Handle executes one command line and returns the reply without a line
// terminator.
func (c *Console) Handle(line string) string {
	line = strings.TrimSpace(line)
	for _, r := range line {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) {
			c.log.Warn().Str("input", fmt.Sprintf("%q", line)).Msg("malformed input")
			return "ERR malformed input"
		}
	}
	if line == "" {
		return ""
	}
	cmd, arg := line[0], strings.TrimSpace(line[1:])
	if arg != "" && cmd != 'D' {
		return fmt.Sprintf("ERR %c takes no argument", cmd)
	}
	switch cmd {
	case 'D':
		values, err := parseDigits(arg)
		if err != nil {
			return "ERR " + err.Error()
		}
		if err := c.ctl.SetDigits(values); err != nil {
			return "ERR " + err.Error()
		}
	case 'T':
		if err := c.ctl.FollowTime(); err != nil {
			return "ERR " + err.Error()
		}
	case 'H':
		c.ctl.Hold()
	case '?', 'S':
		return formatStatus(c.ctl.Status())
	case 'V':
		return "VERSION " + c.version
	default:
		c.log.Debug().Str("input", line).Msg("unknown command")
		return fmt.Sprintf("ERR unknown command %q", cmd)
	}
	return "OK"
}

func parseDigits(s string) ([]int, error) {
	if s == "" {
		return nil, fmt.Errorf("no digits")
	}
	values := make([]int, 0, len(s))
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("bad digit %q", r)
		}
		values = append(values, int(r-'0'))
	}
	return values, nil
}

func formatStatus(s display.Status) string {
	var digits strings.Builder
	for _, v := range s.Values {
		fmt.Fprintf(&digits, "%d", v)
	}
	frozen := 0
	if s.Frozen {
		frozen = 1
	}
	return fmt.Sprintf("STATUS angle=%.1f rev=%d digits=%s mode=%s frozen=%d backlog=%d shed=%d energized=%d",
		s.Angle, s.Revolutions, digits.String(), s.Mode, frozen, s.Scheduler.Backlog, s.Scheduler.Shed, s.Scheduler.Energized)
}

// Serve runs one session on conn until the peer goes away or ctx is done.
func (c *Console) Serve(ctx context.Context, conn io.ReadWriteCloser) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		reply := c.Handle(scanner.Text())
		if reply == "" {
			continue
		}
		if _, err := fmt.Fprintf(conn, "%s\r\n", reply); err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

// Run serves the serial port and the TCP address until ctx is done. Either
// may be empty.
func (c *Console) Run(ctx context.Context, port string, baud int, addr string) error {
	g, ctx := errgroup.WithContext(ctx)
	if port != "" {
		g.Go(func() error {
			c.reconnectLoop(ctx, port, baud)
			return nil
		})
	}
	if addr != "" {
		ln, err := c.Listen(ctx, addr)
		if err != nil {
			return err
		}
		c.log.Info().Str("addr", ln.String()).Msg("listening")
		g.Go(func() error {
			<-ctx.Done()
			return nil
		})
	}
	return g.Wait()
}

func (c *Console) reconnectLoop(ctx context.Context, port string, baud int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.retryDelay):
		}
		s, err := serial.OpenPort(&serial.Config{Name: port, Baud: baud})
		if err != nil {
			c.log.Warn().Err(err).Str("port", port).Msg("opening")
			continue
		}
		c.log.Info().Str("port", port).Int("baud", baud).Msg("opened")
		if err := c.Serve(ctx, s); err != nil && ctx.Err() == nil {
			c.log.Warn().Err(err).Str("port", port).Msg("reading serial port")
		}
		s.Close()
	}
}

// Listen accepts TCP sessions on addr until ctx is done and returns the bound
// address.
func (c *Console) Listen(ctx context.Context, addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		c.log.Info().Msg("shutdown; closing console socket")
		ln.Close()
	}()
	go c.acceptLoop(ctx, ln)
	return ln.Addr(), nil
}

func (c *Console) acceptLoop(ctx context.Context, ln net.Listener) {
	for ctx.Err() == nil {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("failed to accept")
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.retryDelay):
			}
			continue
		}
		go func() {
			defer conn.Close()
			c.log.Info().Stringer("remote", conn.RemoteAddr()).Msg("accepted connection")
			if err := c.Serve(ctx, conn); err != nil && ctx.Err() == nil {
				c.log.Warn().Err(err).Stringer("remote", conn.RemoteAddr()).Msg("reading")
			}
		}()
	}
}
