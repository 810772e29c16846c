// Command clockd drives a rotary segment clock.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/w1xm/rotaclock/actuator"
	"github.com/w1xm/rotaclock/actuator/coilbank"
	"github.com/w1xm/rotaclock/actuator/gpio"
	"github.com/w1xm/rotaclock/config"
	"github.com/w1xm/rotaclock/console"
	"github.com/w1xm/rotaclock/display"
	"github.com/w1xm/rotaclock/encoder"
	"github.com/w1xm/rotaclock/internal/logger"
	"github.com/w1xm/rotaclock/scheduler"
	"github.com/w1xm/rotaclock/segment"
	"golang.org/x/sync/errgroup"
)

const version = "rotaclock 0.3"

var (
	configPath   = flag.String("config", "clockd.yaml", "configuration file")
	logLevel     = flag.String("log_level", "", "log level (overrides logging.level)")
	httpAddr     = flag.String("addr", "", "HTTP address to listen on (overrides http.addr)")
	serialPort   = flag.String("serial", "", "console serial port name (overrides console.serial)")
	consoleAddr  = flag.String("console_addr", "", "console TCP address (overrides console.tcp)")
	actuatorKind = flag.String("actuator", "", "actuator backend: log, gpio or modbus (overrides actuator.backend)")
	stagger      = flag.Duration("stagger_delay", 0, "minimum spacing between transitions (overrides stagger_delay)")
)

func overrides() config.FlagOverrides {
	var o config.FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log_level":
			o.LogLevel = logLevel
		case "addr":
			o.HTTPAddr = httpAddr
		case "serial":
			o.SerialPort = serialPort
		case "console_addr":
			o.ConsoleTCP = consoleAddr
		case "actuator":
			o.Actuator = actuatorKind
		case "stagger_delay":
			o.StaggerDelay = stagger
		}
	})
	return o
}

func main() {
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "clockd: %v\n", err)
		os.Exit(2)
	}
	overrides().Apply(&cfg)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "clockd: %v\n", err)
		os.Exit(2)
	}
	if _, err := logger.ParseLevel(cfg.Logging.Level); err != nil {
		fmt.Fprintf(os.Stderr, "clockd: %v\n", err)
		os.Exit(2)
	}
	logger.Init(logger.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Service: "clockd"})
	log := logger.Named("clockd")

	table, err := cfg.Table()
	if err != nil {
		log.Fatal().Err(err).Msg("segment table")
	}
	shape, err := cfg.Shape()
	if err != nil {
		log.Fatal().Err(err).Msg("digit shapes")
	}
	loc, err := cfg.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("clock location")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	act, err := openActuator(ctx, cfg, table)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Actuator.Backend).Msg("opening actuator")
	}
	src, err := openEncoder(ctx, g, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Encoder.Backend).Msg("opening encoder")
	}

	server := NewServer(logger.Named("http"))
	d, err := display.New(table, shape, act, src, display.Options{
		SamplePeriod: cfg.SamplePeriod,
		Tracker:      cfg.Tracker,
		Stagger:      cfg.StaggerDelay,
		MaxBacklog:   cfg.MaxBacklog,
		Mode:         display.Mode(cfg.Clock.Mode),
		Layout:       cfg.Clock.Layout,
		Location:     loc,
	}, server.statusCallback)
	if err != nil {
		log.Fatal().Err(err).Msg("display")
	}
	server.d = d

	log.Info().
		Int("digits", table.DigitCount()).
		Dur("stagger", cfg.StaggerDelay).
		Str("actuator", cfg.Actuator.Backend).
		Str("encoder", cfg.Encoder.Backend).
		Msg("starting")

	g.Go(func() error { return d.Run(ctx) })
	g.Go(func() error {
		return console.New(d, version).Run(ctx, cfg.Console.Serial, cfg.BaudRate, cfg.Console.TCP)
	})
	if cfg.HTTP.Addr != "" {
		g.Go(func() error { return server.ListenAndServe(ctx, cfg.HTTP.Addr) })
	}

	err = g.Wait()
	switch {
	case errors.Is(err, scheduler.ErrActuationFault):
		log.Fatal().Err(err).Msg("segment table does not match the hardware")
	case err != nil && !errors.Is(err, context.Canceled):
		log.Fatal().Err(err).Msg("stopped")
	}
	log.Info().Msg("stopped")
}

func openActuator(ctx context.Context, cfg config.Config, table *segment.Table) (actuator.Actuator, error) {
	log := logger.Named("actuator")
	switch cfg.Actuator.Backend {
	case "log":
		return &actuator.Logger{Log: log}, nil
	case "gpio":
		b, err := gpio.Open(table.Pins(), cfg.Actuator.GPIONameFormat)
		if err != nil {
			return nil, err
		}
		return &actuator.Logger{Next: b, Log: log}, nil
	case "modbus":
		m := cfg.Actuator.Modbus
		fault := false
		b, err := coilbank.Connect(ctx, coilbank.Options{
			Port:     m.Port,
			BaudRate: m.BaudRate,
			SlaveID:  m.SlaveID,
			URL:      m.URL,
			Password: m.Password,
			Base:     cfg.Actuator.CoilBase,
		}, func(s coilbank.Status) {
			if s.Fault != fault {
				logCoilFault(log, s)
				fault = s.Fault
			}
		})
		if err != nil {
			return nil, err
		}
		return &actuator.Logger{Next: b, Log: log}, nil
	}
	return nil, fmt.Errorf("unknown actuator backend %q", cfg.Actuator.Backend)
}

func logCoilFault(log *zerolog.Logger, s coilbank.Status) {
	if s.Fault {
		log.Error().Int("coils", s.Coils).Msg("coil bank reports overcurrent")
		return
	}
	log.Info().Msg("coil bank fault cleared")
}

func openEncoder(ctx context.Context, g *errgroup.Group, cfg config.Config) (encoder.Source, error) {
	src, err := openSource(ctx, g, cfg)
	if err != nil {
		return nil, err
	}
	return encoder.WithOffset(src, cfg.Tracker, cfg.Encoder.ZeroOffset), nil
}

func openSource(ctx context.Context, g *errgroup.Group, cfg config.Config) (encoder.Source, error) {
	switch cfg.Encoder.Backend {
	case "simulator":
		s := cfg.Encoder.Simulator
		sim := encoder.NewSimulator(encoder.SimulatorOptions{
			TicksPerRev:   cfg.Tracker.TicksPerRev,
			CounterPeriod: cfg.Tracker.CounterPeriod,
			RPM:           s.RPM,
			Jitter:        s.Jitter,
			Seed:          s.Seed,
		})
		g.Go(func() error { return sim.Run(ctx) })
		return sim, nil
	case "modbus":
		m := cfg.Encoder.Modbus
		return encoder.ConnectModbus(ctx, encoder.ModbusOptions{
			Port:     m.Port,
			BaudRate: m.BaudRate,
			SlaveID:  m.SlaveID,
			URL:      m.URL,
			Password: m.Password,
			Register: cfg.Encoder.Register,
		})
	}
	return nil, fmt.Errorf("unknown encoder backend %q", cfg.Encoder.Backend)
}
