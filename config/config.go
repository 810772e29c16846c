// Package config loads the clock daemon configuration from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/w1xm/rotaclock/angle"
	"github.com/w1xm/rotaclock/compose"
	"github.com/w1xm/rotaclock/segment"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// BaudRate is the console serial speed.
	BaudRate int `yaml:"baud_rate" validate:"gt=0"`
	// StaggerDelay is the minimum spacing between two pin transitions.
	StaggerDelay time.Duration `yaml:"stagger_delay" validate:"gte=0"`
	// MaxBacklog bounds queued transitions; zero is unbounded.
	MaxBacklog int `yaml:"max_backlog" validate:"gte=0"`
	// SamplePeriod is how often the rotation source is read.
	SamplePeriod time.Duration `yaml:"sample_period" validate:"gt=0"`

	Tracker  angle.TrackerConfig `yaml:"tracker"`
	Segments segment.RawConfig   `yaml:"segments"`
	// Shapes maps a digit value to the segment indices it lights.
	Shapes map[int][]int `yaml:"shapes" validate:"required"`
	// DigitShapes overrides Shapes for single digits.
	DigitShapes map[int]map[int][]int `yaml:"digit_shapes,omitempty"`

	Clock    ClockConfig    `yaml:"clock"`
	Actuator ActuatorConfig `yaml:"actuator"`
	Encoder  EncoderConfig  `yaml:"encoder"`
	Console  ConsoleConfig  `yaml:"console"`
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ClockConfig struct {
	// Mode is the startup mode: follow wall-clock time or hold the digits.
	Mode     string         `yaml:"mode" validate:"oneof=time hold"`
	Layout   compose.Layout `yaml:"layout" validate:"oneof=hhmm mmss"`
	Location string         `yaml:"location"`
}

type ModbusConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate" validate:"gte=0"`
	SlaveID  byte   `yaml:"slave_id"`
	// URL reaches the bus through a modbus_server bridge instead of Port.
	URL      string `yaml:"url" validate:"omitempty,url"`
	Password string `yaml:"password"`
}

type ActuatorConfig struct {
	Backend string `yaml:"backend" validate:"oneof=log gpio modbus"`
	// GPIONameFormat turns a table pin into a host line name.
	GPIONameFormat string       `yaml:"gpio_name_format"`
	Modbus         ModbusConfig `yaml:"modbus"`
	// CoilBase is the table pin wired to coil 0.
	CoilBase int `yaml:"coil_base" validate:"gte=0"`
}

type SimulatorConfig struct {
	RPM    float64 `yaml:"rpm" validate:"gt=0"`
	Jitter uint32  `yaml:"jitter"`
	Seed   int64   `yaml:"seed"`
}

type EncoderConfig struct {
	Backend    string          `yaml:"backend" validate:"oneof=simulator modbus"`
	Simulator  SimulatorConfig `yaml:"simulator"`
	Modbus     ModbusConfig    `yaml:"modbus"`
	Register   uint16          `yaml:"register"`
	// ZeroOffset is added to every reading, in degrees.
	ZeroOffset float64         `yaml:"zero_offset" validate:"gte=-360,lte=360"`
}

type ConsoleConfig struct {
	// Serial is the console serial port; empty disables it.
	Serial string `yaml:"serial"`
	// TCP is the console listen address; empty disables it.
	TCP string `yaml:"tcp" validate:"omitempty,hostname_port"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

func DefaultConfig() Config {
	return Config{
		BaudRate:     segment.DefaultBaudRate,
		StaggerDelay: segment.DefaultStaggerDelay * time.Millisecond,
		SamplePeriod: 2 * time.Millisecond,
		Tracker: angle.TrackerConfig{
			TicksPerRev: angle.DegreeTicksPerRev,
			NoiseTicks:  5,
			FaultLimit:  8,
		},
		Segments: segment.Default(),
		Clock: ClockConfig{
			Mode:   "time",
			Layout: compose.LayoutHourMinute,
		},
		Actuator: ActuatorConfig{
			Backend:        "log",
			GPIONameFormat: "GPIO%d",
			Modbus:         ModbusConfig{BaudRate: 19200, SlaveID: 1},
		},
		Encoder: EncoderConfig{
			Backend:   "simulator",
			Simulator: SimulatorConfig{RPM: 60},
			Modbus:    ModbusConfig{BaudRate: 19200, SlaveID: 1},
		},
		Console: ConsoleConfig{
			TCP: "127.0.0.1:4533",
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8502",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadFile reads path over the defaults and validates the result.
func LoadFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Parse(b)
}

// Parse decodes a YAML document over the defaults and validates it. Unknown
// keys are rejected.
func Parse(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	if err := dec.Decode(&yaml.Node{}); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var (
	vOnce  sync.Once
	vValid *validator.Validate
	vTrans ut.Translator
)

func validate() (*validator.Validate, ut.Translator) {
	vOnce.Do(func() {
		enLoc := en.New()
		uni := ut.New(enLoc, enLoc)
		vTrans, _ = uni.GetTranslator("en")

		vValid = validator.New(validator.WithRequiredStructEnabled())
		vValid.RegisterTagNameFunc(func(fld reflect.StructField) string {
			tag := fld.Tag.Get("yaml")
			if tag == "-" || tag == "" {
				return fld.Name
			}
			if idx := strings.Index(tag, ","); idx >= 0 {
				tag = tag[:idx]
			}
			return tag
		})
		_ = en_translations.RegisterDefaultTranslations(vValid, vTrans)
	})
	return vValid, vTrans
}

// Validate checks field constraints and the rotation sensor settings. The
// segment table is checked by Table.
func (c Config) Validate() error {
	v, trans := validate()
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s: %s", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Translate(trans))
		}
		return fmt.Errorf("config: %w", err)
	}
	if err := c.Tracker.Validate(); err != nil {
		return fmt.Errorf("config: tracker: %w", err)
	}
	if c.Actuator.Backend == "modbus" && c.Actuator.Modbus.Port == "" && c.Actuator.Modbus.URL == "" {
		return errors.New("config: actuator.modbus: port or url required")
	}
	if c.Encoder.Backend == "modbus" && c.Encoder.Modbus.Port == "" && c.Encoder.Modbus.URL == "" {
		return errors.New("config: encoder.modbus: port or url required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: clock.location: %w", err)
	}
	return nil
}

// Table builds the segment table. Its errors are *segment.ConfigError.
func (c Config) Table() (*segment.Table, error) {
	return segment.Load(c.Segments)
}

// Shape builds the digit shapes.
func (c Config) Shape() (compose.Shape, error) {
	st, err := compose.NewShapeTable(c.Shapes, c.DigitShapes)
	if err != nil {
		return nil, err
	}
	return st.Shape(), nil
}

// Location resolves the clock time zone; empty is local time.
func (c Config) Location() (*time.Location, error) {
	if c.Clock.Location == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Clock.Location)
}

// FlagOverrides holds command line values that replace file settings when set.
type FlagOverrides struct {
	LogLevel     *string
	HTTPAddr     *string
	SerialPort   *string
	ConsoleTCP   *string
	Actuator     *string
	StaggerDelay *time.Duration
}

func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
	if o.HTTPAddr != nil {
		cfg.HTTP.Addr = *o.HTTPAddr
	}
	if o.SerialPort != nil {
		cfg.Console.Serial = *o.SerialPort
	}
	if o.ConsoleTCP != nil {
		cfg.Console.TCP = *o.ConsoleTCP
	}
	if o.Actuator != nil {
		cfg.Actuator.Backend = *o.Actuator
	}
	if o.StaggerDelay != nil {
		cfg.StaggerDelay = *o.StaggerDelay
	}
}
