package model

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FamilyV1 = "v1"
	FamilyV2 = "v2"

	DeviceOnline  = "online"
	DeviceOffline = "offline"
)

type Config struct {
	Version        int               `yaml:"version"` // fixed 0 for now
	Listen         string            `yaml:"listen"`
	WorkDir        string            `yaml:"work_dir,omitempty"`        // cwd of spawned jobs, empty => cwd of autovisor
	StaticDir      string            `yaml:"static_dir,omitempty"`      // index.html and dashboard.html
	AllowedOrigins []string          `yaml:"allowed_origins,omitempty"` // extra websocket origin host patterns, same origin is always allowed
	LogFile        string            `yaml:"log_file"`                  // shared append-only log, tailed by observers
	Verbose        bool              `yaml:"verbose,omitempty"`
	LogFormat      string            `yaml:"log_format,omitempty"` // json or text
	ObserverBuffer int               `yaml:"observer_buffer"`
	Tail           Tail              `yaml:"tail"`
	Logs           Logs              `yaml:"logs"`
	Families       map[string]Family `yaml:"families"`
	Devices        []Device          `yaml:"devices,omitempty"`
	NATS           NATS              `yaml:"nats,omitempty"`
}

// Tail configures the shared log file follower.
type Tail struct {
	Backlog  int           `yaml:"backlog"`  // lines sent on attach
	Interval time.Duration `yaml:"interval"` // mtime poll period
	Limit    int           `yaml:"limit"`    // default of the file logs endpoint
}

// Logs configures per-job output retention.
type Logs struct {
	Buffer   int `yaml:"buffer"`   // events kept per job
	Finished int `yaml:"finished"` // exited jobs whose output is still kept
	Limit    int `yaml:"limit"`    // default of the recent logs endpoint
}

// Family describes how to launch jobs of one family. Device id and locality
// are appended to Args.
type Family struct {
	Command     string   `yaml:"command"`
	Args        []string `yaml:"args,omitempty"`
	Env         []string `yaml:"env,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

type Device struct {
	ID     string `yaml:"id" json:"id"`
	Status string `yaml:"status" json:"status"`
	Type   string `yaml:"type" json:"type"`
}

// NATS mirrors every broadcast event to a subject. Empty URL disables it.
type NATS struct {
	URL    string `yaml:"url,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Listen:         ":3000",
		LogFile:        "midscene_run/log/ai-call.log",
		ObserverBuffer: 256,
		Tail: Tail{
			Backlog:  50,
			Interval: time.Second,
			Limit:    100,
		},
		Logs: Logs{
			Buffer:   500,
			Finished: 64,
			Limit:    100,
		},
		Families: map[string]Family{
			FamilyV1: {
				Command:     "../web-automation/booking-automation.sh",
				Description: "V1 standard automation",
			},
			FamilyV2: {
				Command:     "./booking-automation-v2.sh",
				Description: "V2 enhanced automation",
			},
		},
		Devices: []Device{
			{ID: "98.98.125.9:24142", Status: DeviceOnline, Type: "wireless"},
			{ID: "192.168.1.100:5555", Status: DeviceOffline, Type: "wireless"},
			{ID: "127.0.0.1:5554", Status: DeviceOnline, Type: "emulator"},
		},
		NATS: NATS{
			Prefix: "autovisor.events",
		},
	}
}

// LoadConfig decodes YAML from r on top of DefaultConfig and validates it.
// Unknown fields are an error.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	// families from the file replace the defaults rather than merge into them
	cfg.Families = nil

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Families == nil {
		cfg.Families = DefaultConfig().Families
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Version != 0 {
		errs = append(errs, fmt.Errorf("version: unsupported value %d", c.Version))
	}
	if c.Listen == "" {
		errs = append(errs, errors.New("listen: empty"))
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log_format: unsupported value %q", c.LogFormat))
	}
	if c.ObserverBuffer <= 0 {
		errs = append(errs, errors.New("observer_buffer: must be positive"))
	}
	if c.Tail.Backlog < 0 {
		errs = append(errs, errors.New("tail.backlog: must not be negative"))
	}
	if c.Tail.Interval <= 0 {
		errs = append(errs, errors.New("tail.interval: must be positive"))
	}
	if c.Tail.Limit <= 0 {
		errs = append(errs, errors.New("tail.limit: must be positive"))
	}
	if c.Logs.Buffer <= 0 {
		errs = append(errs, errors.New("logs.buffer: must be positive"))
	}
	if c.Logs.Limit <= 0 {
		errs = append(errs, errors.New("logs.limit: must be positive"))
	}
	if len(c.Families) == 0 {
		errs = append(errs, errors.New("families: at least one family is required"))
	}
	for _, name := range c.FamilyNames() {
		f := c.Families[name]
		if name == "" || strings.Contains(name, KeySep) {
			errs = append(errs, fmt.Errorf("families: invalid name %q", name))
		}
		if collidesWithSnapshot(name) {
			errs = append(errs, fmt.Errorf("families: name %q clashes with a status field", name))
		}
		if f.Command == "" {
			errs = append(errs, fmt.Errorf("families.%s.command: empty", name))
		}
	}
	return errors.Join(errs...)
}

// FamilyNames returns the configured families, sorted.
func (c Config) FamilyNames() []string {
	names := make([]string, 0, len(c.Families))
	for name := range c.Families {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
