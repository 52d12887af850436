package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mbocsi/gorti/proto"
	"github.com/mbocsi/gorti/transport"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"
)

// LibraryVersion is announced as clientLibraryVersion.
const LibraryVersion = "0.4.0"

const (
	DefaultURL         = "ws://localhost:8000/"
	DefaultApplication = "Go"
)

// Config holds everything needed to build a Client. The yaml tags match the
// keys accepted by LoadConfig.
type Config struct {
	URL                string   `yaml:"url"`
	Application        string   `yaml:"application"`
	ApplicationVersion string   `yaml:"application_version"`
	EngineVersion      string   `yaml:"engine_version"`
	IntegrationVersion string   `yaml:"integration_version"`
	ClientID           string   `yaml:"client_id"`
	Federation         string   `yaml:"federation"`
	Host               string   `yaml:"host"`
	Station            string   `yaml:"station"`
	Secret             string   `yaml:"secret"`
	User               string   `yaml:"user"`
	Password           string   `yaml:"password"`
	Participant        string   `yaml:"participant"`
	Role               string   `yaml:"role"`
	FullName           string   `yaml:"full_name"`
	Capabilities       []string `yaml:"capabilities"`

	Incognito         bool `yaml:"incognito"`
	IncognitoChannels bool `yaml:"incognito_channels"`

	// Polling queues inbound frames until Poll is called.
	Polling bool `yaml:"polling"`
	// BlockingDelivery runs every handler to completion on the receive loop.
	BlockingDelivery bool `yaml:"blocking_delivery"`

	Transport TransportConfig `yaml:"transport"`
	Measure   MeasureConfig   `yaml:"measure"`

	Logger   *slog.Logger          `yaml:"-"`
	Registry prometheus.Registerer `yaml:"-"`
	Dialer   transport.Dialer      `yaml:"-"`
}

// TransportConfig overrides transport timings. Zero values keep the transport defaults.
type TransportConfig struct {
	QueueSize         int           `yaml:"queue_size"`
	StaleAfter        time.Duration `yaml:"stale_after"`
	DeliveryTimeout   time.Duration `yaml:"delivery_timeout"`
	PingTimeout       time.Duration `yaml:"ping_timeout"`
	ReconnectGrace    time.Duration `yaml:"reconnect_grace"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	CloseTimeout      time.Duration `yaml:"close_timeout"`
	WaitInterval      time.Duration `yaml:"wait_interval"`
	WaitAttempts      int           `yaml:"wait_attempts"`
}

type MeasureConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	TimeScale    float64       `yaml:"time_scale"`
}

// LoadConfig reads a yaml file. Defaults are applied when the Client is built,
// so environment overrides can be layered in between.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields with the RTI_* variables that getenv returns as non-empty.
// Pass os.Getenv to read the process environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	for name, field := range map[string]*string{
		"RTI_URL":        &c.URL,
		"RTI_FEDERATION": &c.Federation,
		"RTI_HOST":       &c.Host,
		"RTI_STATION":    &c.Station,
		"RTI_SECRET":     &c.Secret,
		"RTI_USER":       &c.User,
		"RTI_PASSWORD":   &c.Password,
		"RTI_CLIENT_ID":  &c.ClientID,
	} {
		if v := getenv(name); v != "" {
			*field = v
		}
	}
}

func (c *Config) applyDefaults() {
	c.URL = NormalizeURL(c.URL)
	if c.Application == "" {
		c.Application = DefaultApplication
	}
	if c.EngineVersion == "" {
		c.EngineVersion = "Go " + runtime.Version()
	}
	if c.ClientID == "" {
		c.ClientID = uuid.NewString()
	}
	c.Federation = proto.NormalizeFederation(c.Federation)
	if c.Host == "" {
		if h, err := os.Hostname(); err == nil {
			c.Host = h
		}
	}
	c.Host, _, _ = strings.Cut(c.Host, ".")
	if c.Measure.TimeScale == 0 {
		c.Measure.TimeScale = 1
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) validate() error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", c.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url %q: scheme must be ws or wss", c.URL)
	}
	if strings.ContainsAny(c.ClientID, " :") {
		return errors.New("client_id must not contain spaces or colons")
	}
	if c.Transport.QueueSize < 0 {
		return errors.New("transport.queue_size must not be negative")
	}
	if c.Measure.TimeScale < 0 {
		return errors.New("measure.time_scale must be positive")
	}
	return nil
}

// NormalizeURL fills in a missing URL and scheme. Local addresses get ws://, anything else wss://.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultURL
	}
	if strings.HasPrefix(raw, "ws://") || strings.HasPrefix(raw, "wss://") {
		return raw
	}
	if strings.HasPrefix(raw, "localhost") || strings.HasPrefix(raw, "127.") {
		return "ws://" + raw
	}
	return "wss://" + raw
}

func (c *Config) transportOptions() transport.Options {
	t := c.Transport
	opts := transport.Options{
		URL:               c.URL,
		Dialer:            c.Dialer,
		Polling:           c.Polling,
		DeliveryTimeout:   t.DeliveryTimeout,
		QueueSize:         t.QueueSize,
		StaleAfter:        t.StaleAfter,
		PingTimeout:       t.PingTimeout,
		ReconnectGrace:    t.ReconnectGrace,
		ReconnectInterval: t.ReconnectInterval,
		AuthTimeout:       t.AuthTimeout,
		CloseTimeout:      t.CloseTimeout,
		WaitInterval:      t.WaitInterval,
		WaitAttempts:      t.WaitAttempts,
		Logger:            c.Logger,
	}
	if c.BlockingDelivery {
		opts.Delivery = transport.DeliverBlocking
	}
	return opts
}
