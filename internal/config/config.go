package config

import (
	"math"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultEndpoint is the monitor endpoint of a gateway running on localhost.
const DefaultEndpoint = "ws://localhost:8080/epics2web/monitor"

// MaxDurationMs is the largest millisecond option that still fits a
// time.Duration.
const MaxDurationMs = uint64(math.MaxInt64 / int64(time.Millisecond))

type Config struct {
	Client Client    `yaml:"client"`
	Sim    SimConfig `yaml:"sim"`
	Log    LogConfig `yaml:"log"`
}

// Client holds the options recognised by a stream client. Durations are
// expressed in milliseconds to match the option names used by gateway
// deployments.
type Client struct {
	Endpoint          string `yaml:"endpoint"`
	AutoOpen          bool   `yaml:"auto_open"`
	AutoReconnect     bool   `yaml:"auto_reconnect"`
	AutoLivenessCheck bool   `yaml:"auto_liveness_check"`
	PingIntervalMs    uint   `yaml:"ping_interval_ms"`
	LivenessTimeoutMs uint   `yaml:"liveness_timeout_ms"`
	ReconnectWaitMs   uint   `yaml:"reconnect_wait_ms"`
	// ChunkSize is the max number of PVs per monitor/clear frame; 0 disables chunking.
	ChunkSize uint `yaml:"chunk_size"`
}

type SimConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Path            string        `yaml:"path"`
	UpdateInterval  time.Duration `yaml:"update_interval"`
	MissingPrefix   string        `yaml:"missing_prefix"`
	WriteQueueLimit int           `yaml:"write_queue_limit"`
	StaleTimeout    time.Duration `yaml:"stale_timeout"`
	MutePongs       bool          `yaml:"mute_pongs"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// DefaultClient returns the client options used when nothing is overridden.
func DefaultClient() Client {
	return Client{
		Endpoint:          DefaultEndpoint,
		AutoOpen:          true,
		AutoReconnect:     true,
		AutoLivenessCheck: true,
		PingIntervalMs:    3000,
		LivenessTimeoutMs: 2000,
		ReconnectWaitMs:   1000,
		ChunkSize:         400,
	}
}

func defaultConfig() *Config {
	return &Config{
		Client: DefaultClient(),
		Sim: SimConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			Path:            "/epics2web/monitor",
			UpdateInterval:  time.Second,
			MissingPrefix:   "NOPE:",
			WriteQueueLimit: 2000,
			StaleTimeout:    time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return defaultConfig()
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load config %s", path)
	}
	return cfg, nil
}

// LoadOrDefault loads path, falling back to defaults when the file does not
// exist. Any other error is returned.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return defaultConfig(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultConfig(), nil
	}
	return Load(path)
}

// Parse overlays YAML data on top of the defaults. Fields absent from data keep
// their default value.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "parse yaml")
	}
	if err := cfg.Client.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Sim.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first option that would leave a client unusable.
func (c Client) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return errors.Wrapf(err, "client.endpoint %q", c.Endpoint)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.Errorf("client.endpoint %q: scheme must be ws or wss", c.Endpoint)
	}
	if u.Host == "" {
		return errors.Errorf("client.endpoint %q: missing host", c.Endpoint)
	}
	for _, f := range []struct {
		name string
		ms   uint
	}{
		{"ping_interval_ms", c.PingIntervalMs},
		{"liveness_timeout_ms", c.LivenessTimeoutMs},
		{"reconnect_wait_ms", c.ReconnectWaitMs},
	} {
		if uint64(f.ms) > MaxDurationMs {
			return errors.Errorf("client.%s %d exceeds %d", f.name, f.ms, MaxDurationMs)
		}
	}
	if c.ChunkSize > math.MaxInt {
		return errors.Errorf("client.chunk_size %d exceeds %d", c.ChunkSize, math.MaxInt)
	}
	if c.AutoLivenessCheck {
		if c.PingIntervalMs == 0 {
			return errors.New("client.ping_interval_ms must be > 0 when auto_liveness_check is on")
		}
		if c.LivenessTimeoutMs == 0 {
			return errors.New("client.liveness_timeout_ms must be > 0 when auto_liveness_check is on")
		}
	}
	return nil
}

func (s SimConfig) Validate() error {
	if s.UpdateInterval <= 0 {
		return errors.New("sim.update_interval must be > 0")
	}
	if s.WriteQueueLimit <= 0 {
		return errors.New("sim.write_queue_limit must be > 0")
	}
	if s.Path == "" || s.Path[0] != '/' {
		return errors.Errorf("sim.path %q must start with /", s.Path)
	}
	return nil
}

// Millis converts d to whole milliseconds for the *Ms options. Negative
// durations become 0.
func Millis(d time.Duration) uint {
	if d <= 0 {
		return 0
	}
	return uint(d.Milliseconds())
}

func (c Client) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

func (c Client) LivenessTimeout() time.Duration {
	return time.Duration(c.LivenessTimeoutMs) * time.Millisecond
}

func (c Client) ReconnectWait() time.Duration {
	return time.Duration(c.ReconnectWaitMs) * time.Millisecond
}
