package engine

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/germanamz/panelsync/pkg/aggregate"
	"github.com/germanamz/panelsync/pkg/catalog"
	"github.com/germanamz/panelsync/pkg/poller"
	"github.com/germanamz/panelsync/pkg/router"
	"github.com/germanamz/panelsync/pkg/supervisor"
)

// Config is the top-level engine configuration.
type Config struct {
	Dir         string          `yaml:"-"` // Set by CLI, not from YAML.
	Cloud       CloudConfig     `yaml:"cloud"`
	CatalogFile string          `yaml:"catalog_file"`
	StateFile   string          `yaml:"state_file"`
	Timings     TimingsConfig   `yaml:"timings"`
	Energy      EnergyConfig    `yaml:"energy"`
	Router      RouterConfig    `yaml:"router"`
	Aggregate   AggregateConfig `yaml:"aggregate"`
	HTTP        HTTPConfig      `yaml:"http"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	Kafka       KafkaConfig     `yaml:"kafka"`
}

// CloudConfig locates the cloud service.
type CloudConfig struct {
	BaseURL    string `yaml:"base_url"`
	SocketURL  string `yaml:"socket_url"`
	Token      string `yaml:"token"` //nolint:gosec // configuration field, not a hardcoded secret
	AuthHeader string `yaml:"auth_header"`
	AuthScheme string `yaml:"auth_scheme"`
}

// TimingsConfig holds every interval as a duration string (e.g. "55m").
// Empty values use the defaults.
type TimingsConfig struct {
	ProactiveReconnect string `yaml:"proactive_reconnect"`
	WatchdogPeriod     string `yaml:"watchdog_period"`
	SilenceThreshold   string `yaml:"silence_threshold"`
	KeepalivePeriod    string `yaml:"keepalive_period"`
	BackoffBase        string `yaml:"backoff_base"`
	BackoffMax         string `yaml:"backoff_max"`
	PollInterval       string `yaml:"poll_interval"`
	PollCheckPeriod    string `yaml:"poll_check_period"`
	PullTimeout        string `yaml:"pull_timeout"`
	PullRetryDelay     string `yaml:"pull_retry_delay"`
	StaleAfter         string `yaml:"stale_after"` // default: 2 × poll_interval
}

// EnergyConfig tunes the reconciler.
type EnergyConfig struct {
	RegressionTolerance float64 `yaml:"regression_tolerance"`
	Timezone            string  `yaml:"timezone"` // IANA name; empty uses the local zone
}

// RouterConfig tunes topic policy and field tagging.
type RouterConfig struct {
	SplitFirmware     string  `yaml:"split_firmware"` // default "2.0.0"
	FloodRatio        float64 `yaml:"flood_ratio"`
	CalculatedCurrent bool    `yaml:"calculated_current"`
	Voltage208        bool    `yaml:"voltage_208"`
}

// AggregateConfig tunes panel totals.
type AggregateConfig struct {
	ClampWindow string `yaml:"clamp_window"`
}

// HTTPConfig enables the read API. An empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// MQTTConfig enables the MQTT state sink. An empty Broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"` //nolint:gosec // configuration field, not a hardcoded secret
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// KafkaConfig enables the Kafka energy sink. No brokers disables it.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Timings is the parsed form of TimingsConfig.
type Timings struct {
	Supervisor      supervisor.Timings
	PollInterval    time.Duration
	PollCheckPeriod time.Duration
	PullTimeout     time.Duration
	PullRetryDelay  time.Duration
	StaleAfter      time.Duration
}

// LoadConfig reads a YAML file and returns a Config.
// Environment variables referenced as ${VAR} or $VAR in the YAML are expanded
// before parsing, so the cloud token can live in the environment (e.g. a .env
// file) rather than in the config.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is caller-provided configuration, not user input
	if err != nil {
		return Config{}, fmt.Errorf("engine: load config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("engine: parse config: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c Config) Validate() error {
	if c.Cloud.BaseURL == "" {
		return errors.New("engine: config: cloud.base_url is required")
	}

	if _, err := c.ParseTimings(); err != nil {
		return err
	}

	if c.Energy.RegressionTolerance < 0 {
		return errors.New("engine: config: energy.regression_tolerance must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	if c.Router.SplitFirmware != "" {
		if _, err := catalog.ParseVersion(c.Router.SplitFirmware); err != nil {
			return fmt.Errorf("engine: config: router.split_firmware: %w", err)
		}
	}
	if c.Router.FloodRatio < 0 {
		return errors.New("engine: config: router.flood_ratio must not be negative")
	}

	if _, err := parseDuration("aggregate.clamp_window", c.Aggregate.ClampWindow, aggregate.DefaultClampWindow); err != nil {
		return err
	}

	if c.MQTT.Broker != "" && (c.MQTT.QoS < 0 || c.MQTT.QoS > 2) {
		return fmt.Errorf("engine: config: mqtt.qos %d must be 0, 1 or 2", c.MQTT.QoS)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("engine: config: kafka.topic is required when brokers are set")
	}

	return nil
}

// ParseTimings parses and validates every interval, filling defaults.
func (c Config) ParseTimings() (Timings, error) {
	def := supervisor.DefaultTimings()
	t := c.Timings

	var out Timings
	var err error
	fields := []struct {
		name string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"proactive_reconnect", t.ProactiveReconnect, def.ProactiveReconnect, &out.Supervisor.ProactiveReconnect},
		{"watchdog_period", t.WatchdogPeriod, def.WatchdogPeriod, &out.Supervisor.WatchdogPeriod},
		{"silence_threshold", t.SilenceThreshold, def.SilenceThreshold, &out.Supervisor.SilenceThreshold},
		{"keepalive_period", t.KeepalivePeriod, def.KeepalivePeriod, &out.Supervisor.KeepalivePeriod},
		{"backoff_base", t.BackoffBase, def.BackoffBase, &out.Supervisor.BackoffBase},
		{"backoff_max", t.BackoffMax, def.BackoffMax, &out.Supervisor.BackoffMax},
		{"poll_interval", t.PollInterval, poller.DefaultInterval, &out.PollInterval},
		{"poll_check_period", t.PollCheckPeriod, poller.DefaultCheckPeriod, &out.PollCheckPeriod},
		{"pull_timeout", t.PullTimeout, poller.DefaultPullTimeout, &out.PullTimeout},
		{"pull_retry_delay", t.PullRetryDelay, poller.DefaultRetryDelay, &out.PullRetryDelay},
	}
	for _, f := range fields {
		if *f.dst, err = parseDuration("timings."+f.name, f.raw, f.def); err != nil {
			return Timings{}, err
		}
	}

	if out.StaleAfter, err = parseDuration("timings.stale_after", t.StaleAfter, 2*out.PollInterval); err != nil {
		return Timings{}, err
	}

	if err := out.Supervisor.Validate(); err != nil {
		return Timings{}, fmt.Errorf("engine: config: %w", err)
	}
	if out.PollCheckPeriod > out.PollInterval {
		return Timings{}, fmt.Errorf("engine: config: poll_check_period %s exceeds poll_interval %s", out.PollCheckPeriod, out.PollInterval)
	}

	return out, nil
}

// Location returns the zone that anchors daily energy.
func (c Config) Location() (*time.Location, error) {
	if c.Energy.Timezone == "" {
		return time.Local, nil
	}

	loc, err := time.LoadLocation(c.Energy.Timezone)
	if err != nil {
		return nil, fmt.Errorf("engine: config: energy.timezone: %w", err)
	}

	return loc, nil
}

// SplitThreshold returns the firmware version from which hub-gen-2 hubs need
// per-breaker topics.
func (c Config) SplitThreshold() catalog.Version {
	if c.Router.SplitFirmware == "" {
		return router.DefaultSplitThreshold
	}
	v, err := catalog.ParseVersion(c.Router.SplitFirmware)
	if err != nil {
		return router.DefaultSplitThreshold
	}
	return v
}

// ClampWindow returns how recent a clamp sample must be for a hub's totals to
// come from its clamps.
func (c Config) ClampWindow() time.Duration {
	d, err := parseDuration("aggregate.clamp_window", c.Aggregate.ClampWindow, aggregate.DefaultClampWindow)
	if err != nil {
		return aggregate.DefaultClampWindow
	}
	return d
}

func parseDuration(name, raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("engine: config: %s: invalid duration %q: %w", name, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("engine: config: %s must be positive", name)
	}

	return d, nil
}
