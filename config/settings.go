// Package config provides application settings loaded from an optional YAML
// file and environment variables.
//
// Settings are created via New() which handles:
// - Default value application
// - YAML file loading (base values)
// - Environment variable parsing with validation (overrides the file)

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values.
const (
	DefaultAgentURL     = "http://mtconnect.mazakcorp.com:5609"
	DefaultMode         = "parse"
	DefaultLookahead    = 10
	DefaultReportEvery  = 1000
	DefaultPersistEvery = 1
	DefaultUserAgent    = "mtcollect"
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

// Settings holds all application configuration.
type Settings struct {
	Agent   AgentConfig   `yaml:"agent"`
	Output  OutputConfig  `yaml:"output"`
	Influx  InfluxConfig  `yaml:"influx"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
}

// AgentConfig holds the agent connection and tracking configuration.
type AgentConfig struct {
	URL          string        `yaml:"url"`
	Mode         string        `yaml:"mode"`
	Lookahead    uint64        `yaml:"lookahead"`
	ReportEvery  uint64        `yaml:"report_every"`
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
	UserAgent    string        `yaml:"user_agent"`
}

// OutputConfig holds slice persistence configuration. Empty Dir and DB
// disable the file sink and the run journal.
type OutputConfig struct {
	Dir          string `yaml:"dir"`
	Compress     bool   `yaml:"compress"`
	PersistEvery uint64 `yaml:"persist_every"`
	DB           string `yaml:"db"`
}

// InfluxConfig holds InfluxDB sink configuration. An empty URL disables it.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether the InfluxDB sink is configured.
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// MetricsConfig holds the Prometheus endpoint configuration. An empty Addr
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns settings with every default applied.
func Defaults() Settings {
	return Settings{
		Agent: AgentConfig{
			URL:         DefaultAgentURL,
			Mode:        DefaultMode,
			Lookahead:   DefaultLookahead,
			ReportEvery: DefaultReportEvery,
			UserAgent:   DefaultUserAgent,
		},
		Output: OutputConfig{
			PersistEvery: DefaultPersistEvery,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

// New creates settings from defaults, the YAML file at path (skipped when
// path is empty) and environment variables, in that order of precedence.
// Returns an error if the file cannot be read or a value is invalid.
func New(path string) (Settings, error) {
	settings := Defaults()

	if path != "" {
		if err := loadFile(path, &settings); err != nil {
			return Settings{}, err
		}
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}

// Validate checks values that cannot be checked while parsing.
func (s Settings) Validate() error {
	if s.Agent.URL == "" {
		return fmt.Errorf("agent url must not be empty")
	}
	switch strings.ToLower(s.Agent.Mode) {
	case "parse", "traverse":
	default:
		return fmt.Errorf("invalid mode %q (expected parse or traverse)", s.Agent.Mode)
	}
	if s.Agent.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must not be negative: %s", s.Agent.FetchTimeout)
	}
	switch strings.ToLower(s.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (expected text or json)", s.Log.Format)
	}
	if s.Influx.Enabled() && s.Influx.Bucket == "" {
		return fmt.Errorf("influx bucket must be set when influx url is set")
	}
	return nil
}

// loadFile decodes a YAML file over the current settings.
func loadFile(path string, settings *Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides settings with any environment variables that are set.
func applyEnv(s *Settings) error {
	var err error

	s.Agent.URL = getEnvString("MTCOLLECT_AGENT_URL", s.Agent.URL)
	s.Agent.Mode = getEnvString("MTCOLLECT_MODE", s.Agent.Mode)
	s.Agent.UserAgent = getEnvString("MTCOLLECT_USER_AGENT", s.Agent.UserAgent)
	if s.Agent.Lookahead, err = getEnvUint64("MTCOLLECT_LOOKAHEAD", s.Agent.Lookahead); err != nil {
		return err
	}
	if s.Agent.ReportEvery, err = getEnvUint64("MTCOLLECT_REPORT_EVERY", s.Agent.ReportEvery); err != nil {
		return err
	}
	if s.Agent.FetchTimeout, err = getEnvDuration("MTCOLLECT_FETCH_TIMEOUT", s.Agent.FetchTimeout); err != nil {
		return err
	}

	s.Output.Dir = getEnvString("MTCOLLECT_OUTPUT_DIR", s.Output.Dir)
	s.Output.DB = getEnvString("MTCOLLECT_DB", s.Output.DB)
	if s.Output.Compress, err = getEnvBool("MTCOLLECT_COMPRESS", s.Output.Compress); err != nil {
		return err
	}
	if s.Output.PersistEvery, err = getEnvUint64("MTCOLLECT_PERSIST_EVERY", s.Output.PersistEvery); err != nil {
		return err
	}

	s.Influx.URL = getEnvString("INFLUXDB_URL", s.Influx.URL)
	s.Influx.Token = getEnvString("INFLUXDB_TOKEN", s.Influx.Token)
	s.Influx.Org = getEnvString("INFLUXDB_ORG", s.Influx.Org)
	s.Influx.Bucket = getEnvString("INFLUXDB_BUCKET", s.Influx.Bucket)

	s.Metrics.Addr = getEnvString("MTCOLLECT_METRICS_ADDR", s.Metrics.Addr)

	s.Log.Level = getEnvString("MTCOLLECT_LOG_LEVEL", s.Log.Level)
	s.Log.Format = getEnvString("MTCOLLECT_LOG_FORMAT", s.Log.Format)
	return nil
}

// Environment variable helpers with proper error handling

func getEnvString(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvUint64(key string, defaultVal uint64) (uint64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return d, nil
}
