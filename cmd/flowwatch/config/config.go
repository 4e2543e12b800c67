// Package config parses flowwatch configuration.
//
// Flags take precedence over environment variables, which take precedence
// over defaults. A .env file in the working directory is loaded by main
// before parsing, so it behaves like the environment.
//
// Single-meter mode uses --meter plus the detection flags. Multi-meter mode
// reads a YAML file given with --config-file:
//
//	defaults:
//	  granularity: 15T
//	  periodWindow: 336h
//	  threshold: 0.01
//	  mnfStart: "02:00"
//	  mnfEnd: "04:00"
//	meters:
//	  - name: "0012345"
//	    adapter: prometheus
//	    adapterConfig:
//	      query: meter_consumption{msn="0012345"}
//	  - name: "0098765"
//	    adapter: postgres
//	    threshold: 0.02
//
// Each meter starts from the flag/env values, then the file defaults, then
// its own entry. adapterConfig maps are merged key by key.
//
// Adapter settings for single-meter mode come from ADAPTER_* variables,
// e.g. ADAPTER_QUERY → query, ADAPTER_IMPUTED_QUERY → imputedQuery.
package config

import (
	"errors"
	"flag"
	"fmt"
	"maps"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/HatiCode/flowwatch/pkg/flow"
	"github.com/HatiCode/flowwatch/pkg/mnf"
	"github.com/HatiCode/flowwatch/pkg/mtls"
	"github.com/HatiCode/flowwatch/pkg/storage"
)

// Config holds process-wide settings plus the single-meter defaults.
type Config struct {
	Listen     string
	GRPCListen string
	LogFormat  string
	LogLevel   string
	Once       bool

	Storage       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StoreTTL      time.Duration

	TLS         mtls.Config
	UpstreamTLS mtls.Config

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
	MQTTQoS         int

	ConfigFile string

	Meter         string
	Adapter       string
	AdapterConfig map[string]string
	Threshold     float64
	Period        int
	PeriodWindow  time.Duration
	Granularity   string
	Interval      time.Duration
	History       time.Duration
	MNFStart      string
	MNFEnd        string
	Timezone      string
	Concurrency   int
}

// MeterConfig is the validated configuration of one monitored meter.
type MeterConfig struct {
	Name          string
	Adapter       string
	AdapterConfig map[string]string
	Threshold     float64
	Period        int
	Granularity   time.Duration
	Interval      time.Duration
	History       time.Duration
	MNF           mnf.Window
	Location      *time.Location
}

// Window returns the detection window as a duration.
func (m MeterConfig) Window() time.Duration {
	return time.Duration(m.Period) * m.Granularity
}

// Parse parses args (without the program name) and the environment.
func Parse(args []string) (*Config, error) {
	cfg := &Config{}
	fs := flag.NewFlagSet("flowwatch", flag.ContinueOnError)

	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8082"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":8083"), "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	fs.BoolVar(&cfg.Once, "once", getEnvBool("ONCE", false), "Run one detection pass for every meter, print the events and exit")

	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Storage backend: memory or redis")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis server address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.StoreTTL, "store-ttl", getEnvDuration("STORE_TTL", getEnvDuration("REDIS_TTL", 24*time.Hour)), "Report TTL for memory and redis storage (<= 0 keeps reports forever)")

	fs.BoolVar(&cfg.TLS.Enabled, "tls-enabled", getEnvBool("TLS_ENABLED", false), "Serve HTTP and gRPC with mutual TLS")
	fs.StringVar(&cfg.TLS.CertFile, "tls-cert-file", getEnv("TLS_CERT_FILE", ""), "Server certificate file")
	fs.StringVar(&cfg.TLS.KeyFile, "tls-key-file", getEnv("TLS_KEY_FILE", ""), "Server private key file")
	fs.StringVar(&cfg.TLS.CAFile, "tls-ca-file", getEnv("TLS_CA_FILE", ""), "CA file for client verification")

	fs.BoolVar(&cfg.UpstreamTLS.Enabled, "upstream-tls-enabled", getEnvBool("UPSTREAM_TLS_ENABLED", false), "Present a client certificate to HTTP data sources")
	fs.StringVar(&cfg.UpstreamTLS.CertFile, "upstream-tls-cert-file", getEnv("UPSTREAM_TLS_CERT_FILE", ""), "Client certificate file")
	fs.StringVar(&cfg.UpstreamTLS.KeyFile, "upstream-tls-key-file", getEnv("UPSTREAM_TLS_KEY_FILE", ""), "Client private key file")
	fs.StringVar(&cfg.UpstreamTLS.CAFile, "upstream-tls-ca-file", getEnv("UPSTREAM_TLS_CA_FILE", ""), "CA file for server verification")

	fs.StringVar(&cfg.MQTTBroker, "mqtt-broker", getEnv("MQTT_BROKER", ""), "MQTT broker URL for event notifications, e.g. tcp://mosquitto:1883")
	fs.StringVar(&cfg.MQTTClientID, "mqtt-client-id", getEnv("MQTT_CLIENT_ID", "flowwatch"), "MQTT client id")
	fs.StringVar(&cfg.MQTTUsername, "mqtt-username", getEnv("MQTT_USERNAME", ""), "MQTT username")
	fs.StringVar(&cfg.MQTTPassword, "mqtt-password", getEnv("MQTT_PASSWORD", ""), "MQTT password")
	fs.StringVar(&cfg.MQTTTopicPrefix, "mqtt-topic-prefix", getEnv("MQTT_TOPIC_PREFIX", "flowwatch"), "MQTT topic prefix")
	fs.IntVar(&cfg.MQTTQoS, "mqtt-qos", getEnvInt("MQTT_QOS", 1), "MQTT QoS (0, 1 or 2)")

	fs.StringVar(&cfg.ConfigFile, "config-file", getEnv("CONFIG_FILE", ""), "YAML file listing meters")

	fs.StringVar(&cfg.Meter, "meter", getEnv("METER", ""), "Meter id (single-meter mode)")
	fs.StringVar(&cfg.Adapter, "adapter", getEnv("ADAPTER", ""), "Adapter: prometheus, victoriametrics, http or postgres")
	fs.Float64Var(&cfg.Threshold, "threshold", getEnvFloat("THRESHOLD", 0), "Minimum consumption every sample of a window must reach")
	fs.IntVar(&cfg.Period, "period", getEnvInt("PERIOD", 0), "Window length in samples")
	fs.DurationVar(&cfg.PeriodWindow, "period-window", getEnvDuration("PERIOD_WINDOW", 14*24*time.Hour), "Window length as a duration, used when --period is 0")
	fs.StringVar(&cfg.Granularity, "granularity", getEnv("GRANULARITY", "15m"), "Sample spacing, e.g. 15m, 15T, 1H")
	fs.DurationVar(&cfg.Interval, "interval", getEnvDuration("INTERVAL", 15*time.Minute), "Detection interval")
	fs.DurationVar(&cfg.History, "history", getEnvDuration("HISTORY", 30*24*time.Hour), "Reading history collected per tick")
	fs.StringVar(&cfg.MNFStart, "mnf-start", getEnv("MNF_START", "02:00"), "Start of the minimum night flow window")
	fs.StringVar(&cfg.MNFEnd, "mnf-end", getEnv("MNF_END", "04:00"), "End of the minimum night flow window")
	fs.StringVar(&cfg.Timezone, "timezone", getEnv("TIMEZONE", "UTC"), "Time zone of meter dates")
	fs.IntVar(&cfg.Concurrency, "concurrency", getEnvInt("CONCURRENCY", 8), "Meters processed at once in --once mode")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.AdapterConfig = parseAdapterConfig(os.Environ())

	if cfg.Meter == "" && cfg.ConfigFile == "" {
		return nil, errors.New("either --meter or --config-file is required")
	}
	if cfg.Storage != "memory" && cfg.Storage != "redis" {
		return nil, fmt.Errorf("invalid storage %q (must be memory or redis)", cfg.Storage)
	}
	if cfg.MQTTQoS < 0 || cfg.MQTTQoS > 2 {
		return nil, fmt.Errorf("invalid mqtt qos %d", cfg.MQTTQoS)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if err := cfg.TLS.Validate(); err != nil {
		return nil, fmt.Errorf("tls: %w", err)
	}
	if err := cfg.UpstreamTLS.Validate(); err != nil {
		return nil, fmt.Errorf("upstream tls: %w", err)
	}

	return cfg, nil
}

// parseAdapterConfig turns ADAPTER_FOO_BAR=x into {"fooBar": "x"}. ADAPTER
// itself selects the adapter kind and is skipped.
func parseAdapterConfig(environ []string) map[string]string {
	config := make(map[string]string)
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, "ADAPTER_") || len(key) == len("ADAPTER_") {
			continue
		}
		config[toLowerCamelCase(strings.TrimPrefix(key, "ADAPTER_"))] = value
	}
	return config
}

func toLowerCamelCase(s string) string {
	parts := strings.Split(strings.ToLower(s), "_")
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i > 0 && b.Len() > 0 {
			b.WriteString(strings.ToUpper(p[:1]) + p[1:])
			continue
		}
		b.WriteString(p)
	}
	return b.String()
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

// meterFields are the per-meter settings in their unparsed form. Zero values
// mean "inherit".
type meterFields struct {
	Adapter       string            `yaml:"adapter"`
	AdapterConfig map[string]string `yaml:"adapterConfig"`
	Threshold     *float64          `yaml:"threshold"`
	Period        int               `yaml:"period"`
	PeriodWindow  string            `yaml:"periodWindow"`
	Granularity   string            `yaml:"granularity"`
	Interval      string            `yaml:"interval"`
	History       string            `yaml:"history"`
	MNFStart      string            `yaml:"mnfStart"`
	MNFEnd        string            `yaml:"mnfEnd"`
	Timezone      string            `yaml:"timezone"`
}

type meterEntry struct {
	Name        string `yaml:"name"`
	meterFields `yaml:",inline"`
}

type fileConfig struct {
	Defaults meterFields  `yaml:"defaults"`
	Meters   []meterEntry `yaml:"meters"`
}

func (f meterFields) overlay(o meterFields) meterFields {
	if o.Adapter != "" {
		f.Adapter = o.Adapter
	}
	if len(o.AdapterConfig) > 0 {
		merged := make(map[string]string, len(f.AdapterConfig)+len(o.AdapterConfig))
		maps.Copy(merged, f.AdapterConfig)
		maps.Copy(merged, o.AdapterConfig)
		f.AdapterConfig = merged
	}
	if o.Threshold != nil {
		f.Threshold = o.Threshold
	}
	// An explicit period wins over an inherited period window and vice versa.
	if o.Period > 0 {
		f.Period, f.PeriodWindow = o.Period, ""
	}
	if o.PeriodWindow != "" {
		f.PeriodWindow, f.Period = o.PeriodWindow, 0
	}
	if o.Granularity != "" {
		f.Granularity = o.Granularity
	}
	if o.Interval != "" {
		f.Interval = o.Interval
	}
	if o.History != "" {
		f.History = o.History
	}
	if o.MNFStart != "" {
		f.MNFStart = o.MNFStart
	}
	if o.MNFEnd != "" {
		f.MNFEnd = o.MNFEnd
	}
	if o.Timezone != "" {
		f.Timezone = o.Timezone
	}
	return f
}

func (c *Config) baseFields() meterFields {
	threshold := c.Threshold
	f := meterFields{
		Adapter:       c.Adapter,
		AdapterConfig: c.AdapterConfig,
		Threshold:     &threshold,
		Period:        c.Period,
		Granularity:   c.Granularity,
		Interval:      c.Interval.String(),
		History:       c.History.String(),
		MNFStart:      c.MNFStart,
		MNFEnd:        c.MNFEnd,
		Timezone:      c.Timezone,
	}
	if c.Period <= 0 && c.PeriodWindow > 0 {
		f.PeriodWindow = c.PeriodWindow.String()
	}
	return f
}

// LoadMeters returns the validated meters: the entries of ConfigFile when
// set, otherwise the single meter described by the flags.
func LoadMeters(cfg *Config) ([]MeterConfig, error) {
	base := cfg.baseFields()

	if cfg.ConfigFile == "" {
		m, err := resolveMeter(cfg.Meter, base, 0)
		if err != nil {
			return nil, err
		}
		return []MeterConfig{m}, nil
	}

	data, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseMetersFile(data, base)
}

func parseMetersFile(data []byte, base meterFields) ([]MeterConfig, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if len(fc.Meters) == 0 {
		return nil, errors.New("config file lists no meters")
	}

	defaults := base.overlay(fc.Defaults)
	seen := make(map[string]bool, len(fc.Meters))
	meters := make([]MeterConfig, 0, len(fc.Meters))

	for i, entry := range fc.Meters {
		m, err := resolveMeter(entry.Name, defaults.overlay(entry.meterFields), i)
		if err != nil {
			return nil, err
		}
		if seen[m.Name] {
			return nil, fmt.Errorf("meter[%d]: duplicate meter %q", i, m.Name)
		}
		seen[m.Name] = true
		meters = append(meters, m)
	}
	return meters, nil
}

func resolveMeter(name string, f meterFields, index int) (MeterConfig, error) {
	if name == "" {
		return MeterConfig{}, fmt.Errorf("meter[%d]: name cannot be empty", index)
	}
	if !storage.ValidMeterID(name) {
		return MeterConfig{}, fmt.Errorf("meter[%d]: invalid name %q (must be alphanumeric with dash/underscore, 1-253 chars)", index, name)
	}
	if f.Adapter == "" {
		return MeterConfig{}, fmt.Errorf("meter %q: adapter cannot be empty", name)
	}

	m := MeterConfig{
		Name:          name,
		Adapter:       f.Adapter,
		AdapterConfig: make(map[string]string, len(f.AdapterConfig)+1),
	}
	maps.Copy(m.AdapterConfig, f.AdapterConfig)
	if m.Adapter == "postgres" && m.AdapterConfig["msn"] == "" {
		m.AdapterConfig["msn"] = name
	}
	if f.Threshold != nil {
		m.Threshold = *f.Threshold
	}
	if math.IsNaN(m.Threshold) {
		return MeterConfig{}, fmt.Errorf("meter %q: threshold must be a number", name)
	}

	var err error
	if m.Granularity, err = flow.ParseGranularity(f.Granularity); err != nil {
		return MeterConfig{}, fmt.Errorf("meter %q: %w", name, err)
	}

	switch {
	case f.Period > 0:
		m.Period = f.Period
	case f.PeriodWindow != "":
		window, err := time.ParseDuration(f.PeriodWindow)
		if err != nil {
			return MeterConfig{}, fmt.Errorf("meter %q: invalid periodWindow: %w", name, err)
		}
		if m.Period, err = flow.PeriodFor(window, m.Granularity); err != nil {
			return MeterConfig{}, fmt.Errorf("meter %q: %w", name, err)
		}
	default:
		return MeterConfig{}, fmt.Errorf("meter %q: period must be > 0", name)
	}

	if m.Interval, err = parseOptionalDuration(f.Interval); err != nil {
		return MeterConfig{}, fmt.Errorf("meter %q: invalid interval: %w", name, err)
	}
	if m.Interval <= 0 {
		m.Interval = m.Granularity
	}

	if m.History, err = parseOptionalDuration(f.History); err != nil {
		return MeterConfig{}, fmt.Errorf("meter %q: invalid history: %w", name, err)
	}
	minHistory := time.Duration(m.Period+1) * m.Granularity
	if m.History <= 0 {
		m.History = 2 * m.Window()
	}
	if m.History < minHistory {
		return MeterConfig{}, fmt.Errorf("meter %q: history (%v) must cover at least one window plus one sample (%v)", name, m.History, minHistory)
	}

	if m.MNF.Start, err = mnf.ParseClock(f.MNFStart); err != nil {
		return MeterConfig{}, fmt.Errorf("meter %q: %w", name, err)
	}
	if m.MNF.End, err = mnf.ParseClock(f.MNFEnd); err != nil {
		return MeterConfig{}, fmt.Errorf("meter %q: %w", name, err)
	}
	if err := m.MNF.Validate(); err != nil {
		return MeterConfig{}, fmt.Errorf("meter %q: %w", name, err)
	}

	tz := f.Timezone
	if tz == "" {
		tz = "UTC"
	}
	if m.Location, err = time.LoadLocation(tz); err != nil {
		return MeterConfig{}, fmt.Errorf("meter %q: invalid timezone: %w", name, err)
	}

	return m, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
