// Package config loads the configuration of the streamload command: a YAML
// file, then STREAMR_* environment overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codewandler/streamr/core/streamer"
)

const (
	BackendMem  = "mem"
	BackendNATS = "nats"
)

type Config struct {
	Cache         string        `yaml:"cache"`
	Backend       string        `yaml:"backend"` // mem or nats
	Nodes         int           `yaml:"nodes"`
	Backups       int           `yaml:"backups"`
	Entries       int           `yaml:"entries"`
	ValueSize     int           `yaml:"value_size"`
	KillNodeAfter int           `yaml:"kill_node_after"` // entries; 0 keeps all nodes
	MetricsAddr   string        `yaml:"metrics_addr"`
	LogLevel      string        `yaml:"log_level"`
	Hook          string        `yaml:"hook"` // command run after the final flush
	HookTimeout   time.Duration `yaml:"hook_timeout"`

	NATS     NATSConfig     `yaml:"nats"`
	Streamer StreamerConfig `yaml:"streamer"`
}

type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Bucket        string `yaml:"bucket"`
}

type StreamerConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	PerNodeParallelism int           `yaml:"per_node_parallelism"`
	HighWaterMark      int           `yaml:"high_water_mark"`
	LowWaterMark       int           `yaml:"low_water_mark"`
	RetryLimit         int           `yaml:"retry_limit"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	SendTimeout        time.Duration `yaml:"send_timeout"`
	AutoFlushInterval  time.Duration `yaml:"auto_flush_interval"`
	Durability         string        `yaml:"durability"` // all or any
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Cache:       "default",
		Backend:     BackendMem,
		Nodes:       3,
		Backups:     1,
		Entries:     100_000,
		ValueSize:   64,
		LogLevel:    "info",
		HookTimeout: 10 * time.Second,
		NATS: NATSConfig{
			SubjectPrefix: "streamr",
		},
		Streamer: StreamerConfig{
			BatchSize:          streamer.DefaultBatchSize,
			PerNodeParallelism: streamer.DefaultPerNodeParallelism,
			HighWaterMark:      streamer.DefaultHighWaterMark,
			RetryLimit:         streamer.DefaultRetryLimit,
			RetryBackoff:       streamer.DefaultRetryBackoff,
			SendTimeout:        streamer.DefaultSendTimeout,
			Durability:         "all",
		},
	}
}

// Load reads path (optional) on top of Default and applies the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"STREAMR_CACHE":        &c.Cache,
		"STREAMR_BACKEND":      &c.Backend,
		"STREAMR_METRICS_ADDR": &c.MetricsAddr,
		"STREAMR_LOG_LEVEL":    &c.LogLevel,
		"STREAMR_HOOK":         &c.Hook,
		"STREAMR_NATS_URL":     &c.NATS.URL,
		"STREAMR_DURABILITY":   &c.Streamer.Durability,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"STREAMR_NODES":           &c.Nodes,
		"STREAMR_BACKUPS":         &c.Backups,
		"STREAMR_ENTRIES":         &c.Entries,
		"STREAMR_KILL_NODE_AFTER": &c.KillNodeAfter,
		"STREAMR_BATCH_SIZE":      &c.Streamer.BatchSize,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

func (c Config) Validate() error {
	switch {
	case c.Cache == "":
		return fmt.Errorf("config: cache is required")
	case c.Backend != BackendMem && c.Backend != BackendNATS:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	case c.Nodes < 1:
		return fmt.Errorf("config: nodes must be >= 1")
	case c.Backups < 0 || c.Backups >= c.Nodes:
		return fmt.Errorf("config: backups must be in [0, nodes)")
	case c.Entries < 0:
		return fmt.Errorf("config: entries must be >= 0")
	case c.KillNodeAfter < 0:
		return fmt.Errorf("config: kill_node_after must be >= 0")
	}
	_, err := c.Streamer.durability()
	return err
}

func (s StreamerConfig) durability() (streamer.Durability, error) {
	switch s.Durability {
	case "", "all":
		return streamer.DurabilityAll, nil
	case "any":
		return streamer.DurabilityAny, nil
	default:
		return 0, fmt.Errorf("config: unknown durability %q", s.Durability)
	}
}

// Apply copies the tuning knobs onto o.
func (s StreamerConfig) Apply(o *streamer.Options) error {
	d, err := s.durability()
	if err != nil {
		return err
	}
	o.BatchSize = s.BatchSize
	o.PerNodeParallelism = s.PerNodeParallelism
	o.HighWaterMark = s.HighWaterMark
	o.LowWaterMark = s.LowWaterMark
	o.RetryLimit = s.RetryLimit
	o.RetryBackoff = s.RetryBackoff
	o.SendTimeout = s.SendTimeout
	o.AutoFlushInterval = s.AutoFlushInterval
	o.Durability = d
	return nil
}
