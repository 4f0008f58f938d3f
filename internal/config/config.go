package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
	"vxi11-gpib-server/internal/gpib"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	GPIB      GPIBConfig      `yaml:"gpib"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	MaxPayload     int           `yaml:"max_payload"`
}

type GPIBConfig struct {
	Backend string `yaml:"backend"`
	Board   int    `yaml:"board"`
	// RootName defaults to gpib<board>.
	RootName string `yaml:"root_name"`
	// Units lists the primary addresses that get a device handler.
	Units       []int     `yaml:"units"`
	TimeoutCode int       `yaml:"timeout_code"`
	SendEOI     bool      `yaml:"send_eoi"`
	EOS         int       `yaml:"eos"`
	ReadChunk   int       `yaml:"read_chunk"`
	Sim         SimConfig `yaml:"sim"`
}

type SimConfig struct {
	Instruments []SimInstrumentConfig `yaml:"instruments"`
}

type SimInstrumentConfig struct {
	Unit int    `yaml:"unit"`
	IDN  string `yaml:"idn"`
	Echo bool   `yaml:"echo"`
}

type RedisConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	Channel    string `yaml:"channel"`
	HistoryLen int    `yaml:"history_len"`
	Encoding   string `yaml:"encoding"`
	// BatchSize above 1 publishes records asynchronously in batches.
	BatchSize      int           `yaml:"batch_size"`
	BatchInterval  time.Duration `yaml:"batch_interval"`
	QueueLen       int           `yaml:"queue_len"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type MonitorConfig struct {
	Enabled     bool `yaml:"enabled"`
	MetricsPort int  `yaml:"metrics_port"`
}

type DiscoveryConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance"`
	Service   string `yaml:"service"`
	Domain    string `yaml:"domain"`
	Interface string `yaml:"interface"`
}

// LoadConfig reads path over the defaults, so a partial file is enough.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := GetDefaultConfig()
	config.GPIB.RootName = ""
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if config.GPIB.RootName == "" {
		config.GPIB.RootName = gpib.BoardName(config.GPIB.Board)
	}

	return config, nil
}

// GetDefaultConfig returns the default configuration.
func GetDefaultConfig() *Config {
	units := make([]int, 31)
	for i := range units {
		units[i] = i
	}

	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           5025,
			MaxConnections: 64,
			ReadTimeout:    5 * time.Minute,
			WriteTimeout:   30 * time.Second,
			KeepAlive:      180 * time.Second,
			MaxPayload:     1 << 20,
		},
		GPIB: GPIBConfig{
			Backend:     "linux",
			Board:       0,
			RootName:    "gpib0",
			Units:       units,
			TimeoutCode: 14,
			SendEOI:     true,
			EOS:         0x40a,
			ReadChunk:   1000,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			Password:   "",
			DB:         0,
			PoolSize:   10,
			Channel:    "gpib_activity",
			HistoryLen: 1000,
			Encoding:   "json",

			BatchSize:      32,
			BatchInterval:  200 * time.Millisecond,
			QueueLen:       1024,
			PublishTimeout: 2 * time.Second,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Monitor: MonitorConfig{
			Enabled:     true,
			MetricsPort: 9090,
		},
		Discovery: DiscoveryConfig{
			Enabled:  false,
			Instance: "GPIB gateway",
			Service:  "_gpiblink._tcp",
			Domain:   "local.",
		},
	}
}

// ApplyEnvOverrides applies VXIGPIB_* environment variables.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VXIGPIB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VXIGPIB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("VXIGPIB_BACKEND"); v != "" {
		cfg.GPIB.Backend = v
	}
	if v := os.Getenv("VXIGPIB_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
}

// Validate checks the values the server cannot run without.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.max_connections must be positive")
	}
	if c.Server.MaxPayload <= 0 {
		return fmt.Errorf("server.max_payload must be positive")
	}

	switch c.GPIB.Backend {
	case "linux", "sim":
	default:
		return fmt.Errorf("gpib.backend %q: want linux or sim", c.GPIB.Backend)
	}
	if c.GPIB.Board < 0 {
		return fmt.Errorf("gpib.board must not be negative")
	}
	if want := gpib.BoardName(c.GPIB.Board); c.GPIB.RootName != want {
		return fmt.Errorf("gpib.root_name %q does not match board %d (want %q)", c.GPIB.RootName, c.GPIB.Board, want)
	}
	for _, u := range c.GPIB.Units {
		if u < 0 || u > 30 {
			return fmt.Errorf("gpib.units: primary address %d out of range 0-30", u)
		}
	}
	if c.GPIB.TimeoutCode < 0 || c.GPIB.TimeoutCode > 17 {
		return fmt.Errorf("gpib.timeout_code %d out of range 0-17", c.GPIB.TimeoutCode)
	}
	if c.GPIB.ReadChunk <= 0 {
		return fmt.Errorf("gpib.read_chunk must be positive")
	}

	if c.Redis.Enabled {
		switch c.Redis.Encoding {
		case "json", "cbor":
		default:
			return fmt.Errorf("redis.encoding %q: want json or cbor", c.Redis.Encoding)
		}
		if c.Redis.Channel == "" {
			return fmt.Errorf("redis.channel is empty")
		}
	}

	if c.Monitor.Enabled && (c.Monitor.MetricsPort <= 0 || c.Monitor.MetricsPort > 65535) {
		return fmt.Errorf("monitor.metrics_port %d out of range", c.Monitor.MetricsPort)
	}
	return nil
}
