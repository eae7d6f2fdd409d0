package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can use the usual "10s"
// notation.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the daemon configuration, loaded from YAML with environment
// overrides for the deployment-specific values.
type Config struct {
	Ontime struct {
		Host            string   `yaml:"host"`
		Port            int      `yaml:"port"`
		SendTimeout     Duration `yaml:"send_timeout"`
		ReconnectMin    Duration `yaml:"reconnect_min"`
		ReconnectMax    Duration `yaml:"reconnect_max"`
		StabilityWindow Duration `yaml:"stability_window"`
	} `yaml:"ontime"`

	HTTP struct {
		Listen string `yaml:"listen"`
	} `yaml:"http"`

	NATS struct {
		// URL enables the notification surface when set; empty disables
		// NATS entirely.
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Hub struct {
		QueueDepth int `yaml:"queue_depth"`
	} `yaml:"hub"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func defaultConfig() Config {
	var cfg Config
	cfg.Ontime.Host = "localhost"
	cfg.Ontime.Port = 4001
	cfg.Ontime.SendTimeout = Duration(10 * time.Second)
	cfg.Ontime.ReconnectMin = Duration(time.Second)
	cfg.Ontime.ReconnectMax = Duration(30 * time.Second)
	cfg.Ontime.StabilityWindow = Duration(60 * time.Second)
	cfg.HTTP.Listen = ":8099"
	cfg.Hub.QueueDepth = 16
	cfg.Log.Level = "info"
	return cfg
}

func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Ontime.Host = getEnv("ONTIME_HOST", cfg.Ontime.Host)
	cfg.Ontime.Port = getEnvAsInt("ONTIME_PORT", cfg.Ontime.Port)
	cfg.HTTP.Listen = getEnv("BRIDGE_LISTEN", cfg.HTTP.Listen)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)

	if cfg.Ontime.Host == "" {
		return cfg, fmt.Errorf("ontime host is required")
	}
	if cfg.Ontime.Port <= 0 || cfg.Ontime.Port > 65535 {
		return cfg, fmt.Errorf("ontime port %d out of range", cfg.Ontime.Port)
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
