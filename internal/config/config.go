// Package config loads daemon settings from defaults and an optional YAML file.
// Command-line flags are applied on top by cmd/squat-counter.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/squat-counter/internal/gpio"
	"github.com/sweeney/squat-counter/internal/logger"
	"github.com/sweeney/squat-counter/internal/logic"
	"github.com/sweeney/squat-counter/internal/sensor"
)

// Config is the full daemon configuration.
type Config struct {
	Sensor    SensorConfig   `yaml:"sensor"`
	Detector  DetectorConfig `yaml:"detector"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Heartbeat time.Duration  `yaml:"heartbeat"`
	HTTPAddr  string         `yaml:"http"`
	ResetPin  int            `yaml:"reset_pin"` // negative disables the button
	EnvFile   string         `yaml:"env_file"`
	Log       logger.Config  `yaml:"log"`
}

// SensorConfig selects where readings come from.
type SensorConfig struct {
	Device   string        `yaml:"device"`
	Interval time.Duration `yaml:"interval"`
	Replay   string        `yaml:"replay"` // trace file; overrides Device
}

// DetectorConfig mirrors logic.Params.
type DetectorConfig struct {
	WindowSize       int     `yaml:"window_size"`
	Accuracy         float32 `yaml:"accuracy"`
	RecalibrateEvery int     `yaml:"recalibrate_every"`
}

// MQTTConfig configures publishing. An empty Broker disables MQTT.
type MQTTConfig struct {
	Broker     string `yaml:"broker"`
	ClientID   string `yaml:"client_id"`
	BufferSize int    `yaml:"buffer_size"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Sensor: SensorConfig{
			Device:   sensor.DefaultDevice,
			Interval: sensor.DefaultInterval,
		},
		Detector: DetectorConfig{
			WindowSize: logic.DefaultWindowSize,
			Accuracy:   logic.DefaultAccuracy,
		},
		MQTT: MQTTConfig{
			Broker:     "tcp://192.168.1.200:1883",
			ClientID:   "squat-counter",
			BufferSize: 100,
		},
		Heartbeat: 15 * time.Minute,
		HTTPAddr:  ":80",
		ResetPin:  gpio.DefaultPinReset,
		EnvFile:   "/run/pi-helper.env",
		Log: logger.Config{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}
	return cfg, nil
}

// Params returns the detector tuning.
func (c Config) Params() logic.Params {
	return logic.Params{
		WindowSize:       c.Detector.WindowSize,
		Accuracy:         c.Detector.Accuracy,
		RecalibrateEvery: c.Detector.RecalibrateEvery,
	}
}

// Validate checks settings that would otherwise fail at runtime.
func (c Config) Validate() error {
	if err := c.Params().Validate(); err != nil {
		return err
	}
	if c.Sensor.Interval <= 0 {
		return errors.Errorf("sensor interval %v must be positive", c.Sensor.Interval)
	}
	if c.Sensor.Replay == "" && c.Sensor.Device == "" {
		return errors.New("sensor device or replay file required")
	}
	if c.Heartbeat < 0 {
		return errors.Errorf("heartbeat %v must not be negative", c.Heartbeat)
	}
	if c.MQTT.Broker != "" && c.MQTT.BufferSize < 1 {
		return errors.Errorf("mqtt buffer size %d must be at least 1", c.MQTT.BufferSize)
	}
	return nil
}
