package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajanata/drivers/ds1307"
)

// Config holds the settings read from the configuration file. Command line flags override
// them.
type Config struct {
	// Backend selects how the RTC is reached: "telemetrix", "i2cdev" or "periph".
	Backend string `yaml:"backend"`
	// Port is the serial port for telemetrix, the device file for i2cdev, or the bus name
	// for periph.
	Port string `yaml:"port"`
	// Address is the RTC's I2C address.
	Address uint8 `yaml:"address"`
	// Timeout bounds each read of the RTC.
	Timeout time.Duration `yaml:"timeout"`
	// Settle is the wait after configuring the bus.
	Settle time.Duration `yaml:"settle"`
	// NTPHost is the server used by sync-ntp.
	NTPHost string `yaml:"ntp_host"`
	// Interval is the polling period of publish.
	Interval time.Duration `yaml:"interval"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

func defaultConfig() Config {
	return Config{
		Backend:  "telemetrix",
		Port:     "/dev/ttyACM0",
		Address:  ds1307.Address,
		Timeout:  5 * time.Second,
		NTPHost:  "pool.ntp.org",
		Interval: 10 * time.Second,
		MQTT: MQTTConfig{
			Broker:   "tcp://localhost:1883",
			Topic:    "ds1307/time",
			ClientID: "ds1307",
		},
	}
}

// loadConfig reads path over the defaults. An empty path returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("cannot parse %s: %v", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %v", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Backend {
	case "telemetrix", "i2cdev", "periph":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	return nil
}
