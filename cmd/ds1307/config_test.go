package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func writeConfig(c *qt.C, data string) string {
	path := filepath.Join(c.TempDir(), "ds1307.yaml")
	c.Assert(os.WriteFile(path, []byte(data), 0o666), qt.IsNil)
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	c := qt.New(t)
	cfg, err := loadConfig("")
	c.Assert(err, qt.IsNil)
	c.Assert(cfg, qt.DeepEquals, defaultConfig())
	c.Assert(cfg.Address, qt.Equals, uint8(0x68))
}

func TestLoadConfig(t *testing.T) {
	c := qt.New(t)
	path := writeConfig(c, `
backend: i2cdev
port: /dev/i2c-1
address: 0x50
timeout: 2s
settle: 250ms
ntp_host: time.example.com
interval: 1m
mqtt:
  broker: tcp://broker:1883
  topic: home/rtc
`)
	cfg, err := loadConfig(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg, qt.DeepEquals, Config{
		Backend:  "i2cdev",
		Port:     "/dev/i2c-1",
		Address:  0x50,
		Timeout:  2 * time.Second,
		Settle:   250 * time.Millisecond,
		NTPHost:  "time.example.com",
		Interval: time.Minute,
		MQTT: MQTTConfig{
			Broker:   "tcp://broker:1883",
			Topic:    "home/rtc",
			ClientID: "ds1307",
		},
	})
}

func TestLoadConfigErrors(t *testing.T) {
	c := qt.New(t)
	_, err := loadConfig(filepath.Join(c.TempDir(), "missing.yaml"))
	c.Assert(os.IsNotExist(err), qt.IsTrue)

	_, err = loadConfig(writeConfig(c, "backend: spi\n"))
	c.Assert(err, qt.ErrorMatches, `.*ds1307.yaml: unknown backend "spi"`)

	_, err = loadConfig(writeConfig(c, "interval: 0s\n"))
	c.Assert(err, qt.ErrorMatches, `.*: interval must be positive`)

	_, err = loadConfig(writeConfig(c, "timeout: soon\n"))
	c.Assert(err, qt.ErrorMatches, `cannot parse .*`)
}
