// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/GermanBionicSystems/onewire/owbus"
	"gopkg.in/yaml.v3"
)

// Transports.
const (
	TransportGPIO     = "gpio"
	TransportDS248x   = "ds248x"
	TransportDS9097   = "ds9097"
	TransportSimGPIO  = "sim-gpio"
	TransportSimPulse = "sim-pulse"
	TransportSimUART  = "sim-uart"
)

// Config is the content of the configuration file.
type Config struct {
	Name      string       `yaml:"name"`
	Transport string       `yaml:"transport"`
	GPIO      GPIOConfig   `yaml:"gpio"`
	I2C       I2CConfig    `yaml:"i2c"`
	Serial    SerialConfig `yaml:"serial"`
	Search    SearchConfig `yaml:"search"`
	Sim       SimConfig    `yaml:"sim"`
}

// GPIOConfig is used by the gpio transport.
type GPIOConfig struct {
	Pin    string `yaml:"pin"`
	PullUp bool   `yaml:"pullup"`
}

// I2CConfig is used by the ds248x transport.
type I2CConfig struct {
	Bus     string `yaml:"bus"`
	Address uint16 `yaml:"address"`
	Channel *int   `yaml:"channel"` // DS2482-800 only
}

// SerialConfig is used by the ds9097 transport.
type SerialConfig struct {
	Port          string `yaml:"port"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
	// Reopen reopens the port at every baud rate change.
	Reopen bool `yaml:"reopen"`
}

// SearchConfig selects what is enumerated.
type SearchConfig struct {
	// Mode is "normal" or "conditional".
	Mode string `yaml:"mode"`
	// Family restricts the search to one family code.
	Family    *uint8 `yaml:"family"`
	VerifyCRC bool   `yaml:"verify_crc"`
}

// SimConfig describes the simulated bus.
type SimConfig struct {
	Devices []SimDevice `yaml:"devices"`
	// SampleThresholdUs is the read threshold of the sim-pulse transport.
	SampleThresholdUs int `yaml:"sample_threshold_us"`
}

// SimDevice is one simulated device.
type SimDevice struct {
	ROM   string `yaml:"rom"`
	Alarm bool   `yaml:"alarm"`
}

// defaultConfig is applied before the file is decoded.
func defaultConfig() Config {
	return Config{
		Name:      "onewire",
		Transport: TransportSimGPIO,
		I2C:       I2CConfig{Address: 0x18},
		Serial:    SerialConfig{ReadTimeoutMs: 3000},
		Search:    SearchConfig{Mode: "normal", VerifyCRC: true},
	}
}

// Load reads the configuration file at path. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse decodes a configuration.
func Parse(b []byte) (*Config, error) {
	cfg := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	switch cfg.Transport {
	case TransportGPIO:
		if cfg.GPIO.Pin == "" {
			return fmt.Errorf("transport %q: gpio.pin is required", cfg.Transport)
		}
	case TransportDS248x:
		switch cfg.I2C.Address {
		case 0x18, 0x19, 0x20, 0x21:
		default:
			return fmt.Errorf("transport %q: invalid i2c.address %#x", cfg.Transport, cfg.I2C.Address)
		}
		if c := cfg.I2C.Channel; c != nil && (*c < 0 || *c > 7) {
			return fmt.Errorf("transport %q: i2c.channel %d out of range 0..7", cfg.Transport, *c)
		}
	case TransportDS9097:
		if cfg.Serial.Port == "" {
			return fmt.Errorf("transport %q: serial.port is required", cfg.Transport)
		}
		if cfg.Serial.ReadTimeoutMs <= 0 {
			return fmt.Errorf("transport %q: serial.read_timeout_ms must be positive", cfg.Transport)
		}
	case TransportSimGPIO, TransportSimPulse, TransportSimUART:
		seen := map[owbus.ROM]int{}
		for i, d := range cfg.Sim.Devices {
			r, err := owbus.ParseROM(d.ROM)
			if err != nil {
				return fmt.Errorf("sim.devices[%d]: %w", i, err)
			}
			if j, ok := seen[r]; ok {
				return fmt.Errorf("sim.devices[%d]: rom %s already used by sim.devices[%d]", i, r, j)
			}
			seen[r] = i
		}
		if t := cfg.Sim.SampleThresholdUs; t != 0 && (t < 13 || t > 15) {
			return fmt.Errorf("sim.sample_threshold_us %d out of range 13..15", t)
		}
	case "":
		return errors.New("transport is required")
	default:
		return fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if _, err := cfg.Search.mode(); err != nil {
		return err
	}
	return nil
}

func (c *Config) isSim() bool {
	switch c.Transport {
	case TransportSimGPIO, TransportSimPulse, TransportSimUART:
		return true
	}
	return false
}

func (s *SearchConfig) mode() (owbus.SearchMode, error) {
	switch s.Mode {
	case "", "normal":
		return owbus.NormalSearch, nil
	case "conditional", "alarm":
		return owbus.ConditionalSearch, nil
	default:
		return owbus.NormalSearch, fmt.Errorf("search.mode %q: expected normal or conditional", s.Mode)
	}
}
