// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// owscan enumerates the devices on a 1-wire bus.
//
// The bus is described by a YAML file:
//
//	transport: ds248x
//	i2c:
//	  bus: "1"
//	  address: 0x18
//	search:
//	  mode: normal
//	  family: 0x28
//
// The sim-gpio, sim-pulse and sim-uart transports run on a simulated line
// whose devices are listed under sim.devices; -trace and -png show the slots
// sent on it.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/GermanBionicSystems/onewire/bitbang"
	"github.com/GermanBionicSystems/onewire/ds248x"
	"github.com/GermanBionicSystems/onewire/ds9097"
	"github.com/GermanBionicSystems/onewire/owbus"
	"github.com/GermanBionicSystems/onewire/owbustest"
	"github.com/GermanBionicSystems/onewire/pulse"
	"github.com/GermanBionicSystems/onewire/scope"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// bus is an opened transport.
type bus struct {
	t owbus.Transport
	// line is set for the simulated transports.
	line  *owbustest.Line
	close func() error
}

func open(cfg *Config) (*bus, error) {
	switch cfg.Transport {
	case TransportGPIO:
		p := gpioreg.ByName(cfg.GPIO.Pin)
		if p == nil {
			return nil, fmt.Errorf("no pin %q", cfg.GPIO.Pin)
		}
		opts := bitbang.DefaultOpts
		opts.PullUp = cfg.GPIO.PullUp
		d, err := bitbang.New(p, &opts)
		if err != nil {
			return nil, err
		}
		return &bus{t: d, close: d.Halt}, nil
	case TransportDS248x:
		b, err := i2creg.Open(cfg.I2C.Bus)
		if err != nil {
			return nil, err
		}
		d, err := ds248x.New(b, cfg.I2C.Address, &ds248x.DefaultOpts)
		if err != nil {
			b.Close()
			return nil, err
		}
		if cfg.I2C.Channel != nil {
			if err := d.ChannelSelect(*cfg.I2C.Channel); err != nil {
				b.Close()
				return nil, err
			}
		}
		return &bus{t: d, close: b.Close}, nil
	case TransportDS9097:
		opts := ds9097.Opts{
			ReadTimeout: time.Duration(cfg.Serial.ReadTimeoutMs) * time.Millisecond,
			Reopen:      cfg.Serial.Reopen,
		}
		d, err := ds9097.New(cfg.Serial.Port, &opts)
		if err != nil {
			return nil, err
		}
		return &bus{t: d, close: d.Halt}, nil
	}

	l := owbustest.New()
	for _, s := range cfg.Sim.Devices {
		d := owbustest.NewDevice(s.ROM)
		d.Alarm = s.Alarm
		l.Devices = append(l.Devices, d)
	}
	b := &bus{line: l, close: l.Halt}
	var err error
	switch cfg.Transport {
	case TransportSimGPIO:
		b.t, err = bitbang.New(l, &bitbang.Opts{Delay: l.Delay, Critical: l})
	case TransportSimPulse:
		opts := pulse.DefaultOpts
		if cfg.Sim.SampleThresholdUs != 0 {
			opts.SampleThreshold = time.Duration(cfg.Sim.SampleThresholdUs) * time.Microsecond
		}
		b.t, err = pulse.New(l.Peripheral(), &opts)
	case TransportSimUART:
		b.t, err = ds9097.NewOpener("sim", func(baud int) (ds9097.Port, error) {
			return l.OpenUART(baud), nil
		})
	default:
		err = fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// scan enumerates the bus and prints one line per device.
func scan(w io.Writer, cfg *Config, b *bus) ([]owbus.ROM, error) {
	mode, err := cfg.Search.mode()
	if err != nil {
		return nil, err
	}
	ob, err := owbus.New(b.t, &owbus.Opts{Name: cfg.Name, VerifyCRC: cfg.Search.VerifyCRC})
	if err != nil {
		return nil, err
	}
	var roms []owbus.ROM
	if f := cfg.Search.Family; f != nil {
		// A targeted search goes on to the next families once the requested
		// one is exhausted.
		ob.TargetSearch(*f)
		for {
			r, ok, err := ob.SearchNext(mode)
			if err != nil {
				return roms, err
			}
			if !ok || r.Family() != *f {
				break
			}
			roms = append(roms, r)
		}
	} else if roms, err = ob.Enumerate(mode); err != nil && !errors.Is(err, owbus.ErrCRC) {
		return roms, err
	}
	for _, r := range roms {
		verdict := "ok"
		if !r.Valid() {
			verdict = "bad crc"
		}
		if _, err := fmt.Fprintf(w, "%s family=%#02x %s\n", r, r.Family(), verdict); err != nil {
			return roms, err
		}
	}
	fmt.Fprintf(w, "%s: %d device(s) found with %s search\n", ob, len(roms), mode)
	return roms, nil
}

func main() {
	cfgPath := flag.String("config", "owscan.yaml", "configuration file")
	trace := flag.Bool("trace", false, "print the slots sent on a simulated line")
	png := flag.String("png", "", "write the slots sent on a simulated line to this PNG file")
	flag.Parse()
	if flag.NArg() != 0 {
		log.Fatal("usage: owscan [-config owscan.yaml] [-trace] [-png trace.png]")
	}

	cfg, err := Load(*cfgPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	if err := Validate(cfg); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}
	if !cfg.isSim() && (*trace || *png != "") {
		log.Fatal("-trace and -png require a simulated transport")
	}
	// Make sure periph is initialized.
	if _, err := host.Init(); err != nil {
		log.Fatal(err)
	}
	b, err := open(cfg)
	if err != nil {
		log.Fatalf("opening %s transport failed: %v", cfg.Transport, err)
	}
	defer b.close()

	if _, err := scan(os.Stdout, cfg, b); err != nil {
		log.Printf("scan failed: %v", err)
		return
	}
	if b.line == nil {
		return
	}
	slots := b.line.Trace()
	if *trace {
		d := scope.New(nil)
		if err := d.Show(slots); err != nil {
			log.Printf("trace failed: %v", err)
		}
		_ = d.Halt()
	}
	if *png != "" {
		img, err := scope.Plot(slots, &scope.PlotOpts{Scale: 2, Title: cfg.Name, FontSize: 12})
		if err == nil {
			err = scope.SavePNG(*png, img)
		}
		if err != nil {
			log.Printf("writing %s failed: %v", *png, err)
		}
	}
}
