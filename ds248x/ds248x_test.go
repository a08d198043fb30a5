// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package ds248x

import (
	"errors"
	"testing"
	"time"

	"github.com/GermanBionicSystems/onewire/owbus"
	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/onewire"
)

const addr uint16 = 0x18

// initDS2483 is the initialization sequence of a DS2483 with DefaultOpts.
func initDS2483() []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: addr, W: []byte{cmdReset}},
		{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x18}},
		{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}, R: []byte{0x01}},
		{Addr: addr, W: []byte{cmdSetReadPtr, regPCR}},
		{Addr: addr, W: []byte{cmdAdjPort, 0x06, 0x26, 0x46, 0x66, 0x86}},
	}
}

func status(v byte) i2ctest.IO {
	return i2ctest.IO{Addr: addr, R: []byte{v}}
}

func newDev(t *testing.T, ops ...i2ctest.IO) (*Dev, *i2ctest.Playback) {
	sleep = func(time.Duration) {}
	t.Cleanup(func() { sleep = time.Sleep })
	bus := &i2ctest.Playback{Ops: append(initDS2483(), ops...)}
	d, err := New(bus, addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d, bus
}

func TestNew_address(t *testing.T) {
	if d, err := New(&i2ctest.Playback{}, 0x30, nil); d != nil || err == nil {
		t.Fatal("invalid address accepted")
	}
}

func TestNew_status(t *testing.T) {
	bus := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: addr, W: []byte{cmdReset}},
			{Addr: addr, W: []byte{cmdSetReadPtr, regStatus}, R: []byte{0x00}},
		},
	}
	if d, err := New(bus, addr, nil); d != nil || err == nil {
		t.Fatal("invalid status accepted")
	}
}

func TestNew_ds2483(t *testing.T) {
	d, bus := newDev(t)
	if s := d.String(); s != "DS2483{playback(24)}" {
		t.Fatal(s)
	}
	if ch := d.SelectedChannel(); ch != 0 {
		t.Fatal(ch)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestReset(t *testing.T) {
	data := []struct {
		status  byte
		present bool
		err     error
	}{
		{0x02, true, nil},
		{0x00, false, nil},
		{0x04, false, owbus.ErrShorted},
	}
	for _, line := range data {
		d, bus := newDev(t,
			i2ctest.IO{Addr: addr, W: []byte{cmd1WReset}},
			status(0x01),
			status(line.status),
		)
		present, err := d.Reset()
		if present != line.present || !errors.Is(err, line.err) {
			t.Fatalf("status %#x: got %t, %v", line.status, present, err)
		}
		if err := bus.Close(); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReset_shorted(t *testing.T) {
	d, _ := newDev(t, i2ctest.IO{Addr: addr, W: []byte{cmd1WReset}}, status(0x04))
	_, err := d.Reset()
	var s onewire.ShortedBusError
	if !errors.As(err, &s) || !s.IsShorted() {
		t.Fatalf("expected a shorted bus error, got %v", err)
	}
}

func TestWriteReadBytes(t *testing.T) {
	d, bus := newDev(t,
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0x33}},
		status(0x00),
		i2ctest.IO{Addr: addr, W: []byte{cmd1WRead}},
		status(0x00),
		i2ctest.IO{Addr: addr, W: []byte{cmdSetReadPtr, regRDR}, R: []byte{0x28}},
	)
	if err := d.WriteBits(0x33, 8, false); err != nil {
		t.Fatal(err)
	}
	v, err := d.ReadBits(8)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x28 {
		t.Fatalf("got %#x", v)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWriteReadBits(t *testing.T) {
	d, bus := newDev(t,
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x80}},
		status(statusSBR),
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x00}},
		status(0x00),
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x80}},
		status(statusSBR),
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x80}},
		status(0x00),
		i2ctest.IO{Addr: addr, W: []byte{cmd1WBit, 0x80}},
		status(statusSBR),
	)
	if err := d.WriteBits(0x01, 2, false); err != nil {
		t.Fatal(err)
	}
	v, err := d.ReadBits(3)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x05 {
		t.Fatalf("got %#x", v)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestWriteBits_power(t *testing.T) {
	d, bus := newDev(t,
		i2ctest.IO{Addr: addr, W: []byte{cmdWriteConfig, 0xa5}},
		i2ctest.IO{Addr: addr, W: []byte{cmd1WWrite, 0x44}},
		status(0x00),
		i2ctest.IO{Addr: addr, W: []byte{cmdWriteConfig, 0xe1}},
	)
	if err := d.WriteBits(0x44, 8, true); err != nil {
		t.Fatal(err)
	}
	if err := d.Depower(); err != nil {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTooManyBits(t *testing.T) {
	d, bus := newDev(t)
	if err := d.WriteBits(0, 9, false); !errors.Is(err, owbus.ErrTooManyBits) {
		t.Fatal(err)
	}
	if _, err := d.ReadBits(9); !errors.Is(err, owbus.ErrTooManyBits) {
		t.Fatal(err)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestPersistentError(t *testing.T) {
	sleep = func(time.Duration) {}
	defer func() { sleep = time.Sleep }()
	bus := &i2ctest.Playback{Ops: initDS2483(), DontPanic: true}
	d, err := New(bus, addr, nil)
	if err != nil {
		t.Fatal(err)
	}
	_, err = d.Reset()
	if owbus.StatusOf(err) != owbus.StatusHWError {
		t.Fatalf("expected a hardware error, got %v", err)
	}
	if err2 := d.WriteBits(0xff, 8, false); err2 != err {
		t.Fatalf("expected the persistent error, got %v", err2)
	}
}

// TestBus_readROM runs the bus engine over the bridge.
func TestBus_readROM(t *testing.T) {
	rom := owbus.ROM{0x28, 0xac, 0x41, 0x0e, 0x07, 0x00, 0x00, 0x74}
	ops := []i2ctest.IO{
		{Addr: addr, W: []byte{cmd1WReset}},
		status(statusPPD),
		{Addr: addr, W: []byte{cmd1WWrite, owbus.CmdReadROM}},
		status(0x00),
	}
	for _, b := range rom {
		ops = append(ops,
			i2ctest.IO{Addr: addr, W: []byte{cmd1WRead}},
			status(0x00),
			i2ctest.IO{Addr: addr, W: []byte{cmdSetReadPtr, regRDR}, R: []byte{b}},
		)
	}
	d, bus := newDev(t, ops...)
	b, err := owbus.New(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := b.ReadROM()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(rom, got); diff != "" {
		t.Fatalf("unexpected rom (-want +got):\n%s", diff)
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
}
