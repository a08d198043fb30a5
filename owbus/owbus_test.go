// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus_test

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/GermanBionicSystems/onewire/bitbang"
	"github.com/GermanBionicSystems/onewire/common"
	"github.com/GermanBionicSystems/onewire/ds9097"
	"github.com/GermanBionicSystems/onewire/owbus"
	"github.com/GermanBionicSystems/onewire/owbustest"
	"github.com/GermanBionicSystems/onewire/pulse"
	"github.com/google/go-cmp/cmp"
	"periph.io/x/conn/v3/onewire"
)

// roms are listed in the order the search finds them.
var roms = []string{
	"e7.000803360745.10",
	"74.0000070e41ac.28",
	"29.000000000001.28",
	"da.5040302010ff.28",
	"d7.665544332211.3a",
	"5b.4f5e6d7c8b9a.01",
}

func devices() []*owbustest.Device {
	// Put them on the bus in another order than the search order.
	order := []int{3, 0, 5, 1, 4, 2}
	out := make([]*owbustest.Device, len(order))
	for i, j := range order {
		out[i] = owbustest.NewDevice(roms[j])
	}
	return out
}

func parse(t *testing.T, s ...string) []owbus.ROM {
	out := make([]owbus.ROM, len(s))
	for i := range s {
		r, err := owbus.ParseROM(s[i])
		if err != nil {
			t.Fatal(err)
		}
		out[i] = r
	}
	return out
}

func newBus(t *testing.T, l *owbustest.Line) *owbus.Bus {
	d, err := bitbang.New(l, &bitbang.Opts{Delay: l.Delay, Critical: l})
	if err != nil {
		t.Fatal(err)
	}
	b, err := owbus.New(d, nil)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNew_nil(t *testing.T) {
	if b, err := owbus.New(nil, nil); b != nil || !errors.Is(err, owbus.ErrParameterNull) {
		t.Fatal(b, err)
	}
}

func TestEnumerate(t *testing.T) {
	b := newBus(t, owbustest.New(devices()...))
	want := parse(t, roms...)
	for i := 0; i < 3; i++ {
		got, err := b.Enumerate(owbus.NormalSearch)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("pass %d: unexpected devices (-want +got):\n%s", i, diff)
		}
	}
}

// TestEnumerate_transports runs the same search on every transport driving
// the same line.
func TestEnumerate_transports(t *testing.T) {
	want := parse(t, roms...)
	data := []struct {
		name string
		open func(l *owbustest.Line) (owbus.Transport, error)
	}{
		{"bitbang", func(l *owbustest.Line) (owbus.Transport, error) {
			return bitbang.New(l, &bitbang.Opts{Delay: l.Delay, Critical: l})
		}},
		{"pulse", func(l *owbustest.Line) (owbus.Transport, error) {
			return pulse.New(l.Peripheral(), nil)
		}},
		{"ds9097", func(l *owbustest.Line) (owbus.Transport, error) {
			return ds9097.NewOpener("sim", func(baud int) (ds9097.Port, error) {
				return l.OpenUART(baud), nil
			})
		}},
	}
	for _, line := range data {
		t.Run(line.name, func(t *testing.T) {
			tr, err := line.open(owbustest.New(devices()...))
			if err != nil {
				t.Fatal(err)
			}
			b, err := owbus.New(tr, nil)
			if err != nil {
				t.Fatal(err)
			}
			got, err := b.Enumerate(owbus.NormalSearch)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("unexpected devices (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSearchNext_exhausted(t *testing.T) {
	b := newBus(t, owbustest.New(devices()...))
	want := parse(t, roms...)
	for i := range want {
		rom, found, err := b.SearchNext(owbus.NormalSearch)
		if err != nil || !found {
			t.Fatal(i, found, err)
		}
		if rom != want[i] {
			t.Fatalf("#%d: got %s, expected %s", i, rom, want[i])
		}
	}
	if s := b.State(); !s.LastDevice || s.LastDiscrepancy != 0 {
		t.Fatalf("unexpected state after the last device: %+v", s)
	}
	rom, found, err := b.SearchNext(owbus.NormalSearch)
	if err != nil || found || rom != (owbus.ROM{}) {
		t.Fatal(rom, found, err)
	}
	if s := b.State(); !s.Fresh() {
		t.Fatalf("state not cleared: %+v", s)
	}
	// The next call starts over.
	rom, found, err = b.SearchNext(owbus.NormalSearch)
	if err != nil || !found || rom != want[0] {
		t.Fatal(rom, found, err)
	}
}

func TestSearchNext_single(t *testing.T) {
	want := parse(t, roms[1])[0]
	b := newBus(t, owbustest.New(owbustest.NewDevice(roms[1])))
	rom, found, err := b.SearchNext(owbus.NormalSearch)
	if err != nil || !found || rom != want {
		t.Fatal(rom, found, err)
	}
	s := b.State()
	if !s.LastDevice || s.LastDiscrepancy != 0 || s.LastFamilyDiscrepancy != 0 {
		t.Fatalf("unexpected state: %+v", s)
	}
}

func TestSearchNext_empty(t *testing.T) {
	b := newBus(t, owbustest.New())
	rom, found, err := b.SearchNext(owbus.NormalSearch)
	if err != nil || found || rom != (owbus.ROM{}) {
		t.Fatal(rom, found, err)
	}
	if s := b.State(); !s.Fresh() {
		t.Fatalf("state not cleared: %+v", s)
	}
}

func TestSearchNext_shorted(t *testing.T) {
	l := owbustest.New(devices()...)
	b := newBus(t, l)
	if _, found, err := b.SearchNext(owbus.NormalSearch); err != nil || !found {
		t.Fatal(found, err)
	}
	l.Shorted = true
	rom, found, err := b.SearchNext(owbus.NormalSearch)
	if found || !errors.Is(err, owbus.ErrShorted) || rom != (owbus.ROM{}) {
		t.Fatal(rom, found, err)
	}
	if s := b.State(); !s.Fresh() {
		t.Fatalf("state not cleared: %+v", s)
	}
}

func TestTargetSearch(t *testing.T) {
	b := newBus(t, owbustest.New(devices()...))
	b.TargetSearch(0x28)
	s := b.State()
	if s.ROM != (owbus.ROM{0x28}) || s.LastDiscrepancy != 64 || s.LastFamilyDiscrepancy != 0 || s.LastDevice {
		t.Fatalf("unexpected state: %+v", s)
	}
	var got []owbus.ROM
	for {
		rom, found, err := b.SearchNext(owbus.NormalSearch)
		if err != nil {
			t.Fatal(err)
		}
		if !found || rom.Family() != 0x28 {
			break
		}
		got = append(got, rom)
	}
	if diff := cmp.Diff(parse(t, roms[1:4]...), got); diff != "" {
		t.Fatalf("unexpected devices (-want +got):\n%s", diff)
	}
}

func TestTargetSearch_absent(t *testing.T) {
	b := newBus(t, owbustest.New(devices()...))
	b.TargetSearch(0x22)
	rom, found, err := b.SearchNext(owbus.NormalSearch)
	if err != nil {
		t.Fatal(err)
	}
	if found && rom.Family() == 0x22 {
		t.Fatalf("found %s", rom)
	}
}

func TestConditionalSearch(t *testing.T) {
	devs := devices()
	devs[1].Alarm = true // roms[0]
	devs[4].Alarm = true // roms[4]
	b := newBus(t, owbustest.New(devs...))
	got, err := b.Enumerate(owbus.ConditionalSearch)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(parse(t, roms[0], roms[4]), got); diff != "" {
		t.Fatalf("unexpected devices (-want +got):\n%s", diff)
	}
	got, err = b.Enumerate(owbus.ConditionalSearch)
	if err != nil || len(got) != 2 {
		t.Fatal(got, err)
	}
}

func TestConditionalSearch_none(t *testing.T) {
	b := newBus(t, owbustest.New(devices()...))
	got, err := b.Enumerate(owbus.ConditionalSearch)
	if err != nil || len(got) != 0 {
		t.Fatal(got, err)
	}
}

func TestEnumerate_verifyCRC(t *testing.T) {
	bad := &owbustest.Device{ROM: owbus.ROM{0x28, 1, 2, 3, 4, 5, 6, 0}}
	l := owbustest.New(bad)
	b := newBus(t, l)
	got, err := b.Enumerate(owbus.NormalSearch)
	if !errors.Is(err, owbus.ErrCRC) || len(got) != 1 || got[0] != bad.ROM {
		t.Fatal(got, err)
	}

	d, err := bitbang.New(l, &bitbang.Opts{Delay: l.Delay, Critical: l})
	if err != nil {
		t.Fatal(err)
	}
	b, err = owbus.New(d, &owbus.Opts{Name: "lenient"})
	if err != nil {
		t.Fatal(err)
	}
	if got, err = b.Enumerate(owbus.NormalSearch); err != nil || len(got) != 1 {
		t.Fatal(got, err)
	}
}

// TestSearch_periph compares with the generic search of periph.
func TestSearch_periph(t *testing.T) {
	b := newBus(t, owbustest.New(devices()...))
	want, err := b.Search(false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := onewire.Search(b, false)
	if err != nil {
		t.Fatal(err)
	}
	sort.Slice(want, func(i, j int) bool { return want[i] < want[j] })
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected devices (-want +got):\n%s", diff)
	}
	if len(got) != len(roms) {
		t.Fatalf("found %d devices", len(got))
	}
}

func TestReadROM(t *testing.T) {
	b := newBus(t, owbustest.New(owbustest.NewDevice(roms[1])))
	rom, err := b.ReadROM()
	if err != nil {
		t.Fatal(err)
	}
	if want := parse(t, roms[1])[0]; rom != want {
		t.Fatalf("got %s, expected %s", rom, want)
	}
}

func TestReadROM_collision(t *testing.T) {
	b := newBus(t, owbustest.New(owbustest.NewDevice(roms[0]), owbustest.NewDevice(roms[1])))
	rom, err := b.ReadROM()
	if !errors.Is(err, owbus.ErrCRC) || owbus.StatusOf(err) != owbus.StatusCRCFailed {
		t.Fatal(rom, err)
	}
	// Both devices answer at once: the line is the AND of the two codes.
	if want := (owbus.ROM{0x00, 0x04, 0x01, 0x06, 0x03, 0x00, 0x00, 0x64}); rom != want {
		t.Fatalf("got %s, expected %s", rom, want)
	}
}

func TestReadROM_absent(t *testing.T) {
	b := newBus(t, owbustest.New())
	if _, err := b.ReadROM(); !errors.Is(err, owbus.ErrNoDevice) {
		t.Fatal(err)
	}
}

func TestScratchpad(t *testing.T) {
	devs := devices()
	for i, d := range devs {
		d.Scratchpad = [8]byte{0xe0, 0x01, 0x00, 0x00, 0x3f, 0xff, 0x10, byte(i)}
	}
	b := newBus(t, owbustest.New(devs...))
	target := devs[2]

	// Write through Select, read back through the periph device API.
	if present, err := b.Reset(); err != nil || !present {
		t.Fatal(present, err)
	}
	if err := b.Select(target.ROM); err != nil {
		t.Fatal(err)
	}
	if err := b.Write([]byte{owbustest.CmdWriteScratchpad, 0x4b, 0x46, 0x7f}, false); err != nil {
		t.Fatal(err)
	}
	dev := onewire.Dev{Bus: b, Addr: target.ROM.Address()}
	var got [9]byte
	if err := dev.Tx([]byte{owbustest.CmdReadScratchpad}, got[:]); err != nil {
		t.Fatal(err)
	}
	want := [9]byte{0xe0, 0x01, 0x4b, 0x46, 0x7f, 0xff, 0x10, 0x02}
	want[8] = common.CRC8(want[:8], 0)
	if got != want {
		t.Fatalf("got %#v, expected %#v", got, want)
	}
	if !common.CheckCRC8(got[:]) {
		t.Fatal("bad crc")
	}
	// The other devices are untouched.
	if devs[0].Scratchpad[2] != 0 {
		t.Fatal("write reached another device")
	}
}

func TestSkip(t *testing.T) {
	d := owbustest.NewDevice(roms[3])
	d.Scratchpad = [8]byte{0xe0, 0x01, 0x00, 0x00, 0x3f, 0xff, 0x10, 0x10}
	b := newBus(t, owbustest.New(d))
	if present, err := b.Reset(); err != nil || !present {
		t.Fatal(present, err)
	}
	if err := b.Skip(); err != nil {
		t.Fatal(err)
	}
	if err := b.Write([]byte{owbustest.CmdReadScratchpad}, false); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, 9)
	if err := b.Read(got); err != nil {
		t.Fatal(err)
	}
	// Known good scratchpad of a DS18B20 at 30°C.
	want := []byte{0xe0, 0x01, 0x00, 0x00, 0x3f, 0xff, 0x10, 0x10, 0x3f}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected scratchpad (-want +got):\n%s", diff)
	}
}

func TestResume(t *testing.T) {
	devs := devices()
	devs[0].Scratchpad[0] = 0xaa
	devs[1].Scratchpad[0] = 0x55
	b := newBus(t, owbustest.New(devs...))
	if _, err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := b.Select(devs[0].ROM); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := b.Reset(); err != nil {
			t.Fatal(err)
		}
		if err := b.Resume(); err != nil {
			t.Fatal(err)
		}
		if err := b.Write([]byte{owbustest.CmdReadScratchpad}, false); err != nil {
			t.Fatal(err)
		}
		v, err := b.ReadByte()
		if err != nil {
			t.Fatal(err)
		}
		if v != 0xaa {
			t.Fatalf("#%d: resumed the wrong device: %#x", i, v)
		}
	}
}

func TestReadMemory(t *testing.T) {
	d := owbustest.NewDevice(roms[5])
	d.Memory = make([]byte, 2*owbustest.PageSize)
	for i := range d.Memory {
		d.Memory[i] = byte(3 * i)
	}
	b := newBus(t, owbustest.New(d))
	if _, err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	if err := b.Select(d.ROM); err != nil {
		t.Fatal(err)
	}
	cmd := []byte{owbustest.CmdReadMemory, 0x24, 0x00}
	if err := b.Write(cmd, false); err != nil {
		t.Fatal(err)
	}
	// From 0x24 to the end of the second page, then the crc.
	data := make([]byte, 2*owbustest.PageSize-0x24)
	if err := b.Read(data); err != nil {
		t.Fatal(err)
	}
	var crc [2]byte
	if err := b.Read(crc[:]); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(d.Memory[0x24:], data); diff != "" {
		t.Fatalf("unexpected data (-want +got):\n%s", diff)
	}
	if !common.CheckCRC16(append(cmd, data...), crc[:], 0) {
		t.Fatalf("bad crc %#v", crc)
	}
}

func TestTx_strongPullup(t *testing.T) {
	l := owbustest.New(owbustest.NewDevice(roms[1]))
	b := newBus(t, l)
	if err := b.Tx([]byte{owbus.CmdSkipROM, 0x44}, nil, onewire.StrongPullup); err != nil {
		t.Fatal(err)
	}
	ev := l.Events()
	if ev[len(ev)-2].Kind != owbustest.DriveHigh {
		t.Fatalf("line not powered after the last byte: %v", ev[len(ev)-4:])
	}
	// The first byte is sent without power: the reset pulse and 8 slots come
	// before the line is first driven high.
	falls := 0
	for _, e := range ev {
		if e.Kind == owbustest.DriveHigh {
			break
		}
		if e.Kind == owbustest.Fall {
			falls++
		}
	}
	if falls != 1+8+1 {
		t.Fatalf("line powered after %d low phases", falls)
	}
}

func TestTx_absent(t *testing.T) {
	b := newBus(t, owbustest.New())
	err := b.Tx([]byte{owbus.CmdSkipROM}, nil, onewire.WeakPullup)
	if !errors.Is(err, owbus.ErrNoDevice) {
		t.Fatal(err)
	}
	var be onewire.BusError
	if !errors.As(err, &be) || !be.BusError() {
		t.Fatal("expected a bus error")
	}
}

func TestHalt(t *testing.T) {
	b := newBus(t, owbustest.New(devices()...))
	if s := b.String(); s != "onewire" {
		t.Fatal(s)
	}
	if err := b.Halt(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Reset(); !errors.Is(err, owbus.ErrNotInitialized) {
		t.Fatal(err)
	}
	if _, _, err := b.SearchNext(owbus.NormalSearch); !errors.Is(err, owbus.ErrNotInitialized) {
		t.Fatal(err)
	}
	if err := b.Write([]byte{0}, false); !errors.Is(err, owbus.ErrNotInitialized) {
		t.Fatal(err)
	}
	if err := b.Halt(); err != nil {
		t.Fatal(err)
	}
}

func TestHalt_waitsForTransaction(t *testing.T) {
	b := newBus(t, owbustest.New(devices()...))
	b.Lock()
	done := make(chan error)
	go func() {
		done <- b.Halt()
	}()
	select {
	case err := <-done:
		t.Fatalf("Halt returned during a transaction: %v", err)
	case <-time.After(10 * time.Millisecond):
	}
	b.Unlock()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if _, err := b.Reset(); !errors.Is(err, owbus.ErrNotInitialized) {
		t.Fatal(err)
	}
}
