// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbus implements a 1-wire bus master on top of a bit level
// Transport: byte transfers, ROM commands and the ROM search algorithm.
//
// A Bus implements periph's onewire.Bus and onewire.BusSearcher, so any
// periph 1-wire device driver can run on it.
//
// The bus has no arbitration of its own. The primitive operations (Reset,
// Select, Write, Read, SearchNext...) must be serialized by the caller, for
// example by holding the embedded mutex around a transaction. Tx and Search
// take the lock themselves.
package owbus

import (
	"fmt"
	"sync"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/onewire"
)

// ROM command bytes.
const (
	CmdSearchROM         = 0xf0
	CmdConditionalSearch = 0xec
	CmdAlarmSearch       = CmdConditionalSearch
	CmdSkipROM           = 0xcc
	CmdSkipROMOverdrive  = 0x3c
	CmdMatchROM          = 0x55
	CmdMatchROMOverdrive = 0x69
	CmdReadROM           = 0x0f
	CmdReadROMOld        = 0x33
	CmdResume            = 0xa5
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// Name is returned by String.
	Name string
	// VerifyCRC makes Enumerate and Search stop with ErrCRC when a found ROM
	// code fails its CRC.
	VerifyCRC bool
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Name:      "onewire",
	VerifyCRC: true,
}

// Bus is a 1-wire bus master driving one Transport.
type Bus struct {
	sync.Mutex // lock for the bus while a transaction is in progress

	t         Transport
	name      string
	verifyCRC bool
	state     SearchState
}

// New returns a Bus driving t.
func New(t Transport, opts *Opts) (*Bus, error) {
	if t == nil {
		return nil, fmt.Errorf("owbus: no transport: %w", ErrParameterNull)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	b := &Bus{t: t, name: opts.Name, verifyCRC: opts.VerifyCRC}
	b.state.Reset()
	return b, nil
}

func (b *Bus) String() string {
	return b.name
}

// Halt implements conn.Resource.
//
// It halts the transport when it is a conn.Resource. The Bus returns
// ErrNotInitialized afterward.
func (b *Bus) Halt() error {
	b.Lock()
	defer b.Unlock()

	if b.t == nil {
		return nil
	}
	var err error
	if r, ok := b.t.(conn.Resource); ok {
		err = r.Halt()
	}
	b.t = nil
	return err
}

// Reset issues a reset pulse and returns true if a device answered.
func (b *Bus) Reset() (bool, error) {
	if b.t == nil {
		return false, ErrNotInitialized
	}
	return b.t.Reset()
}

// Select addresses the device with the given ROM code for the next function
// command. Issue a Reset first.
func (b *Bus) Select(rom ROM) error {
	if err := b.Write([]byte{CmdMatchROM}, false); err != nil {
		return err
	}
	return b.Write(rom[:], false)
}

// Skip addresses all devices at once. Only meaningful for a function command
// every device understands, or with a single device on the bus.
func (b *Bus) Skip() error {
	return b.Write([]byte{CmdSkipROM}, false)
}

// Resume addresses again the device selected by the last MatchROM or ReadROM.
func (b *Bus) Resume() error {
	return b.Write([]byte{CmdResume}, false)
}

// ReadROM resets the bus and reads the ROM code of the only device on it.
//
// With more than one device the codes collide; the result fails its CRC and
// ErrCRC is returned alongside it.
func (b *Bus) ReadROM() (ROM, error) {
	var rom ROM
	present, err := b.Reset()
	if err != nil {
		return rom, err
	}
	if !present {
		return rom, ErrNoDevice
	}
	if err := b.Write([]byte{CmdReadROM}, false); err != nil {
		return rom, err
	}
	if err := b.Read(rom[:]); err != nil {
		return rom, err
	}
	if !rom.Valid() {
		return rom, fmt.Errorf("owbus: read rom %s: %w", rom, ErrCRC)
	}
	return rom, nil
}

// Write writes p to the bus, each byte least significant bit first. With power
// set the line is held high after every byte.
func (b *Bus) Write(p []byte, power bool) error {
	if b.t == nil {
		return ErrNotInitialized
	}
	for _, v := range p {
		if err := b.t.WriteBits(v, 8, power); err != nil {
			return err
		}
	}
	return nil
}

// Read fills p with bytes read from the bus.
func (b *Bus) Read(p []byte) error {
	if b.t == nil {
		return ErrNotInitialized
	}
	for i := range p {
		v, err := b.t.ReadBits(8)
		if err != nil {
			return err
		}
		p[i] = v
	}
	return nil
}

// ReadByte reads one byte from the bus.
func (b *Bus) ReadByte() (byte, error) {
	var p [1]byte
	err := b.Read(p[:])
	return p[0], err
}

// WriteBit writes a single time slot.
func (b *Bus) WriteBit(v, power bool) error {
	if b.t == nil {
		return ErrNotInitialized
	}
	return b.t.WriteBits(bitByte(v), 1, power)
}

// ReadBit reads a single time slot.
func (b *Bus) ReadBit() (bool, error) {
	if b.t == nil {
		return false, ErrNotInitialized
	}
	v, err := b.t.ReadBits(1)
	return v&1 != 0, err
}

// Power holds the line high for parasitically powered devices.
func (b *Bus) Power() error {
	if b.t == nil {
		return ErrNotInitialized
	}
	return b.t.Power()
}

// Depower releases the line after Power.
func (b *Bus) Depower() error {
	if b.t == nil {
		return ErrNotInitialized
	}
	return b.t.Depower()
}

// Tx implements onewire.Bus.
//
// It resets the bus, writes w, reads r and when power is StrongPullup leaves
// the line driven high after the last byte.
func (b *Bus) Tx(w, r []byte, power onewire.Pullup) error {
	b.Lock()
	defer b.Unlock()

	if present, err := b.Reset(); err != nil {
		return err
	} else if !present {
		return ErrNoDevice
	}
	for i, v := range w {
		hold := power == onewire.StrongPullup && i == len(w)-1 && len(r) == 0
		if err := b.t.WriteBits(v, 8, hold); err != nil {
			return err
		}
	}
	if err := b.Read(r); err != nil {
		return err
	}
	if power == onewire.StrongPullup && len(r) != 0 {
		return b.t.Power()
	}
	return nil
}

// Search implements onewire.Bus.
//
// It enumerates all devices, or only the ones in alarm state when alarmOnly
// is true. On error the devices found so far are returned with it.
func (b *Bus) Search(alarmOnly bool) ([]onewire.Address, error) {
	b.Lock()
	defer b.Unlock()

	mode := NormalSearch
	if alarmOnly {
		mode = ConditionalSearch
	}
	roms, err := b.Enumerate(mode)
	addrs := make([]onewire.Address, len(roms))
	for i, rom := range roms {
		addrs[i] = rom.Address()
	}
	return addrs, err
}

// SearchTriplet implements onewire.BusSearcher.
//
// It reads one bit and its complement and writes the direction taken: the
// bit the devices agree on, or direction when they disagree. It lets
// onewire.Search run on this Bus.
func (b *Bus) SearchTriplet(direction byte) (onewire.TripletResult, error) {
	id, err := b.ReadBit()
	if err != nil {
		return onewire.TripletResult{}, err
	}
	cmp, err := b.ReadBit()
	if err != nil {
		return onewire.TripletResult{}, err
	}
	tr := onewire.TripletResult{GotZero: !id, GotOne: !cmp}
	taken := direction != 0
	if id != cmp {
		taken = id
	} else if id {
		taken = true
	}
	if taken {
		tr.Taken = 1
	}
	return tr, b.WriteBit(taken, false)
}

func bitByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

var _ conn.Resource = &Bus{}
var _ onewire.Bus = &Bus{}
var _ onewire.BusSearcher = &Bus{}
