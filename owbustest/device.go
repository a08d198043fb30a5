// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbustest

import (
	"github.com/GermanBionicSystems/onewire/common"
	"github.com/GermanBionicSystems/onewire/owbus"
)

// Function commands understood by a Device.
const (
	CmdReadScratchpad  = 0xbe
	CmdWriteScratchpad = 0x4e
	CmdReadMemory      = 0xf0
)

// PageSize is the memory page size of a Device. A memory read stops at the
// end of the page.
const PageSize = 32

type phase int

const (
	idle phase = iota
	romCommand
	search
	match
	transmit
	function
	arguments
)

// Device is a simulated 1-wire slave.
//
// It answers the ROM commands and three function commands: read scratchpad
// (8 bytes and their crc8), write scratchpad (3 bytes stored at offset 2) and
// read memory (2 address bytes, then the rest of the page and the inverted
// crc16 of command, address and data).
type Device struct {
	ROM owbus.ROM
	// Alarm makes the device answer the conditional search.
	Alarm bool
	// Scratchpad is returned by CmdReadScratchpad.
	Scratchpad [8]byte
	// Memory is read by CmdReadMemory.
	Memory []byte

	phase   phase
	rx      []byte
	rxBits  int
	want    int
	tx      []byte
	txBit   int
	next    phase
	pos     int
	step    int
	resume  bool
	cmd     byte
	matched bool
}

// NewDevice returns a Device with the given ROM code in text form.
//
// It panics on an invalid code.
func NewDevice(rom string) *Device {
	r, err := owbus.ParseROM(rom)
	if err != nil {
		panic(err)
	}
	return &Device{ROM: r}
}

// reset puts the device back in the state following a reset pulse.
func (d *Device) reset() {
	d.phase = romCommand
	d.receive(1)
}

// fall returns true when the device pulls the line low for this slot.
func (d *Device) fall() bool {
	switch d.phase {
	case search:
		b := d.romBit(d.pos)
		switch d.step {
		case 0:
			return !b
		case 1:
			return b
		}
	case transmit:
		return d.tx[d.txBit/8]&(1<<uint(d.txBit%8)) == 0
	}
	return false
}

// rise consumes the slot the master just ended. v is the bit written by the
// master; a read slot looks like a 1.
func (d *Device) rise(v bool) {
	switch d.phase {
	case romCommand, function, arguments:
		if d.shift(v) {
			d.received()
		}
	case search:
		if d.step < 2 {
			d.step++
			return
		}
		if v != d.romBit(d.pos) {
			d.phase = idle
			return
		}
		d.pos++
		d.step = 0
		if d.pos == 64 {
			d.resume = true
			d.selected()
		}
	case match:
		if v != d.romBit(d.pos) {
			d.matched = false
		}
		d.pos++
		if d.pos == 64 {
			if d.matched {
				d.resume = true
				d.selected()
			} else {
				d.phase = idle
			}
		}
	case transmit:
		d.txBit++
		if d.txBit == len(d.tx)*8 {
			d.phase = d.next
		}
	}
}

// shift stores one received bit and returns true once the expected bytes
// are in.
func (d *Device) shift(v bool) bool {
	i := d.rxBits / 8
	if v {
		d.rx[i] |= 1 << uint(d.rxBits%8)
	}
	d.rxBits++
	return d.rxBits == d.want*8
}

func (d *Device) receive(n int) {
	d.rx = make([]byte, n)
	d.rxBits = 0
	d.want = n
}

func (d *Device) send(b []byte, next phase) {
	if len(b) == 0 {
		d.phase = next
		return
	}
	d.tx = b
	d.txBit = 0
	d.next = next
	d.phase = transmit
}

func (d *Device) selected() {
	d.phase = function
	d.receive(1)
}

func (d *Device) received() {
	switch d.phase {
	case romCommand:
		d.romCommand(d.rx[0])
	case function:
		d.function(d.rx[0])
	case arguments:
		d.arguments(d.rx)
	}
}

func (d *Device) romCommand(cmd byte) {
	d.pos = 0
	d.step = 0
	switch cmd {
	case owbus.CmdSearchROM:
		d.resume = false
		d.phase = search
	case owbus.CmdConditionalSearch:
		d.resume = false
		if d.Alarm {
			d.phase = search
		} else {
			d.phase = idle
		}
	case owbus.CmdMatchROM, owbus.CmdMatchROMOverdrive:
		d.resume = false
		d.matched = true
		d.phase = match
	case owbus.CmdSkipROM, owbus.CmdSkipROMOverdrive:
		d.resume = false
		d.selected()
	case owbus.CmdReadROM, owbus.CmdReadROMOld:
		d.resume = true
		d.send(append([]byte(nil), d.ROM[:]...), function)
		d.receive(1)
	case owbus.CmdResume:
		if d.resume {
			d.selected()
		} else {
			d.phase = idle
		}
	default:
		d.phase = idle
	}
}

func (d *Device) function(cmd byte) {
	d.cmd = cmd
	switch cmd {
	case CmdReadScratchpad:
		b := append([]byte(nil), d.Scratchpad[:]...)
		d.send(append(b, common.CRC8(b, 0)), idle)
	case CmdWriteScratchpad:
		d.phase = arguments
		d.receive(3)
	case CmdReadMemory:
		d.phase = arguments
		d.receive(2)
	default:
		d.phase = idle
	}
}

func (d *Device) arguments(args []byte) {
	switch d.cmd {
	case CmdWriteScratchpad:
		copy(d.Scratchpad[2:5], args)
		d.phase = idle
	case CmdReadMemory:
		addr := int(args[0]) | int(args[1])<<8
		end := (addr/PageSize + 1) * PageSize
		if end > len(d.Memory) {
			end = len(d.Memory)
		}
		var data []byte
		if addr < end {
			data = d.Memory[addr:end]
		}
		msg := append([]byte{CmdReadMemory, args[0], args[1]}, data...)
		crc := common.InvertCRC16(common.CRC16(msg, 0))
		d.send(append(append([]byte(nil), data...), crc[:]...), idle)
	default:
		d.phase = idle
	}
}

func (d *Device) romBit(pos int) bool {
	return d.ROM[pos/8]&(1<<uint(pos%8)) != 0
}
