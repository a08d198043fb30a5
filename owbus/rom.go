// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/GermanBionicSystems/onewire/common"
	"periph.io/x/conn/v3/onewire"
)

// ROM is the 64-bit identifier of a device in bus order: family code, 6 bytes
// of serial number (least significant first) and the CRC8 of the first 7
// bytes.
type ROM [8]byte

// Family returns the family code.
func (r ROM) Family() byte {
	return r[0]
}

// Serial returns the serial number bytes, least significant first.
func (r ROM) Serial() [6]byte {
	var s [6]byte
	copy(s[:], r[1:7])
	return s
}

// CRC returns the CRC byte as read from the device.
func (r ROM) CRC() byte {
	return r[7]
}

// Valid returns true when the CRC byte matches the rest of the code.
func (r ROM) Valid() bool {
	return common.CRC8(r[:7], 0) == r[7]
}

// Address returns the code as a periph onewire.Address.
func (r ROM) Address() onewire.Address {
	return onewire.Address(binary.LittleEndian.Uint64(r[:]))
}

// ROMFromAddress is the inverse of ROM.Address.
func ROMFromAddress(a onewire.Address) ROM {
	var r ROM
	binary.LittleEndian.PutUint64(r[:], uint64(a))
	return r
}

// String returns the canonical text form "crc.serial.family", all in hex with
// the serial number most significant byte first, e.g. "e7.000803360745.10".
func (r ROM) String() string {
	return fmt.Sprintf("%02x.%02x%02x%02x%02x%02x%02x.%02x",
		r[7], r[6], r[5], r[4], r[3], r[2], r[1], r[0])
}

// ParseROM creates a ROM from its canonical text form.
//
// If the crc part is "--" the CRC is calculated instead of verified. The
// serial number may omit leading zeros.
func ParseROM(s string) (ROM, error) {
	var r ROM
	parts := strings.Split(s, ".")
	if len(parts) != 3 {
		return r, errors.New("owbus: invalid rom code " + s)
	}
	family, err := hex.DecodeString(parts[2])
	if err != nil || len(family) != 1 {
		return r, errors.New("owbus: invalid family " + parts[2])
	}
	sn := parts[1]
	if len(sn) > 12 {
		return r, errors.New("owbus: invalid serial number " + sn)
	}
	serial, err := hex.DecodeString(strings.Repeat("0", 12-len(sn)) + sn)
	if err != nil {
		return r, errors.New("owbus: invalid serial number " + sn)
	}
	r[0] = family[0]
	for i := range 6 {
		r[1+i] = serial[5-i]
	}
	r[7] = common.CRC8(r[:7], 0)
	if parts[0] != "--" {
		crc, err := hex.DecodeString(parts[0])
		if err != nil || len(crc) != 1 {
			return ROM{}, errors.New("owbus: invalid crc " + parts[0])
		}
		if crc[0] != r[7] {
			return ROM{}, fmt.Errorf("owbus: crc check failed for %s, expected %02x", s, r[7])
		}
	}
	return r, nil
}
