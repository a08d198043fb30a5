// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package common contains the checksums used across the 1-wire packages: the
// Dallas/Maxim 8 bit CRC protecting ROM codes and scratchpads, and the 16 bit
// CRC protecting memory and register reads.
//
// The 1-Wire CRC scheme is described in Maxim Application Note 27:
// "Understanding and Using Cyclic Redundancy Checks with Maxim iButton
// Products".
package common

// crc8Table is the Dallas x^8+x^5+x^4+1 (reflected) CRC indexed by crc^b.
var crc8Table = [256]byte{
	0, 94, 188, 226, 97, 63, 221, 131, 194, 156, 126, 32, 163, 253, 31, 65,
	157, 195, 33, 127, 252, 162, 64, 30, 95, 1, 227, 189, 62, 96, 130, 220,
	35, 125, 159, 193, 66, 28, 254, 160, 225, 191, 93, 3, 128, 222, 60, 98,
	190, 224, 2, 92, 223, 129, 99, 61, 124, 34, 192, 158, 29, 67, 161, 255,
	70, 24, 250, 164, 39, 121, 155, 197, 132, 218, 56, 102, 229, 187, 89, 7,
	219, 133, 103, 57, 186, 228, 6, 88, 25, 71, 165, 251, 120, 38, 196, 154,
	101, 59, 217, 135, 4, 90, 184, 230, 167, 249, 27, 69, 198, 152, 122, 36,
	248, 166, 68, 26, 153, 199, 37, 123, 58, 100, 134, 216, 91, 5, 231, 185,
	140, 210, 48, 110, 237, 179, 81, 15, 78, 16, 242, 172, 47, 113, 147, 205,
	17, 79, 173, 243, 112, 46, 204, 146, 211, 141, 111, 49, 178, 236, 14, 80,
	175, 241, 19, 77, 206, 144, 114, 44, 109, 51, 209, 143, 12, 82, 176, 238,
	50, 108, 142, 208, 83, 13, 239, 177, 240, 174, 76, 18, 145, 207, 45, 115,
	202, 148, 118, 40, 171, 245, 23, 73, 8, 86, 180, 234, 105, 55, 213, 139,
	87, 9, 235, 181, 54, 104, 138, 212, 149, 203, 41, 119, 244, 170, 72, 22,
	233, 183, 85, 11, 136, 214, 52, 106, 43, 117, 151, 201, 74, 20, 246, 168,
	116, 42, 200, 150, 21, 75, 169, 247, 182, 232, 10, 84, 215, 137, 107, 53,
}

// oddParity[n] is 1 when the nibble n has an odd number of bits set.
var oddParity = [16]uint16{0, 1, 1, 0, 1, 0, 0, 1, 1, 0, 0, 1, 0, 1, 1, 0}

// CRC8 calculates the Dallas 8-bit CRC of the byte slice parameter starting
// from init and returns the calculated value. A ROM code or scratchpad whose
// last byte is the CRC of the preceding bytes has a CRC8 of 0 over all bytes.
func CRC8(bytes []byte, init byte) byte {
	crc := init
	for _, val := range bytes {
		crc = crc8Table[crc^val]
	}
	return crc
}

// CRC8Serial computes the same value as CRC8 one bit at a time. It is slower
// but needs no table.
func CRC8Serial(bytes []byte, init byte) byte {
	crc := init
	for _, val := range bytes {
		for range 8 {
			mix := (crc ^ val) & 0x01
			crc >>= 1
			if mix != 0 {
				crc ^= 0x8c
			}
			val >>= 1
		}
	}
	return crc
}

// CheckCRC8 returns true when the last byte of bytes is the CRC8 of the bytes
// before it. An empty slice never checks.
func CheckCRC8(bytes []byte) bool {
	if len(bytes) == 0 {
		return false
	}
	return CRC8(bytes[:len(bytes)-1], 0) == bytes[len(bytes)-1]
}

// CRC16 computes the Dallas 16-bit CRC of bytes starting from init.
//
// This is not what is read from the bus: devices transmit the CRC bitwise
// inverted, low byte first. Use CheckCRC16 to validate received data.
func CRC16(bytes []byte, init uint16) uint16 {
	crc := init
	for _, val := range bytes {
		cdata := (uint16(val) ^ crc) & 0xff
		crc >>= 8
		if oddParity[cdata&0x0f]^oddParity[cdata>>4] != 0 {
			crc ^= 0xc001
		}
		cdata <<= 6
		crc ^= cdata
		cdata <<= 1
		crc ^= cdata
	}
	return crc
}

// InvertCRC16 returns crc the way it travels on the wire: inverted, low byte
// first.
func InvertCRC16(crc uint16) [2]byte {
	crc = ^crc
	return [2]byte{byte(crc), byte(crc >> 8)}
}

// CheckCRC16 computes the CRC16 of bytes starting from init and compares it
// with the two inverted CRC bytes received from the bus. invertedCRC must hold
// at least two bytes; it should point into the received data.
func CheckCRC16(bytes []byte, invertedCRC []byte, init uint16) bool {
	if len(invertedCRC) < 2 {
		return false
	}
	crc := ^CRC16(bytes, init)
	return byte(crc) == invertedCRC[0] && byte(crc>>8) == invertedCRC[1]
}
