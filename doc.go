// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package onewire is a container for a 1-wire bus master.
//
// owbus is the protocol engine: reset, ROM selection, bit and byte transfers
// and the ROM search. It runs on any owbus.Transport:
//
//   - bitbang drives a GPIO pin with busy waits.
//   - pulse drives a pulse generator and capture peripheral.
//   - ds248x drives a DS2482/DS2483 I²C bridge.
//   - ds9097 drives a serial port.
//
// common holds the crc8 and crc16 codecs used by the bus and by device
// drivers. owbustest simulates a line with devices on it for tests, and
// scope shows the slots sent on it.
package onewire
