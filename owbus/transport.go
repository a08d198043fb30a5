// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"fmt"
	"time"
)

// Transport produces and samples time slots on one physical 1-wire line.
//
// Implementations are not safe for concurrent use; the Bus that owns a
// Transport is its only caller.
type Transport interface {
	// Reset issues a reset pulse and returns true if at least one device
	// answered with a presence pulse. No presence is not an error.
	Reset() (bool, error)
	// WriteBits writes the n low bits of v, least significant first. When
	// power is true the line is driven high at the end of the slots instead
	// of being released, to feed parasitically powered devices.
	WriteBits(v byte, n int, power bool) error
	// ReadBits issues n read slots. The first bit read is returned in bit 0.
	ReadBits(n int) (byte, error)
	// Power drives the line high until Depower or the next slot.
	Power() error
	// Depower releases the line.
	Depower() error
}

// TimeSlot is one bit period: the line is held low for Low and released
// for High.
type TimeSlot struct {
	Low  time.Duration
	High time.Duration
}

// Duration returns the full length of the slot.
func (s TimeSlot) Duration() time.Duration {
	return s.Low + s.High
}

func (s TimeSlot) String() string {
	return fmt.Sprintf("%s/%s", s.Low, s.High)
}

// Bit decodes the slot as the master would write it: a short low phase is a
// 1. It also decodes read slots, where a device answering 0 stretches the low
// phase past the sample point.
func (s TimeSlot) Bit(sample time.Duration) bool {
	return s.Low < sample
}

// Timing constants of the standard speed wire protocol.
const (
	// ResetLow is the length of the reset pulse.
	ResetLow = 480 * time.Microsecond
	// PresenceSample is when the presence pulse is sampled after the reset
	// pulse is released.
	PresenceSample = 70 * time.Microsecond
	// PresenceRecovery completes the reset slot after the presence sample.
	PresenceRecovery = 410 * time.Microsecond
)
