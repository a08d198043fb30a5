// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"errors"
	"fmt"
)

// Status is the result of a transport level operation.
//
// Every value but StatusOK implements error so that transports can return it
// directly or wrapped with fmt.Errorf("...: %w", status).
type Status uint8

const (
	StatusOK Status = iota
	StatusNotInitialized
	StatusParameterNull
	StatusDeviceNotResponding
	StatusCRCFailed
	StatusTooManyBits
	StatusHWError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotInitialized:
		return "not initialized"
	case StatusParameterNull:
		return "parameter null"
	case StatusDeviceNotResponding:
		return "device not responding"
	case StatusCRCFailed:
		return "crc failed"
	case StatusTooManyBits:
		return "too many bits"
	case StatusHWError:
		return "hardware error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) Error() string {
	return "onewire: " + s.String()
}

// BusError implements onewire.BusError.
//
// It reports true for failures that happened on the 1-wire side, as opposed
// to misuse of the API.
func (s Status) BusError() bool {
	switch s {
	case StatusDeviceNotResponding, StatusCRCFailed, StatusHWError:
		return true
	default:
		return false
	}
}

var (
	// ErrNotInitialized is returned by a Bus or transport after Halt.
	ErrNotInitialized error = StatusNotInitialized
	// ErrParameterNull is returned when a required collaborator is missing.
	ErrParameterNull error = StatusParameterNull
	// ErrNoDevice is returned by Tx when no device answers the reset pulse.
	ErrNoDevice error = StatusDeviceNotResponding
	// ErrCRC is returned when a ROM code read from the bus fails its CRC.
	ErrCRC error = StatusCRCFailed
	// ErrTooManyBits is returned when more than 8 bits are requested in one
	// transport call. Nothing is transmitted.
	ErrTooManyBits error = StatusTooManyBits
	// ErrHardware is returned when the transport itself failed: capture
	// timeout, transmit failure, I/O error on the bridge.
	ErrHardware error = StatusHWError
	// ErrShorted is returned by Reset when the line never returns high.
	ErrShorted error = shortedBusError("onewire: bus is shorted or stuck low")
	// ErrNotSupported is returned by transports that cannot hold the line
	// high.
	ErrNotSupported = errors.New("onewire: strong pull-up not supported by transport")
)

// StatusOf maps err to a Status. nil is StatusOK, errors that do not wrap a
// Status are StatusHWError.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return StatusHWError
}

// CheckBits returns ErrTooManyBits when n is not a valid bit count for a
// single transport call.
func CheckBits(n int) error {
	if n < 0 || n > 8 {
		return fmt.Errorf("%w: %d", ErrTooManyBits, n)
	}
	return nil
}

// shortedBusError implements error and onewire.ShortedBusError.
type shortedBusError string

func (e shortedBusError) Error() string   { return string(e) }
func (e shortedBusError) IsShorted() bool { return true }
func (e shortedBusError) BusError() bool  { return true }
