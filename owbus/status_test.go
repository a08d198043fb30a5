// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbus

import (
	"errors"
	"fmt"
	"testing"

	"periph.io/x/conn/v3/onewire"
)

func TestStatusOf(t *testing.T) {
	data := []struct {
		err  error
		want Status
	}{
		{nil, StatusOK},
		{ErrNotInitialized, StatusNotInitialized},
		{ErrParameterNull, StatusParameterNull},
		{ErrNoDevice, StatusDeviceNotResponding},
		{ErrCRC, StatusCRCFailed},
		{fmt.Errorf("read: %w", ErrTooManyBits), StatusTooManyBits},
		{fmt.Errorf("i2c: %w", ErrHardware), StatusHWError},
		{errors.New("anything else"), StatusHWError},
		{ErrShorted, StatusHWError},
	}
	for i, line := range data {
		if got := StatusOf(line.err); got != line.want {
			t.Errorf("#%d: StatusOf(%v) = %s, expected %s", i, line.err, got, line.want)
		}
	}
}

func TestStatus_busError(t *testing.T) {
	data := []struct {
		err error
		bus bool
	}{
		{ErrNoDevice, true},
		{ErrCRC, true},
		{ErrHardware, true},
		{ErrShorted, true},
		{ErrTooManyBits, false},
		{ErrNotInitialized, false},
	}
	for _, line := range data {
		var b onewire.BusError
		if !errors.As(line.err, &b) {
			t.Fatalf("%v does not implement onewire.BusError", line.err)
		}
		if b.BusError() != line.bus {
			t.Errorf("%v: BusError() = %t", line.err, b.BusError())
		}
	}
	var s onewire.ShortedBusError
	if !errors.As(ErrShorted, &s) || !s.IsShorted() {
		t.Fatal("ErrShorted is not a shorted bus error")
	}
}

func TestStatus_String(t *testing.T) {
	if s := ErrCRC.Error(); s != "onewire: crc failed" {
		t.Fatal(s)
	}
	if s := Status(42).String(); s != "status(42)" {
		t.Fatal(s)
	}
}

func TestCheckBits(t *testing.T) {
	for n := 0; n <= 8; n++ {
		if err := CheckBits(n); err != nil {
			t.Fatal(n, err)
		}
	}
	for _, n := range []int{-1, 9, 64} {
		if err := CheckBits(n); !errors.Is(err, ErrTooManyBits) {
			t.Fatal(n, err)
		}
	}
}
