// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbustest

import (
	"errors"
	"io"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// UART is a simulated serial port whose TX and RX pins are both tied to the
// line, as in a DS9097 style adapter: every byte written is read back as the
// line looked while it was sent.
//
// Frames are 8N1, least significant bit first.
type UART struct {
	l      *Line
	bit    time.Duration
	rx     []byte
	closed bool
}

// OpenUART returns a port on the line at the given baud rate.
func (l *Line) OpenUART(baud int) *UART {
	return &UART{l: l, bit: time.Second / time.Duration(baud)}
}

// Baud returns the bit rate.
func (u *UART) Baud() int {
	return int(time.Second / u.bit)
}

// Write sends p, one frame per byte.
func (u *UART) Write(p []byte) (int, error) {
	if u.closed {
		return 0, errors.New("owbustest: uart closed")
	}
	for _, b := range p {
		u.rx = append(u.rx, u.frame(b))
	}
	return len(p), nil
}

// Read returns the bytes read back. It returns io.EOF when nothing was sent.
func (u *UART) Read(p []byte) (int, error) {
	if u.closed {
		return 0, errors.New("owbustest: uart closed")
	}
	if len(u.rx) == 0 {
		return 0, io.EOF
	}
	n := copy(p, u.rx)
	u.rx = u.rx[n:]
	return n, nil
}

// Flush drops the bytes not read yet.
func (u *UART) Flush() error {
	u.rx = nil
	return nil
}

// Close implements io.Closer.
func (u *UART) Close() error {
	u.closed = true
	return nil
}

// frame plays the start bit, the 8 data bits and the stop bit on the line and
// samples each data bit in its middle.
func (u *UART) frame(b byte) byte {
	l := u.l
	start := l.now
	levels := make([]bool, 10)
	for i := 1; i < 9; i++ {
		levels[i] = b&(1<<uint(i-1)) != 0
	}
	levels[9] = true
	for _, v := range levels {
		if v {
			l.high = false
			l.rise()
		} else {
			l.fall()
		}
		l.Delay(u.bit)
	}
	var got byte
	for i := range 8 {
		at := start + time.Duration(i+1)*u.bit + u.bit/2
		if l.levelAt(at) == gpio.High {
			got |= 1 << uint(i)
		}
	}
	return got
}
