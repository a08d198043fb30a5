// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package ds9097 drives a 1-wire bus through a serial port, as done by the
// DS9097 passive adapter and by a UART with TX and RX tied together through a
// diode.
//
// The reset pulse is the start bit and the low bits of 0xF0 sent at 9600 baud.
// At 115200 baud a 0xFF character is a write 1 or read slot and a 0x00
// character is a write 0 slot; the character read back tells what the
// devices did.
//
// See Maxim application note 214 "Using a UART to Implement a 1-Wire Bus
// Master".
package ds9097

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/GermanBionicSystems/onewire/owbus"
	tarm "github.com/tarm/serial"
	"go.bug.st/serial"
	"periph.io/x/conn/v3"
)

// Port is a serial port.
type Port interface {
	io.ReadWriteCloser
	// Flush drops the bytes received but not read yet.
	Flush() error
}

// BaudSetter is implemented by ports that can change their baud rate while
// open. Other ports are closed and opened again.
type BaudSetter interface {
	SetBaud(baud int) error
}

// Opener opens the port at the given baud rate.
type Opener func(baud int) (Port, error)

// Baud rates.
const (
	ResetBaud = 9600
	DataBaud  = 115200
)

// Opts contains options to pass to the constructor.
type Opts struct {
	// ReadTimeout is the serial read timeout.
	ReadTimeout time.Duration
	// Reopen closes and opens the port again at every baud rate change
	// instead of changing the mode of the open port. Some USB serial drivers
	// only apply a new rate this way.
	Reopen bool
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	ReadTimeout: 3 * time.Second,
}

// New returns a Dev on the serial device name, e.g. "/dev/ttyUSB0".
func New(name string, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	o := *opts
	if o.Reopen {
		return NewOpener(name, func(baud int) (Port, error) {
			c := &tarm.Config{
				Name:        name,
				Baud:        baud,
				ReadTimeout: o.ReadTimeout,
				Size:        tarm.DefaultSize,
				Parity:      tarm.ParityNone,
				StopBits:    tarm.Stop1,
			}
			p, err := tarm.OpenPort(c)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}
	return NewOpener(name, func(baud int) (Port, error) {
		m := serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		p, err := serial.Open(name, &m)
		if err != nil {
			return nil, err
		}
		if err := p.SetReadTimeout(o.ReadTimeout); err != nil {
			p.Close()
			return nil, err
		}
		return &modePort{Port: p, mode: m}, nil
	})
}

// NewOpener returns a Dev on the ports returned by open.
func NewOpener(name string, open Opener) (*Dev, error) {
	if open == nil {
		return nil, fmt.Errorf("ds9097: no port: %w", owbus.ErrParameterNull)
	}
	d := &Dev{name: name, open: open}
	if err := d.setBaud(DataBaud); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a 1-wire transport on a serial port.
//
// It implements owbus.Transport.
type Dev struct {
	name string
	open Opener
	port Port
	baud int
}

func (d *Dev) String() string {
	return "ds9097{" + d.name + "}"
}

// Halt implements conn.Resource.
//
// It closes the port.
func (d *Dev) Halt() error {
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	d.open = nil
	return err
}

// Reset implements owbus.Transport.
func (d *Dev) Reset() (bool, error) {
	if err := d.setBaud(ResetBaud); err != nil {
		return false, err
	}
	v, err := d.exchange(0xf0)
	if err != nil {
		return false, err
	}
	if err := d.setBaud(DataBaud); err != nil {
		return false, err
	}
	switch v {
	case 0xf0:
		return false, nil
	case 0x00:
		return false, owbus.ErrShorted
	default:
		return true, nil
	}
}

// WriteBits implements owbus.Transport.
//
// The character read back must be the one sent; anything else means a device
// or noise pulled the line low.
func (d *Dev) WriteBits(v byte, n int, power bool) error {
	if err := owbus.CheckBits(n); err != nil {
		return err
	}
	if power {
		return owbus.ErrNotSupported
	}
	for i := range n {
		c := byte(0x00)
		if v&(1<<uint(i)) != 0 {
			c = 0xff
		}
		got, err := d.exchange(c)
		if err != nil {
			return err
		}
		if got != c {
			return fmt.Errorf("ds9097: wrote %#02x, read back %#02x: %w", c, got, owbus.ErrHardware)
		}
	}
	return nil
}

// ReadBits implements owbus.Transport.
func (d *Dev) ReadBits(n int) (byte, error) {
	if err := owbus.CheckBits(n); err != nil {
		return 0, err
	}
	var v byte
	for i := range n {
		got, err := d.exchange(0xff)
		if err != nil {
			return 0, err
		}
		if got == 0xff {
			v |= 1 << uint(i)
		}
	}
	return v, nil
}

// Power implements owbus.Transport.
//
// A UART cannot hold the line high.
func (d *Dev) Power() error {
	return owbus.ErrNotSupported
}

// Depower implements owbus.Transport.
func (d *Dev) Depower() error {
	return owbus.ErrNotSupported
}

// exchange sends c and returns the character read back.
func (d *Dev) exchange(c byte) (byte, error) {
	if d.port == nil {
		return 0, owbus.ErrNotInitialized
	}
	if _, err := d.port.Write([]byte{c}); err != nil {
		return 0, d.ioError("write", err)
	}
	var b [1]byte
	n, err := d.port.Read(b[:])
	if err != nil && !(errors.Is(err, io.EOF) && n == 1) {
		return 0, d.ioError("read", err)
	}
	if n != 1 {
		return 0, d.ioError("read", io.ErrUnexpectedEOF)
	}
	return b[0], nil
}

func (d *Dev) setBaud(baud int) error {
	if d.port != nil && d.baud == baud {
		return nil
	}
	if d.open == nil {
		return owbus.ErrNotInitialized
	}
	if s, ok := d.port.(BaudSetter); ok {
		if err := s.SetBaud(baud); err != nil {
			return d.ioError(fmt.Sprintf("set %d baud", baud), err)
		}
		if err := d.port.Flush(); err != nil {
			return d.ioError("flush", err)
		}
		d.baud = baud
		return nil
	}
	if d.port != nil {
		if err := d.port.Close(); err != nil {
			return d.ioError("close", err)
		}
		d.port = nil
	}
	p, err := d.open(baud)
	if err != nil {
		return d.ioError(fmt.Sprintf("open at %d baud", baud), err)
	}
	if err := p.Flush(); err != nil {
		p.Close()
		return d.ioError("flush", err)
	}
	d.port = p
	d.baud = baud
	return nil
}

func (d *Dev) ioError(op string, err error) error {
	return fmt.Errorf("ds9097: %s: %s: %v: %w", d.name, op, err, owbus.ErrHardware)
}

// modePort changes the baud rate of an open go.bug.st/serial port.
type modePort struct {
	serial.Port
	mode serial.Mode
}

func (p *modePort) Flush() error {
	if err := p.ResetOutputBuffer(); err != nil {
		return err
	}
	return p.ResetInputBuffer()
}

func (p *modePort) SetBaud(baud int) error {
	p.mode.BaudRate = baud
	return p.SetMode(&p.mode)
}

var _ conn.Resource = &Dev{}
var _ owbus.Transport = &Dev{}
var _ BaudSetter = &modePort{}
