// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bitbang drives a 1-wire bus by toggling a single GPIO pin.
//
// The pin must be wired to the bus with an external pull-up resistor (4.7kΩ
// typical). Low is driven, high is obtained by releasing the pin as an input.
// Slot timings are met by busy waiting, so the process must be able to keep a
// core for a few hundred microseconds at a time.
package bitbang

import (
	"fmt"
	"runtime"
	"time"

	"github.com/GermanBionicSystems/onewire/owbus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/host/v3/cpu"
)

// CriticalSection brackets the few microseconds where the slot timing must not
// be disturbed by the scheduler.
type CriticalSection interface {
	Enter()
	Exit()
}

// Opts contains options to pass to the constructor.
type Opts struct {
	// PullUp enables the pin's internal pull-up when released, in addition to
	// the external resistor.
	PullUp bool
	// Delay busy waits. Defaults to cpu.Nanospin.
	Delay func(time.Duration)
	// Critical defaults to locking the goroutine to its OS thread.
	Critical CriticalSection
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Delay: cpu.Nanospin,
}

// Slot timings.
var (
	// Write1 is the write slot for a 1.
	Write1 = owbus.TimeSlot{Low: 10 * time.Microsecond, High: 55 * time.Microsecond}
	// Write0 is the write slot for a 0.
	Write0 = owbus.TimeSlot{Low: 60 * time.Microsecond, High: 5 * time.Microsecond}
	// Read is the read slot: the line is released after Low and sampled
	// after ReadSample; High completes the slot after the sample.
	Read       = owbus.TimeSlot{Low: 3 * time.Microsecond, High: 53 * time.Microsecond}
	ReadSample = 10 * time.Microsecond
)

const (
	// idleRetries times idlePoll is how long Reset waits for the line to
	// go high.
	idleRetries = 125
	idlePoll    = 2 * time.Microsecond
)

// New returns a Dev driving the bus on p.
func New(p gpio.PinIO, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, fmt.Errorf("bitbang: no pin: %w", owbus.ErrParameterNull)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	d := &Dev{p: p, pull: gpio.Float, delay: opts.Delay, cs: opts.Critical}
	if opts.PullUp {
		d.pull = gpio.PullUp
	}
	if d.delay == nil {
		d.delay = cpu.Nanospin
	}
	if d.cs == nil {
		d.cs = threadLock{}
	}
	if err := d.release(); err != nil {
		return nil, fmt.Errorf("bitbang: %s: %w", p, err)
	}
	return d, nil
}

// Dev is a 1-wire transport on a GPIO pin.
//
// It implements owbus.Transport.
type Dev struct {
	p     gpio.PinIO
	pull  gpio.Pull
	delay func(time.Duration)
	cs    CriticalSection
}

func (d *Dev) String() string {
	return "bitbang{" + d.p.String() + "}"
}

// Halt implements conn.Resource.
//
// It releases the line.
func (d *Dev) Halt() error {
	return d.release()
}

// Reset implements owbus.Transport.
//
// It returns owbus.ErrShorted when the line does not go high on its own.
func (d *Dev) Reset() (bool, error) {
	if err := d.release(); err != nil {
		return false, d.pinError(err)
	}
	retries := idleRetries
	for {
		if retries--; retries == 0 {
			return false, owbus.ErrShorted
		}
		d.delay(idlePoll)
		if d.p.Read() == gpio.High {
			break
		}
	}
	if err := d.p.Out(gpio.Low); err != nil {
		return false, d.pinError(err)
	}
	d.delay(owbus.ResetLow)
	d.cs.Enter()
	err := d.release()
	d.delay(owbus.PresenceSample)
	present := d.p.Read() == gpio.Low
	d.cs.Exit()
	if err != nil {
		return false, d.pinError(err)
	}
	d.delay(owbus.PresenceRecovery)
	return present, nil
}

// WriteBits implements owbus.Transport.
func (d *Dev) WriteBits(v byte, n int, power bool) error {
	if err := owbus.CheckBits(n); err != nil {
		return err
	}
	for i := range n {
		if err := d.writeBit(v&(1<<uint(i)) != 0, power); err != nil {
			return err
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
		b, err := d.readBit()
		if err != nil {
			return 0, err
		}
		if b {
			v |= 1 << uint(i)
		}
	}
	return v, nil
}

// Power implements owbus.Transport.
func (d *Dev) Power() error {
	if err := d.p.Out(gpio.High); err != nil {
		return d.pinError(err)
	}
	return nil
}

// Depower implements owbus.Transport.
func (d *Dev) Depower() error {
	if err := d.release(); err != nil {
		return d.pinError(err)
	}
	return nil
}

func (d *Dev) writeBit(v, power bool) error {
	s := Write0
	if v {
		s = Write1
	}
	d.cs.Enter()
	err := d.p.Out(gpio.Low)
	d.delay(s.Low)
	if err == nil {
		if power {
			err = d.p.Out(gpio.High)
		} else {
			err = d.release()
		}
	}
	d.cs.Exit()
	if err != nil {
		return d.pinError(err)
	}
	d.delay(s.High)
	return nil
}

func (d *Dev) readBit() (bool, error) {
	d.cs.Enter()
	err := d.p.Out(gpio.Low)
	d.delay(Read.Low)
	if err == nil {
		err = d.release()
	}
	d.delay(ReadSample)
	v := d.p.Read() == gpio.High
	d.cs.Exit()
	if err != nil {
		return false, d.pinError(err)
	}
	d.delay(Read.High)
	return v, nil
}

func (d *Dev) release() error {
	return d.p.In(d.pull, gpio.NoEdge)
}

func (d *Dev) pinError(err error) error {
	return fmt.Errorf("bitbang: %s: %v: %w", d.p, err, owbus.ErrHardware)
}

// threadLock keeps the goroutine on its OS thread so it is not moved to
// another thread in the middle of a slot.
type threadLock struct{}

func (threadLock) Enter() { runtime.LockOSThread() }
func (threadLock) Exit()  { runtime.UnlockOSThread() }

var _ conn.Resource = &Dev{}
var _ owbus.Transport = &Dev{}
