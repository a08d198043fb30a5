// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package pulse drives a 1-wire bus through a pulse generator and capture
// peripheral, such as the remote control (RMT) module found on ESP32 class
// chips.
//
// One transmit channel produces the time slots and one receive channel
// records the line on the same pin. The CPU never busy waits on the slot
// timing; it only queues a burst and waits for the capture.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GermanBionicSystems/onewire/owbus"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
)

// Channel is a channel number of the peripheral.
type Channel int

// Item is one entry of a pulse train: Level0 for Duration0 then Level1 for
// Duration1.
//
// A zero duration ends the train.
type Item struct {
	Level0    gpio.Level
	Duration0 time.Duration
	Level1    gpio.Level
	Duration1 time.Duration
}

// End terminates a pulse train sent with Transmit.
var End = Item{Level0: gpio.High}

// TxConfig configures a transmit channel.
type TxConfig struct {
	Pin int
	// IdleLevel is the level driven between bursts when IdleOutput is set.
	IdleLevel  gpio.Level
	IdleOutput bool
}

// RxConfig configures a receive channel.
type RxConfig struct {
	Pin int
	// Filter drops pulses shorter than this.
	Filter time.Duration
	// IdleThreshold ends a capture once the line did not change for this
	// long.
	IdleThreshold time.Duration
}

// Peripheral is the host capability used by Dev.
//
// Every call returns an error when the hardware rejects it.
type Peripheral interface {
	// Reset disables and re-enables the peripheral module.
	Reset() error
	ConfigureTx(ch Channel, cfg TxConfig) error
	ConfigureRx(ch Channel, cfg RxConfig) error
	// BindPin routes the channel to the pin.
	BindPin(ch Channel, pin int) error
	// SetOpenDrain makes the pin only able to pull low.
	SetOpenDrain(pin int) error
	IdleThreshold(ch Channel) (time.Duration, error)
	SetIdleThreshold(ch Channel, d time.Duration) error
	StartRx(ch Channel) error
	StopRx(ch Channel) error
	// Flush drops the captures not received yet.
	Flush(ch Channel) error
	// Transmit sends the items up to the first zero duration and returns
	// once the burst is done.
	Transmit(ch Channel, items []Item) error
	// Receive blocks until one capture is available or ctx is done. The last
	// item of a capture has a zero duration.
	Receive(ctx context.Context, ch Channel) ([]Item, error)
	// Uninstall releases the channel.
	Uninstall(ch Channel) error
}

// Opts contains options to pass to the constructor.
type Opts struct {
	Pin       int
	TxChannel Channel
	RxChannel Channel
	// ResetTimeout bounds the wait for the presence pulse.
	ResetTimeout time.Duration
	// SampleThreshold is when a read slot is sampled: a line released before
	// it reads as 1. Valid range is 13µs..15µs.
	SampleThreshold time.Duration
	// MinPulse is the capture noise filter.
	MinPulse time.Duration
	// StrongPullup is an optional pin driving a transistor to the supply.
	// High means powered.
	StrongPullup gpio.PinOut
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	TxChannel:       0,
	RxChannel:       1,
	ResetTimeout:    100 * time.Millisecond,
	SampleThreshold: 13 * time.Microsecond,
	MinPulse:        1 * time.Microsecond,
}

// Slot timings.
var (
	// Slot1 writes a 1.
	Slot1 = owbus.TimeSlot{Low: 2 * time.Microsecond, High: 73 * time.Microsecond}
	// Slot0 writes a 0.
	Slot0 = owbus.TimeSlot{Low: 65 * time.Microsecond, High: 10 * time.Microsecond}
	// SlotRead starts a read slot.
	SlotRead = owbus.TimeSlot{Low: 2 * time.Microsecond, High: 73 * time.Microsecond}
)

const (
	// rxIdle ends a capture after the longest slot.
	rxIdle = 75*time.Microsecond + 2*time.Microsecond
	// resetIdle is used during the reset to capture the presence pulse.
	resetIdle = owbus.ResetLow + 60*time.Microsecond
	// presenceMin is the shortest reset low phase accepted in a capture.
	presenceMin = owbus.ResetLow - 2*time.Microsecond
)

// New returns a Dev driving the bus through p.
func New(p Peripheral, opts *Opts) (*Dev, error) {
	if p == nil {
		return nil, fmt.Errorf("pulse: no peripheral: %w", owbus.ErrParameterNull)
	}
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.SampleThreshold < 13*time.Microsecond || opts.SampleThreshold > 15*time.Microsecond {
		return nil, fmt.Errorf("pulse: sample threshold %s out of range 13µs..15µs", opts.SampleThreshold)
	}
	if opts.TxChannel == opts.RxChannel {
		return nil, errors.New("pulse: transmit and receive channels must differ")
	}
	d := &Dev{p: p, opts: *opts}
	if d.opts.ResetTimeout <= 0 {
		d.opts.ResetTimeout = DefaultOpts.ResetTimeout
	}
	if err := d.init(); err != nil {
		return nil, err
	}
	return d, nil
}

// Dev is a 1-wire transport on a pulse peripheral.
//
// It implements owbus.Transport.
type Dev struct {
	p      Peripheral
	opts   Opts
	halted bool
}

func (d *Dev) String() string {
	return fmt.Sprintf("pulse{pin:%d tx:%d rx:%d}", d.opts.Pin, d.opts.TxChannel, d.opts.RxChannel)
}

// Halt implements conn.Resource.
//
// It uninstalls both channels.
func (d *Dev) Halt() error {
	if d.halted {
		return nil
	}
	d.halted = true
	err := d.p.Uninstall(d.opts.TxChannel)
	if err2 := d.p.Uninstall(d.opts.RxChannel); err == nil {
		err = err2
	}
	return err
}

// Reset implements owbus.Transport.
//
// A missing or late capture, or one that does not start with the reset pulse,
// is a hardware error.
func (d *Dev) Reset() (bool, error) {
	if d.halted {
		return false, owbus.ErrNotInitialized
	}
	if err := d.release(); err != nil {
		return false, err
	}
	rx := d.opts.RxChannel
	idle, err := d.p.IdleThreshold(rx)
	if err != nil {
		return false, hwError("reading idle threshold", err)
	}
	if err := d.p.SetIdleThreshold(rx, resetIdle); err != nil {
		return false, hwError("widening idle threshold", err)
	}
	present, err := d.reset()
	if err2 := d.p.StopRx(rx); err == nil && err2 != nil {
		err = hwError("stopping capture", err2)
	}
	if err2 := d.p.SetIdleThreshold(rx, idle); err == nil && err2 != nil {
		err = hwError("restoring idle threshold", err2)
	}
	return present, err
}

func (d *Dev) reset() (bool, error) {
	rx := d.opts.RxChannel
	if err := d.p.Flush(rx); err != nil {
		return false, hwError("flushing capture", err)
	}
	if err := d.p.StartRx(rx); err != nil {
		return false, hwError("starting capture", err)
	}
	items := []Item{{Level0: gpio.Low, Duration0: owbus.ResetLow, Level1: gpio.High}, End}
	if err := d.p.Transmit(d.opts.TxChannel, items); err != nil {
		return false, hwError("sending reset", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ResetTimeout)
	defer cancel()
	got, err := d.p.Receive(ctx, rx)
	if err != nil {
		return false, hwError("waiting for presence", err)
	}
	if len(got) == 0 || got[0].Level0 != gpio.Low || got[0].Duration0 < presenceMin {
		return false, fmt.Errorf("pulse: reset pulse not captured %v: %w", got, owbus.ErrHardware)
	}
	return isPresence(got), nil
}

// isPresence returns true when the capture shows the reset pulse, a gap and
// the presence pulse.
func isPresence(items []Item) bool {
	if len(items) < 2 {
		return false
	}
	return items[0].Level0 == gpio.Low && items[0].Duration0 >= presenceMin &&
		items[0].Level1 == gpio.High && items[0].Duration1 > 0 &&
		items[1].Level0 == gpio.Low
}

// WriteBits implements owbus.Transport.
//
// The slots are sent as one burst.
func (d *Dev) WriteBits(v byte, n int, power bool) error {
	if err := owbus.CheckBits(n); err != nil {
		return err
	}
	if d.halted {
		return owbus.ErrNotInitialized
	}
	items := make([]Item, 0, n+1)
	for i := range n {
		s := Slot0
		if v&(1<<uint(i)) != 0 {
			s = Slot1
		}
		items = append(items, slotItem(s))
	}
	items = append(items, End)
	if err := d.release(); err != nil {
		return err
	}
	if err := d.p.Transmit(d.opts.TxChannel, items); err != nil {
		return hwError("sending slots", err)
	}
	if power {
		return d.Power()
	}
	return nil
}

// ReadBits implements owbus.Transport.
//
// It blocks until the capture comes back.
func (d *Dev) ReadBits(n int) (byte, error) {
	if err := owbus.CheckBits(n); err != nil {
		return 0, err
	}
	if d.halted {
		return 0, owbus.ErrNotInitialized
	}
	if n == 0 {
		return 0, nil
	}
	rx := d.opts.RxChannel
	items := make([]Item, 0, n+1)
	for range n {
		items = append(items, slotItem(SlotRead))
	}
	items = append(items, End)
	if err := d.release(); err != nil {
		return 0, err
	}
	if err := d.p.Flush(rx); err != nil {
		return 0, hwError("flushing capture", err)
	}
	if err := d.p.StartRx(rx); err != nil {
		return 0, hwError("starting capture", err)
	}
	v, err := d.readBits(items, n)
	if err2 := d.p.StopRx(rx); err == nil && err2 != nil {
		err = hwError("stopping capture", err2)
	}
	return v, err
}

func (d *Dev) readBits(items []Item, n int) (byte, error) {
	if err := d.p.Transmit(d.opts.TxChannel, items); err != nil {
		return 0, hwError("sending read slots", err)
	}
	got, err := d.p.Receive(context.Background(), d.opts.RxChannel)
	if err != nil {
		return 0, hwError("waiting for read slots", err)
	}
	return d.decode(got, n)
}

// decode turns the first n captured slots into bits, first slot in bit 0.
func (d *Dev) decode(items []Item, n int) (byte, error) {
	if len(items) < n {
		return 0, fmt.Errorf("pulse: captured %d slots, expected %d: %w", len(items), n, owbus.ErrHardware)
	}
	var v byte
	for _, it := range items[:n] {
		v >>= 1
		if it.Level0 == gpio.Low && it.Level1 == gpio.High && it.Duration0 < d.opts.SampleThreshold {
			v |= 0x80
		}
	}
	return v >> uint(8-n), nil
}

// Power implements owbus.Transport.
//
// The strong pull-up stays on until Depower or the next slot.
func (d *Dev) Power() error {
	if d.opts.StrongPullup == nil {
		return owbus.ErrNotSupported
	}
	return d.opts.StrongPullup.Out(gpio.High)
}

// Depower implements owbus.Transport.
func (d *Dev) Depower() error {
	if d.opts.StrongPullup == nil {
		return owbus.ErrNotSupported
	}
	return d.opts.StrongPullup.Out(gpio.Low)
}

// release turns the strong pull-up off ahead of a slot.
func (d *Dev) release() error {
	if d.opts.StrongPullup == nil {
		return nil
	}
	if err := d.opts.StrongPullup.Out(gpio.Low); err != nil {
		return hwError("releasing strong pull-up", err)
	}
	return nil
}

func (d *Dev) init() error {
	tx, rx := d.opts.TxChannel, d.opts.RxChannel
	if err := d.p.Reset(); err != nil {
		return fmt.Errorf("pulse: resetting peripheral: %w", err)
	}
	txc := TxConfig{Pin: d.opts.Pin, IdleLevel: gpio.High, IdleOutput: true}
	if err := d.p.ConfigureTx(tx, txc); err != nil {
		return fmt.Errorf("pulse: configuring transmit channel: %w", err)
	}
	rxc := RxConfig{Pin: d.opts.Pin, Filter: d.opts.MinPulse, IdleThreshold: rxIdle}
	if err := d.p.ConfigureRx(rx, rxc); err != nil {
		d.p.Uninstall(tx)
		return fmt.Errorf("pulse: configuring receive channel: %w", err)
	}
	// The receiver is bound first so the pin is never driven while switching.
	if err := d.p.BindPin(rx, d.opts.Pin); err != nil {
		return d.abort(fmt.Errorf("pulse: binding receive channel: %w", err))
	}
	if err := d.p.BindPin(tx, d.opts.Pin); err != nil {
		return d.abort(fmt.Errorf("pulse: binding transmit channel: %w", err))
	}
	if err := d.p.SetOpenDrain(d.opts.Pin); err != nil {
		return d.abort(fmt.Errorf("pulse: setting open drain: %w", err))
	}
	return nil
}

func (d *Dev) abort(err error) error {
	d.Halt()
	return err
}

func slotItem(s owbus.TimeSlot) Item {
	return Item{Level0: gpio.Low, Duration0: s.Low, Level1: gpio.High, Duration1: s.High}
}

func hwError(op string, err error) error {
	return fmt.Errorf("pulse: %s: %v: %w", op, err, owbus.ErrHardware)
}

var _ conn.Resource = &Dev{}
var _ owbus.Transport = &Dev{}
