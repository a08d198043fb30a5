// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package owbustest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/GermanBionicSystems/onewire/pulse"
	"periph.io/x/conn/v3/gpio"
)

// Peripheral is a simulated pulse peripheral wired to a Line.
//
// It implements pulse.Peripheral. Transmit plays the items on the line on the
// virtual clock; a receive channel that is started records the line until it
// stays high for the idle threshold.
type Peripheral struct {
	l *Line
	// Fail makes the method of that name return the error.
	Fail map[string]error

	calls    []string
	tx       map[pulse.Channel]bool
	rx       map[pulse.Channel]*rxChannel
	openPins map[int]bool
}

type rxChannel struct {
	filter   time.Duration
	idle     time.Duration
	bound    bool
	running  bool
	captures [][]pulse.Item
}

// Peripheral returns the pulse peripheral wired to the line.
func (l *Line) Peripheral() *Peripheral {
	if l.rmt == nil {
		l.rmt = &Peripheral{
			l:        l,
			Fail:     map[string]error{},
			tx:       map[pulse.Channel]bool{},
			rx:       map[pulse.Channel]*rxChannel{},
			openPins: map[int]bool{},
		}
	}
	return l.rmt
}

// Calls returns the methods called so far, with their arguments.
func (p *Peripheral) Calls() []string {
	return append([]string(nil), p.calls...)
}

// Installed returns true when the channel is configured.
func (p *Peripheral) Installed(ch pulse.Channel) bool {
	return p.tx[ch] || p.rx[ch] != nil
}

// Reset implements pulse.Peripheral.
func (p *Peripheral) Reset() error {
	if err := p.call("Reset", ""); err != nil {
		return err
	}
	p.tx = map[pulse.Channel]bool{}
	p.rx = map[pulse.Channel]*rxChannel{}
	return nil
}

// ConfigureTx implements pulse.Peripheral.
func (p *Peripheral) ConfigureTx(ch pulse.Channel, cfg pulse.TxConfig) error {
	if err := p.call("ConfigureTx", fmt.Sprint(ch)); err != nil {
		return err
	}
	if p.Installed(ch) {
		return fmt.Errorf("owbustest: channel %d already installed", ch)
	}
	if !cfg.IdleOutput || cfg.IdleLevel != gpio.High {
		return errors.New("owbustest: transmit channel must idle high")
	}
	p.tx[ch] = true
	return nil
}

// ConfigureRx implements pulse.Peripheral.
func (p *Peripheral) ConfigureRx(ch pulse.Channel, cfg pulse.RxConfig) error {
	if err := p.call("ConfigureRx", fmt.Sprint(ch)); err != nil {
		return err
	}
	if p.Installed(ch) {
		return fmt.Errorf("owbustest: channel %d already installed", ch)
	}
	p.rx[ch] = &rxChannel{filter: cfg.Filter, idle: cfg.IdleThreshold}
	return nil
}

// BindPin implements pulse.Peripheral.
func (p *Peripheral) BindPin(ch pulse.Channel, pin int) error {
	if err := p.call("BindPin", fmt.Sprint(ch, ",", pin)); err != nil {
		return err
	}
	if r := p.rx[ch]; r != nil {
		r.bound = true
		return nil
	}
	if !p.tx[ch] {
		return fmt.Errorf("owbustest: channel %d not installed", ch)
	}
	return nil
}

// SetOpenDrain implements pulse.Peripheral.
func (p *Peripheral) SetOpenDrain(pin int) error {
	if err := p.call("SetOpenDrain", fmt.Sprint(pin)); err != nil {
		return err
	}
	p.openPins[pin] = true
	return nil
}

// IdleThreshold implements pulse.Peripheral.
func (p *Peripheral) IdleThreshold(ch pulse.Channel) (time.Duration, error) {
	if err := p.call("IdleThreshold", fmt.Sprint(ch)); err != nil {
		return 0, err
	}
	r, err := p.rxChannel(ch)
	if err != nil {
		return 0, err
	}
	return r.idle, nil
}

// SetIdleThreshold implements pulse.Peripheral.
func (p *Peripheral) SetIdleThreshold(ch pulse.Channel, d time.Duration) error {
	if err := p.call("SetIdleThreshold", fmt.Sprint(ch, ",", d)); err != nil {
		return err
	}
	r, err := p.rxChannel(ch)
	if err != nil {
		return err
	}
	r.idle = d
	return nil
}

// StartRx implements pulse.Peripheral.
func (p *Peripheral) StartRx(ch pulse.Channel) error {
	if err := p.call("StartRx", fmt.Sprint(ch)); err != nil {
		return err
	}
	r, err := p.rxChannel(ch)
	if err != nil {
		return err
	}
	r.running = true
	return nil
}

// StopRx implements pulse.Peripheral.
func (p *Peripheral) StopRx(ch pulse.Channel) error {
	if err := p.call("StopRx", fmt.Sprint(ch)); err != nil {
		return err
	}
	r, err := p.rxChannel(ch)
	if err != nil {
		return err
	}
	r.running = false
	return nil
}

// Flush implements pulse.Peripheral.
func (p *Peripheral) Flush(ch pulse.Channel) error {
	if err := p.call("Flush", fmt.Sprint(ch)); err != nil {
		return err
	}
	r, err := p.rxChannel(ch)
	if err != nil {
		return err
	}
	r.captures = nil
	return nil
}

// Transmit implements pulse.Peripheral.
func (p *Peripheral) Transmit(ch pulse.Channel, items []pulse.Item) error {
	if err := p.call("Transmit", fmt.Sprint(ch, ",", len(items))); err != nil {
		return err
	}
	if !p.tx[ch] {
		return fmt.Errorf("owbustest: channel %d not installed", ch)
	}
	l := p.l
	from := l.now
	for _, it := range items {
		if it.Duration0 == 0 {
			break
		}
		p.drive(it.Level0)
		l.Delay(it.Duration0)
		if it.Duration1 == 0 {
			break
		}
		p.drive(it.Level1)
		l.Delay(it.Duration1)
	}
	p.drive(gpio.High)
	for _, r := range p.rx {
		if r.running && r.bound && !l.Disconnected && !l.Shorted {
			if c := p.capture(r, from); len(c) != 0 {
				r.captures = append(r.captures, c)
			}
		}
	}
	return nil
}

// Receive implements pulse.Peripheral.
//
// Without a capture it returns context.DeadlineExceeded when ctx has a
// deadline and an error otherwise, since the virtual clock cannot advance
// while blocked.
func (p *Peripheral) Receive(ctx context.Context, ch pulse.Channel) ([]pulse.Item, error) {
	if err := p.call("Receive", fmt.Sprint(ch)); err != nil {
		return nil, err
	}
	r, err := p.rxChannel(ch)
	if err != nil {
		return nil, err
	}
	if len(r.captures) == 0 {
		if deadline, ok := ctx.Deadline(); ok {
			p.l.Delay(time.Until(deadline))
			return nil, context.DeadlineExceeded
		}
		return nil, errors.New("owbustest: receive would block forever")
	}
	c := r.captures[0]
	r.captures = r.captures[1:]
	return c, nil
}

// Uninstall implements pulse.Peripheral.
func (p *Peripheral) Uninstall(ch pulse.Channel) error {
	if err := p.call("Uninstall", fmt.Sprint(ch)); err != nil {
		return err
	}
	if !p.Installed(ch) {
		return fmt.Errorf("owbustest: channel %d not installed", ch)
	}
	delete(p.tx, ch)
	delete(p.rx, ch)
	return nil
}

func (p *Peripheral) call(name, args string) error {
	p.calls = append(p.calls, name+"("+args+")")
	return p.Fail[name]
}

func (p *Peripheral) rxChannel(ch pulse.Channel) (*rxChannel, error) {
	r := p.rx[ch]
	if r == nil {
		return nil, fmt.Errorf("owbustest: receive channel %d not installed", ch)
	}
	return r, nil
}

// drive applies a level with an open drain output: high releases the line.
func (p *Peripheral) drive(v gpio.Level) {
	if v == gpio.Low {
		p.l.fall()
	} else {
		p.l.high = false
		p.l.rise()
	}
}

type segment struct {
	level gpio.Level
	d     time.Duration
}

// capture records the line from the start of the burst until it stayed high
// for the idle threshold, and advances the clock to that point.
func (p *Peripheral) capture(r *rxChannel, from time.Duration) []pulse.Item {
	l := p.l
	quiet := l.quietAfter(l.now)
	horizon := quiet + r.idle + time.Microsecond
	ts := l.edges(from, horizon)
	var segs []segment
	for i, t := range ts {
		end := horizon
		if i+1 < len(ts) {
			end = ts[i+1]
		}
		if end == t {
			continue
		}
		v := l.levelAt(t)
		if len(segs) == 0 && v == gpio.High {
			continue
		}
		if n := len(segs); n != 0 && segs[n-1].level == v {
			segs[n-1].d += end - t
		} else {
			segs = append(segs, segment{v, end - t})
		}
	}
	l.now = quiet + r.idle
	segs = filter(segs, r.filter)
	var items []pulse.Item
	for i := 0; i < len(segs); i += 2 {
		it := pulse.Item{Level0: segs[i].level, Duration0: segs[i].d}
		if i+1 < len(segs) {
			it.Level1 = segs[i+1].level
			it.Duration1 = segs[i+1].d
		}
		if it.Duration1 >= r.idle || i+2 >= len(segs) {
			it.Duration1 = 0
			items = append(items, it)
			break
		}
		items = append(items, it)
	}
	return items
}

// filter merges the pulses shorter than min into their neighbors.
func filter(segs []segment, min time.Duration) []segment {
	var out []segment
	for i, s := range segs {
		last := len(out) - 1
		if last >= 0 && (s.level == out[last].level || (s.d < min && i+1 < len(segs))) {
			out[last].d += s.d
			continue
		}
		out = append(out, s)
	}
	return out
}

var _ pulse.Peripheral = &Peripheral{}
