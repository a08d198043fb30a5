// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package owbustest simulates a 1-wire line with devices on it, for tests.
//
// The line runs on a virtual clock that only advances through Delay and the
// simulated peripherals, so tests are deterministic and take no real time.
// A Line can be driven as a GPIO pin (bitbang), as a pulse peripheral (pulse)
// or as a UART (ds9097).
//
// A Line is not safe for concurrent use.
package owbustest

import (
	"fmt"
	"sort"
	"time"

	"github.com/GermanBionicSystems/onewire/owbus"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// Electrical behavior of the simulated devices.
const (
	// ResetMin is the shortest low phase seen as a reset pulse.
	ResetMin = 400 * time.Microsecond
	// SampleAt is when devices sample a slot driven by the master: a shorter
	// low phase is a 1.
	SampleAt = 15 * time.Microsecond
	// HoldZero is how long a device keeps the line low to send a 0.
	HoldZero = 30 * time.Microsecond
	// PresenceWait is the delay between the end of the reset pulse and the
	// presence pulse.
	PresenceWait = 15 * time.Microsecond
	// PresenceLow is the length of the presence pulse.
	PresenceLow = 120 * time.Microsecond
)

// EventKind is the kind of an Event.
type EventKind int

const (
	// Fall is the master starting to drive low.
	Fall EventKind = iota
	// Rise is the master releasing the line after driving it low.
	Rise
	// DriveHigh is the master driving the line high.
	DriveHigh
	// Sample is the master reading the line.
	Sample
	// Enter and Exit bracket a critical section.
	Enter
	Exit
)

func (k EventKind) String() string {
	switch k {
	case Fall:
		return "fall"
	case Rise:
		return "rise"
	case DriveHigh:
		return "high"
	case Sample:
		return "sample"
	case Enter:
		return "enter"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one master action on the line.
type Event struct {
	At   time.Duration
	Kind EventKind
	// Level is the level read by a Sample.
	Level gpio.Level
	// Critical is true when the event happened inside a critical section.
	Critical bool
}

func (e Event) String() string {
	s := fmt.Sprintf("%s@%s", e.Kind, e.At)
	if e.Kind == Sample {
		s += fmt.Sprintf("=%s", e.Level)
	}
	return s
}

type span struct {
	from, to time.Duration
}

func (s span) covers(t time.Duration) bool {
	return s.from <= t && t < s.to
}

// Line is a simulated 1-wire line with an external pull-up.
//
// It implements gpio.PinIO: Out(gpio.Low) drives the line low, In releases
// it, Out(gpio.High) drives it high and Read samples it at the current
// virtual time.
type Line struct {
	gpiotest.Pin

	// Devices are the devices on the bus.
	Devices []*Device
	// Shorted keeps the line low.
	Shorted bool
	// Disconnected cuts the devices and the capture channel off the line.
	Disconnected bool

	now      time.Duration
	low      bool
	high     bool
	fell     time.Duration
	lows     []span
	holds    []span
	events   []Event
	critical int

	rmt *Peripheral
}

// New returns a Line with the devices on it.
func New(devices ...*Device) *Line {
	l := &Line{Devices: devices}
	l.Pin.N = "onewire-sim"
	return l
}

func (l *Line) String() string {
	return l.Pin.N
}

// Halt implements conn.Resource.
func (l *Line) Halt() error {
	return l.In(gpio.PullNoChange, gpio.NoEdge)
}

// Now returns the virtual time.
func (l *Line) Now() time.Duration {
	return l.now
}

// Delay advances the virtual clock.
func (l *Line) Delay(d time.Duration) {
	if d > 0 {
		l.now += d
	}
}

// Enter implements bitbang.CriticalSection.
func (l *Line) Enter() {
	l.critical++
	l.log(Event{Kind: Enter})
}

// Exit implements bitbang.CriticalSection.
func (l *Line) Exit() {
	l.log(Event{Kind: Exit})
	if l.critical > 0 {
		l.critical--
	}
}

// In releases the line.
func (l *Line) In(pull gpio.Pull, edge gpio.Edge) error {
	if edge != gpio.NoEdge {
		return fmt.Errorf("owbustest: %s: edge detection not supported", l)
	}
	l.high = false
	l.rise()
	return nil
}

// Out drives the line.
func (l *Line) Out(level gpio.Level) error {
	if level == gpio.Low {
		l.fall()
		return nil
	}
	l.rise()
	if !l.high {
		l.high = true
		l.log(Event{Kind: DriveHigh})
	}
	return nil
}

// Read samples the line.
func (l *Line) Read() gpio.Level {
	v := l.levelAt(l.now)
	l.log(Event{Kind: Sample, Level: v})
	return v
}

// Events returns the master actions logged since the line was created.
func (l *Line) Events() []Event {
	return append([]Event(nil), l.events...)
}

// Pulses returns the length of every low phase driven by the master.
func (l *Line) Pulses() []time.Duration {
	var out []time.Duration
	for _, s := range l.closedLows() {
		out = append(out, s.to-s.from)
	}
	return out
}

// Trace returns the slots driven by the master: each low phase with the high
// phase following it. The last high phase ends at the current time.
func (l *Line) Trace() []owbus.TimeSlot {
	lows := l.closedLows()
	out := make([]owbus.TimeSlot, len(lows))
	for i, s := range lows {
		end := l.now
		if i+1 < len(lows) {
			end = lows[i+1].from
		}
		out[i] = owbus.TimeSlot{Low: s.to - s.from, High: end - s.to}
	}
	return out
}

// ClearLog drops the logged events and pulses.
func (l *Line) ClearLog() {
	l.events = nil
	l.lows = nil
}

func (l *Line) closedLows() []span {
	out := l.lows
	if l.low {
		out = append(out[:len(out):len(out)], span{l.fell, l.now})
	}
	return out
}

func (l *Line) fall() {
	if l.low {
		return
	}
	l.low = true
	l.high = false
	l.fell = l.now
	l.log(Event{Kind: Fall})
	if l.Disconnected {
		return
	}
	l.pruneHolds()
	for _, d := range l.Devices {
		if d.fall() {
			l.holds = append(l.holds, span{l.now, l.now + HoldZero})
		}
	}
}

func (l *Line) rise() {
	if !l.low {
		return
	}
	l.low = false
	l.lows = append(l.lows, span{l.fell, l.now})
	l.log(Event{Kind: Rise})
	if l.Disconnected {
		return
	}
	d := l.now - l.fell
	if d >= ResetMin {
		present := false
		for _, dev := range l.Devices {
			dev.reset()
			present = true
		}
		if present {
			l.holds = append(l.holds, span{l.now + PresenceWait, l.now + PresenceWait + PresenceLow})
		}
		return
	}
	for _, dev := range l.Devices {
		dev.rise(d < SampleAt)
	}
}

// levelAt returns the line level at t. Master low phases older than the
// current one are taken from the log.
func (l *Line) levelAt(t time.Duration) gpio.Level {
	if l.Shorted {
		return gpio.Low
	}
	if l.low && t >= l.fell {
		return gpio.Low
	}
	if l.high && t == l.now {
		return gpio.High
	}
	for i := len(l.lows) - 1; i >= 0 && l.lows[i].to > t; i-- {
		if l.lows[i].covers(t) {
			return gpio.Low
		}
	}
	for _, s := range l.holds {
		if s.covers(t) {
			return gpio.Low
		}
	}
	return gpio.High
}

// edges returns every time in [from, to) where the level may change.
func (l *Line) edges(from, to time.Duration) []time.Duration {
	out := []time.Duration{from}
	add := func(t time.Duration) {
		if from < t && t < to {
			out = append(out, t)
		}
	}
	for i := len(l.lows) - 1; i >= 0 && l.lows[i].to > from; i-- {
		add(l.lows[i].from)
		add(l.lows[i].to)
	}
	for _, s := range l.holds {
		add(s.from)
		add(s.to)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// quietAfter returns when the devices stop holding the line after t.
func (l *Line) quietAfter(t time.Duration) time.Duration {
	for _, s := range l.holds {
		if s.to > t {
			t = s.to
		}
	}
	return t
}

func (l *Line) pruneHolds() {
	out := l.holds[:0]
	for _, s := range l.holds {
		if s.to > l.now-time.Millisecond {
			out = append(out, s)
		}
	}
	l.holds = out
}

func (l *Line) log(e Event) {
	e.At = l.now
	e.Critical = l.critical > 0
	l.events = append(l.events, e)
}

var _ gpio.PinIO = &Line{}
