// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package scope shows 1-wire time slots as a waveform, either on the
// terminal using ANSI color codes or as a PNG timing diagram.
//
// Useful to check a transport's timings without a logic analyzer.
package scope

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"time"

	"github.com/GermanBionicSystems/onewire/owbus"
	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/display"
)

// Opts represents the options available for the terminal display.
type Opts struct {
	// X is the number of cells per row.
	X int
	// Resolution is the time covered by one cell.
	Resolution time.Duration
	Palette    *ansi256.Palette
	// Low and High are the colors of a low and a released line.
	Low  color.NRGBA
	High color.NRGBA

	_ struct{}
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	X:          80,
	Resolution: 5 * time.Microsecond,
	Low:        color.NRGBA{0x20, 0x40, 0xff, 0xff},
	High:       color.NRGBA{0xff, 0xe0, 0x40, 0xff},
}

// Dev is a one row waveform display on the console.
type Dev struct {
	w       io.Writer
	opts    Opts
	palette ansi256.Palette

	pixels []byte
	buf    bytes.Buffer
}

// New returns a Dev that displays at the console.
func New(opts *Opts) *Dev {
	return NewWriter(colorable.NewColorableStdout(), opts)
}

// NewWriter returns a Dev that writes the escape sequences to w.
func NewWriter(w io.Writer, opts *Opts) *Dev {
	if opts == nil {
		opts = &DefaultOpts
	}
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	d := &Dev{
		w:       w,
		opts:    *opts,
		palette: *p,
	}
	if d.opts.X <= 0 {
		d.opts.X = DefaultOpts.X
	}
	if d.opts.Resolution <= 0 {
		d.opts.Resolution = DefaultOpts.Resolution
	}
	d.pixels = make([]byte, 3*d.opts.X)
	return d
}

func (d *Dev) String() string {
	return "Scope"
}

// Halt implements conn.Resource.
//
// It resets the terminal colors.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}

// Write accepts a stream of raw RGB pixels and writes it to the console.
func (d *Dev) Write(pixels []byte) (int, error) {
	if len(pixels)%3 != 0 {
		return 0, errors.New("scope: invalid RGB stream length")
	}
	copy(d.pixels, pixels)
	return d.refresh()
}

// ColorModel implements display.Drawer.
func (d *Dev) ColorModel() color.Model {
	return color.NRGBAModel
}

// Bounds implements display.Drawer.
func (d *Dev) Bounds() image.Rectangle {
	return image.Rectangle{Max: image.Point{X: d.opts.X, Y: 1}}
}

// Draw implements display.Drawer.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	r = r.Intersect(d.Bounds())
	srcR := src.Bounds()
	srcR.Min = srcR.Min.Add(sp)
	if dX := r.Dx(); dX < srcR.Dx() {
		srcR.Max.X = srcR.Min.X + dX
	}
	if dY := r.Dy(); dY < srcR.Dy() {
		srcR.Max.Y = srcR.Min.Y + dY
	}
	deltaX3 := 3 * (r.Min.X - srcR.Min.X)
	for sX := srcR.Min.X; sX < srcR.Max.X; sX++ {
		r16, g16, b16, _ := src.At(sX, srcR.Min.Y).RGBA()
		dX3 := 3*sX + deltaX3
		d.pixels[dX3] = byte(r16 >> 8)
		d.pixels[dX3+1] = byte(g16 >> 8)
		d.pixels[dX3+2] = byte(b16 >> 8)
	}
	_, err := d.refresh()
	return err
}

// Show prints the slots, one row of X cells per line. A cell is low when the
// line is low for any part of it.
func (d *Dev) Show(slots []owbus.TimeSlot) error {
	img := Waveform(slots, d.opts.Resolution, d.opts.Low, d.opts.High)
	b := img.Bounds()
	for x := b.Min.X; x < b.Max.X; x += d.opts.X {
		for i := range d.pixels {
			d.pixels[i] = 0
		}
		row := img.SubImage(image.Rect(x, 0, min(x+d.opts.X, b.Max.X), 1))
		if err := d.Draw(d.Bounds(), row, image.Point{}); err != nil {
			return err
		}
		if _, err := io.WriteString(d.w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dev) refresh() (int, error) {
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	for i := 0; i < len(d.pixels)/3; i++ {
		c := color.NRGBA{d.pixels[3*i], d.pixels[3*i+1], d.pixels[3*i+2], 255}
		_, _ = io.WriteString(&d.buf, d.palette.Block(c))
	}
	_, _ = d.buf.WriteString("\033[0m ")
	_, err := d.buf.WriteTo(d.w)
	return len(d.pixels), err
}

// Waveform returns a one pixel high image of the slots with one pixel per
// res.
func Waveform(slots []owbus.TimeSlot, res time.Duration, low, high color.Color) *image.NRGBA {
	var total time.Duration
	for _, s := range slots {
		total += s.Duration()
	}
	n := int((total + res - 1) / res)
	img := image.NewNRGBA(image.Rect(0, 0, n, 1))
	var t time.Duration
	for _, s := range slots {
		lowEnd := t + s.Low
		for x := int(t / res); x < n && time.Duration(x)*res < lowEnd; x++ {
			img.Set(x, 0, low)
		}
		t += s.Duration()
		for x := int((lowEnd + res - 1) / res); x < n && time.Duration(x)*res < t; x++ {
			img.Set(x, 0, high)
		}
	}
	return img
}

// Label names a slot: "R" for a reset pulse, otherwise the bit a device
// sampling 15µs into the slot sees.
func Label(s owbus.TimeSlot) string {
	if s.Low >= owbus.ResetLow-20*time.Microsecond {
		return "R"
	}
	if s.Bit(sampleAt) {
		return "1"
	}
	return "0"
}

const sampleAt = 15 * time.Microsecond

var _ display.Drawer = &Dev{}
var _ fmt.Stringer = &Dev{}
