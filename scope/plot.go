// Copyright 2025 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package scope

import (
	"fmt"
	"image"
	"math"
	"time"

	"github.com/GermanBionicSystems/onewire/owbus"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"
)

// PlotOpts represents the options of a timing diagram.
type PlotOpts struct {
	// Scale is in pixels per microsecond.
	Scale float64
	// Title is drawn above the waveform when not empty.
	Title string
	// FontSize is in points.
	FontSize float64
}

// DefaultPlotOpts is the recommended default options.
var DefaultPlotOpts = PlotOpts{
	Scale:    2,
	FontSize: 12,
}

// Geometry of the diagram, in pixels.
const (
	margin     = 20
	plotHeight = 120
	yHigh      = 40
	yLow       = 80
	yLabel     = 100
)

// Plot draws the slots as a timing diagram with each slot labeled by Label.
func Plot(slots []owbus.TimeSlot, opts *PlotOpts) (image.Image, error) {
	if opts == nil {
		opts = &DefaultPlotOpts
	}
	if opts.Scale <= 0 {
		return nil, fmt.Errorf("scope: invalid scale %g", opts.Scale)
	}
	var total time.Duration
	for _, s := range slots {
		total += s.Duration()
	}
	w := 2*margin + int(math.Ceil(us(total)*opts.Scale))
	dc := gg.NewContext(w, plotHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("scope: %w", err)
	}
	size := opts.FontSize
	if size <= 0 {
		size = DefaultPlotOpts.FontSize
	}
	dc.SetFontFace(truetype.NewFace(f, &truetype.Options{Size: size}))

	if opts.Title != "" {
		dc.SetRGB(0, 0, 0)
		dc.DrawString(opts.Title, margin, margin)
	}

	// Waveform.
	dc.SetRGB(0, 0, 0.6)
	dc.SetLineWidth(2)
	x := float64(margin)
	dc.MoveTo(x, yHigh)
	for _, s := range slots {
		dc.LineTo(x, yLow)
		x += us(s.Low) * opts.Scale
		dc.LineTo(x, yLow)
		dc.LineTo(x, yHigh)
		x += us(s.High) * opts.Scale
		dc.LineTo(x, yHigh)
	}
	dc.Stroke()

	dc.SetRGB(0.3, 0.3, 0.3)
	x = margin
	for _, s := range slots {
		next := x + us(s.Duration())*opts.Scale
		dc.DrawStringAnchored(Label(s), (x+next)/2, yLabel, 0.5, 0.5)
		x = next
	}
	return dc.Image(), nil
}

// SavePNG writes img to path.
func SavePNG(path string, img image.Image) error {
	return gg.SavePNG(path, img)
}

func us(d time.Duration) float64 {
	return float64(d) / float64(time.Microsecond)
}
