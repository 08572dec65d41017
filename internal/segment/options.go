// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package segment reduces detector frames to sparse pixel lists.
//
// Per frame, pixels above an intensity cut are selected, capped to a pixel
// budget with a threshold ladder, and filtered to connected spots of a
// minimum size. Per file, the resulting sparse frames are streamed into a
// sparse container.
package segment

import (
	"errors"
	"fmt"

	"github.com/mlnoga/sparsepix/internal/fits"
	"github.com/mlnoga/sparsepix/internal/sparse"
	"github.com/mlnoga/sparsepix/internal/stats"
)

// Mask, background and frames disagree on the pixel grid
var ErrShapeMismatch = errors.New("pixel grid shape mismatch")

// A source file has a different frame count than expected
var ErrIrregularData = errors.New("irregular frame count")

// Mask file conventions
const (
	MaskGood = "good" // nonzero marks a usable pixel
	MaskBad  = "bad"  // nonzero marks an excluded pixel
)

// Segmentation parameters. Built once before any frame is processed and
// shared read-only between workers afterwards.
type Options struct {
	Cut          float64   // keep pixels strictly above this value
	HowMany      int       // maximum pixels per frame
	PixelsInSpot int       // minimum connected group size, 1 or less disables the filter
	Connectivity int       // 4 or 8
	Thresholds   []float64 // ascending ladder for capping, Cut*2^i

	Height     int       // pixel grid shape, 0 until fixed by a mask or background
	Width      int
	Mask       []bool    // true excludes the pixel, nil excludes none
	Background []float64 // subtracted before thresholding, nil for none
}

// Creates options with a threshold ladder of the given number of rungs
func NewOptions(cut float64, howMany, pixelsInSpot, rungs, connectivity int) (*Options, error) {
	if rungs < 1 {
		return nil, fmt.Errorf("threshold ladder needs at least one rung, got %d", rungs)
	}
	o := &Options{
		Cut:          cut,
		HowMany:      howMany,
		PixelsInSpot: pixelsInSpot,
		Connectivity: connectivity,
		Thresholds:   stats.Ladder(cut, rungs),
	}
	return o, o.Validate()
}

// Checks parameter ranges and internal consistency
func (o *Options) Validate() error {
	if o.HowMany < 1 {
		return fmt.Errorf("howmany must be positive, got %d", o.HowMany)
	}
	if o.PixelsInSpot < 0 {
		return fmt.Errorf("pixels_in_spot must not be negative, got %d", o.PixelsInSpot)
	}
	if o.Connectivity != 4 && o.Connectivity != 8 {
		return fmt.Errorf("connectivity must be 4 or 8, got %d", o.Connectivity)
	}
	if len(o.Thresholds) == 0 {
		return errors.New("empty threshold ladder")
	}
	for i := 1; i < len(o.Thresholds); i++ {
		if !(o.Thresholds[i] > o.Thresholds[i-1]) {
			return fmt.Errorf("thresholds %v not strictly increasing, cut must be positive", o.Thresholds)
		}
	}
	if o.Mask != nil && len(o.Mask) != o.Height*o.Width {
		return fmt.Errorf("mask has %d pixels for %dx%d grid: %w", len(o.Mask), o.Height, o.Width, ErrShapeMismatch)
	}
	if o.Background != nil && len(o.Background) != o.Height*o.Width {
		return fmt.Errorf("background has %d pixels for %dx%d grid: %w", len(o.Background), o.Height, o.Width, ErrShapeMismatch)
	}
	return nil
}

// Fixes the grid shape, or checks it against the shape fixed before
func (o *Options) setShape(height, width int, what string) error {
	if o.Height == 0 && o.Width == 0 {
		o.Height, o.Width = height, width
		return nil
	}
	if o.Height != height || o.Width != width {
		return fmt.Errorf("%s is %dx%d, expected %dx%d: %w", what, height, width, o.Height, o.Width, ErrShapeMismatch)
	}
	return nil
}

// Sets the exclusion mask from an image using the given convention
func (o *Options) SetMask(img *fits.Image, convention string) error {
	var excludeNonzero bool
	switch convention {
	case MaskGood:
		excludeNonzero = false
	case MaskBad:
		excludeNonzero = true
	default:
		return fmt.Errorf("mask convention must be %q or %q, got %q", MaskGood, MaskBad, convention)
	}
	if err := o.setShape(img.Height, img.Width, "mask "+img.FileName); err != nil {
		return err
	}
	o.Mask = make([]bool, len(img.Data))
	for i, v := range img.Data {
		o.Mask[i] = (v != 0) == excludeNonzero
	}
	return nil
}

// Sets the background to subtract from every frame
func (o *Options) SetBackground(img *fits.Image) error {
	if err := o.setShape(img.Height, img.Width, "background "+img.FileName); err != nil {
		return err
	}
	o.Background = append([]float64(nil), img.Data...)
	return nil
}

// Checks a frame shape against mask and background
func (o *Options) CheckShape(height, width int) error {
	if o.Mask == nil && o.Background == nil {
		return nil
	}
	if o.Height != height || o.Width != width {
		return fmt.Errorf("frame is %dx%d, mask or background is %dx%d: %w", height, width, o.Height, o.Width, ErrShapeMismatch)
	}
	return nil
}

// Element type of stored intensities for frames of the given source type.
// Background subtraction yields fractional and negative values, so those
// are stored as floating point.
func (o *Options) ValueType(src sparse.ValueType) sparse.ValueType {
	if o.Background == nil || src == sparse.Float64 {
		return src
	}
	return sparse.Float32
}

func (o *Options) String() string {
	return fmt.Sprintf("cut %g howmany %d pixels_in_spot %d connectivity %d thresholds %v mask %v background %v",
		o.Cut, o.HowMany, o.PixelsInSpot, o.Connectivity, o.Thresholds, o.Mask != nil, o.Background != nil)
}
