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

// Package fits reads detector frame stacks and calibration images.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
package fits

import (
	"errors"
	"fmt"
	"strings"
)

// The requested HDU is not present in the file
var ErrMissingDataset = errors.New("dataset not found")

// FITS header data
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int64
	Floats   map[string]float64
	Strings  map[string]string
	Dates    map[string]string
	Comments []string
	History  []string
	End      bool
	Length   int64
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:    make(map[string]bool),
		Ints:     make(map[string]int64),
		Floats:   make(map[string]float64),
		Strings:  make(map[string]string),
		Dates:    make(map[string]string),
		Comments: make([]string, 0),
		History:  make([]string, 0),
		End:      false,
	}
}

const fitsBlockSize int = 2880 // Block size of FITS header and data units
const HeaderLineSize int = 80  // Line size of a FITS header

// Returns an integer header value, or an error if absent
func (h *Header) Int(key string) (int64, error) {
	if val, ok := h.Ints[key]; ok {
		return val, nil
	}
	return 0, fmt.Errorf("FITS header does not contain key %s", key)
}

// Returns a numeric header value, integer or float, or def if absent
func (h *Header) IntOrFloat(key string, def float64) float64 {
	if val, ok := h.Ints[key]; ok {
		return float64(val)
	} else if val, ok := h.Floats[key]; ok {
		return val
	}
	return def
}

// Returns a string header value with trailing blanks removed, as FITS pads them
func (h *Header) String(key string) string {
	return strings.TrimRight(h.Strings[key], " ")
}

// Axis dimensions, most quickly varying first
func (h *Header) Naxisn() ([]int, error) {
	naxis, err := h.Int("NAXIS")
	if err != nil {
		return nil, err
	}
	if naxis < 0 || naxis > 999 {
		return nil, fmt.Errorf("invalid NAXIS %d", naxis)
	}
	naxisn := make([]int, naxis)
	for i := range naxisn {
		n, err := h.Int(fmt.Sprintf("NAXIS%d", i+1))
		if err != nil {
			return nil, err
		}
		if n < 0 {
			return nil, fmt.Errorf("negative NAXIS%d %d", i+1, n)
		}
		naxisn[i] = int(n)
	}
	return naxisn, nil
}

// Size of the data unit following this header in bytes, without padding
func (h *Header) DataSize() (int64, error) {
	bitpix, err := h.Int("BITPIX")
	if err != nil {
		return 0, err
	}
	naxisn, err := h.Naxisn()
	if err != nil {
		return 0, err
	}
	if len(naxisn) == 0 {
		return 0, nil
	}
	pixels := int64(1)
	for _, n := range naxisn {
		pixels *= int64(n)
	}
	pcount := h.Ints["PCOUNT"]
	gcount := int64(1)
	if g, ok := h.Ints["GCOUNT"]; ok {
		gcount = g
	}
	if bitpix < 0 {
		bitpix = -bitpix
	}
	return bitpix / 8 * gcount * (pcount + pixels), nil
}

// Rounds n up to a multiple of the FITS block size
func padded(n int64) int64 {
	return (n + int64(fitsBlockSize) - 1) / int64(fitsBlockSize) * int64(fitsBlockSize)
}

func dimensionsToString(naxisn []int) string {
	b := strings.Builder{}
	for i, naxis := range naxisn {
		if i > 0 {
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	}
	return b.String()
}
