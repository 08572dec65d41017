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

package fits

import (
	"bufio"
	"fmt"
	"image/color"
	"io"
	"os"
	"path"
	"strings"

	"golang.org/x/image/tiff"
)

// A single 2D image, such as a pixel mask or a background estimate
type Image struct {
	FileName string
	Width    int
	Height   int
	Data     []float64 // row-major, Width*Height values
}

// Reads a 2D image from a FITS or TIFF file, based on the file extension.
// FITS images are taken from the primary HDU. A 3D cube with a single frame
// is accepted as well.
func ReadImage(fileName string, logWriter io.Writer) (*Image, error) {
	lExt := strings.ToLower(path.Ext(fileName))
	if lExt == ".tif" || lExt == ".tiff" {
		return ReadTIFF(fileName)
	}

	c, err := OpenCube(fileName, "", logWriter)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	if c.Frames != 1 {
		return nil, fmt.Errorf("%s: expected a single image, got %d frames", fileName, c.Frames)
	}
	buf := make([]float64, c.Width*c.Height)
	if err := c.ReadFrame(buf); err != nil {
		return nil, err
	}
	return &Image{FileName: fileName, Width: c.Width, Height: c.Height, Data: buf}, nil
}

// Read a grayscale TIFF image. Color images are converted to 16-bit luminance.
func ReadTIFF(fileName string) (*Image, error) {
	// open file and create buffered reader
	file, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	reader := bufio.NewReader(file)

	// decode TIFF file into golang image
	t, err := tiff.Decode(reader)
	if err != nil {
		return nil, fmt.Errorf("%s: %s", fileName, err.Error())
	}

	b := t.Bounds()
	width, height := b.Dx(), b.Dy()
	img := &Image{FileName: fileName, Width: width, Height: height, Data: make([]float64, width*height)}
	eightBit := t.ColorModel() == color.GrayModel
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := t.At(b.Min.X+x, b.Min.Y+y)
			var v float64
			if eightBit {
				v = float64(color.GrayModel.Convert(c).(color.Gray).Y)
			} else {
				v = float64(color.Gray16Model.Convert(c).(color.Gray16).Y)
			}
			img.Data[y*width+x] = v
		}
	}
	return img, nil
}
