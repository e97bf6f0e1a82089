// Package blocks partitions a raster grid into memory-bounded row-range
// boxes. Every component of the pipeline is written to be invoked once per
// box, so processing order never affects the numeric result.
package blocks

import (
	"fmt"
	"log"
)

// Box is a bounding box over the raster grid in (x0, y0, x1, y1) order with
// half-open ranges: x in [X0, X1), y in [Y0, Y1).
type Box struct {
	X0, Y0, X1, Y1 int
}

// Width returns the number of columns covered by the box.
func (b Box) Width() int { return b.X1 - b.X0 }

// Height returns the number of rows covered by the box.
func (b Box) Height() int { return b.Y1 - b.Y0 }

// NumPixels returns the number of raster cells inside the box.
func (b Box) NumPixels() int { return b.Width() * b.Height() }

// String formats the box the way the drivers log it.
func (b Box) String() string {
	return fmt.Sprintf("(%d, %d, %d, %d)", b.X0, b.Y0, b.X1, b.Y1)
}

// SplitIntoBoxes computes a list of row-range boxes such that the working set
// of each box stays under maxMemoryGB. bytesPerPixel is the per-pixel byte
// cost of all working arrays held at once (phase cube, ratio arrays, index
// arrays). The returned boxes tile the full raster with no gaps or overlaps,
// and there is always at least one box even when the whole raster fits.
func SplitIntoBoxes(length, width int, bytesPerPixel int, maxMemoryGB float64) ([]Box, int) {
	if length <= 0 || width <= 0 {
		return nil, 0
	}
	if bytesPerPixel <= 0 {
		bytesPerPixel = 1
	}

	budget := maxMemoryGB * 1024 * 1024 * 1024
	rowCost := float64(width * bytesPerPixel)

	rowsPerBox := length
	if budget > 0 && rowCost > 0 {
		rowsPerBox = int(budget / rowCost)
		if rowsPerBox < 1 {
			rowsPerBox = 1
		}
		if rowsPerBox > length {
			rowsPerBox = length
		}
	}

	var boxes []Box
	for y0 := 0; y0 < length; y0 += rowsPerBox {
		y1 := y0 + rowsPerBox
		if y1 > length {
			y1 = length
		}
		boxes = append(boxes, Box{X0: 0, Y0: y0, X1: width, Y1: y1})
	}

	if len(boxes) > 1 {
		log.Printf("[BlockScheduler] split %dx%d raster into %d boxes of up to %d rows (budget %.2f GB)",
			length, width, len(boxes), rowsPerBox, maxMemoryGB)
	}
	return boxes, len(boxes)
}
