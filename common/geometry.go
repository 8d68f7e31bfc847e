// Package common - Geometric primitives shared by the evaluation pipeline.
package common

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Box represents an axis-aligned bounding box in pixel coordinates,
// with (X1, Y1) the top-left corner and (X2, Y2) the bottom-right corner.
type Box struct {
	X1, Y1, X2, Y2 float32
}

// String formats the box coordinates for display.
func (b Box) String() string {
	return fmt.Sprintf("(%f, %f), (%f, %f)", b.X1, b.Y1, b.X2, b.Y2)
}

// Width returns the box width, clamped at zero for degenerate boxes.
func (b Box) Width() float32 {
	return math32.Max(0, b.X2-b.X1)
}

// Height returns the box height, clamped at zero for degenerate boxes.
func (b Box) Height() float32 {
	return math32.Max(0, b.Y2-b.Y1)
}

// Area returns the box area in pixels.
func (b Box) Area() float64 {
	return float64(b.Width()) * float64(b.Height())
}

// Intersection calculates the intersection area between two boxes.
func (b Box) Intersection(other Box) float64 {
	iw := math32.Min(b.X2, other.X2) - math32.Max(b.X1, other.X1)
	ih := math32.Min(b.Y2, other.Y2) - math32.Max(b.Y1, other.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	return float64(iw) * float64(ih)
}

// IoU calculates the Intersection over Union between two boxes.
//
// Unlike the integral-rectangle variant used for display-time NMS in go-ml,
// this keeps full floating-point precision; evaluation thresholds sit
// exactly on values like 0.50 and rounding the coordinates would move
// borderline matches across them.
//
// Returns:
// - The IoU value in [0, 1]; 0 when the union is empty.
func (b Box) IoU(other Box) float64 {
	inter := b.Intersection(other)
	union := b.Area() + other.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// XYWH returns the box in (x, y, width, height) form, the layout used by
// annotation files and intermediate result files.
func (b Box) XYWH() [4]float64 {
	return [4]float64{float64(b.X1), float64(b.Y1), float64(b.Width()), float64(b.Height())}
}

// BoxFromXYWH builds a Box from the (x, y, width, height) layout.
func BoxFromXYWH(x, y, w, h float64) Box {
	return Box{
		X1: float32(x),
		Y1: float32(y),
		X2: float32(x + w),
		Y2: float32(y + h),
	}
}
