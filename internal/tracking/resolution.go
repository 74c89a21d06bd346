package tracking

import (
	"fmt"
	"math"
)

// Resolution describes the physical scale of the image stack: lateral and
// axial pixel sizes in micrometers and the time between frames in minutes.
// X and Y pixel sizes must be equal. Treat values as immutable after
// creation.
type Resolution struct {
	PixelSizeXYUm     float64
	PixelSizeZUm      float64
	FrameIntervalMins float64
}

// NewResolution validates and returns a Resolution.
func NewResolution(pixelSizeXYUm, pixelSizeZUm, frameIntervalMins float64) (Resolution, error) {
	r := Resolution{
		PixelSizeXYUm:     pixelSizeXYUm,
		PixelSizeZUm:      pixelSizeZUm,
		FrameIntervalMins: frameIntervalMins,
	}
	if err := r.Validate(); err != nil {
		return Resolution{}, err
	}
	return r, nil
}

// Validate rejects non-positive pixel sizes and negative frame intervals.
func (r Resolution) Validate() error {
	if r.PixelSizeXYUm <= 0 {
		return fmt.Errorf("resolution: lateral pixel size must be positive, got %g", r.PixelSizeXYUm)
	}
	if r.PixelSizeZUm <= 0 {
		return fmt.Errorf("resolution: axial pixel size must be positive, got %g", r.PixelSizeZUm)
	}
	if r.FrameIntervalMins < 0 {
		return fmt.Errorf("resolution: frame interval cannot be negative, got %g", r.FrameIntervalMins)
	}
	return nil
}

// DistanceUm returns the physical distance between two detections in
// micrometers, accounting for anisotropic z sampling.
func (r Resolution) DistanceUm(a, b *Detection) float64 {
	dx := (a.X - b.X) * r.PixelSizeXYUm
	dy := (a.Y - b.Y) * r.PixelSizeXYUm
	dz := (a.Z - b.Z) * r.PixelSizeZUm
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// PositionUm returns the detection position in micrometers.
func (r Resolution) PositionUm(d *Detection) (x, y, z float64) {
	return d.X * r.PixelSizeXYUm, d.Y * r.PixelSizeXYUm, d.Z * r.PixelSizeZUm
}
