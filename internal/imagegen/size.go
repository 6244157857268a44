package imagegen

import (
	"fmt"
	"math"
)

// OutputSize is one of the generation service's supported output
// resolutions.
type OutputSize struct {
	Width  int
	Height int
}

// String formats the size in the service's "width*height" convention.
func (s OutputSize) String() string {
	return fmt.Sprintf("%d*%d", s.Width, s.Height)
}

func (s OutputSize) ratio() float64 {
	return float64(s.Width) / float64(s.Height)
}

// SupportedOutputSizes is the fixed catalog of resolutions the service
// accepts, in tie-break order.
var SupportedOutputSizes = []OutputSize{
	{1280, 1280}, // 1:1
	{800, 1200},  // 2:3
	{1200, 800},  // 3:2
	{960, 1280},  // 3:4
	{1280, 960},  // 4:3
	{720, 1280},  // 9:16
	{1280, 720},  // 16:9
	{1344, 576},  // 21:9
}

// ChooseOutputSize picks the catalog entry whose aspect ratio is numerically
// closest to width:height. Ties go to the earlier catalog entry.
func ChooseOutputSize(width, height int) OutputSize {
	if width <= 0 || height <= 0 {
		return SupportedOutputSizes[0]
	}
	target := float64(width) / float64(height)

	best := SupportedOutputSizes[0]
	bestDiff := math.Abs(best.ratio() - target)
	for _, candidate := range SupportedOutputSizes[1:] {
		if diff := math.Abs(candidate.ratio() - target); diff < bestDiff {
			best = candidate
			bestDiff = diff
		}
	}
	return best
}
