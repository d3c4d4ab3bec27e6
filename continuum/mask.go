package continuum

import (
	"fmt"
	"math"
	"sort"

	"github.com/apogee-data/cannon/internal/monitoring"
	"github.com/apogee-data/cannon/spectra"
)

// BuildMask selects continuum pixels from a pseudo-normalized training set.
//
// For each pixel it computes the mean and scatter of the normalized flux
// across the training spectra (skipping masked pixels), scores the pixel by
// its distance from unity plus its scatter, and keeps the best
// round(fraction × size) pixels. When the dataset declares wavelength
// chunks, selection runs independently per chunk so continuum pixels are
// spread across the whole grid.
//
// Pixels with fewer than two contributing spectra are never selected. A
// chunk with fewer eligible pixels than its target keeps what it has; the
// shortfall is logged and the downstream fit will reject the chunk if it is
// left underconstrained.
func BuildMask(norm *spectra.Dataset, fraction float64) ([]bool, error) {
	if fraction <= 0 || fraction >= 1 {
		return nil, fmt.Errorf("continuum: fraction must be in (0, 1), got %v", fraction)
	}
	nObj, nPix := norm.NumObjects(), norm.NumPixels()

	type pixelScore struct {
		idx   int
		score float64
	}

	mask := make([]bool, nPix)
	for _, chunk := range norm.Chunks() {
		scored := make([]pixelScore, 0, chunk.Hi-chunk.Lo)
		for j := chunk.Lo; j < chunk.Hi; j++ {
			var sum, sumSq float64
			count := 0
			for i := 0; i < nObj; i++ {
				if norm.Ivar.At(i, j) <= 0 {
					continue
				}
				f := norm.Flux.At(i, j)
				sum += f
				sumSq += f * f
				count++
			}
			if count < 2 {
				continue
			}
			mean := sum / float64(count)
			variance := sumSq/float64(count) - mean*mean
			if variance < 0 {
				variance = 0
			}
			scored = append(scored, pixelScore{
				idx:   j,
				score: math.Abs(mean-1) + math.Sqrt(variance),
			})
		}

		target := int(math.Round(fraction * float64(chunk.Hi-chunk.Lo)))
		if target < 1 {
			target = 1
		}
		if len(scored) < target {
			monitoring.Logf("continuum: chunk [%d, %d) has only %d eligible pixels for a target of %d",
				chunk.Lo, chunk.Hi, len(scored), target)
			target = len(scored)
		}
		sort.Slice(scored, func(a, b int) bool {
			if scored[a].score != scored[b].score {
				return scored[a].score < scored[b].score
			}
			return scored[a].idx < scored[b].idx
		})
		for _, ps := range scored[:target] {
			mask[ps.idx] = true
		}
	}
	return mask, nil
}

// MaskCount returns the number of selected pixels in a mask.
func MaskCount(mask []bool) int {
	n := 0
	for _, m := range mask {
		if m {
			n++
		}
	}
	return n
}
