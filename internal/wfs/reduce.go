package wfs

// TipTilt is the per-cycle flux and tip/tilt summary emitted on the
// diagnostic side channel. It is computed after the slope products publish
// and never feeds back into the control path.
type TipTilt struct {
	// NumValid counts subapertures whose flux reaches the threshold ratio
	// of the brightest subaperture.
	NumValid int

	// TTX, TTY are the mean x and y slopes over the counted subapertures,
	// zero when none qualify.
	TTX, TTY float32
}

// Reduce scans the flux map for the brightest subaperture, counts the
// subapertures at or above fluxThreshRatio of that maximum, and averages
// their slopes. The maximum seeds from the 0th subaperture's flux, so an
// all-equal map counts every subaperture.
func Reduce(flux, slopes []float32, nsub int, fluxThreshRatio float32) TipTilt {
	if nsub == 0 {
		return TipTilt{}
	}
	maxFlux := flux[0]
	for i := 1; i < nsub; i++ {
		if flux[i] > maxFlux {
			maxFlux = flux[i]
		}
	}
	thresh := fluxThreshRatio * maxFlux

	var tt TipTilt
	var sumX, sumY float32
	for i := 0; i < nsub; i++ {
		if flux[i] >= thresh {
			tt.NumValid++
			sumX += slopes[i]
			sumY += slopes[i+nsub]
		}
	}
	if tt.NumValid > 0 {
		tt.TTX = sumX / float32(tt.NumValid)
		tt.TTY = sumY / float32(tt.NumValid)
	}
	return tt
}
