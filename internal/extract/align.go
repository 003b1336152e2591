package extract

// Alignment against the seed timestamp series (typically the mesoscope-frame
// TTL rising edges). Continuous signals interpolate linearly; discrete
// signals hold their previous value.

// AlignContinuous samples a continuous signal (ts, values) at each seed
// timestamp using linear interpolation. Seeds outside the signal's span
// clamp to the boundary values. An empty signal yields zeros.
func AlignContinuous(seed, ts []uint64, values []float64) []float64 {
	out := make([]float64, len(seed))
	if len(ts) == 0 {
		return out
	}
	j := 0
	for i, s := range seed {
		for j < len(ts)-1 && ts[j+1] <= s {
			j++
		}
		switch {
		case s <= ts[0]:
			out[i] = values[0]
		case j >= len(ts)-1:
			out[i] = values[len(values)-1]
		default:
			t0, t1 := ts[j], ts[j+1]
			v0, v1 := values[j], values[j+1]
			frac := float64(s-t0) / float64(t1-t0)
			out[i] = v0 + (v1-v0)*frac
		}
	}
	return out
}

// AlignDiscrete samples a piecewise-constant signal at each seed timestamp:
// the value in effect at or before the seed. Seeds before the first sample
// read zero.
func AlignDiscrete(seed, ts []uint64, values []float64) []float64 {
	out := make([]float64, len(seed))
	j := -1
	for i, s := range seed {
		for j < len(ts)-1 && ts[j+1] <= s {
			j++
		}
		if j >= 0 {
			out[i] = values[j]
		}
	}
	return out
}
