package audio

import "math"

// mixGainCeiling caps the RMS-normalizing gain so a burst of near-silent
// sources cannot amplify noise floor into clipping.
const mixGainCeiling = 2.0

// mixTargetRMS is the RMS level the gain stage normalizes toward.
const mixTargetRMS = 6000.0

// mixEpsilon avoids a division blow-up when every input chunk is silence.
const mixEpsilon = 1e-9

// mixChunks combines multiple PCM16 chunks of possibly different lengths
// into one: zero-padding to the longest, averaging sample-wise, removing
// the resulting DC offset, and applying an RMS-normalizing gain clipped to
// the int16 range. Called with zero chunks, it returns nil (the caller
// skips sending rather than emitting silence).
func mixChunks(chunks [][]int16) []int16 {
	if len(chunks) == 0 {
		return nil
	}

	longest := 0
	for _, c := range chunks {
		if len(c) > longest {
			longest = len(c)
		}
	}

	sums := make([]float64, longest)
	for _, c := range chunks {
		for i, s := range c {
			sums[i] += float64(s)
		}
	}
	avg := make([]float64, longest)
	for i, s := range sums {
		avg[i] = s / float64(len(chunks))
	}

	mean := 0.0
	for _, v := range avg {
		mean += v
	}
	mean /= float64(longest)

	centered := make([]float64, longest)
	sumSq := 0.0
	for i, v := range avg {
		c := v - mean
		centered[i] = c
		sumSq += c * c
	}
	rms := math.Sqrt(sumSq / float64(longest))

	gain := math.Min(mixGainCeiling, mixTargetRMS/(rms+mixEpsilon))

	out := make([]int16, longest)
	for i, v := range centered {
		out[i] = clampInt16(v * gain)
	}
	return out
}

func clampInt16(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
