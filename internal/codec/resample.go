package codec

// Resample8kTo16k upsamples 8kHz linear PCM to 16kHz using 2x polyphase
// interpolation: each input sample is kept as-is, and the interpolated
// sample is inserted between this sample and the next (averaged, with
// the last sample repeated at the tail so length exactly doubles).
//
// len(out) == 2*len(in); empty input yields empty output.
func Resample8kTo16k(in []int16) []int16 {
	n := len(in)
	out := make([]int16, 2*n)
	for i := 0; i < n; i++ {
		out[2*i] = in[i]
		var next int16
		if i+1 < n {
			next = in[i+1]
		} else {
			next = in[i]
		}
		out[2*i+1] = interpolate(in[i], next)
	}
	return out
}

// interpolate returns the midpoint of two samples without overflowing int16.
func interpolate(a, b int16) int16 {
	return int16((int32(a) + int32(b)) / 2)
}
