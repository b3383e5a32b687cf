package audio

// Resample converts a mono waveform between sample rates using linear
// interpolation. Good enough for speech headed into a transcription model;
// anything fancier belongs in the decoding backend.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(in) == 0 || fromRate <= 0 || toRate <= 0 {
		// Always hand back a fresh slice so callers can reuse their buffer.
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(in)) / ratio)
	if outLen < 1 {
		outLen = 1
	}

	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx]*(1-frac) + in[idx+1]*frac
	}
	return out
}
