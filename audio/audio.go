// Package audio converts arbitrary client audio into the canonical waveform
// the transcription backend expects, and renders PCM back into WAV buffers
// for responses.
package audio

import (
	"encoding/binary"
	"errors"

	"github.com/zaf/g711"
)

// DefaultSampleRate is the canonical rate transcription operates at.
const DefaultSampleRate = 16000

// ULawToPCM16 decodes ITU-T G.711 µ-law payload bytes into 16-bit samples.
func ULawToPCM16(data []byte) []int16 {
	return BytesToPCM16(g711.DecodeUlaw(data))
}

// ALawToPCM16 decodes ITU-T G.711 A-law payload bytes into 16-bit samples.
func ALawToPCM16(data []byte) []int16 {
	return BytesToPCM16(g711.DecodeAlaw(data))
}

// BytesToPCM16 reinterprets little-endian PCM bytes as 16-bit samples.
// A trailing odd byte is dropped.
func BytesToPCM16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
	}
	return samples
}

// PCM16ToBytes serializes 16-bit samples as little-endian PCM bytes.
func PCM16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:i*2+2], uint16(s))
	}
	return data
}

// PCM16ToFloat32 scales 16-bit samples into [-1, 1].
func PCM16ToFloat32(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM16 converts [-1, 1] samples back to 16-bit PCM, clipping
// values outside the range.
func Float32ToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := s * 32768.0
		switch {
		case v > 32767:
			out[i] = 32767
		case v < -32768:
			out[i] = -32768
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// DownmixPCM16 averages interleaved channels into mono. Frames truncated
// mid-way are dropped.
func DownmixPCM16(samples []int16, channels int) ([]int16, error) {
	if channels <= 0 {
		return nil, errors.New("audio: channel count must be positive")
	}
	if channels == 1 {
		return samples, nil
	}
	frames := len(samples) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		out[i] = int16(sum / channels)
	}
	return out, nil
}
