package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	riffHeaderSize = 12
	wavFormatPCM   = 1
)

// EncodeWAV wraps 16-bit PCM samples in a RIFF/WAVE container.
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: sample rate must be positive, got %d", sampleRate)
	}
	if channels <= 0 || channels > 2 {
		return nil, fmt.Errorf("audio: only mono or stereo supported, got %d channels", channels)
	}

	const bitsPerSample = 16
	blockAlign := channels * bitsPerSample / 8
	dataSize := len(samples) * 2

	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
	binary.Write(buf, binary.LittleEndian, samples)

	return buf.Bytes(), nil
}

// DecodeWAV parses a RIFF/WAVE container into 16-bit PCM samples. It walks
// the chunk list so containers with extra chunks (LIST, fact) decode too.
// Only 16-bit PCM payloads are supported.
func DecodeWAV(data []byte) (samples []int16, sampleRate, channels int, err error) {
	if len(data) < riffHeaderSize {
		return nil, 0, 0, fmt.Errorf("audio: buffer too short for WAV header (%d bytes)", len(data))
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) || !bytes.Equal(data[8:12], []byte("WAVE")) {
		return nil, 0, 0, fmt.Errorf("audio: not a RIFF/WAVE container")
	}

	var (
		haveFmt       bool
		bitsPerSample int
		pcm           []byte
	)

	i := riffHeaderSize
	for i+8 <= len(data) {
		chunkID := string(data[i : i+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[i+4 : i+8]))
		body := i + 8
		next := body + chunkSize
		if next > len(data) {
			return nil, 0, 0, fmt.Errorf("audio: truncated WAV: %q chunk exceeds buffer", chunkID)
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, 0, 0, fmt.Errorf("audio: fmt chunk too small (%d bytes)", chunkSize)
			}
			format := int(binary.LittleEndian.Uint16(data[body : body+2]))
			if format != wavFormatPCM {
				return nil, 0, 0, fmt.Errorf("audio: unsupported WAV format %d (only PCM)", format)
			}
			channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			sampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			bitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
			haveFmt = true
		case "data":
			pcm = data[body:next]
		}

		// Chunks are padded to even boundaries.
		if chunkSize%2 != 0 {
			next++
		}
		i = next
	}

	if !haveFmt {
		return nil, 0, 0, fmt.Errorf("audio: WAV missing fmt chunk")
	}
	if pcm == nil {
		return nil, 0, 0, fmt.Errorf("audio: WAV missing data chunk")
	}
	if bitsPerSample != 16 {
		return nil, 0, 0, fmt.Errorf("audio: unsupported bit depth %d (only 16-bit)", bitsPerSample)
	}
	if channels <= 0 {
		return nil, 0, 0, fmt.Errorf("audio: invalid channel count %d", channels)
	}
	if sampleRate <= 0 {
		return nil, 0, 0, fmt.Errorf("audio: invalid sample rate %d", sampleRate)
	}

	return BytesToPCM16(pcm), sampleRate, channels, nil
}

// SilentWAV produces a valid mono WAV of zero-amplitude samples. Used when
// synthesis degrades; the response must still carry playable audio.
func SilentWAV(d time.Duration, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	n := int(float64(sampleRate) * d.Seconds())
	if n < 1 {
		n = 1
	}
	out, _ := EncodeWAV(make([]int16, n), sampleRate, 1)
	return out
}
