package audio

import (
	"bytes"
	"fmt"
	"strings"

	"voiceagent/core"
)

// Format identifies how a request's audio payload is encoded.
type Format int

const (
	// FormatAuto sniffs the container; only WAV is self-describing, so raw
	// payloads need an explicit format.
	FormatAuto Format = iota
	FormatWAV
	FormatPCM16
	FormatULaw
	FormatALaw
)

// ParseFormat maps a format name ("wav", "pcm16", "ulaw", "alaw", "auto")
// to a Format.
func ParseFormat(name string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "auto":
		return FormatAuto, nil
	case "wav":
		return FormatWAV, nil
	case "pcm16", "pcm":
		return FormatPCM16, nil
	case "ulaw", "mulaw":
		return FormatULaw, nil
	case "alaw":
		return FormatALaw, nil
	default:
		return FormatAuto, fmt.Errorf("audio: unknown format %q", name)
	}
}

// NormalizerConfig fixes the canonical output rate and the assumed rate of
// raw (headerless) payloads.
type NormalizerConfig struct {
	// TargetSampleRate is the rate of every normalized waveform.
	TargetSampleRate int
	// RawSampleRate is assumed for PCM16/µ-law/A-law payloads, which carry
	// no header. Telephony payloads are 8 kHz in practice.
	RawSampleRate int
}

// DefaultNormalizerConfig returns the canonical 16 kHz target with 8 kHz
// raw payloads.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		TargetSampleRate: DefaultSampleRate,
		RawSampleRate:    8000,
	}
}

// Normalizer decodes client audio buffers into the canonical mono waveform.
type Normalizer struct {
	config NormalizerConfig
}

// NewNormalizer creates a Normalizer. Use DefaultNormalizerConfig() and
// override only what you need.
func NewNormalizer(config NormalizerConfig) *Normalizer {
	if config.TargetSampleRate <= 0 {
		config.TargetSampleRate = DefaultSampleRate
	}
	if config.RawSampleRate <= 0 {
		config.RawSampleRate = 8000
	}
	return &Normalizer{config: config}
}

// Normalize decodes data into a mono waveform at the target rate with
// samples in [-1, 1]. An empty buffer yields an empty waveform and no
// error. Unrecognized or truncated containers fail with a decode-stage
// error the orchestrator downgrades to a fallback transcript.
func (n *Normalizer) Normalize(data []byte, format Format) (core.NormalizedAudio, error) {
	if len(data) == 0 {
		return core.NormalizedAudio{SampleRate: n.config.TargetSampleRate}, nil
	}

	if format == FormatAuto {
		if bytes.HasPrefix(data, []byte("RIFF")) {
			format = FormatWAV
		} else {
			return core.NormalizedAudio{}, core.NewStageError(core.KindDecode,
				fmt.Errorf("audio: unrecognized container (%d bytes, no RIFF header)", len(data)))
		}
	}

	var (
		samples    []int16
		sampleRate int
		channels   = 1
		err        error
	)

	switch format {
	case FormatWAV:
		samples, sampleRate, channels, err = DecodeWAV(data)
		if err != nil {
			return core.NormalizedAudio{}, core.NewStageError(core.KindDecode, err)
		}
	case FormatPCM16:
		if len(data) < 2 {
			return core.NormalizedAudio{}, core.NewStageError(core.KindDecode,
				fmt.Errorf("audio: PCM payload too short (%d bytes)", len(data)))
		}
		samples = BytesToPCM16(data)
		sampleRate = n.config.RawSampleRate
	case FormatULaw:
		samples = ULawToPCM16(data)
		sampleRate = n.config.RawSampleRate
	case FormatALaw:
		samples = ALawToPCM16(data)
		sampleRate = n.config.RawSampleRate
	default:
		return core.NormalizedAudio{}, core.NewStageError(core.KindDecode,
			fmt.Errorf("audio: unsupported format %d", format))
	}

	mono, err := DownmixPCM16(samples, channels)
	if err != nil {
		return core.NormalizedAudio{}, core.NewStageError(core.KindDecode, err)
	}

	wave := Resample(PCM16ToFloat32(mono), sampleRate, n.config.TargetSampleRate)
	return core.NormalizedAudio{
		Samples:    wave,
		SampleRate: n.config.TargetSampleRate,
	}, nil
}
