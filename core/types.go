package core

import "context"

// NormalizedAudio is a mono waveform at a fixed sample rate with samples
// scaled to [-1, 1]. It only lives for the duration of one request.
type NormalizedAudio struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the waveform length in seconds.
func (a NormalizedAudio) Duration() float64 {
	if a.SampleRate == 0 {
		return 0
	}
	return float64(len(a.Samples)) / float64(a.SampleRate)
}

// Empty reports whether the waveform carries no samples.
func (a NormalizedAudio) Empty() bool {
	return len(a.Samples) == 0
}

// Turn is one completed user/assistant exchange. Turns are immutable once
// recorded; the store only ever hands out copies.
type Turn struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
}

// TurnRequest is the transport-agnostic input for one conversational turn.
// Text, when non-blank after trimming, takes precedence over Audio.
type TurnRequest struct {
	SessionID string
	Text      string
	Audio     []byte
	// AudioFormat names the payload encoding ("wav", "pcm16", "ulaw",
	// "alaw"). Blank means auto-detect, which only recognizes WAV; raw
	// telephony payloads must name their codec.
	AudioFormat string
	// AudioName is the client-supplied file name, if any. Used only to pick
	// the extension when archiving uploads.
	AudioName string
}

// TurnResponse pairs the assistant utterance with its synthesized audio.
// Text is always present; Audio is always a valid WAV buffer, possibly
// silence when synthesis degraded.
type TurnResponse struct {
	SessionID string
	RequestID string
	Text      string
	Audio     []byte
	Degraded  bool
}

// TranscriptionService converts a normalized waveform into plain text.
// An empty waveform must yield empty text without touching the backend.
type TranscriptionService interface {
	Transcribe(ctx context.Context, audio NormalizedAudio) (string, error)
}

// CompletionService produces one assistant utterance from the new user
// utterance and the bounded prior history, oldest turn first.
type CompletionService interface {
	Complete(ctx context.Context, userText string, history []Turn) (string, error)
}

// SpeechService renders text into a WAV byte buffer. Empty text must still
// produce valid (silent) audio rather than an error.
type SpeechService interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}
