// Package stt adapts the OpenAI audio transcription API to the
// TranscriptionService contract.
package stt

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"voiceagent/audio"
	"voiceagent/core"
)

// Config holds the transcription backend configuration. Decoding parameters
// are fixed per process, never per request.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Language    string // empty means backend auto-detect
	Temperature float32
	// MaxConcurrent bounds in-flight transcription calls so load spikes do
	// not pile unbounded work onto the backend.
	MaxConcurrent int
	Timeout       time.Duration
}

// DefaultConfig returns a config with sensible defaults. Override only what
// you need.
func DefaultConfig() Config {
	return Config{
		Model:         openai.Whisper1,
		Temperature:   0,
		MaxConcurrent: 4,
		Timeout:       60 * time.Second,
	}
}

// Service is a TranscriptionService backed by the OpenAI API. The client
// handle is shared process-wide and constructed once on first use.
type Service struct {
	config Config
	logger *core.Logger

	mu     sync.Mutex
	client *openai.Client

	sem chan struct{}
}

// NewService creates the adapter without touching the network; the client
// is built lazily on the first Transcribe call.
func NewService(config Config, logger *core.Logger) *Service {
	if logger == nil {
		logger = core.GetLogger()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &Service{
		config: config,
		logger: logger.With(map[string]any{"service": "openai-stt"}),
		sem:    make(chan struct{}, config.MaxConcurrent),
	}
}

func (s *Service) ensureClient() (*openai.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	if s.config.APIKey == "" {
		return nil, fmt.Errorf("stt: API key is required")
	}
	cfg := openai.DefaultConfig(s.config.APIKey)
	if s.config.BaseURL != "" {
		cfg.BaseURL = s.config.BaseURL
	}
	s.client = openai.NewClientWithConfig(cfg)
	s.logger.Debug("transcription client initialized")
	return s.client, nil
}

// Transcribe converts a normalized waveform into plain text. An empty
// waveform short-circuits to empty text with no backend call.
func (s *Service) Transcribe(ctx context.Context, wave core.NormalizedAudio) (string, error) {
	if wave.Empty() {
		return "", nil
	}

	client, err := s.ensureClient()
	if err != nil {
		return "", core.NewStageError(core.KindTranscription, err)
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return "", core.NewStageError(core.KindTranscription, ctx.Err())
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	wav, err := audio.EncodeWAV(audio.Float32ToPCM16(wave.Samples), wave.SampleRate, 1)
	if err != nil {
		return "", core.NewStageError(core.KindTranscription, err)
	}

	resp, err := client.CreateTranscription(ctx, openai.AudioRequest{
		Model:       s.config.Model,
		FilePath:    "turn.wav",
		Reader:      bytes.NewReader(wav),
		Language:    s.config.Language,
		Temperature: s.config.Temperature,
	})
	if err != nil {
		return "", core.NewStageError(core.KindTranscription, fmt.Errorf("stt: %w", err))
	}

	text := strings.TrimSpace(resp.Text)
	s.logger.Debug("transcribed %.2fs of audio into %d chars", wave.Duration(), len(text))
	return text, nil
}
