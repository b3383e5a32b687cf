// Package tts adapts the OpenAI speech synthesis API to the SpeechService
// contract.
package tts

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"voiceagent/audio"
	"voiceagent/core"
)

// Config holds the synthesis backend configuration. Voice parameters are
// fixed per process, never per request.
type Config struct {
	APIKey  string
	BaseURL string
	Model   openai.SpeechModel
	Voice   openai.SpeechVoice
	Speed   float64
	// SilenceDuration is the length of locally produced silent audio used
	// for blank text.
	SilenceDuration time.Duration
	// SilenceSampleRate is the rate of that silent audio.
	SilenceSampleRate int
	MaxConcurrent     int
	Timeout           time.Duration
}

// DefaultConfig returns a config with sensible defaults. Override only what
// you need.
func DefaultConfig() Config {
	return Config{
		Model:             openai.TTSModel1,
		Voice:             openai.VoiceAlloy,
		Speed:             1.0,
		SilenceDuration:   300 * time.Millisecond,
		SilenceSampleRate: audio.DefaultSampleRate,
		MaxConcurrent:     4,
		Timeout:           60 * time.Second,
	}
}

// Service is a SpeechService backed by the OpenAI API. The client handle is
// shared process-wide and constructed once on first use.
type Service struct {
	config Config
	logger *core.Logger

	mu     sync.Mutex
	client *openai.Client

	sem chan struct{}
}

// NewService creates the adapter; the client is built lazily on the first
// Synthesize call.
func NewService(config Config, logger *core.Logger) *Service {
	if logger == nil {
		logger = core.GetLogger()
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	if config.SilenceDuration <= 0 {
		config.SilenceDuration = 300 * time.Millisecond
	}
	return &Service{
		config: config,
		logger: logger.With(map[string]any{"service": "openai-tts"}),
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
		return nil, fmt.Errorf("tts: API key is required")
	}
	cfg := openai.DefaultConfig(s.config.APIKey)
	if s.config.BaseURL != "" {
		cfg.BaseURL = s.config.BaseURL
	}
	s.client = openai.NewClientWithConfig(cfg)
	s.logger.Debug("speech client initialized")
	return s.client, nil
}

// Synthesize renders text into a WAV buffer. Blank text yields locally
// generated silence without a backend call; a failed turn must still be
// answerable with some audio.
func (s *Service) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return audio.SilentWAV(s.config.SilenceDuration, s.config.SilenceSampleRate), nil
	}

	client, err := s.ensureClient()
	if err != nil {
		return nil, core.NewStageError(core.KindSynthesis, err)
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return nil, core.NewStageError(core.KindSynthesis, ctx.Err())
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	resp, err := client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.config.Model,
		Input:          text,
		Voice:          s.config.Voice,
		ResponseFormat: openai.SpeechResponseFormatWav,
		Speed:          s.config.Speed,
	})
	if err != nil {
		return nil, core.NewStageError(core.KindSynthesis, fmt.Errorf("tts: %w", err))
	}
	defer resp.Close()

	wav, err := io.ReadAll(resp)
	if err != nil {
		return nil, core.NewStageError(core.KindSynthesis, fmt.Errorf("tts: read response: %w", err))
	}
	if len(wav) == 0 {
		return nil, core.NewStageError(core.KindSynthesis, fmt.Errorf("tts: empty audio response"))
	}

	s.logger.Debug("synthesized %d chars into %d bytes", len(text), len(wav))
	return wav, nil
}
