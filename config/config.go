// Package config loads the service configuration from an optional YAML
// file with environment-variable overrides. Everything here is fixed at
// process start; nothing is configurable per request.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Audio   AudioConfig   `yaml:"audio"`
	Memory  MemoryConfig  `yaml:"memory"`
	OpenAI  OpenAIConfig  `yaml:"openai"`
	STT     STTConfig     `yaml:"stt"`
	LLM     LLMConfig     `yaml:"llm"`
	TTS     TTSConfig     `yaml:"tts"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP/WebSocket listener.
type ServerConfig struct {
	Address string `yaml:"address"`
	// ArchiveDir, when set, stores uploaded audio and synthesized replies
	// for later inspection.
	ArchiveDir string `yaml:"archive_dir"`
	// MaxUploadBytes bounds the accepted audio payload size.
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

// AudioConfig configures waveform normalization.
type AudioConfig struct {
	TargetSampleRate int `yaml:"target_sample_rate"`
	RawSampleRate    int `yaml:"raw_sample_rate"`
}

// MemoryConfig bounds per-session conversation history.
type MemoryConfig struct {
	MaxTurns int `yaml:"max_turns"`
}

// OpenAIConfig holds credentials shared by the three backends. The key is
// only ever read from the environment, never from the file.
type OpenAIConfig struct {
	APIKey  string `yaml:"-"`
	BaseURL string `yaml:"base_url"`
}

// STTConfig configures the transcription backend.
type STTConfig struct {
	Model         string  `yaml:"model"`
	Language      string  `yaml:"language"`
	Temperature   float32 `yaml:"temperature"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// LLMConfig configures the generation backend.
type LLMConfig struct {
	Model         string  `yaml:"model"`
	SystemPrompt  string  `yaml:"system_prompt"`
	MaxNewTokens  int     `yaml:"max_new_tokens"`
	Temperature   float32 `yaml:"temperature"`
	TopP          float32 `yaml:"top_p"`
	ChatFormat    bool    `yaml:"chat_format"`
	SingleLine    bool    `yaml:"single_line"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// TTSConfig configures the synthesis backend.
type TTSConfig struct {
	Model         string  `yaml:"model"`
	Voice         string  `yaml:"voice"`
	Speed         float64 `yaml:"speed"`
	MaxConcurrent int     `yaml:"max_concurrent"`
}

// LoggingConfig configures log verbosity.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:        ":8000",
			MaxUploadBytes: 16 << 20,
		},
		Audio: AudioConfig{
			TargetSampleRate: 16000,
			RawSampleRate:    8000,
		},
		Memory: MemoryConfig{MaxTurns: 5},
		STT: STTConfig{
			Model:         "whisper-1",
			MaxConcurrent: 4,
		},
		LLM: LLMConfig{
			Model:         "gpt-4o-mini",
			MaxNewTokens:  128,
			Temperature:   0.7,
			TopP:          0.9,
			ChatFormat:    true,
			SingleLine:    true,
			MaxConcurrent: 4,
		},
		TTS: TTSConfig{
			Model:         "tts-1",
			Voice:         "alloy",
			Speed:         1.0,
			MaxConcurrent: 4,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path on top of the defaults, applies
// environment overrides, and validates the result. An empty path skips the
// file and uses defaults plus environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// applyEnv layers environment variables over the loaded values.
func (c *Config) applyEnv() {
	c.OpenAI.APIKey = getEnv("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", c.OpenAI.BaseURL)
	c.Server.Address = getEnv("LISTEN_ADDR", c.Server.Address)
	c.Server.ArchiveDir = getEnv("AUDIO_ARCHIVE_DIR", c.Server.ArchiveDir)
	c.STT.Model = getEnv("ASR_MODEL", c.STT.Model)
	c.STT.Language = getEnv("ASR_LANG", c.STT.Language)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.MaxNewTokens = getEnvAsInt("LLM_MAX_NEW", c.LLM.MaxNewTokens)
	c.LLM.Temperature = getEnvAsFloat32("LLM_TEMP", c.LLM.Temperature)
	c.TTS.Voice = getEnv("TTS_VOICE", c.TTS.Voice)
	c.Memory.MaxTurns = getEnvAsInt("HISTORY_MAX_TURNS", c.Memory.MaxTurns)
	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server: address cannot be empty")
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("server: max_upload_bytes must be positive")
	}
	if c.Audio.TargetSampleRate <= 0 {
		return fmt.Errorf("audio: target_sample_rate must be positive")
	}
	if c.Audio.RawSampleRate <= 0 {
		return fmt.Errorf("audio: raw_sample_rate must be positive")
	}
	if c.Memory.MaxTurns <= 0 {
		return fmt.Errorf("memory: max_turns must be positive")
	}
	if c.STT.Model == "" {
		return fmt.Errorf("stt: model cannot be empty")
	}
	if c.STT.MaxConcurrent <= 0 {
		return fmt.Errorf("stt: max_concurrent must be positive")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm: model cannot be empty")
	}
	if c.LLM.MaxNewTokens <= 0 {
		return fmt.Errorf("llm: max_new_tokens must be positive")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm: temperature must be in [0, 2]")
	}
	if c.LLM.TopP <= 0 || c.LLM.TopP > 1 {
		return fmt.Errorf("llm: top_p must be in (0, 1]")
	}
	if c.LLM.MaxConcurrent <= 0 {
		return fmt.Errorf("llm: max_concurrent must be positive")
	}
	if c.TTS.Model == "" {
		return fmt.Errorf("tts: model cannot be empty")
	}
	if c.TTS.Voice == "" {
		return fmt.Errorf("tts: voice cannot be empty")
	}
	if c.TTS.Speed < 0.25 || c.TTS.Speed > 4.0 {
		return fmt.Errorf("tts: speed must be in [0.25, 4.0]")
	}
	if c.TTS.MaxConcurrent <= 0 {
		return fmt.Errorf("tts: max_concurrent must be positive")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", c.Logging.Level)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvAsFloat32(key string, fallback float32) float32 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return fallback
	}
	return float32(f)
}
