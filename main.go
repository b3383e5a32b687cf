package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sashabaranov/go-openai"

	"voiceagent/audio"
	"voiceagent/config"
	"voiceagent/core"
	"voiceagent/memory"
	"voiceagent/metrics"
	"voiceagent/pipeline"
	"voiceagent/server"
	"voiceagent/services/openai/llm"
	"voiceagent/services/openai/stt"
	"voiceagent/services/openai/tts"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to YAML config file (optional)")
	flag.Parse()

	if err := godotenv.Load(".env.local"); err != nil {
		core.GetLogger().With(map[string]any{"error": err}).Debug("no .env.local file loaded")
	}

	logger := core.GetLogger()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("load config: %v", err)
	}
	logger.SetLevel(cfg.Logging.Level)

	if cfg.OpenAI.APIKey == "" {
		logger.Warn("OPENAI_API_KEY is not set; backend calls will fail and every turn will degrade")
	}

	m := metrics.New()
	store := memory.NewStore()

	normalizer := audio.NewNormalizer(audio.NormalizerConfig{
		TargetSampleRate: cfg.Audio.TargetSampleRate,
		RawSampleRate:    cfg.Audio.RawSampleRate,
	})

	sttConfig := stt.DefaultConfig()
	sttConfig.APIKey = cfg.OpenAI.APIKey
	sttConfig.BaseURL = cfg.OpenAI.BaseURL
	sttConfig.Model = cfg.STT.Model
	sttConfig.Language = cfg.STT.Language
	sttConfig.Temperature = cfg.STT.Temperature
	sttConfig.MaxConcurrent = cfg.STT.MaxConcurrent
	sttService := stt.NewService(sttConfig, logger)

	llmConfig := llm.DefaultConfig()
	llmConfig.APIKey = cfg.OpenAI.APIKey
	llmConfig.BaseURL = cfg.OpenAI.BaseURL
	llmConfig.Model = cfg.LLM.Model
	if cfg.LLM.SystemPrompt != "" {
		llmConfig.SystemPrompt = cfg.LLM.SystemPrompt
	}
	llmConfig.MaxNewTokens = cfg.LLM.MaxNewTokens
	llmConfig.Temperature = cfg.LLM.Temperature
	llmConfig.TopP = cfg.LLM.TopP
	llmConfig.ChatFormat = cfg.LLM.ChatFormat
	llmConfig.SingleLine = cfg.LLM.SingleLine
	llmConfig.MaxConcurrent = cfg.LLM.MaxConcurrent
	llmService := llm.NewService(llmConfig, logger)

	ttsConfig := tts.DefaultConfig()
	ttsConfig.APIKey = cfg.OpenAI.APIKey
	ttsConfig.BaseURL = cfg.OpenAI.BaseURL
	ttsConfig.Model = openai.SpeechModel(cfg.TTS.Model)
	ttsConfig.Voice = openai.SpeechVoice(cfg.TTS.Voice)
	ttsConfig.Speed = cfg.TTS.Speed
	ttsConfig.MaxConcurrent = cfg.TTS.MaxConcurrent
	ttsService := tts.NewService(ttsConfig, logger)

	pipelineConfig := pipeline.DefaultConfig()
	pipelineConfig.HistoryTurns = cfg.Memory.MaxTurns
	orchestrator := pipeline.New(pipelineConfig, normalizer, store, sttService, llmService, ttsService, logger, m)

	serverConfig := server.DefaultConfig()
	serverConfig.Address = cfg.Server.Address
	serverConfig.ArchiveDir = cfg.Server.ArchiveDir
	serverConfig.MaxUploadBytes = cfg.Server.MaxUploadBytes
	srv := server.New(serverConfig, orchestrator, logger, m)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			logger.Fatal("server failed: %v", err)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown: %v", err)
	}
}
