// Package llm adapts the OpenAI completion APIs to the CompletionService
// contract and owns prompt assembly from conversation history.
package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"voiceagent/core"
)

// DefaultSystemPrompt grounds every conversation.
const DefaultSystemPrompt = "You are a concise, helpful voice assistant. " +
	"Answer clearly, keep responses brief unless asked for details."

// EmptyInputText replaces a blank user utterance so the model always has
// something to react to.
const EmptyInputText = "(no input detected)"

// EmptyOutputText replaces a blank generation so a turn is never recorded
// with empty assistant text.
const EmptyOutputText = "(no output)"

// Config holds the generation backend configuration. Sampling parameters
// are fixed per process, never per request.
type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	SystemPrompt string
	MaxNewTokens int
	Temperature  float32
	TopP         float32
	// ChatFormat selects the structured chat API. When false the service
	// falls back to a manually formatted transcript against the legacy
	// completion API; both paths carry the same conversational ordering.
	ChatFormat bool
	// SingleLine truncates replies to their first line, keeping synthesized
	// speech short and cutting off runaway generations.
	SingleLine    bool
	MaxConcurrent int
	Timeout       time.Duration
}

// DefaultConfig returns a config with sensible defaults. Override only what
// you need.
func DefaultConfig() Config {
	return Config{
		Model:         openai.GPT4oMini,
		SystemPrompt:  DefaultSystemPrompt,
		MaxNewTokens:  128,
		Temperature:   0.7,
		TopP:          0.9,
		ChatFormat:    true,
		SingleLine:    true,
		MaxConcurrent: 4,
		Timeout:       60 * time.Second,
	}
}

// Service is a CompletionService backed by the OpenAI API. The client
// handle is shared process-wide and constructed once on first use.
type Service struct {
	config Config
	logger *core.Logger

	mu     sync.Mutex
	client *openai.Client

	sem chan struct{}
}

// NewService creates the adapter; the client is built lazily on the first
// Complete call.
func NewService(config Config, logger *core.Logger) *Service {
	if logger == nil {
		logger = core.GetLogger()
	}
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &Service{
		config: config,
		logger: logger.With(map[string]any{"service": "openai-llm"}),
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
		return nil, fmt.Errorf("llm: API key is required")
	}
	cfg := openai.DefaultConfig(s.config.APIKey)
	if s.config.BaseURL != "" {
		cfg.BaseURL = s.config.BaseURL
	}
	s.client = openai.NewClientWithConfig(cfg)
	s.logger.Debug("completion client initialized")
	return s.client, nil
}

// BuildMessages assembles the chat-format conversation: system instruction,
// each historical turn as an alternating user/assistant exchange oldest
// first, then the new user utterance.
func BuildMessages(systemPrompt, userText string, history []core.Turn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)*2+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemPrompt,
	})
	for _, turn := range history {
		messages = append(messages,
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: turn.User},
			openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: turn.Assistant},
		)
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})
	return messages
}

// BuildPrompt renders the same conversation as a plain transcript for
// backends without a chat template.
func BuildPrompt(systemPrompt, userText string, history []core.Turn) string {
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n")
	for _, turn := range history {
		fmt.Fprintf(&b, "User: %s\nAssistant: %s\n", turn.User, turn.Assistant)
	}
	fmt.Fprintf(&b, "User: %s\nAssistant:", userText)
	return b.String()
}

// Postprocess cleans a raw generation: strips a verbatim prompt echo,
// optionally truncates to the first line, and substitutes a placeholder for
// empty output.
func Postprocess(raw, prompt string, singleLine bool) string {
	out := raw
	if prompt != "" && strings.HasPrefix(out, prompt) {
		out = out[len(prompt):]
	}
	out = strings.TrimSpace(out)
	if singleLine {
		if idx := strings.IndexByte(out, '\n'); idx >= 0 {
			out = strings.TrimSpace(out[:idx])
		}
	}
	if out == "" {
		return EmptyOutputText
	}
	return out
}

// Complete produces one assistant utterance grounded on the bounded history.
func (s *Service) Complete(ctx context.Context, userText string, history []core.Turn) (string, error) {
	if strings.TrimSpace(userText) == "" {
		userText = EmptyInputText
	}

	client, err := s.ensureClient()
	if err != nil {
		return "", core.NewStageError(core.KindGeneration, err)
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-ctx.Done():
		return "", core.NewStageError(core.KindGeneration, ctx.Err())
	}

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	var raw, prompt string
	if s.config.ChatFormat {
		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       s.config.Model,
			Messages:    BuildMessages(s.config.SystemPrompt, userText, history),
			MaxTokens:   s.config.MaxNewTokens,
			Temperature: s.config.Temperature,
			TopP:        s.config.TopP,
		})
		if err != nil {
			return "", core.NewStageError(core.KindGeneration, fmt.Errorf("llm: %w", err))
		}
		if len(resp.Choices) == 0 {
			return "", core.NewStageError(core.KindGeneration, fmt.Errorf("llm: empty choice list"))
		}
		raw = resp.Choices[0].Message.Content
	} else {
		prompt = BuildPrompt(s.config.SystemPrompt, userText, history)
		resp, err := client.CreateCompletion(ctx, openai.CompletionRequest{
			Model:       s.config.Model,
			Prompt:      prompt,
			MaxTokens:   s.config.MaxNewTokens,
			Temperature: s.config.Temperature,
			TopP:        s.config.TopP,
		})
		if err != nil {
			return "", core.NewStageError(core.KindGeneration, fmt.Errorf("llm: %w", err))
		}
		if len(resp.Choices) == 0 {
			return "", core.NewStageError(core.KindGeneration, fmt.Errorf("llm: empty choice list"))
		}
		raw = resp.Choices[0].Text
	}

	out := Postprocess(raw, prompt, s.config.SingleLine)
	s.logger.Debug("generated %d chars from %d history turns", len(out), len(history))
	return out, nil
}
