// Package pipeline sequences one conversational turn through its stages:
// decode, transcribe, read history, generate, persist, synthesize. Stage
// failures degrade the response instead of aborting it; every turn that
// reaches the response stage carries both text and playable audio.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"voiceagent/audio"
	"voiceagent/core"
	"voiceagent/memory"
	"voiceagent/metrics"
)

// Pipeline stages, in strict forward order. A request never branches back.
type stage string

const (
	stageReceiving    stage = "receiving"
	stageTranscribing stage = "transcribing"
	stageReadingHist  stage = "reading_history"
	stageGenerating   stage = "generating"
	stagePersisting   stage = "persisting"
	stageSynthesizing stage = "synthesizing"
	stageResponding   stage = "responding"
)

// Config fixes the orchestration policy for the process lifetime.
type Config struct {
	// HistoryTurns bounds the per-session history replayed to the model.
	HistoryTurns int
	// DefaultSessionID is used when a request carries no session id.
	DefaultSessionID string
	// NoInputText stands in for the user when a request carries neither
	// audio nor text.
	NoInputText string
	// DecodeFallbackText stands in for the user when audio decoding fails.
	DecodeFallbackText string
	// TranscriptionFallbackText stands in for the user when the
	// transcription backend fails.
	TranscriptionFallbackText string
	// GenerationFallbackText is returned when the generation backend fails.
	// It is never persisted; only truly generated text enters history.
	GenerationFallbackText string
	// SynthesisFallbackPhrase is synthesized once when the first synthesis
	// attempt fails. If that fails too, the response carries silence.
	SynthesisFallbackPhrase string
	SilenceDuration         time.Duration
	SilenceSampleRate       int
}

// DefaultConfig returns the stock orchestration policy.
func DefaultConfig() Config {
	return Config{
		HistoryTurns:              5,
		DefaultSessionID:          "default",
		NoInputText:               "(no audio, no text)",
		DecodeFallbackText:        "(unrecognized audio)",
		TranscriptionFallbackText: "(transcription failed)",
		GenerationFallbackText:    "(no output)",
		SynthesisFallbackPhrase:   "Sorry, I could not voice that reply.",
		SilenceDuration:           300 * time.Millisecond,
		SilenceSampleRate:         audio.DefaultSampleRate,
	}
}

// Orchestrator runs turns against the three model backends and the session
// store. Safe for concurrent use; one call handles one turn.
type Orchestrator struct {
	config     Config
	normalizer *audio.Normalizer
	store      *memory.Store
	stt        core.TranscriptionService
	llm        core.CompletionService
	tts        core.SpeechService
	logger     *core.Logger
	metrics    *metrics.Metrics
}

// New wires the orchestrator. metrics may be nil in tests.
func New(
	config Config,
	normalizer *audio.Normalizer,
	store *memory.Store,
	stt core.TranscriptionService,
	llm core.CompletionService,
	tts core.SpeechService,
	logger *core.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	if logger == nil {
		logger = core.GetLogger()
	}
	if config.HistoryTurns <= 0 {
		config.HistoryTurns = 5
	}
	if config.DefaultSessionID == "" {
		config.DefaultSessionID = "default"
	}
	return &Orchestrator{
		config:     config,
		normalizer: normalizer,
		store:      store,
		stt:        stt,
		llm:        llm,
		tts:        tts,
		logger:     logger.With(map[string]any{"component": "pipeline"}),
		metrics:    m,
	}
}

// Store exposes the session table for health reporting.
func (o *Orchestrator) Store() *memory.Store {
	return o.store
}

// HandleTurn runs one request through the full stage sequence. Backend and
// codec failures degrade the response; the returned error is reserved for
// faults in the orchestration itself.
func (o *Orchestrator) HandleTurn(ctx context.Context, req core.TurnRequest) (core.TurnResponse, error) {
	started := time.Now()
	requestID := uuid.NewString()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = o.config.DefaultSessionID
	}

	logger := o.logger.With(map[string]any{
		"request_id": requestID,
		"session":    sessionID,
	})
	logger.Debug("turn started: %d audio bytes, text override=%v",
		len(req.Audio), strings.TrimSpace(req.Text) != "")

	if o.metrics != nil {
		o.metrics.ActiveTurns.Inc()
		defer func() {
			o.metrics.ActiveTurns.Dec()
			o.metrics.TurnDuration.Observe(time.Since(started).Seconds())
			o.metrics.Sessions.Set(float64(o.store.Sessions()))
		}()
	}

	// Backends run on a detached context: a dropped client never aborts a
	// half-finished turn, so the store is never left in a partial state.
	callCtx := context.WithoutCancel(ctx)
	degraded := false

	userText, inputDegraded := o.resolveUserText(callCtx, req, logger)
	degraded = degraded || inputDegraded

	o.logStage(logger, stageReadingHist)
	history := o.store.Read(sessionID, o.config.HistoryTurns)

	o.logStage(logger, stageGenerating)
	assistantText, err := o.llm.Complete(callCtx, userText, history)
	if err != nil {
		// Degrade, but do not persist: no truly generated text exists, and
		// a fabricated turn would corrupt future grounding.
		o.countFailure(err)
		logger.Warn("generation failed, degrading: %v", err)
		assistantText = o.config.GenerationFallbackText
		degraded = true
	} else {
		o.logStage(logger, stagePersisting)
		o.store.Append(sessionID, userText, assistantText, o.config.HistoryTurns)
	}

	o.logStage(logger, stageSynthesizing)
	audioBytes, synthDegraded := o.synthesize(callCtx, assistantText, logger)
	degraded = degraded || synthDegraded

	o.logStage(logger, stageResponding)
	outcome := "ok"
	if degraded {
		outcome = "degraded"
	}
	if o.metrics != nil {
		o.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
	}
	logger.Info("turn %s in %s: %d chars, %d audio bytes",
		outcome, time.Since(started).Round(time.Millisecond), len(assistantText), len(audioBytes))

	return core.TurnResponse{
		SessionID: sessionID,
		RequestID: requestID,
		Text:      assistantText,
		Audio:     audioBytes,
		Degraded:  degraded,
	}, nil
}

// resolveUserText applies the input precedence: trimmed override text wins,
// then transcribed audio, then the no-input sentinel. Decode and
// transcription failures map to fallback texts.
func (o *Orchestrator) resolveUserText(ctx context.Context, req core.TurnRequest, logger *core.Logger) (string, bool) {
	o.logStage(logger, stageReceiving)
	if text := strings.TrimSpace(req.Text); text != "" {
		return text, false
	}
	if len(req.Audio) == 0 {
		return o.config.NoInputText, false
	}

	format, err := audio.ParseFormat(req.AudioFormat)
	if err != nil {
		err = core.NewStageError(core.KindDecode, err)
		o.countFailure(err)
		logger.Warn("unknown audio format, degrading: %v", err)
		return o.config.DecodeFallbackText, true
	}

	wave, err := o.normalizer.Normalize(req.Audio, format)
	if err != nil {
		o.countFailure(err)
		logger.Warn("audio decode failed, degrading: %v", err)
		return o.config.DecodeFallbackText, true
	}

	o.logStage(logger, stageTranscribing)
	text, err := o.stt.Transcribe(ctx, wave)
	if err != nil {
		o.countFailure(err)
		logger.Warn("transcription failed, degrading: %v", err)
		return o.config.TranscriptionFallbackText, true
	}
	return text, false
}

// synthesize renders the reply, retrying once with the fallback phrase and
// finally degrading to silence. The response is never left without audio.
func (o *Orchestrator) synthesize(ctx context.Context, text string, logger *core.Logger) ([]byte, bool) {
	audioBytes, err := o.tts.Synthesize(ctx, text)
	if err == nil {
		return audioBytes, false
	}
	o.countFailure(err)
	logger.Warn("synthesis failed, retrying with fallback phrase: %v", err)

	audioBytes, err = o.tts.Synthesize(ctx, o.config.SynthesisFallbackPhrase)
	if err == nil {
		return audioBytes, true
	}
	o.countFailure(err)
	logger.Warn("fallback synthesis failed, responding with silence: %v", err)

	return audio.SilentWAV(o.config.SilenceDuration, o.config.SilenceSampleRate), true
}

func (o *Orchestrator) logStage(logger *core.Logger, s stage) {
	logger.Debug("stage %s", string(s))
}

func (o *Orchestrator) countFailure(err error) {
	if o.metrics == nil {
		return
	}
	o.metrics.StageFailures.WithLabelValues(core.KindOf(err).String()).Inc()
}
