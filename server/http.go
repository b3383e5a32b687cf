// Package server exposes the turn pipeline over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voiceagent/core"
	"voiceagent/metrics"
	"voiceagent/pipeline"
	"voiceagent/protocol"
)

// Headers carried on the binary /chat response.
const (
	headerSessionID     = "X-Session-Id"
	headerRequestID     = "X-Request-Id"
	headerAssistantText = "X-Assistant-Text"
	headerDegraded      = "X-Degraded"
)

// Config holds the listener settings.
type Config struct {
	Address string
	// ArchiveDir, when non-empty, stores uploaded audio and synthesized
	// replies on disk.
	ArchiveDir     string
	MaxUploadBytes int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

// DefaultConfig returns a config with sensible defaults. Override only what
// you need.
func DefaultConfig() Config {
	return Config{
		Address:        ":8000",
		MaxUploadBytes: 16 << 20,
		ReadTimeout:    2 * time.Minute,
		WriteTimeout:   5 * time.Minute,
	}
}

// Server serves conversational turns. One instance handles any number of
// concurrent clients; per-request state never outlives the handler.
type Server struct {
	config       Config
	orchestrator *pipeline.Orchestrator
	logger       *core.Logger
	metrics      *metrics.Metrics
	httpServer   *http.Server
}

// New wires the server. metrics may be nil in tests.
func New(config Config, orchestrator *pipeline.Orchestrator, logger *core.Logger, m *metrics.Metrics) *Server {
	if logger == nil {
		logger = core.GetLogger()
	}
	s := &Server{
		config:       config,
		orchestrator: orchestrator,
		logger:       logger.With(map[string]any{"component": "server"}),
		metrics:      m,
	}
	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	return s
}

// Handler builds the route table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", s.instrument("/chat", s.handleChat))
	mux.HandleFunc("POST /chat/json", s.instrument("/chat/json", s.handleChatJSON))
	mux.HandleFunc("GET /chat/stream", s.handleStream)
	mux.HandleFunc("GET /healthz", s.instrument("/healthz", s.handleHealth))
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start listens until Shutdown or a listener error.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.config.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen on %s: %w", s.config.Address, err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.httpServer.Shutdown(ctx)
}

// statusRecorder captures the response status for instrumentation and
// whether the handler already committed the response.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wroteHeader {
		return
	}
	r.wroteHeader = true
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// instrument wraps a handler with panic recovery and HTTP metrics. A panic
// maps to 500 and never persists a turn; the panicking request is the only
// casualty.
func (s *Server) instrument(path string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("panic serving %s: %v", path, p)
				rec.status = http.StatusInternalServerError
				// A committed response cannot be rewritten; the truncated
				// body is the client's signal.
				if !rec.wroteHeader {
					http.Error(rec, "internal server error", http.StatusInternalServerError)
				}
			}
			if s.metrics != nil {
				s.metrics.HTTPRequests.WithLabelValues(path, strconv.Itoa(rec.status)).Inc()
				s.metrics.HTTPRequestDuration.WithLabelValues(path).Observe(time.Since(started).Seconds())
			}
		}()

		next(rec, r)
	}
}

// parseTurnForm reads the multipart form shared by /chat and /chat/json:
// an optional "file" part with audio, an optional "text" field, and the
// session header.
func (s *Server) parseTurnForm(w http.ResponseWriter, r *http.Request) (core.TurnRequest, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.config.MaxUploadBytes); err != nil {
		return core.TurnRequest{}, fmt.Errorf("parse multipart form: %w", err)
	}

	req := core.TurnRequest{
		SessionID:   r.Header.Get(headerSessionID),
		Text:        r.FormValue("text"),
		AudioFormat: r.FormValue("format"),
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return core.TurnRequest{}, fmt.Errorf("read audio part: %w", err)
		}
		req.Audio = data
		req.AudioName = header.Filename
	case err == http.ErrMissingFile:
		// Text-only request.
	default:
		return core.TurnRequest{}, fmt.Errorf("read form file: %w", err)
	}
	return req, nil
}

// handleChat answers with the synthesized WAV as the body and the assistant
// text URL-escaped in a header, so binary clients get playable audio in one
// round trip.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseTurnForm(w, r)
	if err != nil {
		s.logger.Warn("bad /chat request: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.orchestrator.HandleTurn(r.Context(), req)
	if err != nil {
		s.logger.Error("turn failed: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.archive(req, resp)

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set(headerRequestID, resp.RequestID)
	w.Header().Set(headerSessionID, resp.SessionID)
	w.Header().Set(headerAssistantText, url.QueryEscape(resp.Text))
	w.Header().Set(headerDegraded, strconv.FormatBool(resp.Degraded))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Audio)))
	if _, err := w.Write(resp.Audio); err != nil {
		s.logger.Warn("write response audio: %v", err)
	}
}

// chatJSONResponse is the /chat/json reply. AudioURL is a data URL so the
// payload stays self-contained.
type chatJSONResponse struct {
	AudioURL  string `json:"audio_url"`
	Text      string `json:"text"`
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// handleChatJSON accepts either the multipart form or a JSON body with
// base64 audio, and answers in JSON.
func (s *Server) handleChatJSON(w http.ResponseWriter, r *http.Request) {
	var req core.TurnRequest
	var err error

	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		req, err = s.parseTurnJSON(w, r)
	} else {
		req, err = s.parseTurnForm(w, r)
	}
	if err != nil {
		s.logger.Warn("bad /chat/json request: %v", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := s.orchestrator.HandleTurn(r.Context(), req)
	if err != nil {
		s.logger.Error("turn failed: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.archive(req, resp)

	body, err := sonic.Marshal(chatJSONResponse{
		AudioURL:  "data:audio/wav;base64," + base64.StdEncoding.EncodeToString(resp.Audio),
		Text:      resp.Text,
		Status:    "success",
		SessionID: resp.SessionID,
		RequestID: resp.RequestID,
		Degraded:  resp.Degraded,
	})
	if err != nil {
		s.logger.Error("marshal /chat/json response: %v", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(body); err != nil {
		s.logger.Warn("write json response: %v", err)
	}
}

func (s *Server) parseTurnJSON(w http.ResponseWriter, r *http.Request) (core.TurnRequest, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes))
	if err != nil {
		return core.TurnRequest{}, fmt.Errorf("read json body: %w", err)
	}
	var payload protocol.TurnPayload
	if err := sonic.Unmarshal(body, &payload); err != nil {
		return core.TurnRequest{}, fmt.Errorf("parse json body: %w", err)
	}
	req := core.TurnRequest{
		SessionID:   payload.SessionID,
		Text:        payload.Text,
		AudioFormat: payload.Format,
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get(headerSessionID)
	}
	if payload.AudioB64 != "" {
		data, err := base64.StdEncoding.DecodeString(payload.AudioB64)
		if err != nil {
			return core.TurnRequest{}, fmt.Errorf("decode audio_b64: %w", err)
		}
		req.Audio = data
	}
	return req, nil
}

type healthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body, err := sonic.Marshal(healthResponse{
		Status:   "ok",
		Sessions: s.orchestrator.Store().Sessions(),
	})
	if err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// archive stores the uploaded audio and the synthesized reply when an
// archive directory is configured. Failures only log; archiving never
// affects the response.
func (s *Server) archive(req core.TurnRequest, resp core.TurnResponse) {
	if s.config.ArchiveDir == "" {
		return
	}
	if err := os.MkdirAll(s.config.ArchiveDir, 0o755); err != nil {
		s.logger.Warn("create archive dir: %v", err)
		return
	}

	stamp := time.Now().UTC().Format("20060102T150405.000")
	prefix := fmt.Sprintf("%s_%s", stamp, sanitizeSessionID(resp.SessionID))

	if len(req.Audio) > 0 {
		ext := filepath.Ext(req.AudioName)
		if ext == "" {
			ext = ".wav"
		}
		path := filepath.Join(s.config.ArchiveDir, prefix+"_in"+ext)
		if err := os.WriteFile(path, req.Audio, 0o644); err != nil {
			s.logger.Warn("archive upload: %v", err)
		}
	}
	path := filepath.Join(s.config.ArchiveDir, prefix+"_out.wav")
	if err := os.WriteFile(path, resp.Audio, 0o644); err != nil {
		s.logger.Warn("archive reply: %v", err)
	}
}

// sanitizeSessionID keeps archive file names safe regardless of what the
// client sent as a session id.
func sanitizeSessionID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}
