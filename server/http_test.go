package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voiceagent/audio"
	"voiceagent/core"
	"voiceagent/memory"
	"voiceagent/pipeline"
	"voiceagent/protocol"
)

type fakeSTT struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (f *fakeSTT) Transcribe(_ context.Context, wave core.NormalizedAudio) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls += 1
	if wave.Empty() {
		return "", nil
	}
	return f.text, nil
}

type fakeLLM struct {
	mu          sync.Mutex
	reply       string
	lastUser    string
	lastHistory []core.Turn
	panicOnce   bool
}

func (f *fakeLLM) Complete(_ context.Context, userText string, history []core.Turn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnce {
		f.panicOnce = false
		panic("model handle poisoned")
	}
	f.lastUser = userText
	f.lastHistory = append([]core.Turn(nil), history...)
	return f.reply, nil
}

type fakeTTS struct{}

func (fakeTTS) Synthesize(_ context.Context, _ string) ([]byte, error) {
	return audio.SilentWAV(50*time.Millisecond, 16000), nil
}

func newTestServer(t *testing.T, cfg Config) (*Server, *fakeSTT, *fakeLLM) {
	t.Helper()
	stt := &fakeSTT{text: "spoken words"}
	llm := &fakeLLM{reply: "the reply"}
	orch := pipeline.New(
		pipeline.DefaultConfig(),
		audio.NewNormalizer(audio.DefaultNormalizerConfig()),
		memory.NewStore(),
		stt,
		llm,
		fakeTTS{},
		nil,
		nil,
	)
	return New(cfg, orch, nil, nil), stt, llm
}

func multipartBody(t *testing.T, text string, audioData []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if text != "" {
		if err := mw.WriteField("text", text); err != nil {
			t.Fatalf("write text field: %v", err)
		}
	}
	if audioData != nil {
		fw, err := mw.CreateFormFile("file", "input.wav")
		if err != nil {
			t.Fatalf("create file part: %v", err)
		}
		if _, err := fw.Write(audioData); err != nil {
			t.Fatalf("write file part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func TestChatTextTurn(t *testing.T) {
	srv, stt, _ := newTestServer(t, DefaultConfig())
	body, contentType := multipartBody(t, "hello there", nil)

	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerSessionID, "s1")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/wav" {
		t.Errorf("expected audio/wav, got %q", ct)
	}
	text, err := url.QueryUnescape(rec.Header().Get(headerAssistantText))
	if err != nil || text != "the reply" {
		t.Errorf("expected assistant text header %q, got %q (err=%v)", "the reply", text, err)
	}
	if rec.Header().Get(headerRequestID) == "" {
		t.Error("expected a request id header")
	}
	if rec.Header().Get(headerDegraded) != "false" {
		t.Errorf("expected degraded=false, got %q", rec.Header().Get(headerDegraded))
	}
	if _, _, _, err := audio.DecodeWAV(rec.Body.Bytes()); err != nil {
		t.Errorf("response body is not a valid WAV: %v", err)
	}
	if stt.calls != 0 {
		t.Errorf("text turn should not transcribe, got %d calls", stt.calls)
	}
}

func TestChatAudioTurn(t *testing.T) {
	srv, stt, llm := newTestServer(t, DefaultConfig())

	wav, err := audio.EncodeWAV(make([]int16, 1600), 16000, 1)
	if err != nil {
		t.Fatalf("encode test wav: %v", err)
	}
	body, contentType := multipartBody(t, "", wav)

	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stt.calls != 1 {
		t.Errorf("expected one transcription call, got %d", stt.calls)
	}
	if llm.lastUser != "spoken words" {
		t.Errorf("expected transcript to reach the model, got %q", llm.lastUser)
	}
}

func TestChatULawAudioTurn(t *testing.T) {
	srv, stt, llm := newTestServer(t, DefaultConfig())

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("format", "ulaw"); err != nil {
		t.Fatalf("write format field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", "call.ulaw")
	if err != nil {
		t.Fatalf("create file part: %v", err)
	}
	if _, err := fw.Write(bytes.Repeat([]byte{0xff}, 800)); err != nil {
		t.Fatalf("write file part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(headerDegraded) != "false" {
		t.Errorf("named-format telephony audio should not degrade, got degraded=%q",
			rec.Header().Get(headerDegraded))
	}
	if stt.calls != 1 {
		t.Errorf("expected one transcription call, got %d", stt.calls)
	}
	if llm.lastUser != "spoken words" {
		t.Errorf("expected transcript to reach the model, got %q", llm.lastUser)
	}
}

func TestChatHistoryFlowsThroughSessionHeader(t *testing.T) {
	srv, _, llm := newTestServer(t, DefaultConfig())
	handler := srv.Handler()

	for i := 0; i < 2; i++ {
		body, contentType := multipartBody(t, "hello again", nil)
		req := httptest.NewRequest(http.MethodPost, "/chat", body)
		req.Header.Set("Content-Type", contentType)
		req.Header.Set(headerSessionID, "sticky")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("turn %d: expected 200, got %d", i, rec.Code)
		}
	}

	if len(llm.lastHistory) != 1 {
		t.Fatalf("expected 1 prior turn on the second request, got %d", len(llm.lastHistory))
	}
	if llm.lastHistory[0].Assistant != "the reply" {
		t.Errorf("unexpected history: %+v", llm.lastHistory[0])
	}
}

func TestChatJSONTurn(t *testing.T) {
	srv, _, _ := newTestServer(t, DefaultConfig())

	payload, err := sonic.Marshal(protocol.TurnPayload{SessionID: "j1", Text: "ping"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/chat/json", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp chatJSONResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Status != "success" {
		t.Errorf("expected success status, got %q", resp.Status)
	}
	if resp.Text != "the reply" {
		t.Errorf("expected reply text, got %q", resp.Text)
	}
	const prefix = "data:audio/wav;base64,"
	if !strings.HasPrefix(resp.AudioURL, prefix) {
		t.Fatalf("expected data URL, got %q", resp.AudioURL[:min(len(resp.AudioURL), 40)])
	}
	wav, err := base64.StdEncoding.DecodeString(resp.AudioURL[len(prefix):])
	if err != nil {
		t.Fatalf("decode data URL: %v", err)
	}
	if _, _, _, err := audio.DecodeWAV(wav); err != nil {
		t.Errorf("data URL is not a valid WAV: %v", err)
	}
}

func TestChatJSONRejectsBadBase64(t *testing.T) {
	srv, _, _ := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodPost, "/chat/json",
		strings.NewReader(`{"audio_b64":"%%%not-base64%%%"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestChatRejectsNonMultipart(t *testing.T) {
	srv, _, _ := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestPanicMapsTo500(t *testing.T) {
	srv, _, llm := newTestServer(t, DefaultConfig())
	llm.panicOnce = true

	body, contentType := multipartBody(t, "boom", nil)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	// The process survives and keeps serving.
	body, contentType = multipartBody(t, "still here", nil)
	req = httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", contentType)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 after panic, got %d", rec.Code)
	}
}

func TestPanicAfterCommitLeavesResponseAlone(t *testing.T) {
	srv, _, _ := newTestServer(t, DefaultConfig())

	handler := srv.instrument("/late", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("partial")); err != nil {
			t.Fatalf("write: %v", err)
		}
		panic("mid-body failure")
	})

	req := httptest.NewRequest(http.MethodGet, "/late", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("committed status must stand, got %d", rec.Code)
	}
	if rec.Body.String() != "partial" {
		t.Errorf("error text must not be appended to a committed body, got %q", rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t, DefaultConfig())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal health response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("expected ok, got %q", resp.Status)
	}
}

func TestArchiveWritesUploadAndReply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ArchiveDir = t.TempDir()
	srv, _, _ := newTestServer(t, cfg)

	wav, err := audio.EncodeWAV(make([]int16, 160), 16000, 1)
	if err != nil {
		t.Fatalf("encode test wav: %v", err)
	}
	body, contentType := multipartBody(t, "", wav)
	req := httptest.NewRequest(http.MethodPost, "/chat", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(headerSessionID, "arch/../ive")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	entries, err := os.ReadDir(cfg.ArchiveDir)
	if err != nil {
		t.Fatalf("read archive dir: %v", err)
	}
	var in, out int
	for _, e := range entries {
		if strings.Contains(e.Name(), "..") || strings.Contains(e.Name(), "/") {
			t.Errorf("unsanitized archive name %q", e.Name())
		}
		if strings.HasSuffix(e.Name(), "_in.wav") {
			in += 1
		}
		if strings.HasSuffix(e.Name(), "_out.wav") {
			out += 1
		}
	}
	if in != 1 || out != 1 {
		t.Errorf("expected one upload and one reply archived, got %d and %d", in, out)
	}
}

func TestChatStreamTurn(t *testing.T) {
	srv, _, _ := newTestServer(t, DefaultConfig())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	msg, err := protocol.Marshal(protocol.MsgTurn, protocol.TurnPayload{
		SessionID: "ws1",
		Text:      "over the wire",
	})
	if err != nil {
		t.Fatalf("marshal turn: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write turn: %v", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	msgType, raw, err := protocol.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if msgType != protocol.MsgResponse {
		t.Fatalf("expected response envelope, got %q", msgType)
	}
	payload, err := protocol.UnmarshalPayload[protocol.ResponsePayload](raw)
	if err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Text != "the reply" {
		t.Errorf("expected reply text, got %q", payload.Text)
	}
	wav, err := base64.StdEncoding.DecodeString(payload.AudioB64)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if _, _, _, err := audio.DecodeWAV(wav); err != nil {
		t.Errorf("streamed audio is not a valid WAV: %v", err)
	}
}

func TestChatStreamRejectsUnknownType(t *testing.T) {
	srv, _, _ := newTestServer(t, DefaultConfig())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"interrupt"}`)); err != nil {
		t.Fatalf("write message: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	msgType, raw, err := protocol.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if msgType != protocol.MsgError {
		t.Fatalf("expected error envelope, got %q", msgType)
	}
	payload, err := protocol.UnmarshalPayload[protocol.ErrorPayload](raw)
	if err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Message == "" {
		t.Error("expected an error message")
	}
}
