package protocol

// MessageType enumerates all chat-stream message types.
type MessageType string

const (
	// Client -> service
	MsgTurn MessageType = "turn"

	// Service -> client
	MsgResponse MessageType = "response"
	MsgError    MessageType = "error"
)

// Envelope is the outer JSON wrapper for all WebSocket messages.
type Envelope struct {
	Type    MessageType `json:"type"`
	Payload RawMessage  `json:"payload,omitempty"`
}

// --- Client -> service payloads ---

// TurnPayload carries one conversational turn request. AudioB64 is the
// base64-encoded audio buffer; Text, when non-blank, takes precedence.
type TurnPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text,omitempty"`
	AudioB64  string `json:"audio_b64,omitempty"`
	// Format names the audio encoding ("wav", "pcm16", "ulaw", "alaw");
	// blank auto-detects, which only recognizes WAV.
	Format string `json:"format,omitempty"`
}

// --- Service -> client payloads ---

// ResponsePayload carries the assistant utterance with its synthesized
// audio, base64-encoded. Degraded marks turns answered through a fallback.
type ResponsePayload struct {
	SessionID string `json:"session_id"`
	RequestID string `json:"request_id"`
	Text      string `json:"text"`
	AudioB64  string `json:"audio_b64"`
	Degraded  bool   `json:"degraded,omitempty"`
}

// ErrorPayload reports a request the service could not process at all.
type ErrorPayload struct {
	Message string `json:"message"`
}
