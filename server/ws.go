package server

import (
	"encoding/base64"
	"net/http"

	"github.com/gorilla/websocket"

	"voiceagent/core"
	"voiceagent/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// Browser demo clients connect from arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream serves a persistent chat connection. Each turn envelope gets
// exactly one response or error envelope back, in order; the connection
// itself serializes the client's turns.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	logger := s.logger.With(map[string]any{"remote": conn.RemoteAddr().String()})
	logger.Info("chat stream opened")

	sessionID := r.Header.Get(headerSessionID)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("chat stream read failed: %v", err)
			} else {
				logger.Info("chat stream closed")
			}
			return
		}

		msgType, raw, err := protocol.Unmarshal(data)
		if err != nil {
			s.writeStreamError(conn, logger, "malformed envelope")
			continue
		}
		if msgType != protocol.MsgTurn {
			s.writeStreamError(conn, logger, "unsupported message type: "+string(msgType))
			continue
		}

		payload, err := protocol.UnmarshalPayload[protocol.TurnPayload](raw)
		if err != nil {
			s.writeStreamError(conn, logger, "malformed turn payload")
			continue
		}

		req := core.TurnRequest{
			SessionID:   payload.SessionID,
			Text:        payload.Text,
			AudioFormat: payload.Format,
		}
		if req.SessionID == "" {
			req.SessionID = sessionID
		}
		if payload.AudioB64 != "" {
			audio, err := base64.StdEncoding.DecodeString(payload.AudioB64)
			if err != nil {
				s.writeStreamError(conn, logger, "audio_b64 is not valid base64")
				continue
			}
			req.Audio = audio
		}

		resp, err := s.orchestrator.HandleTurn(r.Context(), req)
		if err != nil {
			logger.Error("turn failed: %v", err)
			s.writeStreamError(conn, logger, "turn failed")
			continue
		}

		out, err := protocol.Marshal(protocol.MsgResponse, protocol.ResponsePayload{
			SessionID: resp.SessionID,
			RequestID: resp.RequestID,
			Text:      resp.Text,
			AudioB64:  base64.StdEncoding.EncodeToString(resp.Audio),
			Degraded:  resp.Degraded,
		})
		if err != nil {
			logger.Error("marshal response envelope: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			logger.Warn("chat stream write failed: %v", err)
			return
		}
	}
}

func (s *Server) writeStreamError(conn *websocket.Conn, logger *core.Logger, message string) {
	out, err := protocol.Marshal(protocol.MsgError, protocol.ErrorPayload{Message: message})
	if err != nil {
		logger.Error("marshal error envelope: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
		logger.Warn("chat stream write failed: %v", err)
	}
}
