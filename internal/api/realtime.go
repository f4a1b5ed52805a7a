package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.io/infrasutra/mailbridge/internal/auth"
	"github.io/infrasutra/mailbridge/internal/hub"
	"github.io/infrasutra/mailbridge/internal/mailbox"
)

const (
	writeWait      = 10 * time.Second
	handshakeWait  = 30 * time.Second
	maxClientFrame = 64 << 10
)

// subscribeFrame is the first frame a WebSocket client sends.
type subscribeFrame struct {
	Tokens  []string `json:"tokens"`
	Folders []string `json:"folders,omitempty"`
}

type subscribedFrame struct {
	Type      string             `json:"type"`
	Mailboxes []mailbox.Identity `json:"mailboxes"`
}

type errorFrame struct {
	Type   string       `json:"type"`
	Kind   mailbox.Kind `json:"kind"`
	Reason string       `json:"reason"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxClientFrame)

	_ = conn.SetReadDeadline(time.Now().Add(handshakeWait))
	var hello subscribeFrame
	if err := conn.ReadJSON(&hello); err != nil {
		s.rejectSocket(conn, mailbox.Errorf(mailbox.KindInvalidRequest, "subscribe", "first frame must be {\"tokens\": [...]}"))
		return
	}

	q := hub.NewQueue(s.opts.QueueSize)
	defer q.Close()
	ids, unsubscribe, err := s.svc.Subscribe(q, hello.Tokens, hello.Folders...)
	if err != nil {
		s.rejectSocket(conn, err)
		return
	}
	defer unsubscribe()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(subscribedFrame{Type: "subscribed", Mailboxes: ids}); err != nil {
		return
	}

	pongWait := 2 * s.opts.Keepalive
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// The reader only services control frames and notices the disconnect.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.opts.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case event, ok := <-q.Events():
			if !ok {
				s.logger.Info("websocket dropped", "channel", q.ID(), "reason", "queue overflow")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// rejectSocket sends an error frame and closes the connection.
func (s *Server) rejectSocket(conn *websocket.Conn, err error) {
	kind := mailbox.KindOf(err)
	s.logger.Info("websocket subscription rejected", "kind", kind, "error", err)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(errorFrame{Type: "error", Kind: kind, Reason: err.Error()})
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(kind)), time.Now().Add(writeWait))
}

// handleStream is the Server-Sent-Events variant of the WebSocket feed for a
// single token.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := hub.NewQueue(s.opts.QueueSize)
	defer q.Close()
	ids, unsubscribe, err := s.svc.Subscribe(q, []string{auth.TokenFromRequest(r)}, r.URL.Query()["folder"]...)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ready, _ := json.Marshal(subscribedFrame{Type: "subscribed", Mailboxes: ids})
	_, _ = fmt.Fprintf(w, "event: ready\ndata: %s\n\n", ready)
	flusher.Flush()

	ticker := time.NewTicker(s.opts.Keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-q.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				s.logger.Error("encode event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}
