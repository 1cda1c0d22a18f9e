package rpc

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"forechain/core/events"
	"forechain/core/types"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsBuffer       = 64
)

// EventPayload is the websocket frame for one committed event.
type EventPayload struct {
	Seq        uint64            `json:"seq"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type typedEvent interface {
	Event() *types.Event
}

func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s == nil || s.feed == nil {
		http.Error(w, "event feed unavailable", http.StatusServiceUnavailable)
		return
	}
	// Without a cursor only live events are streamed.
	cursor := uint64(math.MaxUint64)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "cursor must be an unsigned integer", http.StatusBadRequest)
			return
		}
		cursor = parsed
	}
	filter := parseTypeFilter(r.URL.Query().Get("types"))
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, cursor, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func parseTypeFilter(raw string) map[string]struct{} {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	filter := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			filter[trimmed] = struct{}{}
		}
	}
	return filter
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, cursor uint64, filter map[string]struct{}) error {
	updates, backlog, cancel := s.feed.Subscribe(cursor, wsBuffer)
	defer cancel()

	for _, env := range backlog {
		if err := writeEnvelope(ctx, conn, env, filter); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEnvelope(ctx, conn, env, filter); err != nil {
				return err
			}
		}
	}
}

func envelopePayload(env events.Envelope) EventPayload {
	payload := EventPayload{Seq: env.Seq}
	if env.Event == nil {
		return payload
	}
	payload.Type = env.Event.EventType()
	if typed, ok := env.Event.(typedEvent); ok && typed.Event() != nil {
		payload.Attributes = typed.Event().Attributes
	}
	return payload
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env events.Envelope, filter map[string]struct{}) error {
	payload := envelopePayload(env)
	if filter != nil {
		if _, ok := filter[payload.Type]; !ok {
			return nil
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
