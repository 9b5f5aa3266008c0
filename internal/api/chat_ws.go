package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/fitcoach/internal/chat"
	"github.com/ashureev/fitcoach/internal/identity"
	"github.com/ashureev/fitcoach/internal/plan"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 10 * time.Second

// ChatSocket serves the onboarding chat over a websocket.
type ChatSocket struct {
	*Handler
	chat          *chat.Service
	allowedOrigin string
}

// NewChatSocket creates a websocket chat handler.
func NewChatSocket(base *Handler, svc *chat.Service, allowedOrigin string) *ChatSocket {
	return &ChatSocket{Handler: base, chat: svc, allowedOrigin: allowedOrigin}
}

// wsMessage is a client frame.
type wsMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// wsEvent is a server frame.
type wsEvent struct {
	Type  string       `json:"type"`
	Chat  *chatView    `json:"chat,omitempty"`
	Plan  *plan.Result `json:"plan,omitempty"`
	Error string       `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *ChatSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	deviceID := identity.DeviceIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "chat closed"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	ctx := r.Context()
	f, release, err := h.chat.Acquire(ctx, deviceID, userID, nil)
	defer release()
	if err != nil {
		slog.Warn("Chat restore failed", "user_id", userID, "error", err)
	}
	if err := h.writeState(ctx, ws, f.Snapshot()); err != nil {
		return
	}

	h.readLoop(ctx, ws, f, userID)
	slog.Info("Chat socket ended", "user_id", userID)
}

func (h *ChatSocket) checkOrigin(r *http.Request) bool {
	if h.isDevelopment() {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *ChatSocket) readLoop(ctx context.Context, ws *websocket.Conn, f *chat.Flow, userID string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: "invalid message"})
			continue
		}

		if f.Closed() {
			_ = h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: chat.ErrFlowClosed.Error()})
			return
		}

		var werr error
		switch msg.Type {
		case "send":
			werr = h.send(ctx, ws, f, msg.Content)
		case "finish":
			werr = h.finish(ctx, ws, f, userID)
		case "dismiss_banner":
			f.DismissBanner()
			werr = h.writeState(ctx, ws, f.Snapshot())
		case "ping":
			werr = h.writeEvent(ctx, ws, wsEvent{Type: "pong"})
		default:
			werr = h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: "unknown message type"})
		}
		if werr != nil {
			slog.Debug("WebSocket write error", "error", werr, "user_id", userID)
			return
		}
	}
}

func (h *ChatSocket) send(ctx context.Context, ws *websocket.Conn, f *chat.Flow, text string) error {
	if err := h.writeEvent(ctx, ws, wsEvent{Type: "sending"}); err != nil {
		return err
	}
	snap, err := f.Send(ctx, text)
	if errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		view := viewOf(f.Snapshot())
		return h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: err.Error(), Chat: &view})
	}
	return h.writeState(ctx, ws, snap)
}

func (h *ChatSocket) finish(ctx context.Context, ws *websocket.Conn, f *chat.Flow, userID string) error {
	res, err := f.Finish(ctx)
	if err != nil {
		slog.Warn("Plan generation failed", "user_id", userID, "error", err)
		msg := err.Error()
		if chatStatus(err) != http.StatusConflict {
			msg = plan.UserMessage(err)
		}
		return h.writeEvent(ctx, ws, wsEvent{Type: "error", Error: msg})
	}
	view := viewOf(f.Snapshot())
	return h.writeEvent(ctx, ws, wsEvent{Type: "finished", Plan: res, Chat: &view})
}

func (h *ChatSocket) writeState(ctx context.Context, ws *websocket.Conn, snap chat.Snapshot) error {
	view := viewOf(snap)
	return h.writeEvent(ctx, ws, wsEvent{Type: "state", Chat: &view})
}

func (h *ChatSocket) writeEvent(ctx context.Context, ws *websocket.Conn, ev wsEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(wctx, websocket.MessageText, data)
}
