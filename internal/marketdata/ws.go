package marketdata

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"lv-papertrade/internal/httputil"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WS is the websocket variant of Stream.
func (h *Handler) WS(w http.ResponseWriter, r *http.Request, userID string) {
	keys, err := parseStreamChannels(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := h.hub.Subscribe(ctx, userID+":"+uuid.NewString(), keys)
	defer sub.Close()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(h.heartbeat)
	defer ping.Stop()
	for {
		select {
		case t, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(Event{Type: "tick", Data: t}); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					h.logger.Debug("ws write failed", zap.String("subscriber", sub.ID), zap.Error(err))
				}
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func allowOrigin(r *http.Request, origin string) bool {
	if origin == "*" {
		return true
	}
	reqOrigin := r.Header.Get("Origin")
	if reqOrigin == "" {
		return true
	}
	return strings.EqualFold(reqOrigin, origin)
}
