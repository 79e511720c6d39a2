package marketdata

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/httputil"
	"lv-papertrade/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const maxStreamChannels = 50

type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
	TS   int64  `json:"ts,omitempty"`
}

type Handler struct {
	cache     *TickCache
	hub       *Hub
	dir       Directory
	logger    *zap.Logger
	upgrader  websocket.Upgrader
	heartbeat time.Duration
}

func NewHandler(cache *TickCache, hub *Hub, dir Directory, origin string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		cache:     cache,
		hub:       hub,
		dir:       dir,
		logger:    logger.Named("market"),
		heartbeat: 15 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return allowOrigin(r, origin) },
		},
	}
}

// Quote returns the latest cached tick for ?symbol= or ?channel=.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	key, err := h.channelFromQuery(r.Context(), r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	t, ok := h.cache.Get(key)
	if !ok {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "not found"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) Instruments(w http.ResponseWriter, r *http.Request) {
	items, err := h.dir.List(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) channelFromQuery(ctx context.Context, r *http.Request) (model.ChannelKey, error) {
	q := r.URL.Query()
	if raw := strings.TrimSpace(q.Get("channel")); raw != "" {
		key, err := model.ParseChannelKey(raw)
		if err != nil {
			return "", fmt.Errorf("%v: %w", err, exception.ErrInvalidChannel)
		}
		return key, nil
	}
	symbol := strings.TrimSpace(q.Get("symbol"))
	if symbol == "" {
		return "", fmt.Errorf("symbol or channel is required: %w", exception.ErrInvalidChannel)
	}
	it, err := h.dir.Resolve(ctx, symbol)
	if err != nil {
		return "", err
	}
	return it.Channel(), nil
}

func parseStreamChannels(r *http.Request) ([]model.ChannelKey, error) {
	keys, err := model.ParseChannelList(r.URL.Query().Get("channels"))
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, exception.ErrInvalidChannel)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("channels is required: %w", exception.ErrInvalidChannel)
	}
	if len(keys) > maxStreamChannels {
		return nil, fmt.Errorf("at most %d channels per stream: %w", maxStreamChannels, exception.ErrInvalidChannel)
	}
	return keys, nil
}

// Stream pushes one JSON line per tick until the client disconnects.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request, userID string) {
	keys, err := parseStreamChannels(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "streaming unsupported"})
		return
	}

	sub := h.hub.Subscribe(r.Context(), userID+":"+uuid.NewString(), keys)
	defer sub.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	write := func(evt Event) error {
		if err := enc.Encode(evt); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case t, ok := <-sub.C():
			if !ok {
				return
			}
			if err := write(Event{Type: "tick", Data: t}); err != nil {
				return
			}
		case now := <-heartbeat.C:
			if err := write(Event{Type: "heartbeat", TS: now.UnixMilli()}); err != nil {
				return
			}
		}
	}
}
