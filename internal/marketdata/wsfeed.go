package marketdata

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"lv-papertrade/internal/model"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WSUpstream subscribes to one channel per broker websocket connection.
type WSUpstream struct {
	url          string
	dialer       *websocket.Dialer
	header       http.Header
	readTimeout  time.Duration
	pingInterval time.Duration
}

func NewWSUpstream(url string, header http.Header) *WSUpstream {
	return &WSUpstream{
		url: url,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		header:       header,
		readTimeout:  30 * time.Second,
		pingInterval: 20 * time.Second,
	}
}

type feedSubscribe struct {
	Action   string `json:"action"`
	Exchange string `json:"exchange"`
	Token    string `json:"token"`
}

// brokerTick is the broker's wire shape. Prices arrive as strings.
type brokerTick struct {
	Type          string          `json:"type"`
	Exchange      string          `json:"e"`
	Token         string          `json:"tk"`
	LastPrice     decimal.Decimal `json:"lp"`
	PercentChange decimal.Decimal `json:"pc"`
	Volume        int64           `json:"v"`
	Bid           decimal.Decimal `json:"bp"`
	Ask           decimal.Decimal `json:"ap"`
	Timestamp     int64           `json:"ts"`
	Error         string          `json:"error,omitempty"`
}

func (u *WSUpstream) Stream(ctx context.Context, key model.ChannelKey, emit func(model.Tick)) error {
	conn, _, err := u.dialer.DialContext(ctx, u.url, u.header)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()

	sub := feedSubscribe{Action: "subscribe", Exchange: key.Exchange(), Token: key.Token()}
	payload, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("subscribe %s: %w", key, err)
	}

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(u.readTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(u.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(u.readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read feed: %w", err)
		}
		var msg brokerTick
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != "" {
			return errors.New("feed error: " + msg.Error)
		}
		if msg.Type != "" && msg.Type != "tick" {
			continue
		}
		if !msg.LastPrice.IsPositive() {
			continue
		}
		t := model.Tick{
			LastPrice:     msg.LastPrice,
			PercentChange: msg.PercentChange,
			Volume:        msg.Volume,
			Bid:           msg.Bid,
			Ask:           msg.Ask,
		}
		if msg.Timestamp > 0 {
			t.Timestamp = time.UnixMilli(msg.Timestamp).UTC()
		}
		emit(t)
	}
}
