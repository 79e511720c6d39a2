package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const channelSep = "|"

// ChannelKey identifies a tick stream as "exchange|token".
type ChannelKey string

func NewChannelKey(exchange, token string) ChannelKey {
	return ChannelKey(strings.ToUpper(strings.TrimSpace(exchange)) + channelSep + strings.TrimSpace(token))
}

// ParseChannelKey validates and normalizes a raw "exchange|token" string.
func ParseChannelKey(raw string) (ChannelKey, error) {
	exchange, token, ok := strings.Cut(strings.TrimSpace(raw), channelSep)
	if !ok || strings.TrimSpace(exchange) == "" || strings.TrimSpace(token) == "" || strings.Contains(token, channelSep) {
		return "", fmt.Errorf("malformed channel %q", raw)
	}
	return NewChannelKey(exchange, token), nil
}

// ParseChannelList splits a comma separated channel list, dropping duplicates.
func ParseChannelList(raw string) ([]ChannelKey, error) {
	parts := strings.Split(raw, ",")
	seen := make(map[ChannelKey]struct{}, len(parts))
	out := make([]ChannelKey, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		key, err := ParseChannelKey(p)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out, nil
}

func (k ChannelKey) Exchange() string {
	exchange, _, _ := strings.Cut(string(k), channelSep)
	return exchange
}

func (k ChannelKey) Token() string {
	_, token, _ := strings.Cut(string(k), channelSep)
	return token
}

func (k ChannelKey) String() string {
	return string(k)
}

// Tick is the latest market state of one channel.
type Tick struct {
	Exchange      string          `json:"exchange"`
	Token         string          `json:"token"`
	LastPrice     decimal.Decimal `json:"lastPrice"`
	PercentChange decimal.Decimal `json:"percentChange"`
	Volume        int64           `json:"volume"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	Timestamp     time.Time       `json:"timestamp"`
	Stale         bool            `json:"stale"`
}

func (t Tick) Channel() ChannelKey {
	return NewChannelKey(t.Exchange, t.Token)
}

// Instrument is what the symbol directory resolves a human symbol to.
type Instrument struct {
	Symbol    string          `json:"symbol"`
	Exchange  string          `json:"exchange"`
	Token     string          `json:"token"`
	LotSize   decimal.Decimal `json:"lotSize"`
	BasePrice decimal.Decimal `json:"basePrice"`
}

func (i Instrument) Channel() ChannelKey {
	return NewChannelKey(i.Exchange, i.Token)
}
