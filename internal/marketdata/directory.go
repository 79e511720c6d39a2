package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/model"

	"github.com/shopspring/decimal"
)

// DefaultSymbols seeds the static directory when SYMBOLS is not configured.
const DefaultSymbols = "RELIANCE=NSE|2885|1|2450,INFY=NSE|1594|1|1480,TCS=NSE|11536|1|3620,SBIN=NSE|3045|1|610,NIFTY=NFO|43854|50|22000"

// Directory resolves symbols to feed channels.
type Directory interface {
	Resolve(ctx context.Context, symbol string) (model.Instrument, error)
	ByChannel(ctx context.Context, key model.ChannelKey) (model.Instrument, error)
	List(ctx context.Context) ([]model.Instrument, error)
}

type StaticDirectory struct {
	bySymbol  map[string]model.Instrument
	byChannel map[model.ChannelKey]model.Instrument
}

func NewStaticDirectory(items []model.Instrument) *StaticDirectory {
	d := &StaticDirectory{
		bySymbol:  make(map[string]model.Instrument, len(items)),
		byChannel: make(map[model.ChannelKey]model.Instrument, len(items)),
	}
	for _, it := range items {
		d.bySymbol[it.Symbol] = it
		d.byChannel[it.Channel()] = it
	}
	return d
}

// ParseSymbols reads "SYM=EXCHANGE|TOKEN|LOT[|BASEPRICE]" entries separated by commas.
func ParseSymbols(raw string) ([]model.Instrument, error) {
	var out []model.Instrument
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		sym, rest, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid symbol entry %q", entry)
		}
		parts := strings.Split(rest, "|")
		if len(parts) < 3 || len(parts) > 4 {
			return nil, fmt.Errorf("invalid symbol entry %q", entry)
		}
		lot, err := decimal.NewFromString(strings.TrimSpace(parts[2]))
		if err != nil || !lot.IsPositive() {
			return nil, fmt.Errorf("invalid lot size in %q", entry)
		}
		inst := model.Instrument{
			Symbol:   normalizeSymbol(sym),
			Exchange: strings.ToUpper(strings.TrimSpace(parts[0])),
			Token:    strings.TrimSpace(parts[1]),
			LotSize:  lot,
		}
		if inst.Symbol == "" || inst.Exchange == "" || inst.Token == "" {
			return nil, fmt.Errorf("invalid symbol entry %q", entry)
		}
		if len(parts) == 4 {
			base, err := decimal.NewFromString(strings.TrimSpace(parts[3]))
			if err != nil || !base.IsPositive() {
				return nil, fmt.Errorf("invalid base price in %q", entry)
			}
			inst.BasePrice = base
		}
		out = append(out, inst)
	}
	return out, nil
}

func (d *StaticDirectory) Resolve(_ context.Context, symbol string) (model.Instrument, error) {
	it, ok := d.bySymbol[normalizeSymbol(symbol)]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%s: %w", symbol, exception.ErrUnknownSymbol)
	}
	return it, nil
}

func (d *StaticDirectory) ByChannel(_ context.Context, key model.ChannelKey) (model.Instrument, error) {
	it, ok := d.byChannel[key]
	if !ok {
		return model.Instrument{}, fmt.Errorf("%s: %w", key, exception.ErrUnknownSymbol)
	}
	return it, nil
}

func (d *StaticDirectory) List(_ context.Context) ([]model.Instrument, error) {
	out := make([]model.Instrument, 0, len(d.bySymbol))
	for _, it := range d.bySymbol {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func normalizeSymbol(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
