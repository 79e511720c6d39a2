package marketdata

import (
	"context"
	"errors"
	"fmt"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgDirectory reads instruments from Postgres.
type PgDirectory struct {
	pool *pgxpool.Pool
}

func NewPgDirectory(pool *pgxpool.Pool) *PgDirectory {
	return &PgDirectory{pool: pool}
}

const instrumentColumns = "symbol, exchange, token, lot_size, base_price"

func scanInstrument(row pgx.Row) (model.Instrument, error) {
	var it model.Instrument
	err := row.Scan(&it.Symbol, &it.Exchange, &it.Token, &it.LotSize, &it.BasePrice)
	return it, err
}

func (d *PgDirectory) Resolve(ctx context.Context, symbol string) (model.Instrument, error) {
	it, err := scanInstrument(d.pool.QueryRow(ctx,
		"select "+instrumentColumns+" from instruments where symbol = $1 and active", normalizeSymbol(symbol)))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instrument{}, fmt.Errorf("%s: %w", symbol, exception.ErrUnknownSymbol)
	}
	return it, err
}

func (d *PgDirectory) ByChannel(ctx context.Context, key model.ChannelKey) (model.Instrument, error) {
	it, err := scanInstrument(d.pool.QueryRow(ctx,
		"select "+instrumentColumns+" from instruments where exchange = $1 and token = $2 and active",
		key.Exchange(), key.Token()))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Instrument{}, fmt.Errorf("%s: %w", key, exception.ErrUnknownSymbol)
	}
	return it, err
}

func (d *PgDirectory) List(ctx context.Context) ([]model.Instrument, error) {
	rows, err := d.pool.Query(ctx, "select "+instrumentColumns+" from instruments where active order by symbol")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Instrument
	for rows.Next() {
		it, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Seed upserts instruments, used to load the configured symbol list on startup.
func (d *PgDirectory) Seed(ctx context.Context, items []model.Instrument) error {
	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(`
			insert into instruments (symbol, exchange, token, lot_size, base_price, active)
			values ($1, $2, $3, $4, $5, true)
			on conflict (symbol) do update
			set exchange = excluded.exchange, token = excluded.token,
				lot_size = excluded.lot_size, base_price = excluded.base_price
		`, it.Symbol, it.Exchange, it.Token, it.LotSize, it.BasePrice)
	}
	return d.pool.SendBatch(ctx, batch).Close()
}
