package ledger

import (
	"context"
	"errors"
	"fmt"

	"lv-papertrade/internal/exception"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/store"
	"lv-papertrade/internal/syncx"

	"github.com/shopspring/decimal"
)

type Op string

const (
	OpReserve Op = "reserve"
	OpRelease Op = "release"
	OpCredit  Op = "credit"
	OpDebit   Op = "debit"
)

// Apply returns the wallet after op, or an error with w untouched. The result always keeps
// balance, usedMargin and balance-usedMargin non-negative.
func Apply(w model.WalletAccount, op Op, amount decimal.Decimal) (model.WalletAccount, error) {
	if !amount.IsPositive() {
		return w, fmt.Errorf("%s %s: amount must be positive: %w", op, amount, exception.ErrInvalidAmount)
	}
	next := w
	switch op {
	case OpReserve:
		if w.Available().LessThan(amount) {
			return w, fmt.Errorf("reserve %s, available %s: %w", amount, w.Available(), exception.ErrInsufficientFunds)
		}
		next.UsedMargin = w.UsedMargin.Add(amount)
	case OpRelease:
		if w.UsedMargin.LessThan(amount) {
			return w, fmt.Errorf("release %s exceeds used margin %s: %w", amount, w.UsedMargin, exception.ErrInvalidAmount)
		}
		next.UsedMargin = w.UsedMargin.Sub(amount)
	case OpCredit:
		next.Balance = w.Balance.Add(amount)
	case OpDebit:
		if w.Available().LessThan(amount) {
			return w, fmt.Errorf("debit %s, available %s: %w", amount, w.Available(), exception.ErrInsufficientFunds)
		}
		next.Balance = w.Balance.Sub(amount)
	default:
		return w, fmt.Errorf("unknown wallet op %q", op)
	}
	return next, nil
}

type Service struct {
	store   store.Store
	locks   *syncx.KeyedMutex
	opening decimal.Decimal
}

// NewService shares locks with the order service so wallet mutations serialize per user.
func NewService(st store.Store, locks *syncx.KeyedMutex, opening decimal.Decimal) *Service {
	return &Service{store: st, locks: locks, opening: opening}
}

// ApplyTx loads the wallet for update inside tx, applies op and saves it.
func (s *Service) ApplyTx(ctx context.Context, tx store.Tx, userID string, op Op, amount decimal.Decimal) (model.WalletAccount, error) {
	w, err := tx.WalletForUpdate(ctx, userID)
	if err != nil {
		return model.WalletAccount{}, err
	}
	next, err := Apply(w, op, amount)
	if err != nil {
		return w, err
	}
	if err := tx.SaveWallet(ctx, next); err != nil {
		return w, err
	}
	return next, nil
}

func (s *Service) apply(ctx context.Context, userID string, op Op, amount decimal.Decimal) (model.WalletAccount, error) {
	unlock := s.locks.Lock(userID)
	defer unlock()
	var out model.WalletAccount
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = s.ApplyTx(ctx, tx, userID, op, amount)
		return err
	})
	return out, err
}

func (s *Service) Reserve(ctx context.Context, userID string, amount decimal.Decimal) (model.WalletAccount, error) {
	return s.apply(ctx, userID, OpReserve, amount)
}

func (s *Service) Release(ctx context.Context, userID string, amount decimal.Decimal) (model.WalletAccount, error) {
	return s.apply(ctx, userID, OpRelease, amount)
}

func (s *Service) Credit(ctx context.Context, userID string, amount decimal.Decimal) (model.WalletAccount, error) {
	return s.apply(ctx, userID, OpCredit, amount)
}

func (s *Service) Debit(ctx context.Context, userID string, amount decimal.Decimal) (model.WalletAccount, error) {
	return s.apply(ctx, userID, OpDebit, amount)
}

// Wallet returns the user's wallet; users who never traded see the opening balance.
func (s *Service) Wallet(ctx context.Context, userID string) (model.WalletAccount, error) {
	w, err := s.store.Wallet(ctx, userID)
	if errors.Is(err, exception.ErrNotFound) {
		return model.WalletAccount{UserID: userID, Balance: s.opening, UsedMargin: decimal.Zero}, nil
	}
	return w, err
}
