package ledger

import (
	"net/http"
	"strings"

	"lv-papertrade/internal/httputil"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	svc           *Service
	faucetEnabled bool
	faucetMax     decimal.Decimal
	logger        *zap.Logger
}

func NewHandler(svc *Service, faucetEnabled bool, faucetMax decimal.Decimal, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, faucetEnabled: faucetEnabled, faucetMax: faucetMax, logger: logger.Named("wallet")}
}

type walletResponse struct {
	UserID     string          `json:"userId"`
	Balance    decimal.Decimal `json:"balance"`
	UsedMargin decimal.Decimal `json:"usedMargin"`
	Available  decimal.Decimal `json:"availableBalance"`
}

type faucetRequest struct {
	Amount string `json:"amount"`
}

func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request, userID string) {
	wallet, err := h.svc.Wallet(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, walletResponse{
		UserID:     wallet.UserID,
		Balance:    wallet.Balance,
		UsedMargin: wallet.UsedMargin,
		Available:  wallet.Available(),
	})
}

// Faucet tops up virtual capital.
func (h *Handler) Faucet(w http.ResponseWriter, r *http.Request, userID string) {
	if !h.faucetEnabled {
		httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "faucet disabled"})
		return
	}
	var req faucetRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	amount, err := decimal.NewFromString(strings.TrimSpace(req.Amount))
	if err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "invalid amount"})
		return
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "amount must be positive"})
		return
	}
	if h.faucetMax.GreaterThan(decimal.Zero) && amount.GreaterThan(h.faucetMax) {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "amount exceeds faucet limit"})
		return
	}
	wallet, err := h.svc.Credit(r.Context(), userID, amount)
	if err != nil {
		h.logger.Error("faucet credit failed", zap.String("user_id", userID), zap.Error(err))
		httputil.WriteError(w, err)
		return
	}
	h.logger.Info("faucet credited", zap.String("user_id", userID), zap.String("amount", amount.String()))
	httputil.WriteJSON(w, http.StatusOK, walletResponse{
		UserID:     wallet.UserID,
		Balance:    wallet.Balance,
		UsedMargin: wallet.UsedMargin,
		Available:  wallet.Available(),
	})
}
