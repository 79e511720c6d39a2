package orders

import (
	"net/http"
	"strconv"
	"strings"

	"lv-papertrade/internal/httputil"
	"lv-papertrade/internal/model"
	"lv-papertrade/internal/types"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Handler struct {
	svc    *Service
	logger *zap.Logger
}

func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger.Named("orders_http")}
}

type placeOrderRequest struct {
	Symbol    string `json:"symbol"`
	Side      string `json:"side"`
	OrderType string `json:"orderType"`
	Quantity  string `json:"quantity"`
	Price     string `json:"price"`
	Target    string `json:"target"`
	StopLoss  string `json:"stopLoss"`
}

type closePositionRequest struct {
	PositionID string `json:"positionId"`
	ClosePrice string `json:"closePrice"`
}

type closePositionResponse struct {
	Message     string          `json:"message"`
	RealizedPnL decimal.Decimal `json:"realizedPnl"`
}

// riskParamsRequest leaves an omitted trigger unchanged; clearTarget/clearStopLoss remove one.
type riskParamsRequest struct {
	PositionID    string `json:"positionId"`
	Target        string `json:"target"`
	StopLoss      string `json:"stopLoss"`
	ClearTarget   bool   `json:"clearTarget"`
	ClearStopLoss bool   `json:"clearStopLoss"`
}

// optionalDecimal parses v, treating an empty string as absent.
func optionalDecimal(v string) (*decimal.Decimal, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, true
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, false
	}
	return &d, true
}

func badRequest(w http.ResponseWriter, msg string) {
	httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: msg})
}

func (h *Handler) Place(w http.ResponseWriter, r *http.Request, userID string) {
	var req placeOrderRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	side, err := types.ParseOrderSide(req.Side)
	if err != nil {
		badRequest(w, err.Error())
		return
	}
	orderType := types.OrderTypeMarket
	if strings.TrimSpace(req.OrderType) != "" {
		if orderType, err = types.ParseOrderType(req.OrderType); err != nil {
			badRequest(w, err.Error())
			return
		}
	}
	qty, err := decimal.NewFromString(strings.TrimSpace(req.Quantity))
	if err != nil {
		badRequest(w, "invalid quantity")
		return
	}
	price, ok := optionalDecimal(req.Price)
	if !ok {
		badRequest(w, "invalid price")
		return
	}
	target, ok := optionalDecimal(req.Target)
	if !ok {
		badRequest(w, "invalid target")
		return
	}
	stopLoss, ok := optionalDecimal(req.StopLoss)
	if !ok {
		badRequest(w, "invalid stopLoss")
		return
	}

	order, err := h.svc.PlaceOrder(r.Context(), PlaceOrderRequest{
		UserID:   userID,
		Symbol:   req.Symbol,
		Side:     side,
		Type:     orderType,
		Quantity: qty,
		Price:    price,
		Target:   target,
		StopLoss: stopLoss,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, order)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request, userID string) {
	out, err := h.svc.Orders(r.Context(), userID, limitParam(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if out == nil {
		out = []model.Order{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Positions(w http.ResponseWriter, r *http.Request, userID string) {
	var status types.PositionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := types.ParsePositionStatus(raw)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		status = s
	}
	out, err := h.svc.Positions(r.Context(), userID, status)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if out == nil {
		out = []model.Position{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Trades(w http.ResponseWriter, r *http.Request, userID string) {
	out, err := h.svc.Trades(r.Context(), userID, limitParam(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if out == nil {
		out = []model.Trade{}
	}
	httputil.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) Close(w http.ResponseWriter, r *http.Request, userID string) {
	var req closePositionRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.PositionID) == "" {
		badRequest(w, "positionId is required")
		return
	}
	closePrice, ok := optionalDecimal(req.ClosePrice)
	if !ok {
		badRequest(w, "invalid closePrice")
		return
	}
	res, err := h.svc.CloseUserPosition(r.Context(), userID, strings.TrimSpace(req.PositionID), closePrice)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	msg := "position closed"
	if res.AlreadyClosed {
		msg = "position already closed"
	}
	httputil.WriteJSON(w, http.StatusOK, closePositionResponse{Message: msg, RealizedPnL: res.RealizedPnL})
}

func (h *Handler) UpdateRisk(w http.ResponseWriter, r *http.Request, userID string) {
	var req riskParamsRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(req.PositionID) == "" {
		badRequest(w, "positionId is required")
		return
	}
	target, ok := optionalDecimal(req.Target)
	if !ok {
		badRequest(w, "invalid target")
		return
	}
	stopLoss, ok := optionalDecimal(req.StopLoss)
	if !ok {
		badRequest(w, "invalid stopLoss")
		return
	}
	pos, err := h.svc.UpdateRiskParams(r.Context(), userID, strings.TrimSpace(req.PositionID), RiskUpdate{
		Target:        target,
		StopLoss:      stopLoss,
		ClearTarget:   req.ClearTarget,
		ClearStopLoss: req.ClearStopLoss,
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pos)
}

func limitParam(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}
