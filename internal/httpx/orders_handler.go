package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-lifecycle/internal/inventory"
	"github.com/ariefcatur/go-order-lifecycle/internal/orders"
	"github.com/ariefcatur/go-order-lifecycle/internal/payments"
	"github.com/ariefcatur/go-order-lifecycle/internal/redisx"
)

// Engine is the slice of lifecycle.Service the HTTP layer drives.
type Engine interface {
	CreateOrder(ctx context.Context, customerID string, items []orders.LineItem) (orders.Order, error)
	GetOrder(ctx context.Context, orderID string) (orders.Order, error)
	GetOrderHistory(ctx context.Context, orderID string) ([]orders.StatusHistory, error)
	GetAvailableStock(ctx context.Context, productID string) (inventory.StockLevel, error)
	ConfirmOrder(ctx context.Context, orderID, paymentMethod string) (orders.Order, error)
	StartProcessing(ctx context.Context, orderID, actorID string) (orders.Order, error)
	ShipOrder(ctx context.Context, orderID, trackingRef, actorID string) (orders.Order, error)
	DeliverOrder(ctx context.Context, orderID, actorID string) (orders.Order, error)
	RetryOrder(ctx context.Context, orderID, actorID string) (orders.Order, error)
	CancelOrder(ctx context.Context, orderID, reason, actorID string) (orders.Order, error)
	RefundOrder(ctx context.Context, orderID, reason, actorID string) (orders.Order, error)
	ReconcileOrder(ctx context.Context, orderID, actorID string) (orders.Order, error)
	ResolvePayment(ctx context.Context, paymentID string, res payments.Resolution, actorID string) (orders.Order, error)
}

// StockAdmin is the operator side of the inventory ledger.
type StockAdmin interface {
	Restock(ctx context.Context, productID string, delta int) (inventory.StockLevel, error)
	Movements(ctx context.Context, productID string, limit int) ([]inventory.Movement, error)
	ActiveForOrder(ctx context.Context, orderID string) ([]inventory.Reservation, error)
}

type PaymentLedger interface {
	PaymentsForOrder(ctx context.Context, orderID string) ([]payments.Payment, error)
	Refunds(ctx context.Context, paymentID string) ([]payments.Refund, error)
}

type StatusReader interface {
	Get(ctx context.Context, orderID string) (redisx.StatusSnapshot, bool, error)
}

type OrdersHandler struct {
	Engine   Engine
	Stock    StockAdmin    // optional
	Payments PaymentLedger // optional
	Cache    StatusReader  // optional fast path for GET /orders/{id}/status
	Log      *zap.Logger
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/orders/{id}/history", h.getHistory)
	r.Get("/orders/{id}/status", h.getStatus)
	r.Post("/orders/{id}/confirm", h.confirm)
	r.Post("/orders/{id}/process", h.action(h.Engine.StartProcessing))
	r.Post("/orders/{id}/deliver", h.action(h.Engine.DeliverOrder))
	r.Post("/orders/{id}/retry", h.action(h.Engine.RetryOrder))
	r.Post("/orders/{id}/ship", h.ship)
	r.Post("/orders/{id}/cancel", h.withReason(h.Engine.CancelOrder))
	r.Post("/orders/{id}/refund", h.withReason(h.Engine.RefundOrder))
	r.Post("/orders/{id}/reconcile", h.action(h.Engine.ReconcileOrder))
	r.Post("/payments/{paymentID}/resolve", h.resolvePayment)
	r.Get("/stock/{productID}", h.getStock)
	if h.Stock != nil {
		r.Post("/stock/{productID}", h.restock)
		r.Get("/stock/{productID}/movements", h.movements)
		r.Get("/orders/{id}/reservations", h.reservations)
	}
	if h.Payments != nil {
		r.Get("/orders/{id}/payments", h.listPayments)
	}
}

type itemReq struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type createOrderReq struct {
	CustomerID string    `json:"customer_id"`
	Items      []itemReq `json:"items"`
}

type actionReq struct {
	ActorID       string `json:"actor_id"`
	Reason        string `json:"reason"`
	TrackingRef   string `json:"tracking_ref"`
	PaymentMethod string `json:"payment_method"`
}

type resolveReq struct {
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
	ActorID       string `json:"actor_id"`
}

type restockReq struct {
	Delta int `json:"delta"`
}

type orderResp struct {
	ID            string     `json:"id"`
	CustomerID    string     `json:"customer_id"`
	Status        string     `json:"status"`
	PaymentStatus string     `json:"payment_status"`
	Items         []itemReq  `json:"items"`
	TotalAmount   int64      `json:"total_amount"`
	TrackingRef   string     `json:"tracking_ref,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	LeaseUntil    *time.Time `json:"lease_until,omitempty"`
	AllowedNext   []string   `json:"allowed_next"`
	Terminal      bool       `json:"terminal"`
}

func toOrderResp(o orders.Order) orderResp {
	items := make([]itemReq, len(o.LineItems))
	for i, li := range o.LineItems {
		items[i] = itemReq{ProductID: li.ProductID, Quantity: li.Quantity, UnitPrice: li.UnitPrice}
	}
	resp := orderResp{
		ID: o.ID, CustomerID: o.CustomerID,
		Status: string(o.Status), PaymentStatus: string(o.PaymentStatus),
		Items: items, TotalAmount: o.TotalAmount, TrackingRef: o.TrackingRef,
		Version: o.Version, CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
	if o.Lease != nil {
		until := o.Lease.Until
		resp.LeaseUntil = &until
	}
	resp.Terminal = orders.IsTerminal(o.Status)
	resp.AllowedNext = []string{}
	for _, next := range orders.AllowedTransitions(o.Status) {
		resp.AllowedNext = append(resp.AllowedNext, string(next))
	}
	return resp
}

type historyResp struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	ActorID   string    `json:"actor_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto status codes.
func (h *OrdersHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, orders.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, orders.ErrProductNotFound),
		errors.Is(err, orders.ErrReservationNotFound),
		errors.Is(err, orders.ErrPaymentNotFound):
		code = http.StatusNotFound
	case errors.Is(err, orders.ErrInvalidTransition),
		errors.Is(err, orders.ErrInsufficientStock),
		errors.Is(err, orders.ErrReconciliation),
		errors.Is(err, orders.ErrConcurrentModification),
		errors.Is(err, orders.ErrInvalidPaymentState),
		errors.Is(err, orders.ErrInvalidReservation):
		code = http.StatusConflict
	case errors.Is(err, orders.ErrPaymentDeclined):
		code = http.StatusPaymentRequired
	case errors.Is(err, orders.ErrAmbiguousCharge):
		code = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		code = http.StatusGatewayTimeout
	}
	if (code >= http.StatusInternalServerError || errors.Is(err, orders.ErrReconciliation)) && h.Log != nil {
		h.Log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(orders.ErrInvalidInput, errors.New("invalid json"))
	}
	return nil
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	items := make([]orders.LineItem, len(req.Items))
	for i, it := range req.Items {
		items[i] = orders.LineItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	o, err := h.Engine.CreateOrder(r.Context(), req.CustomerID, items)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResp(o))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.Engine.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) getHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.Engine.GetOrderHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]historyResp, len(hist))
	for i, e := range hist {
		out[i] = historyResp{ID: e.ID, From: string(e.FromStatus), To: string(e.ToStatus),
			Reason: e.Reason, ActorID: e.ActorID, CreatedAt: e.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

// getStatus serves the projected snapshot when present; the cache may lag
// the database by the projector's delay.
func (h *OrdersHandler) getStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.Cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 300*time.Millisecond)
		snap, ok, err := h.Cache.Get(ctx, id)
		cancel()
		if err == nil && ok {
			w.Header().Set("X-Status-Source", "cache")
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	o, err := h.Engine.GetOrder(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Status-Source", "store")
	writeJSON(w, http.StatusOK, redisx.StatusSnapshot{
		OrderID: o.ID, Status: string(o.Status), PaymentStatus: string(o.PaymentStatus),
		Version: o.Version, UpdatedAt: o.UpdatedAt,
	})
}

func (h *OrdersHandler) confirm(w http.ResponseWriter, r *http.Request) {
	var req actionReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.Engine.ConfirmOrder(r.Context(), chi.URLParam(r, "id"), req.PaymentMethod)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) ship(w http.ResponseWriter, r *http.Request) {
	var req actionReq
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	o, err := h.Engine.ShipOrder(r.Context(), chi.URLParam(r, "id"), req.TrackingRef, req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) action(fn func(ctx context.Context, orderID, actorID string) (orders.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actionReq
		if err := decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		o, err := fn(r.Context(), chi.URLParam(r, "id"), req.ActorID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResp(o))
	}
}

func (h *OrdersHandler) withReason(fn func(ctx context.Context, orderID, reason, actorID string) (orders.Order, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actionReq
		if err := decode(r, &req); err != nil {
			h.writeError(w, r, err)
			return
		}
		o, err := fn(r.Context(), chi.URLParam(r, "id"), req.Reason, req.ActorID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toOrderResp(o))
	}
}

// resolvePayment records an outcome learned from the gateway for a charge
// or refund left without one, and returns the order it settled.
func (h *OrdersHandler) resolvePayment(w http.ResponseWriter, r *http.Request) {
	var req resolveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	o, err := h.Engine.ResolvePayment(r.Context(), chi.URLParam(r, "paymentID"), payments.Resolution{
		Status:        payments.Status(req.Status),
		TransactionID: req.TransactionID,
		Reason:        req.Reason,
	}, req.ActorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

type stockResp struct {
	ProductID string `json:"product_id"`
	OnHand    int    `json:"on_hand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	LowStock  bool   `json:"low_stock"`
}

func toStockResp(l inventory.StockLevel) stockResp {
	return stockResp{ProductID: l.ProductID, OnHand: l.OnHand, Reserved: l.Reserved, Available: l.Available, LowStock: l.LowStock}
}

func (h *OrdersHandler) getStock(w http.ResponseWriter, r *http.Request) {
	lvl, err := h.Engine.GetAvailableStock(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResp(lvl))
}

func (h *OrdersHandler) restock(w http.ResponseWriter, r *http.Request) {
	var req restockReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	lvl, err := h.Stock.Restock(r.Context(), chi.URLParam(r, "productID"), req.Delta)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toStockResp(lvl))
}

func (h *OrdersHandler) movements(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	moves, err := h.Stock.Movements(r.Context(), chi.URLParam(r, "productID"), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type movementResp struct {
		ID            string    `json:"id"`
		ReservationID string    `json:"reservation_id,omitempty"`
		Kind          string    `json:"kind"`
		OnHandDelta   int       `json:"on_hand_delta"`
		ReservedDelta int       `json:"reserved_delta"`
		CreatedAt     time.Time `json:"created_at"`
	}
	out := make([]movementResp, len(moves))
	for i, m := range moves {
		out[i] = movementResp{ID: m.ID, ReservationID: m.ReservationID, Kind: string(m.Kind),
			OnHandDelta: m.OnHandDelta, ReservedDelta: m.ReservedDelta, CreatedAt: m.CreatedAt}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *OrdersHandler) reservations(w http.ResponseWriter, r *http.Request) {
	held, err := h.Stock.ActiveForOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type reservationResp struct {
		ID        string    `json:"id"`
		ProductID string    `json:"product_id"`
		Quantity  int       `json:"quantity"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	out := make([]reservationResp, len(held))
	for i, res := range held {
		out[i] = reservationResp{ID: res.ID, ProductID: res.ProductID, Quantity: res.Quantity, ExpiresAt: res.ExpiresAt}
	}
	writeJSON(w, http.StatusOK, out)
}

type refundResp struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Status        string `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
}

type paymentResp struct {
	ID             string       `json:"id"`
	Amount         int64        `json:"amount"`
	Status         string       `json:"status"`
	IdempotencyKey string       `json:"idempotency_key"`
	TransactionID  string       `json:"transaction_id,omitempty"`
	FailureReason  string       `json:"failure_reason,omitempty"`
	Refunds        []refundResp `json:"refunds"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (h *OrdersHandler) listPayments(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Payments.PaymentsForOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]paymentResp, 0, len(ps))
	for _, p := range ps {
		refunds, err := h.Payments.Refunds(r.Context(), p.ID)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		pr := paymentResp{ID: p.ID, Amount: p.Amount, Status: string(p.Status), IdempotencyKey: p.IdempotencyKey,
			TransactionID: p.GatewayTransactionID, FailureReason: p.FailureReason,
			Refunds: make([]refundResp, len(refunds)), CreatedAt: p.CreatedAt}
		for i, rf := range refunds {
			pr.Refunds[i] = refundResp{ID: rf.ID, Amount: rf.Amount, Status: string(rf.Status), FailureReason: rf.FailureReason}
		}
		out = append(out, pr)
	}
	writeJSON(w, http.StatusOK, out)
}
