package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"invoicewatch/internal/logging"
	"invoicewatch/internal/store"
	"invoicewatch/internal/tracker"
)

const (
	defaultPollWait = 30 * time.Second
	maxPollWait     = 5 * time.Minute

	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second

	maxCreateBody = 16 << 10
)

// InvoiceTracker is the part of the tracker the HTTP surface uses.
type InvoiceTracker interface {
	CreateTrackedInvoice(ctx context.Context, req tracker.InvoiceRequest) (tracker.Invoice, error)
	GetInvoiceStatus(id string) (tracker.Invoice, error)
	NextEvent(ctx context.Context) (tracker.Event, error)
	Redeliver(ev tracker.Event)
}

// WebhookHandler is an interface for handling webhook callbacks.
type WebhookHandler interface {
	HandleWebhook(body []byte, headers http.Header) error
}

// OutcomeLookup finds the journaled outcome of an invoice the tracker has
// already swept.
type OutcomeLookup interface {
	GetOutcome(ctx context.Context, invoiceID string) (*store.Outcome, error)
}

// Handler handles HTTP requests.
type Handler struct {
	tracker        InvoiceTracker
	outcomes       OutcomeLookup
	webhookHandler WebhookHandler
	pendingLimiter *PendingInvoiceLimiter
	upgrader       websocket.Upgrader
	mux            *http.ServeMux

	// Only one consumer may drain paid events at a time.
	consumerMu   sync.Mutex
	consumerBusy bool
}

// NewHandler creates a new HTTP handler.
// If pendingLimiter is nil, no pending invoice limit is enforced.
// allowedOrigins restricts websocket upgrades; empty allows any origin.
func NewHandler(t InvoiceTracker, pendingLimiter *PendingInvoiceLimiter, allowedOrigins []string) *Handler {
	h := &Handler{
		tracker:        t,
		pendingLimiter: pendingLimiter,
		mux:            http.NewServeMux(),
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)}
	h.registerRoutes()
	return h
}

// SetWebhookHandler sets the webhook handler for payment notifications.
func (h *Handler) SetWebhookHandler(wh WebhookHandler) {
	h.webhookHandler = wh
}

// SetOutcomeLookup makes invoice lookups fall back to the journal once the
// tracker no longer holds the invoice.
func (h *Handler) SetOutcomeLookup(l OutcomeLookup) {
	h.outcomes = l
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/invoices", h.handleCreateInvoice)
	h.mux.HandleFunc("GET /api/invoices/next", h.handleNextPaid)
	h.mux.HandleFunc("GET /api/invoices/{id}", h.handleGetInvoice)
	h.mux.HandleFunc("GET /api/ws/paid", h.handlePaidStream)
	h.mux.HandleFunc("POST /api/webhook/alby", h.handleAlbyWebhook)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (h *Handler) acquireConsumer() bool {
	h.consumerMu.Lock()
	defer h.consumerMu.Unlock()
	if h.consumerBusy {
		return false
	}
	h.consumerBusy = true
	return true
}

func (h *Handler) releaseConsumer() {
	h.consumerMu.Lock()
	h.consumerBusy = false
	h.consumerMu.Unlock()
}

// CreateInvoiceRequest is the request body for creating a tracked invoice.
type CreateInvoiceRequest struct {
	Reference     string `json:"reference"`
	Amount        int64  `json:"amount"`
	Unit          string `json:"unit,omitempty"`
	AmountUnknown bool   `json:"amount_unknown,omitempty"`
	Memo          string `json:"memo,omitempty"`
	ExpirySeconds int64  `json:"expiry_seconds,omitempty"`
}

// InvoiceResponse describes a tracked invoice.
type InvoiceResponse struct {
	ID                     string     `json:"id"`
	Reference              string     `json:"reference"`
	Status                 string     `json:"status"`
	Amount                 int64      `json:"amount"`
	Unit                   string     `json:"unit"`
	AmountKnown            bool       `json:"amount_known"`
	Tolerance              int64      `json:"tolerance,omitempty"`
	CorrelationToken       string     `json:"correlation_token"`
	PaymentRequest         string     `json:"payment_request"`
	Memo                   string     `json:"memo"`
	CreatedAt              time.Time  `json:"created_at"`
	ExpiresAt              time.Time  `json:"expires_at"`
	PaidAt                 *time.Time `json:"paid_at,omitempty"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty"`
	ExternalTransactionRef string     `json:"external_transaction_ref,omitempty"`
	AmountReceived         int64      `json:"amount_received,omitempty"`
	ObservedAmount         int64      `json:"observed_amount,omitempty"`
	MatchedBy              string     `json:"matched_by,omitempty"`
}

// PaidEventResponse is one paid notification.
type PaidEventResponse struct {
	EventID    string          `json:"event_id"`
	Rule       string          `json:"rule"`
	Source     string          `json:"source"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Invoice    InvoiceResponse `json:"invoice"`
}

func newInvoiceResponse(inv tracker.Invoice) InvoiceResponse {
	return InvoiceResponse{
		ID:                     inv.ID,
		Reference:              inv.Reference,
		Status:                 string(inv.Status),
		Amount:                 inv.ExpectedAmount,
		Unit:                   inv.Unit,
		AmountKnown:            inv.AmountKnown,
		Tolerance:              inv.ToleranceRange,
		CorrelationToken:       inv.CorrelationToken,
		PaymentRequest:         inv.PaymentRequest,
		Memo:                   inv.Memo,
		CreatedAt:              inv.CreatedAt,
		ExpiresAt:              inv.ExpiresAt,
		PaidAt:                 inv.PaidAt,
		ResolvedAt:             inv.ResolvedAt,
		ExternalTransactionRef: inv.ExternalTransactionRef,
		AmountReceived:         inv.AmountReceived,
		ObservedAmount:         inv.ObservedAmount,
		MatchedBy:              string(inv.MatchedBy),
	}
}

func newOutcomeResponse(o *store.Outcome) InvoiceResponse {
	resp := InvoiceResponse{
		ID:                     o.InvoiceID,
		Reference:              o.Reference,
		Status:                 o.Status,
		Amount:                 o.ExpectedAmount,
		Unit:                   o.Unit,
		AmountKnown:            o.AmountKnown,
		CorrelationToken:       o.CorrelationToken,
		CreatedAt:              o.CreatedAt,
		ExternalTransactionRef: o.ExternalTransactionRef,
		AmountReceived:         o.AmountReceived,
		ObservedAmount:         o.ObservedAmount,
		MatchedBy:              o.MatchedBy,
	}
	if !o.ResolvedAt.IsZero() {
		resolved := o.ResolvedAt
		resp.ResolvedAt = &resolved
		if o.Status == string(tracker.StatusPaid) {
			resp.PaidAt = &resolved
		}
	}
	return resp
}

func newPaidEventResponse(ev tracker.Event) PaidEventResponse {
	return PaidEventResponse{
		EventID:    ev.ID,
		Rule:       string(ev.Rule),
		Source:     string(ev.Source),
		EnqueuedAt: ev.EnqueuedAt,
		Invoice:    newInvoiceResponse(ev.Invoice),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (h *Handler) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	ip := extractIP(r)

	if h.pendingLimiter != nil && !h.pendingLimiter.CanCreate(ip) {
		count := h.pendingLimiter.PendingCount(ip)
		max := h.pendingLimiter.MaxPending()
		msg := fmt.Sprintf("pending invoice limit reached: you have %d unresolved invoice(s) (max %d). "+
			"Pay or wait for existing invoices to resolve before creating more.", count, max)
		http.Error(w, msg, http.StatusTooManyRequests)
		return
	}

	var req CreateInvoiceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCreateBody)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.ExpirySeconds < 0 {
		http.Error(w, "expiry_seconds must not be negative", http.StatusBadRequest)
		return
	}

	inv, err := h.tracker.CreateTrackedInvoice(r.Context(), tracker.InvoiceRequest{
		Reference:     req.Reference,
		Amount:        req.Amount,
		Unit:          req.Unit,
		AmountUnknown: req.AmountUnknown,
		Memo:          req.Memo,
		Expiry:        time.Duration(req.ExpirySeconds) * time.Second,
	})
	if errors.Is(err, tracker.ErrInvalidRequest) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		logging.HTTP.Printf("failed to create invoice: %v", err)
		http.Error(w, "failed to create invoice", http.StatusInternalServerError)
		return
	}

	if h.pendingLimiter != nil && ip != "" {
		h.pendingLimiter.Track(ip, inv.ID)
		// A push can resolve the invoice before it is tracked; OnResolved
		// would have found nothing to release then.
		if cur, err := h.tracker.GetInvoiceStatus(inv.ID); err == nil && cur.Status.Terminal() {
			h.pendingLimiter.OnResolved(cur)
		}
	}

	if err := writeJSON(w, http.StatusCreated, newInvoiceResponse(inv)); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" || len(id) > 128 {
		http.Error(w, "invalid invoice id", http.StatusBadRequest)
		return
	}

	inv, err := h.tracker.GetInvoiceStatus(id)
	if errors.Is(err, tracker.ErrInvoiceNotFound) {
		h.writeJournaledOutcome(w, r, id)
		return
	}
	if err != nil {
		http.Error(w, "failed to get invoice", http.StatusInternalServerError)
		return
	}

	if err := writeJSON(w, http.StatusOK, newInvoiceResponse(inv)); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

func (h *Handler) writeJournaledOutcome(w http.ResponseWriter, r *http.Request, id string) {
	if h.outcomes == nil {
		http.Error(w, "invoice not found", http.StatusNotFound)
		return
	}
	o, err := h.outcomes.GetOutcome(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "invoice not found", http.StatusNotFound)
		return
	}
	if err != nil {
		logging.HTTP.Printf("journal lookup for %s failed: %v", id, err)
		http.Error(w, "failed to get invoice", http.StatusInternalServerError)
		return
	}
	if err := writeJSON(w, http.StatusOK, newOutcomeResponse(o)); err != nil {
		logging.HTTP.Printf("failed to encode response: %v", err)
	}
}

func parseWait(raw string) (time.Duration, error) {
	if raw == "" {
		return defaultPollWait, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid wait %q", raw)
	}
	return min(d, maxPollWait), nil
}

// handleNextPaid long-polls for one paid event. 204 means nothing arrived
// within the wait.
func (h *Handler) handleNextPaid(w http.ResponseWriter, r *http.Request) {
	wait, err := parseWait(r.URL.Query().Get("wait"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !h.acquireConsumer() {
		http.Error(w, "another consumer is attached", http.StatusConflict)
		return
	}
	defer h.releaseConsumer()

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	ev, err := h.tracker.NextEvent(ctx)
	switch {
	case errors.Is(err, tracker.ErrQueueClosed):
		http.Error(w, "notifications closed", http.StatusServiceUnavailable)
		return
	case errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		// Client went away.
		return
	}

	if err := writeJSON(w, http.StatusOK, newPaidEventResponse(ev)); err != nil {
		logging.HTTP.Printf("failed to deliver paid event for %s, requeued: %v", ev.Invoice.ID, err)
		h.tracker.Redeliver(ev)
	}
}

// handlePaidStream pushes paid events over a websocket until the client
// disconnects or the queue closes.
func (h *Handler) handlePaidStream(w http.ResponseWriter, r *http.Request) {
	if !h.acquireConsumer() {
		http.Error(w, "another consumer is attached", http.StatusConflict)
		return
	}
	defer h.releaseConsumer()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.HTTP.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Reader: handles pongs and notices disconnects.
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	logging.HTTP.Printf("ws consumer attached from %s", extractIP(r))
	defer logging.HTTP.Printf("ws consumer detached from %s", extractIP(r))

	for {
		ev, err := h.tracker.NextEvent(ctx)
		if errors.Is(err, tracker.ErrQueueClosed) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "notifications closed"),
				time.Now().Add(wsWriteWait))
			return
		}
		if err != nil {
			return
		}

		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(newPaidEventResponse(ev)); err != nil {
			logging.HTTP.Printf("ws write failed for %s, requeued: %v", ev.Invoice.ID, err)
			h.tracker.Redeliver(ev)
			return
		}
	}
}

func (h *Handler) handleAlbyWebhook(w http.ResponseWriter, r *http.Request) {
	if h.webhookHandler == nil {
		http.Error(w, "webhook handler not configured", http.StatusServiceUnavailable)
		return
	}

	// Read raw body for signature verification
	body, err := io.ReadAll(r.Body)
	if err != nil {
		logging.HTTP.Printf("webhook: failed to read body: %v", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	if err := h.webhookHandler.HandleWebhook(body, r.Header); err != nil {
		logging.HTTP.Printf("webhook: failed to process: %v", err)
		http.Error(w, "webhook processing failed", http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}
