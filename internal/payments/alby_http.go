package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"invoicewatch/internal/logging"
)

const albyAPIBase = "https://api.getalby.com"

// AlbyHTTPClient implements Ledger using the Alby Wallet HTTP API.
// Incoming invoices double as the transaction feed; settled invoice webhooks
// feed the push stream when a webhook secret is configured.
type AlbyHTTPClient struct {
	accessToken   string
	baseURL       string
	httpClient    *http.Client
	webhookSecret string

	updates chan Transaction
	done    chan struct{}
}

// Alby API request/response structures
type albyCreateInvoiceRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Memo        string `json:"memo,omitempty"`
}

type albyInvoiceResponse struct {
	PaymentHash    string `json:"payment_hash"`
	PaymentRequest string `json:"payment_request"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency,omitempty"`
	Memo           string `json:"memo,omitempty"`
	Comment        string `json:"comment,omitempty"`
	Type           string `json:"type,omitempty"`
	State          string `json:"state,omitempty"`
	Settled        bool   `json:"settled"`
	SettledAt      string `json:"settled_at,omitempty"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// AlbyConfig holds configuration for the Alby HTTP client.
type AlbyConfig struct {
	AccessToken   string
	WebhookSecret string // The SVIX webhook secret; empty disables push updates
	BaseURL       string // Defaults to the public Alby API
	Timeout       time.Duration
}

// NewAlbyHTTPClient creates a new Alby HTTP API client and checks that the
// token is accepted.
func NewAlbyHTTPClient(ctx context.Context, cfg AlbyConfig) (*AlbyHTTPClient, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("access token is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = albyAPIBase
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &AlbyHTTPClient{
		accessToken:   cfg.AccessToken,
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		webhookSecret: cfg.WebhookSecret,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		updates: make(chan Transaction, 1000),
		done:    make(chan struct{}),
	}

	logging.Alby.Println("testing connection...")
	if err := c.testConnection(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Alby: %w", err)
	}
	logging.Alby.Println("connected successfully!")

	return c, nil
}

func (c *AlbyHTTPClient) testConnection(ctx context.Context) error {
	resp, err := c.get(ctx, "/balance")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *AlbyHTTPClient) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}
	return resp, nil
}

func (c *AlbyHTTPClient) CreateInvoice(ctx context.Context, amount int64, memo string) (*Invoice, error) {
	logging.Alby.Printf("creating invoice for %d sats...", amount)

	jsonBody, err := json.Marshal(albyCreateInvoiceRequest{
		Amount:      amount,
		Description: memo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/invoices", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var albyResp albyInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&albyResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if albyResp.PaymentHash == "" {
		return nil, fmt.Errorf("API returned invoice without payment hash")
	}

	logging.Alby.Printf("created invoice %s for %d sats", shortHash(albyResp.PaymentHash), amount)

	return &Invoice{
		ID:             albyResp.PaymentHash,
		PaymentRequest: albyResp.PaymentRequest,
		Amount:         amount,
	}, nil
}

// FetchRecentTransactions lists the most recent incoming invoices, newest
// first, as ledger records.
func (c *AlbyHTTPClient) FetchRecentTransactions(ctx context.Context, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	resp, err := c.get(ctx, "/invoices/incoming?page=1&items="+strconv.Itoa(limit))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var invoices []albyInvoiceResponse
	if err := json.NewDecoder(resp.Body).Decode(&invoices); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	txs := make([]Transaction, 0, len(invoices))
	for _, inv := range invoices {
		if inv.PaymentHash == "" {
			continue
		}
		txs = append(txs, inv.toTransaction())
	}
	return txs, nil
}

func (r albyInvoiceResponse) toTransaction() Transaction {
	tx := Transaction{
		ID:        r.PaymentHash,
		Direction: DirectionIncoming,
		Amount:    r.Amount,
		Unit:      albyUnit(r.Currency),
		Status:    TxPending,
		Memo:      r.Memo,
	}
	if r.Type == "outgoing" {
		tx.Direction = DirectionOutgoing
	}
	if tx.Memo == "" {
		tx.Memo = r.Comment
	}
	switch {
	case r.Settled || strings.EqualFold(r.State, "SETTLED"):
		tx.Status = TxSettled
	case strings.EqualFold(r.State, "CANCELED") || strings.EqualFold(r.State, "FAILED"):
		tx.Status = TxFailed
	}
	if ts, ok := parseAlbyTime(r.SettledAt); ok {
		tx.Timestamp = ts
	} else if ts, ok := parseAlbyTime(r.CreatedAt); ok {
		tx.Timestamp = ts
	}
	return tx
}

func albyUnit(currency string) string {
	if strings.EqualFold(currency, "BTC") {
		return UnitSat
	}
	return NormalizeUnit(currency)
}

func parseAlbyTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// SubscribeToUpdates returns the webhook-fed stream. Without a webhook secret
// no webhook can be verified, so push is reported as unsupported.
func (c *AlbyHTTPClient) SubscribeToUpdates(ctx context.Context) (<-chan Transaction, error) {
	if c.webhookSecret == "" {
		return nil, ErrPushUnsupported
	}
	return c.updates, nil
}

func (c *AlbyHTTPClient) Close() error {
	close(c.done)
	return nil
}

// AlbyWebhookPayload is the payload sent by Alby when an invoice is settled.
type AlbyWebhookPayload struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency,omitempty"`
	Memo        string `json:"memo,omitempty"`
	Comment     string `json:"comment,omitempty"`
	Settled     bool   `json:"settled"`
	SettledAt   string `json:"settled_at,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
	Type        string `json:"type"`
	PaymentHash string `json:"payment_hash"`
}

// HandleWebhook processes an incoming webhook request from Alby.
// It verifies the SVIX signature and sends the record to the update stream.
func (c *AlbyHTTPClient) HandleWebhook(body []byte, headers http.Header) error {
	if err := c.verifyWebhookSignature(body, headers); err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	var payload AlbyWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("failed to parse payload: %w", err)
	}

	if !payload.Settled || payload.PaymentHash == "" {
		return nil
	}

	tx := albyInvoiceResponse{
		PaymentHash: payload.PaymentHash,
		Amount:      payload.Amount,
		Currency:    payload.Currency,
		Memo:        payload.Memo,
		Comment:     payload.Comment,
		Type:        payload.Type,
		Settled:     true,
		SettledAt:   payload.SettledAt,
		CreatedAt:   payload.CreatedAt,
	}.toTransaction()
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now()
	}

	logging.Alby.Printf("webhook: invoice %s settled!", shortHash(payload.PaymentHash))

	select {
	case c.updates <- tx:
		logging.Alby.Printf("webhook: queued record %s (buffer: %d/%d)", shortHash(payload.PaymentHash), len(c.updates), cap(c.updates))
	default:
		// The reconciliation loop still sees the record on its next fetch.
		logging.Alby.Printf("webhook: WARNING - update channel full (%d/%d), record %s left for polling",
			len(c.updates), cap(c.updates), payload.PaymentHash)
	}

	return nil
}

// verifyWebhookSignature verifies the SVIX signature on a webhook request.
// SVIX signs webhooks using HMAC-SHA256.
func (c *AlbyHTTPClient) verifyWebhookSignature(body []byte, headers http.Header) error {
	svixID := headers.Get("svix-id")
	svixTimestamp := headers.Get("svix-timestamp")
	svixSignature := headers.Get("svix-signature")

	if svixID == "" || svixTimestamp == "" || svixSignature == "" {
		return fmt.Errorf("missing SVIX headers")
	}

	// 5 minute tolerance against replays
	ts, err := parseTimestamp(svixTimestamp)
	if err != nil {
		return fmt.Errorf("invalid timestamp: %w", err)
	}
	now := time.Now()
	if now.Sub(ts) > 5*time.Minute || ts.Sub(now) > 5*time.Minute {
		return fmt.Errorf("timestamp too old or in future")
	}

	secret := strings.TrimPrefix(c.webhookSecret, "whsec_")
	secretBytes, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return fmt.Errorf("failed to decode secret: %w", err)
	}

	signedContent := fmt.Sprintf("%s.%s.%s", svixID, svixTimestamp, string(body))

	mac := hmac.New(sha256.New, secretBytes)
	mac.Write([]byte(signedContent))
	expectedSig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	// SVIX signature format: "v1,<base64sig>" (may have multiple signatures)
	for _, sig := range strings.Split(svixSignature, " ") {
		parts := strings.SplitN(sig, ",", 2)
		if len(parts) == 2 && parts[0] == "v1" {
			if hmac.Equal([]byte(parts[1]), []byte(expectedSig)) {
				return nil
			}
		}
	}

	return fmt.Errorf("signature mismatch")
}

func parseTimestamp(ts string) (time.Time, error) {
	var unix int64
	if _, err := fmt.Sscanf(ts, "%d", &unix); err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0), nil
}

func shortHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
