package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coursepay/coursepay/internal/metrics"
)

// PayPal implements Gateway against the PayPal REST API. Access tokens are
// cached until shortly before expiry; capture and payout calls carry a
// PayPal-Request-Id derived from our reference so retries are idempotent on
// the provider side.
type PayPal struct {
	baseURL      string
	clientID     string
	clientSecret string
	returnURL    string
	cancelURL    string
	http         *http.Client
	logger       *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// PayPalConfig configures the PayPal adapter.
type PayPalConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	ReturnURL    string
	CancelURL    string
}

func NewPayPal(cfg PayPalConfig, logger *slog.Logger) *PayPal {
	return &PayPal{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		returnURL:    cfg.ReturnURL,
		cancelURL:    cfg.CancelURL,
		http:         &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

// zero-decimal currencies per the PayPal currency codes table
var zeroDecimal = map[string]bool{
	"HUF": true, "JPY": true, "TWD": true, "VND": true,
}

func formatAmount(amount int64, currency string) string {
	if zeroDecimal[strings.ToUpper(currency)] {
		return strconv.FormatInt(amount, 10)
	}
	return fmt.Sprintf("%d.%02d", amount/100, amount%100)
}

func parseAmount(value, currency string) (int64, error) {
	if zeroDecimal[strings.ToUpper(currency)] {
		return strconv.ParseInt(value, 10, 64)
	}
	whole, frac, _ := strings.Cut(value, ".")
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, err
	}
	var f int64
	if frac != "" {
		for len(frac) < 2 {
			frac += "0"
		}
		f, err = strconv.ParseInt(frac[:2], 10, 64)
		if err != nil {
			return 0, err
		}
	}
	return w*100 + f, nil
}

func (p *PayPal) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &Error{Op: "oauth", StatusCode: resp.StatusCode, Message: string(body)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("oauth token response: %w", err)
	}

	p.accessToken = tok.AccessToken
	// Refresh a minute early so in-flight calls never carry a dead token.
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

func (p *PayPal) do(ctx context.Context, op, method, path, requestID string, in, out any) error {
	done := observeCall("paypal_" + op)

	token, err := p.token(ctx)
	if err != nil {
		done("error")
		return err
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			done("error")
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		done("error")
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		done("error")
		return fmt.Errorf("paypal %s: %w", op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		done("error")
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		done("error")
		var pe struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &pe)
		if resp.StatusCode == http.StatusNotFound {
			return ErrOrderNotFound
		}
		return &Error{Op: op, StatusCode: resp.StatusCode, Code: pe.Name, Message: pe.Message}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			done("error")
			return fmt.Errorf("paypal %s response: %w", op, err)
		}
	}
	done("ok")
	return nil
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

func (p *PayPal) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": req.ReferenceID,
			"description":  req.Description,
			"amount": map[string]string{
				"currency_code": req.Currency,
				"value":         formatAmount(req.Amount, req.Currency),
			},
		}},
		"application_context": map[string]string{
			"return_url": p.returnURL,
			"cancel_url": p.cancelURL,
		},
	}

	var resp struct {
		ID    string       `json:"id"`
		Links []paypalLink `json:"links"`
	}
	if err := p.do(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", req.ReferenceID, payload, &resp); err != nil {
		return nil, err
	}

	order := &Order{ID: resp.ID}
	for _, l := range resp.Links {
		if l.Rel == "approve" {
			order.ApproveURL = l.Href
		}
	}
	p.logger.InfoContext(ctx, "paypal order created",
		"order_id", order.ID, "reference_id", req.ReferenceID, "amount", req.Amount)
	return order, nil
}

func (p *PayPal) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	var resp struct {
		Status        string `json:"status"`
		PurchaseUnits []struct {
			Payments struct {
				Captures []struct {
					ID     string `json:"id"`
					Amount struct {
						CurrencyCode string `json:"currency_code"`
						Value        string `json:"value"`
					} `json:"amount"`
				} `json:"captures"`
			} `json:"payments"`
		} `json:"purchase_units"`
	}

	err := p.do(ctx, "capture_order", http.MethodPost,
		"/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", orderID, struct{}{}, &resp)
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) && ge.Code == "UNPROCESSABLE_ENTITY" {
			return nil, ErrOrderNotPayable
		}
		return nil, err
	}

	if len(resp.PurchaseUnits) == 0 || len(resp.PurchaseUnits[0].Payments.Captures) == 0 {
		return nil, &Error{Op: "capture_order", Message: "no capture in response"}
	}

	cap := resp.PurchaseUnits[0].Payments.Captures[0]
	amount, err := parseAmount(cap.Amount.Value, cap.Amount.CurrencyCode)
	if err != nil {
		return nil, fmt.Errorf("paypal capture amount %q: %w", cap.Amount.Value, err)
	}

	p.logger.InfoContext(ctx, "paypal order captured",
		"order_id", orderID, "capture_id", cap.ID, "amount", amount)
	return &Capture{Reference: cap.ID, Amount: amount, Currency: cap.Amount.CurrencyCode}, nil
}

func (p *PayPal) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutBatch, error) {
	payload := map[string]any{
		"sender_batch_header": map[string]string{
			"sender_batch_id": req.ReferenceID,
			"email_subject":   "You have a payout",
		},
		"items": []map[string]any{{
			"recipient_type": "EMAIL",
			"receiver":       req.Receiver,
			"note":           req.Note,
			"sender_item_id": req.ReferenceID,
			"amount": map[string]string{
				"currency": req.Currency,
				"value":    formatAmount(req.Amount, req.Currency),
			},
		}},
	}

	var resp struct {
		BatchHeader struct {
			PayoutBatchID string `json:"payout_batch_id"`
			BatchStatus   string `json:"batch_status"`
		} `json:"batch_header"`
	}
	if err := p.do(ctx, "create_payout", http.MethodPost, "/v1/payments/payouts", req.ReferenceID, payload, &resp); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "paypal payout created",
		"batch_id", resp.BatchHeader.PayoutBatchID,
		"reference_id", req.ReferenceID,
		"status", resp.BatchHeader.BatchStatus)
	return &PayoutBatch{
		BatchID: resp.BatchHeader.PayoutBatchID,
		Status:  PayoutStatus(resp.BatchHeader.BatchStatus),
	}, nil
}

func (p *PayPal) GetPayoutStatus(ctx context.Context, batchID string) (PayoutStatus, error) {
	var resp struct {
		BatchHeader struct {
			BatchStatus string `json:"batch_status"`
		} `json:"batch_header"`
	}
	err := p.do(ctx, "payout_status", http.MethodGet,
		"/v1/payments/payouts/"+url.PathEscape(batchID), "", nil, &resp)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return "", ErrPayoutNotFound
		}
		return "", err
	}
	return PayoutStatus(resp.BatchHeader.BatchStatus), nil
}

func observeCall(operation string) func(result string) {
	return func(result string) {
		metrics.GatewayCallsTotal.WithLabelValues(operation, result).Inc()
	}
}
