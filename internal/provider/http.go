package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/punchamoorthee/paymentops/internal/domain"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPProvider talks to a payment processor exposing a JSON API. The client
// timeout is the only bound on a single attempt.
type HTTPProvider struct {
	name   string
	cfg    Config
	client *http.Client
}

func NewHTTPProvider(name string) *HTTPProvider {
	return &HTTPProvider{name: name}
}

func (p *HTTPProvider) Initialize(ctx context.Context, cfg Config) error {
	if cfg.BaseURL == "" {
		return fmt.Errorf("provider %s: base url is required", p.name)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return fmt.Errorf("provider %s: invalid base url: %w", p.name, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	p.cfg = cfg
	p.client = &http.Client{Timeout: cfg.Timeout}
	return nil
}

func (p *HTTPProvider) CreatePayment(ctx context.Context, req domain.PaymentRequest) (*domain.PaymentResponse, error) {
	var resp domain.PaymentResponse
	if err := p.do(ctx, http.MethodPost, "/payments", req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	if resp.Status == domain.StatusFailed {
		msg := "payment failed"
		if resp.Error != nil {
			msg = fmt.Sprintf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil, fmt.Errorf("provider %s: %s", p.name, msg)
	}
	p.stamp(&resp)
	return &resp, nil
}

func (p *HTTPProvider) GetPaymentStatus(ctx context.Context, id string) (*domain.PaymentResponse, error) {
	var resp domain.PaymentResponse
	if err := p.do(ctx, http.MethodGet, "/payments/"+url.PathEscape(id), "", nil, &resp); err != nil {
		return nil, err
	}
	p.stamp(&resp)
	return &resp, nil
}

func (p *HTTPProvider) RefundPayment(ctx context.Context, req domain.RefundRequest) (*domain.PaymentResponse, error) {
	var resp domain.PaymentResponse
	if err := p.do(ctx, http.MethodPost, "/refunds", req.IdempotencyKey, req, &resp); err != nil {
		return nil, err
	}
	p.stamp(&resp)
	return &resp, nil
}

// VerifyWebhookSignature checks a hex encoded HMAC-SHA256 of payload.
func (p *HTTPProvider) VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	if secret == "" {
		secret = p.cfg.WebhookSecret
	}
	return VerifyHMAC(payload, signature, secret)
}

// VerifyHMAC reports whether signature is the hex HMAC-SHA256 of payload under secret.
func VerifyHMAC(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(got, mac.Sum(nil))
}

func (p *HTTPProvider) stamp(resp *domain.PaymentResponse) {
	if resp.Provider == "" {
		resp.Provider = p.name
	}
	if resp.ProviderReference == "" {
		resp.ProviderReference = resp.ID
	}
}

func (p *HTTPProvider) do(ctx context.Context, method, path, idempotencyKey string, body, out any) error {
	if p.client == nil {
		return fmt.Errorf("provider %s: not initialized", p.name)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("provider %s: marshal request: %w", p.name, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("provider %s: build request: %w", p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		responseBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Printf("Error response from %s: status %d, body: %s", p.name, resp.StatusCode, string(responseBody))
		return fmt.Errorf("provider %s returned status %d", p.name, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("provider %s: decode response: %w", p.name, err)
	}
	return nil
}
