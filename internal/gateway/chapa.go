package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	opInitialize = "initialize"
	opVerify     = "verify"

	maxResponseBytes = 1 << 20
)

// ChapaConfig configures the Chapa client
type ChapaConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration

	// breaker opens after this many consecutive timeouts or 5xx answers
	MaxFailures  int
	ResetTimeout time.Duration
}

// ChapaClient is a Client for the Chapa hosted checkout API
type ChapaClient struct {
	baseURL   string
	secretKey string
	http      *http.Client
	breaker   *CircuitBreaker
	logger    *zap.Logger
}

// NewChapaClient creates a client. Every call is bounded by cfg.Timeout.
func NewChapaClient(cfg ChapaConfig, logger *zap.Logger) *ChapaClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	return &ChapaClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		http:      &http.Client{Timeout: cfg.Timeout},
		breaker:   NewCircuitBreaker(cfg.MaxFailures, cfg.ResetTimeout),
		logger:    logger,
	}
}

type chapaEnvelope struct {
	Message json.RawMessage `json:"message"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

type chapaInitializeBody struct {
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	TxRef       string `json:"tx_ref"`
	CallbackURL string `json:"callback_url"`
	ReturnURL   string `json:"return_url,omitempty"`
}

// Initialize opens a transaction and returns the hosted checkout URL
func (c *ChapaClient) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResponse, error) {
	body := chapaInitializeBody{
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		Email:       req.Email,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		TxRef:       req.TxRef,
		CallbackURL: req.CallbackURL,
		ReturnURL:   req.ReturnURL,
	}

	var data struct {
		CheckoutURL string `json:"checkout_url"`
	}
	if err := c.call(ctx, opInitialize, http.MethodPost, "/transaction/initialize", body, &data); err != nil {
		return nil, err
	}
	if data.CheckoutURL == "" {
		return nil, &RejectedError{Op: opInitialize, StatusCode: http.StatusOK, Message: "response has no checkout_url"}
	}

	c.logger.Info("gateway transaction initialized", zap.String("tx_ref", req.TxRef))
	return &InitializeResponse{CheckoutURL: data.CheckoutURL}, nil
}

// Verify fetches the current state of a transaction
func (c *ChapaClient) Verify(ctx context.Context, txRef string) (*VerifyResponse, error) {
	var data struct {
		Status   string          `json:"status"`
		TxRef    string          `json:"tx_ref"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
	}
	path := "/transaction/verify/" + url.PathEscape(txRef)
	if err := c.call(ctx, opVerify, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}
	if data.TxRef == "" {
		data.TxRef = txRef
	}
	return &VerifyResponse{
		TxRef:    data.TxRef,
		Status:   data.Status,
		Amount:   data.Amount,
		Currency: data.Currency,
	}, nil
}

// call runs one request through the breaker. Only timeouts and server side
// failures count against it; a 4xx is the caller's problem, not an outage.
func (c *ChapaClient) call(ctx context.Context, op, method, path string, in, out any) error {
	var callErr error
	err := c.breaker.Execute(func() error {
		callErr = c.roundTrip(ctx, op, method, path, in, out)
		if tripsBreaker(callErr) {
			return callErr
		}
		return nil
	})
	if errors.Is(err, ErrCircuitOpen) {
		c.logger.Warn("gateway circuit open", zap.String("op", op))
		return &RejectedError{Op: op, Err: ErrCircuitOpen}
	}
	if callErr != nil {
		c.logger.Warn("gateway call failed", zap.String("op", op), zap.Error(callErr))
	}
	return callErr
}

func (c *ChapaClient) roundTrip(ctx context.Context, op, method, path string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal %s request: %w", op, err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: op, Err: err}
		}
		return &RejectedError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Op: op, Err: err}
		}
		return &RejectedError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	var env chapaEnvelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &RejectedError{Op: op, StatusCode: resp.StatusCode, Message: envelopeMessage(env.Message)}
	}
	if decodeErr != nil {
		return &RejectedError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response", Err: decodeErr}
	}
	if env.Status != "" && env.Status != "success" {
		return &RejectedError{Op: op, StatusCode: resp.StatusCode, Message: envelopeMessage(env.Message)}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &RejectedError{Op: op, StatusCode: resp.StatusCode, Message: "malformed response data", Err: err}
		}
	}
	return nil
}

func tripsBreaker(err error) bool {
	if err == nil {
		return false
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.StatusCode == 0 || rejected.StatusCode >= http.StatusInternalServerError
	}
	return IsTimeout(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// envelopeMessage flattens Chapa's message, which is a string or an object of
// field errors.
func envelopeMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
