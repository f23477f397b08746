// Package webhook delivers business operations to the workflow engine over
// its HTTP webhooks.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"onepyme/internal/log"
	"onepyme/internal/operation"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	PathEmitInvoice         = "/webhook/invoices/emit"
	PathUpdateInvoice       = "/webhook/invoices/update"
	PathCreatePurchaseOrder = "/webhook/purchase-orders/create"
	PathUpdatePurchaseOrder = "/webhook/purchase-orders/update"
	PathRecordPayment       = "/webhook/payments/record"
	PathUpdatePayment       = "/webhook/payments/update"
	PathCreateStockMovement = "/webhook/stock-movements/create"
	PathRecordStockMovement = "/webhook/stock-movements/record"
	DefaultHealthPath       = "/healthz"
	DefaultTimeout          = 15 * time.Second
	maxResponseBody         = 1 << 20
)

// Error is a failed webhook call. StatusCode is zero when no response was
// received.
type Error struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("webhook ")
	b.WriteString(e.Endpoint)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, ": status %d", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HealthPath string
}

var _ operation.Deliverer = (*Client)(nil)

type Client struct {
	baseURL    string
	token      string
	healthPath string
	http       *http.Client
	cb         *gobreaker.CircuitBreaker
	logger     *log.Logger
}

func New(cfg Config, logger *log.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		healthPath: cfg.HealthPath,
		http: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "webhook",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
		// A 4xx answer means the engine is up and refused the request.
		IsSuccessful: func(err error) bool {
			var werr *Error
			if errors.As(err, &werr) {
				return werr.StatusCode >= 400 && werr.StatusCode < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return c
}

// Ping reports whether the workflow engine answers its health endpoint.
// Any response below 500 counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Endpoint: c.healthPath, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode >= 500 {
		return &Error{Endpoint: c.healthPath, StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body any) (operation.Result, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		return c.do(ctx, path, body)
	})
	if err != nil {
		var werr *Error
		if errors.As(err, &werr) {
			return operation.Result{}, werr
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return operation.Result{}, &Error{Endpoint: path, Message: "circuit open", Err: err}
		}
		return operation.Result{}, &Error{Endpoint: path, Message: err.Error(), Err: err}
	}
	res := out.(operation.Result)
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "rejected"
		}
		return res, &Error{Endpoint: path, StatusCode: http.StatusOK, Message: msg}
	}
	return res, nil
}

func (c *Client) do(ctx context.Context, path string, body any) (operation.Result, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return operation.Result{}, fmt.Errorf("marshal %s body: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return operation.Result{}, fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return operation.Result{}, &Error{Endpoint: path, Message: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return operation.Result{}, &Error{Endpoint: path, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	raw = bytes.TrimSpace(raw)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := string(raw)
		var res operation.Result
		if json.Unmarshal(raw, &res) == nil && res.Error != "" {
			msg = res.Error
		}
		return operation.Result{}, &Error{Endpoint: path, StatusCode: resp.StatusCode, Message: msg}
	}
	if len(raw) == 0 {
		return operation.Result{Success: true}, nil
	}
	var res operation.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return operation.Result{}, &Error{Endpoint: path, StatusCode: resp.StatusCode, Message: "invalid response body", Err: err}
	}
	return res, nil
}

func (c *Client) EmitInvoice(ctx context.Context, p operation.CreateInvoice) (operation.Result, error) {
	return c.post(ctx, PathEmitInvoice, p)
}

func (c *Client) UpdateInvoice(ctx context.Context, p operation.UpdateInvoice) (operation.Result, error) {
	return c.post(ctx, PathUpdateInvoice, p)
}

func (c *Client) CreatePurchaseOrder(ctx context.Context, p operation.CreatePurchaseOrder) (operation.Result, error) {
	return c.post(ctx, PathCreatePurchaseOrder, p)
}

func (c *Client) UpdatePurchaseOrder(ctx context.Context, p operation.UpdatePurchaseOrder) (operation.Result, error) {
	return c.post(ctx, PathUpdatePurchaseOrder, p)
}

func (c *Client) RecordPayment(ctx context.Context, p operation.CreatePayment) (operation.Result, error) {
	return c.post(ctx, PathRecordPayment, p)
}

func (c *Client) UpdatePayment(ctx context.Context, p operation.UpdatePayment) (operation.Result, error) {
	return c.post(ctx, PathUpdatePayment, p)
}

func (c *Client) CreateStockMovement(ctx context.Context, p operation.CreateStockMovement) (operation.Result, error) {
	return c.post(ctx, PathCreateStockMovement, p)
}

func (c *Client) RecordStockMovement(ctx context.Context, p operation.UpdateStockMovement) (operation.Result, error) {
	return c.post(ctx, PathRecordStockMovement, p)
}
