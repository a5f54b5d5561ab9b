// Package chat talks to the chat completion endpoint and keeps the
// conversation that the assistant replies belong to.
package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrRateLimited is returned for HTTP 429.
	ErrRateLimited = errors.New("chat rate limit exceeded")
	// ErrQuotaExhausted is returned for HTTP 402.
	ErrQuotaExhausted = errors.New("chat quota exhausted")
	// ErrCanceled reports a request that was aborted or superseded. It is
	// a silent outcome, never shown to the user.
	ErrCanceled = errors.New("chat request canceled")
	// ErrTimeout reports a request that ran out of time. Unlike
	// cancellation it is shown to the user.
	ErrTimeout = errors.New("chat request timed out")
)

// User-facing messages. Rate limit and quota failures are shown verbatim.
const (
	RateLimitedMessage = "Rate limits exceeded, please try again in a moment."
	QuotaMessage       = "Payment required, please add credits to keep chatting."
	GenericMessage     = "Something went wrong reaching the assistant. Please try again."
	TimeoutMessage     = "The assistant took too long to answer. Please try again."
)

// StatusError is any other non-success response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("chat endpoint returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("chat endpoint returned %d", e.Code)
}

// UserMessage maps a chat error to the text shown to the user. It returns
// "" for cancellation, which is not reported.
func UserMessage(err error) string {
	switch {
	case err == nil, errors.Is(err, ErrCanceled):
		return ""
	case errors.Is(err, ErrRateLimited):
		return RateLimitedMessage
	case errors.Is(err, ErrQuotaExhausted):
		return QuotaMessage
	case errors.Is(err, ErrTimeout):
		return TimeoutMessage
	default:
		return GenericMessage
	}
}

// Request is the completion request body.
type Request struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId,omitempty"`
}

// Response is the completion response body. Exactly one of Reply and Error
// is set.
type Response struct {
	Reply     string `json:"reply,omitempty"`
	Error     string `json:"error,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Completer sends one completion request.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client is the HTTP chat completion client. It never retries.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
	logger   *zap.Logger
}

var _ Completer = (*Client)(nil)

// NewClient creates a Client. A nil httpClient uses one bounded by
// cfg.RequestTimeout.
func NewClient(cfg config.ChatConfig, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.RequestTimeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     httpClient,
		logger:   logger.Named("chat_client"),
	}
}

// Complete implements Completer.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if c.endpoint == "" {
		return Response{}, errors.New("no chat endpoint configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("failed to encode chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("failed to build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, transportError(ctx, "chat request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Response{}, transportError(ctx, "failed to read chat response", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		c.logger.Warn("Chat endpoint rate limited the request.")
		return Response{}, ErrRateLimited
	case http.StatusPaymentRequired:
		c.logger.Warn("Chat endpoint reports the quota is exhausted.")
		return Response{}, ErrQuotaExhausted
	default:
		var out Response
		_ = json.Unmarshal(raw, &out)
		c.logger.Warn("Chat endpoint returned an error.", zap.Int("status", resp.StatusCode), zap.String("error", out.Error))
		return Response{}, &StatusError{Code: resp.StatusCode, Message: out.Error}
	}

	var out Response
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("malformed chat response: %w", err)
	}
	if out.Error != "" {
		return Response{}, &StatusError{Code: resp.StatusCode, Message: out.Error}
	}
	return out, nil
}

// transportError separates an explicit abort, which stays silent, from
// running out of time, which the user is told about.
func transportError(ctx context.Context, msg string, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
