package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trainu/outreach-gateway/internal/model"
	"github.com/trainu/outreach-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

// Provider is the delivery capability the dispatcher depends on. Concrete
// transports (HTTP providers, test fakes) are interchangeable behind it.
type Provider interface {
	Send(ctx context.Context, req *SendRequest) (*SendResponse, error)
	Name() string
}

type SendRequest struct {
	MessageID   string        `json:"message_id"`
	OwnerID     int64         `json:"owner_id"`
	RecipientID string        `json:"recipient_id"`
	Channel     model.Channel `json:"channel"`
	Content     string        `json:"content"`
}

type SendResponse struct {
	ProviderMessageID string    `json:"provider_message_id"`
	AcceptedAt        time.Time `json:"accepted_at"`
}

// ProviderError is a classified failure from the delivery provider. Retryable
// covers HTTP 429 and 5xx; everything else (other 4xx, auth, validation) is
// terminal.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d (%s): %s", e.StatusCode, e.Code, e.Message)
}

// IsRetryable classifies an error from Send. Errors that are not
// ProviderError are network-class (connect/timeout) and retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

func retryableStatus(code int) bool {
	return code == fasthttp.StatusTooManyRequests || code >= 500
}

type Config struct {
	Name            string
	URL             string
	Timeout         time.Duration
	MaxConns        int
	ReadBufferSize  int
	WriteBufferSize int
}

// HTTPProvider sends through one external delivery endpoint over fasthttp.
// Every request carries the message id as an idempotency key so a resend
// after a crash is detected server-side.
type HTTPProvider struct {
	config *Config
	client *fasthttp.Client
}

func NewHTTPProvider(config *Config) (*HTTPProvider, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.URL == "" {
		return nil, errors.New("provider url is required")
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	client := &fasthttp.Client{
		MaxConnsPerHost:     config.MaxConns,
		ReadTimeout:         config.Timeout,
		WriteTimeout:        config.Timeout,
		MaxIdleConnDuration: 60 * time.Second,
		ReadBufferSize:      config.ReadBufferSize,
		WriteBufferSize:     config.WriteBufferSize,
	}

	logger.Info("Provider initialized", "name", config.Name, "url", config.URL)

	return &HTTPProvider{config: config, client: client}, nil
}

func (p *HTTPProvider) Name() string {
	return p.config.Name
}

func (p *HTTPProvider) Send(ctx context.Context, sendReq *SendRequest) (*SendResponse, error) {
	body, err := json.Marshal(sendReq)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.config.URL + "/api/v1/messages/send")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Idempotency-Key", sendReq.MessageID)
	req.SetBody(body)

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(p.config.Timeout)
	}

	start := time.Now()
	if err := p.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	latency := time.Since(start).Milliseconds()

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK && statusCode != fasthttp.StatusAccepted {
		pe := &ProviderError{
			StatusCode: statusCode,
			Retryable:  retryableStatus(statusCode),
		}
		var errBody struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(resp.Body(), &errBody); err == nil {
			pe.Code = errBody.Code
			pe.Message = errBody.Message
		} else {
			pe.Message = string(resp.Body())
		}
		return nil, pe
	}

	var out SendResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	logger.Info("Message accepted by provider",
		"message_id", sendReq.MessageID,
		"channel", string(sendReq.Channel),
		"provider", p.config.Name,
		"provider_message_id", out.ProviderMessageID,
		"latency_ms", latency)

	return &out, nil
}
