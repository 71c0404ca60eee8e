package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/signature"
)

const (
	UserAgent = "BetterDB-Monitor/1.0"

	HeaderWebhookID  = "X-Webhook-Id"
	HeaderDeliveryID = "X-Webhook-Delivery-Id"
	HeaderEvent      = "X-Webhook-Event"
	HeaderTest       = "X-Webhook-Test"

	// TestResponseBodyLimit caps the body returned by test sends.
	TestResponseBodyLimit = 1000

	timeoutResponseBody = "Request timeout"
)

// reservedHeaders cannot be overridden by a webhook's custom headers.
var reservedHeaders = map[string]bool{
	"Content-Type":   true,
	"User-Agent":     true,
	signature.Header: true,
	HeaderWebhookID:  true,
	HeaderDeliveryID: true,
	HeaderEvent:      true,
	HeaderTest:       true,
}

func isReservedHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	return reservedHeaders[canonical] || strings.HasPrefix(canonical, "X-Webhook-")
}

// Breaker is the subset of circuitbreaker.CircuitBreaker used by the sender.
type Breaker interface {
	Allow(url string) error
	RecordSuccess(url string)
	RecordFailure(url string)
}

type HTTPSender struct {
	client  *http.Client
	breaker Breaker // optional, nil = disabled
	logger  *slog.Logger
}

func NewHTTPSender() *HTTPSender {
	return &HTTPSender{
		client: &http.Client{},
		logger: slog.Default().With("component", "transport"),
	}
}

// WithClient replaces the HTTP client. Timeouts come from the request
// context, so the client should not set its own.
func (s *HTTPSender) WithClient(c *http.Client) *HTTPSender {
	s.client = c
	return s
}

func (s *HTTPSender) WithBreaker(b Breaker) *HTTPSender {
	s.breaker = b
	return s
}

func (s *HTTPSender) WithLogger(l *slog.Logger) *HTTPSender {
	s.logger = l.With("component", "transport")
	return s
}

// Send performs one signed POST and classifies the outcome. Test sends
// bypass the circuit breaker.
func (s *HTTPSender) Send(ctx context.Context, req Request) Result {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return Result{Err: goerrors.Wrap(err, goerrors.CategoryInternal, "marshal payload")}
	}

	limit := req.MaxResponseBodyBytes
	if limit <= 0 {
		limit = domain.DefaultMaxResponseBodyBytes
	}

	useBreaker := s.breaker != nil && !req.Test
	if useBreaker {
		if err := s.breaker.Allow(req.URL); err != nil {
			return Result{ResponseBody: truncate(err.Error(), limit), Err: goerrors.WrapRetryable(err, goerrors.CategoryExternal, "send webhook")}
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = domain.DefaultWebhookTimeout
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctxTimeout, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return Result{ResponseBody: truncate(err.Error(), limit), Err: goerrors.Wrap(err, goerrors.CategoryBadInput, "create request")}
	}
	s.setHeaders(httpReq.Header, req, body)

	start := time.Now()
	resp, err := s.client.Do(httpReq)
	if err != nil {
		result := Result{Duration: time.Since(start), ResponseBody: truncate(err.Error(), limit)}
		if ctxTimeout.Err() == context.DeadlineExceeded {
			result.ResponseBody = timeoutResponseBody
			result.TimedOut = true
		}
		result.Err = goerrors.WrapRetryable(err, goerrors.CategoryExternal, "send webhook")
		s.record(useBreaker, req.URL, false)
		return result
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, int64(limit)))
	duration := time.Since(start)
	if readErr != nil {
		s.logger.Debug("partial response body", "url", req.URL, "error", readErr)
	}

	result := Result{
		StatusCode:   resp.StatusCode,
		ResponseBody: truncate(string(respBody), limit),
		Duration:     duration,
	}
	s.record(useBreaker, req.URL, result.IsSuccess())
	return result
}

func (s *HTTPSender) setHeaders(h http.Header, req Request, body []byte) {
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", UserAgent)
	h.Set(signature.Header, signature.Sign(body, req.Secret))
	h.Set(HeaderWebhookID, req.WebhookID.String())
	h.Set(HeaderEvent, string(req.Payload.Event))
	if req.Test {
		h.Set(HeaderTest, "true")
	} else {
		h.Set(HeaderDeliveryID, req.DeliveryID.String())
	}

	for name, value := range req.Headers {
		if isReservedHeader(name) {
			s.logger.Warn("ignoring custom header that shadows a reserved header",
				"webhook_id", req.WebhookID, "header", name)
			continue
		}
		h.Set(name, value)
	}
}

func (s *HTTPSender) record(enabled bool, url string, success bool) {
	if !enabled {
		return
	}
	if success {
		s.breaker.RecordSuccess(url)
	} else {
		s.breaker.RecordFailure(url)
	}
}

// truncate caps s at limit bytes and drops any rune split by the cut.
func truncate(s string, limit int) string {
	if len(s) > limit {
		s = s[:limit]
	}
	return strings.ToValidUTF8(s, "")
}
