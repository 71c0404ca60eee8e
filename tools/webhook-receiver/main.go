// Command webhook-receiver is a local endpoint for exercising webhook
// deliveries. It verifies signatures, keeps the most recent requests in
// memory and can be told to fail the first N requests to drive retries.
package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BetterDB-inc/monitor-sub000/internal/dispatcher"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/logging"
	"github.com/BetterDB-inc/monitor-sub000/internal/signature"
)

const maxStored = 50

type request struct {
	Timestamp     string          `json:"timestamp"`
	DeliveryID    string          `json:"deliveryId,omitempty"`
	Event         string          `json:"event,omitempty"`
	SignatureOK   *bool           `json:"signatureOk,omitempty"` // nil when no secret is configured
	StatusCode    int             `json:"statusCode"`
	Payload       *domain.Payload `json:"payload,omitempty"`
	Body          string          `json:"body,omitempty"` // set when the body is not a payload
	UserAgent     string          `json:"userAgent,omitempty"`
	CustomHeaders int             `json:"customHeaders"`
}

type stats struct {
	Count        int64     `json:"count"`
	Rejected     int64     `json:"rejected"`
	LastRequests []request `json:"lastRequests"`
	Since        string    `json:"since"`
}

type receiver struct {
	secret    string
	failFirst int64
	logger    *slog.Logger
	clock     func() time.Time

	mu       sync.Mutex
	count    int64
	rejected int64
	last     []request
	since    time.Time
}

func newReceiver(secret string, failFirst int64, logger *slog.Logger) *receiver {
	return &receiver{
		secret:    secret,
		failFirst: failFirst,
		logger:    logger,
		clock:     time.Now,
		since:     time.Now().UTC(),
	}
}

func (rv *receiver) routes() http.Handler {
	r := chi.NewRouter()
	r.Post("/hook", rv.hook)
	r.Get("/stats", rv.stats)
	r.Post("/reset", rv.reset)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return r
}

func (rv *receiver) hook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	req := request{
		Timestamp:  rv.clock().UTC().Format(time.RFC3339Nano),
		DeliveryID: r.Header.Get(dispatcher.HeaderDeliveryID),
		Event:      r.Header.Get(dispatcher.HeaderEvent),
		UserAgent:  r.Header.Get("User-Agent"),
	}
	for name := range r.Header {
		if !isEngineHeader(name) {
			req.CustomHeaders++
		}
	}

	var payload domain.Payload
	if json.Unmarshal(body, &payload) == nil && payload.ID != "" {
		req.Payload = &payload
	} else {
		req.Body = string(body)
	}

	status := http.StatusOK
	if rv.secret != "" {
		ok := signature.Verify(body, r.Header.Get(signature.Header), rv.secret)
		req.SignatureOK = &ok
		if !ok {
			status = http.StatusUnauthorized
		}
	}

	rv.mu.Lock()
	rv.count++
	n := rv.count
	if status == http.StatusOK && n <= rv.failFirst {
		status = http.StatusServiceUnavailable
	}
	if status != http.StatusOK {
		rv.rejected++
	}
	req.StatusCode = status
	rv.last = append(rv.last, req)
	if len(rv.last) > maxStored {
		rv.last = rv.last[len(rv.last)-maxStored:]
	}
	rv.mu.Unlock()

	rv.logger.Info("hook received",
		"n", n,
		"delivery_id", req.DeliveryID,
		"event", req.Event,
		"status", status,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]int64{"received": n})
}

func (rv *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rv.mu.Lock()
	s := stats{
		Count:        rv.count,
		Rejected:     rv.rejected,
		LastRequests: append([]request{}, rv.last...),
		Since:        rv.since.Format(time.RFC3339),
	}
	rv.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s)
}

func (rv *receiver) reset(w http.ResponseWriter, _ *http.Request) {
	rv.mu.Lock()
	rv.count = 0
	rv.rejected = 0
	rv.last = nil
	rv.since = rv.clock().UTC()
	rv.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func isEngineHeader(name string) bool {
	switch name = http.CanonicalHeaderKey(name); name {
	case "Content-Type", "Content-Length", "User-Agent", "Accept-Encoding":
		return true
	}
	return strings.HasPrefix(name, "X-Webhook-")
}

func main() {
	logger := logging.New(os.Stderr, os.Getenv("LOG_LEVEL"), "text")

	addr := ":8080"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	var failFirst int64
	if v := os.Getenv("FAIL_FIRST"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			logger.Error("FAIL_FIRST must be a non-negative integer", "value", v)
			os.Exit(2)
		}
		failFirst = n
	}

	rv := newReceiver(os.Getenv("WEBHOOK_SECRET"), failFirst, logger)
	logger.Info("webhook-receiver listening", "addr", addr, "verify", rv.secret != "", "fail_first", failFirst)
	if err := http.ListenAndServe(addr, rv.routes()); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
