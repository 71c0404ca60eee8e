package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BetterDB-inc/monitor-sub000/internal/circuitbreaker"
	"github.com/BetterDB-inc/monitor-sub000/internal/domain"
	"github.com/BetterDB-inc/monitor-sub000/internal/signature"
	"github.com/BetterDB-inc/monitor-sub000/internal/testutil"
)

func testRequest(url string) Request {
	return Request{
		URL:     url,
		Secret:  "test-secret",
		Timeout: 5 * time.Second,
		Payload: domain.Payload{
			ID:        "payload-1",
			Event:     domain.EventMemoryCritical,
			Timestamp: 1767225600000,
			Data:      map[string]any{"usedPercent": 95.5},
		},
		WebhookID:  testutil.MustParseUUID("11111111-1111-1111-1111-111111111111"),
		DeliveryID: testutil.MustParseUUID("22222222-2222-2222-2222-222222222222"),
	}
}

func newTestSender() *HTTPSender {
	return NewHTTPSender().WithLogger(testutil.DiscardLogger())
}

func TestHTTPSender_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"received":true}`))
	}))
	defer server.Close()

	result := newTestSender().Send(context.Background(), testRequest(server.URL))

	if result.Err != nil {
		t.Fatalf("unexpected error: %v", result.Err)
	}
	if !result.IsSuccess() {
		t.Errorf("expected success, got %d", result.StatusCode)
	}
	if result.ResponseBody != `{"received":true}` {
		t.Errorf("body = %q", result.ResponseBody)
	}
	if result.Duration <= 0 {
		t.Error("duration should be positive")
	}
}

func TestHTTPSender_RequestHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotMethod string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	newTestSender().Send(context.Background(), testRequest(server.URL))

	if gotMethod != http.MethodPost {
		t.Errorf("expected POST, got %s", gotMethod)
	}

	want := map[string]string{
		"Content-Type":          "application/json",
		"User-Agent":            "BetterDB-Monitor/1.0",
		"X-Webhook-Id":          "11111111-1111-1111-1111-111111111111",
		"X-Webhook-Delivery-Id": "22222222-2222-2222-2222-222222222222",
		"X-Webhook-Event":       "memory.critical",
	}
	for k, v := range want {
		if got := gotHeaders.Get(k); got != v {
			t.Errorf("%s = %q, want %q", k, got, v)
		}
	}
	if gotHeaders.Get("X-Webhook-Test") != "" {
		t.Error("X-Webhook-Test should be absent on regular sends")
	}
	if gotHeaders.Get(signature.Header) == "" {
		t.Error("signature header should not be empty")
	}
}

func TestHTTPSender_PayloadAndSignature(t *testing.T) {
	var gotBody []byte
	var gotSig string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(signature.Header)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	newTestSender().Send(context.Background(), testRequest(server.URL))

	var payload domain.Payload
	if err := json.Unmarshal(gotBody, &payload); err != nil {
		t.Fatalf("failed to unmarshal body: %v", err)
	}
	if payload.ID != "payload-1" || payload.Event != domain.EventMemoryCritical || payload.Timestamp != 1767225600000 {
		t.Errorf("unexpected payload %+v", payload)
	}
	if payload.Data["usedPercent"] != 95.5 {
		t.Errorf("data = %v", payload.Data)
	}
	if !signature.Verify(gotBody, gotSig, "test-secret") {
		t.Error("signature does not match the exact body bytes")
	}
}

func TestHTTPSender_TestSendHeaders(t *testing.T) {
	var gotHeaders http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req := testRequest(server.URL)
	req.Test = true
	req.DeliveryID = uuid.Nil
	newTestSender().Send(context.Background(), req)

	if gotHeaders.Get("X-Webhook-Test") != "true" {
		t.Error("X-Webhook-Test should be true")
	}
	if gotHeaders.Get("X-Webhook-Delivery-Id") != "" {
		t.Error("test sends carry no delivery id")
	}
}

func TestHTTPSender_CustomHeaders(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req := testRequest(server.URL)
	req.Headers = map[string]string{
		"Authorization":       "Bearer token",
		"X-Custom":            "1",
		"Content-Type":        "text/plain",
		"user-agent":          "spoof",
		"X-Webhook-Signature": "forged",
		"x-webhook-extra":     "nope",
	}
	newTestSender().Send(context.Background(), req)

	if gotHeaders.Get("Authorization") != "Bearer token" || gotHeaders.Get("X-Custom") != "1" {
		t.Errorf("custom headers missing: %v", gotHeaders)
	}
	if gotHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type overridden: %q", gotHeaders.Get("Content-Type"))
	}
	if gotHeaders.Get("User-Agent") != UserAgent {
		t.Errorf("User-Agent overridden: %q", gotHeaders.Get("User-Agent"))
	}
	if gotHeaders.Get("X-Webhook-Extra") != "" {
		t.Error("X-Webhook-* custom headers should be dropped")
	}
	if !signature.Verify(gotBody, gotHeaders.Get(signature.Header), "test-secret") {
		t.Error("signature overridden by custom header")
	}
}

func TestHTTPSender_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("internal"))
	}))
	defer server.Close()

	result := newTestSender().Send(context.Background(), testRequest(server.URL))

	if result.Err != nil {
		t.Errorf("HTTP errors should not set Err, got: %v", result.Err)
	}
	if result.StatusCode != 500 || result.ResponseBody != "internal" {
		t.Errorf("status/body = %d/%q", result.StatusCode, result.ResponseBody)
	}
	if result.IsSuccess() {
		t.Error("500 is not success")
	}
}

func TestHTTPSender_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	req := testRequest(server.URL)
	req.Timeout = 50 * time.Millisecond
	result := newTestSender().Send(context.Background(), req)

	if !result.TimedOut {
		t.Error("expected TimedOut")
	}
	if result.Err == nil {
		t.Error("expected error on timeout")
	}
	if result.ResponseBody != "Request timeout" {
		t.Errorf("body = %q, want Request timeout", result.ResponseBody)
	}
	if result.StatusCode != 0 {
		t.Errorf("status = %d, want 0", result.StatusCode)
	}
}

func TestHTTPSender_ConnectionError(t *testing.T) {
	req := testRequest("http://127.0.0.1:1")
	req.Timeout = time.Second
	result := newTestSender().Send(context.Background(), req)

	if result.Err == nil {
		t.Fatal("expected connection error, got nil")
	}
	if result.TimedOut {
		t.Error("connection refused is not a timeout")
	}
	if result.ResponseBody == "" {
		t.Error("error message should be recorded as the response body")
	}
}

func TestHTTPSender_TruncatesResponseBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(strings.Repeat("a", 5000)))
	}))
	defer server.Close()

	req := testRequest(server.URL)
	req.MaxResponseBodyBytes = 100
	result := newTestSender().Send(context.Background(), req)

	if len(result.ResponseBody) != 100 {
		t.Errorf("body length = %d, want 100", len(result.ResponseBody))
	}
}

func TestTruncate_DropsSplitRune(t *testing.T) {
	if got := truncate("héllo", 2); got != "h" {
		t.Errorf("truncate = %q, want %q", got, "h")
	}
	if got := truncate("short", 100); got != "short" {
		t.Errorf("truncate = %q, want short", got)
	}
}

func TestHTTPSender_CircuitBreaker(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sender := newTestSender().WithBreaker(circuitbreaker.New(1, time.Minute))

	first := sender.Send(context.Background(), testRequest(server.URL))
	if first.StatusCode != 502 {
		t.Fatalf("first status = %d, want 502", first.StatusCode)
	}

	second := sender.Send(context.Background(), testRequest(server.URL))
	if second.Err == nil {
		t.Fatal("expected circuit open error")
	}
	if hits.Load() != 1 {
		t.Errorf("server hits = %d, want 1", hits.Load())
	}

	probe := testRequest(server.URL)
	probe.Test = true
	sender.Send(context.Background(), probe)
	if hits.Load() != 2 {
		t.Errorf("test send should bypass the breaker, hits = %d", hits.Load())
	}
}

func TestIsReservedHeader(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"content-type", true},
		{"USER-AGENT", true},
		{"x-webhook-signature", true},
		{"X-Webhook-Anything", true},
		{"Authorization", false},
		{"X-Webhooks", false},
	}
	for _, tt := range tests {
		if got := isReservedHeader(tt.name); got != tt.want {
			t.Errorf("isReservedHeader(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
