package printprovider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestCallSendsKeyAndJSONBody(t *testing.T) {
	var (
		gotMethod string
		gotPath   string
		gotKey    string
		gotType   string
		gotBody   []map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotKey = r.Header.Get("api-key")
		gotType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"totalPrice": 21.5}`))
	}))
	defer server.Close()

	client := newTestClient(t, Config{BaseURL: server.URL + "/api/", APIKey: "sl-test"})
	raw, err := client.Call(context.Background(), http.MethodPost, "/order/estimate", []map[string]string{{"orderNumber": "EST_1"}})
	if err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if string(raw) != `{"totalPrice": 21.5}` {
		t.Fatalf("unexpected raw response %s", raw)
	}
	if gotMethod != http.MethodPost || gotPath != "/api/order/estimate" {
		t.Fatalf("unexpected request %s %s", gotMethod, gotPath)
	}
	if gotKey != "sl-test" {
		t.Fatalf("expected api key header, got %q", gotKey)
	}
	if gotType != "application/json" {
		t.Fatalf("expected json content type, got %q", gotType)
	}
	if len(gotBody) != 1 || gotBody[0]["orderNumber"] != "EST_1" {
		t.Fatalf("unexpected body %v", gotBody)
	}
}

func TestCallPreservesTrailingSlashEndpoint(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := newTestClient(t, Config{BaseURL: server.URL + "/api", APIKey: "k"})
	if _, err := client.Call(context.Background(), http.MethodGet, "/order/", nil); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}
	if gotPath != "/api/order/" {
		t.Fatalf("expected /api/order/, got %s", gotPath)
	}
}

func TestCallWithoutAPIKeyFailsBeforeNetwork(t *testing.T) {
	called := false
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		called = true
		return nil, errors.New("unexpected")
	})
	client := newTestClient(t, Config{HTTPClient: doer})

	_, err := client.Call(context.Background(), http.MethodPost, "/order", []string{})
	if !errors.Is(err, ErrAPIKeyNotConfigured) {
		t.Fatalf("expected ErrAPIKeyNotConfigured, got %v", err)
	}
	if called {
		t.Fatal("expected no outbound request without api key")
	}
	if client.Configured() {
		t.Fatal("expected client to report unconfigured")
	}
}

func TestCallReturnsStatusErrorWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"order_item_color must be one of enum values"}`))
	}))
	defer server.Close()

	client := newTestClient(t, Config{BaseURL: server.URL, APIKey: "k"})
	_, err := client.Call(context.Background(), http.MethodPost, "/order", []string{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %T %v", err, err)
	}
	if statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", statusErr.StatusCode)
	}
	if !strings.Contains(err.Error(), "order_item_color") || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status and body in error text, got %q", err.Error())
	}
}

func TestCallWrapsTransportErrors(t *testing.T) {
	cause := errors.New("connection reset by peer")
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, cause
	})
	client := newTestClient(t, Config{APIKey: "k", HTTPClient: doer})

	_, err := client.Call(context.Background(), http.MethodGet, "/order/", nil)
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %T", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
}

func TestCallAppliesTimeout(t *testing.T) {
	doer := doerFunc(func(req *http.Request) (*http.Response, error) {
		<-req.Context().Done()
		return nil, req.Context().Err()
	})
	client := newTestClient(t, Config{APIKey: "k", HTTPClient: doer, Timeout: 20 * time.Millisecond})

	start := time.Now()
	_, err := client.Call(context.Background(), http.MethodGet, "/order/", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("expected timeout to bound the call")
	}
}

func TestCallRejectsInvalidJSON(t *testing.T) {
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("<html>")), Header: http.Header{}}, nil
	})
	client := newTestClient(t, Config{APIKey: "k", HTTPClient: doer})
	if _, err := client.Call(context.Background(), http.MethodGet, "/order/", nil); err == nil {
		t.Fatal("expected error for non-json body")
	}
}

func TestCallLogsURLAndBodies(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	doer := doerFunc(func(*http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(`{"orderId":"o-1"}`)), Header: http.Header{}}, nil
	})
	client := newTestClient(t, Config{APIKey: "secret-key", HTTPClient: doer, Logger: zap.New(core)})

	if _, err := client.Call(context.Background(), http.MethodPost, "/order", []map[string]string{{"email": "a@example.com"}}); err != nil {
		t.Fatalf("Call returned error: %v", err)
	}

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected request and response logs, got %d", len(entries))
	}
	request := entries[0].ContextMap()
	if request["url"] != DefaultBaseURL+"/order" {
		t.Fatalf("unexpected logged url %v", request["url"])
	}
	if !strings.Contains(request["body"].(string), "a@example.com") {
		t.Fatalf("expected request body in log, got %v", request["body"])
	}
	if response := entries[1].ContextMap(); !strings.Contains(response["body"].(string), "o-1") {
		t.Fatalf("expected response body in log, got %v", response["body"])
	}
	for _, entry := range entries {
		for _, value := range entry.ContextMap() {
			if s, ok := value.(string); ok && strings.Contains(s, "secret-key") {
				t.Fatal("api key must never be logged")
			}
		}
	}
}

func TestNewClientRejectsInvalidBaseURL(t *testing.T) {
	if _, err := NewClient(Config{BaseURL: "ftp://example.com"}); err == nil {
		t.Fatal("expected error for non-http base url")
	}
}

func TestEndpointLabel(t *testing.T) {
	cases := map[string]string{
		"/order/estimate":            "/order/estimate",
		"/order/abc123/get-tracking": "/order/{id}/get-tracking",
		"/order/abc123":              "/order/{id}",
		"/order/":                    "/order",
	}
	for endpoint, want := range cases {
		if got := endpointLabel(endpoint); got != want {
			t.Errorf("endpointLabel(%q) = %q, want %q", endpoint, got, want)
		}
	}
}

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	client, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

func TestReachableIgnoresStatusAndKey(t *testing.T) {
	var gotMethod, gotKey string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotKey = r.Header.Get("api-key")
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(t, Config{BaseURL: server.URL, APIKey: "sl-secret"})
	if err := client.Reachable(context.Background()); err != nil {
		t.Fatalf("Reachable: %v", err)
	}
	if gotMethod != http.MethodHead {
		t.Fatalf("expected HEAD, got %s", gotMethod)
	}
	if gotKey != "" {
		t.Fatal("reachability probe must not send the api key")
	}
}

func TestReachableReportsTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := server.URL
	server.Close()

	client := newTestClient(t, Config{BaseURL: baseURL})
	err := client.Reachable(context.Background())
	var transportErr *TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	data := []byte(strings.Repeat("a", maxLoggedBytes-1) + "日本語")
	got := truncate(data)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid UTF-8: %q", got[len(got)-20:])
	}
	if !strings.HasSuffix(got, "a...(truncated)") {
		t.Fatalf("expected cut before the multi-byte rune, got suffix %q", got[len(got)-20:])
	}
}
