package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cudliy/fulfillment/internal/domain"
)

func TestProbeUsesHeadContentLength(t *testing.T) {
	var rangeCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.Header().Set("Content-Length", "1048576")
			w.WriteHeader(http.StatusOK)
		default:
			rangeCalls.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	asset := New().Probe(context.Background(), server.URL+"/model.stl")
	if asset.ProbeMethod != domain.ProbeMethodHead {
		t.Fatalf("expected head method, got %s", asset.ProbeMethod)
	}
	if asset.SizeBytes == nil || *asset.SizeBytes != 1048576 {
		t.Fatalf("expected size 1048576, got %v", asset.SizeBytes)
	}
	if rangeCalls.Load() != 0 {
		t.Fatalf("expected no range request, got %d", rangeCalls.Load())
	}
}

func TestProbeFallsBackToRangeRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodHead:
			w.WriteHeader(http.StatusMethodNotAllowed)
		case http.MethodGet:
			if got := r.Header.Get("Range"); got != "bytes=0-0" {
				t.Errorf("expected single byte range, got %q", got)
			}
			w.Header().Set("Content-Range", "bytes 0-0/5000000")
			w.WriteHeader(http.StatusPartialContent)
			_, _ = w.Write([]byte("s"))
		}
	}))
	defer server.Close()

	asset := New().Probe(context.Background(), server.URL+"/big.stl")
	if asset.ProbeMethod != domain.ProbeMethodRangeFallback {
		t.Fatalf("expected range fallback, got %s", asset.ProbeMethod)
	}
	if asset.SizeBytes == nil || *asset.SizeBytes != 5000000 {
		t.Fatalf("expected size 5000000, got %v", asset.SizeBytes)
	}
	if !asset.Exceeds(4348596) {
		t.Fatal("expected asset to exceed the provider limit")
	}
}

func TestProbeReturnsUnknownWhenBothStagesFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	asset := New().Probe(context.Background(), server.URL+"/private.stl")
	if asset.ProbeMethod != domain.ProbeMethodUnknown {
		t.Fatalf("expected unknown method, got %s", asset.ProbeMethod)
	}
	if asset.SizeKnown() {
		t.Fatalf("expected unknown size, got %d", *asset.SizeBytes)
	}
	if asset.Exceeds(0) {
		t.Fatal("unknown size must never exceed a limit")
	}
}

func TestProbeIgnoresWildcardTotal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-0/*")
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer server.Close()

	asset := New().Probe(context.Background(), server.URL)
	if asset.ProbeMethod != domain.ProbeMethodUnknown || asset.SizeKnown() {
		t.Fatalf("expected unknown asset, got %+v", asset)
	}
}

func TestProbeTransportErrorIsSoft(t *testing.T) {
	client := doerFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	})
	asset := New(WithHTTPClient(client)).Probe(context.Background(), "https://assets.example.com/model.stl")
	if asset.ProbeMethod != domain.ProbeMethodUnknown {
		t.Fatalf("expected unknown method, got %s", asset.ProbeMethod)
	}
	if asset.URL != "https://assets.example.com/model.stl" {
		t.Fatalf("expected url to be preserved, got %s", asset.URL)
	}
}

func TestProbeStageTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	start := time.Now()
	asset := New(WithStageTimeout(50 * time.Millisecond)).Probe(context.Background(), server.URL)
	if asset.SizeKnown() {
		t.Fatal("expected unknown size after timeouts")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected bounded probe, took %s", elapsed)
	}
}

func TestProbeSkipsRequestsWhenContextCancelled(t *testing.T) {
	var calls atomic.Int32
	client := doerFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, errors.New("unexpected")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	asset := New(WithHTTPClient(client)).Probe(ctx, "https://assets.example.com/model.stl")
	if asset.ProbeMethod != domain.ProbeMethodUnknown {
		t.Fatalf("expected unknown method, got %s", asset.ProbeMethod)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no outbound requests, got %d", calls.Load())
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	cases := map[string]struct {
		want uint64
		ok   bool
	}{
		"bytes 0-0/1234":    {want: 1234, ok: true},
		"BYTES 0-0/0":       {want: 0, ok: true},
		"bytes 0-0/-5":      {ok: false},
		"bytes 0-0/*":       {ok: false},
		"bytes */1234":      {ok: false},
		"items 0-0/1234":    {ok: false},
		"":                  {ok: false},
		"bytes 0-0/12ab":    {ok: false},
		" bytes 0-0/99 ":    {want: 99, ok: true},
		"bytes 0-499/10000": {want: 10000, ok: true},
	}
	for header, tc := range cases {
		got, ok := parseContentRangeTotal(header)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseContentRangeTotal(%q) = (%d, %v), want (%d, %v)", header, got, ok, tc.want, tc.ok)
		}
	}
}

type doerFunc func(*http.Request) (*http.Response, error)

func (f doerFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}
