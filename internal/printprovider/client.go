package printprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// DefaultBaseURL is the public print provider API root.
	DefaultBaseURL = "https://www.slant3dapi.com/api"
	// DefaultAPIKeyHeader carries the static provider credential.
	DefaultAPIKeyHeader = "api-key"

	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
	maxLoggedBytes   = 4 << 10
	instrumentation  = "github.com/cudliy/fulfillment/internal/printprovider"
)

// ErrAPIKeyNotConfigured is returned before any network call when no credential is available.
var ErrAPIKeyNotConfigured = errors.New("printprovider: api key not configured")

// StatusError reports a non-2xx provider response.
type StatusError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("printprovider: %s %s returned %d: %s", e.Method, e.Endpoint, e.StatusCode, e.Body)
}

// TransportError wraps failures that prevented a provider response from being read.
type TransportError struct {
	Method   string
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("printprovider: %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HTTPDoer executes outbound HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Config captures provider client settings.
type Config struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	Timeout      time.Duration
	HTTPClient   HTTPDoer
	Logger       *zap.Logger
	Meter        metric.Meter
	Clock        func() time.Time
}

// Client performs authenticated JSON calls against the print provider without interpreting them.
type Client struct {
	baseURL   string
	apiKey    string
	keyHeader string
	timeout   time.Duration
	http      HTTPDoer
	logger    *zap.Logger
	clock     func() time.Time
	tracer    trace.Tracer
	latency   metric.Float64Histogram
}

// NewClient validates cfg and constructs a Client. An empty API key is accepted; calls then fail
// with ErrAPIKeyNotConfigured.
func NewClient(cfg Config) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	parsed, err := url.Parse(baseURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("printprovider: invalid base url %q", cfg.BaseURL)
	}

	header := strings.TrimSpace(cfg.APIKeyHeader)
	if header == "" {
		header = DefaultAPIKeyHeader
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentation)
	}

	c := &Client{
		baseURL:   baseURL,
		apiKey:    strings.TrimSpace(cfg.APIKey),
		keyHeader: header,
		timeout:   timeout,
		http:      doer,
		logger:    logger,
		clock:     clock,
		tracer:    otel.Tracer(instrumentation),
	}
	c.latency, err = meter.Float64Histogram(
		"fulfillment.provider.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency in milliseconds for print provider calls"),
	)
	if err != nil {
		logger.Warn("printprovider: unable to register latency metric", zap.Error(err))
	}
	return c, nil
}

// Configured reports whether an API key is available.
func (c *Client) Configured() bool {
	return c != nil && c.apiKey != ""
}

// BaseURL returns the normalised provider root.
func (c *Client) BaseURL() string {
	if c == nil {
		return ""
	}
	return c.baseURL
}

// Call sends body as JSON to endpoint and returns the raw response body. Non-2xx responses yield
// *StatusError; network failures yield *TransportError.
func (c *Client) Call(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("printprovider: client not initialised")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !c.Configured() {
		return nil, ErrAPIKeyNotConfigured
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}
	target := c.resolve(endpoint)

	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("printprovider: encode request: %w", err)
		}
		payload = encoded
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "printprovider "+method+" "+endpoint, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		semconv.HTTPRequestMethodKey.String(method),
		semconv.URLFull(target),
	)

	started := c.clock()
	c.logger.Info("printprovider: request",
		zap.String("method", method),
		zap.String("url", target),
		zap.String("body", truncate(payload)),
	)

	raw, status, err := c.send(ctx, method, target, payload)
	elapsed := c.clock().Sub(started)
	c.observe(ctx, method, endpoint, status, err, elapsed)
	if status > 0 {
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider call failed")
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			c.logger.Warn("printprovider: response",
				zap.String("method", method),
				zap.String("url", target),
				zap.Int("status", status),
				zap.String("body", statusErr.Body),
				zap.Duration("elapsed", elapsed),
			)
		} else {
			c.logger.Warn("printprovider: request failed",
				zap.String("method", method),
				zap.String("url", target),
				zap.Duration("elapsed", elapsed),
				zap.Error(err),
			)
		}
		return nil, err
	}

	c.logger.Info("printprovider: response",
		zap.String("method", method),
		zap.String("url", target),
		zap.Int("status", status),
		zap.String("body", truncate(raw)),
		zap.Duration("elapsed", elapsed),
	)
	return raw, nil
}

// Reachable issues an unauthenticated HEAD against the base URL. Any HTTP response counts as reachable.
func (c *Client) Reachable(ctx context.Context) error {
	if c == nil {
		return errors.New("printprovider: client is nil")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL, nil)
	if err != nil {
		return &TransportError{Method: http.MethodHead, Endpoint: c.baseURL, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Method: http.MethodHead, Endpoint: c.baseURL, Err: err}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	_ = resp.Body.Close()
	return nil
}

func (c *Client) send(ctx context.Context, method, target string, payload []byte) (json.RawMessage, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, 0, &TransportError{Method: method, Endpoint: target, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(c.keyHeader, c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, &TransportError{Method: method, Endpoint: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, &TransportError{Method: method, Endpoint: target, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, &StatusError{
			Method:     method,
			Endpoint:   target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return json.RawMessage("null"), resp.StatusCode, nil
	}
	if !json.Valid(trimmed) {
		return nil, resp.StatusCode, fmt.Errorf("printprovider: %s %s returned invalid json", method, target)
	}
	return json.RawMessage(trimmed), resp.StatusCode, nil
}

func (c *Client) resolve(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return c.baseURL
	}
	return c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
}

func (c *Client) observe(ctx context.Context, method, endpoint string, status int, err error, elapsed time.Duration) {
	if c.latency == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case status > 0:
		outcome = "http_error"
	default:
		outcome = "transport_error"
	}
	c.latency.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpointLabel(endpoint)),
		attribute.String("outcome", outcome),
	))
}

// endpointLabel drops path identifiers so metric cardinality stays bounded.
func endpointLabel(endpoint string) string {
	segments := strings.Split(strings.Trim(endpoint, "/"), "/")
	for i, segment := range segments {
		if i == 0 || segment == "" {
			continue
		}
		switch segment {
		case "estimate", "estimateShipping", "get-tracking":
		default:
			segments[i] = "{id}"
		}
	}
	return "/" + strings.Join(segments, "/")
}

func truncate(data []byte) string {
	if len(data) <= maxLoggedBytes {
		return string(data)
	}
	cut := maxLoggedBytes
	for cut > 0 && !utf8.RuneStart(data[cut]) {
		cut--
	}
	return string(data[:cut]) + "...(truncated)"
}
