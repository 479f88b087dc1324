package probe

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/cudliy/fulfillment/internal/domain"
)

const (
	defaultStageTimeout = 10 * time.Second
	metricNamespace     = "github.com/cudliy/fulfillment/internal/platform/probe"
	maxDrainBytes       = 4 << 10
)

// HTTPDoer executes outbound HTTP requests.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Prober determines the byte size of remote assets without downloading them.
// Probe never fails; every failure degrades to an unknown size.
type Prober struct {
	client  HTTPDoer
	timeout time.Duration
	logger  *zap.Logger
	results metric.Int64Counter
}

// Option customises a Prober.
type Option func(*proberConfig)

type proberConfig struct {
	client  HTTPDoer
	timeout time.Duration
	logger  *zap.Logger
	meter   metric.Meter
}

// WithHTTPClient overrides the HTTP client used for probe requests.
func WithHTTPClient(client HTTPDoer) Option {
	return func(cfg *proberConfig) {
		if client != nil {
			cfg.client = client
		}
	}
}

// WithStageTimeout bounds each probe stage independently.
func WithStageTimeout(timeout time.Duration) Option {
	return func(cfg *proberConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(cfg *proberConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithMeter injects a custom OpenTelemetry meter.
func WithMeter(m metric.Meter) Option {
	return func(cfg *proberConfig) {
		if m != nil {
			cfg.meter = m
		}
	}
}

// New constructs a Prober.
func New(opts ...Option) *Prober {
	cfg := proberConfig{
		client:  http.DefaultClient,
		timeout: defaultStageTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.meter == nil {
		cfg.meter = otel.GetMeterProvider().Meter(metricNamespace)
	}

	p := &Prober{
		client:  cfg.client,
		timeout: cfg.timeout,
		logger:  cfg.logger,
	}
	var err error
	p.results, err = cfg.meter.Int64Counter(
		"fulfillment.probe.results",
		metric.WithDescription("Count of asset size probes by resolving method"),
	)
	if err != nil {
		cfg.logger.Warn("probe: unable to register result metric", zap.Error(err))
	}
	return p
}

// Probe returns the asset size using HEAD first and a single-byte ranged GET second.
func (p *Prober) Probe(ctx context.Context, rawURL string) domain.RemoteAsset {
	asset := domain.RemoteAsset{URL: rawURL, ProbeMethod: domain.ProbeMethodUnknown}
	if ctx == nil {
		ctx = context.Background()
	}

	if size, ok := p.head(ctx, rawURL); ok {
		asset.SizeBytes = &size
		asset.ProbeMethod = domain.ProbeMethodHead
	} else if size, ok := p.rangeRequest(ctx, rawURL); ok {
		asset.SizeBytes = &size
		asset.ProbeMethod = domain.ProbeMethodRangeFallback
	}

	fields := []zap.Field{zap.String("url", rawURL), zap.String("method", string(asset.ProbeMethod))}
	if asset.SizeBytes != nil {
		fields = append(fields, zap.Uint64("size_bytes", *asset.SizeBytes))
	}
	p.logger.Debug("probe: asset size resolved", fields...)
	if p.results != nil {
		p.results.Add(ctx, 1, metric.WithAttributes(attribute.String("method", string(asset.ProbeMethod))))
	}
	return asset
}

func (p *Prober) head(ctx context.Context, rawURL string) (uint64, bool) {
	resp, ok := p.do(ctx, http.MethodHead, rawURL, nil)
	if !ok {
		return 0, false
	}
	defer closeBody(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		p.logger.Debug("probe: head rejected", zap.String("url", rawURL), zap.Int("status", resp.StatusCode))
		return 0, false
	}
	return parseSize(resp.Header.Get("Content-Length"))
}

func (p *Prober) rangeRequest(ctx context.Context, rawURL string) (uint64, bool) {
	resp, ok := p.do(ctx, http.MethodGet, rawURL, map[string]string{"Range": "bytes=0-0"})
	if !ok {
		return 0, false
	}
	defer closeBody(resp)
	return parseContentRangeTotal(resp.Header.Get("Content-Range"))
}

func (p *Prober) do(ctx context.Context, method, rawURL string, headers map[string]string) (*http.Response, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	stageCtx, cancel := context.WithTimeout(ctx, p.timeout)
	req, err := http.NewRequestWithContext(stageCtx, method, rawURL, nil)
	if err != nil {
		cancel()
		p.logger.Debug("probe: invalid request", zap.String("url", rawURL), zap.Error(err))
		return nil, false
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		cancel()
		p.logger.Debug("probe: request failed", zap.String("method", method), zap.String("url", rawURL), zap.Error(err))
		return nil, false
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, true
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func closeBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrainBytes)
	_ = resp.Body.Close()
}

func parseSize(value string) (uint64, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	size, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

// parseContentRangeTotal extracts <total> from "bytes <start>-<end>/<total>".
func parseContentRangeTotal(header string) (uint64, bool) {
	header = strings.TrimSpace(header)
	unit, rest, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(unit, "bytes") {
		return 0, false
	}
	span, total, found := strings.Cut(strings.TrimSpace(rest), "/")
	if !found {
		return 0, false
	}
	start, end, found := strings.Cut(span, "-")
	if !found {
		return 0, false
	}
	if _, ok := parseSize(start); !ok {
		return 0, false
	}
	if _, ok := parseSize(end); !ok {
		return 0, false
	}
	return parseSize(total)
}
