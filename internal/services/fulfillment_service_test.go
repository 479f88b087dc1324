package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"

	domain "github.com/cudliy/fulfillment/internal/domain"
	"github.com/cudliy/fulfillment/internal/printprovider"
)

func TestEstimatePricingShapesProviderQuote(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{{raw: `{"totalPrice": 30.5, "shippingCost": 5.5, "currency": "usd"}`}}}
	prober := &stubProber{size: uint64Ptr(10 << 20)}
	svc := newTestFulfillmentService(t, provider, prober, nil)

	result, err := svc.EstimatePricing(context.Background(), PricingCommand{
		ModelURL: "https://cdn.example.com/huge.stl",
		Options:  RawPrintOptions{Color: "Gold", Quantity: 2.0},
	})
	if err != nil {
		t.Fatalf("EstimatePricing returned error: %v", err)
	}
	if result.Fallback {
		t.Fatal("expected a real quote")
	}
	est := result.Estimate
	if est.Subtotal != 25 || est.Shipping != 5.5 || est.Tax != 0 || est.Total != 30.5 || est.Currency != "USD" {
		t.Fatalf("unexpected estimate %+v", est)
	}
	if len(est.ShippingMethods) != 1 || est.ShippingMethods[0].Cost != 5.5 {
		t.Fatalf("expected default shipping method, got %+v", est.ShippingMethods)
	}
	if !strings.HasPrefix(result.OrderNumber, "EST_") {
		t.Fatalf("expected EST_ order number, got %s", result.OrderNumber)
	}
	if result.Options.Color != domain.ColorGold || result.Options.Quantity != 2 {
		t.Fatalf("unexpected options %+v", result.Options)
	}

	calls := provider.recorded()
	if len(calls) != 1 {
		t.Fatalf("size limit must not apply to estimates; expected 1 call, got %d", len(calls))
	}
	if calls[0].method != http.MethodPost || calls[0].endpoint != "/order/estimate" {
		t.Fatalf("unexpected call %s %s", calls[0].method, calls[0].endpoint)
	}
	orders, ok := calls[0].body.([]domain.CanonicalOrder)
	if !ok || len(orders) != 1 {
		t.Fatalf("expected single-element order array, got %#v", calls[0].body)
	}
}

func TestEstimatePricingFallsBackOnProviderFailure(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{{err: printprovider.ErrAPIKeyNotConfigured}}}
	var events []string
	svc := newTestFulfillmentService(t, provider, &stubProber{}, func(_ context.Context, event string, _ map[string]any) {
		events = append(events, event)
	})

	result, err := svc.EstimatePricing(context.Background(), PricingCommand{ModelURL: "https://cdn.example.com/a.stl"})
	if err != nil {
		t.Fatalf("EstimatePricing returned error: %v", err)
	}
	if !result.Fallback {
		t.Fatal("expected fallback estimate")
	}
	want := domain.PricingEstimate{Subtotal: 15.99, Shipping: 5.99, Tax: 0, Total: 21.98, Currency: "USD"}
	got := result.Estimate
	if got.Subtotal != want.Subtotal || got.Shipping != want.Shipping || got.Tax != want.Tax || got.Total != want.Total || got.Currency != want.Currency {
		t.Fatalf("unexpected fallback estimate %+v", got)
	}
	if !containsString(events, "fulfillment.estimate_fallback") {
		t.Fatalf("expected fallback to be logged, got %v", events)
	}
}

func TestEstimatePricingFallsBackOnUnusableQuote(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{{raw: `{"message":"ok"}`}}}
	svc := newTestFulfillmentService(t, provider, &stubProber{}, nil)

	result, err := svc.EstimatePricing(context.Background(), PricingCommand{ModelURL: "https://cdn.example.com/a.stl"})
	if err != nil {
		t.Fatalf("EstimatePricing returned error: %v", err)
	}
	if !result.Fallback || result.Estimate.Total != 21.98 {
		t.Fatalf("expected synthetic estimate, got %+v", result)
	}
}

func TestEstimatePricingRetriesTransientFailureOnce(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{err: &printprovider.StatusError{StatusCode: http.StatusServiceUnavailable, Body: "busy"}},
		{raw: `{"totalPrice": 12}`},
	}}
	svc := newTestFulfillmentService(t, provider, &stubProber{}, nil)

	result, err := svc.EstimatePricing(context.Background(), PricingCommand{ModelURL: "https://cdn.example.com/a.stl"})
	if err != nil {
		t.Fatalf("EstimatePricing returned error: %v", err)
	}
	if result.Fallback || result.Estimate.Total != 12 {
		t.Fatalf("expected retried real quote, got %+v", result)
	}
	if n := len(provider.recorded()); n != 2 {
		t.Fatalf("expected 2 provider calls, got %d", n)
	}
}

func TestEstimatePricingRejectsUnfetchableURLs(t *testing.T) {
	cases := map[string]ErrorKind{
		"blob:https://app.example.com/1b2c": ErrorKindUnsupportedScheme,
		"ftp://files.example.com/a.stl":     ErrorKindUnsupportedScheme,
		"":                                  ErrorKindValidation,
		"https:///no-host.stl":              ErrorKindValidation,
	}
	for rawURL, kind := range cases {
		provider := &stubProvider{}
		prober := &stubProber{}
		svc := newTestFulfillmentService(t, provider, prober, nil)

		_, err := svc.EstimatePricing(context.Background(), PricingCommand{ModelURL: rawURL})
		classified, ok := AsClassifiedError(err)
		if !ok {
			t.Fatalf("%q: expected classified error, got %v", rawURL, err)
		}
		if classified.Kind != kind || classified.HTTPStatus != http.StatusBadRequest {
			t.Fatalf("%q: expected %s/400, got %s/%d", rawURL, kind, classified.Kind, classified.HTTPStatus)
		}
		if len(provider.recorded()) != 0 || prober.calls != 0 {
			t.Fatalf("%q: expected no network activity", rawURL)
		}
	}
}

func TestCreateOrderRejectsUnfetchableURLs(t *testing.T) {
	cases := map[string]ErrorKind{
		"blob:https://app.example.com/1b2c": ErrorKindUnsupportedScheme,
		"data:model/stl;base64,AAAA":        ErrorKindUnsupportedScheme,
		"file:///tmp/a.stl":                 ErrorKindUnsupportedScheme,
		"":                                  ErrorKindValidation,
		"https:///no-host.stl":              ErrorKindValidation,
	}
	for rawURL, kind := range cases {
		provider := &stubProvider{}
		prober := &stubProber{}
		publisher := &stubPublisher{}
		svc, err := NewFulfillmentService(FulfillmentServiceDeps{
			Provider:     provider,
			Prober:       prober,
			Events:       publisher,
			RetryBackoff: gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond},
		})
		if err != nil {
			t.Fatalf("NewFulfillmentService returned error: %v", err)
		}

		_, err = svc.CreateOrder(context.Background(), CreateOrderCommand{ModelURL: rawURL})
		classified, ok := AsClassifiedError(err)
		if !ok {
			t.Fatalf("%q: expected classified error, got %v", rawURL, err)
		}
		if classified.Kind != kind || classified.HTTPStatus != http.StatusBadRequest {
			t.Fatalf("%q: expected %s/400, got %s/%d", rawURL, kind, classified.Kind, classified.HTTPStatus)
		}
		if len(provider.recorded()) != 0 || prober.calls != 0 {
			t.Fatalf("%q: expected no network activity", rawURL)
		}
		if len(publisher.events) != 0 {
			t.Fatalf("%q: expected no order event", rawURL)
		}
	}
}

func TestCreateOrderRejectsOversizedAsset(t *testing.T) {
	provider := &stubProvider{}
	svc := newTestFulfillmentService(t, provider, &stubProber{size: uint64Ptr(5_000_000)}, nil)

	_, err := svc.CreateOrder(context.Background(), CreateOrderCommand{ModelURL: "https://cdn.example.com/big.stl"})
	classified, ok := AsClassifiedError(err)
	if !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if classified.Kind != ErrorKindPayloadTooLarge || classified.HTTPStatus != http.StatusRequestEntityTooLarge {
		t.Fatalf("unexpected classification %+v", classified)
	}
	if classified.Details["sizeBytes"] != uint64(5_000_000) || classified.Details["limitBytes"] != DefaultSizeLimitBytes {
		t.Fatalf("unexpected details %v", classified.Details)
	}
	if !strings.Contains(classified.Message, "4348596") {
		t.Fatalf("expected limit in message, got %q", classified.Message)
	}
	if n := len(provider.recorded()); n != 0 {
		t.Fatalf("expected no provider calls, got %d", n)
	}
}

func TestCreateOrderAllowsAssetAtLimitAndUnknownSize(t *testing.T) {
	for _, size := range []*uint64{uint64Ptr(DefaultSizeLimitBytes), nil} {
		provider := &stubProvider{responses: []stubResponse{{raw: `{"orderId":"sl-1"}`}}}
		svc := newTestFulfillmentService(t, provider, &stubProber{size: size}, nil)

		result, err := svc.CreateOrder(context.Background(), CreateOrderCommand{ModelURL: "https://cdn.example.com/a.stl"})
		if err != nil {
			t.Fatalf("CreateOrder returned error: %v", err)
		}
		if result.OrderID != "sl-1" || result.Status != "submitted" {
			t.Fatalf("unexpected result %+v", result)
		}
	}
}

func TestCreateOrderNeverRetriesOrFallsBack(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{err: &printprovider.StatusError{StatusCode: http.StatusBadGateway, Body: "upstream down"}},
		{raw: `{"orderId":"should-not-happen"}`},
	}}
	svc := newTestFulfillmentService(t, provider, &stubProber{}, nil)

	result, err := svc.CreateOrder(context.Background(), CreateOrderCommand{ModelURL: "https://cdn.example.com/a.stl"})
	if err == nil {
		t.Fatalf("expected error, got result %+v", result)
	}
	classified, ok := AsClassifiedError(err)
	if !ok || classified.Kind != ErrorKindUnknownProvider || classified.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("unexpected classification %+v", classified)
	}
	if !strings.Contains(classified.Message, "upstream down") {
		t.Fatalf("expected raw text in message, got %q", classified.Message)
	}
	if n := len(provider.recorded()); n != 1 {
		t.Fatalf("expected exactly one provider call, got %d", n)
	}
}

func TestCreateOrderSubmitsAndPublishesEvent(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{{raw: `[{"orderId":"sl-42","status":"processing"}]`}}}
	publisher := &stubPublisher{}
	now := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	svc, err := NewFulfillmentService(FulfillmentServiceDeps{
		Provider:     provider,
		Prober:       &stubProber{size: uint64Ptr(1024)},
		Events:       publisher,
		Clock:        func() time.Time { return now },
		IDGenerator:  func() string { return "evt-1" },
		RetryBackoff: gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService returned error: %v", err)
	}

	result, err := svc.CreateOrder(context.Background(), CreateOrderCommand{
		ModelURL:    "https://cdn.example.com/robot.stl",
		Options:     RawPrintOptions{Color: "pink", Material: "abs", Quantity: "3"},
		Customer:    RawCustomer{Name: "Grace", Email: "grace@example.com"},
		OrderNumber: "CART-77",
		ClientID:    "storefront",
	})
	if err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	if result.OrderID != "sl-42" || result.Status != "processing" || result.OrderNumber != "CART-77" {
		t.Fatalf("unexpected result %+v", result)
	}
	if result.Asset.SizeBytes == nil || *result.Asset.SizeBytes != 1024 {
		t.Fatalf("expected probed asset in result, got %+v", result.Asset)
	}

	calls := provider.recorded()
	if len(calls) != 1 || calls[0].endpoint != "/order" || calls[0].method != http.MethodPost {
		t.Fatalf("unexpected calls %+v", calls)
	}
	orders := calls[0].body.([]domain.CanonicalOrder)
	if orders[0].OrderNumber != "CART-77" || orders[0].ItemColor != domain.ColorPink || orders[0].Profile != domain.MaterialABS || orders[0].Quantity != 3 {
		t.Fatalf("unexpected canonical order %+v", orders[0])
	}
	if orders[0].Filename != "robot.stl" || orders[0].Name != "Grace" {
		t.Fatalf("unexpected canonical identity %+v", orders[0])
	}

	if len(publisher.events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(publisher.events))
	}
	event := publisher.events[0]
	if event.Type != OrderEventSubmitted || event.OrderID != "sl-42" || event.EventID != "evt-1" || event.ClientID != "storefront" || !event.OccurredAt.Equal(now) {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestCreateOrderIgnoresPublishFailure(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{{raw: `{"orderId":"sl-9"}`}}}
	publisher := &stubPublisher{err: errors.New("pubsub unavailable")}
	var logged []string
	svc, err := NewFulfillmentService(FulfillmentServiceDeps{
		Provider: provider,
		Prober:   &stubProber{},
		Events:   publisher,
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService returned error: %v", err)
	}

	if _, err := svc.CreateOrder(context.Background(), CreateOrderCommand{ModelURL: "https://cdn.example.com/a.stl"}); err != nil {
		t.Fatalf("CreateOrder returned error: %v", err)
	}
	if !containsString(logged, "fulfillment.event_publish_failed") {
		t.Fatalf("expected publish failure to be logged, got %v", logged)
	}
}

func TestCreateOrderPropagatesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	provider := &stubProvider{hook: func(ctx context.Context) error {
		cancel()
		return &printprovider.TransportError{Method: http.MethodPost, Endpoint: "/order", Err: ctx.Err()}
	}}
	svc := newTestFulfillmentService(t, provider, &stubProber{}, nil)

	_, err := svc.CreateOrder(ctx, CreateOrderCommand{ModelURL: "https://cdn.example.com/a.stl"})
	if _, ok := AsClassifiedError(err); !ok {
		t.Fatalf("expected classified error, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation cause, got %v", err)
	}
}

func TestEstimateShippingSkipsProbeAndParsesQuote(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{{raw: `{"shippingCost": 7.456, "currency": "usd"}`}}}
	prober := &stubProber{}
	svc := newTestFulfillmentService(t, provider, prober, nil)

	result, err := svc.EstimateShipping(context.Background(), ShippingCommand{ModelURL: "https://cdn.example.com/a.stl"})
	if err != nil {
		t.Fatalf("EstimateShipping returned error: %v", err)
	}
	if result.ShippingCost == nil || *result.ShippingCost != 7.46 || result.Currency != "USD" {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.HasPrefix(result.OrderNumber, "SHIP_EST_") {
		t.Fatalf("expected SHIP_EST_ prefix, got %s", result.OrderNumber)
	}
	if prober.calls != 0 {
		t.Fatalf("expected shipping estimate not to probe, got %d probes", prober.calls)
	}
	if calls := provider.recorded(); calls[0].endpoint != "/order/estimateShipping" {
		t.Fatalf("unexpected endpoint %s", calls[0].endpoint)
	}
}

func TestEstimateShippingHasNoFallback(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{{err: &printprovider.StatusError{StatusCode: 503, Body: "down"}}}}
	svc := newTestFulfillmentService(t, provider, &stubProber{}, nil)

	if _, err := svc.EstimateShipping(context.Background(), ShippingCommand{ModelURL: "https://cdn.example.com/a.stl"}); err == nil {
		t.Fatal("expected error")
	}
	if n := len(provider.recorded()); n != 1 {
		t.Fatalf("expected no retry, got %d calls", n)
	}
}

func TestListOrdersRetriesOnce(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{
		{err: &printprovider.TransportError{Method: http.MethodGet, Endpoint: "/order/", Err: errors.New("connection reset")}},
		{err: &printprovider.StatusError{StatusCode: http.StatusTooManyRequests, Body: "slow down"}},
		{raw: `[]`},
	}}
	svc := newTestFulfillmentService(t, provider, &stubProber{}, nil)

	_, err := svc.ListOrders(context.Background())
	if err == nil {
		t.Fatal("expected error after retry budget is exhausted")
	}
	if n := len(provider.recorded()); n != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", n)
	}
}

func TestGetTrackingEscapesIDAndSkipsRetryOnClientError(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{{err: &printprovider.StatusError{StatusCode: http.StatusNotFound, Body: "order not found"}}}}
	svc := newTestFulfillmentService(t, provider, &stubProber{}, nil)

	_, err := svc.GetTracking(context.Background(), " a/b ")
	classified, ok := AsClassifiedError(err)
	if !ok || classified.Kind != ErrorKindUnknownProvider {
		t.Fatalf("unexpected error %v", err)
	}
	calls := provider.recorded()
	if len(calls) != 1 {
		t.Fatalf("expected no retry on 404, got %d calls", len(calls))
	}
	if calls[0].endpoint != "/order/a%2Fb/get-tracking" || calls[0].method != http.MethodGet {
		t.Fatalf("unexpected call %s %s", calls[0].method, calls[0].endpoint)
	}
}

func TestCancelOrderPublishesEventWithoutRetry(t *testing.T) {
	provider := &stubProvider{responses: []stubResponse{{raw: `{"status":"cancelled"}`}}}
	publisher := &stubPublisher{}
	svc, err := NewFulfillmentService(FulfillmentServiceDeps{Provider: provider, Prober: &stubProber{}, Events: publisher})
	if err != nil {
		t.Fatalf("NewFulfillmentService returned error: %v", err)
	}

	raw, err := svc.CancelOrder(context.Background(), "sl-5")
	if err != nil {
		t.Fatalf("CancelOrder returned error: %v", err)
	}
	if string(raw) != `{"status":"cancelled"}` {
		t.Fatalf("unexpected raw %s", raw)
	}
	calls := provider.recorded()
	if calls[0].method != http.MethodDelete || calls[0].endpoint != "/order/sl-5" {
		t.Fatalf("unexpected call %+v", calls[0])
	}
	if len(publisher.events) != 1 || publisher.events[0].Type != OrderEventCanceled {
		t.Fatalf("expected cancel event, got %+v", publisher.events)
	}
}

func TestOrderIDRequired(t *testing.T) {
	provider := &stubProvider{}
	svc := newTestFulfillmentService(t, provider, &stubProber{}, nil)

	for _, call := range []func() error{
		func() error { _, err := svc.GetTracking(context.Background(), " "); return err },
		func() error { _, err := svc.CancelOrder(context.Background(), ""); return err },
	} {
		classified, ok := AsClassifiedError(call())
		if !ok || classified.Kind != ErrorKindValidation {
			t.Fatalf("expected validation error, got %+v", classified)
		}
	}
	if n := len(provider.recorded()); n != 0 {
		t.Fatalf("expected no provider calls, got %d", n)
	}
}

func TestNewFulfillmentServiceRequiresDeps(t *testing.T) {
	if _, err := NewFulfillmentService(FulfillmentServiceDeps{Prober: &stubProber{}}); err == nil {
		t.Fatal("expected error without provider")
	}
	if _, err := NewFulfillmentService(FulfillmentServiceDeps{Provider: &stubProvider{}}); err == nil {
		t.Fatal("expected error without prober")
	}
}

func TestOperationPolicies(t *testing.T) {
	if p := operationPolicies[opCreateOrder]; p.retryable || p.fallbackOnProviderError {
		t.Fatalf("order creation must not retry or fall back: %+v", p)
	}
	if p := operationPolicies[opEstimatePricing]; !p.fallbackOnProviderError || p.enforceSizeLimit {
		t.Fatalf("unexpected pricing policy %+v", p)
	}
	for _, op := range []operation{opEstimateShipping, opCancelOrder} {
		if operationPolicies[op].retryable {
			t.Fatalf("%s must not retry", op)
		}
	}
}

func TestParseOrderAcceptance(t *testing.T) {
	cases := []struct {
		raw    string
		id     string
		status string
	}{
		{raw: `{"orderId":"a"}`, id: "a", status: "submitted"},
		{raw: `{"order_id":"b","status":"queued"}`, id: "b", status: "queued"},
		{raw: `[{"id":"c"}]`, id: "c", status: "submitted"},
		{raw: `null`, id: "", status: "submitted"},
		{raw: `"ok"`, id: "", status: "submitted"},
	}
	for _, tc := range cases {
		id, status := parseOrderAcceptance(json.RawMessage(tc.raw))
		if id != tc.id || status != tc.status {
			t.Errorf("parseOrderAcceptance(%s) = (%q, %q), want (%q, %q)", tc.raw, id, status, tc.id, tc.status)
		}
	}
}

func newTestFulfillmentService(t *testing.T, provider ProviderCaller, prober AssetProber, logger func(context.Context, string, map[string]any)) FulfillmentService {
	t.Helper()
	svc, err := NewFulfillmentService(FulfillmentServiceDeps{
		Provider:     provider,
		Prober:       prober,
		Logger:       logger,
		RetryBackoff: gax.Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewFulfillmentService returned error: %v", err)
	}
	return svc
}

type stubResponse struct {
	raw string
	err error
}

type providerCall struct {
	method   string
	endpoint string
	body     any
}

type stubProvider struct {
	mu        sync.Mutex
	responses []stubResponse
	calls     []providerCall
	hook      func(ctx context.Context) error
}

func (s *stubProvider) Call(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, providerCall{method: method, endpoint: endpoint, body: body})
	if s.hook != nil {
		return nil, s.hook(ctx)
	}
	if len(s.responses) == 0 {
		return json.RawMessage(`{}`), nil
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	if resp.err != nil {
		return nil, resp.err
	}
	return json.RawMessage(resp.raw), nil
}

func (s *stubProvider) recorded() []providerCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]providerCall(nil), s.calls...)
}

type stubProber struct {
	size  *uint64
	calls int
}

func (s *stubProber) Probe(_ context.Context, url string) domain.RemoteAsset {
	s.calls++
	if s.size == nil {
		return domain.RemoteAsset{URL: url, ProbeMethod: domain.ProbeMethodUnknown}
	}
	size := *s.size
	return domain.RemoteAsset{URL: url, SizeBytes: &size, ProbeMethod: domain.ProbeMethodHead}
}

type stubPublisher struct {
	events []OrderEvent
	err    error
}

func (s *stubPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.events = append(s.events, event)
	return "msg-1", nil
}

func uint64Ptr(v uint64) *uint64 {
	return &v
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
