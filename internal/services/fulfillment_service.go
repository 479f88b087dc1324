package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/cudliy/fulfillment/internal/domain"
	"github.com/cudliy/fulfillment/internal/printprovider"
)

const (
	fulfillmentInstrumentation = "github.com/cudliy/fulfillment/internal/services"

	// DefaultSizeLimitBytes is the largest model the provider reliably accepts.
	DefaultSizeLimitBytes uint64 = 4_348_596

	defaultRetryInitialBackoff = 200 * time.Millisecond
	defaultRetryMaxBackoff     = time.Second
	defaultEstimatedDays       = 7
	defaultCurrency            = "USD"
	defaultOrderStatus         = "submitted"
)

type operation string

const (
	opEstimatePricing  operation = "estimate_pricing"
	opCreateOrder      operation = "create_order"
	opEstimateShipping operation = "estimate_shipping"
	opGetTracking      operation = "get_tracking"
	opListOrders       operation = "list_orders"
	opCancelOrder      operation = "cancel_order"
)

// operationPolicy captures how each operation treats provider failures.
type operationPolicy struct {
	fallbackOnProviderError bool
	retryable               bool
	probeAsset              bool
	enforceSizeLimit        bool
}

// Order creation is neither retried nor substituted.
var operationPolicies = map[operation]operationPolicy{
	opEstimatePricing:  {fallbackOnProviderError: true, retryable: true, probeAsset: true},
	opCreateOrder:      {probeAsset: true, enforceSizeLimit: true},
	opEstimateShipping: {},
	opGetTracking:      {retryable: true},
	opListOrders:       {retryable: true},
	opCancelOrder:      {},
}

// syntheticEstimate is returned for pricing when the provider cannot quote.
func syntheticEstimate() domain.PricingEstimate {
	return domain.PricingEstimate{
		Subtotal:      15.99,
		Shipping:      5.99,
		Tax:           0,
		Total:         21.98,
		Currency:      defaultCurrency,
		EstimatedDays: defaultEstimatedDays,
		ShippingMethods: []domain.ShippingMethod{
			{Name: "Standard", Days: defaultEstimatedDays, Cost: 5.99},
		},
	}
}

// FulfillmentServiceDeps bundles collaborators required to construct the fulfillment service.
type FulfillmentServiceDeps struct {
	Provider       ProviderCaller
	Prober         AssetProber
	Normalizer     *OrderNormalizer
	Classifier     *ErrorClassifier
	Events         OrderEventPublisher
	SizeLimitBytes uint64
	RetryBackoff   gax.Backoff
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
	Meter          metric.Meter
}

type fulfillmentService struct {
	provider   ProviderCaller
	prober     AssetProber
	normalizer *OrderNormalizer
	classifier *ErrorClassifier
	events     OrderEventPublisher
	sizeLimit  uint64
	backoff    gax.Backoff
	now        func() time.Time
	newID      func() string
	logger     func(ctx context.Context, event string, fields map[string]any)
	tracer     trace.Tracer
	classified metric.Int64Counter
}

var _ FulfillmentService = (*fulfillmentService)(nil)

// NewFulfillmentService constructs the order orchestrator validating required dependencies.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Provider == nil {
		return nil, errors.New("fulfillment service: provider is required")
	}
	if deps.Prober == nil {
		return nil, errors.New("fulfillment service: prober is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	sizeLimit := deps.SizeLimitBytes
	if sizeLimit == 0 {
		sizeLimit = DefaultSizeLimitBytes
	}
	normalizer := deps.Normalizer
	if normalizer == nil {
		normalizer = NewOrderNormalizer(clock, nil)
	}
	classifier := deps.Classifier
	if classifier == nil {
		classifier = NewErrorClassifier(sizeLimit)
	}
	backoff := deps.RetryBackoff
	if backoff.Initial <= 0 {
		backoff.Initial = defaultRetryInitialBackoff
	}
	if backoff.Max < backoff.Initial {
		backoff.Max = defaultRetryMaxBackoff
	}
	if backoff.Multiplier < 1 {
		backoff.Multiplier = 2
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(fulfillmentInstrumentation)
	}
	classified, err := meter.Int64Counter(
		"fulfillment.errors.classified",
		metric.WithDescription("Count of classified fulfillment failures by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("fulfillment service: register metric: %w", err)
	}

	return &fulfillmentService{
		provider:   deps.Provider,
		prober:     deps.Prober,
		normalizer: normalizer,
		classifier: classifier,
		events:     deps.Events,
		sizeLimit:  sizeLimit,
		backoff:    backoff,
		now: func() time.Time {
			return clock().UTC()
		},
		newID:      idGen,
		logger:     logger,
		tracer:     otel.Tracer(fulfillmentInstrumentation),
		classified: classified,
	}, nil
}

// EstimatePricing quotes the model. Provider failures return the synthetic estimate with Fallback set.
func (s *fulfillmentService) EstimatePricing(ctx context.Context, cmd PricingCommand) (result PricingResult, err error) {
	ctx, span := s.startSpan(ctx, opEstimatePricing)
	defer func() { s.endSpan(span, err) }()

	assetURL, err := s.validateAssetURL(ctx, opEstimatePricing, cmd.ModelURL)
	if err != nil {
		return PricingResult{}, err
	}
	asset, err := s.inspectAsset(ctx, opEstimatePricing, assetURL)
	if err != nil {
		return PricingResult{}, err
	}

	order := s.normalizer.Normalize(cmd.Options, cmd.Customer, assetURL, domain.IntentEstimate)
	result = PricingResult{
		OrderNumber: order.OrderNumber,
		Options:     order.Options(),
		Asset:       asset,
	}

	raw, callErr := s.call(ctx, opEstimatePricing, http.MethodPost, "/order/estimate", []domain.CanonicalOrder{order})
	if callErr == nil {
		estimate, shapeErr := shapeEstimate(raw)
		if shapeErr == nil {
			result.Estimate = estimate
			return result, nil
		}
		callErr = shapeErr
	}

	classified := s.classify(ctx, opEstimatePricing, callErr)
	if !operationPolicies[opEstimatePricing].fallbackOnProviderError {
		return PricingResult{}, classified
	}
	s.logger(ctx, "fulfillment.estimate_fallback", map[string]any{
		"orderNumber": order.OrderNumber,
		"kind":        string(classified.Kind),
		"error":       callErr.Error(),
	})
	result.Estimate = syntheticEstimate()
	result.Fallback = true
	return result, nil
}

// CreateOrder submits a real order. Failures are always surfaced and the provider is called at most once.
func (s *fulfillmentService) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (result OrderResult, err error) {
	ctx, span := s.startSpan(ctx, opCreateOrder)
	defer func() { s.endSpan(span, err) }()

	assetURL, err := s.validateAssetURL(ctx, opCreateOrder, cmd.ModelURL)
	if err != nil {
		return OrderResult{}, err
	}
	asset, err := s.inspectAsset(ctx, opCreateOrder, assetURL)
	if err != nil {
		return OrderResult{}, err
	}

	order := s.normalizer.Normalize(cmd.Options, cmd.Customer, assetURL, domain.IntentOrder).
		WithOrderNumber(s.normalizer.clean(cmd.OrderNumber))

	raw, err := s.call(ctx, opCreateOrder, http.MethodPost, "/order", []domain.CanonicalOrder{order})
	if err != nil {
		return OrderResult{}, s.classify(ctx, opCreateOrder, err)
	}

	orderID, status := parseOrderAcceptance(raw)
	result = OrderResult{
		OrderID:     orderID,
		OrderNumber: order.OrderNumber,
		Status:      status,
		Options:     order.Options(),
		Asset:       asset,
		Raw:         raw,
	}
	span.SetAttributes(attribute.String("fulfillment.order_number", order.OrderNumber))

	s.logger(ctx, "fulfillment.order_submitted", map[string]any{
		"orderId":     orderID,
		"orderNumber": order.OrderNumber,
		"quantity":    order.Quantity,
	})
	s.publish(ctx, OrderEvent{
		Type:        OrderEventSubmitted,
		OrderID:     orderID,
		OrderNumber: order.OrderNumber,
		ClientID:    strings.TrimSpace(cmd.ClientID),
		Color:       string(order.ItemColor),
		Material:    string(order.Profile),
		Quantity:    order.Quantity,
	})
	return result, nil
}

// EstimateShipping forwards a shipping quote request without probing or fallback.
func (s *fulfillmentService) EstimateShipping(ctx context.Context, cmd ShippingCommand) (result ShippingResult, err error) {
	ctx, span := s.startSpan(ctx, opEstimateShipping)
	defer func() { s.endSpan(span, err) }()

	assetURL, err := s.validateAssetURL(ctx, opEstimateShipping, cmd.ModelURL)
	if err != nil {
		return ShippingResult{}, err
	}
	order := s.normalizer.Normalize(cmd.Options, cmd.Customer, assetURL, domain.IntentShippingEstimate)

	raw, err := s.call(ctx, opEstimateShipping, http.MethodPost, "/order/estimateShipping", []domain.CanonicalOrder{order})
	if err != nil {
		return ShippingResult{}, s.classify(ctx, opEstimateShipping, err)
	}

	result = ShippingResult{OrderNumber: order.OrderNumber, Raw: raw, Currency: defaultCurrency}
	var quote struct {
		ShippingCost *float64 `json:"shippingCost"`
		Currency     string   `json:"currency"`
	}
	if json.Unmarshal(raw, &quote) == nil {
		if quote.ShippingCost != nil {
			cost := roundCents(*quote.ShippingCost)
			result.ShippingCost = &cost
		}
		if currency := strings.TrimSpace(quote.Currency); currency != "" {
			result.Currency = strings.ToUpper(currency)
		}
	}
	return result, nil
}

// GetTracking returns the provider's tracking payload for orderID.
func (s *fulfillmentService) GetTracking(ctx context.Context, orderID string) (raw json.RawMessage, err error) {
	ctx, span := s.startSpan(ctx, opGetTracking)
	defer func() { s.endSpan(span, err) }()

	id, err := s.requireOrderID(ctx, opGetTracking, orderID)
	if err != nil {
		return nil, err
	}
	raw, err = s.call(ctx, opGetTracking, http.MethodGet, "/order/"+url.PathEscape(id)+"/get-tracking", nil)
	if err != nil {
		return nil, s.classify(ctx, opGetTracking, err)
	}
	return raw, nil
}

// ListOrders returns the provider's order list.
func (s *fulfillmentService) ListOrders(ctx context.Context) (raw json.RawMessage, err error) {
	ctx, span := s.startSpan(ctx, opListOrders)
	defer func() { s.endSpan(span, err) }()

	raw, err = s.call(ctx, opListOrders, http.MethodGet, "/order/", nil)
	if err != nil {
		return nil, s.classify(ctx, opListOrders, err)
	}
	return raw, nil
}

// CancelOrder asks the provider to cancel orderID.
func (s *fulfillmentService) CancelOrder(ctx context.Context, orderID string) (raw json.RawMessage, err error) {
	ctx, span := s.startSpan(ctx, opCancelOrder)
	defer func() { s.endSpan(span, err) }()

	id, err := s.requireOrderID(ctx, opCancelOrder, orderID)
	if err != nil {
		return nil, err
	}
	raw, err = s.call(ctx, opCancelOrder, http.MethodDelete, "/order/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, s.classify(ctx, opCancelOrder, err)
	}
	s.logger(ctx, "fulfillment.order_canceled", map[string]any{"orderId": id})
	s.publish(ctx, OrderEvent{Type: OrderEventCanceled, OrderID: id})
	return raw, nil
}

// validateAssetURL rejects URLs the provider cannot fetch before any network call.
func (s *fulfillmentService) validateAssetURL(ctx context.Context, op operation, raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", s.reject(ctx, op, s.classifier.Validation("modelUrl is required"))
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", s.reject(ctx, op, s.classifier.Validation("modelUrl must be a valid URL"))
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", s.reject(ctx, op, s.classifier.UnsupportedScheme(scheme))
	}
	if parsed.Host == "" {
		return "", s.reject(ctx, op, s.classifier.Validation("modelUrl must include a host"))
	}
	return trimmed, nil
}

// inspectAsset probes the asset when the policy asks for it and enforces the size limit for orders.
func (s *fulfillmentService) inspectAsset(ctx context.Context, op operation, assetURL string) (domain.RemoteAsset, error) {
	policy := operationPolicies[op]
	if !policy.probeAsset {
		return domain.RemoteAsset{URL: assetURL, ProbeMethod: domain.ProbeMethodUnknown}, nil
	}
	asset := s.prober.Probe(ctx, assetURL)
	fields := map[string]any{
		"operation": string(op),
		"method":    string(asset.ProbeMethod),
	}
	if asset.SizeBytes != nil {
		fields["sizeBytes"] = *asset.SizeBytes
	}
	s.logger(ctx, "fulfillment.asset_probed", fields)

	if policy.enforceSizeLimit && asset.Exceeds(s.sizeLimit) {
		return asset, s.reject(ctx, op, s.classifier.PayloadTooLarge(*asset.SizeBytes))
	}
	return asset, nil
}

func (s *fulfillmentService) requireOrderID(ctx context.Context, op operation, orderID string) (string, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return "", s.reject(ctx, op, s.classifier.Validation("orderId is required"))
	}
	return id, nil
}

// call issues the provider request, retrying once for retryable policies on transient failures.
func (s *fulfillmentService) call(ctx context.Context, op operation, method, endpoint string, body any) (json.RawMessage, error) {
	attempts := 1
	if operationPolicies[op].retryable {
		attempts = 2
	}
	backoff := s.backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := s.provider.Call(ctx, method, endpoint, body)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		if attempt == attempts || !isTransient(err) || ctx.Err() != nil {
			break
		}
		pause := backoff.Pause()
		s.logger(ctx, "fulfillment.provider_retry", map[string]any{
			"operation": string(op),
			"attempt":   attempt,
			"pause":     pause.String(),
			"error":     err.Error(),
		})
		if sleepErr := gax.Sleep(ctx, pause); sleepErr != nil {
			break
		}
	}
	return nil, lastErr
}

func (s *fulfillmentService) classify(ctx context.Context, op operation, err error) *ClassifiedError {
	classified := s.classifier.Classify(err)
	s.record(ctx, op, classified)
	s.logger(ctx, "fulfillment.provider_failed", map[string]any{
		"operation": string(op),
		"kind":      string(classified.Kind),
		"status":    classified.HTTPStatus,
		"error":     err.Error(),
	})
	return classified
}

func (s *fulfillmentService) reject(ctx context.Context, op operation, classified *ClassifiedError) *ClassifiedError {
	s.record(ctx, op, classified)
	s.logger(ctx, "fulfillment.request_rejected", map[string]any{
		"operation": string(op),
		"kind":      string(classified.Kind),
		"message":   classified.Message,
	})
	return classified
}

func (s *fulfillmentService) record(ctx context.Context, op operation, classified *ClassifiedError) {
	if s.classified == nil || classified == nil {
		return
	}
	s.classified.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", string(op)),
		attribute.String("kind", string(classified.Kind)),
	))
}

// publish emits an order event; failures are logged and never surfaced.
func (s *fulfillmentService) publish(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	event.EventID = s.newID()
	event.OccurredAt = s.now()
	if _, err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "fulfillment.event_publish_failed", map[string]any{
			"type":    event.Type,
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
}

func (s *fulfillmentService) startSpan(ctx context.Context, op operation) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.tracer.Start(ctx, "fulfillment."+string(op), trace.WithAttributes(attribute.String("fulfillment.operation", string(op))))
}

func (s *fulfillmentService) endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// isTransient reports whether a failed provider call may succeed on a second attempt.
func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *printprovider.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= http.StatusInternalServerError || statusErr.StatusCode == http.StatusTooManyRequests
	}
	var transportErr *printprovider.TransportError
	return errors.As(err, &transportErr)
}

type providerEstimate struct {
	TotalPrice      *float64                `json:"totalPrice"`
	Subtotal        *float64                `json:"subtotal"`
	PrintingCost    *float64                `json:"printingCost"`
	ShippingCost    *float64                `json:"shippingCost"`
	Currency        string                  `json:"currency"`
	EstimatedDays   int                     `json:"estimatedDays"`
	ShippingMethods []domain.ShippingMethod `json:"shippingMethods"`
}

// shapeEstimate converts the provider's quote into a PricingEstimate. Tax is always zero.
func shapeEstimate(raw json.RawMessage) (domain.PricingEstimate, error) {
	var payload providerEstimate
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.PricingEstimate{}, fmt.Errorf("fulfillment: decode estimate: %w", err)
	}

	shipping := 0.0
	if payload.ShippingCost != nil {
		shipping = *payload.ShippingCost
	}
	var subtotal float64
	switch {
	case payload.Subtotal != nil:
		subtotal = *payload.Subtotal
	case payload.PrintingCost != nil:
		subtotal = *payload.PrintingCost
	case payload.TotalPrice != nil:
		subtotal = *payload.TotalPrice - shipping
	default:
		return domain.PricingEstimate{}, errors.New("fulfillment: estimate response carries no price")
	}
	if subtotal < 0 || shipping < 0 {
		return domain.PricingEstimate{}, errors.New("fulfillment: estimate response carries a negative price")
	}

	estimate := domain.PricingEstimate{
		Subtotal:      roundCents(subtotal),
		Shipping:      roundCents(shipping),
		Tax:           0,
		Currency:      defaultCurrency,
		EstimatedDays: defaultEstimatedDays,
	}
	estimate.Total = roundCents(estimate.Subtotal + estimate.Shipping + estimate.Tax)
	if currency := strings.TrimSpace(payload.Currency); currency != "" {
		estimate.Currency = strings.ToUpper(currency)
	}
	if payload.EstimatedDays > 0 {
		estimate.EstimatedDays = payload.EstimatedDays
	}
	for _, method := range payload.ShippingMethods {
		if strings.TrimSpace(method.Name) == "" {
			continue
		}
		estimate.ShippingMethods = append(estimate.ShippingMethods, domain.ShippingMethod{
			Name: strings.TrimSpace(method.Name),
			Days: method.Days,
			Cost: roundCents(method.Cost),
		})
	}
	if len(estimate.ShippingMethods) == 0 {
		estimate.ShippingMethods = []domain.ShippingMethod{
			{Name: "Standard", Days: estimate.EstimatedDays, Cost: estimate.Shipping},
		}
	}
	return estimate, nil
}

// parseOrderAcceptance reads the order identifier from an object or a single-element array response.
func parseOrderAcceptance(raw json.RawMessage) (string, string) {
	type acceptance struct {
		OrderID    string `json:"orderId"`
		OrderIDAlt string `json:"order_id"`
		ID         string `json:"id"`
		Status     string `json:"status"`
	}
	var single acceptance
	if err := json.Unmarshal(raw, &single); err != nil {
		var many []acceptance
		if err := json.Unmarshal(raw, &many); err != nil || len(many) == 0 {
			return "", defaultOrderStatus
		}
		single = many[0]
	}
	id := chooseFirstNonEmpty(single.OrderID, single.OrderIDAlt, single.ID)
	status := defaultString(strings.TrimSpace(single.Status), defaultOrderStatus)
	return strings.TrimSpace(id), status
}

func roundCents(value float64) float64 {
	return math.Round(value*100) / 100
}
