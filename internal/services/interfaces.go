package services

import (
	"context"
	"encoding/json"
	"time"

	domain "github.com/cudliy/fulfillment/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	RemoteAsset        = domain.RemoteAsset
	PrintOptions       = domain.PrintOptions
	CanonicalOrder     = domain.CanonicalOrder
	PricingEstimate    = domain.PricingEstimate
	SystemHealthReport = domain.SystemHealthReport
)

// FulfillmentService proxies print orders to the external print provider.
type FulfillmentService interface {
	EstimatePricing(ctx context.Context, cmd PricingCommand) (PricingResult, error)
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderResult, error)
	EstimateShipping(ctx context.Context, cmd ShippingCommand) (ShippingResult, error)
	GetTracking(ctx context.Context, orderID string) (json.RawMessage, error)
	ListOrders(ctx context.Context) (json.RawMessage, error)
	CancelOrder(ctx context.Context, orderID string) (json.RawMessage, error)
}

// ProviderCaller performs raw provider calls. *printprovider.Client satisfies it.
type ProviderCaller interface {
	Call(ctx context.Context, method, endpoint string, body any) (json.RawMessage, error)
}

// AssetProber measures remote assets. *probe.Prober satisfies it.
type AssetProber interface {
	Probe(ctx context.Context, url string) domain.RemoteAsset
}

// OrderEventPublisher emits order lifecycle events to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// SystemService aggregates health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// PricingCommand requests a quote for printing the referenced model.
type PricingCommand struct {
	ModelURL string
	Options  RawPrintOptions
	Customer RawCustomer
}

// PricingResult is a shaped quote. Fallback is set when the provider failed and the synthetic quote was used.
type PricingResult struct {
	Estimate    PricingEstimate
	OrderNumber string
	Options     PrintOptions
	Asset       RemoteAsset
	Fallback    bool
}

// CreateOrderCommand submits a real print order.
type CreateOrderCommand struct {
	ModelURL    string
	Options     RawPrintOptions
	Customer    RawCustomer
	OrderNumber string
	ClientID    string
}

// OrderResult describes the provider's acceptance of an order.
type OrderResult struct {
	OrderID     string
	OrderNumber string
	Status      string
	Options     PrintOptions
	Asset       RemoteAsset
	Raw         json.RawMessage
}

// ShippingCommand requests a shipping quote for the referenced model.
type ShippingCommand struct {
	ModelURL string
	Options  RawPrintOptions
	Customer RawCustomer
}

// ShippingResult is the provider's shipping quote.
type ShippingResult struct {
	ShippingCost *float64
	Currency     string
	OrderNumber  string
	Raw          json.RawMessage
}

// OrderEvent is published after an order is accepted or cancelled.
type OrderEvent struct {
	EventID     string    `json:"eventId"`
	Type        string    `json:"type"`
	OrderID     string    `json:"orderId"`
	OrderNumber string    `json:"orderNumber,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	Color       string    `json:"color,omitempty"`
	Material    string    `json:"material,omitempty"`
	Quantity    uint      `json:"quantity,omitempty"`
	OccurredAt  time.Time `json:"occurredAt"`
}

const (
	// OrderEventSubmitted is published after the provider accepts an order.
	OrderEventSubmitted = "order.submitted"
	// OrderEventCanceled is published after the provider cancels an order.
	OrderEventCanceled = "order.canceled"
)
