package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/cudliy/fulfillment/internal/domain"
	"github.com/cudliy/fulfillment/internal/platform/httpx"
	"github.com/cudliy/fulfillment/internal/platform/observability"
	"github.com/cudliy/fulfillment/internal/platform/requestctx"
	"github.com/cudliy/fulfillment/internal/services"
)

// FulfillmentHandlers exposes the print fulfillment proxy endpoints.
type FulfillmentHandlers struct {
	fulfillment      services.FulfillmentService
	orderMiddlewares []func(http.Handler) http.Handler
}

// FulfillmentOption customises fulfillment handlers.
type FulfillmentOption func(*FulfillmentHandlers)

// WithOrderSubmissionMiddlewares wraps only the order submission route, e.g. with idempotency.
func WithOrderSubmissionMiddlewares(mw ...func(http.Handler) http.Handler) FulfillmentOption {
	return func(h *FulfillmentHandlers) {
		h.orderMiddlewares = append(h.orderMiddlewares, mw...)
	}
}

// NewFulfillmentHandlers constructs fulfillment handlers backed by the provided service.
func NewFulfillmentHandlers(fulfillment services.FulfillmentService, opts ...FulfillmentOption) *FulfillmentHandlers {
	h := &FulfillmentHandlers{fulfillment: fulfillment}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers fulfillment endpoints under the provided router.
func (h *FulfillmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/pricing/estimate", h.estimatePricing)
	r.Post("/shipping/estimate", h.estimateShipping)
	r.Route("/orders", func(orders chi.Router) {
		submit := orders.With()
		for _, mw := range h.orderMiddlewares {
			if mw != nil {
				submit = submit.With(mw)
			}
		}
		submit.Post("/", h.createOrder)
		orders.Get("/", h.listOrders)
		orders.Get("/{orderId}/tracking", h.getTracking)
		orders.Delete("/{orderId}", h.cancelOrder)
	})
}

type printOptionsRequest struct {
	Color    any `json:"color"`
	Material any `json:"material"`
	Quantity any `json:"quantity"`
}

type addressRequest struct {
	Street      string `json:"street"`
	Street2     string `json:"street2"`
	City        string `json:"city"`
	State       string `json:"state"`
	Zip         string `json:"zip"`
	Country     string `json:"country"`
	Residential *bool  `json:"residential"`
}

type customerRequest struct {
	Name            string          `json:"name"`
	Email           string          `json:"email"`
	Phone           string          `json:"phone"`
	Address         addressRequest  `json:"address"`
	ShippingAddress *addressRequest `json:"shippingAddress"`
	ShippingName    string          `json:"shippingName"`
	PreviewImageURL string          `json:"previewImageUrl"`
}

type fulfillmentRequest struct {
	ModelURL    string              `json:"modelUrl"`
	Options     printOptionsRequest `json:"options"`
	Customer    customerRequest     `json:"customer"`
	OrderNumber string              `json:"orderNumber"`
}

type assetPayload struct {
	SizeBytes   *uint64 `json:"sizeBytes,omitempty"`
	ProbeMethod string  `json:"probeMethod"`
}

type pricingResponse struct {
	Pricing         domain.PricingEstimate  `json:"pricing"`
	Color           string                  `json:"color"`
	Material        string                  `json:"material"`
	Quantity        uint                    `json:"quantity"`
	EstimatedDays   int                     `json:"estimatedDays"`
	ShippingMethods []domain.ShippingMethod `json:"shippingMethods"`
	OrderNumber     string                  `json:"orderNumber"`
	Asset           assetPayload            `json:"asset"`
}

type orderResponse struct {
	OrderID     string       `json:"orderId"`
	OrderNumber string       `json:"orderNumber"`
	Status      string       `json:"status"`
	Color       string       `json:"color"`
	Material    string       `json:"material"`
	Quantity    uint         `json:"quantity"`
	Asset       assetPayload `json:"asset"`
}

type shippingResponse struct {
	ShippingCost *float64 `json:"shippingCost"`
	CurrencyCode string   `json:"currencyCode"`
	OrderNumber  string   `json:"orderNumber"`
}

func (h *FulfillmentHandlers) estimatePricing(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req fulfillmentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.fulfillment.EstimatePricing(ctx, services.PricingCommand{
		ModelURL: strings.TrimSpace(req.ModelURL),
		Options:  req.Options.toRaw(),
		Customer: req.Customer.toRaw(),
	})
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, pricingResponse{
		Pricing:         result.Estimate,
		Color:           string(result.Options.Color),
		Material:        string(result.Options.Material),
		Quantity:        result.Options.Quantity,
		EstimatedDays:   result.Estimate.EstimatedDays,
		ShippingMethods: result.Estimate.ShippingMethods,
		OrderNumber:     result.OrderNumber,
		Asset:           newAssetPayload(result.Asset),
	})
}

func (h *FulfillmentHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req fulfillmentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.fulfillment.CreateOrder(ctx, services.CreateOrderCommand{
		ModelURL:    strings.TrimSpace(req.ModelURL),
		Options:     req.Options.toRaw(),
		Customer:    req.Customer.toRaw(),
		OrderNumber: strings.TrimSpace(req.OrderNumber),
		ClientID:    requestctx.ClientID(ctx),
	})
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{
		OrderID:     result.OrderID,
		OrderNumber: result.OrderNumber,
		Status:      result.Status,
		Color:       string(result.Options.Color),
		Material:    string(result.Options.Material),
		Quantity:    result.Options.Quantity,
		Asset:       newAssetPayload(result.Asset),
	})
}

func (h *FulfillmentHandlers) estimateShipping(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	var req fulfillmentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}

	result, err := h.fulfillment.EstimateShipping(ctx, services.ShippingCommand{
		ModelURL: strings.TrimSpace(req.ModelURL),
		Options:  req.Options.toRaw(),
		Customer: req.Customer.toRaw(),
	})
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, shippingResponse{
		ShippingCost: result.ShippingCost,
		CurrencyCode: result.Currency,
		OrderNumber:  result.OrderNumber,
	})
}

func (h *FulfillmentHandlers) getTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	raw, err := h.fulfillment.GetTracking(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, raw)
}

func (h *FulfillmentHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	raw, err := h.fulfillment.ListOrders(ctx)
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, raw)
}

func (h *FulfillmentHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.available(ctx, w) {
		return
	}
	raw, err := h.fulfillment.CancelOrder(ctx, chi.URLParam(r, "orderId"))
	if err != nil {
		writeFulfillmentError(ctx, w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, raw)
}

func (h *FulfillmentHandlers) available(ctx context.Context, w http.ResponseWriter) bool {
	if h == nil || h.fulfillment == nil {
		httpx.WriteError(ctx, w, httpx.NewError("fulfillment_unavailable", "fulfillment service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (o printOptionsRequest) toRaw() services.RawPrintOptions {
	return services.RawPrintOptions{
		Color:    o.Color,
		Material: o.Material,
		Quantity: o.Quantity,
	}
}

func (a addressRequest) toRaw() services.RawAddress {
	return services.RawAddress{
		Street:      a.Street,
		Street2:     a.Street2,
		City:        a.City,
		State:       a.State,
		Zip:         a.Zip,
		Country:     a.Country,
		Residential: a.Residential,
	}
}

func (c customerRequest) toRaw() services.RawCustomer {
	raw := services.RawCustomer{
		Name:            c.Name,
		Email:           c.Email,
		Phone:           c.Phone,
		Address:         c.Address.toRaw(),
		ShippingName:    c.ShippingName,
		PreviewImageURL: c.PreviewImageURL,
	}
	if c.ShippingAddress != nil {
		shipping := c.ShippingAddress.toRaw()
		raw.ShippingAddress = &shipping
	}
	return raw
}

func newAssetPayload(asset domain.RemoteAsset) assetPayload {
	return assetPayload{
		SizeBytes:   asset.SizeBytes,
		ProbeMethod: string(asset.ProbeMethod),
	}
}

func writeFulfillmentError(ctx context.Context, w http.ResponseWriter, err error) {
	if classified, ok := services.AsClassifiedError(err); ok {
		httpx.WriteError(ctx, w, httpx.NewError(string(classified.Kind), classified.Message, classified.HTTPStatus).WithDetails(classified.Details))
		return
	}
	observability.FromContext(ctx).Error("fulfillment request failed",
		zap.String("error", observability.SanitizeLogValue(err.Error(), 512)),
	)
	httpx.WriteError(ctx, w, httpx.NewError(string(services.ErrorKindUnknownProvider), "failed to process fulfillment request", http.StatusInternalServerError))
}
