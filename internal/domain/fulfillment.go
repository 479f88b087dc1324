package domain

import "strings"

// ProbeMethod records how the size of a remote asset was determined.
type ProbeMethod string

const (
	// ProbeMethodHead indicates the size came from a HEAD Content-Length header.
	ProbeMethodHead ProbeMethod = "head"
	// ProbeMethodRangeFallback indicates the size came from a single-byte ranged GET.
	ProbeMethodRangeFallback ProbeMethod = "range_fallback"
	// ProbeMethodUnknown indicates every probe stage failed.
	ProbeMethodUnknown ProbeMethod = "unknown"
)

// RemoteAsset describes a caller-hosted model file referenced by URL.
type RemoteAsset struct {
	URL         string
	SizeBytes   *uint64
	ProbeMethod ProbeMethod
}

// SizeKnown reports whether a probe stage produced a size.
func (a RemoteAsset) SizeKnown() bool {
	return a.SizeBytes != nil
}

// Exceeds reports whether the known size is strictly greater than limit.
// Unknown sizes never exceed.
func (a RemoteAsset) Exceeds(limit uint64) bool {
	return a.SizeBytes != nil && *a.SizeBytes > limit
}

// Color enumerates filament colors accepted by the print provider.
type Color string

const (
	ColorBlack         Color = "black"
	ColorWhite         Color = "white"
	ColorGray          Color = "gray"
	ColorYellow        Color = "yellow"
	ColorRed           Color = "red"
	ColorGold          Color = "gold"
	ColorPurple        Color = "purple"
	ColorBlue          Color = "blue"
	ColorOrange        Color = "orange"
	ColorGreen         Color = "green"
	ColorPink          Color = "pink"
	ColorMatteBlack    Color = "matteBlack"
	ColorLunarRegolith Color = "lunarRegolith"
	ColorPETGBlack     Color = "petgBlack"
)

// DefaultColor is used when the requested color is absent or unsupported.
const DefaultColor = ColorBlack

// Colors returns the supported colors in provider order.
func Colors() []Color {
	return []Color{
		ColorBlack, ColorWhite, ColorGray, ColorYellow, ColorRed, ColorGold, ColorPurple,
		ColorBlue, ColorOrange, ColorGreen, ColorPink, ColorMatteBlack, ColorLunarRegolith, ColorPETGBlack,
	}
}

// Material enumerates filament materials accepted by the print provider.
type Material string

const (
	MaterialPLA         Material = "PLA"
	MaterialABS         Material = "ABS"
	MaterialPETG        Material = "PETG"
	MaterialTPU         Material = "TPU"
	MaterialWood        Material = "Wood"
	MaterialCarbonFiber Material = "Carbon Fiber"
)

// DefaultMaterial is used when the requested material is absent or unsupported.
const DefaultMaterial = MaterialPLA

// Materials returns the supported materials in provider order.
func Materials() []Material {
	return []Material{MaterialPLA, MaterialABS, MaterialPETG, MaterialTPU, MaterialWood, MaterialCarbonFiber}
}

// PrintOptions holds the validated print parameters for a single item.
type PrintOptions struct {
	Color    Color
	Material Material
	Quantity uint
}

// Address is a postal address in the shape the provider expects.
type Address struct {
	Street1     string
	Street2     string
	City        string
	State       string
	Zip         string
	Country     string
	Residential bool
}

// CustomerRecord is the normalised buyer identity used for billing and shipping.
type CustomerRecord struct {
	Name            string
	Email           string
	Phone           string
	Billing         Address
	Shipping        Address
	PreviewImageURL string
}

// Intent identifies which provider operation a canonical order is built for.
type Intent string

const (
	IntentEstimate         Intent = "estimate"
	IntentOrder            Intent = "order"
	IntentShippingEstimate Intent = "shipping_estimate"
)

// OrderNumberPrefix returns the prefix used for generated order numbers.
func (i Intent) OrderNumberPrefix() string {
	switch i {
	case IntentOrder:
		return "ORDER"
	case IntentShippingEstimate:
		return "SHIP_EST"
	default:
		return "EST"
	}
}

// CanonicalOrder is the single provider order payload. The JSON tags are the provider's field names.
type CanonicalOrder struct {
	Email       string `json:"email"`
	Phone       string `json:"phone"`
	Name        string `json:"name"`
	OrderNumber string `json:"orderNumber"`
	Filename    string `json:"filename"`
	FileURL     string `json:"fileURL"`

	BillToStreet1     string `json:"bill_to_street_1"`
	BillToStreet2     string `json:"bill_to_street_2"`
	BillToStreet3     string `json:"bill_to_street_3"`
	BillToCity        string `json:"bill_to_city"`
	BillToState       string `json:"bill_to_state"`
	BillToZip         string `json:"bill_to_zip"`
	BillToCountryISO  string `json:"bill_to_country_as_iso"`
	BillToResidential bool   `json:"bill_to_is_US_residential,string"`

	ShipToName        string `json:"ship_to_name"`
	ShipToStreet1     string `json:"ship_to_street_1"`
	ShipToStreet2     string `json:"ship_to_street_2"`
	ShipToStreet3     string `json:"ship_to_street_3"`
	ShipToCity        string `json:"ship_to_city"`
	ShipToState       string `json:"ship_to_state"`
	ShipToZip         string `json:"ship_to_zip"`
	ShipToCountryISO  string `json:"ship_to_country_as_iso"`
	ShipToResidential bool   `json:"ship_to_is_US_residential,string"`

	ItemName  string   `json:"order_item_name"`
	Quantity  uint     `json:"order_quantity,string"`
	ImageURL  string   `json:"order_image_url"`
	SKU       string   `json:"order_sku"`
	ItemColor Color    `json:"order_item_color"`
	Profile   Material `json:"profile"`
}

// WithOrderNumber returns a copy carrying the supplied order number when it is non-blank.
func (o CanonicalOrder) WithOrderNumber(orderNumber string) CanonicalOrder {
	if trimmed := strings.TrimSpace(orderNumber); trimmed != "" {
		o.OrderNumber = trimmed
	}
	return o
}

// Options reports the print options embedded in the order.
func (o CanonicalOrder) Options() PrintOptions {
	return PrintOptions{Color: o.ItemColor, Material: o.Profile, Quantity: o.Quantity}
}

// ShippingMethod is one delivery option returned with an estimate.
type ShippingMethod struct {
	Name string  `json:"name"`
	Days int     `json:"days"`
	Cost float64 `json:"cost"`
}

// PricingEstimate is the shaped quote returned to callers.
type PricingEstimate struct {
	Subtotal        float64          `json:"subtotal"`
	Shipping        float64          `json:"shipping"`
	Tax             float64          `json:"tax"`
	Total           float64          `json:"total"`
	Currency        string           `json:"currency"`
	EstimatedDays   int              `json:"estimatedDays"`
	ShippingMethods []ShippingMethod `json:"shippingMethods"`
}
