package services

import (
	"encoding/json"
	"fmt"
	"html"
	"math"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"golang.org/x/text/unicode/norm"

	domain "github.com/cudliy/fulfillment/internal/domain"
)

const (
	defaultModelFilename = "model.stl"
	skuPrefix            = "SKU"
	orderSuffixLength    = 8
	maxCustomerFieldLen  = 200
)

// Placeholder customer values used when the caller omits a field, so anonymous estimates can be built.
const (
	placeholderName    = "Guest Customer"
	placeholderEmail   = "guest@example.com"
	placeholderPhone   = "0000000000"
	placeholderStreet  = "123 Main St"
	placeholderCity    = "Austin"
	placeholderState   = "TX"
	placeholderZip     = "78701"
	placeholderCountry = "US"
)

// RawPrintOptions carries caller-supplied print options before validation. Values may be any JSON type.
type RawPrintOptions struct {
	Color    any
	Material any
	Quantity any
}

// RawAddress carries a caller-supplied postal address.
type RawAddress struct {
	Street      string
	Street2     string
	City        string
	State       string
	Zip         string
	Country     string
	Residential *bool
}

// RawCustomer carries partially populated buyer details.
type RawCustomer struct {
	Name            string
	Email           string
	Phone           string
	Address         RawAddress
	ShippingAddress *RawAddress
	ShippingName    string
	PreviewImageURL string
}

// OrderNormalizer converts loosely typed caller input into the canonical provider order.
type OrderNormalizer struct {
	now       func() time.Time
	newSuffix func() string
	sanitizer *bluemonday.Policy
	colors    map[string]domain.Color
	materials map[string]domain.Material
}

// NewOrderNormalizer builds a normaliser. Nil clock or suffix generators fall back to wall time and ULID entropy.
func NewOrderNormalizer(clock func() time.Time, suffix func() string) *OrderNormalizer {
	if clock == nil {
		clock = time.Now
	}
	if suffix == nil {
		suffix = randomSuffix
	}
	colors := make(map[string]domain.Color)
	for _, color := range domain.Colors() {
		colors[strings.ToLower(string(color))] = color
	}
	materials := make(map[string]domain.Material)
	for _, material := range domain.Materials() {
		materials[strings.ToUpper(string(material))] = material
	}
	return &OrderNormalizer{
		now:       clock,
		newSuffix: suffix,
		sanitizer: bluemonday.StrictPolicy(),
		colors:    colors,
		materials: materials,
	}
}

// Normalize builds the canonical order for intent. It never fails: unknown values become defaults.
func (n *OrderNormalizer) Normalize(options RawPrintOptions, customer RawCustomer, assetURL string, intent domain.Intent) domain.CanonicalOrder {
	opts := n.NormalizeOptions(options)
	record := n.NormalizeCustomer(customer)
	filename := filenameFromURL(assetURL)
	millis := n.now().UnixMilli()

	order := domain.CanonicalOrder{
		Email:       record.Email,
		Phone:       record.Phone,
		Name:        record.Name,
		OrderNumber: n.identifier(intent.OrderNumberPrefix(), millis),
		Filename:    filename,
		FileURL:     strings.TrimSpace(assetURL),

		BillToStreet1:     record.Billing.Street1,
		BillToStreet2:     record.Billing.Street2,
		BillToCity:        record.Billing.City,
		BillToState:       record.Billing.State,
		BillToZip:         record.Billing.Zip,
		BillToCountryISO:  record.Billing.Country,
		BillToResidential: record.Billing.Residential,

		ShipToName:        chooseFirstNonEmpty(n.clean(customer.ShippingName), record.Name),
		ShipToStreet1:     record.Shipping.Street1,
		ShipToStreet2:     record.Shipping.Street2,
		ShipToCity:        record.Shipping.City,
		ShipToState:       record.Shipping.State,
		ShipToZip:         record.Shipping.Zip,
		ShipToCountryISO:  record.Shipping.Country,
		ShipToResidential: record.Shipping.Residential,

		ItemName:  filename,
		Quantity:  opts.Quantity,
		ImageURL:  record.PreviewImageURL,
		SKU:       n.identifier(skuPrefix, millis),
		ItemColor: opts.Color,
		Profile:   opts.Material,
	}
	return order
}

// NormalizeOptions validates color, material and quantity against the provider enums.
func (n *OrderNormalizer) NormalizeOptions(options RawPrintOptions) domain.PrintOptions {
	result := domain.PrintOptions{
		Color:    domain.DefaultColor,
		Material: domain.DefaultMaterial,
		Quantity: normalizeQuantity(options.Quantity),
	}
	if value, ok := foldedString(options.Color); ok {
		if color, found := n.colors[strings.ToLower(value)]; found {
			result.Color = color
		}
	}
	if value, ok := foldedString(options.Material); ok {
		if material, found := n.materials[strings.ToUpper(value)]; found {
			result.Material = material
		}
	}
	return result
}

// NormalizeCustomer strips markup and applies placeholder defaults. Shipping mirrors billing unless a
// distinct shipping street is supplied.
func (n *OrderNormalizer) NormalizeCustomer(customer RawCustomer) domain.CustomerRecord {
	billing := n.address(customer.Address, nil)
	shipping := billing
	if customer.ShippingAddress != nil && n.clean(customer.ShippingAddress.Street) != "" {
		shipping = n.address(*customer.ShippingAddress, &billing)
	}
	return domain.CustomerRecord{
		Name:            defaultString(n.clean(customer.Name), placeholderName),
		Email:           defaultString(strings.ToLower(n.clean(customer.Email)), placeholderEmail),
		Phone:           defaultString(n.clean(customer.Phone), placeholderPhone),
		Billing:         billing,
		Shipping:        shipping,
		PreviewImageURL: n.clean(customer.PreviewImageURL),
	}
}

func (n *OrderNormalizer) address(raw RawAddress, fallback *domain.Address) domain.Address {
	defaults := domain.Address{
		Street1: placeholderStreet,
		City:    placeholderCity,
		State:   placeholderState,
		Zip:     placeholderZip,
		Country: placeholderCountry,
	}
	if fallback != nil {
		defaults = *fallback
	}
	addr := domain.Address{
		Street1: defaultString(n.clean(raw.Street), defaults.Street1),
		Street2: n.clean(raw.Street2),
		City:    defaultString(n.clean(raw.City), defaults.City),
		State:   defaultString(n.clean(raw.State), defaults.State),
		Zip:     defaultString(n.clean(raw.Zip), defaults.Zip),
		Country: defaultString(strings.ToUpper(n.clean(raw.Country)), defaults.Country),
	}
	if raw.Residential != nil {
		addr.Residential = *raw.Residential
	} else {
		addr.Residential = defaults.Residential
	}
	return addr
}

// clean removes markup and control characters and folds compatibility forms. Entities produced by
// the sanitiser are decoded again since the provider receives plain text.
func (n *OrderNormalizer) clean(value string) string {
	value = strings.TrimSpace(norm.NFKC.String(value))
	if value == "" {
		return ""
	}
	value = strings.TrimSpace(html.UnescapeString(n.sanitizer.Sanitize(value)))
	value = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, value)
	if utf8.RuneCountInString(value) > maxCustomerFieldLen {
		value = string([]rune(value)[:maxCustomerFieldLen])
	}
	return strings.TrimSpace(value)
}

func (n *OrderNormalizer) identifier(prefix string, millis int64) string {
	return fmt.Sprintf("%s_%d_%s", prefix, millis, n.newSuffix())
}

func randomSuffix() string {
	id := ulid.Make().String()
	return strings.ToLower(id[len(id)-orderSuffixLength:])
}

func foldedString(value any) (string, bool) {
	s, ok := value.(string)
	if !ok {
		return "", false
	}
	s = strings.TrimSpace(norm.NFKC.String(s))
	return s, s != ""
}

// normalizeQuantity accepts JSON numbers and numeric strings; anything else, or a value below 1, becomes 1.
func normalizeQuantity(value any) uint {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 1
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(norm.NFKC.String(v)), 64)
		if err != nil {
			return 1
		}
		f = parsed
	default:
		return 1
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 1
	}
	f = math.Trunc(f)
	if f < 1 {
		return 1
	}
	if f > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint(f)
}

// filenameFromURL returns the decoded last path segment of rawURL, or the default model filename.
func filenameFromURL(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return defaultModelFilename
	}
	segment := path.Base(parsed.EscapedPath())
	if segment == "." || segment == "/" || segment == "" {
		return defaultModelFilename
	}
	if decoded, err := url.PathUnescape(segment); err == nil {
		segment = decoded
	}
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return defaultModelFilename
	}
	return segment
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
