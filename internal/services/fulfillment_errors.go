package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"

	domain "github.com/cudliy/fulfillment/internal/domain"
	"github.com/cudliy/fulfillment/internal/printprovider"
)

// ErrorKind enumerates the caller-facing failure categories.
type ErrorKind string

const (
	ErrorKindPayloadTooLarge      ErrorKind = "payload_too_large"
	ErrorKindUnsupportedScheme    ErrorKind = "unsupported_scheme"
	ErrorKindInvalidEnumValue     ErrorKind = "invalid_enum_value"
	ErrorKindServiceMisconfigured ErrorKind = "service_misconfigured"
	ErrorKindMalformedRequest     ErrorKind = "malformed_request"
	ErrorKindUnknownProvider      ErrorKind = "unknown_provider_error"
	ErrorKindValidation           ErrorKind = "validation_error"
)

const maxReasonLength = 300

// ClassifiedError is the single user-facing failure value produced for any failed operation.
// It is built once where the raw failure is first observed and never re-classified.
type ClassifiedError struct {
	Kind       ErrorKind
	HTTPStatus int
	Message    string
	Details    map[string]any
	Cause      error
}

func (e *ClassifiedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func (e *ClassifiedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// AsClassifiedError extracts a ClassifiedError from err's chain.
func AsClassifiedError(err error) (*ClassifiedError, bool) {
	var classified *ClassifiedError
	if errors.As(err, &classified) && classified != nil {
		return classified, true
	}
	return nil, false
}

type classificationRule struct {
	kind    ErrorKind
	status  int
	matches func(text string, err error) bool
	message func(text string, err error) string
}

// ErrorClassifier maps raw provider failures onto ErrorKinds using an ordered rule table.
// The first matching rule wins.
type ErrorClassifier struct {
	sizeLimit uint64
	rules     []classificationRule
}

// NewErrorClassifier builds the classifier; sizeLimit is quoted in payload-too-large messages.
func NewErrorClassifier(sizeLimit uint64) *ErrorClassifier {
	c := &ErrorClassifier{sizeLimit: sizeLimit}
	c.rules = []classificationRule{
		{
			kind:   ErrorKindPayloadTooLarge,
			status: http.StatusRequestEntityTooLarge,
			matches: func(text string, _ error) bool {
				return strings.Contains(text, "offset") && strings.Contains(text, "out of range")
			},
			message: func(string, error) string { return c.sizeLimitMessage() },
		},
		{
			kind:   ErrorKindUnsupportedScheme,
			status: http.StatusBadRequest,
			matches: func(text string, _ error) bool {
				return strings.Contains(text, "protocol") && strings.Contains(text, "blob:")
			},
			message: func(string, error) string { return unsupportedSchemeMessage },
		},
		{
			kind:   ErrorKindInvalidEnumValue,
			status: http.StatusBadRequest,
			matches: func(text string, _ error) bool {
				return strings.Contains(text, "order_item_color") && strings.Contains(text, "enum")
			},
			message: func(string, error) string { return invalidColorMessage() },
		},
		{
			kind:   ErrorKindServiceMisconfigured,
			status: http.StatusServiceUnavailable,
			matches: func(text string, err error) bool {
				return errors.Is(err, printprovider.ErrAPIKeyNotConfigured) ||
					(strings.Contains(text, "api key") && strings.Contains(text, "not configured"))
			},
			message: func(string, error) string {
				return "print service is not configured; please try again later"
			},
		},
		{
			kind:   ErrorKindMalformedRequest,
			status: http.StatusBadRequest,
			matches: func(text string, err error) bool {
				var statusErr *printprovider.StatusError
				if errors.As(err, &statusErr) {
					return statusErr.StatusCode == http.StatusBadRequest
				}
				var transportErr *printprovider.TransportError
				if errors.As(err, &transportErr) {
					return false
				}
				return strings.Contains(text, "400")
			},
			message: func(_ string, err error) string {
				return "print provider rejected the order as malformed: " + providerReason(err)
			},
		},
	}
	return c
}

// Classify maps err onto a ClassifiedError. Already-classified errors pass through unchanged.
func (c *ErrorClassifier) Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	if classified, ok := AsClassifiedError(err); ok {
		return classified
	}

	text := strings.ToLower(providerText(err))
	for _, rule := range c.rules {
		if !rule.matches(text, err) {
			continue
		}
		classified := &ClassifiedError{
			Kind:       rule.kind,
			HTTPStatus: rule.status,
			Message:    rule.message(text, err),
			Cause:      err,
		}
		if rule.kind == ErrorKindPayloadTooLarge {
			classified.Details = map[string]any{"limitBytes": c.sizeLimit}
		}
		return classified
	}

	return &ClassifiedError{
		Kind:       ErrorKindUnknownProvider,
		HTTPStatus: http.StatusInternalServerError,
		Message:    "print provider request failed: " + truncateReason(err.Error()),
		Cause:      err,
	}
}

// PayloadTooLarge reports a locally measured asset that exceeds the provider limit.
func (c *ErrorClassifier) PayloadTooLarge(sizeBytes uint64) *ClassifiedError {
	return &ClassifiedError{
		Kind:       ErrorKindPayloadTooLarge,
		HTTPStatus: http.StatusRequestEntityTooLarge,
		Message:    c.sizeLimitMessage(),
		Details: map[string]any{
			"limitBytes": c.sizeLimit,
			"sizeBytes":  sizeBytes,
		},
	}
}

// UnsupportedScheme reports an asset URL the provider cannot fetch.
func (c *ErrorClassifier) UnsupportedScheme(scheme string) *ClassifiedError {
	return &ClassifiedError{
		Kind:       ErrorKindUnsupportedScheme,
		HTTPStatus: http.StatusBadRequest,
		Message:    unsupportedSchemeMessage,
		Details:    map[string]any{"scheme": scheme},
	}
}

// Validation reports a local input problem detected before any network call.
func (c *ErrorClassifier) Validation(message string) *ClassifiedError {
	return &ClassifiedError{
		Kind:       ErrorKindValidation,
		HTTPStatus: http.StatusBadRequest,
		Message:    message,
	}
}

func (c *ErrorClassifier) sizeLimitMessage() string {
	return fmt.Sprintf("model file is too large for the print provider; the limit is %s bytes (%.1f MB)",
		strconv.FormatUint(c.sizeLimit, 10), float64(c.sizeLimit)/(1024*1024))
}

const unsupportedSchemeMessage = "model URL must be a publicly reachable http(s) URL; browser-local blob: URLs cannot be fetched by the print provider"

func invalidColorMessage() string {
	colors := domain.Colors()
	names := make([]string, 0, len(colors))
	for _, color := range colors {
		names = append(names, string(color))
	}
	return "unsupported filament color; choose one of: " + strings.Join(names, ", ")
}

// providerText returns the text the rules match against. Provider errors contribute only what the
// provider or the transport reported, never the request URL.
func providerText(err error) string {
	var statusErr *printprovider.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Body
	}
	var transportErr *printprovider.TransportError
	if errors.As(err, &transportErr) && transportErr.Err != nil {
		cause := transportErr.Err
		var urlErr *url.Error
		if errors.As(cause, &urlErr) && urlErr.Err != nil {
			cause = urlErr.Err
		}
		return cause.Error()
	}
	return err.Error()
}

// providerReason extracts the provider's own explanation from a rejected call.
func providerReason(err error) string {
	var statusErr *printprovider.StatusError
	if !errors.As(err, &statusErr) {
		return truncateReason(err.Error())
	}
	body := strings.TrimSpace(statusErr.Body)
	var payload struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if json.Unmarshal([]byte(body), &payload) == nil {
		for _, candidate := range []string{payload.Message, payload.Details, stringify(payload.Error)} {
			if strings.TrimSpace(candidate) != "" {
				return truncateReason(candidate)
			}
		}
	}
	if body == "" {
		return http.StatusText(statusErr.StatusCode)
	}
	return truncateReason(body)
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func truncateReason(reason string) string {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) <= maxReasonLength {
		return reason
	}
	return string([]rune(reason)[:maxReasonLength]) + "..."
}
