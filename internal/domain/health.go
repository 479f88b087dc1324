package domain

import "time"

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but the proxy still serves traffic.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the proxy or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
	Fulfillment FulfillmentReadiness
}

// Dependency check names reported by readiness.
const (
	HealthCheckPrintProvider  = "printProvider"
	HealthCheckProviderAPIKey = "providerApiKey"
	HealthCheckSecretManager  = "secretManager"
	HealthCheckFirestore      = "firestore"
	HealthCheckOrderEvents    = "orderEvents"
)

// PricingMode tells callers whether estimates currently come from the provider.
type PricingMode string

const (
	PricingModeLive     PricingMode = "live"
	PricingModeFallback PricingMode = "fallback"
)

// FulfillmentReadiness summarises what the proxy can serve given the latest dependency checks.
type FulfillmentReadiness struct {
	AcceptingOrders bool
	PricingMode     PricingMode
	SubmissionStore string
	OrderEvents     bool
	SizeLimitBytes  uint64
}
