package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/cudliy/fulfillment/internal/domain"
	"github.com/cudliy/fulfillment/internal/repositories"
)

// Submission stores reported in readiness.
const (
	SubmissionStoreMemory    = "memory"
	SubmissionStoreFirestore = "firestore"
)

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// FulfillmentProfile describes how this instance serves orders. It is static for the process lifetime.
type FulfillmentProfile struct {
	SubmissionStore string
	OrderEvents     bool
	SizeLimitBytes  uint64
}

// SystemServiceDeps bundles collaborators required to construct a system service.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	Profile          FulfillmentProfile
}

type systemService struct {
	checks  repositories.HealthRepository
	now     func() time.Time
	build   BuildInfo
	profile FulfillmentProfile
}

var _ SystemService = (*systemService)(nil)

// NewSystemService assembles the readiness reporter.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	build := deps.Build
	if build.StartedAt.IsZero() {
		build.StartedAt = now().UTC()
	}

	profile := deps.Profile
	if profile.SizeLimitBytes == 0 {
		profile.SizeLimitBytes = DefaultSizeLimitBytes
	}
	switch store := strings.ToLower(strings.TrimSpace(profile.SubmissionStore)); store {
	case SubmissionStoreFirestore:
		profile.SubmissionStore = store
	default:
		profile.SubmissionStore = SubmissionStoreMemory
	}

	return &systemService{
		checks:  deps.HealthRepository,
		now:     now,
		build:   build,
		profile: profile,
	}, nil
}

// HealthReport runs the dependency checks and derives which fulfillment paths are live.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	if ctx == nil {
		return SystemHealthReport{}, errors.New("system service: context is required")
	}

	report, err := s.checks.Collect(ctx)
	if err != nil {
		return SystemHealthReport{}, fmt.Errorf("system service: collect dependency checks: %w", err)
	}

	now := s.now().UTC()
	if report.GeneratedAt.IsZero() {
		report.GeneratedAt = now
	} else {
		report.GeneratedAt = report.GeneratedAt.UTC()
	}
	report.Version = s.build.Version
	report.CommitSHA = s.build.CommitSHA
	report.Environment = s.build.Environment
	report.Uptime = now.Sub(s.build.StartedAt)

	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	if report.Status == "" {
		report.Status = deriveStatus(report.Checks)
	}
	report.Fulfillment = s.readiness(report.Checks)
	return report, nil
}

// readiness treats an absent check as failing: a proxy without a provider client cannot take orders.
func (s *systemService) readiness(checks map[string]domain.SystemHealthCheck) domain.FulfillmentReadiness {
	providerUp := passing(checks, domain.HealthCheckPrintProvider)
	keyPresent := passing(checks, domain.HealthCheckProviderAPIKey)

	mode := domain.PricingModeLive
	if !providerUp || !keyPresent {
		mode = domain.PricingModeFallback
	}
	return domain.FulfillmentReadiness{
		AcceptingOrders: providerUp && keyPresent,
		PricingMode:     mode,
		SubmissionStore: s.profile.SubmissionStore,
		OrderEvents:     s.profile.OrderEvents && passing(checks, domain.HealthCheckOrderEvents),
		SizeLimitBytes:  s.profile.SizeLimitBytes,
	}
}

func passing(checks map[string]domain.SystemHealthCheck, name string) bool {
	check, ok := checks[name]
	return ok && check.Status == domain.HealthStatusOK
}

func deriveStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusOK, "":
		case domain.HealthStatusError:
			return domain.HealthStatusError
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}
