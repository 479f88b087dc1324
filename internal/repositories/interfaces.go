package repositories

import (
	"context"

	domain "github.com/cudliy/fulfillment/internal/domain"
)

// HealthRepository exposes status of downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
