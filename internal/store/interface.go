package store

import (
	"context"

	"github.com/renkulab/capacity-agent/internal/models"
)

// Adapter abstracts the platform's reservation data service. The default
// implementation speaks JSON over HTTPS (see httpstore); tests use
// in-memory fakes.
type Adapter interface {
	// OccurrencesDueForActivation returns PENDING occurrences whose window
	// has started. Occurrences already activated no longer appear here.
	OccurrencesDueForActivation(ctx context.Context) ([]models.Occurrence, error)

	// OccurrencesByState returns all occurrences currently in the given state.
	OccurrencesByState(ctx context.Context, state models.OccurrenceState) ([]models.Occurrence, error)

	// UpdateOccurrence applies a partial update to one occurrence.
	UpdateOccurrence(ctx context.Context, id string, patch models.OccurrencePatch) error

	// ProjectTemplateIDs resolves project ids to their template ids; a nil
	// value means the project exists but was not created from a template.
	ProjectTemplateIDs(ctx context.Context, projectIDs []string) (map[string]*string, error)

	// ExistingOccurrenceIDs returns the subset of ids that still exist.
	ExistingOccurrenceIDs(ctx context.Context, ids []string) (map[string]struct{}, error)

	// ReservationsByIDs resolves reservation templates by id. Missing ids
	// are silently absent from the result, not an error.
	ReservationsByIDs(ctx context.Context, ids []string) ([]models.CapacityReservation, error)
}
