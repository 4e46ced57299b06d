// Package tasks contains the three reconciliation passes driving the
// capacity reservation lifecycle: activation of due occurrences, monitoring
// of active ones, and cleanup of orphaned placeholder Deployments. Each
// task is a discrete unit of work invoked by the recurring runner;
// occurrences are processed sequentially within one invocation.
package tasks

import (
	"context"
	"fmt"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/renkulab/capacity-agent/internal/cluster"
	"github.com/renkulab/capacity-agent/internal/models"
	"github.com/renkulab/capacity-agent/internal/placeholder"
	"github.com/renkulab/capacity-agent/internal/store"
)

// ActivationTask promotes due PENDING occurrences to ACTIVE by creating
// their placeholder Deployment and recording its name.
type ActivationTask struct {
	Store            store.Adapter
	Clusters         *cluster.Registry
	DefaultClusterID string
}

// Name identifies the task in logs and metrics.
func (t *ActivationTask) Name() string { return "occurrence-activation" }

// Run activates every occurrence currently due. A missing reservation or
// one with unparseable resource requests is logged and the occurrence
// skipped; a cluster or store failure aborts the remaining occurrences —
// they stay PENDING and reappear in the due set on the next invocation.
func (t *ActivationTask) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName(t.Name())

	occurrences, err := t.Store.OccurrencesDueForActivation(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch due occurrences: %w", err)
	}
	if len(occurrences) == 0 {
		return nil
	}

	reservations, err := t.resolveReservations(ctx, occurrences)
	if err != nil {
		return err
	}

	for _, occurrence := range occurrences {
		reservation, ok := reservations[occurrence.ReservationID]
		if !ok {
			logger.Error(nil, "Reservation for due occurrence not found, skipping",
				"occurrenceID", occurrence.ID,
				"reservationID", occurrence.ReservationID)
			continue
		}

		conn, err := t.connectionFor(reservation)
		if err != nil {
			logger.Error(err, "Cannot resolve target cluster, skipping occurrence",
				"occurrenceID", occurrence.ID,
				"clusterID", reservation.ClusterID)
			continue
		}

		deployment, err := placeholder.BuildDeployment(reservation, occurrence)
		if err != nil {
			logger.Error(err, "Reservation has invalid resource requests, skipping occurrence",
				"occurrenceID", occurrence.ID,
				"reservationID", reservation.ID)
			continue
		}
		if err := conn.CreateDeployment(ctx, deployment); err != nil {
			return err
		}

		state := models.StateActive
		name := deployment.Name
		if err := t.Store.UpdateOccurrence(ctx, occurrence.ID, models.OccurrencePatch{
			State:          &state,
			DeploymentName: &name,
		}); err != nil {
			return fmt.Errorf("failed to activate occurrence %s: %w", occurrence.ID, err)
		}

		logger.Info("Activated occurrence",
			"occurrenceID", occurrence.ID,
			"deployment", deployment.Name,
			"replicas", reservation.Provisioning.PlaceholderCount)
	}

	return nil
}

// resolveReservations batch-fetches the reservations owning the given
// occurrences, keyed by id.
func (t *ActivationTask) resolveReservations(ctx context.Context, occurrences []models.Occurrence) (map[string]models.CapacityReservation, error) {
	ids := make([]string, 0, len(occurrences))
	seen := make(map[string]struct{}, len(occurrences))
	for _, occurrence := range occurrences {
		if _, ok := seen[occurrence.ReservationID]; ok {
			continue
		}
		seen[occurrence.ReservationID] = struct{}{}
		ids = append(ids, occurrence.ReservationID)
	}

	reservations, err := t.Store.ReservationsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch reservations: %w", err)
	}

	byID := make(map[string]models.CapacityReservation, len(reservations))
	for _, reservation := range reservations {
		byID[reservation.ID] = reservation
	}
	return byID, nil
}

func (t *ActivationTask) connectionFor(reservation models.CapacityReservation) (*cluster.Connection, error) {
	clusterID := reservation.ClusterID
	if clusterID == "" {
		clusterID = t.DefaultClusterID
	}
	return t.Clusters.ByID(clusterID)
}
