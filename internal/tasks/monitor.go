package tasks

import (
	"context"
	"fmt"
	"time"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/renkulab/capacity-agent/internal/cluster"
	"github.com/renkulab/capacity-agent/internal/matching"
	"github.com/renkulab/capacity-agent/internal/metrics"
	"github.com/renkulab/capacity-agent/internal/models"
	"github.com/renkulab/capacity-agent/internal/observer"
	"github.com/renkulab/capacity-agent/internal/scaling"
	"github.com/renkulab/capacity-agent/internal/store"
)

// MonitorTask expires ACTIVE occurrences whose window has ended and rescales
// the placeholder Deployments of those still inside their window based on
// how many live sessions already consume their capacity.
type MonitorTask struct {
	Store    store.Adapter
	Cluster  *cluster.Connection
	Observer *observer.Observer
	Matcher  *matching.Matcher

	// Now is the clock used to partition occurrences; tests override it.
	Now func() time.Time
}

// Name identifies the task in logs and metrics.
func (t *MonitorTask) Name() string { return "occurrence-monitor" }

// Run performs one monitoring pass. Expiry always precedes rescaling:
// Deployments of ended occurrences are removed before any still-active
// occurrence is resized, so a pass never scales capacity it is about to
// release.
func (t *MonitorTask) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName(t.Name())
	now := t.now()

	occurrences, err := t.Store.OccurrencesByState(ctx, models.StateActive)
	if err != nil {
		return fmt.Errorf("failed to fetch active occurrences: %w", err)
	}
	if len(occurrences) == 0 {
		return nil
	}

	var expired, active []models.Occurrence
	for _, occurrence := range occurrences {
		if occurrence.EndsAt.Before(now) {
			expired = append(expired, occurrence)
		} else {
			active = append(active, occurrence)
		}
	}

	for _, occurrence := range expired {
		if err := t.deactivate(ctx, occurrence); err != nil {
			return err
		}
	}

	if len(active) == 0 {
		return nil
	}

	// One snapshot per pass: every occurrence below sees the same session
	// set, so a session can never be counted against two occurrences.
	sessions, err := t.Observer.Snapshot(ctx, t.Cluster)
	if err != nil {
		return err
	}

	pairs, err := t.pairWithReservations(ctx, active)
	if err != nil {
		return err
	}

	templateByProject, err := t.resolveTemplates(ctx, sessions, pairs)
	if err != nil {
		return err
	}

	counts := t.Matcher.Match(ctx, sessions, pairs, templateByProject)

	matchedTotal := 0
	for _, n := range counts {
		matchedTotal += n
	}
	metrics.MatchedSessions.Set(float64(matchedTotal))

	for _, pair := range pairs {
		occurrence := pair.Occurrence
		if occurrence.DeploymentName == "" {
			logger.Info("Active occurrence has no deployment name, skipping rescale",
				"occurrenceID", occurrence.ID)
			continue
		}

		target := scaling.Target(pair.Reservation, occurrence, counts[occurrence.ID], now)
		if err := t.Cluster.ScaleDeployment(ctx, occurrence.DeploymentName, target); err != nil {
			return err
		}

		logger.V(1).Info("Rescaled placeholder deployment",
			"occurrenceID", occurrence.ID,
			"deployment", occurrence.DeploymentName,
			"matchedSessions", counts[occurrence.ID],
			"targetReplicas", target)
	}

	return nil
}

// deactivate removes the occurrence's placeholder Deployment and marks it
// COMPLETED. An occurrence without a deployment name is still completed;
// orphan cleanup covers any Deployment left behind.
func (t *MonitorTask) deactivate(ctx context.Context, occurrence models.Occurrence) error {
	logger := log.FromContext(ctx).WithName(t.Name())

	if occurrence.DeploymentName == "" {
		logger.Info("Expired occurrence has no deployment name, nothing to delete",
			"occurrenceID", occurrence.ID)
	} else if err := t.Cluster.DeleteDeployment(ctx, occurrence.DeploymentName); err != nil {
		return err
	}

	state := models.StateCompleted
	if err := t.Store.UpdateOccurrence(ctx, occurrence.ID, models.OccurrencePatch{State: &state}); err != nil {
		return fmt.Errorf("failed to complete occurrence %s: %w", occurrence.ID, err)
	}

	logger.Info("Completed expired occurrence",
		"occurrenceID", occurrence.ID,
		"deployment", occurrence.DeploymentName)
	return nil
}

// pairWithReservations resolves each active occurrence's reservation in one
// batch. Occurrences whose reservation is gone are logged and excluded from
// matching and rescaling; they stay ACTIVE and are retried next pass.
func (t *MonitorTask) pairWithReservations(ctx context.Context, active []models.Occurrence) ([]matching.Pair, error) {
	logger := log.FromContext(ctx).WithName(t.Name())

	ids := make([]string, 0, len(active))
	seen := make(map[string]struct{}, len(active))
	for _, occurrence := range active {
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

	pairs := make([]matching.Pair, 0, len(active))
	for _, occurrence := range active {
		reservation, ok := byID[occurrence.ReservationID]
		if !ok {
			logger.Error(nil, "Reservation for active occurrence not found, excluding from rescale",
				"occurrenceID", occurrence.ID,
				"reservationID", occurrence.ReservationID)
			continue
		}
		pairs = append(pairs, matching.Pair{Occurrence: occurrence, Reservation: reservation})
	}
	return pairs, nil
}

// resolveTemplates batch-resolves session project ids to template ids. The
// lookup is skipped entirely when no reservation in this pass matches by
// project template.
func (t *MonitorTask) resolveTemplates(ctx context.Context, sessions []models.SessionObservation, pairs []matching.Pair) (map[string]*string, error) {
	needed := false
	for _, pair := range pairs {
		if pair.Reservation.Matching.ProjectTemplateID != nil {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}

	ids := make([]string, 0, len(sessions))
	seen := make(map[string]struct{}, len(sessions))
	for _, session := range sessions {
		if session.ProjectID == "" {
			continue
		}
		if _, ok := seen[session.ProjectID]; ok {
			continue
		}
		seen[session.ProjectID] = struct{}{}
		ids = append(ids, session.ProjectID)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	templateByProject, err := t.Store.ProjectTemplateIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve project templates: %w", err)
	}
	return templateByProject, nil
}

func (t *MonitorTask) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}
