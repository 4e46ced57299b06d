package tasks

import (
	"context"
	"fmt"

	appsv1 "k8s.io/api/apps/v1"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/renkulab/capacity-agent/internal/cluster"
	"github.com/renkulab/capacity-agent/internal/placeholder"
	"github.com/renkulab/capacity-agent/internal/store"
)

// deploymentGVK identifies apps/v1 Deployments for the generic lister.
var deploymentGVK = appsv1.SchemeGroupVersion.WithKind("Deployment")

// OrphanCleanupTask deletes placeholder Deployments whose backing occurrence
// no longer exists in the database. It repairs divergence caused by crashes
// between completing an occurrence and deleting its Deployment, or by
// manual interference, independently of the other two tasks.
type OrphanCleanupTask struct {
	Store   store.Adapter
	Cluster *cluster.Connection
}

// Name identifies the task in logs and metrics.
func (t *OrphanCleanupTask) Name() string { return "orphan-cleanup" }

// Run lists every Deployment carrying the placeholder app label, checks the
// referenced occurrence ids against the database in one batch, and deletes
// the Deployments whose occurrence is gone. Deployments without an
// occurrence-id label are not managed by this agent and left alone.
func (t *OrphanCleanupTask) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName(t.Name())

	selector := map[string]string{placeholder.AppLabelKey: placeholder.AppLabelValue}

	occurrenceIDByName := make(map[string]string)
	for obj, err := range t.Cluster.List(ctx, deploymentGVK, selector) {
		if err != nil {
			return err
		}
		occurrenceID, ok := obj.GetLabels()[placeholder.OccurrenceIDLabel]
		if !ok {
			continue
		}
		occurrenceIDByName[obj.GetName()] = occurrenceID
	}
	if len(occurrenceIDByName) == 0 {
		return nil
	}

	ids := make([]string, 0, len(occurrenceIDByName))
	for _, id := range occurrenceIDByName {
		ids = append(ids, id)
	}
	existing, err := t.Store.ExistingOccurrenceIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to check occurrence existence: %w", err)
	}

	for name, occurrenceID := range occurrenceIDByName {
		if _, ok := existing[occurrenceID]; ok {
			continue
		}
		if err := t.Cluster.DeleteDeployment(ctx, name); err != nil {
			return err
		}
		logger.Info("Deleted orphaned placeholder deployment",
			"deployment", name,
			"occurrenceID", occurrenceID)
	}

	return nil
}
