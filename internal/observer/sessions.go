// Package observer reduces live session workload objects to the small set
// of fields the matching heuristic inspects. Observations are derived once
// per monitoring pass and shared across every occurrence in that pass.
package observer

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/renkulab/capacity-agent/internal/cluster"
	"github.com/renkulab/capacity-agent/internal/models"
)

// DefaultSessionGVK is the session custom resource served by the platform's
// session operator.
var DefaultSessionGVK = schema.GroupVersionKind{
	Group:   "amalthea.dev",
	Version: "v1alpha1",
	Kind:    "AmaltheaSession",
}

// DefaultProjectAnnotation carries the id of the project a session was
// launched from.
const DefaultProjectAnnotation = "renku.io/project-id"

// Observer lists session objects on a cluster and extracts observations.
type Observer struct {
	SessionGVK        schema.GroupVersionKind
	ProjectAnnotation string
}

// New returns an Observer for the default session kind and annotation.
func New() *Observer {
	return &Observer{
		SessionGVK:        DefaultSessionGVK,
		ProjectAnnotation: DefaultProjectAnnotation,
	}
}

// Snapshot lists all live sessions in the connection's namespace and
// converts each to a SessionObservation. Objects missing fields still yield
// an observation with those fields empty; the matcher's stages skip them.
func (o *Observer) Snapshot(ctx context.Context, conn *cluster.Connection) ([]models.SessionObservation, error) {
	var observations []models.SessionObservation
	for obj, err := range conn.List(ctx, o.SessionGVK, nil) {
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot sessions: %w", err)
		}
		observations = append(observations, o.observe(obj))
	}
	return observations, nil
}

func (o *Observer) observe(obj *unstructured.Unstructured) models.SessionObservation {
	observation := models.SessionObservation{
		ProjectID: obj.GetAnnotations()[o.ProjectAnnotation],
		CreatedAt: obj.GetCreationTimestamp().Time,
	}

	if priorityClass, ok, _ := unstructured.NestedString(obj.Object, "spec", "priorityClassName"); ok {
		observation.PriorityClassName = priorityClass
	}
	if cpu, ok, _ := unstructured.NestedString(obj.Object, "spec", "session", "resources", "requests", "cpu"); ok {
		observation.CPURequest = cpu
	}
	if memory, ok, _ := unstructured.NestedString(obj.Object, "spec", "session", "resources", "requests", "memory"); ok {
		observation.MemoryRequest = memory
	}

	return observation
}
