// Package placeholder builds the inert pause-container Deployments that
// occupy scheduler-visible capacity on behalf of a reservation occurrence.
package placeholder

import (
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/ptr"

	"github.com/renkulab/capacity-agent/internal/models"
)

const (
	// AppLabelKey / AppLabelValue select every Deployment managed by this
	// agent; orphan cleanup lists by them.
	AppLabelKey   = "app"
	AppLabelValue = "capacity-placeholder"

	// ReservationIDLabel and OccurrenceIDLabel tie a Deployment back to its
	// database records.
	ReservationIDLabel = "renku.io/reservation-id"
	OccurrenceIDLabel  = "renku.io/occurrence-id"

	namePrefix = "capacity-reservation-"

	// pauseImage is a no-op container; the Deployment exists purely to hold
	// node capacity under the reservation's priority class.
	pauseImage = "registry.k8s.io/pause:3.9"
)

// DeploymentName returns the deterministic Deployment name for an
// occurrence id. Occurrence ids are ULIDs stored uppercase; Kubernetes
// names must be lowercase.
func DeploymentName(occurrenceID string) string {
	return namePrefix + strings.ToLower(occurrenceID)
}

// BuildDeployment constructs the placeholder Deployment manifest for one
// occurrence of a reservation. The replica count is the configured
// placeholder count; the monitor task rescales it afterwards. Requests are
// set without limits so placeholders reserve exactly what a real session
// would ask for. Resource requests are stored as free-form strings; a
// reservation whose requests do not parse as Kubernetes quantities yields
// an error rather than a manifest.
func BuildDeployment(reservation models.CapacityReservation, occurrence models.Occurrence) (*appsv1.Deployment, error) {
	cpu, err := resource.ParseQuantity(reservation.Provisioning.CPURequest)
	if err != nil {
		return nil, fmt.Errorf("invalid cpu request %q on reservation %s: %w",
			reservation.Provisioning.CPURequest, reservation.ID, err)
	}
	memory, err := resource.ParseQuantity(reservation.Provisioning.MemoryRequest)
	if err != nil {
		return nil, fmt.Errorf("invalid memory request %q on reservation %s: %w",
			reservation.Provisioning.MemoryRequest, reservation.ID, err)
	}

	labels := map[string]string{
		AppLabelKey:        AppLabelValue,
		ReservationIDLabel: reservation.ID,
		OccurrenceIDLabel:  occurrence.ID,
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:   DeploymentName(occurrence.ID),
			Labels: labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(reservation.Provisioning.PlaceholderCount)),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{
					OccurrenceIDLabel: occurrence.ID,
				},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					PriorityClassName: reservation.Provisioning.PriorityClassName,
					Containers: []corev1.Container{
						{
							Name:  "placeholder",
							Image: pauseImage,
							Resources: corev1.ResourceRequirements{
								Requests: corev1.ResourceList{
									corev1.ResourceCPU:    cpu,
									corev1.ResourceMemory: memory,
								},
							},
						},
					},
				},
			},
		},
	}, nil
}
