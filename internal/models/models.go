// Package models holds the typed domain model shared by the capacity
// reservation tasks: reservation templates, their time-windowed
// occurrences, and the ephemeral session observations derived from live
// workloads during monitoring.
package models

import "time"

// OccurrenceState is the lifecycle state of a reservation occurrence.
type OccurrenceState string

const (
	// StatePending means the occurrence window has not been activated yet.
	StatePending OccurrenceState = "PENDING"

	// StateActive means a placeholder Deployment exists for the occurrence.
	StateActive OccurrenceState = "ACTIVE"

	// StateCompleted means the occurrence window has ended and its
	// placeholder Deployment has been removed.
	StateCompleted OccurrenceState = "COMPLETED"
)

// ReservationProvisioning describes how much placeholder capacity an
// occurrence reserves and under which scheduling class.
type ReservationProvisioning struct {
	PlaceholderCount  int    `json:"placeholderCount"`
	PriorityClassName string `json:"priorityClassName"`

	// CPURequest and MemoryRequest are kept as strings to avoid Quantity
	// parsing on the agent side; they are passed through to the manifest.
	CPURequest    string `json:"cpuRequest"`
	MemoryRequest string `json:"memoryRequest"`
}

// ReservationMatching describes how real sessions consuming the reserved
// capacity are recognized.
type ReservationMatching struct {
	// ProjectTemplateID, when set, attributes sessions launched from the
	// given project template to this reservation.
	ProjectTemplateID *string `json:"projectTemplateId,omitempty"`
}

// CapacityReservation is the immutable template owning one or more
// occurrences. It is created and updated by the platform APIs; this agent
// only reads it.
type CapacityReservation struct {
	ID           string                  `json:"id"`
	ClusterID    string                  `json:"clusterId"`
	Provisioning ReservationProvisioning `json:"provisioning"`
	Matching     ReservationMatching     `json:"matching"`
}

// Occurrence is a single time-windowed instance of a capacity reservation.
//
// DeploymentName is set iff the occurrence is ACTIVE (transiently during
// activation); COMPLETED occurrences have no live Deployment.
type Occurrence struct {
	ID             string          `json:"id"`
	ReservationID  string          `json:"reservationId"`
	StartsAt       time.Time       `json:"startsAt"`
	EndsAt         time.Time       `json:"endsAt"`
	State          OccurrenceState `json:"state"`
	DeploymentName string          `json:"deploymentName,omitempty"`
}

// OccurrencePatch is a partial update applied to an occurrence. Nil fields
// are left untouched.
type OccurrencePatch struct {
	State          *OccurrenceState `json:"state,omitempty"`
	DeploymentName *string          `json:"deploymentName,omitempty"`
}

// SessionObservation is the per-pass snapshot of one live user session,
// reduced to the fields the matching heuristic looks at. Observations live
// only within a single monitoring pass and are never persisted.
type SessionObservation struct {
	ProjectID         string
	PriorityClassName string
	CPURequest        string
	MemoryRequest     string
	CreatedAt         time.Time
}
