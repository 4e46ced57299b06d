// Package scaling computes how many placeholder replicas an active
// occurrence still needs given the real sessions already consuming it.
package scaling

import (
	"time"

	"github.com/renkulab/capacity-agent/internal/models"
)

// Target returns the replica count the occurrence's placeholder Deployment
// should be scaled to. Every matched session displaces one placeholder:
// the result is the configured placeholder count minus the matched session
// count, clamped to [0, placeholderCount]. The result depends only on the
// reservation and the matched count, so repeated passes with an unchanged
// matched count produce the same target.
//
// occurrence and now are part of the contract for ramp policies that taper
// toward the window end; the linear displacement policy ignores them.
func Target(reservation models.CapacityReservation, occurrence models.Occurrence, matched int, now time.Time) int32 {
	count := reservation.Provisioning.PlaceholderCount
	if count < 0 {
		count = 0
	}

	target := count - matched
	if target < 0 {
		target = 0
	}
	if target > count {
		target = count
	}
	return int32(target)
}
