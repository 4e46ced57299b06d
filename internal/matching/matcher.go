// Package matching attributes observed live sessions to active reservation
// occurrences. There is no authoritative link between a session and the
// reservation whose capacity it consumes, so attribution is a staged
// heuristic: project template identity first, then priority class, then
// resource shape within the reservation window. Each stage only claims a
// session when the evidence is unambiguous; a session is counted at most
// once and sessions nothing claims are dropped for the pass.
package matching

import (
	"context"
	"math/rand"

	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/renkulab/capacity-agent/internal/models"
)

// Pair is one active occurrence together with its owning reservation.
type Pair struct {
	Occurrence  models.Occurrence
	Reservation models.CapacityReservation
}

// Matcher assigns sessions to occurrence pairs. The random source breaks
// stage-3 ties; tests inject a fixed seed, production uses a time seed.
type Matcher struct {
	rng *rand.Rand
}

// New creates a Matcher using the given random source for tie-breaking.
func New(src rand.Source) *Matcher {
	return &Matcher{rng: rand.New(src)}
}

// Match returns the number of sessions attributed to each occurrence id.
// Every occurrence present in pairs has an entry, zero when nothing
// matched. templateByProject maps project ids to template ids (nil value:
// project has no template) and may be empty when no reservation matches by
// template.
func (m *Matcher) Match(
	ctx context.Context,
	sessions []models.SessionObservation,
	pairs []Pair,
	templateByProject map[string]*string,
) map[string]int {
	logger := log.FromContext(ctx).WithName("session-matcher")

	counts := make(map[string]int, len(pairs))
	for _, p := range pairs {
		counts[p.Occurrence.ID] = 0
	}

	remaining := make([]models.SessionObservation, len(sessions))
	copy(remaining, sessions)

	// Stage 1: project template identity.
	remaining = m.matchStage(remaining, counts, func(s models.SessionObservation) []string {
		if s.ProjectID == "" {
			return nil
		}
		templateID, ok := templateByProject[s.ProjectID]
		if !ok || templateID == nil {
			return nil
		}
		var candidates []string
		for _, p := range pairs {
			if p.Reservation.Matching.ProjectTemplateID != nil &&
				*p.Reservation.Matching.ProjectTemplateID == *templateID {
				candidates = append(candidates, p.Occurrence.ID)
			}
		}
		return candidates
	}, nil)

	// Stage 2: priority class.
	remaining = m.matchStage(remaining, counts, func(s models.SessionObservation) []string {
		if s.PriorityClassName == "" {
			return nil
		}
		var candidates []string
		for _, p := range pairs {
			if p.Reservation.Provisioning.PriorityClassName == s.PriorityClassName {
				candidates = append(candidates, p.Occurrence.ID)
			}
		}
		return candidates
	}, nil)

	// Stage 3: resource shape inside the reservation window. The only stage
	// allowed to break ties: picking any shape-compatible occurrence keeps
	// the pass making progress, and a warning records the ambiguity.
	m.matchStage(remaining, counts, func(s models.SessionObservation) []string {
		if s.CPURequest == "" || s.MemoryRequest == "" {
			return nil
		}
		var candidates []string
		for _, p := range pairs {
			if p.Reservation.Provisioning.CPURequest == s.CPURequest &&
				p.Reservation.Provisioning.MemoryRequest == s.MemoryRequest &&
				!s.CreatedAt.Before(p.Occurrence.StartsAt) {
				candidates = append(candidates, p.Occurrence.ID)
			}
		}
		return candidates
	}, func(s models.SessionObservation, candidates []string) string {
		chosen := candidates[m.rng.Intn(len(candidates))]
		logger.Info("Ambiguous session matched to randomly chosen occurrence",
			"candidates", len(candidates),
			"occurrenceID", chosen,
			"cpu", s.CPURequest,
			"memory", s.MemoryRequest)
		return chosen
	})

	return counts
}

// matchStage runs one stage over the unmatched pool and returns the
// sessions still unmatched afterwards. candidatesFor lists the occurrence
// ids a session could belong to under the stage's criterion; a session is
// claimed when exactly one candidate exists, or when tieBreak is non-nil
// and more than one exists.
func (m *Matcher) matchStage(
	sessions []models.SessionObservation,
	counts map[string]int,
	candidatesFor func(models.SessionObservation) []string,
	tieBreak func(models.SessionObservation, []string) string,
) []models.SessionObservation {
	var unmatched []models.SessionObservation
	for _, s := range sessions {
		candidates := candidatesFor(s)
		switch {
		case len(candidates) == 1:
			counts[candidates[0]]++
		case len(candidates) > 1 && tieBreak != nil:
			counts[tieBreak(s, candidates)]++
		default:
			unmatched = append(unmatched, s)
		}
	}
	return unmatched
}
