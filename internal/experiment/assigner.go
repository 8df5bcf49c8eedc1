// Package experiment implements deterministic A/B variant assignment.
// Assignment is a pure function of (experiment id, session id): the same
// session always lands in the same bucket with no assignment storage.
package experiment

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/avaplatform/ava/internal/domain"
)

// buckets is the resolution of both the enrollment and variant draws.
const buckets = 10000

// Assign determines whether the session is enrolled and, if so, which variant
// it gets. Enrollment and variant selection use independent slices of one
// SHA-256 digest so changing traffic percent does not reshuffle variants.
func Assign(exp *domain.Experiment, sessionID string) domain.Assignment {
	if exp.Status != domain.ExperimentRunning || len(exp.Variants) == 0 {
		return domain.Assignment{}
	}

	sum := sha256.Sum256([]byte(exp.ID + ":" + sessionID))

	enrollDraw := binary.BigEndian.Uint32(sum[0:4]) % buckets
	if enrollDraw >= uint32(exp.TrafficPercent*100) {
		return domain.Assignment{}
	}

	variantDraw := binary.BigEndian.Uint32(sum[4:8]) % buckets
	cumulative := 0.0
	for _, v := range exp.Variants {
		cumulative += v.Weight
		if float64(variantDraw) < cumulative*buckets {
			return domain.Assignment{Enrolled: true, VariantID: v.ID}
		}
	}
	// Weights not quite summing to 1.0 leave a sliver; it goes to the last arm.
	last := exp.Variants[len(exp.Variants)-1]
	return domain.Assignment{Enrolled: true, VariantID: last.ID}
}

// VariantByID returns the experiment's variant with the given id, or nil.
func VariantByID(exp *domain.Experiment, id string) *domain.Variant {
	for i := range exp.Variants {
		if exp.Variants[i].ID == id {
			return &exp.Variants[i]
		}
	}
	return nil
}
