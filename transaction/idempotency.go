package transaction

import (
	"github.com/exquy/txrecover/core"
	"github.com/exquy/txrecover/internal/mapfields"
)

// Outcome classifies an incoming request against an existing transaction
// with the same identifier.
type Outcome string

const (
	// OutcomeSame means the request is a retry of the original submission.
	OutcomeSame Outcome = "same"
	// OutcomeConflict means the request reuses the identifier for different work.
	OutcomeConflict Outcome = "conflict"
	// OutcomeNew means no comparable transaction exists. With matching ids
	// this should not occur; it is kept for defensive call sites.
	OutcomeNew Outcome = "new"
)

// numericTolerance is the absolute tolerance for comparing numeric leaves.
const numericTolerance = 1e-4

// IdempotencyResolver decides whether a resubmitted identifier carries the
// same payload (a retry) or different work (a conflict).
//
// Critical fields must match exactly, numeric leaves within tolerance.
// Ignored fields are dropped before similarity scoring. The similarity
// score divides matching non-critical top-level fields by the union of
// top-level keys on both sides, so a request that adds fields dilutes its
// own score. Nested objects count as a single field and compare wholesale.
// The formula is kept for compatibility with the behavior the callers
// depend on.
type IdempotencyResolver struct {
	criticalFields      []string
	ignoredFields       map[string]bool
	similarityThreshold int
	logger              core.Logger
}

// NewIdempotencyResolver builds a resolver from configuration.
func NewIdempotencyResolver(cfg core.IdempotencyConfig, logger core.Logger) *IdempotencyResolver {
	ignored := make(map[string]bool, len(cfg.IgnoredFields))
	for _, f := range cfg.IgnoredFields {
		ignored[f] = true
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &IdempotencyResolver{
		criticalFields:      cfg.CriticalFields,
		ignoredFields:       ignored,
		similarityThreshold: cfg.SimilarityThreshold,
		logger:              logger,
	}
}

// Classify compares the existing transaction against an incoming request
// with the same id.
func (r *IdempotencyResolver) Classify(existing *core.Transaction, originSystem string, payload core.JSONMap) Outcome {
	if existing == nil {
		return OutcomeNew
	}
	if existing.OriginSystem != originSystem {
		r.logger.Warn("Idempotency conflict on origin system", map[string]interface{}{
			"transaction_id":  existing.ID.String(),
			"existing_origin": existing.OriginSystem,
			"request_origin":  originSystem,
		})
		return OutcomeConflict
	}

	if field, ok := r.criticalMismatch(existing.Payload, payload); ok {
		r.logger.Warn("Idempotency conflict on critical field", map[string]interface{}{
			"transaction_id": existing.ID.String(),
			"field":          field,
		})
		return OutcomeConflict
	}

	score := r.similarity(existing.Payload, payload)
	if score < r.similarityThreshold {
		r.logger.Warn("Idempotency conflict on similarity", map[string]interface{}{
			"transaction_id": existing.ID.String(),
			"score":          score,
			"threshold":      r.similarityThreshold,
		})
		return OutcomeConflict
	}
	return OutcomeSame
}

// criticalMismatch reports the first critical field whose values differ.
// A field present on one side only is a mismatch; absent on both is fine.
func (r *IdempotencyResolver) criticalMismatch(existing, incoming core.JSONMap) (string, bool) {
	for _, field := range r.criticalFields {
		ev, eok := mapfields.Lookup(existing, field)
		iv, iok := mapfields.Lookup(incoming, field)
		if !eok && !iok {
			continue
		}
		if eok != iok {
			return field, true
		}
		if !mapfields.LeavesEqual(ev, iv, numericTolerance) {
			return field, true
		}
	}
	return "", false
}

// similarity scores the non-critical, non-ignored top-level fields as an
// integer percentage of matches over the union of keys. A nested object is
// one field and must match wholesale. No comparable fields counts as full
// similarity.
func (r *IdempotencyResolver) similarity(existing, incoming core.JSONMap) int {
	existingTop := r.comparable(existing)
	incomingTop := r.comparable(incoming)

	matches := 0
	totalFields := 0
	for key, ev := range existingTop {
		totalFields++
		if iv, ok := incomingTop[key]; ok && mapfields.LeavesEqual(ev, iv, numericTolerance) {
			matches++
		}
	}
	for key := range incomingTop {
		if _, ok := existingTop[key]; !ok {
			totalFields++
		}
	}
	if totalFields == 0 {
		return 100
	}
	return matches * 100 / totalFields
}

// comparable copies the top-level keys, dropping critical and ignored
// fields. A dotted critical path is not dropped: its enclosing top-level
// object still compares wholesale, and the critical leaf itself was
// already checked.
func (r *IdempotencyResolver) comparable(payload core.JSONMap) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if r.ignoredFields[k] {
			continue
		}
		out[k] = v
	}
	for _, field := range r.criticalFields {
		delete(out, field)
	}
	return out
}
