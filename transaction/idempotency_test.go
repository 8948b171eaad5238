package transaction

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/exquy/txrecover/core"
)

func testResolver(t *testing.T) *IdempotencyResolver {
	t.Helper()
	return NewIdempotencyResolver(core.IdempotencyConfig{
		CriticalFields:      []string{"amount", "accountNumber", "description", "reference"},
		IgnoredFields:       []string{"timestamp", "clientIp", "deviceId"},
		SimilarityThreshold: 80,
	}, nil)
}

func existingTxn(payload core.JSONMap) *core.Transaction {
	return &core.Transaction{
		ID:           uuid.New(),
		OriginSystem: "A",
		Status:       core.StatusPending,
		Payload:      payload,
	}
}

func TestClassifySamePayload(t *testing.T) {
	r := testResolver(t)
	payload := core.JSONMap{"amount": 100, "reference": "r1"}

	got := r.Classify(existingTxn(payload), "A", core.JSONMap{"amount": 100, "reference": "r1"})
	assert.Equal(t, OutcomeSame, got)
}

func TestClassifyCriticalFieldChanged(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{"amount": 100, "reference": "r1"})

	got := r.Classify(existing, "A", core.JSONMap{"amount": 200, "reference": "r1"})
	assert.Equal(t, OutcomeConflict, got)
}

func TestClassifyCriticalFieldRemoved(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{"amount": 100, "reference": "r1"})

	got := r.Classify(existing, "A", core.JSONMap{"amount": 100})
	assert.Equal(t, OutcomeConflict, got)
}

func TestClassifyNumericTolerance(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{"amount": 100.0})

	assert.Equal(t, OutcomeSame, r.Classify(existing, "A", core.JSONMap{"amount": 100.00001}))
	assert.Equal(t, OutcomeConflict, r.Classify(existing, "A", core.JSONMap{"amount": 100.01}))
}

func TestClassifyDottedCriticalPath(t *testing.T) {
	r := NewIdempotencyResolver(core.IdempotencyConfig{
		CriticalFields:      []string{"payment.amount"},
		SimilarityThreshold: 80,
	}, nil)
	existing := existingTxn(core.JSONMap{
		"payment": map[string]interface{}{"amount": 50},
	})

	same := r.Classify(existing, "A", core.JSONMap{
		"payment": map[string]interface{}{"amount": 50},
	})
	assert.Equal(t, OutcomeSame, same)

	conflict := r.Classify(existing, "A", core.JSONMap{
		"payment": map[string]interface{}{"amount": 51},
	})
	assert.Equal(t, OutcomeConflict, conflict)
}

func TestClassifyDifferentOrigin(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{"amount": 100})

	assert.Equal(t, OutcomeConflict, r.Classify(existing, "B", core.JSONMap{"amount": 100}))
}

func TestClassifyIgnoredFieldsDoNotCount(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{
		"amount":    100,
		"timestamp": "2026-01-01T00:00:00Z",
		"clientIp":  "10.0.0.1",
	})

	got := r.Classify(existing, "A", core.JSONMap{
		"amount":    100,
		"timestamp": "2026-01-02T09:00:00Z",
		"clientIp":  "10.0.0.2",
		"deviceId":  "other-device",
	})
	assert.Equal(t, OutcomeSame, got)
}

func TestClassifySimilarityBelowThreshold(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{
		"amount": 100,
		"a":      1, "b": 2, "c": 3, "d": 4, "e": 5,
	})

	// One of five non-critical fields matches: similarity 20, below 80.
	got := r.Classify(existing, "A", core.JSONMap{
		"amount": 100,
		"a":      1, "b": 99, "c": 99, "d": 99, "e": 99,
	})
	assert.Equal(t, OutcomeConflict, got)
}

func TestClassifyNewFieldsDiluteScore(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{"amount": 100, "a": 1})

	// 1 match over a union of 4 keys: 25, below threshold.
	got := r.Classify(existing, "A", core.JSONMap{
		"amount": 100, "a": 1, "x": 1, "y": 2, "z": 3,
	})
	assert.Equal(t, OutcomeConflict, got)
}

func TestClassifyNestedObjectComparesWholesale(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{
		"amount": 100,
		"details": map[string]interface{}{
			"p": 1, "q": 2, "r": 3, "s": 4, "t": 5,
		},
	})

	// A single differing leaf makes the whole nested object one mismatched
	// field, not one of many flattened leaves.
	got := r.Classify(existing, "A", core.JSONMap{
		"amount": 100,
		"details": map[string]interface{}{
			"p": 1, "q": 2, "r": 3, "s": 4, "t": 6,
		},
	})
	assert.Equal(t, OutcomeConflict, got)
}

func TestClassifyIgnoredNamesTopLevelOnly(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{
		"amount": 100,
		"meta":   map[string]interface{}{"timestamp": "2026-01-01T00:00:00Z"},
	})

	// A "timestamp" nested inside another object is ordinary payload data
	// and participates in the wholesale comparison of its parent.
	got := r.Classify(existing, "A", core.JSONMap{
		"amount": 100,
		"meta":   map[string]interface{}{"timestamp": "2026-01-02T09:00:00Z"},
	})
	assert.Equal(t, OutcomeConflict, got)
}

func TestClassifyQuotedNumberIsDifferentValue(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{"amount": 100, "units": 3})

	got := r.Classify(existing, "A", core.JSONMap{"amount": 100, "units": "3"})
	assert.Equal(t, OutcomeConflict, got)
}

func TestClassifyOnlyCriticalFields(t *testing.T) {
	r := testResolver(t)
	existing := existingTxn(core.JSONMap{"amount": 100, "reference": "r1"})

	// No non-critical fields on either side: similarity defaults to 100.
	got := r.Classify(existing, "A", core.JSONMap{"amount": 100, "reference": "r1"})
	assert.Equal(t, OutcomeSame, got)
}

func TestClassifyNilExisting(t *testing.T) {
	r := testResolver(t)
	assert.Equal(t, OutcomeNew, r.Classify(nil, "A", core.JSONMap{"amount": 100}))
}
