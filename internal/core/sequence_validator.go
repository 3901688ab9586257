package core

import (
	"errors"
	"fmt"

	"PerpEngine/internal/observability"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe. Only the market's core goroutine touches it.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ErrSequenceGap reports a source sequence ahead of the expected one. The
// missing events may still arrive, so callers should retry rather than drop.
var ErrSequenceGap = errors.New("sequence gap")

func fillPartition(market string) string   { return "fills:" + market }
func oraclePartition(market string) string { return "oracle:" + market }

// ValidateSequence enforces gapless ordering. Sequences start at 1. A
// stale sequence is only accepted for an event already processed. It does
// not advance the partition; Advance does once the event is applied.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expected(partition)

	if sourceSequence < expected {
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("out-of-order event: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		return nil
	}

	if sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// ValidateOracleSequence accepts gaps in oracle updates. It reports stale
// updates, which the caller drops.
func (sv *SequenceValidator) ValidateOracleSequence(market string, priceSequence int64) (stale bool) {
	partition := oraclePartition(market)
	expected := sv.expected(partition)

	if priceSequence < expected {
		return true
	}
	if priceSequence > expected && sv.metrics != nil {
		sv.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	}
	return false
}

// Advance records sourceSequence as applied. The partition never moves
// backwards.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if next := sourceSequence + 1; next > sv.expected(partition) {
		sv.expectedNextSeq[partition] = next
	}
}

func (sv *SequenceValidator) expected(partition string) int64 {
	if seq, ok := sv.expectedNextSeq[partition]; ok {
		return seq
	}
	return 1
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expected(partition)
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// Snapshot returns a copy of the expected sequences.
func (sv *SequenceValidator) Snapshot() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}
