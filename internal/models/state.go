package models

import "fmt"

// ProcessingState is the lifecycle tag of an attachment.
type ProcessingState string

const (
	StateUploaded   ProcessingState = "uploaded"
	StateValidating ProcessingState = "validating"
	StateProcessing ProcessingState = "processing"
	StateExtracting ProcessingState = "extracting"
	StateAnalyzing  ProcessingState = "analyzing"
	StateCompleted  ProcessingState = "completed"
	StateFailed     ProcessingState = "failed"

	// Tags applied after Completed or Failed.
	StateExpired           ProcessingState = "expired"
	StateScheduledDeletion ProcessingState = "scheduled_deletion"
	StateDeleted           ProcessingState = "deleted"
)

var progression = map[ProcessingState]int{
	StateUploaded:   0,
	StateValidating: 1,
	StateProcessing: 2,
	StateExtracting: 3,
	StateAnalyzing:  4,
	StateCompleted:  5,
	StateFailed:     5,
}

// ParseProcessingState converts a stored value back into a state.
func ParseProcessingState(s string) (ProcessingState, error) {
	st := ProcessingState(s)
	switch st {
	case StateUploaded, StateValidating, StateProcessing, StateExtracting, StateAnalyzing,
		StateCompleted, StateFailed, StateExpired, StateScheduledDeletion, StateDeleted:
		return st, nil
	}
	return "", fmt.Errorf("unknown processing state %q", s)
}

// IsResolvable reports whether the resolver can return the record without waiting.
func (s ProcessingState) IsResolvable() bool {
	return s == StateCompleted || s == StateFailed
}

// IsInFlight reports whether the extraction pipeline still owns the record.
func (s ProcessingState) IsInFlight() bool {
	_, ok := progression[s]
	return ok && !s.IsResolvable()
}

func (s ProcessingState) isTag() bool {
	return s == StateExpired || s == StateScheduledDeletion || s == StateDeleted
}

// CanTransition enforces forward-only progression. Nothing leaves Deleted.
func CanTransition(from, to ProcessingState) bool {
	if from == StateDeleted {
		return false
	}
	if to == StateDeleted {
		return true
	}
	if from.isTag() {
		// expired and scheduled_deletion only move on to deleted, or to each other
		return to.isTag() && to != from
	}
	if to.isTag() {
		return from.IsResolvable()
	}
	fi, ok1 := progression[from]
	ti, ok2 := progression[to]
	if !ok1 || !ok2 {
		return false
	}
	return ti > fi
}
