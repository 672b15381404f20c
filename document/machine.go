package document

import (
	"github.com/parchmint/parchmint/errors"
)

// The happy path is a strict forward sequence. Rank encodes the ordering so
// transitions can distinguish stale re-deliveries (target at or behind the
// current status) from genuine regressions.
var statusRank = map[Status]int{
	StatusPending:   0,
	StatusParsing:   1,
	StatusParsed:    2,
	StatusEmbedding: 3,
	StatusEmbedded:  4,
	StatusAnalyzing: 5,
	StatusAnalyzed:  6,
	StatusComplete:  7,
}

// StartStatus returns the status a document enters when the named stage
// begins. The second return is false for stages that do not move the status
// on start (extract-financials runs within "analyzed").
func StartStatus(stage string) (Status, bool) {
	switch stage {
	case "parse":
		return StatusParsing, true
	case "embed":
		return StatusEmbedding, true
	case "analyze":
		return StatusAnalyzing, true
	default:
		return "", false
	}
}

// SuccessStatus returns the status a document enters when the named stage
// completes successfully.
func SuccessStatus(stage string) (Status, bool) {
	switch stage {
	case "parse":
		return StatusParsed, true
	case "embed":
		return StatusEmbedded, true
	case "analyze":
		return StatusAnalyzed, true
	case "extract-financials":
		return StatusComplete, true
	default:
		return "", false
	}
}

// RetryStatus returns the status a failed document rewinds to when the named
// stage is retried: the entry status of that stage, so work already persisted
// by earlier stages is kept.
func RetryStatus(stage string) (Status, bool) {
	switch stage {
	case "parse":
		return StatusPending, true
	case "embed":
		return StatusParsed, true
	case "analyze":
		return StatusEmbedded, true
	case "extract-financials":
		return StatusAnalyzed, true
	default:
		return "", false
	}
}

// Transition validates a move from current to target.
//
// The status only advances forward. A target at or behind the current status
// is a stale event from an at-least-once re-delivery and resolves to the
// current status unchanged. A target more than one step ahead, or any move
// out of a terminal status, is an invalid transition.
func Transition(current, target Status) (Status, error) {
	if current == target {
		return current, nil
	}

	if current == StatusFailed {
		// Only an explicit retry leaves failed, and that path rewinds
		// through ResetForRetry rather than going through Transition.
		return "", errors.Mark(
			errors.Newf("document is failed; cannot move to %s", target),
			errors.ErrInvalidTransition,
		)
	}

	curRank, ok := statusRank[current]
	if !ok {
		return "", errors.Mark(
			errors.Newf("unknown document status %q", current),
			errors.ErrInvalidTransition,
		)
	}
	tgtRank, ok := statusRank[target]
	if !ok {
		return "", errors.Mark(
			errors.Newf("unknown target status %q", target),
			errors.ErrInvalidTransition,
		)
	}

	if tgtRank <= curRank {
		// Stale re-delivery; keep the later status.
		return current, nil
	}
	if tgtRank != curRank+1 {
		return "", errors.Mark(
			errors.Newf("cannot skip from %s to %s", current, target),
			errors.ErrInvalidTransition,
		)
	}
	return target, nil
}
