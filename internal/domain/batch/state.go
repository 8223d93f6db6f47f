package batch

import (
	"github.com/rs/zerolog"

	"github.com/tiss/tiss/internal/platform/apperr"
)

// legalTransitions is the batch lifecycle. DRAFT may jump straight to SENT
// because submission revalidates. There is no way back from SENT.
var legalTransitions = map[string]map[string]bool{
	StatusDraft: {StatusValid: true, StatusSent: true},
	StatusValid: {StatusDraft: true, StatusSent: true},
	StatusSent:  {StatusClosed: true},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to string) bool {
	return legalTransitions[from][to]
}

// transition validates a lifecycle move, logging rejected ones. Illegal
// transitions usually mean a client retry bug, so they are worth an audit
// trail even though the caller just gets a 409.
func transition(logger zerolog.Logger, b *Batch, to string) error {
	if !CanTransition(b.Status, to) {
		logger.Warn().
			Str("type", "illegal_transition").
			Str("batch_id", b.ID.String()).
			Str("from", b.Status).
			Str("to", to).
			Msg("batch transition rejected")
		return &apperr.InvalidStateError{Entity: "batch", From: b.Status, To: to}
	}
	b.Status = to
	return nil
}
