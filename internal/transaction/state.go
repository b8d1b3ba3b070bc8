package transaction

import (
	"github.com/Aidin1998/fincore/pkg/errors"
	"github.com/Aidin1998/fincore/pkg/models"
)

// ValidTransitions defines allowed state transitions. COMPLETED only moves
// on through an administrative reversal.
var ValidTransitions = map[models.TransactionStatus][]models.TransactionStatus{
	models.TxInitiated: {
		models.TxPending,
		models.TxProcessing,
		models.TxFailed,
		models.TxCancelled,
	},
	models.TxPending: {
		models.TxProcessing,
		models.TxFailed,
		models.TxCancelled,
	},
	models.TxProcessing: {
		models.TxCompleted,
		models.TxFailed,
	},
	models.TxCompleted: {models.TxReversed},
	// Terminal states - no transitions allowed
	models.TxFailed:    {},
	models.TxCancelled: {},
	models.TxReversed:  {},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to models.TransactionStatus) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// advance walks t through each status in order, failing on the first
// disallowed step without touching t.
func advance(t *models.Transaction, path ...models.TransactionStatus) error {
	cur := t.Status
	for _, next := range path {
		if !CanTransition(cur, next) {
			return errors.StateTransitionInvalid.
				Explain("transaction %s cannot move from %s to %s", t.ID, cur, next).
				WithMeta("transaction_id", t.ID.String())
		}
		cur = next
	}
	t.Status = cur
	return nil
}
