package lifecycle

import "github.com/nurudeen19/rag-fortress-sub002/internal/models"

// edges is the complete document state machine. Anything not listed here is
// an invalid transition.
var edges = map[models.DocumentStatus][]models.DocumentStatus{
	models.StatusPending:    {models.StatusApproved, models.StatusProcessing, models.StatusRejected},
	models.StatusApproved:   {models.StatusProcessing},
	models.StatusProcessing: {models.StatusProcessed, models.StatusFailed},
	models.StatusRejected:   {models.StatusPending, models.StatusRejected},
	models.StatusFailed:     {models.StatusProcessing},
}

// CanTransition reports whether the state machine has an edge from -> to.
func CanTransition(from, to models.DocumentStatus) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Audit actions.
const (
	ActionSubmit    = "submit"
	ActionApprove   = "approve"
	ActionReject    = "reject"
	ActionResubmit  = "resubmit"
	ActionStart     = "start_processing"
	ActionProcessed = "mark_processed"
	ActionFailed    = "mark_failed"
	ActionRetry     = "retry"
	ActionDelete    = "delete"
)
