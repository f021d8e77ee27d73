package override

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nurudeen19/rag-fortress-sub002/internal/config"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// Escalator files an auto-escalated override request once a user has been
// denied the same document Threshold times within Window. The request still
// goes through the normal approval gate.
type Escalator struct {
	workflow *Workflow
	counter  DenialCounter
	policy   config.EscalationPolicy
	log      logger.Logger

	mu sync.Mutex
}

func NewEscalator(workflow *Workflow, counter DenialCounter, policy config.EscalationPolicy, log logger.Logger) *Escalator {
	return &Escalator{workflow: workflow, counter: counter, policy: policy, log: log.Named("escalator")}
}

func (e *Escalator) Enabled() bool {
	return e != nil && e.policy.Threshold > 0
}

func denialKey(userID, docID string) string {
	return userID + ":" + docID
}

// RecordDenial counts one denied access. It returns the filed request when
// this denial crossed the threshold, or nil.
func (e *Escalator) RecordDenial(ctx context.Context, p access.Principal, doc *models.Document, query string) (*models.OverrideRequest, error) {
	if !e.Enabled() {
		return nil, nil
	}
	key := denialKey(p.UserID, doc.ID)
	n, err := e.counter.Increment(ctx, key, e.policy.Window)
	if err != nil {
		return nil, fmt.Errorf("count denial: %w", err)
	}
	if n < int64(e.policy.Threshold) {
		return nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	pending, err := e.workflow.store.ListOverrideRequests(ctx, models.OverrideRequestFilter{
		Status:        models.OverridePending,
		UserID:        p.UserID,
		TriggerFileID: doc.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("check pending requests: %w", err)
	}
	if len(pending) > 0 {
		return nil, nil
	}

	in := RequestInput{
		Type:          models.OverrideOrgWide,
		Level:         doc.SecurityLevel,
		Duration:      e.policy.GrantDuration,
		Reason:        fmt.Sprintf("automatic escalation after %d denied access attempts", n),
		TriggerQuery:  query,
		TriggerFileID: doc.ID,
	}
	if doc.DepartmentID != "" {
		in.Type = models.OverrideDepartment
		in.DepartmentID = doc.DepartmentID
	}
	req, err := e.workflow.create(ctx, p, in, true)
	if errors.Is(err, apperr.ErrValidation) {
		e.log.Warn("auto-escalation not filed",
			logger.String("user_id", p.UserID),
			logger.String("document_id", doc.ID),
			logger.Error(err),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := e.counter.Reset(ctx, key); err != nil {
		e.log.Warn("denial counter reset failed", logger.String("key", key), logger.Error(err))
	}
	return req, nil
}
