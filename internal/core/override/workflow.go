// Package override implements the request and decision workflow for
// temporary clearance overrides. A request is decided exactly once; approval
// materializes an OverrideGrant in the same atomic store operation that
// flips the request out of pending.
package override

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nurudeen19/rag-fortress-sub002/internal/config"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clearance"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

type Store interface {
	CreateOverrideRequest(ctx context.Context, req *models.OverrideRequest) error
	GetOverrideRequest(ctx context.Context, id string) (*models.OverrideRequest, error)
	ListOverrideRequests(ctx context.Context, filter models.OverrideRequestFilter) ([]models.OverrideRequest, error)
	DecideOverrideRequest(ctx context.Context, req *models.OverrideRequest, grant *models.OverrideGrant) (bool, error)
}

type Workflow struct {
	store  Store
	policy *config.Policy
	clock  clock.Clock
	log    logger.Logger
}

func NewWorkflow(store Store, policy *config.Policy, clk clock.Clock, log logger.Logger) *Workflow {
	if policy == nil {
		policy = config.DefaultPolicy()
	}
	return &Workflow{store: store, policy: policy, clock: clk, log: log.Named("override")}
}

// RequestInput describes a requested elevation. ValidFrom defaults to now;
// ValidUntil may be given directly or derived from Duration.
type RequestInput struct {
	Type          models.OverrideType
	Level         int
	DepartmentID  string
	ValidFrom     time.Time
	ValidUntil    time.Time
	Duration      time.Duration
	Reason        string
	TriggerQuery  string
	TriggerFileID string
}

// RequestOverride files a pending request on behalf of the principal.
func (w *Workflow) RequestOverride(ctx context.Context, p access.Principal, in RequestInput) (*models.OverrideRequest, error) {
	return w.create(ctx, p, in, false)
}

func (w *Workflow) create(ctx context.Context, p access.Principal, in RequestInput, auto bool) (*models.OverrideRequest, error) {
	now := w.clock.Now()
	req, err := w.validate(p, in, now)
	if err != nil {
		return nil, err
	}
	req.ID = uuid.NewString()
	req.UserID = p.UserID
	req.Status = models.OverridePending
	req.AutoEscalated = auto
	req.CreatedAt = now

	if err := w.store.CreateOverrideRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("create override request: %w", err)
	}
	w.log.Info("override requested",
		logger.String("request_id", req.ID),
		logger.String("user_id", req.UserID),
		logger.String("type", string(req.Type)),
		logger.Int("level", req.Level),
		logger.String("department_id", req.DepartmentID),
		logger.Bool("auto_escalated", auto),
	)
	return req, nil
}

func (w *Workflow) validate(p access.Principal, in RequestInput, now time.Time) (*models.OverrideRequest, error) {
	if !in.Type.Valid() {
		return nil, apperr.Validation("override_type must be department or org_wide, got %q", in.Type)
	}
	level, err := clearance.ParseLevel(in.Level)
	if err != nil {
		return nil, apperr.Validation("%s", err.Error())
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, apperr.Validation("reason is required")
	}

	dept := strings.TrimSpace(in.DepartmentID)
	var ceiling int
	switch in.Type {
	case models.OverrideDepartment:
		if dept == "" {
			return nil, apperr.Validation("department_id is required for department overrides")
		}
		ceiling = w.policy.DepartmentCeiling(dept)
	case models.OverrideOrgWide:
		dept = ""
		ceiling = w.policy.OrgWideCeiling(p.DepartmentIDs)
	}
	if int(level) > ceiling {
		return nil, apperr.Validation("requested level %d exceeds the permitted ceiling %d", level, ceiling)
	}

	from := in.ValidFrom
	if from.IsZero() {
		from = now
	}
	until := in.ValidUntil
	if until.IsZero() && in.Duration > 0 {
		until = from.Add(in.Duration)
	}
	if !until.After(from) {
		return nil, apperr.Validation("valid_until must be after valid_from")
	}
	if until.Sub(from) > w.policy.MaxOverrideDuration {
		return nil, apperr.Validation("override window exceeds the maximum of %s", w.policy.MaxOverrideDuration)
	}
	if !until.After(now) {
		return nil, apperr.Validation("override window has already ended")
	}

	return &models.OverrideRequest{
		Type:          in.Type,
		Level:         int(level),
		DepartmentID:  dept,
		ValidFrom:     from,
		ValidUntil:    until,
		TriggerQuery:  strings.TrimSpace(in.TriggerQuery),
		TriggerFileID: strings.TrimSpace(in.TriggerFileID),
		Reason:        reason,
	}, nil
}

// ExpiryActor is recorded as the decider of requests closed by ExpireStale.
const ExpiryActor = "system:expiry"

const expiredReason = "requested window ended before a decision"

// Approve decides a pending request in favour and materializes its grant
// with the requested level, scope and window. A request whose window has
// already ended cannot be approved; it is closed as denied instead so it
// leaves the review queue.
func (w *Workflow) Approve(ctx context.Context, approver access.Principal, id, notes string) (*models.OverrideRequest, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil, apperr.Validation("decision notes are required")
	}
	return w.decide(ctx, approver, id, func(req *models.OverrideRequest, now time.Time) (*models.OverrideGrant, error) {
		if !req.ValidUntil.After(now) {
			w.expire(ctx, req, now)
			return nil, apperr.Validation("request window ended at %s", req.ValidUntil.Format(time.RFC3339))
		}
		req.Status = models.OverrideApproved
		req.DecisionNotes = notes
		return &models.OverrideGrant{
			ID:           uuid.NewString(),
			RequestID:    req.ID,
			UserID:       req.UserID,
			Scope:        req.Type,
			DepartmentID: req.DepartmentID,
			Level:        req.Level,
			ValidFrom:    req.ValidFrom,
			ValidUntil:   req.ValidUntil,
			CreatedAt:    now,
		}, nil
	})
}

// Deny decides a pending request against. No grant is created.
func (w *Workflow) Deny(ctx context.Context, approver access.Principal, id, reason string) (*models.OverrideRequest, error) {
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) < w.policy.MinReasonLength {
		return nil, apperr.Validation("denial reason must be at least %d characters", w.policy.MinReasonLength)
	}
	return w.decide(ctx, approver, id, func(req *models.OverrideRequest, _ time.Time) (*models.OverrideGrant, error) {
		req.Status = models.OverrideDenied
		req.DenialReason = reason
		return nil, nil
	})
}

func (w *Workflow) decide(
	ctx context.Context,
	approver access.Principal,
	id string,
	apply func(req *models.OverrideRequest, now time.Time) (*models.OverrideGrant, error),
) (*models.OverrideRequest, error) {
	if !approver.IsAdmin {
		return nil, apperr.Forbidden("only administrators may decide override requests")
	}
	req, err := w.store.GetOverrideRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID == approver.UserID {
		return nil, apperr.Forbidden("requesters cannot decide their own override requests")
	}
	if req.Status != models.OverridePending {
		return nil, apperr.AlreadyDecided("override request %s is already %s", id, req.Status)
	}

	now := w.clock.Now()
	grant, err := apply(req, now)
	if err != nil {
		return nil, err
	}
	req.DecidedBy = approver.UserID
	req.DecidedAt = &now

	ok, err := w.store.DecideOverrideRequest(ctx, req, grant)
	if err != nil {
		return nil, fmt.Errorf("decide override request %s: %w", id, err)
	}
	if !ok {
		return nil, apperr.AlreadyDecided("override request %s was decided concurrently", id)
	}

	w.log.Info("override decided",
		logger.String("request_id", req.ID),
		logger.String("user_id", req.UserID),
		logger.String("decided_by", approver.UserID),
		logger.String("status", string(req.Status)),
	)
	return req, nil
}

// ExpireStale denies every pending request whose window has ended.
func (w *Workflow) ExpireStale(ctx context.Context) (int, error) {
	pending, err := w.store.ListOverrideRequests(ctx, models.OverrideRequestFilter{Status: models.OverridePending})
	if err != nil {
		return 0, fmt.Errorf("list pending override requests: %w", err)
	}
	now := w.clock.Now()
	n := 0
	for i := range pending {
		if pending[i].ValidUntil.After(now) {
			continue
		}
		if w.expire(ctx, &pending[i], now) {
			n++
		}
	}
	return n, nil
}

// RunExpirer calls ExpireStale every interval until ctx is done.
func (w *Workflow) RunExpirer(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.ExpireStale(ctx); err != nil {
				w.log.Warn("expiring stale override requests", logger.Error(err))
			}
		}
	}
}

// expire closes one pending request as denied. It works on a copy so a
// caller holding req sees it unchanged when the store refuses the write.
func (w *Workflow) expire(ctx context.Context, req *models.OverrideRequest, now time.Time) bool {
	closed := *req
	closed.Status = models.OverrideDenied
	closed.DenialReason = expiredReason
	closed.DecidedBy = ExpiryActor
	closed.DecidedAt = &now

	ok, err := w.store.DecideOverrideRequest(ctx, &closed, nil)
	if err != nil {
		w.log.Warn("expire override request", logger.String("request_id", req.ID), logger.Error(err))
		return false
	}
	if ok {
		w.log.Info("override request expired undecided",
			logger.String("request_id", req.ID),
			logger.String("user_id", req.UserID),
		)
	}
	return ok
}

// Get returns a request to its owner or to an administrator.
func (w *Workflow) Get(ctx context.Context, p access.Principal, id string) (*models.OverrideRequest, error) {
	req, err := w.store.GetOverrideRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.UserID != p.UserID && !p.IsAdmin {
		return nil, apperr.Forbidden("override request %s belongs to another user", id)
	}
	return req, nil
}

// List is the administrator review queue. Requests whose window ended while
// pending are closed by ExpireStale and show up as denied.
func (w *Workflow) List(ctx context.Context, p access.Principal, filter models.OverrideRequestFilter) ([]models.OverrideRequest, error) {
	if !p.IsAdmin {
		return nil, apperr.Forbidden("only administrators may list all override requests")
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, apperr.Validation("unknown status %q", filter.Status)
	}
	return w.store.ListOverrideRequests(ctx, filter)
}

// Mine lists the principal's own requests.
func (w *Workflow) Mine(ctx context.Context, p access.Principal) ([]models.OverrideRequest, error) {
	return w.store.ListOverrideRequests(ctx, models.OverrideRequestFilter{UserID: p.UserID})
}
