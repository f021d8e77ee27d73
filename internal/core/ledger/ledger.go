// Package ledger answers which override grants are in force for a user at a
// point in time. Grants are written only by the override workflow when a
// request is approved; the ledger itself never mutates them. Expiry is
// evaluated on read, so an expired grant has no effect whether or not it has
// been pruned yet.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clearance"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// GrantStore is the slice of core.DbClient the ledger reads from.
type GrantStore interface {
	ListOverrideGrantsByUser(ctx context.Context, userID string) ([]models.OverrideGrant, error)
	DeleteExpiredOverrideGrants(ctx context.Context, before time.Time) (int64, error)
}

type Ledger struct {
	store GrantStore
	log   logger.Logger
}

func New(store GrantStore, log logger.Logger) *Ledger {
	return &Ledger{store: store, log: log.Named("ledger")}
}

// InForce reports whether now lies inside the grant window. Both ends are
// inclusive.
func InForce(g models.OverrideGrant, now time.Time) bool {
	return !now.Before(g.ValidFrom) && !now.After(g.ValidUntil)
}

// Covers reports whether g is in force at now and applies to departmentID.
// Org-wide grants apply to every department and to the no-department case;
// department grants only to their own department.
func Covers(g models.OverrideGrant, departmentID string, now time.Time) bool {
	if !InForce(g, now) {
		return false
	}
	switch g.Scope {
	case models.OverrideOrgWide:
		return true
	case models.OverrideDepartment:
		return departmentID != "" && g.DepartmentID == departmentID
	}
	return false
}

// ActiveLevel returns the highest level among grants covering departmentID at
// now. ok is false when no grant applies.
func ActiveLevel(grants []models.OverrideGrant, departmentID string, now time.Time) (level clearance.Level, ok bool) {
	for _, g := range grants {
		if !Covers(g, departmentID, now) {
			continue
		}
		l := clearance.Level(g.Level)
		if !l.Valid() {
			continue
		}
		if !ok || l > level {
			level, ok = l, true
		}
	}
	return level, ok
}

// ActiveGrantLevel is ActiveLevel over the user's stored grants. An empty
// departmentID asks about the no-department scope, where only org-wide
// grants count.
func (l *Ledger) ActiveGrantLevel(ctx context.Context, userID, departmentID string, now time.Time) (clearance.Level, bool, error) {
	grants, err := l.store.ListOverrideGrantsByUser(ctx, userID)
	if err != nil {
		return clearance.None, false, fmt.Errorf("list grants for %s: %w", userID, err)
	}
	level, ok := ActiveLevel(grants, departmentID, now)
	return level, ok, nil
}

// ActiveGrants returns the user's grants in force at now, any scope.
func (l *Ledger) ActiveGrants(ctx context.Context, userID string, now time.Time) ([]models.OverrideGrant, error) {
	grants, err := l.store.ListOverrideGrantsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list grants for %s: %w", userID, err)
	}
	active := grants[:0]
	for _, g := range grants {
		if InForce(g, now) {
			active = append(active, g)
		}
	}
	return active, nil
}

// Prune deletes grants that expired before now. Storage hygiene only.
func (l *Ledger) Prune(ctx context.Context, now time.Time) (int64, error) {
	n, err := l.store.DeleteExpiredOverrideGrants(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("prune grants: %w", err)
	}
	if n > 0 {
		l.log.Info("pruned expired override grants", logger.Int64("count", n))
	}
	return n, nil
}

// RunPruner calls Prune every interval until ctx is done.
func (l *Ledger) RunPruner(ctx context.Context, interval time.Duration, clk clock.Clock) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Prune(ctx, clk.Now()); err != nil {
				l.log.Warn("grant prune failed", logger.Error(err))
			}
		}
	}
}
