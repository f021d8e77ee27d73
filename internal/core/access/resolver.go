// Package access computes a user's effective clearance and decides document
// access. Every call reloads the user and their grants; nothing is cached
// between calls because grants expire continuously.
package access

import (
	"context"
	"fmt"
	"time"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clearance"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/ledger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

type UserStore interface {
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

// GrantSource is satisfied by *ledger.Ledger.
type GrantSource interface {
	ActiveGrants(ctx context.Context, userID string, now time.Time) ([]models.OverrideGrant, error)
}

type Resolver struct {
	users  UserStore
	grants GrantSource
}

func NewResolver(users UserStore, grants GrantSource) *Resolver {
	return &Resolver{users: users, grants: grants}
}

// Clearance is a breakdown of a user's effective level for one scope.
type Clearance struct {
	UserID       string          `json:"user_id"`
	DepartmentID string          `json:"department_id,omitempty"`
	Base         clearance.Level `json:"base_level"`
	Granted      clearance.Level `json:"granted_level"`
	Effective    clearance.Level `json:"effective_level"`
	Departments  []string        `json:"departments"`
}

// Resolve returns the user's clearance for departmentID at now. An empty
// departmentID asks about content without a department.
func (r *Resolver) Resolve(ctx context.Context, userID, departmentID string, now time.Time) (Clearance, error) {
	c, _, err := r.resolve(ctx, userID, departmentID, now)
	return c, err
}

// EffectiveLevel is max(base role level, highest active grant for the scope).
func (r *Resolver) EffectiveLevel(ctx context.Context, userID, departmentID string, now time.Time) (clearance.Level, error) {
	c, _, err := r.resolve(ctx, userID, departmentID, now)
	if err != nil {
		return clearance.None, err
	}
	return c.Effective, nil
}

func (r *Resolver) resolve(ctx context.Context, userID, departmentID string, now time.Time) (Clearance, []models.OverrideGrant, error) {
	user, err := r.users.GetUserByID(ctx, userID)
	if err != nil {
		return Clearance{}, nil, fmt.Errorf("load user %s: %w", userID, err)
	}
	active, err := r.grants.ActiveGrants(ctx, userID, now)
	if err != nil {
		return Clearance{}, nil, err
	}

	c := Clearance{
		UserID:       user.ID,
		DepartmentID: departmentID,
		Base:         clearance.BaseLevel(user.Roles),
		Departments:  user.DepartmentIDs,
	}
	if granted, ok := ledger.ActiveLevel(active, departmentID, now); ok {
		c.Granted = granted
	}
	c.Effective = clearance.Max(c.Base, c.Granted)
	return c, active, nil
}

type DenyReason string

const (
	DenyInsufficientLevel     DenyReason = "insufficient_level"
	DenyDepartmentOnly        DenyReason = "department_restricted"
	DenyInvalidClassification DenyReason = "invalid_classification"
)

// Decision is the outcome of one access check.
type Decision struct {
	Allowed   bool
	Effective clearance.Level
	Required  clearance.Level
	ViaGrant  bool
	Reason    DenyReason
}

// Check decides whether userID may read doc at now.
//
// A department-only document is readable by members of its department with
// sufficient level. Non-members get through only with an active grant that
// covers the document's department at the document's level: a department
// grant for that department, or any org-wide grant.
func (r *Resolver) Check(ctx context.Context, userID string, doc *models.Document, now time.Time) (Decision, error) {
	cls := clearance.Classify(doc)
	c, active, err := r.resolve(ctx, userID, cls.DepartmentID, now)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Effective: c.Effective, Required: cls.Level}
	switch {
	case !cls.Level.Valid():
		d.Reason = DenyInvalidClassification
	case clearance.Authorizes(c.Effective, c.Departments, cls):
		d.Allowed = true
		d.ViaGrant = c.Granted > c.Base && c.Base < cls.Level
	case c.Effective < cls.Level:
		d.Reason = DenyInsufficientLevel
	case cls.DepartmentOnly && grantCovers(active, cls, now):
		d.Allowed = true
		d.ViaGrant = true
	default:
		d.Reason = DenyDepartmentOnly
	}
	return d, nil
}

func grantCovers(active []models.OverrideGrant, cls clearance.Classification, now time.Time) bool {
	if cls.DepartmentID == "" {
		return false
	}
	for _, g := range active {
		if clearance.Level(g.Level) >= cls.Level && ledger.Covers(g, cls.DepartmentID, now) {
			return true
		}
	}
	return false
}

// Require is Check that turns a denial into apperr.Forbidden.
func (r *Resolver) Require(ctx context.Context, userID string, doc *models.Document, now time.Time) error {
	d, err := r.Check(ctx, userID, doc, now)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return apperr.Forbidden("document %s requires %s clearance (%s)", doc.ID, d.Required, d.Reason)
	}
	return nil
}
