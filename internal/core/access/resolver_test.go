package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clearance"
	db "github.com/nurudeen19/rag-fortress-sub002/internal/core/database"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/ledger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	store    *db.MemoryClient
	resolver *Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := db.NewMemoryClient()
	require.NoError(t, store.CreateDepartment(ctx, &models.Department{ID: "eng", Name: "Engineering"}))
	require.NoError(t, store.CreateDepartment(ctx, &models.Department{ID: "sales", Name: "Sales"}))
	for _, r := range []models.Role{
		{ID: "r-member", Name: "member", BasePermissionLevel: 1},
		{ID: "r-analyst", Name: "analyst", BasePermissionLevel: 2},
		{ID: "r-exec", Name: "exec", BasePermissionLevel: 4},
	} {
		require.NoError(t, store.CreateRole(ctx, &r))
	}
	return &fixture{
		store:    store,
		resolver: NewResolver(store, ledger.New(store, logger.NewNop())),
	}
}

func (f *fixture) user(t *testing.T, id string, roles []string, depts ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateUser(ctx, &models.User{ID: id, Email: id + "@corp.test"}))
	for _, r := range roles {
		require.NoError(t, f.store.AssignRole(ctx, id, r))
	}
	for _, d := range depts {
		require.NoError(t, f.store.AddDepartmentMember(ctx, d, id))
	}
}

// grant writes a grant through the same atomic decision path approvals use.
func (f *fixture) grant(t *testing.T, id, userID string, scope models.OverrideType, dept string, level int, from, until time.Time) {
	t.Helper()
	ctx := context.Background()
	req := &models.OverrideRequest{
		ID: id, UserID: userID, Type: scope, Level: level, DepartmentID: dept,
		ValidFrom: from, ValidUntil: until, Status: models.OverridePending, Reason: "needed for audit",
	}
	require.NoError(t, f.store.CreateOverrideRequest(ctx, req))
	req.Status = models.OverrideApproved
	ok, err := f.store.DecideOverrideRequest(ctx, req, &models.OverrideGrant{
		ID: "g-" + id, RequestID: id, UserID: userID, Scope: scope, DepartmentID: dept,
		Level: level, ValidFrom: from, ValidUntil: until,
	})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCheck_DepartmentOnlyHiddenFromNonMemberDespiteLevel(t *testing.T) {
	f := newFixture(t)
	f.user(t, "exec", []string{"r-exec"}, "sales")
	doc := &models.Document{ID: "d", SecurityLevel: 3, DepartmentID: "eng", IsDepartmentOnly: true}

	d, err := f.resolver.Check(context.Background(), "exec", doc, t0)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, clearance.HighlyConfidential, d.Effective)
	assert.Equal(t, DenyDepartmentOnly, d.Reason)

	err = f.resolver.Require(context.Background(), "exec", doc, t0)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestEffectiveLevel_GrantWindow(t *testing.T) {
	f := newFixture(t)
	f.user(t, "u", []string{"r-member"}, "eng")
	f.grant(t, "o1", "u", models.OverrideDepartment, "eng", 3, t0, t0.Add(24*time.Hour))
	ctx := context.Background()

	level, err := f.resolver.EffectiveLevel(ctx, "u", "eng", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, clearance.Confidential, level)

	// Department grants do not leak into other departments.
	level, err = f.resolver.EffectiveLevel(ctx, "u", "sales", t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, clearance.General, level)

	level, err = f.resolver.EffectiveLevel(ctx, "u", "eng", t0.Add(26*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, clearance.General, level)
}

func TestEffectiveLevel_NoRolesDefaultsToGeneral(t *testing.T) {
	f := newFixture(t)
	f.user(t, "bare", nil)

	level, err := f.resolver.EffectiveLevel(context.Background(), "bare", "", t0)
	require.NoError(t, err)
	assert.Equal(t, clearance.General, level)
}

func TestEffectiveLevel_UnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.EffectiveLevel(context.Background(), "ghost", "", t0)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestEffectiveLevel_MonotonicAndExpiredGrantsInert(t *testing.T) {
	ctx := context.Background()
	scopes := []string{"", "eng", "sales"}
	at := t0.Add(time.Hour)

	f := newFixture(t)
	f.user(t, "u", []string{"r-analyst"}, "eng")
	before := map[string]clearance.Level{}
	for _, s := range scopes {
		l, err := f.resolver.EffectiveLevel(ctx, "u", s, at)
		require.NoError(t, err)
		before[s] = l
	}

	// Expired grants, at any level, leave every scope unchanged.
	f.grant(t, "old-org", "u", models.OverrideOrgWide, "", 4, t0.Add(-48*time.Hour), t0.Add(-24*time.Hour))
	f.grant(t, "old-eng", "u", models.OverrideDepartment, "eng", 4, t0.Add(-48*time.Hour), t0)
	for _, s := range scopes {
		l, err := f.resolver.EffectiveLevel(ctx, "u", s, at)
		require.NoError(t, err)
		assert.Equal(t, before[s], l, "scope %q", s)
	}

	// A grant lower than the base level never lowers it.
	f.grant(t, "low", "u", models.OverrideOrgWide, "", 1, t0, t0.Add(48*time.Hour))
	for _, s := range scopes {
		l, err := f.resolver.EffectiveLevel(ctx, "u", s, at)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, l, before[s], "scope %q", s)
	}

	f.grant(t, "high", "u", models.OverrideOrgWide, "", 3, t0, t0.Add(48*time.Hour))
	for _, s := range scopes {
		l, err := f.resolver.EffectiveLevel(ctx, "u", s, at)
		require.NoError(t, err)
		assert.Equal(t, clearance.Confidential, l, "scope %q", s)
	}
}

func TestCheck_GrantsAndDepartmentOnly(t *testing.T) {
	engOnly := &models.Document{ID: "eng-design", SecurityLevel: 3, DepartmentID: "eng", IsDepartmentOnly: true}
	engOpen := &models.Document{ID: "memo", SecurityLevel: 3, DepartmentID: "eng"}
	ctx := context.Background()

	t.Run("member below level is lifted by department grant", func(t *testing.T) {
		f := newFixture(t)
		f.user(t, "u", []string{"r-member"}, "eng")
		f.grant(t, "o", "u", models.OverrideDepartment, "eng", 3, t0, t0.Add(time.Hour))

		d, err := f.resolver.Check(ctx, "u", engOnly, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.ViaGrant)
	})

	t.Run("org-wide grant satisfies department restriction", func(t *testing.T) {
		f := newFixture(t)
		f.user(t, "u", []string{"r-member"}, "sales")
		f.grant(t, "o", "u", models.OverrideOrgWide, "", 3, t0, t0.Add(time.Hour))

		d, err := f.resolver.Check(ctx, "u", engOnly, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("department grant for another department does not", func(t *testing.T) {
		f := newFixture(t)
		f.user(t, "u", []string{"r-exec"}, "sales")
		f.grant(t, "o", "u", models.OverrideDepartment, "sales", 4, t0, t0.Add(time.Hour))

		d, err := f.resolver.Check(ctx, "u", engOnly, t0.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, DenyDepartmentOnly, d.Reason)
	})

	t.Run("expired grant has no effect", func(t *testing.T) {
		f := newFixture(t)
		f.user(t, "u", []string{"r-member"}, "eng")
		f.grant(t, "o", "u", models.OverrideDepartment, "eng", 3, t0, t0.Add(time.Hour))

		d, err := f.resolver.Check(ctx, "u", engOpen, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, DenyInsufficientLevel, d.Reason)
	})

	t.Run("open document needs only level", func(t *testing.T) {
		f := newFixture(t)
		f.user(t, "u", []string{"r-exec"})

		d, err := f.resolver.Check(ctx, "u", engOpen, t0)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.False(t, d.ViaGrant)
	})
}

func TestResolve_Breakdown(t *testing.T) {
	f := newFixture(t)
	f.user(t, "u", []string{"r-analyst"}, "eng")
	f.grant(t, "o", "u", models.OverrideDepartment, "eng", 4, t0, t0.Add(time.Hour))

	c, err := f.resolver.Resolve(context.Background(), "u", "eng", t0)
	require.NoError(t, err)
	assert.Equal(t, clearance.Internal, c.Base)
	assert.Equal(t, clearance.HighlyConfidential, c.Granted)
	assert.Equal(t, clearance.HighlyConfidential, c.Effective)
	assert.Equal(t, []string{"eng"}, c.Departments)
}
