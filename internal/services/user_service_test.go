package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

func TestSignup_AssignsMemberRole(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	u, token, err := e.users.Signup(ctx, SignupInput{FirstName: "Ada", Email: " Ada@Example.com ", Password: "long enough"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)
	require.Len(t, u.Roles, 1)
	assert.Equal(t, RoleMember, u.Roles[0].Name)
	assert.NotEqual(t, "long enough", u.PasswordHash)

	id, err := e.tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id)

	_, _, err = e.users.Signup(ctx, SignupInput{Email: "ada@example.com", Password: "another one"})
	assert.ErrorIs(t, err, apperr.ErrConflict)
}

func TestSignup_Validation(t *testing.T) {
	e := newEnv(t)
	_, _, err := e.users.Signup(context.Background(), SignupInput{Email: "not-an-email", Password: "long enough"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, _, err = e.users.Signup(context.Background(), SignupInput{Email: "a@b.io", Password: "short"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestSignup_AdminEmail(t *testing.T) {
	e := newEnv(t)
	p := e.signup(t, "boss@example.com")
	assert.True(t, p.IsAdmin)
	assert.False(t, e.signup(t, "staff@example.com").IsAdmin)
}

func TestLogin(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p := e.signup(t, "ada@example.com")

	u, token, err := e.users.Login(ctx, "ADA@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, p.UserID, u.ID)
	assert.NotEmpty(t, token)

	_, _, err = e.users.Login(ctx, "ada@example.com", "wrong horse")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
	_, _, err = e.users.Login(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestAuthenticate_ReloadsRoles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.signup(t, "boss@example.com")
	p := e.signup(t, "ada@example.com")
	token, err := e.tokens.Issue(p.UserID)
	require.NoError(t, err)

	got, err := e.users.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.False(t, got.IsAdmin)

	_, err = e.users.AssignRole(ctx, admin, p.UserID, RoleAdmin)
	require.NoError(t, err)
	got, err = e.users.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.True(t, got.IsAdmin, "role changes apply without a new token")

	e.clock.Advance(2 * time.Hour)
	_, err = e.users.Authenticate(ctx, token)
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)

	_, err = e.users.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, apperr.ErrUnauthenticated)
}

func TestDirectoryAdministration(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	admin := e.signup(t, "boss@example.com")
	p := e.signup(t, "ada@example.com")

	_, err := e.users.CreateDepartment(ctx, p, "eng", "Engineering")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	dept, err := e.users.CreateDepartment(ctx, admin, "eng", "Engineering")
	require.NoError(t, err)
	assert.Equal(t, &models.Department{ID: "eng", Name: "Engineering"}, dept)
	_, err = e.users.CreateDepartment(ctx, admin, "eng", "Again")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	u, err := e.users.AddDepartmentMember(ctx, admin, "eng", p.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"eng"}, u.DepartmentIDs)

	_, err = e.users.AddDepartmentMember(ctx, admin, "nope", p.UserID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.users.AssignRole(ctx, admin, p.UserID, "wizard")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.users.AssignRole(ctx, p, p.UserID, RoleAdmin)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}
