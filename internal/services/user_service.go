package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// Seeded role names.
const (
	RoleMember = "member"
	RoleAdmin  = "admin"
)

const minPasswordLength = 8

type UserService struct {
	db         core.DbClient
	tokens     *TokenIssuer
	clock      clock.Clock
	log        logger.Logger
	adminEmail string
}

func NewUserService(db core.DbClient, tokens *TokenIssuer, clk clock.Clock, log logger.Logger, adminEmail string) *UserService {
	return &UserService{
		db:         db,
		tokens:     tokens,
		clock:      clk,
		log:        log.Named("users"),
		adminEmail: strings.ToLower(strings.TrimSpace(adminEmail)),
	}
}

type SignupInput struct {
	FirstName string
	Email     string
	Password  string
}

// Signup registers a member. The configured admin email also receives the
// admin role.
func (s *UserService) Signup(ctx context.Context, in SignupInput) (*models.User, string, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, "", apperr.Validation("invalid email address")
	}
	if len(in.Password) < minPasswordLength {
		return nil, "", apperr.Validation("password must be at least %d characters", minPasswordLength)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}
	now := s.clock.Now()
	user := &models.User{
		ID:           uuid.NewString(),
		FirstName:    strings.TrimSpace(in.FirstName),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.CreateUser(ctx, user); err != nil {
		return nil, "", err
	}

	roles := []string{RoleMember}
	if s.adminEmail != "" && email == s.adminEmail {
		roles = append(roles, RoleAdmin)
	}
	for _, name := range roles {
		if err := s.assign(ctx, user.ID, name); err != nil {
			return nil, "", err
		}
	}

	loaded, err := s.db.GetUserByID(ctx, user.ID)
	if err != nil {
		return nil, "", err
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("user registered", logger.String("user_id", user.ID), logger.Strings("roles", roles))
	return loaded, token, nil
}

func (s *UserService) Login(ctx context.Context, email, password string) (*models.User, string, error) {
	user, err := s.db.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, "", apperr.Unauthenticated("invalid credentials")
	}
	if err != nil {
		return nil, "", err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, "", apperr.Unauthenticated("invalid credentials")
	}
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Get loads a user with current roles and departments.
func (s *UserService) Get(ctx context.Context, id string) (*models.User, error) {
	return s.db.GetUserByID(ctx, id)
}

// Authenticate turns a bearer token into a principal built from the
// user's current roles.
func (s *UserService) Authenticate(ctx context.Context, token string) (access.Principal, error) {
	userID, err := s.tokens.Parse(token)
	if err != nil {
		return access.Principal{}, err
	}
	user, err := s.db.GetUserByID(ctx, userID)
	if errors.Is(err, apperr.ErrNotFound) {
		return access.Principal{}, apperr.Unauthenticated("account no longer exists")
	}
	if err != nil {
		return access.Principal{}, err
	}
	return access.PrincipalFromUser(user), nil
}

// AssignRole gives a user a role by name.
func (s *UserService) AssignRole(ctx context.Context, admin access.Principal, userID, roleName string) (*models.User, error) {
	if !admin.IsAdmin {
		return nil, apperr.Forbidden("only administrators may assign roles")
	}
	if err := s.assign(ctx, userID, roleName); err != nil {
		return nil, err
	}
	s.log.Info("role assigned",
		logger.String("user_id", userID),
		logger.String("role", roleName),
		logger.String("by", admin.UserID),
	)
	return s.db.GetUserByID(ctx, userID)
}

func (s *UserService) assign(ctx context.Context, userID, roleName string) error {
	role, err := s.db.GetRoleByName(ctx, strings.TrimSpace(roleName))
	if err != nil {
		return err
	}
	if err := s.db.AssignRole(ctx, userID, role.ID); err != nil {
		return fmt.Errorf("assign role %s: %w", roleName, err)
	}
	return nil
}

func (s *UserService) CreateDepartment(ctx context.Context, admin access.Principal, id, name string) (*models.Department, error) {
	if !admin.IsAdmin {
		return nil, apperr.Forbidden("only administrators may create departments")
	}
	id, name = strings.TrimSpace(id), strings.TrimSpace(name)
	if id == "" || name == "" {
		return nil, apperr.Validation("department id and name are required")
	}
	dept := &models.Department{ID: id, Name: name}
	if err := s.db.CreateDepartment(ctx, dept); err != nil {
		return nil, err
	}
	return dept, nil
}

func (s *UserService) AddDepartmentMember(ctx context.Context, admin access.Principal, departmentID, userID string) (*models.User, error) {
	if !admin.IsAdmin {
		return nil, apperr.Forbidden("only administrators may change department membership")
	}
	if err := s.db.AddDepartmentMember(ctx, departmentID, userID); err != nil {
		return nil, err
	}
	s.log.Info("department member added",
		logger.String("department_id", departmentID),
		logger.String("user_id", userID),
		logger.String("by", admin.UserID),
	)
	return s.db.GetUserByID(ctx, userID)
}
