package access

import (
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clearance"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// Principal is the caller of one request. It is built per request from a
// freshly loaded user and passed explicitly to the workflows.
type Principal struct {
	UserID        string
	Email         string
	DepartmentIDs []string
	Roles         []models.Role
	IsAdmin       bool
}

func PrincipalFromUser(u *models.User) Principal {
	return Principal{
		UserID:        u.ID,
		Email:         u.Email,
		DepartmentIDs: u.DepartmentIDs,
		Roles:         u.Roles,
		IsAdmin:       clearance.IsAdmin(u.Roles),
	}
}
