// Package clearance defines security levels and the rule deciding whether a
// clearance authorizes access to a classified document. It has no side
// effects and no dependencies on storage.
package clearance

import (
	"fmt"
	"slices"

	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

// Level orders sensitivity: General < Internal < Confidential < HighlyConfidential.
type Level int

const (
	None               Level = 0
	General            Level = 1
	Internal           Level = 2
	Confidential       Level = 3
	HighlyConfidential Level = 4
)

func (l Level) Valid() bool {
	return l >= General && l <= HighlyConfidential
}

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case General:
		return "general"
	case Internal:
		return "internal"
	case Confidential:
		return "confidential"
	case HighlyConfidential:
		return "highly_confidential"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel validates an integer level coming from input or storage.
func ParseLevel(n int) (Level, error) {
	l := Level(n)
	if !l.Valid() {
		return None, fmt.Errorf("security level %d out of range %d..%d", n, General, HighlyConfidential)
	}
	return l, nil
}

func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// Classification is the part of a document that access decisions look at.
type Classification struct {
	Level          Level
	DepartmentID   string
	DepartmentOnly bool
}

func Classify(doc *models.Document) Classification {
	return Classification{
		Level:          Level(doc.SecurityLevel),
		DepartmentID:   doc.DepartmentID,
		DepartmentOnly: doc.IsDepartmentOnly,
	}
}

// Authorizes reports whether effective clearance reaches the document level
// and, for department-only documents, whether the user is a member of the
// document's department. Membership is required regardless of level.
func Authorizes(effective Level, userDepartments []string, doc Classification) bool {
	if !doc.Level.Valid() || effective < doc.Level {
		return false
	}
	if doc.DepartmentOnly {
		return doc.DepartmentID != "" && slices.Contains(userDepartments, doc.DepartmentID)
	}
	return true
}

// BaseLevel is the highest base level across roles. A user without roles
// holds General clearance.
func BaseLevel(roles []models.Role) Level {
	base := General
	for _, r := range roles {
		if l := Level(r.BasePermissionLevel); l.Valid() && l > base {
			base = l
		}
	}
	return base
}

// IsAdmin reports whether any role carries admin rights.
func IsAdmin(roles []models.Role) bool {
	for _, r := range roles {
		if r.IsAdmin {
			return true
		}
	}
	return false
}
