package db

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

const schemaVersion = 1

// EnsureBootstrapped creates the schema when the meta table or its version
// row is missing. Running it against an initialized database is a no-op.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, log logger.Logger) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	err := db.QueryRowContext(ctxBoot, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'fortress_meta'
		)`).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}
	if !exists {
		log.Info("schema missing, running bootstrap")
		return runBootstrap(ctxBoot, db)
	}

	var hasVersion bool
	if err := db.QueryRowContext(ctxBoot, `SELECT EXISTS (SELECT 1 FROM fortress_meta WHERE version = $1)`, schemaVersion).Scan(&hasVersion); err != nil {
		return fmt.Errorf("meta version check failed: %w", err)
	}
	if !hasVersion {
		log.Info("schema version missing, running bootstrap", logger.Int("version", schemaVersion))
		return runBootstrap(ctxBoot, db)
	}

	log.Debug("schema up to date", logger.Int("version", schemaVersion))
	return nil
}

func runBootstrap(ctx context.Context, db *sql.DB) error {
	sqlBytes, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return fmt.Errorf("read initdb.sql: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

// DefaultRoles are the roles scripts/initdb.sql seeds.
var DefaultRoles = []models.Role{
	{ID: "role-member", Name: "member", BasePermissionLevel: 1},
	{ID: "role-admin", Name: "admin", BasePermissionLevel: 4, IsAdmin: true},
}

// SeedMemory gives an in-memory store the same starting roles as a freshly
// bootstrapped database.
func SeedMemory(ctx context.Context, m *MemoryClient) error {
	for _, r := range DefaultRoles {
		role := r
		if err := m.CreateRole(ctx, &role); err != nil && !errors.Is(err, apperr.ErrConflict) {
			return fmt.Errorf("seed role %s: %w", r.Name, err)
		}
	}
	return nil
}
