// Package database provides storage backends for bot profiles, posts and
// the processed-item ledger.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/bryan-buckman/infobots/internal/model"
)

var (
	// ErrDuplicate is returned when an insert violates a uniqueness constraint.
	ErrDuplicate = errors.New("duplicate row")
	// ErrNotFound is returned when a lookup by primary key matches nothing.
	ErrNotFound = errors.New("not found")
)

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// Identity operations
	IdentityExists(ctx context.Context, id string) (bool, error)
	UpsertIdentity(ctx context.Context, bot model.BotIdentity) error

	// Post operations
	InsertPost(ctx context.Context, post *model.Post) (model.PostRef, error)
	GetPostByID(ctx context.Context, id string) (*model.Post, error)
	CountPostsByAuthor(ctx context.Context, authorID string) (int, error)

	// Ledger operations
	ProcessedExistsByGUID(ctx context.Context, botID, guid string) (bool, error)
	ProcessedExistsByLink(ctx context.Context, botID, link string) (bool, error)
	InsertProcessed(ctx context.Context, rec *model.ProcessedItem) error
	DeleteProcessedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	ListProcessed(ctx context.Context, botID string, limit int) ([]model.ProcessedItem, error)
}

// Open selects a backend by driver name.
func Open(driver, path, dsn string) (Store, error) {
	switch driver {
	case "sqlite", "":
		db, err := New(path)
		if err != nil {
			return nil, err
		}
		return db, nil
	case "postgres":
		db, err := NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullableStringPtr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}
