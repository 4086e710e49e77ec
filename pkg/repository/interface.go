package repository

import (
	"context"

	"digitalvault/pkg/models"
)

// Database is the interface that all database implementations must satisfy
type Database interface {
	Connect(ctx context.Context, driver, dsn string) error
	Close() error
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error

	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction represents a database transaction
type Transaction interface {
	Commit() error
	Rollback() error
	CapsuleRepository() CapsuleRepository
}

// CapsuleRepository defines operations for the ledger's capsule records
type CapsuleRepository interface {
	// Create stores a registered capsule with its receipt
	Create(ctx context.Context, capsule *models.CapsuleMetadata, receipt string) error

	// GetByID returns models.ErrCapsuleNotFound when id is unknown
	GetByID(ctx context.Context, id string) (*models.CapsuleMetadata, error)

	// ListByOwner returns an owner's capsules, newest first
	ListByOwner(ctx context.Context, owner string, limit int) ([]*models.CapsuleMetadata, error)

	// Count returns the total number of capsules
	Count(ctx context.Context) (int64, error)
}

// Repository provides access to all repository interfaces
type Repository struct {
	Capsule CapsuleRepository
	db      Database
}

// NewRepository creates a new repository with the given database implementation
func NewRepository(db Database) *Repository {
	return &Repository{
		db: db,
	}
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// Ping checks the database connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// WithTx runs fn inside a transaction, committing when fn returns nil.
func (r *Repository) WithTx(ctx context.Context, fn func(CapsuleRepository) error) error {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx.CapsuleRepository()); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
