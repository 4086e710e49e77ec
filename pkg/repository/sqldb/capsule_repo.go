package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"digitalvault/pkg/ledger"
	"digitalvault/pkg/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const capsuleColumns = `id, owner, title, description, classification, content_pointer, wrapped_content_key,
	unlock_at, geo_latitude, geo_longitude, geo_radius_meters, receipt, created_at`

// capsuleRow stores metadata in ledger encoding.
type capsuleRow struct {
	ID                string        `db:"id"`
	Owner             string        `db:"owner"`
	Title             string        `db:"title"`
	Description       string        `db:"description"`
	Classification    int           `db:"classification"`
	ContentPointer    string        `db:"content_pointer"`
	WrappedContentKey string        `db:"wrapped_content_key"`
	UnlockAt          int64         `db:"unlock_at"`
	GeoLatitude       sql.NullInt64 `db:"geo_latitude"`
	GeoLongitude      sql.NullInt64 `db:"geo_longitude"`
	GeoRadiusMeters   sql.NullInt64 `db:"geo_radius_meters"`
	Receipt           string        `db:"receipt"`
	CreatedAt         int64         `db:"created_at"`
}

func rowFromMetadata(m *models.CapsuleMetadata, receipt string) *capsuleRow {
	rec := ledger.RecordFromMetadata(m)
	row := &capsuleRow{
		ID:                rec.ID,
		Owner:             rec.Owner,
		Title:             rec.Title,
		Description:       rec.Description,
		Classification:    rec.Classification,
		ContentPointer:    rec.ContentPointer,
		WrappedContentKey: rec.WrappedContentKey,
		UnlockAt:          rec.UnlockAt,
		Receipt:           receipt,
		CreatedAt:         rec.CreatedAt,
	}
	if rec.Geofence != nil {
		row.GeoLatitude = sql.NullInt64{Int64: rec.Geofence.Latitude, Valid: true}
		row.GeoLongitude = sql.NullInt64{Int64: rec.Geofence.Longitude, Valid: true}
		row.GeoRadiusMeters = sql.NullInt64{Int64: rec.Geofence.RadiusMeters, Valid: true}
	}
	return row
}

func (r *capsuleRow) metadata() (*models.CapsuleMetadata, error) {
	rec := &ledger.CapsuleRecord{
		ID:                r.ID,
		Owner:             r.Owner,
		Title:             r.Title,
		Description:       r.Description,
		Classification:    r.Classification,
		ContentPointer:    r.ContentPointer,
		WrappedContentKey: r.WrappedContentKey,
		UnlockAt:          r.UnlockAt,
		CreatedAt:         r.CreatedAt,
	}
	if r.GeoRadiusMeters.Valid {
		rec.Geofence = &ledger.GeofenceRecord{
			Latitude:     r.GeoLatitude.Int64,
			Longitude:    r.GeoLongitude.Int64,
			RadiusMeters: r.GeoRadiusMeters.Int64,
		}
	}
	m, err := rec.Metadata()
	if err != nil {
		return nil, fmt.Errorf("capsule %s is corrupt: %w", r.ID, err)
	}
	return m, nil
}

// CapsuleRepository implements repository.CapsuleRepository
type CapsuleRepository struct {
	db sqlx.ExtContext
}

func NewCapsuleRepository(db sqlx.ExtContext) *CapsuleRepository {
	return &CapsuleRepository{db: db}
}

// Create inserts a capsule. A duplicate id yields models.ErrCapsuleAlreadyExists.
func (r *CapsuleRepository) Create(ctx context.Context, capsule *models.CapsuleMetadata, receipt string) error {
	if capsule.CreatedAt.IsZero() {
		capsule.CreatedAt = time.Now().UTC()
	}
	row := rowFromMetadata(capsule, receipt)

	query := r.db.Rebind(`
		INSERT INTO capsules (` + capsuleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.db.ExecContext(ctx, query,
		row.ID,
		row.Owner,
		row.Title,
		row.Description,
		row.Classification,
		row.ContentPointer,
		row.WrappedContentKey,
		row.UnlockAt,
		row.GeoLatitude,
		row.GeoLongitude,
		row.GeoRadiusMeters,
		row.Receipt,
		row.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrCapsuleAlreadyExists
		}
		return fmt.Errorf("failed to create capsule: %w", err)
	}
	return nil
}

// GetByID retrieves a capsule by ID
func (r *CapsuleRepository) GetByID(ctx context.Context, id string) (*models.CapsuleMetadata, error) {
	var row capsuleRow
	query := r.db.Rebind(`SELECT ` + capsuleColumns + ` FROM capsules WHERE id = ?`)
	err := sqlx.GetContext(ctx, r.db, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrCapsuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get capsule: %w", err)
	}
	return row.metadata()
}

// ListByOwner retrieves an owner's capsules. limit <= 0 means no limit.
func (r *CapsuleRepository) ListByOwner(ctx context.Context, owner string, limit int) ([]*models.CapsuleMetadata, error) {
	query := `SELECT ` + capsuleColumns + ` FROM capsules WHERE owner = ? ORDER BY created_at DESC, id`
	args := []interface{}{owner}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []capsuleRow
	if err := sqlx.SelectContext(ctx, r.db, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list capsules: %w", err)
	}

	capsules := make([]*models.CapsuleMetadata, 0, len(rows))
	for i := range rows {
		m, err := rows[i].metadata()
		if err != nil {
			return nil, err
		}
		capsules = append(capsules, m)
	}
	return capsules, nil
}

// Count returns the total number of capsules
func (r *CapsuleRepository) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := sqlx.GetContext(ctx, r.db, &count, `SELECT COUNT(*) FROM capsules`); err != nil {
		return 0, fmt.Errorf("failed to count capsules: %w", err)
	}
	return count, nil
}

// isUniqueViolation matches PostgreSQL's unique_violation and SQLite's
// constraint message.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
