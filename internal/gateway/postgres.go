package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"stagevault/internal/model"
)

// ErrNotFound is returned when an association to delete does not exist.
var ErrNotFound = errors.New("association not found")

// PostgresGateway wraps all SQL touching the attachments table.
type PostgresGateway struct {
	pool *pgxpool.Pool
}

// NewPostgresGateway constructs a gateway over a pgx pool.
func NewPostgresGateway(pool *pgxpool.Pool) *PostgresGateway {
	return &PostgresGateway{pool: pool}
}

// CreateAssociations inserts all rows in one transaction and returns the
// authoritative rows, ids included, in input order. All-or-nothing: a
// failed insert rolls the batch back so the engine's rollback can rely on
// no rows existing.
func (g *PostgresGateway) CreateAssociations(ctx context.Context, recordID string, specs []model.AssociationSpec) ([]model.PermanentAttachment, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	rows := make([]model.PermanentAttachment, 0, len(specs))
	batch := &pgx.Batch{}
	for _, spec := range specs {
		row := model.PermanentAttachment{
			ID:          uuid.NewString(),
			RecordID:    recordID,
			StorageKey:  spec.StorageKey,
			DisplayName: spec.DisplayName,
			MimeType:    spec.MimeType,
			Role:        spec.Role,
			CreatedAt:   now,
		}
		batch.Queue(`
			INSERT INTO attachments (id, record_id, storage_key, display_name, mime_type, role, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, row.ID, row.RecordID, row.StorageKey, row.DisplayName, row.MimeType, row.Role, row.CreatedAt)
		rows = append(rows, row)
	}
	results := tx.SendBatch(ctx, batch)
	for range specs {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return nil, fmt.Errorf("insert association: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return nil, fmt.Errorf("close batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit associations: %w", err)
	}
	return rows, nil
}

// DeleteAssociation removes one row by id.
func (g *PostgresGateway) DeleteAssociation(ctx context.Context, id string) error {
	tag, err := g.pool.Exec(ctx, `DELETE FROM attachments WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete association: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByRecord returns the rows owned by a record, oldest first. The engine
// never calls this; it serves the surrounding record-loading flow (listing
// attachments and resolving preview URLs).
func (g *PostgresGateway) ListByRecord(ctx context.Context, recordID string) ([]model.PermanentAttachment, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT id, record_id, storage_key, display_name, mime_type, role, created_at
		FROM attachments WHERE record_id=$1 ORDER BY created_at, id
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("select attachments: %w", err)
	}
	defer rows.Close()
	var out []model.PermanentAttachment
	for rows.Next() {
		var a model.PermanentAttachment
		if err := rows.Scan(&a.ID, &a.RecordID, &a.StorageKey, &a.DisplayName, &a.MimeType, &a.Role, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}
