package alerts

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voteguard/backend/internal/models"
)

// Repository handles fraud alert persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates an alerts repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new alert. The caller provides the ID so attachment
// object keys can reference it before the row exists.
func (r *Repository) Create(ctx context.Context, alert *models.FraudAlert) error {
	const q = `INSERT INTO fraud_alerts (id, description, location, media_url, media_type, status, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	err := r.pool.QueryRow(ctx, q, alert.ID, alert.Description, alert.Location,
		alert.MediaURL, alert.MediaType, alert.Status, alert.UserID).Scan(&alert.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// GetByID returns an alert by ID.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error) {
	const q = `SELECT id, description, location, media_url, media_type, status, user_id, created_at
		FROM fraud_alerts WHERE id = $1`
	var a models.FraudAlert
	err := r.pool.QueryRow(ctx, q, id).Scan(&a.ID, &a.Description, &a.Location,
		&a.MediaURL, &a.MediaType, &a.Status, &a.UserID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, fmt.Errorf("get alert: %w", err)
	}
	return &a, nil
}

// List returns one page of alerts sorted by creation time descending (id as
// tiebreak for a stable order) plus the total count. A non-nil status
// narrows the result to that status.
func (r *Repository) List(ctx context.Context, page, pageSize int, status *models.AlertStatus) ([]models.FraudAlert, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	var (
		total int
		rows  pgx.Rows
		err   error
	)
	if status != nil {
		const countQ = `SELECT COUNT(*) FROM fraud_alerts WHERE status = $1`
		if err = r.pool.QueryRow(ctx, countQ, *status).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count alerts: %w", err)
		}
		const q = `SELECT id, description, location, media_url, media_type, status, user_id, created_at
			FROM fraud_alerts WHERE status = $1
			ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`
		rows, err = r.pool.Query(ctx, q, *status, pageSize, offset)
	} else {
		const countQ = `SELECT COUNT(*) FROM fraud_alerts`
		if err = r.pool.QueryRow(ctx, countQ).Scan(&total); err != nil {
			return nil, 0, fmt.Errorf("count alerts: %w", err)
		}
		const q = `SELECT id, description, location, media_url, media_type, status, user_id, created_at
			FROM fraud_alerts
			ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`
		rows, err = r.pool.Query(ctx, q, pageSize, offset)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("list alerts: %w", err)
	}
	defer rows.Close()

	var list []models.FraudAlert
	for rows.Next() {
		var a models.FraudAlert
		if err := rows.Scan(&a.ID, &a.Description, &a.Location, &a.MediaURL,
			&a.MediaType, &a.Status, &a.UserID, &a.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan alert: %w", err)
		}
		list = append(list, a)
	}
	return list, total, rows.Err()
}

// UpdateStatus sets the alert status. Transition validity is checked by the
// service; this is the raw write.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.AlertStatus) error {
	const q = `UPDATE fraud_alerts SET status = $1 WHERE id = $2`
	tag, err := r.pool.Exec(ctx, q, status, id)
	if err != nil {
		return fmt.Errorf("update alert status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}
