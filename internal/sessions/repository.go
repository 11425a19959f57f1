package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voteguard/backend/internal/models"
)

// ErrSessionNotFound is returned when no session exists for the identifier.
var ErrSessionNotFound = errors.New("recording session not found")

// Repository persists recording sessions and their segment lists.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateSession inserts a new recording session row in the idle state.
func (r *Repository) CreateSession(ctx context.Context, recordingID, alertID uuid.UUID) error {
	const q = `INSERT INTO recording_sessions (recording_id, alert_id, state, started_at)
		VALUES ($1, $2, $3, NOW())`
	if _, err := r.pool.Exec(ctx, q, recordingID, alertID, models.SessionIdle); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// UpdateState sets the session state; terminal states also stamp stopped_at.
func (r *Repository) UpdateState(ctx context.Context, recordingID uuid.UUID, state models.SessionState) error {
	const q = `UPDATE recording_sessions
		SET state = $1,
		    stopped_at = CASE WHEN $1 IN ('stopped', 'failed') THEN NOW() ELSE stopped_at END
		WHERE recording_id = $2`
	if _, err := r.pool.Exec(ctx, q, state, recordingID); err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

// UpsertSegment writes a segment result at its sequence index. A later
// re-upload of a previously missing segment overwrites the gap.
func (r *Repository) UpsertSegment(ctx context.Context, recordingID uuid.UUID, seg models.Segment) error {
	const q = `INSERT INTO recording_segments
			(recording_id, sequence_index, video_locator, audio_locator, duration_seconds, uploaded_at, missing)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (recording_id, sequence_index) DO UPDATE SET
			video_locator = EXCLUDED.video_locator,
			audio_locator = EXCLUDED.audio_locator,
			duration_seconds = EXCLUDED.duration_seconds,
			uploaded_at = EXCLUDED.uploaded_at,
			missing = EXCLUDED.missing`
	var uploadedAt interface{}
	if !seg.UploadedAt.IsZero() {
		uploadedAt = seg.UploadedAt
	}
	if _, err := r.pool.Exec(ctx, q, recordingID, seg.SequenceIndex, seg.VideoLocator, seg.AudioLocator,
		seg.DurationSeconds, uploadedAt, seg.Missing); err != nil {
		return fmt.Errorf("upsert segment: %w", err)
	}
	return nil
}

// GetByRecordingID returns a session with its segments ordered by sequence.
func (r *Repository) GetByRecordingID(ctx context.Context, recordingID uuid.UUID) (*models.RecordingSession, error) {
	const q = `SELECT recording_id, alert_id, state, started_at, stopped_at
		FROM recording_sessions WHERE recording_id = $1`
	var s models.RecordingSession
	err := r.pool.QueryRow(ctx, q, recordingID).Scan(&s.RecordingID, &s.AlertID, &s.State, &s.StartedAt, &s.StoppedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if err := r.loadSegments(ctx, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetLatestByAlert returns the most recently started session for an alert.
func (r *Repository) GetLatestByAlert(ctx context.Context, alertID uuid.UUID) (*models.RecordingSession, error) {
	const q = `SELECT recording_id, alert_id, state, started_at, stopped_at
		FROM recording_sessions WHERE alert_id = $1 ORDER BY started_at DESC LIMIT 1`
	var s models.RecordingSession
	err := r.pool.QueryRow(ctx, q, alertID).Scan(&s.RecordingID, &s.AlertID, &s.State, &s.StartedAt, &s.StoppedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("get session by alert: %w", err)
	}
	if err := r.loadSegments(ctx, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) loadSegments(ctx context.Context, s *models.RecordingSession) error {
	const q = `SELECT sequence_index, video_locator, audio_locator, duration_seconds,
			COALESCE(uploaded_at, '0001-01-01T00:00:00Z'::timestamptz), missing
		FROM recording_segments WHERE recording_id = $1 ORDER BY sequence_index`
	rows, err := r.pool.Query(ctx, q, s.RecordingID)
	if err != nil {
		return fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(&seg.SequenceIndex, &seg.VideoLocator, &seg.AudioLocator,
			&seg.DurationSeconds, &seg.UploadedAt, &seg.Missing); err != nil {
			return fmt.Errorf("scan segment: %w", err)
		}
		s.Segments = append(s.Segments, seg)
	}
	return rows.Err()
}
