package alerts

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/models"
	"github.com/voteguard/backend/pkg/storage"
)

// Store is the persistence surface the service needs.
type Store interface {
	Create(ctx context.Context, alert *models.FraudAlert) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error)
	List(ctx context.Context, page, pageSize int, status *models.AlertStatus) ([]models.FraudAlert, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.AlertStatus) error
}

// MediaUploader stores the optional form attachment and removes it again when
// moderation rejects the report.
type MediaUploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
	DeleteObject(ctx context.Context, key string) error
}

// Attachment is the optional still/audio file submitted with the alert form.
type Attachment struct {
	ContentType string
	Size        int64
	Body        io.Reader
}

// SubmitInput is the alert submission payload.
type SubmitInput struct {
	Description string
	Location    string
	UserID      *uuid.UUID
	Attachment  *Attachment
}

// Service validates and persists alert submissions, then announces them to
// subscribers (the session trigger among them).
type Service struct {
	store    Store
	media    MediaUploader // optional
	notifier *Notifier
	logger   *zap.Logger
}

// NewService creates the alert service.
func NewService(store Store, media MediaUploader, notifier *Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, media: media, notifier: notifier, logger: logger}
}

// Submit validates the input, uploads the optional attachment, persists the
// alert with status pending, and publishes it to subscribers.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*models.FraudAlert, error) {
	if strings.TrimSpace(in.Description) == "" {
		return nil, fmt.Errorf("%w: description is required", ErrValidation)
	}
	if strings.TrimSpace(in.Location) == "" {
		return nil, fmt.Errorf("%w: location is required", ErrValidation)
	}

	alert := &models.FraudAlert{
		ID:          uuid.New(),
		Description: strings.TrimSpace(in.Description),
		Location:    strings.TrimSpace(in.Location),
		Status:      models.AlertStatusPending,
		UserID:      in.UserID,
	}

	if in.Attachment != nil {
		if !storage.ValidateAttachmentType(in.Attachment.ContentType) {
			return nil, fmt.Errorf("%w: unsupported attachment type %q", ErrValidation, in.Attachment.ContentType)
		}
		if in.Attachment.Size > storage.MaxAttachmentSize {
			return nil, fmt.Errorf("%w: attachment exceeds %d bytes", ErrValidation, storage.MaxAttachmentSize)
		}
		if s.media != nil {
			key := storage.AttachmentKey(alert.ID.String(), in.Attachment.ContentType)
			url, err := s.media.Upload(ctx, key, in.Attachment.ContentType, in.Attachment.Body, in.Attachment.Size)
			if err != nil {
				// The attachment is supplementary; the alert still goes through.
				s.logger.Warn("attachment upload failed", zap.Error(err), zap.String("alert_id", alert.ID.String()))
			} else {
				alert.MediaURL = url
				alert.MediaType = in.Attachment.ContentType
			}
		}
	}

	if err := s.store.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("persist alert: %w", err)
	}

	s.notifier.Publish(*alert)
	s.logger.Info("alert submitted",
		zap.String("alert_id", alert.ID.String()),
		zap.String("location", alert.Location))
	return alert, nil
}

// GetByID returns one alert.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error) {
	return s.store.GetByID(ctx, id)
}

// List returns one page of alerts, newest first, optionally status-filtered.
func (s *Service) List(ctx context.Context, page, pageSize int, status *models.AlertStatus) ([]models.FraudAlert, int, error) {
	return s.store.List(ctx, page, pageSize, status)
}

// AdvanceStatus applies a moderation transition. Transitions only move
// forward; there is no way back to pending.
func (s *Service) AdvanceStatus(ctx context.Context, id uuid.UUID, next models.AlertStatus) (*models.FraudAlert, error) {
	alert, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !alert.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, alert.Status, next)
	}
	if err := s.store.UpdateStatus(ctx, id, next); err != nil {
		return nil, err
	}
	alert.Status = next

	// Rejected reports keep no form attachment; the continuous evidence
	// recording is retained regardless of the verdict.
	if next == models.AlertStatusRejected && s.media != nil && alert.MediaType != "" {
		key := storage.AttachmentKey(alert.ID.String(), alert.MediaType)
		if err := s.media.DeleteObject(ctx, key); err != nil {
			s.logger.Warn("remove rejected attachment failed",
				zap.Error(err),
				zap.String("alert_id", id.String()))
		}
	}
	s.logger.Info("alert status advanced",
		zap.String("alert_id", id.String()),
		zap.String("status", string(next)))
	return alert, nil
}
