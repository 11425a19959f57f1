package alerts

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/voteguard/backend/internal/models"
	"github.com/voteguard/backend/pkg/storage"
)

type fakeStore struct {
	mu     sync.Mutex
	alerts map[uuid.UUID]*models.FraudAlert
}

func newFakeStore() *fakeStore {
	return &fakeStore{alerts: make(map[uuid.UUID]*models.FraudAlert)}
}

func (s *fakeStore) Create(ctx context.Context, alert *models.FraudAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert.CreatedAt = time.Now()
	cp := *alert
	s.alerts[alert.ID] = &cp
	return nil
}

func (s *fakeStore) GetByID(ctx context.Context, id uuid.UUID) (*models.FraudAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *fakeStore) List(ctx context.Context, page, pageSize int, status *models.AlertStatus) ([]models.FraudAlert, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FraudAlert
	for _, a := range s.alerts {
		if status == nil || a.Status == *status {
			out = append(out, *a)
		}
	}
	return out, len(out), nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id uuid.UUID, status models.AlertStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	a.Status = status
	return nil
}

type fakeMedia struct {
	mu      sync.Mutex
	keys    []string
	deleted []string
	err     error
}

func (m *fakeMedia) Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.keys = append(m.keys, key)
	return "https://bucket/" + key, nil
}

func (m *fakeMedia) DeleteObject(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *Notifier) {
	t.Helper()
	svc, store, notifier, _ := newTestServiceWithMedia(t)
	return svc, store, notifier
}

func newTestServiceWithMedia(t *testing.T) (*Service, *fakeStore, *Notifier, *fakeMedia) {
	t.Helper()
	store := newFakeStore()
	notifier := NewNotifier()
	t.Cleanup(notifier.Close)
	media := &fakeMedia{}
	return NewService(store, media, notifier, nil), store, notifier, media
}

func TestSubmitValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Submit(ctx, SubmitInput{Location: "precinct 7"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing description = %v, want ErrValidation", err)
	}
	if _, err := svc.Submit(ctx, SubmitInput{Description: "ballot stuffing"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("missing location = %v, want ErrValidation", err)
	}
	if _, err := svc.Submit(ctx, SubmitInput{Description: "   ", Location: "x"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank description = %v, want ErrValidation", err)
	}
}

func TestSubmitCreatesPendingAlert(t *testing.T) {
	svc, store, _ := newTestService(t)

	alert, err := svc.Submit(context.Background(), SubmitInput{
		Description: "  ballot stuffing observed  ",
		Location:    "precinct 7",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if alert.Status != models.AlertStatusPending {
		t.Fatalf("status = %s, want pending", alert.Status)
	}
	if alert.Description != "ballot stuffing observed" {
		t.Fatalf("description not trimmed: %q", alert.Description)
	}
	if alert.UserID != nil {
		t.Fatal("anonymous submission must have nil user")
	}
	if _, err := store.GetByID(context.Background(), alert.ID); err != nil {
		t.Fatalf("alert not persisted: %v", err)
	}
}

func TestSubmitRejectsBadAttachmentType(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Submit(context.Background(), SubmitInput{
		Description: "d",
		Location:    "l",
		Attachment: &Attachment{
			ContentType: "application/x-msdownload",
			Size:        10,
			Body:        strings.NewReader("xx"),
		},
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("bad attachment type = %v, want ErrValidation", err)
	}
}

func TestSubmitSurvivesAttachmentUploadFailure(t *testing.T) {
	store := newFakeStore()
	notifier := NewNotifier()
	defer notifier.Close()
	media := &fakeMedia{err: errors.New("bucket down")}
	svc := NewService(store, media, notifier, nil)

	alert, err := svc.Submit(context.Background(), SubmitInput{
		Description: "d",
		Location:    "l",
		Attachment: &Attachment{
			ContentType: "image/png",
			Size:        4,
			Body:        strings.NewReader("data"),
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if alert.MediaURL != "" {
		t.Fatalf("media URL = %q, want empty after failed upload", alert.MediaURL)
	}
}

func TestNotifierDeliversInCreationOrder(t *testing.T) {
	svc, _, notifier := newTestService(t)

	var mu sync.Mutex
	var got []uuid.UUID
	done := make(chan struct{}, 8)
	unsubscribe := notifier.Subscribe(func(a models.FraudAlert) {
		mu.Lock()
		got = append(got, a.ID)
		mu.Unlock()
		done <- struct{}{}
	})
	defer unsubscribe()

	var want []uuid.UUID
	for i := 0; i < 3; i++ {
		alert, err := svc.Submit(context.Background(), SubmitInput{Description: "d", Location: "l"})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		want = append(want, alert.ID)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery timed out")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("delivered %d alerts, want 3", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestNotifierLateSubscriberMissesEarlierAlerts(t *testing.T) {
	svc, _, notifier := newTestService(t)

	early, err := svc.Submit(context.Background(), SubmitInput{Description: "d", Location: "l"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	// Let dispatch drain before subscribing.
	time.Sleep(20 * time.Millisecond)

	var mu sync.Mutex
	var got []uuid.UUID
	done := make(chan struct{}, 8)
	unsubscribe := notifier.Subscribe(func(a models.FraudAlert) {
		mu.Lock()
		got = append(got, a.ID)
		mu.Unlock()
		done <- struct{}{}
	})
	defer unsubscribe()

	late, err := svc.Submit(context.Background(), SubmitInput{Description: "d", Location: "l"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery timed out")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != late.ID {
		t.Fatalf("late subscriber got %v, want only %s (not %s)", got, late.ID, early.ID)
	}
}

func TestAdvanceStatus(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	alert, err := svc.Submit(ctx, SubmitInput{Description: "d", Location: "l"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	updated, err := svc.AdvanceStatus(ctx, alert.ID, models.AlertStatusReviewing)
	if err != nil {
		t.Fatalf("AdvanceStatus to reviewing: %v", err)
	}
	if updated.Status != models.AlertStatusReviewing {
		t.Fatalf("status = %s, want reviewing", updated.Status)
	}

	if _, err := svc.AdvanceStatus(ctx, alert.ID, models.AlertStatusPending); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("back to pending = %v, want ErrInvalidTransition", err)
	}

	if _, err := svc.AdvanceStatus(ctx, alert.ID, models.AlertStatusConfirmed); err != nil {
		t.Fatalf("AdvanceStatus to confirmed: %v", err)
	}
	if _, err := svc.AdvanceStatus(ctx, alert.ID, models.AlertStatusRejected); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("confirmed to rejected = %v, want ErrInvalidTransition", err)
	}

	if _, err := svc.AdvanceStatus(ctx, uuid.New(), models.AlertStatusReviewing); !errors.Is(err, ErrAlertNotFound) {
		t.Fatalf("unknown alert = %v, want ErrAlertNotFound", err)
	}
}

func TestRejectionRemovesAttachment(t *testing.T) {
	svc, _, _, media := newTestServiceWithMedia(t)
	ctx := context.Background()

	alert, err := svc.Submit(ctx, SubmitInput{
		Description: "d",
		Location:    "l",
		Attachment: &Attachment{
			ContentType: "image/png",
			Size:        4,
			Body:        strings.NewReader("data"),
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if alert.MediaURL == "" {
		t.Fatal("attachment not uploaded")
	}

	if _, err := svc.AdvanceStatus(ctx, alert.ID, models.AlertStatusRejected); err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}

	media.mu.Lock()
	deleted := append([]string(nil), media.deleted...)
	media.mu.Unlock()
	wantKey := storage.AttachmentKey(alert.ID.String(), "image/png")
	if len(deleted) != 1 || deleted[0] != wantKey {
		t.Fatalf("deleted = %v, want [%s]", deleted, wantKey)
	}
}

func TestConfirmationKeepsAttachment(t *testing.T) {
	svc, _, _, media := newTestServiceWithMedia(t)
	ctx := context.Background()

	alert, err := svc.Submit(ctx, SubmitInput{
		Description: "d",
		Location:    "l",
		Attachment: &Attachment{
			ContentType: "image/png",
			Size:        4,
			Body:        strings.NewReader("data"),
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := svc.AdvanceStatus(ctx, alert.ID, models.AlertStatusConfirmed); err != nil {
		t.Fatalf("AdvanceStatus: %v", err)
	}

	media.mu.Lock()
	deleted := len(media.deleted)
	media.mu.Unlock()
	if deleted != 0 {
		t.Fatalf("deleted %d objects, want 0 for confirmed reports", deleted)
	}
}
