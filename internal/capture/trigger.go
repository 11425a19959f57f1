package capture

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/models"
)

// ControllerFactory builds a controller for one (alertID, recordingID) pair.
type ControllerFactory func(alertID, recordingID uuid.UUID) *Controller

// SessionCreator creates the recording session row when a session starts.
type SessionCreator interface {
	CreateSession(ctx context.Context, recordingID, alertID uuid.UUID) error
}

// Trigger bridges "alert submitted" to "recording started": for each newly
// created alert it mints a recording identifier and starts exactly one
// controller, delivered as a direct call rather than a broadcast so unrelated
// sessions never cross-talk.
type Trigger struct {
	factory  ControllerFactory
	sessions SessionCreator // optional
	logger   *zap.Logger

	mu          sync.Mutex
	controllers map[uuid.UUID]*Controller // by alert ID
}

// NewTrigger creates a session trigger.
func NewTrigger(factory ControllerFactory, sessions SessionCreator, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		factory:     factory,
		sessions:    sessions,
		logger:      logger,
		controllers: make(map[uuid.UUID]*Controller),
	}
}

// OnAlertCreated starts a recording session for the alert. Idempotent: while
// a controller for the alert is not Stopped/Failed no second one is created.
func (t *Trigger) OnAlertCreated(alert models.FraudAlert) {
	t.mu.Lock()
	if existing, ok := t.controllers[alert.ID]; ok && !existing.State().Terminal() {
		t.mu.Unlock()
		t.logger.Debug("session already active for alert", zap.String("alert_id", alert.ID.String()))
		return
	}

	recordingID := uuid.New()
	ctrl := t.factory(alert.ID, recordingID)
	t.controllers[alert.ID] = ctrl
	t.mu.Unlock()

	if t.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.sessions.CreateSession(ctx, recordingID, alert.ID); err != nil {
			// Evidence capture takes priority over bookkeeping.
			t.logger.Warn("create session row failed",
				zap.Error(err),
				zap.String("alert_id", alert.ID.String()),
				zap.String("recording_id", recordingID.String()))
		}
		cancel()
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.logger.Error("start session failed",
			zap.Error(err),
			zap.String("alert_id", alert.ID.String()),
			zap.String("recording_id", recordingID.String()))
		return
	}
	t.logger.Info("recording session started",
		zap.String("alert_id", alert.ID.String()),
		zap.String("recording_id", recordingID.String()))
}

// Controller returns the controller for an alert, or nil.
func (t *Trigger) Controller(alertID uuid.UUID) *Controller {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.controllers[alertID]
}

// Stop requests shutdown of the alert's session. Returns false when no
// active session exists.
func (t *Trigger) Stop(alertID uuid.UUID) bool {
	t.mu.Lock()
	ctrl, ok := t.controllers[alertID]
	t.mu.Unlock()
	if !ok || ctrl.State().Terminal() {
		return false
	}
	ctrl.Stop()
	return true
}

// StopAll stops every live session and waits for them to reach a terminal
// state. Used at graceful shutdown so no hardware handle is abandoned.
func (t *Trigger) StopAll() {
	t.mu.Lock()
	ctrls := make([]*Controller, 0, len(t.controllers))
	for _, c := range t.controllers {
		ctrls = append(ctrls, c)
	}
	t.mu.Unlock()

	for _, c := range ctrls {
		c.Stop()
	}
	for _, c := range ctrls {
		c.Wait()
	}
}
