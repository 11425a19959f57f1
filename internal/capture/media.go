package capture

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/ingest"
)

// StreamHandle is the exclusive handle to one reporter's combined
// audio+video feed. Exactly one live handle exists per session; recorder
// tokens read chunks from it in short-lived cycles.
type StreamHandle struct {
	alertID uuid.UUID
	chunks  <-chan ingest.Chunk

	mu     sync.Mutex
	closed bool
}

// NewStreamHandle wraps a chunk channel as a stream handle. Exposed for the
// capture tests; production handles come from FeedAcquisition.
func NewStreamHandle(alertID uuid.UUID, chunks <-chan ingest.Chunk) *StreamHandle {
	return &StreamHandle{alertID: alertID, chunks: chunks}
}

// AlertID returns the alert this handle records for.
func (h *StreamHandle) AlertID() uuid.UUID { return h.alertID }

// Closed reports whether the handle has been released.
func (h *StreamHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *StreamHandle) close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
}

// Acquirer obtains and releases the capture stream for one alert. Release is
// idempotent and guaranteed on every session exit path.
type Acquirer interface {
	Acquire(ctx context.Context, alertID uuid.UUID) (*StreamHandle, error)
	Release(h *StreamHandle)
}

// FeedAcquisition implements Acquirer over the WebSocket ingest hub: the
// reporter's publisher socket is the device, a claimed feed is the handle.
type FeedAcquisition struct {
	hub    *ingest.Hub
	logger *zap.Logger

	mu      sync.Mutex
	handles map[uuid.UUID]*StreamHandle
}

// NewFeedAcquisition creates a feed-backed media acquisition.
func NewFeedAcquisition(hub *ingest.Hub, logger *zap.Logger) *FeedAcquisition {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FeedAcquisition{hub: hub, logger: logger, handles: make(map[uuid.UUID]*StreamHandle)}
}

// Acquire claims the alert's feed. A second Acquire for the same alert while
// a handle is live returns the existing handle rather than claiming twice.
func (a *FeedAcquisition) Acquire(ctx context.Context, alertID uuid.UUID) (*StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if h, ok := a.handles[alertID]; ok && !h.Closed() {
		a.mu.Unlock()
		return h, nil
	}
	a.mu.Unlock()

	feed := a.hub.Lookup(alertID)
	if feed == nil {
		return nil, ErrDeviceUnavailable
	}
	if feed.Denied() {
		return nil, ErrPermissionDenied
	}
	if !feed.Live() {
		return nil, ErrDeviceUnavailable
	}
	chunks, err := feed.Claim()
	if err != nil {
		return nil, ErrDeviceUnavailable
	}

	h := NewStreamHandle(alertID, chunks)
	a.mu.Lock()
	a.handles[alertID] = h
	a.mu.Unlock()
	a.logger.Info("capture stream acquired", zap.String("alert_id", alertID.String()))
	return h, nil
}

// Release closes the handle and its underlying feed. Idempotent: the feed's
// tracks are stopped on every exit path, never twice.
func (a *FeedAcquisition) Release(h *StreamHandle) {
	if h == nil || h.Closed() {
		return
	}
	h.close()

	a.mu.Lock()
	if cur, ok := a.handles[h.alertID]; ok && cur == h {
		delete(a.handles, h.alertID)
	}
	a.mu.Unlock()

	if feed := a.hub.Lookup(h.alertID); feed != nil {
		feed.Unclaim()
		feed.Close()
	}
	a.hub.Remove(h.alertID)
	a.logger.Info("capture stream released", zap.String("alert_id", h.alertID.String()))
}
