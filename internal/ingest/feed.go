package ingest

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// feedBufferSize bounds chunks buffered between the publisher and the
// recorder. Chunks beyond it are dropped (and counted) rather than blocking
// the ingest socket.
const feedBufferSize = 256

var (
	// ErrFeedClaimed is returned when a second consumer tries to attach to a feed.
	ErrFeedClaimed = errors.New("feed already claimed")
	// ErrFeedClosed is returned when the feed's publisher has gone away.
	ErrFeedClosed = errors.New("feed closed")
)

// ChunkKind distinguishes the two tracks a reporter may publish.
type ChunkKind byte

const (
	// ChunkVideo is the muxed audio+video MediaRecorder output.
	ChunkVideo ChunkKind = 0
	// ChunkAudio is the optional audio-only track.
	ChunkAudio ChunkKind = 1
)

// Chunk is one binary MediaRecorder chunk received from the reporter.
type Chunk struct {
	Kind ChunkKind
	Data []byte
	At   time.Time
}

// Feed is the live chunk stream for one alert. The reporter's WebSocket
// publishes into it; at most one consumer (the session's stream handle) may
// claim it at a time.
type Feed struct {
	alertID uuid.UUID

	mu      sync.Mutex
	chunks  chan Chunk
	claimed bool
	live    bool
	denied  bool
	closed  bool
	dropped int64
	logger  *zap.Logger
}

func newFeed(alertID uuid.UUID, logger *zap.Logger) *Feed {
	return &Feed{
		alertID: alertID,
		chunks:  make(chan Chunk, feedBufferSize),
		logger:  logger,
	}
}

// AlertID returns the alert this feed belongs to.
func (f *Feed) AlertID() uuid.UUID { return f.alertID }

// Publish delivers a chunk from the reporter. Never blocks: when the buffer
// is full the chunk is dropped and counted.
func (f *Feed) Publish(kind ChunkKind, data []byte) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	select {
	case f.chunks <- Chunk{Kind: kind, Data: data, At: time.Now()}:
	default:
		f.mu.Lock()
		f.dropped++
		dropped := f.dropped
		f.mu.Unlock()
		if dropped%100 == 1 {
			f.logger.Warn("ingest buffer full, dropping chunk",
				zap.String("alert_id", f.alertID.String()),
				zap.Int64("dropped_total", dropped))
		}
	}
}

// Claim attaches the single allowed consumer and returns the chunk channel.
func (f *Feed) Claim() (<-chan Chunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrFeedClosed
	}
	if f.claimed {
		return nil, ErrFeedClaimed
	}
	f.claimed = true
	return f.chunks, nil
}

// Unclaim releases the consumer slot. Safe to call when not claimed.
func (f *Feed) Unclaim() {
	f.mu.Lock()
	f.claimed = false
	f.mu.Unlock()
}

// SetLive marks whether the reporter's publisher socket is connected.
func (f *Feed) SetLive(live bool) {
	f.mu.Lock()
	f.live = live
	f.mu.Unlock()
}

// Live reports whether the reporter is currently publishing.
func (f *Feed) Live() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live && !f.closed
}

// Deny records that the reporter's browser refused hardware access.
func (f *Feed) Deny() {
	f.mu.Lock()
	f.denied = true
	f.mu.Unlock()
}

// Denied reports whether hardware access was refused.
func (f *Feed) Denied() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.denied
}

// Close shuts the feed down. The chunk channel is closed so an attached
// consumer drains what is buffered and stops. Idempotent.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.live = false
	close(f.chunks)
}

// Hub tracks one feed per alert.
type Hub struct {
	mu           sync.RWMutex
	feeds        map[uuid.UUID]*Feed
	logger       *zap.Logger
	onDisconnect func(alertID uuid.UUID)
}

// NewHub creates an ingest hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{feeds: make(map[uuid.UUID]*Feed), logger: logger}
}

// SetDisconnectHandler sets the callback invoked when a reporter's publisher
// socket closes while a feed exists. The capture trigger uses it to drive the
// session's stop path so hardware-side teardown and UI close behave the same.
func (h *Hub) SetDisconnectHandler(fn func(alertID uuid.UUID)) {
	h.mu.Lock()
	h.onDisconnect = fn
	h.mu.Unlock()
}

// Feed returns the feed for an alert, creating it if needed.
func (h *Hub) Feed(alertID uuid.UUID) *Feed {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.feeds[alertID]
	if !ok {
		f = newFeed(alertID, h.logger)
		h.feeds[alertID] = f
	}
	return f
}

// Lookup returns the feed for an alert or nil.
func (h *Hub) Lookup(alertID uuid.UUID) *Feed {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.feeds[alertID]
}

// Remove closes and forgets the feed for an alert.
func (h *Hub) Remove(alertID uuid.UUID) {
	h.mu.Lock()
	f, ok := h.feeds[alertID]
	delete(h.feeds, alertID)
	h.mu.Unlock()
	if ok {
		f.Close()
	}
}

func (h *Hub) disconnected(alertID uuid.UUID) {
	h.mu.RLock()
	fn := h.onDisconnect
	h.mu.RUnlock()
	if fn != nil {
		fn(alertID)
	}
}
