package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/models"
)

// UploadSink receives finished segments for asynchronous upload. Enqueue must
// not block on upload completion: the controller's rotation loop hands a
// segment off and immediately begins the next cycle. SessionEnded tells the
// sink how many segments the session produced in total, so per-recording
// bookkeeping can be retired once they all resolve.
type UploadSink interface {
	Enqueue(seg FinishedSegment, alertID, recordingID uuid.UUID, seq int)
	SessionEnded(recordingID uuid.UUID, total int)
}

// StateStore persists session state transitions. Persistence failures are
// logged and never interrupt capture.
type StateStore interface {
	UpdateState(ctx context.Context, recordingID uuid.UUID, state models.SessionState) error
}

// ControllerConfig configures one recording session controller.
type ControllerConfig struct {
	AlertID     uuid.UUID
	RecordingID uuid.UUID
	// Interval is the segment rotation interval; <= 0 uses 30s.
	Interval time.Duration
	// DeviceRetryDelay is the wait before the single DeviceUnavailable
	// retry; <= 0 uses 2s.
	DeviceRetryDelay time.Duration
	// OnState, when set, observes every state transition.
	OnState func(state models.SessionState)
}

// Controller drives one recording session: it owns the stream handle,
// rotates recorder cycles on a fixed interval, and hands finished segments
// to the upload sink. All transitions for a session run on a single
// goroutine, so rotation and stop requests are serialized; a stop arriving
// mid-rotation is deferred until the rotation completes, never dropped.
type Controller struct {
	alertID     uuid.UUID
	recordingID uuid.UUID
	interval    time.Duration
	retryDelay  time.Duration
	onState     func(models.SessionState)

	acquirer Acquirer
	recorder *SegmentRecorder
	uploads  UploadSink
	states   StateStore
	logger   *zap.Logger

	mu      sync.Mutex
	state   models.SessionState
	started bool

	stopOnce    sync.Once
	stopCh      chan struct{}
	done        chan struct{}
	releaseOnce sync.Once

	persistCh chan models.SessionState
}

// NewController creates a controller in the Idle state.
func NewController(cfg ControllerConfig, acquirer Acquirer, recorder *SegmentRecorder, uploads UploadSink, states StateStore, logger *zap.Logger) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.DeviceRetryDelay <= 0 {
		cfg.DeviceRetryDelay = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		alertID:     cfg.AlertID,
		recordingID: cfg.RecordingID,
		interval:    cfg.Interval,
		retryDelay:  cfg.DeviceRetryDelay,
		onState:     cfg.OnState,
		acquirer:    acquirer,
		recorder:    recorder,
		uploads:     uploads,
		states:      states,
		logger:      logger,
		state:       models.SessionIdle,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		persistCh:   make(chan models.SessionState, 16),
	}
}

// AlertID returns the alert this session records for.
func (c *Controller) AlertID() uuid.UUID { return c.alertID }

// RecordingID returns the session's recording identifier.
func (c *Controller) RecordingID() uuid.UUID { return c.recordingID }

// State returns the current session state.
func (c *Controller) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start launches the session goroutine. A controller starts at most once.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrSessionStarted
	}
	c.started = true
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop requests session shutdown. Idempotent and safe from any state: from
// Idle it is a no-op, during acquisition it aborts once acquisition settles,
// and while recording it ends the current segment and enqueues its upload.
// Stop does not wait; use Wait for completion.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Wait blocks until the session reaches a terminal state. Returns
// immediately for a controller that was never started but was stopped.
func (c *Controller) Wait() {
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if !started {
		return
	}
	<-c.done
}

func (c *Controller) setState(s models.SessionState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()

	c.logger.Debug("session state",
		zap.String("alert_id", c.alertID.String()),
		zap.String("recording_id", c.recordingID.String()),
		zap.String("state", string(s)))

	// Persistence runs on its own goroutine so a slow store can never stall
	// the rotation step. When the buffer backs up the oldest entry gives way;
	// the terminal state is always the last one queued.
	if c.states != nil {
		select {
		case c.persistCh <- s:
		default:
			select {
			case <-c.persistCh:
			default:
			}
			select {
			case c.persistCh <- s:
			default:
			}
			c.logger.Warn("session state persistence lagging",
				zap.String("recording_id", c.recordingID.String()))
		}
	}
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Controller) persistLoop(done chan struct{}) {
	defer close(done)
	for s := range c.persistCh {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.states.UpdateState(ctx, c.recordingID, s); err != nil {
			c.logger.Warn("persist session state failed",
				zap.Error(err),
				zap.String("recording_id", c.recordingID.String()),
				zap.String("state", string(s)))
		}
		cancel()
	}
}

func (c *Controller) release(h *StreamHandle) {
	c.releaseOnce.Do(func() {
		if h != nil {
			c.acquirer.Release(h)
		}
	})
}

// acquire performs hardware acquisition with the single DeviceUnavailable
// retry. PermissionDenied is fatal immediately.
func (c *Controller) acquire(ctx context.Context) (*StreamHandle, error) {
	h, err := c.acquirer.Acquire(ctx, c.alertID)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, ErrDeviceUnavailable) {
		return nil, err
	}
	c.logger.Warn("device unavailable, retrying once",
		zap.String("alert_id", c.alertID.String()),
		zap.String("recording_id", c.recordingID.String()))
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.stopCh:
		return nil, context.Canceled
	case <-time.After(c.retryDelay):
	}
	return c.acquirer.Acquire(ctx, c.alertID)
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	if c.states != nil {
		persistDone := make(chan struct{})
		go c.persistLoop(persistDone)
		defer func() {
			close(c.persistCh)
			<-persistDone
		}()
	}

	c.setState(models.SessionAcquiring)
	handle, err := c.acquire(ctx)
	if err != nil {
		c.release(handle)
		if errors.Is(err, context.Canceled) {
			// Stop arrived while acquiring.
			c.setState(models.SessionStopped)
			return
		}
		c.logger.Error("session acquisition failed",
			zap.Error(err),
			zap.String("alert_id", c.alertID.String()),
			zap.String("recording_id", c.recordingID.String()))
		c.setState(models.SessionFailed)
		return
	}

	// A stop that arrived while acquiring aborts before the first cycle.
	select {
	case <-c.stopCh:
		c.release(handle)
		c.setState(models.SessionStopped)
		return
	case <-ctx.Done():
		c.release(handle)
		c.setState(models.SessionStopped)
		return
	default:
	}

	token, err := c.recorder.Begin(handle)
	if err != nil {
		c.logger.Error("first recorder cycle failed",
			zap.Error(err),
			zap.String("alert_id", c.alertID.String()),
			zap.String("recording_id", c.recordingID.String()))
		c.release(handle)
		c.setState(models.SessionFailed)
		return
	}
	c.setState(models.SessionRecording)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	seq := 0

	for {
		select {
		case <-c.stopCh:
			c.finish(handle, token, seq)
			return
		case <-ctx.Done():
			c.finish(handle, token, seq)
			return
		case <-ticker.C:
			// Rotation is one logical step: end the cycle, dispatch the
			// segment, and begin the next cycle on the same handle before
			// serving any other request. Two live tokens never coexist.
			c.setState(models.SessionRotating)
			seg, err := c.recorder.End(token)
			if err != nil {
				c.fail(handle, err, seq)
				return
			}
			c.uploads.Enqueue(seg, c.alertID, c.recordingID, seq)
			seq++

			token, err = c.recorder.Begin(handle)
			if err != nil {
				c.fail(handle, err, seq)
				return
			}
			c.setState(models.SessionRecording)
		}
	}
}

// finish runs the Stopping path: end the partial segment, enqueue its
// upload, release the handle, and land in Stopped.
func (c *Controller) finish(handle *StreamHandle, token *RecorderToken, seq int) {
	c.setState(models.SessionStopping)
	total := seq
	seg, err := c.recorder.End(token)
	if err != nil {
		c.logger.Warn("final segment flush failed",
			zap.Error(err),
			zap.String("recording_id", c.recordingID.String()),
			zap.Int("sequence_index", seq))
	} else {
		c.uploads.Enqueue(seg, c.alertID, c.recordingID, seq)
		total = seq + 1
	}
	c.uploads.SessionEnded(c.recordingID, total)
	c.release(handle)
	c.setState(models.SessionStopped)
	c.logger.Info("recording session stopped",
		zap.String("alert_id", c.alertID.String()),
		zap.String("recording_id", c.recordingID.String()),
		zap.Int("segments", total))
}

func (c *Controller) fail(handle *StreamHandle, err error, seq int) {
	c.logger.Error("recording session failed",
		zap.Error(err),
		zap.String("alert_id", c.alertID.String()),
		zap.String("recording_id", c.recordingID.String()),
		zap.Int("sequence_index", seq))
	// Segments 0..seq-1 are already with the sink.
	c.uploads.SessionEnded(c.recordingID, seq)
	c.release(handle)
	c.setState(models.SessionFailed)
}
