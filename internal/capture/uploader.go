package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/models"
	"github.com/voteguard/backend/pkg/queue"
	"github.com/voteguard/backend/pkg/storage"
)

const segmentContentType = "video/webm"

// ObjectStore persists binary objects and returns their locators.
type ObjectStore interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// SegmentStore writes segment results onto the recording session record.
type SegmentStore interface {
	UpsertSegment(ctx context.Context, recordingID uuid.UUID, seg models.Segment) error
}

// ReuploadQueue accepts spooled segments for background re-upload.
type ReuploadQueue interface {
	EnqueueSegmentReupload(ctx context.Context, payload queue.SegmentReuploadPayload) error
}

// Uploader converts finished segments into durable storage objects. Uploads
// run detached from the rotation loop; results are committed to the session
// record strictly in sequence order even when uploads complete out of order.
// Transient failures retry with exponential backoff; once retries are
// exhausted the segment is spooled to disk and handed to the re-upload queue
// (at-least-once). Permanent failures leave a gap and the session continues.
type Uploader struct {
	store    ObjectStore
	sessions SegmentStore
	requeue  ReuploadQueue // optional
	spoolDir string

	maxAttempts int
	backoff     time.Duration
	logger      *zap.Logger

	mu      sync.Mutex
	commits map[uuid.UUID]*orderedCommit
	wg      sync.WaitGroup
}

// orderedCommit buffers out-of-order results until every lower index has
// resolved (uploaded or marked missing). total is the session's final segment
// count once known (-1 while the session is still recording); when next
// reaches it the entry is dropped.
type orderedCommit struct {
	next    int
	total   int
	pending map[int]models.Segment
}

// UploaderConfig configures segment upload behavior.
type UploaderConfig struct {
	// MaxAttempts bounds transient retries; <= 0 uses 3.
	MaxAttempts int
	// Backoff is the base delay between attempts, doubled each retry;
	// <= 0 uses 500ms.
	Backoff time.Duration
	// SpoolDir holds segments awaiting background re-upload; empty uses the
	// system temp directory.
	SpoolDir string
}

// NewUploader creates a segment uploader.
func NewUploader(cfg UploaderConfig, store ObjectStore, sessions SegmentStore, requeue ReuploadQueue, logger *zap.Logger) *Uploader {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.SpoolDir == "" {
		cfg.SpoolDir = filepath.Join(os.TempDir(), "voteguard-spool")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		store:       store,
		sessions:    sessions,
		requeue:     requeue,
		spoolDir:    cfg.SpoolDir,
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		logger:      logger,
		commits:     make(map[uuid.UUID]*orderedCommit),
	}
}

// Enqueue dispatches a segment upload as detached background work. Never
// blocks the caller on upload completion.
func (u *Uploader) Enqueue(seg FinishedSegment, alertID, recordingID uuid.UUID, seq int) {
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.process(context.Background(), seg, alertID, recordingID, seq)
	}()
}

// Wait blocks until all dispatched uploads have resolved. Used by tests and
// graceful shutdown.
func (u *Uploader) Wait() { u.wg.Wait() }

// SessionEnded records that no segment beyond total-1 will arrive for the
// recording, so the commit bookkeeping can be dropped once every index has
// resolved.
func (u *Uploader) SessionEnded(recordingID uuid.UUID, total int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	oc, ok := u.commits[recordingID]
	if !ok {
		if total <= 0 {
			return
		}
		// Uploads are still in flight; remember the count for when their
		// results land.
		oc = &orderedCommit{total: total, pending: make(map[int]models.Segment)}
		u.commits[recordingID] = oc
		return
	}
	oc.total = total
	if oc.next >= oc.total {
		delete(u.commits, recordingID)
	}
}

func (u *Uploader) process(ctx context.Context, seg FinishedSegment, alertID, recordingID uuid.UUID, seq int) {
	result := models.Segment{
		SequenceIndex:   seq,
		DurationSeconds: seg.Duration.Seconds(),
	}

	if seg.VideoSize() == 0 {
		// Nothing arrived during the cycle; malformed payload, not retryable.
		u.logger.Error("segment has no media payload",
			zap.String("alert_id", alertID.String()),
			zap.String("recording_id", recordingID.String()),
			zap.Int("sequence_index", seq))
		result.Missing = true
		u.commit(recordingID, result)
		return
	}

	videoKey := storage.SegmentVideoKey(alertID.String(), recordingID.String(), seq)
	videoLoc, err := u.putWithRetry(ctx, videoKey, seg.Video, seg.VideoSize())
	if err != nil {
		u.handleFailure(ctx, err, seg, alertID, recordingID, seq)
		result.Missing = true
		u.commit(recordingID, result)
		return
	}
	result.VideoLocator = videoLoc

	if seg.AudioSize() > 0 {
		audioKey := storage.SegmentAudioKey(alertID.String(), recordingID.String(), seq)
		audioLoc, err := u.putWithRetry(ctx, audioKey, seg.Audio, seg.AudioSize())
		if err != nil {
			// The combined artifact is durable; losing the audio-only track
			// is logged but does not mark the segment missing.
			u.logger.Warn("audio track upload failed",
				zap.Error(err),
				zap.String("recording_id", recordingID.String()),
				zap.Int("sequence_index", seq))
		} else {
			result.AudioLocator = audioLoc
		}
	}

	result.UploadedAt = time.Now()
	u.commit(recordingID, result)
	u.logger.Info("segment uploaded",
		zap.String("alert_id", alertID.String()),
		zap.String("recording_id", recordingID.String()),
		zap.Int("sequence_index", seq),
		zap.Float64("duration_seconds", result.DurationSeconds))
}

// putWithRetry uploads chunks with bounded exponential backoff on transient
// failures. Permanent failures return immediately.
func (u *Uploader) putWithRetry(ctx context.Context, key string, chunks [][]byte, size int64) (string, error) {
	var lastErr error
	delay := u.backoff
	for attempt := 1; attempt <= u.maxAttempts; attempt++ {
		loc, err := u.store.Upload(ctx, key, segmentContentType, chunksReader(chunks), size)
		if err == nil {
			return loc, nil
		}
		err = classifyUpload(err)
		lastErr = err
		if IsPermanentUpload(err) || ctx.Err() != nil {
			return "", err
		}
		u.logger.Warn("segment upload attempt failed",
			zap.Error(err),
			zap.String("key", key),
			zap.Int("attempt", attempt))
		if attempt < u.maxAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return "", fmt.Errorf("upload %s: retries exhausted: %w", key, lastErr)
}

// handleFailure logs the failure and, for transient exhaustion, spools the
// segment and enqueues a background re-upload so evidence is not lost.
func (u *Uploader) handleFailure(ctx context.Context, err error, seg FinishedSegment, alertID, recordingID uuid.UUID, seq int) {
	u.logger.Error("segment upload failed",
		zap.Error(err),
		zap.String("alert_id", alertID.String()),
		zap.String("recording_id", recordingID.String()),
		zap.Int("sequence_index", seq))

	if IsPermanentUpload(err) || u.requeue == nil {
		return
	}

	videoPath, audioPath, spoolErr := u.spool(seg, recordingID, seq)
	if spoolErr != nil {
		u.logger.Error("segment spool failed",
			zap.Error(spoolErr),
			zap.String("recording_id", recordingID.String()),
			zap.Int("sequence_index", seq))
		return
	}
	if err := u.requeue.EnqueueSegmentReupload(ctx, queue.SegmentReuploadPayload{
		AlertID:         alertID,
		RecordingID:     recordingID,
		SequenceIndex:   seq,
		VideoSpoolPath:  videoPath,
		AudioSpoolPath:  audioPath,
		DurationSeconds: seg.Duration.Seconds(),
	}); err != nil {
		u.logger.Error("enqueue segment re-upload failed",
			zap.Error(err),
			zap.String("recording_id", recordingID.String()),
			zap.Int("sequence_index", seq))
	}
}

func (u *Uploader) spool(seg FinishedSegment, recordingID uuid.UUID, seq int) (videoPath, audioPath string, err error) {
	dir := filepath.Join(u.spoolDir, recordingID.String())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", "", fmt.Errorf("create spool dir: %w", err)
	}
	videoPath = filepath.Join(dir, fmt.Sprintf("%05d.webm", seq))
	if err := os.WriteFile(videoPath, bytes.Join(seg.Video, nil), 0o640); err != nil {
		return "", "", fmt.Errorf("write video spool: %w", err)
	}
	if seg.AudioSize() > 0 {
		audioPath = filepath.Join(dir, fmt.Sprintf("%05d.audio.webm", seq))
		if err := os.WriteFile(audioPath, bytes.Join(seg.Audio, nil), 0o640); err != nil {
			return "", "", fmt.Errorf("write audio spool: %w", err)
		}
	}
	return videoPath, audioPath, nil
}

// commit inserts a resolved segment into the session record in sequence
// order. Results for later indices wait until every earlier index has
// resolved, so the persisted list is always contiguous from 0.
func (u *Uploader) commit(recordingID uuid.UUID, seg models.Segment) {
	u.mu.Lock()
	defer u.mu.Unlock()

	oc, ok := u.commits[recordingID]
	if !ok {
		oc = &orderedCommit{total: -1, pending: make(map[int]models.Segment)}
		u.commits[recordingID] = oc
	}
	oc.pending[seg.SequenceIndex] = seg

	for {
		next, ok := oc.pending[oc.next]
		if !ok {
			break
		}
		delete(oc.pending, oc.next)
		oc.next++

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := u.sessions.UpsertSegment(ctx, recordingID, next); err != nil {
			// Bookkeeping failure never stops capture; the segment object is
			// already durable (or spooled).
			u.logger.Error("persist segment failed",
				zap.Error(err),
				zap.String("recording_id", recordingID.String()),
				zap.Int("sequence_index", next.SequenceIndex))
		}
		cancel()
	}

	if oc.total >= 0 && oc.next >= oc.total {
		delete(u.commits, recordingID)
	}
}

func chunksReader(chunks [][]byte) io.Reader {
	readers := make([]io.Reader, 0, len(chunks))
	for _, c := range chunks {
		readers = append(readers, bytes.NewReader(c))
	}
	return io.MultiReader(readers...)
}
