package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/models"
	"github.com/voteguard/backend/internal/sessions"
	"github.com/voteguard/backend/pkg/queue"
	"github.com/voteguard/backend/pkg/storage"
)

// SegmentReuploader drains the re-upload queue: segments spooled to disk
// after their direct upload exhausted transient retries are pushed to S3 and
// their locators filled back into the session record, closing the gap.
type SegmentReuploader struct {
	sessions *sessions.Repository
	s3       *storage.S3
	queue    *queue.Queue
	logger   *zap.Logger
}

// NewSegmentReuploader creates a segment re-upload processor.
func NewSegmentReuploader(repo *sessions.Repository, s3 *storage.S3, q *queue.Queue, logger *zap.Logger) *SegmentReuploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SegmentReuploader{sessions: repo, s3: s3, queue: q, logger: logger}
}

// Process executes one re-upload job.
func (p *SegmentReuploader) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSegmentReupload {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.SegmentReuploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	video, err := os.ReadFile(payload.VideoSpoolPath)
	if err != nil {
		return fmt.Errorf("read spooled video: %w", err)
	}

	videoKey := storage.SegmentVideoKey(payload.AlertID.String(), payload.RecordingID.String(), payload.SequenceIndex)
	videoLoc, err := p.s3.Upload(ctx, videoKey, "video/webm", bytes.NewReader(video), int64(len(video)))
	if err != nil {
		return fmt.Errorf("s3 upload video: %w", err)
	}

	audioLoc := ""
	if payload.AudioSpoolPath != "" {
		audio, err := os.ReadFile(payload.AudioSpoolPath)
		if err != nil {
			p.logger.Warn("read spooled audio failed", zap.Error(err), zap.String("path", payload.AudioSpoolPath))
		} else {
			audioKey := storage.SegmentAudioKey(payload.AlertID.String(), payload.RecordingID.String(), payload.SequenceIndex)
			audioLoc, err = p.s3.Upload(ctx, audioKey, "video/webm", bytes.NewReader(audio), int64(len(audio)))
			if err != nil {
				p.logger.Warn("s3 upload audio failed", zap.Error(err),
					zap.String("recording_id", payload.RecordingID.String()),
					zap.Int("sequence_index", payload.SequenceIndex))
				audioLoc = ""
			}
		}
	}

	seg := models.Segment{
		SequenceIndex:   payload.SequenceIndex,
		VideoLocator:    videoLoc,
		AudioLocator:    audioLoc,
		DurationSeconds: payload.DurationSeconds,
		UploadedAt:      time.Now(),
		Missing:         false,
	}
	if err := p.sessions.UpsertSegment(ctx, payload.RecordingID, seg); err != nil {
		return fmt.Errorf("update session record: %w", err)
	}

	_ = os.Remove(payload.VideoSpoolPath)
	if payload.AudioSpoolPath != "" {
		_ = os.Remove(payload.AudioSpoolPath)
	}

	p.logger.Info("segment re-upload completed",
		zap.String("alert_id", payload.AlertID.String()),
		zap.String("recording_id", payload.RecordingID.String()),
		zap.Int("sequence_index", payload.SequenceIndex))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *SegmentReuploader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("segment worker stopping")
			return
		default:
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			time.Sleep(queue.RetryBackoff)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
			if reErr := p.queue.Retry(ctx, job); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			time.Sleep(queue.RetryBackoff)
		}
	}
}
