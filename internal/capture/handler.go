package capture

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/sessions"
	"github.com/voteguard/backend/pkg/response"
	"github.com/voteguard/backend/pkg/storage"
)

// Handler exposes the recording session HTTP surface: stop, status, and
// evidence download URLs.
type Handler struct {
	trigger  *Trigger
	sessions *sessions.Repository
	s3       *storage.S3
	logger   *zap.Logger
}

// NewHandler creates a capture handler.
func NewHandler(trigger *Trigger, repo *sessions.Repository, s3 *storage.S3, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{trigger: trigger, sessions: repo, s3: s3, logger: logger}
}

// StopRecording handles POST /alerts/:id/recording/stop.
func (h *Handler) StopRecording(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid alert id")
		return
	}
	if !h.trigger.Stop(alertID) {
		response.NotFound(c, "no active recording for alert")
		return
	}
	response.OK(c, gin.H{"stopping": true})
}

// GetSession handles GET /alerts/:id/recording. Returns the latest session
// with its segment list; state comes from the live controller when one exists.
func (h *Handler) GetSession(c *gin.Context) {
	alertID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid alert id")
		return
	}
	session, err := h.sessions.GetLatestByAlert(c.Request.Context(), alertID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			response.NotFound(c, "no recording session for alert")
			return
		}
		h.logger.Error("get session failed", zap.Error(err), zap.String("alert_id", alertID.String()))
		response.Internal(c, "failed to load recording session")
		return
	}
	if ctrl := h.trigger.Controller(alertID); ctrl != nil && ctrl.RecordingID() == session.RecordingID {
		session.State = ctrl.State()
	}
	response.OK(c, session)
}

// SegmentDownloadURL handles GET /recordings/:id/segments/:seq/download-url.
// Returns a presigned GET URL for the segment's combined A/V object.
func (h *Handler) SegmentDownloadURL(c *gin.Context) {
	recordingID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return
	}
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq < 0 {
		response.BadRequest(c, "invalid sequence index")
		return
	}
	session, err := h.sessions.GetByRecordingID(c.Request.Context(), recordingID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			response.NotFound(c, "recording session not found")
			return
		}
		h.logger.Error("get session failed", zap.Error(err), zap.String("recording_id", recordingID.String()))
		response.Internal(c, "failed to load recording session")
		return
	}
	if seq >= len(session.Segments) || session.Segments[seq].Missing {
		response.NotFound(c, "segment not available")
		return
	}
	if h.s3 == nil {
		response.ServiceUnavailable(c, "object storage not configured")
		return
	}
	key := storage.SegmentVideoKey(session.AlertID.String(), recordingID.String(), seq)
	expire := h.s3.PresignExpire()
	url, err := h.s3.GeneratePresignedDownloadURL(c.Request.Context(), key, expire)
	if err != nil {
		h.logger.Error("presign segment download failed",
			zap.Error(err),
			zap.String("recording_id", recordingID.String()),
			zap.Int("sequence_index", seq))
		response.Internal(c, "failed to generate download URL")
		return
	}
	response.OK(c, gin.H{"download_url": url, "expires_in": int(expire.Seconds())})
}
