package alerts

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/models"
	"github.com/voteguard/backend/pkg/response"
	"github.com/voteguard/backend/pkg/storage"
)

// Handler handles fraud alert HTTP endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates an alerts handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}
}

// Submit handles POST /alerts. Multipart form: description, location,
// optional user_id and an optional "media" file attachment.
func (h *Handler) Submit(c *gin.Context) {
	in := SubmitInput{
		Description: c.PostForm("description"),
		Location:    c.PostForm("location"),
	}
	if raw := c.PostForm("user_id"); raw != "" {
		userID, err := uuid.Parse(raw)
		if err != nil {
			response.BadRequest(c, "invalid user_id")
			return
		}
		in.UserID = &userID
	}

	if fh, err := c.FormFile("media"); err == nil && fh != nil {
		if fh.Size > storage.MaxAttachmentSize {
			response.BadRequest(c, "attachment too large")
			return
		}
		f, err := fh.Open()
		if err != nil {
			response.BadRequest(c, "unreadable attachment")
			return
		}
		defer f.Close()
		in.Attachment = &Attachment{
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		}
	}

	alert, err := h.service.Submit(c.Request.Context(), in)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			response.BadRequest(c, err.Error())
			return
		}
		h.logger.Error("submit alert failed", zap.Error(err))
		response.Internal(c, "failed to submit alert")
		return
	}
	response.Created(c, alert)
}

// GetByID handles GET /alerts/:id.
func (h *Handler) GetByID(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid alert id")
		return
	}
	alert, err := h.service.GetByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrAlertNotFound) {
			response.NotFound(c, "alert not found")
			return
		}
		h.logger.Error("get alert failed", zap.Error(err), zap.String("alert_id", id.String()))
		response.Internal(c, "failed to load alert")
		return
	}
	response.OK(c, alert)
}

// List handles GET /alerts?page=&page_size=&status=.
func (h *Handler) List(c *gin.Context) {
	page := intQuery(c, "page", 1)
	pageSize := intQuery(c, "page_size", 20)

	var status *models.AlertStatus
	if raw := c.Query("status"); raw != "" {
		s := models.AlertStatus(raw)
		if !s.Valid() {
			response.BadRequest(c, "unknown status")
			return
		}
		status = &s
	}

	list, total, err := h.service.List(c.Request.Context(), page, pageSize, status)
	if err != nil {
		h.logger.Error("list alerts failed", zap.Error(err))
		response.Internal(c, "failed to list alerts")
		return
	}
	response.OK(c, gin.H{"alerts": list, "total": total, "page": page, "page_size": pageSize})
}

// UpdateStatus handles PATCH /alerts/:id/status with JSON {"status": "..."}.
func (h *Handler) UpdateStatus(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid alert id")
		return
	}
	var body struct {
		Status models.AlertStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || !body.Status.Valid() {
		response.BadRequest(c, "invalid status")
		return
	}
	alert, err := h.service.AdvanceStatus(c.Request.Context(), id, body.Status)
	if err != nil {
		switch {
		case errors.Is(err, ErrAlertNotFound):
			response.NotFound(c, "alert not found")
		case errors.Is(err, ErrInvalidTransition):
			response.Conflict(c, err.Error())
		default:
			h.logger.Error("update alert status failed", zap.Error(err), zap.String("alert_id", id.String()))
			response.Internal(c, "failed to update status")
		}
		return
	}
	response.OK(c, alert)
}

func intQuery(c *gin.Context, key string, fallback int) int {
	if n, err := strconv.Atoi(c.Query(key)); err == nil && n > 0 {
		return n
	}
	return fallback
}
