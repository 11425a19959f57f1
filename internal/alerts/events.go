package alerts

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/voteguard/backend/internal/models"
)

const (
	channelAlerts  = "voteguard:alerts"
	publishTimeout = 5 * time.Second
)

// eventPayload is the message published to Redis for cross-instance fan-out
// (toasts, moderation dashboards on other portal instances).
type eventPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

// Events publishes alert and session lifecycle events to Redis pub/sub.
type Events struct {
	client *redis.Client
	logger *zap.Logger
}

// NewEvents creates a Redis event publisher.
func NewEvents(client *redis.Client, logger *zap.Logger) *Events {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Events{client: client, logger: logger}
}

func (e *Events) publish(event string, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		e.logger.Warn("marshal event failed", zap.Error(err), zap.String("event", event))
		return
	}
	raw, err := json.Marshal(eventPayload{Event: event, Data: body, At: time.Now().Unix()})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := e.client.Publish(ctx, channelAlerts, raw).Err(); err != nil {
		e.logger.Warn("publish event failed", zap.Error(err), zap.String("event", event))
	}
}

// AlertCreated announces a newly submitted alert.
func (e *Events) AlertCreated(alert models.FraudAlert) {
	e.publish("alert_created", alert)
}

// SessionState announces a recording session state change.
func (e *Events) SessionState(alertID, recordingID uuid.UUID, state models.SessionState) {
	e.publish("session_state", map[string]interface{}{
		"alert_id":     alertID,
		"recording_id": recordingID,
		"state":        state,
	})
}
