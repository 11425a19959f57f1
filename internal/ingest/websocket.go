package ingest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// PongWait is the read deadline extension after each pong.
	PongWait = 60 * time.Second
	// PingInterval is how often the server pings the publisher.
	PingInterval = 30 * time.Second
	// maxChunkSize bounds a single MediaRecorder chunk (4MB).
	maxChunkSize = 4 * 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware gates the HTTP surface; ingest is token-less by design
	},
}

// controlMessage is the JSON envelope for text frames on the ingest socket.
type controlMessage struct {
	Event string `json:"event"`
}

// ServeIngest handles the reporter's publisher WebSocket. Binary frames carry
// one header byte (0 = muxed A/V chunk, 1 = audio-only chunk) followed by the
// MediaRecorder payload. Text frames carry control events, currently only
// {"event":"permission_denied"}.
func ServeIngest(hub *Hub, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		alertIDStr := c.Query("alert_id")
		if alertIDStr == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "alert_id required"})
			return
		}
		alertID, err := uuid.Parse(alertIDStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid alert_id"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("ingest upgrade failed", zap.Error(err), zap.String("alert_id", alertID.String()))
			return
		}

		feed := hub.Feed(alertID)
		feed.SetLive(true)
		logger.Info("ingest publisher connected", zap.String("alert_id", alertID.String()))

		done := make(chan struct{})
		go pingLoop(conn, done)

		defer func() {
			close(done)
			feed.SetLive(false)
			feed.Close()
			_ = conn.Close()
			hub.disconnected(alertID)
			logger.Info("ingest publisher disconnected", zap.String("alert_id", alertID.String()))
		}()

		conn.SetReadLimit(maxChunkSize)
		_ = conn.SetReadDeadline(time.Now().Add(PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(PongWait))
		})

		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(PongWait))
			switch msgType {
			case websocket.BinaryMessage:
				if len(data) < 2 {
					continue
				}
				kind := ChunkVideo
				if data[0] == byte(ChunkAudio) {
					kind = ChunkAudio
				}
				feed.Publish(kind, data[1:])
			case websocket.TextMessage:
				var msg controlMessage
				if err := json.Unmarshal(data, &msg); err != nil {
					continue
				}
				if msg.Event == "permission_denied" {
					feed.Deny()
					logger.Warn("reporter denied hardware access", zap.String("alert_id", alertID.String()))
					return
				}
			}
		}
	}
}

func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
