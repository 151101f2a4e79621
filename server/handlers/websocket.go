package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/san-kum/motion-analysis/server/middleware"
	"github.com/san-kum/motion-analysis/server/models"
	"go.uber.org/zap"
)

const (
	wsReadLimit    = 10 * 1024 * 1024
	wsPongWait     = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
	wsWriteWait    = 10 * time.Second
	wsFrameTimeout = 15 * time.Second
)

type WebSocketHandler struct {
	frames   FrameAnalyzer
	catalog  Catalog
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

type ClientMessage struct {
	Type         string `json:"type"`
	Data         string `json:"data"`
	ExerciseType string `json:"exercise_type"`
	Timestamp    int64  `json:"timestamp"`
}

type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// session is the per-connection state. Only the read loop touches it.
type session struct {
	conn     *websocket.Conn
	clientIP string
	exercise string
}

func NewWebSocketHandler(frames FrameAnalyzer, catalog Catalog, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		frames:  frames,
		catalog: catalog,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(allowedOrigins, origin)
			},
		},
	}
}

// HandleWebSocket serves live feedback. Frames are analysed in arrival order
// on the read loop, so a slow client backs up instead of piling up work.
func (h *WebSocketHandler) HandleWebSocket(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	s := &session{conn: conn, clientIP: c.ClientIP()}
	h.logger.Info("WebSocket client connected", zap.String("client_ip", s.clientIP))

	conn.SetReadLimit(wsReadLimit)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go h.pingRoutine(ctx, conn)

	for {
		var message ClientMessage
		if err := conn.ReadJSON(&message); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("WebSocket read failed", zap.String("client_ip", s.clientIP), zap.Error(err))
			}
			h.logger.Info("WebSocket client disconnected", zap.String("client_ip", s.clientIP))
			return
		}
		h.handleMessage(ctx, s, &message)
	}
}

func (h *WebSocketHandler) handleMessage(ctx context.Context, s *session, message *ClientMessage) {
	switch message.Type {
	case "frame":
		h.processFrame(ctx, s, message)
	case "exercise":
		h.selectExercise(s, message)
	case "ping":
		h.sendMessage(s, "pong", map[string]any{"timestamp": time.Now().Unix()})
	default:
		h.logger.Warn("Unknown message type received", zap.String("type", message.Type))
		h.sendError(s, "Unknown message type: "+message.Type)
	}
}

func (h *WebSocketHandler) processFrame(ctx context.Context, s *session, message *ClientMessage) {
	img, err := decodeDataURL(message.Data)
	if err != nil {
		h.logger.Debug("Rejected websocket frame", zap.Error(err))
		h.sendError(s, "Invalid image data format")
		return
	}

	exercise := message.ExerciseType
	if exercise == "" {
		exercise = s.exercise
	}

	ctx, cancel := context.WithTimeout(ctx, wsFrameTimeout)
	defer cancel()

	result, err := h.frames.AnalyzeFrame(ctx, img, exercise)
	if err != nil {
		h.logger.Warn("Frame analysis failed", zap.String("client_ip", s.clientIP), zap.Error(err))
		h.sendError(s, publicMessage(err, statusFor(err)))
		return
	}
	if message.Timestamp != 0 {
		result.Timestamp = message.Timestamp
		for i := range result.Feedback {
			result.Feedback[i].Timestamp = message.Timestamp
		}
	}

	h.sendMessage(s, "analysis", result)
}

// selectExercise sets the exercise used for frames that do not name one.
func (h *WebSocketHandler) selectExercise(s *session, message *ClientMessage) {
	t, err := models.ParseExercise(message.ExerciseType, func(t models.ExerciseType) bool {
		_, ok := h.catalog.Rule(t)
		return ok
	})
	if err != nil {
		h.sendError(s, err.Error())
		return
	}
	s.exercise = string(t)
	h.sendMessage(s, "exercise_selected", map[string]any{"exercise_type": t})
}

func (h *WebSocketHandler) sendMessage(s *session, messageType string, data any) {
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(ServerMessage{Type: messageType, Data: data}); err != nil {
		h.logger.Error("Failed to send WebSocket message", zap.Error(err))
	}
}

func (h *WebSocketHandler) sendError(s *session, errorMsg string) {
	h.sendMessage(s, "error", map[string]any{
		"message":   errorMsg,
		"timestamp": time.Now().Unix(),
	})
}

// pingRoutine uses WriteControl, which is safe alongside the read loop's
// writes.
func (h *WebSocketHandler) pingRoutine(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				h.logger.Debug("Failed to send ping", zap.Error(err))
				conn.Close()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
