package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/geocapture/models"
	"github.com/Perceptus-Labs/geocapture/utils"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // The viewer may be served from a notebook or another origin
	},
}

type WebSocketMessage struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// CaptureAck is sent back for every capture message.
type CaptureAck struct {
	Message string `json:"message"`
	Key     string `json:"key,omitempty"`
	Shape   []int  `json:"shape,omitempty"`
}

// LastCaptureReply is the last_capture payload: the record plus its image as
// a data URI the viewer shows under the panorama.
type LastCaptureReply struct {
	models.CaptureSummary
	Image string `json:"image,omitempty"`
}

// viewerConn is one connected viewer. Writes are serialized because
// gorilla/websocket allows a single concurrent writer.
type viewerConn struct {
	id      string
	conn    *websocket.Conn
	logger  *zap.Logger
	writeMu sync.Mutex
}

// HandleViewerSocket upgrades the connection and serves the viewer bridge
// protocol until the viewer disconnects.
func (s *CaptureSession) HandleViewerSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Error("Failed to upgrade to websocket", zap.Error(err))
		return
	}
	defer conn.Close()

	id := uuid.New().String()
	vc := &viewerConn{
		id:     id,
		conn:   conn,
		logger: s.Logger.With(zap.String("viewer_id", id)),
	}
	vc.logger.Info("Viewer connected")

	s.listenWebsocketMessages(r, vc)

	vc.logger.Info("Viewer disconnected")
}

func (s *CaptureSession) listenWebsocketMessages(r *http.Request, vc *viewerConn) {
	for {
		var msg WebSocketMessage
		err := vc.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				vc.logger.Error("WebSocket error", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case "capture":
			s.handleCaptureMessage(r, vc, msg.Data)
		case "last_capture":
			s.handleLastCaptureMessage(vc)
		case "config":
			vc.send("config", s.ViewerConfig())
		case "ping":
			vc.send("pong", nil)
		default:
			vc.logger.Warn("Unknown message type", zap.String("type", msg.Type))
			vc.send("error", map[string]string{"error": "unknown message type " + msg.Type})
		}
	}
}

// handleCaptureMessage runs the capture synchronously: the viewer keeps its
// acquire button hidden until the ack arrives.
func (s *CaptureSession) handleCaptureMessage(r *http.Request, vc *viewerConn, data json.RawMessage) {
	var req models.CaptureRequest
	if err := json.Unmarshal(data, &req); err != nil {
		vc.logger.Warn("Invalid capture message", zap.Error(err))
		vc.send("capture_error", CaptureAck{Message: ErrorMessage(err)})
		return
	}

	rec, err := s.Capture(r.Context(), req)
	if err != nil {
		vc.send("capture_error", CaptureAck{Message: ErrorMessage(err)})
		return
	}

	shape := rec.Shape()
	vc.send("capture_ack", CaptureAck{
		Message: s.acknowledge(rec),
		Key:     rec.Key,
		Shape:   shape[:],
	})
}

func (s *CaptureSession) handleLastCaptureMessage(vc *viewerConn) {
	rec, ok := s.LastCapture()
	if !ok {
		vc.send("last_capture", nil)
		return
	}

	reply := LastCaptureReply{CaptureSummary: rec.Summary()}
	uri, err := utils.EncodeDataURI(rec.Image)
	if err != nil {
		vc.logger.Error("Failed to encode last capture", zap.String("key", rec.Key), zap.Error(err))
	} else {
		reply.Image = uri
	}
	vc.send("last_capture", reply)
}

func (vc *viewerConn) send(msgType string, data interface{}) {
	vc.writeMu.Lock()
	defer vc.writeMu.Unlock()

	msg := outgoingMessage{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}
	if err := vc.conn.WriteJSON(msg); err != nil {
		vc.logger.Error("Failed to send websocket message", zap.Error(err), zap.String("type", msgType))
	}
}
