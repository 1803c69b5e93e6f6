package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/switchboardhq/switchboard/internal/model"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsMaxMsgSize = 16 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The event channel carries no mutations and requires a valid
	// subscription handshake, so cross-origin dashboards are acceptable.
	CheckOrigin: func(*http.Request) bool { return true },
}

// subscribeRequest is the first message a client must send after the
// upgrade. Omitting orgId subscribes to every org; omitting events
// subscribes to every type.
type subscribeRequest struct {
	Action string   `json:"action"`
	OrgID  string   `json:"orgId,omitempty"`
	Events []string `json:"events,omitempty"`
}

// WSHandler upgrades /ws connections and bridges them onto the fan-out.
type WSHandler struct {
	fanout *Fanout
	logger *slog.Logger
}

// NewWSHandler creates the /ws endpoint handler.
func NewWSHandler(fanout *Fanout, logger *slog.Logger) *WSHandler {
	return &WSHandler{fanout: fanout, logger: logger}
}

// ServeHTTP performs the upgrade, reads the subscribe handshake, and then
// pushes fan-out events until either side disconnects.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("events: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsMaxMsgSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	var req subscribeRequest
	if err := conn.ReadJSON(&req); err != nil || req.Action != "subscribe" {
		h.logger.Warn("events: bad subscribe handshake", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected subscribe"),
			time.Now().Add(wsWriteWait))
		return
	}

	var orgID *uuid.UUID
	if req.OrgID != "" {
		id, err := uuid.Parse(req.OrgID)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad orgId"),
				time.Now().Add(wsWriteWait))
			return
		}
		orgID = &id
	}
	types := make([]model.EventType, 0, len(req.Events))
	for _, e := range req.Events {
		types = append(types, model.EventType(e))
	}

	sub := h.fanout.Subscribe(orgID, types)
	defer h.fanout.Unsubscribe(sub)

	// Reader goroutine: consume control frames and detect disconnect.
	readClosed := make(chan struct{})
	go func() {
		defer close(readClosed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-readClosed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
