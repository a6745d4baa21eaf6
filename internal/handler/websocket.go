package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"vlm-chat-server/internal/apperr"
	"vlm-chat-server/internal/logging"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
)

const (
	pongWait  = 60 * time.Second
	writeWait = 10 * time.Second
)

// WebSocketHandler serves the bidirectional transport: the client sends
// control messages and receives the same event envelopes as the SSE stream.
type WebSocketHandler struct {
	Dispatcher Dispatcher
}

var errDuplicateRequest = apperr.Validation(apperr.CodeValidation, "request_id is already active on this connection")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex

	activeMu sync.Mutex
	active   map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func (c *wsConn) Write(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, message)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) track(requestID string, cancel context.CancelFunc) bool {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	if _, ok := c.active[requestID]; ok {
		return false
	}
	c.active[requestID] = cancel
	return true
}

func (c *wsConn) untrack(requestID string) {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	delete(c.active, requestID)
}

func (c *wsConn) activeIDs() []string {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	return ids
}

func (c *wsConn) cancelAll() {
	c.activeMu.Lock()
	defer c.activeMu.Unlock()
	for _, cancel := range c.active {
		cancel()
	}
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	log := logging.FromContext(ctx)
	conn := &wsConn{ws: ws, active: make(map[string]context.CancelFunc)}
	sink := protocol.JSONSink(conn.Write)
	defer func() {
		conn.cancelAll()
		conn.wg.Wait()
		_ = ws.Close()
	}()

	ws.SetReadLimit(1024 * 1024)
	pingPeriod := (pongWait * 9) / 10

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	logging.SafeGo("ws-ping", func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := protocol.ParseControl(data)
		if err != nil {
			rejectControl(sink, "", err)
			continue
		}

		switch msg.Type {
		case protocol.ControlPing:
			_ = conn.Write([]byte(`{"type":"pong"}`))
		case protocol.ControlCancel:
			ids := conn.activeIDs()
			if msg.RequestID != "" {
				ids = []string{msg.RequestID}
			}
			for _, id := range ids {
				if err := h.Dispatcher.Cancel(ctx, id); err != nil {
					log.Warn("cancel failed", slog.String("request_id", id), slog.Any("error", err))
				}
			}
		case protocol.ControlChat, protocol.ControlRegenerate:
			req := model.GenerationRequest{
				RequestID: msg.RequestID,
				SessionID: msg.SessionID,
				Message:   msg.Message,
				Images:    msg.Images,
			}
			if msg.Type == protocol.ControlRegenerate {
				req.Message = ""
				req.RegenerateFrom = msg.MessageID
			}
			if req.RequestID == "" {
				req.RequestID = model.NewID()
			}
			h.dispatch(ctx, conn, sink, req)
		}
	}
}

func (h *WebSocketHandler) dispatch(ctx context.Context, conn *wsConn, sink protocol.Sink, req model.GenerationRequest) {
	reqCtx, cancel := context.WithCancel(logging.WithRequestID(ctx, req.RequestID))
	if !conn.track(req.RequestID, cancel) {
		cancel()
		rejectControl(sink, req.RequestID, errDuplicateRequest)
		return
	}

	conn.wg.Add(1)
	logging.SafeGo("ws-dispatch", func() {
		defer conn.wg.Done()
		defer conn.untrack(req.RequestID)
		defer cancel()
		if err := h.Dispatcher.Dispatch(reqCtx, req, sink); err != nil {
			logging.FromContext(reqCtx).Debug("ws generation ended", slog.Any("error", err))
		}
	})
}

func rejectControl(sink protocol.Sink, requestID string, err error) {
	_ = protocol.NewEncoder(requestID, sink).Fail(apperr.CodeOf(err), apperr.MessageOf(err))
}
