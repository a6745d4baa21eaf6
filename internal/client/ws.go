package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
	"vlm-chat-server/internal/model"
	"vlm-chat-server/internal/protocol"
)

const wsWriteWait = 10 * time.Second

var errConnClosed = errors.New("client: websocket closed")

// WSTransport runs generations over one websocket control channel and uses
// the REST endpoints for history and truncation. The connection is dialed on
// first use.
type WSTransport struct {
	*api
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]*wsSub
	closed chan struct{}

	writeMu sync.Mutex
}

func NewWSTransport(opts HTTPOptions) *WSTransport {
	return &WSTransport{api: newAPI(opts), dialer: websocket.DefaultDialer}
}

func (t *WSTransport) wsURL() (string, error) {
	u, err := url.Parse(t.base + "/api/v1/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if t.token != "" {
		q := u.Query()
		q.Set("token", t.token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (t *WSTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return t.conn, nil
	}

	target, err := t.wsURL()
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			defer resp.Body.Close()
			return nil, decodeError(resp)
		}
		return nil, err
	}

	t.conn = conn
	t.subs = make(map[string]*wsSub)
	t.closed = make(chan struct{})
	go t.readLoop(conn, t.closed)
	return conn, nil
}

// readLoop routes incoming events to the subscriber of their request id.
func (t *WSTransport) readLoop(conn *websocket.Conn, closed chan struct{}) {
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
			t.subs = nil
		}
		t.mu.Unlock()
		close(closed)
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if gjson.GetBytes(data, "type").String() == "pong" {
			continue
		}
		rid, ev, err := protocol.Unmarshal(data)
		if err != nil {
			continue
		}

		t.mu.Lock()
		sub, ok := t.subs[rid]
		t.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case sub.events <- ev:
		case <-sub.done:
		}
	}
}

func (t *WSTransport) write(ctx context.Context, msg protocol.Control) error {
	conn, err := t.connect(ctx)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(msg)
}

type wsSub struct {
	events chan protocol.Event
	done   chan struct{}
}

func (t *WSTransport) subscribe(requestID string) (<-chan protocol.Event, <-chan struct{}, func()) {
	sub := &wsSub{events: make(chan protocol.Event, 64), done: make(chan struct{})}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subs != nil {
		t.subs[requestID] = sub
	}
	closed := t.closed
	return sub.events, closed, func() {
		close(sub.done)
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.subs != nil && t.subs[requestID] == sub {
			delete(t.subs, requestID)
		}
	}
}

func (t *WSTransport) Stream(ctx context.Context, req model.GenerationRequest, fn func(protocol.Event) error) error {
	if _, err := t.connect(ctx); err != nil {
		return err
	}
	events, closed, unsubscribe := t.subscribe(req.RequestID)
	defer unsubscribe()

	msg := protocol.Control{
		Type:      protocol.ControlChat,
		SessionID: req.SessionID,
		Message:   req.Message,
		Images:    req.Images,
		RequestID: req.RequestID,
	}
	if req.IsRegenerate() {
		msg.Type = protocol.ControlRegenerate
		msg.Message = ""
		msg.Images = nil
		msg.MessageID = req.RegenerateFrom
	}
	if err := t.write(ctx, msg); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-closed:
			return errConnClosed
		case ev := <-events:
			if err := fn(ev); err != nil {
				return err
			}
			if protocol.IsTerminal(ev) {
				return nil
			}
		}
	}
}

// Cancel sends the cancel control message for requestID.
func (t *WSTransport) Cancel(ctx context.Context, requestID string) error {
	return t.write(ctx, protocol.Control{Type: protocol.ControlCancel, RequestID: requestID})
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	t.writeMu.Unlock()
	return conn.Close()
}
