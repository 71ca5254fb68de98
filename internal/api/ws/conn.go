package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kurogoma4D/claude-code-server/internal/domain/session"
	"github.com/Kurogoma4D/claude-code-server/internal/infrastructure/logging"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var errConnClosed = errors.New("connection closed")

// conn is one client connection. It is the Sink of the connection's
// sessions.
type conn struct {
	id     string
	ws     *websocket.Conn
	h      *Handler
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	session  string
	decoders map[session.EventType]*textDecoder
}

func newConn(parent context.Context, id string, ws *websocket.Conn, h *Handler) *conn {
	ctx, cancel := context.WithCancel(parent)
	return &conn{
		id:       id,
		ws:       ws,
		h:        h,
		logger:   h.logger.With(logging.ConnectionID(id)),
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
		decoders: make(map[session.EventType]*textDecoder),
	}
}

// close signals the writer to stop. Safe to call more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.done)
	})
}

// Emit forwards a session event to the client.
func (c *conn) Emit(e session.Event) {
	ts := e.Timestamp.UnixMilli()

	switch e.Type {
	case session.EventData, session.EventStdout, session.EventStderr:
		if text := c.decode(e.SessionID, e.Type, e.Data); text != "" {
			c.output(Output{Type: string(e.Type), Data: text, Timestamp: ts})
		}
	case session.EventExit:
		for typ, text := range c.flush(e.SessionID) {
			c.output(Output{Type: string(typ), Data: text, Timestamp: ts})
		}
		c.output(Output{Type: string(e.Type), Data: e.Exit, Timestamp: ts})
	default:
		c.output(Output{Type: string(e.Type), Data: e.Message, Timestamp: ts})
	}
}

func (c *conn) decode(sessionID string, typ session.EventType, data []byte) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID != c.session {
		c.session = sessionID
		clear(c.decoders)
	}
	d, ok := c.decoders[typ]
	if !ok {
		d = &textDecoder{}
		c.decoders[typ] = d
	}
	return d.decode(data)
}

func (c *conn) flush(sessionID string) map[session.EventType]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID != c.session {
		return nil
	}
	out := make(map[session.EventType]string)
	for typ, d := range c.decoders {
		if s := d.flush(); s != "" {
			out[typ] = s
		}
	}
	return out
}

func (c *conn) output(out Output) {
	_ = c.write(EventTerminalOutput, out)
}

func (c *conn) systemMessage(msg string) {
	c.output(Output{Type: OutputSystem, Data: msg, Timestamp: time.Now().UnixMilli()})
}

func (c *conn) errorMessage(msg string) {
	c.output(Output{Type: OutputError, Data: msg, Timestamp: time.Now().UnixMilli()})
}

// write encodes a frame and queues it, blocking while the queue is full
// until the connection closes.
func (c *conn) write(event string, data any) error {
	b, err := frameAPI.Marshal(outbound{Event: event, Data: data})
	if err != nil {
		c.logger.Error("Failed to encode frame", zap.String("event", event), zap.Error(err))
		return err
	}

	select {
	case <-c.done:
		return errConnClosed
	default:
	}

	select {
	case c.send <- b:
		if c.h.metrics != nil {
			c.h.metrics.RecordWSMessage("out", event)
		}
		return nil
	case <-c.done:
		return errConnClosed
	}
}

// writePump sends queued frames and keep-alive pings.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case b := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.logger.Debug("Write failed", zap.Error(err))
				c.close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump reads client frames until the connection fails or closes.
func (c *conn) readPump() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		c.h.dispatch(c, data)
	}
}
