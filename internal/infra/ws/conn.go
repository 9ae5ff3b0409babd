package ws

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"character-relay/internal/domain/ports/adapter"
	"character-relay/internal/infra/metrics"
	red "character-relay/internal/infra/redis"
	"character-relay/internal/usecase"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 16 * 1024
	sendQueueSize  = 64
)

// conn is one authenticated client connection. Outbound frames flow
// through the send queue so delivery is per-connection FIFO; the read
// pump owns inbound traffic and the session this connection holds.
type conn struct {
	ws          *websocket.Conn
	send        chan ServerFrame
	mgr         usecase.ConversationUseCase
	locker      red.SessionLocker // nil when single-instance
	log         *zerolog.Logger
	cfg         connConfig
	requesterID string

	ctx    context.Context
	cancel context.CancelFunc

	// owned session; written only from the read pump
	sessionID string
	ownToken  string
}

type connConfig struct {
	heartbeat   time.Duration
	pongTimeout time.Duration
	flushEvery  time.Duration
	flushBytes  int
	lockTTL     time.Duration
}

func newConn(ws *websocket.Conn, mgr usecase.ConversationUseCase, locker red.SessionLocker, requesterID string, cfg connConfig, logger *zerolog.Logger) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		ws:          ws,
		send:        make(chan ServerFrame, sendQueueSize),
		mgr:         mgr,
		locker:      locker,
		log:         logger,
		cfg:         cfg,
		requesterID: requesterID,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (c *conn) run() {
	metrics.ConnOpened()
	go c.writePump()
	c.readPump()
}

// readPump owns inbound traffic and the connection's session state.
func (c *conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongTimeout))
	})

	for {
		var frame ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("connection closed abnormally")
			}
			return
		}
		switch frame.Type {
		case FrameStart:
			c.handleStart(frame)
		case FrameMessage:
			c.handleMessage(frame)
		case FrameEnd:
			c.handleEnd()
		default:
			c.sendError("", "invalid_argument", "unknown frame type")
		}
	}
}

func (c *conn) handleStart(frame ClientFrame) {
	if c.sessionID != "" {
		c.sendError(c.sessionID, "invalid_argument", "session already open; end it first")
		return
	}
	s, err := c.mgr.Start(c.ctx, frame.SubjectID, c.requesterID)
	if err != nil {
		c.sendError("", errorCode(err), err.Error())
		return
	}
	if !c.acquireOwnership(s.ID) {
		// Nobody holds the session this connection just created; end it
		// rather than leave it for the idle sweep.
		if err := c.mgr.End(c.ctx, s.ID); err != nil {
			c.log.Debug().Str("session_id", s.ID).Err(err).Msg("orphaned session end failed")
		}
		return
	}
	c.sessionID = s.ID
	c.push(ServerFrame{Type: FrameSession, SessionID: s.ID})
}

func (c *conn) handleMessage(frame ClientFrame) {
	sessionID := frame.SessionID
	if sessionID == "" {
		sessionID = c.sessionID
	}
	if sessionID == "" {
		c.sendError("", "invalid_argument", "no session; send start first")
		return
	}
	// Reconnection: adopt an existing session when this connection does
	// not hold one yet.
	if c.sessionID == "" {
		if !c.acquireOwnership(sessionID) {
			return
		}
		c.sessionID = sessionID
	} else {
		c.refreshOwnership()
	}

	events, err := c.mgr.SendMessage(c.ctx, sessionID, frame.Text)
	if err != nil {
		c.sendError(sessionID, errorCode(err), err.Error())
		return
	}
	go c.relayEvents(sessionID, events)
}

func (c *conn) handleEnd() {
	if c.sessionID == "" {
		return
	}
	if err := c.mgr.End(c.ctx, c.sessionID); err != nil {
		c.sendError(c.sessionID, errorCode(err), err.Error())
		return
	}
	c.push(ServerFrame{Type: FrameDone, SessionID: c.sessionID})
	c.releaseOwnership()
	c.sessionID = ""
}

// relayEvents forwards one generation to the client, coalescing
// fragments inside a small time/size-bounded buffer. Fragment order is
// preserved; the terminal is always flushed after buffered content.
func (c *conn) relayEvents(sessionID string, events <-chan adapter.TokenEvent) {
	var buf []byte
	delivered := 0
	ticker := time.NewTicker(c.cfg.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(buf) == 0 {
			return
		}
		c.push(ServerFrame{Type: FrameFragment, SessionID: sessionID, Text: string(buf)})
		buf = buf[:0]
		delivered++
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			flush()
		case ev, ok := <-events:
			if !ok {
				flush()
				metrics.FragmentsDelivered(delivered)
				return
			}
			switch ev.Kind {
			case adapter.EventFragment:
				buf = append(buf, ev.Text...)
				if len(buf) >= c.cfg.flushBytes {
					flush()
				}
			case adapter.EventDone:
				flush()
				c.push(ServerFrame{Type: FrameDone, SessionID: sessionID})
			case adapter.EventError:
				flush()
				c.sendError(sessionID, errorCode(ev.Err), ev.Err.Error())
			}
		}
	}
}

// writePump owns outbound traffic and the heartbeat.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.cfg.heartbeat)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

func (c *conn) push(frame ServerFrame) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	}
}

func (c *conn) sendError(sessionID, code, msg string) {
	metrics.ErrorFrame(code)
	c.push(ServerFrame{Type: FrameError, SessionID: sessionID, Code: code, Message: msg})
}

func (c *conn) acquireOwnership(sessionID string) bool {
	if c.locker == nil {
		return true
	}
	token, err := c.locker.TryLock(c.ctx, sessionID, c.cfg.lockTTL)
	if err != nil {
		c.sendError(sessionID, errorCode(err), err.Error())
		return false
	}
	c.ownToken = token
	return true
}

func (c *conn) refreshOwnership() {
	if c.locker == nil || c.sessionID == "" || c.ownToken == "" {
		return
	}
	if err := c.locker.Refresh(c.ctx, c.sessionID, c.cfg.lockTTL); err != nil {
		c.log.Debug().Str("session_id", c.sessionID).Err(err).Msg("ownership refresh failed")
	}
}

func (c *conn) releaseOwnership() {
	if c.locker == nil || c.sessionID == "" || c.ownToken == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.locker.Unlock(ctx, c.sessionID, c.ownToken); err != nil {
		c.log.Debug().Str("session_id", c.sessionID).Err(err).Msg("ownership release failed")
	}
	c.ownToken = ""
}

// close tears the connection down: any generation this connection was
// waiting on is cancelled rather than left running unobserved. The
// session itself stays active so the client can reconnect; the idle
// sweep reclaims it if nobody does.
func (c *conn) close() {
	c.cancel()
	if c.sessionID != "" {
		c.mgr.CancelGeneration(c.sessionID)
		c.releaseOwnership()
	}
	_ = c.ws.Close()
	metrics.ConnClosed()
}
