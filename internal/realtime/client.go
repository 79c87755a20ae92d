package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/auth"
	"github.com/aura-consult/relay/internal/consult"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/lifecycle"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/middleware"
)

const (
	sendBuffer   = 256
	readLimit    = 65536
	writeTimeout = 10 * time.Second
)

// Client is one authenticated WebSocket connection on one namespace. A connection may join
// several sessions; each join is tracked so the sessions see the drop when the socket dies.
type Client struct {
	ID        string
	UserID    uuid.UUID
	Role      models.Role
	Namespace events.Namespace

	hub      *Hub
	registry *consult.Registry
	conn     *websocket.Conn
	send     chan events.Frame
	done     chan struct{}
	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	sessions map[uuid.UUID]struct{}
	logger   *zap.Logger
}

// ServeWs authenticates before upgrading, then runs the client loop. The route is
// /ws/:namespace; the token comes from the token query parameter or a bearer header.
func ServeWs(hub *Hub, registry *consult.Registry, validate func(token string) (*auth.Claims, error), allowedOrigins string, logger *zap.Logger) gin.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return middleware.AllowsOrigin(allowedOrigins, r.Header.Get("Origin"))
		},
	}
	return func(c *gin.Context) {
		ns := events.Namespace(c.Param("namespace"))
		if !ns.Valid() {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown namespace", "code": apperr.CodeNotFound})
			return
		}
		token := c.Query("token")
		if token == "" {
			token, _ = auth.BearerToken(c.GetHeader("Authorization"))
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "token required", "code": apperr.CodeUnauthorized})
			return
		}
		claims, err := validate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": apperr.CodeUnauthorized})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		client := &Client{
			ID:        uuid.New().String(),
			UserID:    claims.UserID,
			Role:      claims.Role,
			Namespace: ns,
			hub:       hub,
			registry:  registry,
			conn:      conn,
			send:      make(chan events.Frame, sendBuffer),
			done:      make(chan struct{}),
			ctx:       ctx,
			cancel:    cancel,
			sessions:  make(map[uuid.UUID]struct{}),
			logger:    logger.With(zap.String("user_id", claims.UserID.String()), zap.String("namespace", string(ns))),
		}
		hub.Register(client)
		client.enqueue(mustFrame(events.Connected, uuid.Nil, events.ConnectedPayload{
			ConnectionID: client.ID,
			UserID:       client.UserID,
			Role:         client.Role,
			Namespace:    ns,
		}))
		go client.writePump()
		client.readPump()
	}
}

// enqueue hands frame to the write pump without blocking. A client whose buffer is full is
// too slow to keep up and gets disconnected.
func (c *Client) enqueue(frame events.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("client send buffer full, disconnecting", zap.String("conn_id", c.ID))
		c.close()
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.close()
		for id := range c.sessions {
			c.registry.Session(id).Disconnect(context.Background(), c.ID)
		}
	}()

	c.conn.SetReadLimit(readLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		var frame events.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			var syntax *json.SyntaxError
			var typ *json.UnmarshalTypeError
			if errors.As(err, &syntax) || errors.As(err, &typ) {
				c.enqueue(errorFrame(frame, apperr.ErrInvalidPayload, nil))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read failed", zap.String("conn_id", c.ID), zap.Error(err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		c.dispatch(frame)
	}
}

type command struct {
	ns  events.Namespace // empty means any namespace
	run func(c *Client, s *consult.Session, caller consult.Caller, f events.Frame, reply consult.Reply)
}

var commands = map[string]command{
	events.CmdJoin: {run: func(c *Client, s *consult.Session, caller consult.Caller, f events.Frame, reply consult.Reply) {
		var req events.JoinRequest
		if err := events.Decode(f.Data, &req); err != nil {
			reply(nil, err)
			return
		}
		c.sessions[s.ID()] = struct{}{}
		s.Join(c.ctx, caller, req, reply)
	}},
	events.CmdLeave: {run: func(c *Client, s *consult.Session, caller consult.Caller, _ events.Frame, reply consult.Reply) {
		delete(c.sessions, s.ID())
		s.Leave(c.ctx, caller, reply)
	}},
	events.CmdStart:  {ns: events.NamespaceSession, run: transitionCommand},
	events.CmdEnd:    {ns: events.NamespaceSession, run: transitionCommand},
	events.CmdCancel: {ns: events.NamespaceSession, run: transitionCommand},
	events.CmdSendMessage: {ns: events.NamespaceMessages, run: func(c *Client, s *consult.Session, caller consult.Caller, f events.Frame, reply consult.Reply) {
		var req events.SendMessageRequest
		if err := events.Decode(f.Data, &req); err != nil {
			reply(nil, err)
			return
		}
		s.SendMessage(c.ctx, caller, req, reply)
	}},
	events.CmdPulseTyping: {ns: events.NamespaceMessages, run: func(c *Client, s *consult.Session, caller consult.Caller, _ events.Frame, reply consult.Reply) {
		s.PulseTyping(c.ctx, caller, reply)
	}},
	events.CmdMarkRead: {ns: events.NamespaceMessages, run: func(c *Client, s *consult.Session, caller consult.Caller, f events.Frame, reply consult.Reply) {
		var req events.MarkReadRequest
		if err := events.Decode(f.Data, &req); err != nil {
			reply(nil, err)
			return
		}
		s.MarkRead(c.ctx, caller, req.MessageID, reply)
	}},
	events.CmdMarkAllRead: {ns: events.NamespaceMessages, run: func(c *Client, s *consult.Session, caller consult.Caller, _ events.Frame, reply consult.Reply) {
		s.MarkAllRead(c.ctx, caller, reply)
	}},
	events.CmdDeleteMessage: {ns: events.NamespaceMessages, run: func(c *Client, s *consult.Session, caller consult.Caller, f events.Frame, reply consult.Reply) {
		var req events.DeleteMessageRequest
		if err := events.Decode(f.Data, &req); err != nil {
			reply(nil, err)
			return
		}
		s.DeleteMessage(c.ctx, caller, req.MessageID, reply)
	}},
	events.CmdSignal: {ns: events.NamespaceMessages, run: func(c *Client, s *consult.Session, caller consult.Caller, f events.Frame, reply consult.Reply) {
		var req events.SignalRequest
		if err := events.Decode(f.Data, &req); err != nil {
			reply(nil, err)
			return
		}
		s.Signal(c.ctx, caller, req, reply)
	}},
}

func transitionCommand(c *Client, s *consult.Session, caller consult.Caller, f events.Frame, reply consult.Reply) {
	action, ok := lifecycle.ParseAction(f.Event)
	if !ok {
		reply(nil, apperr.ErrInvalidPayload)
		return
	}
	s.Transition(c.ctx, caller, action, reply)
}

func (c *Client) dispatch(f events.Frame) {
	reply := c.replier(f)
	cmd, ok := commands[f.Event]
	if !ok {
		reply(nil, apperr.ErrInvalidPayload)
		return
	}
	if cmd.ns != "" && cmd.ns != c.Namespace {
		reply(nil, apperr.ErrInvalidPayload)
		return
	}
	if f.SessionID == uuid.Nil {
		reply(nil, apperr.ErrInvalidPayload)
		return
	}
	caller := consult.Caller{UserID: c.UserID, ConnID: c.ID, Namespace: c.Namespace}
	cmd.run(c, c.registry.Session(f.SessionID), caller, f, reply)
}

// replier answers request f with an ack or an error frame carrying the same request id.
func (c *Client) replier(f events.Frame) consult.Reply {
	return func(data interface{}, err error) {
		if err != nil {
			session, _ := data.(*models.ConsultationSession)
			c.enqueue(errorFrame(f, err, session))
			return
		}
		ack, ferr := events.NewFrame(events.Ack, f.SessionID, data)
		if ferr != nil {
			c.logger.Error("encode ack", zap.String("event", f.Event), zap.Error(ferr))
			c.enqueue(errorFrame(f, ferr, nil))
			return
		}
		ack.RequestID = f.RequestID
		c.enqueue(ack)
	}
}

func errorFrame(f events.Frame, err error, session *models.ConsultationSession) events.Frame {
	out := mustFrame(events.Error, f.SessionID, events.ErrorPayload{
		Code:    apperr.Code(err),
		Message: err.Error(),
		Session: session,
	})
	out.RequestID = f.RequestID
	return out
}

func mustFrame(event string, sessionID uuid.UUID, payload interface{}) events.Frame {
	f, err := events.NewFrame(event, sessionID, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func (c *Client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
