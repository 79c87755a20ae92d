package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
)

// Synthetic events raised by the channel itself.
const (
	// AllEvents subscribes to every frame.
	AllEvents = "*"
	// EventRejoined carries the events.JoinResult of a sticky join replayed after reconnect.
	EventRejoined = "rejoined"
	// EventGap carries a GapPayload when sequence numbers skip. Clients should backfill.
	EventGap = "gap"
)

// ErrClosed is returned once Close has been called.
var ErrClosed = errors.New("channel closed")

// GapPayload describes a detected gap in a session's sequence numbers.
type GapPayload struct {
	Expected uint64 `json:"expected"`
	Got      uint64 `json:"got"`
}

// RemoteError is an error frame returned by the relay. It unwraps to the apperr sentinel of
// its code, so errors.Is(err, apperr.ErrConflict) works on it.
type RemoteError struct {
	Code    string
	Message string
	Session *models.ConsultationSession
}

func (e *RemoteError) Error() string { return e.Code + ": " + e.Message }

func (e *RemoteError) Unwrap() error { return apperr.FromCode(e.Code) }

// Handler receives frames on the channel's reader goroutine, one at a time.
type Handler func(events.Frame)

// Commands safe to replay after transport loss. Lifecycle commands and signaling are never
// replayed; their callers see ErrTransportLoss and decide.
var replayable = map[string]bool{
	events.CmdJoin:          true,
	events.CmdLeave:         true,
	events.CmdSendMessage:   true,
	events.CmdPulseTyping:   true,
	events.CmdMarkRead:      true,
	events.CmdMarkAllRead:   true,
	events.CmdDeleteMessage: true,
}

type waiter struct {
	frame    events.Frame
	sent     bool
	order    uint64
	internal bool
	done     func(reply events.Frame, err error)
}

type joinSpec struct {
	since func() *time.Time
}

func (s joinSpec) request() events.JoinRequest {
	if s.since == nil {
		return events.JoinRequest{}
	}
	return events.JoinRequest{Since: s.since()}
}

// JoinOption tunes a sticky join.
type JoinOption func(*joinSpec)

// Since backfills messages sent after t.
func Since(t time.Time) JoinOption {
	return func(s *joinSpec) { s.since = func() *time.Time { return &t } }
}

// SinceFunc asks fn for the backfill horizon on every join, including rejoins after
// reconnect. Timeline.Horizon fits here.
func SinceFunc(fn func() *time.Time) JoinOption {
	return func(s *joinSpec) { s.since = fn }
}

// Channel is one logical connection on a namespace.
type Channel struct {
	m      *Manager
	ns     events.Namespace
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	connID  string
	subs    map[string]map[uint64]Handler
	nextSub uint64
	pending map[string]*waiter
	order   uint64
	outbox  []events.Frame
	joins   map[uuid.UUID]joinSpec
	lastSeq map[uuid.UUID]uint64
	closed  bool
	err     error
	done    chan struct{}
}

func newChannel(m *Manager, ns events.Namespace, conn *websocket.Conn, connID string) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		m:       m,
		ns:      ns,
		log:     m.opts.Logger.With(zap.String("namespace", string(ns))),
		ctx:     ctx,
		cancel:  cancel,
		conn:    conn,
		connID:  connID,
		subs:    make(map[string]map[uint64]Handler),
		pending: make(map[string]*waiter),
		joins:   make(map[uuid.UUID]joinSpec),
		lastSeq: make(map[uuid.UUID]uint64),
		done:    make(chan struct{}),
	}
}

// Namespace is the namespace the channel was opened on.
func (ch *Channel) Namespace() events.Namespace { return ch.ns }

// ConnectionID is the server-assigned id of the current connection. It changes on reconnect.
func (ch *Channel) ConnectionID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.connID
}

// Connected reports whether a transport is currently attached.
func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

// Done is closed when the channel stops for good: after Close or once reconnect retries are
// exhausted.
func (ch *Channel) Done() <-chan struct{} { return ch.done }

// Err returns why the channel stopped: ErrClosed, or an error wrapping apperr.ErrConnectionLost
// or apperr.ErrUnauthorized.
func (ch *Channel) Err() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.err
}

// Subscribe registers h for event, or for every frame with AllEvents.
func (ch *Channel) Subscribe(event string, h Handler) (unsubscribe func()) {
	ch.mu.Lock()
	id := ch.nextSub
	ch.nextSub++
	if ch.subs[event] == nil {
		ch.subs[event] = make(map[uint64]Handler)
	}
	ch.subs[event][id] = h
	ch.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ch.mu.Lock()
			delete(ch.subs[event], id)
			ch.mu.Unlock()
		})
	}
}

// Send writes a command without waiting for its reply. While disconnected the frame is queued
// and flushed on reconnect.
func (ch *Channel) Send(event string, sessionID uuid.UUID, payload interface{}) error {
	f, err := events.NewFrame(event, sessionID, payload)
	if err != nil {
		return err
	}
	return ch.enqueue(f, nil)
}

// Request sends a command and waits for its ack. Error replies come back as *RemoteError.
func (ch *Channel) Request(ctx context.Context, event string, sessionID uuid.UUID, payload interface{}) (json.RawMessage, error) {
	f, err := events.NewFrame(event, sessionID, payload)
	if err != nil {
		return nil, err
	}
	return ch.call(ctx, f, nil)
}

// Join joins a session and keeps the join sticky: after a reconnect it is replayed and an
// EventRejoined frame carries the fresh events.JoinResult.
func (ch *Channel) Join(ctx context.Context, sessionID uuid.UUID, opts ...JoinOption) (events.JoinResult, error) {
	var spec joinSpec
	for _, o := range opts {
		o(&spec)
	}
	f, err := events.NewFrame(events.CmdJoin, sessionID, spec.request())
	if err != nil {
		return events.JoinResult{}, err
	}
	data, err := ch.call(ctx, f, func(ack events.Frame) {
		var res events.JoinResult
		if json.Unmarshal(ack.Data, &res) != nil {
			return
		}
		ch.mu.Lock()
		ch.joins[sessionID] = spec
		ch.lastSeq[sessionID] = res.Seq
		ch.mu.Unlock()
	})
	if err != nil {
		return events.JoinResult{}, err
	}
	var res events.JoinResult
	if err := json.Unmarshal(data, &res); err != nil {
		return events.JoinResult{}, fmt.Errorf("decode join result: %w", err)
	}
	return res, nil
}

// Leave drops the sticky join and tells the relay.
func (ch *Channel) Leave(ctx context.Context, sessionID uuid.UUID) error {
	ch.mu.Lock()
	delete(ch.joins, sessionID)
	delete(ch.lastSeq, sessionID)
	ch.mu.Unlock()
	_, err := ch.Request(ctx, events.CmdLeave, sessionID, nil)
	return err
}

// Close stops the channel. Pending requests fail with ErrClosed.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if !ch.stop(ErrClosed) {
		return nil
	}
	if conn != nil {
		ch.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		ch.writeMu.Unlock()
		_ = conn.Close()
	}
	return nil
}

func (ch *Channel) call(ctx context.Context, f events.Frame, onAck func(events.Frame)) (json.RawMessage, error) {
	f.RequestID = uuid.NewString()
	type result struct {
		data json.RawMessage
		err  error
	}
	res := make(chan result, 1)
	w := &waiter{frame: f, done: func(reply events.Frame, err error) {
		if err == nil && onAck != nil {
			onAck(reply)
		}
		res <- result{reply.Data, err}
	}}
	if err := ch.enqueue(f, w); err != nil {
		return nil, err
	}
	select {
	case r := <-res:
		return r.data, r.err
	case <-ctx.Done():
		ch.mu.Lock()
		delete(ch.pending, f.RequestID)
		ch.mu.Unlock()
		return nil, ctx.Err()
	}
}

// enqueue writes f now if connected, or queues it for the next connection.
func (ch *Channel) enqueue(f events.Frame, w *waiter) error {
	ch.mu.Lock()
	if ch.closed {
		err := ch.err
		ch.mu.Unlock()
		return err
	}
	conn := ch.conn
	if conn == nil {
		if len(ch.outbox) >= ch.m.opts.OutboxSize {
			ch.mu.Unlock()
			return fmt.Errorf("%w: outbox full", apperr.ErrTransportLoss)
		}
		if w != nil {
			ch.pending[f.RequestID] = w
		}
		ch.outbox = append(ch.outbox, f)
		ch.mu.Unlock()
		return nil
	}
	if w != nil {
		ch.pending[f.RequestID] = w
		ch.markSent(w)
	}
	ch.mu.Unlock()

	ch.writeMu.Lock()
	err := ch.writeLocked(conn, f)
	ch.writeMu.Unlock()
	if err == nil {
		return nil
	}

	ch.mu.Lock()
	switch {
	case ch.conn == nil || ch.conn == conn:
		// The reader requeues sent replayable frames when it notices the loss.
		if w == nil || !replayable[f.Event] {
			if w != nil {
				delete(ch.pending, f.RequestID)
			}
			ch.mu.Unlock()
			_ = conn.Close()
			return fmt.Errorf("%w: %v", apperr.ErrTransportLoss, err)
		}
		ch.mu.Unlock()
		_ = conn.Close()
		return nil
	default:
		// Already reconnected; try again on the new transport.
		if w != nil {
			delete(ch.pending, f.RequestID)
		}
		ch.mu.Unlock()
		return ch.enqueue(f, w)
	}
}

func (ch *Channel) markSent(w *waiter) {
	ch.order++
	w.sent = true
	w.order = ch.order
}

func (ch *Channel) writeLocked(conn *websocket.Conn, f events.Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(f)
}

// run owns the transport: it reads until the connection breaks, then reconnects.
func (ch *Channel) run(conn *websocket.Conn) {
	for {
		err := ch.read(conn)
		if ch.detach(conn, err) {
			return
		}
		next, connID, err := ch.reconnect()
		if err != nil {
			ch.stop(err)
			return
		}
		ch.attach(next, connID)
		conn = next
	}
}

func (ch *Channel) read(conn *websocket.Conn) error {
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_ = conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		return nil
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		var f events.Frame
		if err := conn.ReadJSON(&f); err != nil {
			var syntax *json.SyntaxError
			if errors.As(err, &syntax) {
				ch.log.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			return err
		}
		ch.handle(f)
	}
}

func (ch *Channel) handle(f events.Frame) {
	if (f.Event == events.Ack || f.Event == events.Error) && f.RequestID != "" {
		ch.mu.Lock()
		w := ch.pending[f.RequestID]
		delete(ch.pending, f.RequestID)
		ch.mu.Unlock()
		if w == nil {
			return
		}
		if f.Event == events.Error {
			w.done(f, remoteError(f))
			return
		}
		w.done(f, nil)
		return
	}

	if f.SessionID != uuid.Nil && f.Seq > 0 {
		ch.mu.Lock()
		last := ch.lastSeq[f.SessionID]
		ch.lastSeq[f.SessionID] = f.Seq
		ch.mu.Unlock()
		if last > 0 && f.Seq > last+1 {
			gap, _ := events.NewFrame(EventGap, f.SessionID, GapPayload{Expected: last + 1, Got: f.Seq})
			ch.emit(gap)
		}
	}
	ch.emit(f)
}

func remoteError(f events.Frame) error {
	var p events.ErrorPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.Code == "" {
		return &RemoteError{Code: apperr.CodeInternal, Message: "malformed error frame"}
	}
	return &RemoteError{Code: p.Code, Message: p.Message, Session: p.Session}
}

func (ch *Channel) emit(f events.Frame) {
	ch.mu.Lock()
	var ids []uint64
	handlers := make(map[uint64]Handler)
	for _, event := range []string{f.Event, AllEvents} {
		for id, h := range ch.subs[event] {
			ids = append(ids, id)
			handlers[id] = h
		}
	}
	ch.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		handlers[id](f)
	}
}

// detach forgets conn after it broke. Sent replayable requests go back to the front of the
// outbox; the rest fail with ErrTransportLoss. It reports whether the channel is closed.
func (ch *Channel) detach(conn *websocket.Conn, cause error) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return true
	}
	if ch.conn == conn {
		ch.conn = nil
	}
	ch.lastSeq = make(map[uuid.UUID]uint64)

	var resend, failed []*waiter
	for id, w := range ch.pending {
		if !w.sent {
			continue
		}
		switch {
		case w.internal:
			delete(ch.pending, id)
		case replayable[w.frame.Event]:
			w.sent = false
			resend = append(resend, w)
		default:
			delete(ch.pending, id)
			failed = append(failed, w)
		}
	}
	sort.Slice(resend, func(i, j int) bool { return resend[i].order < resend[j].order })
	frames := make([]events.Frame, 0, len(resend)+len(ch.outbox))
	for _, w := range resend {
		frames = append(frames, w.frame)
	}
	ch.outbox = append(frames, ch.outbox...)
	ch.mu.Unlock()

	_ = conn.Close()
	ch.log.Info("transport lost", zap.Error(cause), zap.Int("requeued", len(resend)), zap.Int("failed", len(failed)))
	for _, w := range failed {
		w.done(events.Frame{}, fmt.Errorf("%w: %v", apperr.ErrTransportLoss, cause))
	}
	return false
}

func (ch *Channel) reconnect() (*websocket.Conn, string, error) {
	type dialed struct {
		conn   *websocket.Conn
		connID string
	}
	attempts := 0
	d, err := backoff.Retry(ch.ctx, func() (dialed, error) {
		attempts++
		conn, connID, err := ch.m.dial(ch.ctx, ch.ns)
		if err != nil {
			if errors.Is(err, apperr.ErrUnauthorized) || errors.Is(err, apperr.ErrNotFound) {
				return dialed{}, backoff.Permanent(err)
			}
			ch.log.Debug("reconnect failed", zap.Int("attempt", attempts), zap.Error(err))
			return dialed{}, err
		}
		return dialed{conn, connID}, nil
	},
		backoff.WithBackOff(newFullJitter(ch.m.opts.BaseDelay, ch.m.opts.MaxDelay)),
		backoff.WithMaxTries(ch.m.opts.MaxRetries),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		if ch.ctx.Err() != nil {
			return nil, "", ErrClosed
		}
		if errors.Is(err, apperr.ErrUnauthorized) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w after %d attempts: %v", apperr.ErrConnectionLost, attempts, err)
	}
	ch.log.Info("reconnected", zap.Int("attempts", attempts), zap.String("conn_id", d.connID))
	return d.conn, d.connID, nil
}

// attach installs a fresh transport, replays sticky joins and flushes the outbox, in that
// order, before any other write can reach the new connection.
func (ch *Channel) attach(conn *websocket.Conn, connID string) {
	ch.mu.Lock()
	specs := make(map[uuid.UUID]joinSpec, len(ch.joins))
	for id, s := range ch.joins {
		specs[id] = s
	}
	ch.mu.Unlock()

	rejoins := make([]events.Frame, 0, len(specs))
	for sid, spec := range specs {
		f, err := events.NewFrame(events.CmdJoin, sid, spec.request())
		if err != nil {
			continue
		}
		f.RequestID = uuid.NewString()
		rejoins = append(rejoins, f)
	}

	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		_ = conn.Close()
		return
	}
	ch.conn, ch.connID = conn, connID
	for _, f := range rejoins {
		w := ch.rejoinWaiter(f)
		ch.pending[f.RequestID] = w
		ch.markSent(w)
	}
	frames := append(rejoins, ch.outbox...)
	ch.outbox = nil
	for _, f := range frames[len(rejoins):] {
		if w := ch.pending[f.RequestID]; f.RequestID != "" && w != nil {
			ch.markSent(w)
		}
	}
	ch.mu.Unlock()

	for i, f := range frames {
		if err := ch.writeLocked(conn, f); err != nil {
			ch.mu.Lock()
			var rest []events.Frame
			for _, f := range frames[i:] {
				w := ch.pending[f.RequestID]
				if w != nil && w.internal {
					delete(ch.pending, f.RequestID)
					continue
				}
				if w != nil {
					w.sent = false
				}
				rest = append(rest, f)
			}
			ch.outbox = append(rest, ch.outbox...)
			ch.mu.Unlock()
			_ = conn.Close()
			return
		}
	}
}

func (ch *Channel) rejoinWaiter(f events.Frame) *waiter {
	sid := f.SessionID
	return &waiter{frame: f, internal: true, done: func(reply events.Frame, err error) {
		if err != nil {
			var re *RemoteError
			if !errors.As(err, &re) {
				return
			}
			ch.mu.Lock()
			delete(ch.joins, sid)
			ch.mu.Unlock()
			ch.log.Warn("rejoin refused", zap.String("session_id", sid.String()), zap.String("code", re.Code))
			reply.SessionID = sid
			reply.RequestID = ""
			ch.emit(reply)
			return
		}
		var res events.JoinResult
		if json.Unmarshal(reply.Data, &res) == nil {
			ch.mu.Lock()
			ch.lastSeq[sid] = res.Seq
			ch.mu.Unlock()
		}
		ch.emit(events.Frame{Event: EventRejoined, SessionID: sid, Data: reply.Data})
	}}
}

// stop ends the channel with err and fails everything still waiting. It reports whether this
// call did the stopping.
func (ch *Channel) stop(err error) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	ch.closed = true
	ch.err = err
	waiters := make([]*waiter, 0, len(ch.pending))
	for _, w := range ch.pending {
		waiters = append(waiters, w)
	}
	ch.pending = make(map[string]*waiter)
	ch.outbox = nil
	ch.mu.Unlock()

	ch.cancel()
	close(ch.done)
	if !errors.Is(err, ErrClosed) {
		ch.log.Warn("channel stopped", zap.Error(err))
	}
	for _, w := range waiters {
		w.done(events.Frame{}, err)
	}
	return true
}
