package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
)

type fakeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *fakeConn) write(f events.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(f)
}

// fakeServer speaks just enough of the relay protocol to drive a Channel.
type fakeServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	down   bool
	conns  []*fakeConn
	frames [][]events.Frame
	reply  func(f events.Frame) []events.Frame
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{reply: ackAll}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(func() {
		s.dropAll()
		s.srv.Close()
	})
	return s
}

func ackAll(f events.Frame) []events.Frame {
	if f.RequestID == "" {
		return nil
	}
	var payload interface{} = struct{}{}
	if f.Event == events.CmdJoin {
		payload = events.JoinResult{Seq: 0}
	}
	ack, _ := events.NewFrame(events.Ack, f.SessionID, payload)
	ack.RequestID = f.RequestID
	return []events.Frame{ack}
}

func (s *fakeServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *fakeServer) serve(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer good" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		http.Error(w, "down", http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	fc := &fakeConn{conn: conn}
	s.mu.Lock()
	idx := len(s.conns)
	s.conns = append(s.conns, fc)
	s.frames = append(s.frames, nil)
	s.mu.Unlock()

	hello, _ := events.NewFrame(events.Connected, uuid.Nil, events.ConnectedPayload{
		ConnectionID: fmt.Sprintf("conn-%d", idx),
		Namespace:    events.Namespace(strings.TrimPrefix(r.URL.Path, "/ws/")),
	})
	if fc.write(hello) != nil {
		return
	}
	for {
		var f events.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.mu.Lock()
		s.frames[idx] = append(s.frames[idx], f)
		reply := s.reply
		s.mu.Unlock()
		for _, out := range reply(f) {
			if fc.write(out) != nil {
				return
			}
		}
	}
}

func (s *fakeServer) setReply(fn func(events.Frame) []events.Frame) {
	s.mu.Lock()
	s.reply = fn
	s.mu.Unlock()
}

func (s *fakeServer) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func (s *fakeServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (s *fakeServer) push(t *testing.T, f events.Frame) {
	t.Helper()
	s.mu.Lock()
	c := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	require.NoError(t, c.write(f))
}

func (s *fakeServer) received(dial int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dial >= len(s.frames) {
		return nil
	}
	out := make([]string, 0, len(s.frames[dial]))
	for _, f := range s.frames[dial] {
		out = append(out, f.Event)
	}
	return out
}

func connect(t *testing.T, s *fakeServer, opts Options) *Channel {
	t.Helper()
	opts.URL = s.url()
	if opts.Credentials == nil {
		opts.Credentials = StaticToken("good")
	}
	ch, err := NewManager(opts).Connect(context.Background(), events.NamespaceMessages)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestConnectUnauthorized(t *testing.T) {
	s := newFakeServer(t)
	m := NewManager(Options{URL: s.url(), Credentials: StaticToken("bad")})

	_, err := m.Connect(context.Background(), events.NamespaceSession)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
}

func TestRequestAckAndRemoteError(t *testing.T) {
	s := newFakeServer(t)
	sid := uuid.New()
	s.setReply(func(f events.Frame) []events.Frame {
		if f.Event != events.CmdStart {
			return ackAll(f)
		}
		out, _ := events.NewFrame(events.Error, f.SessionID, events.ErrorPayload{
			Code:    apperr.CodeConflict,
			Message: "already started",
			Session: &models.ConsultationSession{ID: f.SessionID, Status: models.StatusInProgress},
		})
		out.RequestID = f.RequestID
		return []events.Frame{out}
	})
	ch := connect(t, s, Options{})
	assert.Equal(t, "conn-0", ch.ConnectionID())
	assert.True(t, ch.Connected())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := ch.Request(ctx, events.CmdPulseTyping, sid, nil)
	require.NoError(t, err)

	_, err = ch.Request(ctx, events.CmdStart, sid, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
	var remote *RemoteError
	require.True(t, errors.As(err, &remote))
	require.NotNil(t, remote.Session)
	assert.Equal(t, models.StatusInProgress, remote.Session.Status)
}

func TestSubscribeAndGapDetection(t *testing.T) {
	s := newFakeServer(t)
	ch := connect(t, s, Options{})
	sid := uuid.New()

	var mu sync.Mutex
	var newMessages int
	gaps := make(chan GapPayload, 1)
	all := make(chan events.Frame, 16)

	unsubscribe := ch.Subscribe(events.NewMessage, func(events.Frame) {
		mu.Lock()
		newMessages++
		mu.Unlock()
	})
	ch.Subscribe(EventGap, func(f events.Frame) {
		var p GapPayload
		if json.Unmarshal(f.Data, &p) == nil {
			gaps <- p
		}
	})
	ch.Subscribe(AllEvents, func(f events.Frame) { all <- f })

	for _, seq := range []uint64{1, 2, 4} {
		f, err := events.NewFrame(events.NewMessage, sid, models.Message{SessionID: sid})
		require.NoError(t, err)
		f.Seq = seq
		s.push(t, f)
	}

	select {
	case gap := <-gaps:
		assert.Equal(t, GapPayload{Expected: 3, Got: 4}, gap)
	case <-time.After(3 * time.Second):
		t.Fatal("no gap reported")
	}

	unsubscribe()
	f, err := events.NewFrame(events.NewMessage, sid, models.Message{SessionID: sid})
	require.NoError(t, err)
	f.Seq = 5
	s.push(t, f)

	deadline := time.After(3 * time.Second)
	for {
		select {
		case got := <-all:
			if got.Seq != 5 {
				continue
			}
			mu.Lock()
			assert.Equal(t, 3, newMessages)
			mu.Unlock()
			return
		case <-deadline:
			t.Fatal("frame 5 never arrived")
		}
	}
}

func TestReconnectRejoinsAndFlushesOutbox(t *testing.T) {
	s := newFakeServer(t)
	ch := connect(t, s, Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxRetries: 1000})
	sid := uuid.New()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ch.Join(ctx, sid)
	require.NoError(t, err)

	rejoined := make(chan events.Frame, 1)
	ch.Subscribe(EventRejoined, func(f events.Frame) { rejoined <- f })

	s.setDown(true)
	s.dropAll()
	require.Eventually(t, func() bool { return !ch.Connected() }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Send(events.CmdPulseTyping, sid, nil))
	s.setDown(false)

	select {
	case f := <-rejoined:
		assert.Equal(t, sid, f.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("no rejoin")
	}
	require.Eventually(t, func() bool { return len(s.received(1)) == 2 }, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{events.CmdJoin, events.CmdPulseTyping}, s.received(1))
	assert.Equal(t, "conn-1", ch.ConnectionID())
}

func TestRetryCeilingStopsChannel(t *testing.T) {
	s := newFakeServer(t)
	ch := connect(t, s, Options{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, MaxRetries: 3})

	s.setDown(true)
	s.dropAll()
	require.Eventually(t, func() bool { return !ch.Connected() }, 3*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := ch.Request(ctx, events.CmdMarkAllRead, uuid.New(), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrConnectionLost))

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not stop")
	}
	assert.True(t, errors.Is(ch.Err(), apperr.ErrConnectionLost))
}

func TestNonReplayableFailsOnTransportLoss(t *testing.T) {
	s := newFakeServer(t)
	s.setReply(func(f events.Frame) []events.Frame {
		if f.Event == events.CmdStart {
			return nil
		}
		return ackAll(f)
	})
	ch := connect(t, s, Options{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, MaxRetries: 1000})

	errs := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := ch.Request(ctx, events.CmdStart, uuid.New(), nil)
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(s.received(0)) == 1 }, 3*time.Second, 5*time.Millisecond)

	s.setDown(true)
	s.dropAll()

	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, apperr.ErrTransportLoss))
	case <-time.After(5 * time.Second):
		t.Fatal("start never failed")
	}
}

func TestCloseFailsPending(t *testing.T) {
	s := newFakeServer(t)
	s.setReply(func(events.Frame) []events.Frame { return nil })
	ch := connect(t, s, Options{})

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), events.CmdMarkRead, uuid.New(), events.MarkReadRequest{MessageID: 7})
		errs <- err
	}()
	require.Eventually(t, func() bool { return len(s.received(0)) == 1 }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, ch.Close())
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request not failed")
	}
	<-ch.Done()
	assert.ErrorIs(t, ch.Err(), ErrClosed)
	assert.ErrorIs(t, ch.Send(events.CmdPulseTyping, uuid.New(), nil), ErrClosed)
}
