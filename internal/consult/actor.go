package consult

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/presence"
	"github.com/aura-consult/relay/internal/typing"
	"github.com/aura-consult/relay/pkg/metrics"
)

var errRetired = errors.New("session actor retired")

type readKey struct {
	messageID int64
	readerID  uuid.UUID
}

// conn is a connection joined to the session.
type conn struct {
	id     string
	userID uuid.UUID
	role   models.Role
	ns     events.Namespace
	seq    uint64

	// While backfilling, frames are held and released after the join ack.
	backfilling   bool
	since         time.Time
	held          []events.Frame
	heldCorr      map[uuid.UUID]struct{}
	pendingAtJoin []uuid.UUID
}

type actor struct {
	id  uuid.UUID
	reg *Registry
	cfg Config
	log *zap.Logger

	mailbox  chan func()
	quit     chan struct{}
	quitOnce sync.Once
	// mu only fences posting against retirement; session state is never guarded by it.
	mu      sync.RWMutex
	retired atomic.Bool

	session *models.ConsultationSession
	loading bool
	waiting []func(error)
	pending *pendingTransition

	roster   *presence.Roster
	typing   *typing.Tracker
	conns    map[string]*conn
	queues   map[uuid.UUID][]*models.Message
	messages map[uuid.UUID]*models.Message
	recent   []uuid.UUID
	reads    map[readKey]time.Time
	readWait map[readKey][]Reply
	inflight int
}

func newActor(id uuid.UUID, reg *Registry) *actor {
	return &actor{
		id:       id,
		reg:      reg,
		cfg:      reg.cfg,
		log:      reg.logger.With(zap.String("session_id", id.String())),
		mailbox:  make(chan func(), reg.cfg.MailboxSize),
		quit:     make(chan struct{}),
		roster:   presence.NewRoster(),
		typing:   typing.NewTracker(reg.cfg.TypingWindow),
		conns:    make(map[string]*conn),
		queues:   make(map[uuid.UUID][]*models.Message),
		messages: make(map[uuid.UUID]*models.Message),
		reads:    make(map[readKey]time.Time),
		readWait: make(map[readKey][]Reply),
	}
}

func (a *actor) run() {
	a.log.Debug("session actor started")
	sweep := time.NewTicker(a.typing.Window())
	defer sweep.Stop()
	idle := time.NewTicker(a.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-sweep.C:
			a.sweepTyping()
		case <-idle.C:
			if a.tryRetire() {
				return
			}
		case <-a.quit:
			a.retired.Store(true)
			a.log.Debug("session actor stopped")
			return
		}
	}
}

func (a *actor) stop() {
	a.quitOnce.Do(func() { close(a.quit) })
}

// post enqueues fn on the mailbox.
func (a *actor) post(ctx context.Context, fn func()) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.retired.Load() {
		return errRetired
	}
	select {
	case a.mailbox <- fn:
		return nil
	case <-a.quit:
		return apperr.ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete posts the continuation of an I/O goroutine.
func (a *actor) complete(fn func()) {
	if err := a.post(context.Background(), fn); err != nil {
		a.log.Debug("continuation dropped", zap.Error(err))
	}
}

func (a *actor) idle() bool {
	return len(a.conns) == 0 && a.inflight == 0 && a.pending == nil && len(a.queues) == 0 && !a.loading
}

func (a *actor) tryRetire() bool {
	if !a.idle() {
		return false
	}
	if !a.mu.TryLock() {
		return false
	}
	if len(a.mailbox) > 0 {
		a.mu.Unlock()
		return false
	}
	a.retired.Store(true)
	a.mu.Unlock()
	a.reg.forget(a)
	a.log.Debug("session actor retired")
	return true
}

// withSession runs fn once the cached session is loaded, loading it if needed.
func (a *actor) withSession(reply Reply, fn func()) {
	if a.session != nil {
		fn()
		return
	}
	a.waiting = append(a.waiting, func(err error) {
		if err != nil {
			respond(reply, nil, err)
			return
		}
		fn()
	})
	if a.loading {
		return
	}
	a.loading = true
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
		defer cancel()
		start := time.Now()
		cs, err := a.reg.store.ReadSession(ctx, a.id)
		metrics.StoreLatency.WithLabelValues("read_session").Observe(time.Since(start).Seconds())
		a.complete(func() { a.loaded(cs, err) })
	}()
}

func (a *actor) loaded(cs *models.ConsultationSession, err error) {
	a.loading = false
	if err == nil {
		a.session = cs
	} else {
		a.log.Warn("load session failed", zap.Error(err))
	}
	waiting := a.waiting
	a.waiting = nil
	for _, w := range waiting {
		w(err)
	}
}

// refresh reloads the session from the store and surfaces an external change as a conflict.
func (a *actor) refresh() {
	if a.session == nil || a.loading {
		return
	}
	a.inflight++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
		defer cancel()
		cs, err := a.reg.store.ReadSession(ctx, a.id)
		a.complete(func() { a.refreshed(cs, err) })
	}()
}

func (a *actor) refreshed(cs *models.ConsultationSession, err error) {
	a.inflight--
	if err != nil {
		a.log.Warn("refresh session failed", zap.Error(err))
		return
	}
	if a.pending != nil {
		return
	}
	changed := cs.Status != a.session.Status
	a.session = cs
	if changed {
		a.broadcast(events.SessionConflict, events.ConflictPayload{Session: cs.Clone()}, events.Envelope{}, uuid.Nil)
	}
}

// broadcast builds a frame and fans it out to every joined connection env accepts.
func (a *actor) broadcast(event string, payload interface{}, env events.Envelope, corr uuid.UUID) {
	f, err := events.NewFrame(event, a.id, payload)
	if err != nil {
		a.log.Error("build frame", zap.String("event", event), zap.Error(err))
		return
	}
	env.Frame = f
	ns, _ := events.NamespaceOf(event)

	ids := make([]string, 0, len(a.conns))
	for id := range a.conns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c := a.conns[id]
		if c.ns != ns || !env.Accepts(c.userID, c.id) {
			continue
		}
		a.deliver(c, env.Frame, corr)
	}
}

// deliver stamps the connection's next sequence number on f and sends or holds it.
func (a *actor) deliver(c *conn, f events.Frame, corr uuid.UUID) {
	c.seq++
	f.Seq = c.seq
	if c.backfilling {
		c.held = append(c.held, f)
		if corr != uuid.Nil {
			c.heldCorr[corr] = struct{}{}
		}
		return
	}
	a.send(c, f)
}

func (a *actor) send(c *conn, f events.Frame) {
	if a.reg.transport.Send(c.id, f) {
		metrics.Events.WithLabelValues(f.Event).Inc()
	}
}

func (a *actor) joined(c Caller) (*conn, error) {
	cn, ok := a.conns[c.ConnID]
	if !ok || cn.userID != c.UserID {
		return nil, apperr.ErrNotJoined
	}
	return cn, nil
}

func (a *actor) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), a.cfg.StoreTimeout)
}

func respond(reply Reply, data interface{}, err error) {
	if reply != nil {
		reply(data, err)
	}
}
