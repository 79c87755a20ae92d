package consult

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/apperr"
	"github.com/aura-consult/relay/internal/store"
	"github.com/aura-consult/relay/pkg/metrics"
)

// Option configures optional Registry collaborators.
type Option func(*Registry)

// WithRatingJobs sets the queue used to unlock ratings after a session ends.
func WithRatingJobs(j RatingJobs) Option { return func(r *Registry) { r.jobs = j } }

// WithAttendance sets the attendance log.
func WithAttendance(a Attendance) Option { return func(r *Registry) { r.attendance = a } }

// WithChangeNotifier sets the cross-instance change publisher.
func WithChangeNotifier(n ChangeNotifier) Option { return func(r *Registry) { r.notifier = n } }

// Registry starts session actors on demand and retires them once idle.
type Registry struct {
	cfg        Config
	store      store.Store
	transport  Transport
	jobs       RatingJobs
	attendance Attendance
	notifier   ChangeNotifier
	logger     *zap.Logger

	mu     sync.Mutex
	actors map[uuid.UUID]*actor
	closed bool
	wg     sync.WaitGroup
}

// NewRegistry creates a registry. Actors start lazily on the first command for a session.
func NewRegistry(cfg Config, s store.Store, t Transport, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		cfg:       cfg.withDefaults(),
		store:     s,
		transport: t,
		logger:    logger,
		actors:    make(map[uuid.UUID]*actor),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Session returns a handle for sessionID. Handles are cheap and may be kept or discarded.
func (r *Registry) Session(sessionID uuid.UUID) *Session {
	return &Session{reg: r, id: sessionID}
}

// Active is the number of running actors.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// Refresh asks the actor of sessionID, if running, to reload its session from the store.
func (r *Registry) Refresh(sessionID uuid.UUID) {
	r.mu.Lock()
	a := r.actors[sessionID]
	r.mu.Unlock()
	if a == nil {
		return
	}
	_ = a.post(context.Background(), a.refresh)
}

// Shutdown stops every actor and waits for them to exit or ctx to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for _, a := range r.actors {
		a.stop()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// get returns the live actor for id, starting one if needed.
func (r *Registry) get(id uuid.UUID) (*actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, apperr.ErrUnavailable
	}
	if a, ok := r.actors[id]; ok && !a.retired.Load() {
		return a, nil
	}
	a := newActor(id, r)
	r.actors[id] = a
	r.wg.Add(1)
	metrics.ActiveSessions.Inc()
	go func() {
		defer r.wg.Done()
		defer metrics.ActiveSessions.Dec()
		a.run()
	}()
	return a, nil
}

// forget drops a retired actor from the map unless it was already replaced.
func (r *Registry) forget(a *actor) {
	r.mu.Lock()
	if r.actors[a.id] == a {
		delete(r.actors, a.id)
	}
	r.mu.Unlock()
}

// submit runs fn on the actor of id, restarting the actor if it retired concurrently.
func (r *Registry) submit(ctx context.Context, id uuid.UUID, fn func(a *actor)) error {
	for {
		a, err := r.get(id)
		if err != nil {
			return err
		}
		err = a.post(ctx, func() { fn(a) })
		if err == errRetired {
			continue
		}
		return err
	}
}
