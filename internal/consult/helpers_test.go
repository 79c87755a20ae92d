package consult

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-consult/relay/internal/events"
	"github.com/aura-consult/relay/internal/models"
	"github.com/aura-consult/relay/internal/store"
	"github.com/aura-consult/relay/internal/store/memory"
)

const waitFor = 3 * time.Second

type recorder struct {
	mu     sync.Mutex
	frames map[string][]events.Frame
}

func newRecorder() *recorder {
	return &recorder{frames: make(map[string][]events.Frame)}
}

func (r *recorder) Send(connID string, f events.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[connID] = append(r.frames[connID], f)
	return true
}

func (r *recorder) of(connID string) []events.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Frame(nil), r.frames[connID]...)
}

func (r *recorder) named(connID, event string) []events.Frame {
	var out []events.Frame
	for _, f := range r.of(connID) {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type jobsRecorder struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (j *jobsRecorder) EnqueueRatingUnlock(_ context.Context, id uuid.UUID) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ids = append(j.ids, id)
	return nil
}

func (j *jobsRecorder) count() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.ids)
}

type fixture struct {
	reg       *Registry
	st        store.Store
	mem       *memory.Store
	tr        *recorder
	jobs      *jobsRecorder
	session   *models.ConsultationSession
	clinician uuid.UUID
	patient   uuid.UUID
}

func testConfig() Config {
	return Config{
		TypingWindow:      60 * time.Millisecond,
		TransitionTimeout: 300 * time.Millisecond,
		StoreTimeout:      300 * time.Millisecond,
		SendRetries:       4,
		IdleTimeout:       time.Hour,
		ICEServers:        []string{"stun:stun.example.com:3478"},
	}
}

func newSession(kind models.SessionKind) (*models.ConsultationSession, uuid.UUID, uuid.UUID) {
	clinician, patient := uuid.New(), uuid.New()
	return &models.ConsultationSession{
		ID:          uuid.New(),
		Kind:        kind,
		Status:      models.StatusScheduled,
		ScheduledAt: time.Now().Add(time.Hour),
		ParticipantRoles: map[uuid.UUID]models.Role{
			clinician: models.RoleClinician,
			patient:   models.RolePatient,
		},
	}, clinician, patient
}

func newFixture(t *testing.T, kind models.SessionKind, cfg Config) *fixture {
	t.Helper()
	cs, clinician, patient := newSession(kind)
	mem := memory.New()
	mem.PutSession(cs)
	return newFixtureWithStore(t, cs, clinician, patient, mem, mem, cfg)
}

func newFixtureWithStore(t *testing.T, cs *models.ConsultationSession, clinician, patient uuid.UUID, st store.Store, mem *memory.Store, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		st:        st,
		mem:       mem,
		tr:        newRecorder(),
		jobs:      &jobsRecorder{},
		session:   cs,
		clinician: clinician,
		patient:   patient,
	}
	f.reg = NewRegistry(cfg, st, f.tr, zap.NewNop(), WithRatingJobs(f.jobs))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.reg.Shutdown(ctx)
	})
	return f
}

func (f *fixture) sess() *Session { return f.reg.Session(f.session.ID) }

type result struct {
	data interface{}
	err  error
}

// call issues a command and waits for its reply.
func call(t *testing.T, fn func(Reply)) (interface{}, error) {
	t.Helper()
	ch := make(chan result, 1)
	fn(func(data interface{}, err error) { ch <- result{data, err} })
	select {
	case r := <-ch:
		return r.data, r.err
	case <-time.After(waitFor):
		t.Fatal("no reply")
		return nil, nil
	}
}

// async issues a command and returns the channel its reply lands on.
func async(fn func(Reply)) <-chan result {
	ch := make(chan result, 1)
	fn(func(data interface{}, err error) { ch <- result{data, err} })
	return ch
}

func caller(user uuid.UUID, conn string, ns events.Namespace) Caller {
	return Caller{UserID: user, ConnID: conn, Namespace: ns}
}

func (f *fixture) join(t *testing.T, c Caller) events.JoinResult {
	t.Helper()
	data, err := call(t, func(r Reply) { f.sess().Join(context.Background(), c, events.JoinRequest{}, r) })
	require.NoError(t, err)
	return data.(events.JoinResult)
}

func (f *fixture) send(t *testing.T, c Caller, body string) models.Message {
	t.Helper()
	data, err := call(t, func(r Reply) {
		f.sess().SendMessage(context.Background(), c, events.SendMessageRequest{
			CorrelationID: uuid.New(), Kind: models.MessageText, Body: body,
		}, r)
	})
	require.NoError(t, err)
	return data.(events.SendMessageResult).Message
}

func (f *fixture) transition(t *testing.T, c Caller, cmd string) (interface{}, error) {
	t.Helper()
	return call(t, func(r Reply) {
		f.sess().Transition(context.Background(), c, mustAction(t, cmd), r)
	})
}

func decode[T any](t *testing.T, f events.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}

func requireContiguous(t *testing.T, frames []events.Frame) {
	t.Helper()
	for i, f := range frames {
		require.Equal(t, uint64(i+1), f.Seq, "frame %d (%s)", i, f.Event)
	}
}
