package listener

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/provisioning-gateway/internal/auth"
	"github.com/tjfontaine/provisioning-gateway/internal/core/domain"
	"github.com/tjfontaine/provisioning-gateway/internal/engine"
	"github.com/tjfontaine/provisioning-gateway/internal/fetch"
	"github.com/tjfontaine/provisioning-gateway/internal/pipeline"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []Event
	status int
	err    error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, ev Event) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	if d.status == 0 {
		return http.StatusCreated, d.err
	}
	return d.status, d.err
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.events)
}

type fakeMetrics struct {
	mu       sync.Mutex
	outcomes []string
	restarts int
}

func (m *fakeMetrics) ListenerEvent(_, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *fakeMetrics) ListenerRestart(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restarts++
}

func (m *fakeMetrics) restartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts
}

func listenerStage(kind domain.StageKind, op domain.Operation) *domain.StageDescriptor {
	return &domain.StageDescriptor{
		Name: "hr-feed",
		Kind: kind,
		Port: "8880",
		Listener: &domain.ListenerOptions{
			Resource:  domain.ResourceUser,
			Operation: op,
			IDField:   "id",
			Interval:  time.Hour,
		},
	}
}

func TestEventPath(t *testing.T) {
	assert.Equal(t, "/Users", Event{Resource: domain.ResourceUser, Operation: domain.OpCreate, ID: "7"}.Path())
	assert.Equal(t, "/Groups/7", Event{Resource: domain.ResourceGroup, Operation: domain.OpModify, ID: "7"}.Path())
}

func TestToEvent(t *testing.T) {
	stage := listenerStage(domain.KindAPIListener, domain.OpModify)
	stage.Listener.DataField = "employee"
	stage.Mapping = []domain.Mapping{
		{Name: "login", MapTo: "userName"},
		{Name: "first", MapTo: "name.givenName"},
	}
	b := newBase(stage, Deps{Mapper: engine.Mapper{}})

	ev, err := b.toEvent(map[string]any{
		"id":       42,
		"employee": map[string]any{"login": "alice", "first": "Alice", "ignored": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", ev.ID)
	assert.Equal(t, "hr-feed", ev.Source)
	assert.Equal(t, "8880", ev.Port)
	assert.Equal(t, "alice", ev.Body["userName"])
	assert.Equal(t, map[string]any{"givenName": "Alice"}, ev.Body["name"])
	assert.NotContains(t, ev.Body, "ignored")
}

func TestToEvent_MissingID(t *testing.T) {
	b := newBase(listenerStage(domain.KindAPIListener, domain.OpDelete), Deps{})
	_, err := b.toEvent(map[string]any{"userName": "alice"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delete")

	create := newBase(listenerStage(domain.KindAPIListener, domain.OpCreate), Deps{})
	ev, err := create.toEvent(map[string]any{"userName": "alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice", ev.Body["userName"])
}

func TestHandle_FailureRunsHook(t *testing.T) {
	hooks := pipeline.NewHooks()
	var hookErr atomic.Value
	hooks.Register("alert", func(_ context.Context, ev pipeline.HookEvent) error {
		hookErr.Store(ev.Err.Error())
		return nil
	})
	stage := listenerStage(domain.KindAPIListener, domain.OpCreate)
	stage.OnError = "alert"

	d := &fakeDispatcher{status: http.StatusBadRequest}
	m := &fakeMetrics{}
	b := newBase(stage, Deps{Dispatcher: d, Hooks: hooks, Metrics: m})

	assert.False(t, b.handle(context.Background(), map[string]any{"userName": "root"}))
	assert.Equal(t, "dispatch returned status 400", hookErr.Load())
	assert.Equal(t, []string{"failed"}, m.outcomes)

	d.status, d.err = 0, nil
	assert.True(t, b.handle(context.Background(), map[string]any{"userName": "alice"}))
	assert.Equal(t, []string{"failed", "ok"}, m.outcomes)
}

func TestAPIListener_PollSkipsUnchanged(t *testing.T) {
	var calls atomic.Int32
	records := []map[string]any{
		{"id": "1", "userName": "alice"},
		{"id": "2", "userName": "bob"},
	}
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		mu.Lock()
		defer mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"items": records})
	}))
	defer srv.Close()

	stage := listenerStage(domain.KindAPIListener, domain.OpModify)
	stage.URL = srv.URL
	stage.Method = http.MethodGet
	stage.Listener.DataField = "items"

	d := &fakeDispatcher{}
	client := fetch.NewClient(auth.NewFormatter(nil))
	l := NewAPIListener(stage, client, nil, Deps{Dispatcher: d})

	n, err := l.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	mu.Lock()
	records[1] = map[string]any{"id": "2", "userName": "bobby"}
	mu.Unlock()
	n, err = l.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, int32(3), calls.Load())
	require.Equal(t, 3, d.count())
	assert.Equal(t, "2", d.events[2].ID)
	assert.Equal(t, "bobby", d.events[2].Body["userName"])
}

func TestAPIListener_ForgetsRecordsLeavingTheFeed(t *testing.T) {
	var (
		mu   sync.Mutex
		next = 1
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		id := next
		next++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]map[string]any{{"id": strconv.Itoa(id), "userName": "rotating"}})
	}))
	defer srv.Close()

	stage := listenerStage(domain.KindAPIListener, domain.OpCreate)
	stage.URL = srv.URL
	stage.Method = http.MethodGet

	l := NewAPIListener(stage, fetch.NewClient(auth.NewFormatter(nil)), nil, Deps{Dispatcher: &fakeDispatcher{}})
	for range 5 {
		n, err := l.Poll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}
	assert.Equal(t, 1, l.Remembered())
}

func TestAPIListener_FailedDispatchIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":"1","userName":"alice"}]`))
	}))
	defer srv.Close()

	stage := listenerStage(domain.KindAPIListener, domain.OpCreate)
	stage.URL = srv.URL
	stage.Method = http.MethodGet

	d := &fakeDispatcher{err: errors.New("engine down")}
	l := NewAPIListener(stage, fetch.NewClient(auth.NewFormatter(nil)), nil, Deps{Dispatcher: d})

	n, err := l.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	d.err = nil
	n, err = l.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestBuild(t *testing.T) {
	_, err := Build(listenerStage(domain.KindAPIListener, domain.OpCreate), Deps{})
	assert.ErrorContains(t, err, "fetch client")

	task, err := Build(listenerStage(domain.KindAPIListener, domain.OpCreate), Deps{},
		WithFetchClient(fetch.NewClient(auth.NewFormatter(nil)), nil))
	require.NoError(t, err)
	assert.IsType(t, &APIListener{}, task)
	assert.Equal(t, "hr-feed", task.Name())

	task, err = Build(listenerStage(domain.KindEventListener, domain.OpCreate), Deps{})
	require.NoError(t, err)
	assert.IsType(t, &EventListener{}, task)

	_, err = Build(&domain.StageDescriptor{Kind: domain.KindRule, Listener: &domain.ListenerOptions{}}, Deps{})
	assert.ErrorContains(t, err, "not a listener")
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestEventListener_ConsumeClaimMarksEveryMessage(t *testing.T) {
	stage := listenerStage(domain.KindEventListener, domain.OpCreate)
	stage.Listener.Topic = "hr"
	m := &fakeMetrics{}
	d := &fakeDispatcher{}
	l := NewEventListener(stage, nil, Deps{Dispatcher: d, Metrics: m})

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "hr", Offset: 1, Value: []byte(`{"userName":"alice"}`)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "hr", Offset: 2, Value: []byte(`not json`)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "hr", Offset: 3, Value: []byte(`{"userName":"bob"}`)}
	close(claim.ch)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, l.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{1, 2, 3}, session.marked)
	assert.Equal(t, 2, d.count())
	assert.Equal(t, []string{"ok", "failed", "ok"}, m.outcomes)
}

type fakeGroup struct {
	sarama.ConsumerGroup
	errs     chan error
	consumed atomic.Int32
	closed   atomic.Bool
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, _ sarama.ConsumerGroupHandler) error {
	g.consumed.Add(1)
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.closed.Store(true)
	close(g.errs)
	return nil
}

func TestEventListener_RunUsesGroup(t *testing.T) {
	stage := listenerStage(domain.KindEventListener, domain.OpCreate)
	stage.Listener.Brokers = []string{"kafka:9092"}
	stage.Listener.Topic = "hr"
	stage.Listener.GroupID = "g"

	group := &fakeGroup{errs: make(chan error)}
	var gotBrokers []string
	var gotGroup string
	factory := func(brokers []string, groupID string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
		gotBrokers, gotGroup = brokers, groupID
		assert.Equal(t, sarama.OffsetNewest, cfg.Consumer.Offsets.Initial)
		return group, nil
	}
	l := NewEventListener(stage, factory, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return group.consumed.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.True(t, group.closed.Load())
	assert.Equal(t, []string{"kafka:9092"}, gotBrokers)
	assert.Equal(t, "g", gotGroup)
}

func TestEventListener_GroupCreationError(t *testing.T) {
	stage := listenerStage(domain.KindEventListener, domain.OpCreate)
	l := NewEventListener(stage, func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) {
		return nil, sarama.ErrOutOfBrokers
	}, Deps{})
	assert.ErrorIs(t, l.Run(context.Background()), sarama.ErrOutOfBrokers)
}

type flakyTask struct {
	runs atomic.Int32
}

func (f *flakyTask) Name() string { return "flaky" }

func (f *flakyTask) Run(ctx context.Context) error {
	switch f.runs.Add(1) {
	case 1:
		panic("boom")
	case 2:
		return errors.New("broker gone")
	}
	<-ctx.Done()
	return nil
}

func TestSupervisor_RestartsFailedTasks(t *testing.T) {
	task := &flakyTask{}
	m := &fakeMetrics{}
	s := NewSupervisor([]Task{task}, WithRestartInterval(time.Millisecond), WithSupervisorMetrics(m))

	s.Start(context.Background())
	require.Eventually(t, func() bool { return task.runs.Load() == 3 }, time.Second, 2*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 2, m.restartCount())
}

func TestSupervisor_StopWithoutStart(t *testing.T) {
	s := NewSupervisor(nil)
	assert.NoError(t, s.Stop(context.Background()))
}
