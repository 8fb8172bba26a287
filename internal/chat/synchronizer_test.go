package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	events chan models.Event
	errs   chan error
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		events: make(chan models.Event, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadEvent() (models.Event, error) {
	select {
	case ev := <-c.events:
		return ev, nil
	case err := <-c.errs:
		return models.Event{}, err
	case <-c.closed:
		return models.Event{}, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(context.Context, string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) dialed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

type fakeBackend struct {
	notebook models.Notebook
	messages []models.Message
	loadErr  error
	// loadStarted and loadRelease, when set, make Notebook block until the test releases it.
	loadStarted chan struct{}
	loadRelease chan struct{}

	answer  string
	chatErr error

	mu        sync.Mutex
	questions []string
	histories [][]models.Message
}

func (b *fakeBackend) Notebook(context.Context, string) (models.Notebook, []models.Message, error) {
	if b.loadStarted != nil {
		close(b.loadStarted)
		<-b.loadRelease
	}
	return b.notebook, append([]models.Message(nil), b.messages...), b.loadErr
}

func (b *fakeBackend) Chat(_ context.Context, _ string, question string, history []models.Message) (string, error) {
	b.mu.Lock()
	b.questions = append(b.questions, question)
	b.histories = append(b.histories, history)
	b.mu.Unlock()
	return b.answer, b.chatErr
}

func (b *fakeBackend) chatCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.questions)
}

type fakeArchive struct {
	mu    sync.Mutex
	saves [][]models.Message
}

func (a *fakeArchive) SaveTranscript(_ context.Context, _ models.Notebook, messages []models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saves = append(a.saves, messages)
	return nil
}

func (a *fakeArchive) lastSave() []models.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.saves) == 0 {
		return nil
	}
	return a.saves[len(a.saves)-1]
}

func eventually(t *testing.T, s *Synchronizer, cond func(Snapshot) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(s.Snapshot()) }, time.Second, 5*time.Millisecond, msg)
}

func TestSynchronizerStreamingExchange(t *testing.T) {
	backend := &fakeBackend{notebook: models.Notebook{ID: "nb-1", Title: "Campaign Q3"}}
	dialer := &fakeDialer{}
	archive := &fakeArchive{}
	s := NewSynchronizer(backend, dialer, WithArchive(archive))

	require.NoError(t, s.Hydrate(context.Background(), "nb-1"))
	assert.Equal(t, StateOpen, s.Snapshot().State)

	require.NoError(t, s.Send(context.Background(), "nb-1", "What is CPC?"))

	conn := dialer.conn(0)
	conn.events <- progress("Planner", "thinking")
	conn.events <- token("The ")
	conn.events <- token("average CPC")
	conn.events <- streamEnd()

	eventually(t, s, func(snap Snapshot) bool {
		return snap.Settled() && len(snap.Messages) == 2
	}, "transcript did not settle")

	snap := s.Snapshot()
	assert.Equal(t, models.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "What is CPC?", snap.Messages[0].Content)
	assert.Equal(t, models.RoleAssistant, snap.Messages[1].Role)
	assert.Equal(t, "The average CPC", snap.Messages[1].Content)
	assert.False(t, snap.Messages[1].IsStreaming)
	assert.False(t, snap.Pending)

	require.Eventually(t, func() bool { return len(archive.lastSave()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "The average CPC", archive.lastSave()[1].Content)
}

func TestSynchronizerSendFailure(t *testing.T) {
	backend := &fakeBackend{chatErr: &models.APIError{StatusCode: 500, Detail: "Invalid notebook"}}
	s := NewSynchronizer(backend, &fakeDialer{}, WithMode(ModeRequestResponse))

	err := s.Send(context.Background(), "nb-1", "hello")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrNetwork)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, models.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, models.RoleSystem, snap.Messages[1].Role)
	assert.Equal(t, "Error: Invalid notebook", snap.Messages[1].Content)
	assert.False(t, snap.Pending)
}

func TestSynchronizerRequestResponse(t *testing.T) {
	backend := &fakeBackend{
		notebook: models.Notebook{ID: "nb-1"},
		messages: []models.Message{models.NewMessage(models.RoleUser, "earlier")},
		answer:   "CPC is cost per click.",
	}
	archive := &fakeArchive{}
	s := NewSynchronizer(backend, &fakeDialer{}, WithMode(ModeRequestResponse), WithArchive(archive))
	require.NoError(t, s.Hydrate(context.Background(), "nb-1"))

	require.NoError(t, s.Send(context.Background(), "nb-1", "  What is CPC?  "))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "What is CPC?", snap.Messages[1].Content)
	assert.Equal(t, models.RoleAssistant, snap.Messages[2].Role)
	assert.Equal(t, "CPC is cost per click.", snap.Messages[2].Content)
	assert.False(t, snap.Pending)

	require.Len(t, backend.histories, 1)
	require.Len(t, backend.histories[0], 1)
	assert.Equal(t, "earlier", backend.histories[0][0].Content)

	assert.Len(t, archive.lastSave(), 3)
}

func TestSynchronizerBlankSendIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	s := NewSynchronizer(backend, &fakeDialer{})
	before := s.Snapshot()

	for _, text := range []string{"", "   ", "\n\t"} {
		require.NoError(t, s.Send(context.Background(), "nb-1", text))
	}

	after := s.Snapshot()
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.Messages)
	assert.False(t, after.Pending)
	assert.Zero(t, backend.chatCalls())
}

func TestSynchronizerHydrateSortsHistory(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := func(content string, offset time.Duration) models.Message {
		m := models.NewMessage(models.RoleUser, content)
		m.CreatedAt = base.Add(offset)
		return m
	}
	backend := &fakeBackend{
		notebook: models.Notebook{ID: "nb-1"},
		messages: []models.Message{
			msg("third", 2*time.Minute),
			msg("first", 0),
			msg("second", time.Minute),
		},
	}
	s := NewSynchronizer(backend, &fakeDialer{})

	require.NoError(t, s.Hydrate(context.Background(), "nb-1"))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, "first", snap.Messages[0].Content)
	assert.Equal(t, "second", snap.Messages[1].Content)
	assert.Equal(t, "third", snap.Messages[2].Content)
	assert.Equal(t, "nb-1", snap.Notebook.ID)
}

func TestSynchronizerHydrateFailure(t *testing.T) {
	backend := &fakeBackend{loadErr: &models.APIError{StatusCode: 404, Detail: "Notebook not found"}}
	dialer := &fakeDialer{}
	s := NewSynchronizer(backend, dialer)

	err := s.Hydrate(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrLoad)

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, models.RoleSystem, snap.Messages[0].Role)
	assert.Equal(t, "Failed to load notebook: Notebook not found", snap.Messages[0].Content)
	assert.Equal(t, StateClosed, snap.State)
	assert.Zero(t, dialer.dialed())
}

func TestSynchronizerHydrateSupersededByClear(t *testing.T) {
	backend := &fakeBackend{
		notebook:    models.Notebook{ID: "nb-1"},
		messages:    []models.Message{models.NewMessage(models.RoleUser, "old")},
		loadStarted: make(chan struct{}),
		loadRelease: make(chan struct{}),
	}
	dialer := &fakeDialer{}
	s := NewSynchronizer(backend, dialer)

	done := make(chan error, 1)
	go func() { done <- s.Hydrate(context.Background(), "nb-1") }()

	<-backend.loadStarted
	s.Clear()
	close(backend.loadRelease)

	require.NoError(t, <-done)
	assert.Empty(t, s.Snapshot().Messages)
	assert.Zero(t, dialer.dialed())
}

func TestSynchronizerSingleConnection(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSynchronizer(&fakeBackend{}, dialer)

	require.NoError(t, s.Connect(context.Background(), "nb-1"))
	require.NoError(t, s.Connect(context.Background(), "nb-1"))

	require.Equal(t, 2, dialer.dialed())
	first, second := dialer.conn(0), dialer.conn(1)
	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())

	first.events <- token("stale")
	second.events <- token("fresh")

	eventually(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 1 }, "event not applied")

	// Give a stale reader a chance to misbehave before checking again.
	time.Sleep(20 * time.Millisecond)
	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "fresh", snap.Messages[0].Content)
	assert.Equal(t, StateOpen, snap.State)
}

func TestSynchronizerDialFailure(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("connection refused")}
	s := NewSynchronizer(&fakeBackend{}, dialer)
	s.AwaitAnalysis()

	err := s.Connect(context.Background(), "nb-1")
	require.Error(t, err)

	snap := s.Snapshot()
	assert.Equal(t, StateErrored, snap.State)
	assert.False(t, snap.Pending)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "Connection error: connection refused", snap.Messages[0].Content)
}

func TestSynchronizerStreamTransportError(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSynchronizer(&fakeBackend{}, dialer)
	require.NoError(t, s.Connect(context.Background(), "nb-1"))
	s.AwaitAnalysis()

	dialer.conn(0).errs <- errors.New("connection reset")

	eventually(t, s, func(snap Snapshot) bool { return snap.State == StateErrored }, "state not errored")

	snap := s.Snapshot()
	assert.False(t, snap.Pending)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, models.RoleSystem, snap.Messages[0].Role)
	assert.Equal(t, "Connection error: connection reset", snap.Messages[0].Content)
}

func TestSynchronizerStreamClosedNormally(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSynchronizer(&fakeBackend{}, dialer)
	require.NoError(t, s.Connect(context.Background(), "nb-1"))

	dialer.conn(0).errs <- io.EOF

	eventually(t, s, func(snap Snapshot) bool { return snap.State == StateClosed }, "state not closed")
	assert.Empty(t, s.Snapshot().Messages)
}

func TestSynchronizerAwaitAnalysisResolvedByComplete(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSynchronizer(&fakeBackend{notebook: models.Notebook{ID: "nb-1"}}, dialer)
	require.NoError(t, s.Hydrate(context.Background(), "nb-1"))

	s.AwaitAnalysis()
	assert.True(t, s.Snapshot().Pending)

	conn := dialer.conn(0)
	conn.events <- progress("Analyst", "crunching numbers")
	eventually(t, s, func(snap Snapshot) bool { return len(snap.Messages) == 1 }, "progress not applied")
	assert.True(t, s.Snapshot().Pending)

	conn.events <- models.Event{Type: models.EventComplete, FinalInsight: "Spend shifted to search."}
	eventually(t, s, func(snap Snapshot) bool { return !snap.Pending }, "pending not cleared")

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, models.RoleAssistant, snap.Messages[0].Role)
	assert.Equal(t, "Spend shifted to search.", snap.Messages[0].Content)
}

func TestSynchronizerClear(t *testing.T) {
	dialer := &fakeDialer{}
	backend := &fakeBackend{
		notebook: models.Notebook{ID: "nb-1"},
		messages: []models.Message{models.NewMessage(models.RoleUser, "hi")},
	}
	s := NewSynchronizer(backend, dialer)
	require.NoError(t, s.Hydrate(context.Background(), "nb-1"))
	s.AwaitAnalysis()

	s.Clear()

	snap := s.Snapshot()
	assert.Empty(t, snap.Messages)
	assert.Empty(t, snap.Notebook.ID)
	assert.False(t, snap.Pending)
	assert.Equal(t, StateClosed, snap.State)
	assert.True(t, dialer.conn(0).isClosed())
}

func TestSynchronizerDisconnectIsIdempotent(t *testing.T) {
	dialer := &fakeDialer{}
	s := NewSynchronizer(&fakeBackend{}, dialer)
	require.NoError(t, s.Connect(context.Background(), "nb-1"))

	s.Disconnect()
	s.Disconnect()

	assert.True(t, dialer.conn(0).isClosed())
	assert.Equal(t, StateClosed, s.Snapshot().State)
}

func TestSynchronizerSubscribe(t *testing.T) {
	s := NewSynchronizer(&fakeBackend{}, &fakeDialer{})

	var mu sync.Mutex
	var versions []uint64
	unsubscribe := s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, snap.Version)
	})

	s.Apply(token("a"))
	s.Apply(streamEnd())
	unsubscribe()
	s.Apply(token("b"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, versions, 2)
	assert.Less(t, versions[0], versions[1])
}

func TestSnapshotJSON(t *testing.T) {
	s := NewSynchronizer(&fakeBackend{}, &fakeDialer{})
	s.Apply(token("partial"))

	data, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "closed", decoded["state"])
	assert.Equal(t, false, decoded["pending"])
	assert.Len(t, decoded["messages"], 1)
}

func TestSynchronizerSendClosesOpenStream(t *testing.T) {
	s := NewSynchronizer(&fakeBackend{}, &fakeDialer{})

	s.Apply(token("partial"))
	require.NoError(t, s.Send(context.Background(), "nb-1", "follow-up"))
	s.Apply(token(" more"))
	s.Apply(streamEnd())

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, []string{"partial", "follow-up", " more"},
		[]string{snap.Messages[0].Content, snap.Messages[1].Content, snap.Messages[2].Content})
	for i, m := range snap.Messages {
		assert.False(t, m.IsStreaming, "message %d still streaming", i)
	}
}

func TestSynchronizerSendDropsProgress(t *testing.T) {
	s := NewSynchronizer(&fakeBackend{}, &fakeDialer{})

	s.Apply(progress("Planner", "thinking"))
	require.NoError(t, s.Send(context.Background(), "nb-1", "hello"))

	snap := s.Snapshot()
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, models.RoleUser, snap.Messages[0].Role)
}

func TestSynchronizerInvariantsHoldWithSends(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	steps := []func(s *Synchronizer){
		func(s *Synchronizer) { s.Apply(progress("Agent", "status")) },
		func(s *Synchronizer) { s.Apply(token("t")) },
		func(s *Synchronizer) { s.Apply(streamEnd()) },
		func(s *Synchronizer) { s.Apply(streamError("e")) },
		func(s *Synchronizer) { s.Apply(models.Event{Type: models.EventComplete, FinalInsight: "i"}) },
		func(s *Synchronizer) { _ = s.Send(context.Background(), "nb-1", "question") },
	}

	for run := 0; run < 100; run++ {
		s := NewSynchronizer(&fakeBackend{}, &fakeDialer{})
		for step := 0; step < 40; step++ {
			steps[rng.Intn(len(steps))](s)

			msgs := s.Snapshot().Messages
			var progressCount, streamingCount int
			for i, m := range msgs {
				if m.Kind == models.KindProgress {
					progressCount++
				}
				if m.IsStreaming {
					streamingCount++
					require.Equal(t, len(msgs)-1, i, "run %d step %d: streaming message must be last", run, step)
				}
			}
			require.LessOrEqual(t, progressCount, 1, "run %d step %d", run, step)
			require.LessOrEqual(t, streamingCount, 1, "run %d step %d", run, step)
		}
	}
}

func TestSynchronizerHydratePublishesClosedState(t *testing.T) {
	backend := &fakeBackend{
		notebook:    models.Notebook{ID: "nb-2"},
		loadStarted: make(chan struct{}),
		loadRelease: make(chan struct{}),
	}
	s := NewSynchronizer(backend, &fakeDialer{})
	require.NoError(t, s.Connect(context.Background(), "nb-1"))

	var mu sync.Mutex
	var states []ConnectionState
	s.Subscribe(func(snap Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, snap.State)
	})

	done := make(chan error, 1)
	go func() { done <- s.Hydrate(context.Background(), "nb-2") }()
	<-backend.loadStarted

	mu.Lock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateClosed, states[len(states)-1])
	mu.Unlock()

	close(backend.loadRelease)
	require.NoError(t, <-done)
	assert.Equal(t, StateOpen, s.Snapshot().State)
}
