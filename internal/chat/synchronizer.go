// Package chat keeps the transcript of one notebook in sync with the MarData backend. It merges the
// request/response chat call with the notebook event stream into a single ordered list of messages.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
)

// Backend is the HTTP side of the MarData service used by the synchronizer.
type Backend interface {
	// Notebook returns the notebook metadata together with its stored message history.
	Notebook(ctx context.Context, notebookID string) (models.Notebook, []models.Message, error)
	// Chat submits a question with the conversation history and returns the reply text.
	Chat(ctx context.Context, notebookID, question string, history []models.Message) (string, error)
}

// Conn is a live notebook event stream. ReadEvent blocks until the next event arrives; it returns
// io.EOF once the stream is closed normally.
type Conn interface {
	ReadEvent() (models.Event, error)
	Close() error
}

// Dialer opens event streams.
type Dialer interface {
	Dial(ctx context.Context, notebookID string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, notebookID string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, notebookID string) (Conn, error) {
	return f(ctx, notebookID)
}

// Archive persists settled transcripts.
type Archive interface {
	SaveTranscript(ctx context.Context, notebook models.Notebook, messages []models.Message) error
}

// Mode selects how replies to Send are delivered.
type Mode int

const (
	// ModeStreaming expects the reply through the event stream; the chat call only submits the question.
	ModeStreaming Mode = iota
	// ModeRequestResponse appends the reply returned by the chat call.
	ModeRequestResponse
)

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithMode sets the reply delivery mode. The default is ModeStreaming.
func WithMode(mode Mode) Option {
	return func(s *Synchronizer) { s.mode = mode }
}

// WithArchive makes the synchronizer hand every settled transcript to archive.
func WithArchive(archive Archive) Option {
	return func(s *Synchronizer) { s.archive = archive }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = logger }
}

// Synchronizer owns the transcript of the currently open notebook.
//
// All mutations happen under a single mutex and stream events are applied by one reader goroutine per
// connection, so events are applied strictly in arrival order. Every connection is tagged with an epoch;
// events and closures coming from a superseded connection are discarded.
type Synchronizer struct {
	backend Backend
	dialer  Dialer
	archive Archive
	mode    Mode
	logger  *slog.Logger

	mu       sync.Mutex
	messages []models.Message
	notebook models.Notebook
	state    ConnectionState
	pending  bool
	version  uint64
	epoch    uint64
	conn     Conn

	listenersMu sync.Mutex
	listeners   map[int]func(Snapshot)
	nextID      int
}

const errLoggerKey = "err"

// NewSynchronizer creates a Synchronizer with an empty transcript and no open stream.
func NewSynchronizer(backend Backend, dialer Dialer, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		backend:   backend,
		dialer:    dialer,
		mode:      ModeStreaming,
		logger:    slog.Default(),
		listeners: make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("module", "chat"))
	return s
}

// Subscribe registers fn to be called with a snapshot after every change. The returned function removes
// the subscription. fn is called outside of the synchronizer lock and may call back into it.
func (s *Synchronizer) Subscribe(fn func(Snapshot)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

// Snapshot returns the current state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Hydrate loads the history of notebookID, replaces the transcript with it and opens the event stream.
// Any previous stream is closed before the history is fetched. If the fetch fails, the transcript is
// reset to a single system message and the returned error wraps models.ErrLoad.
func (s *Synchronizer) Hydrate(ctx context.Context, notebookID string) error {
	s.mu.Lock()
	s.closeLocked()
	s.state = StateClosed
	epoch := s.epoch
	snap := s.changedLocked()
	s.mu.Unlock()
	s.publish(snap, false)

	notebook, messages, err := s.backend.Notebook(ctx, notebookID)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		s.logger.Debug("Discarding superseded notebook load", slog.String("notebookID", notebookID))
		return nil
	}
	if err != nil {
		s.messages = []models.Message{
			models.NewMessage(models.RoleSystem, "Failed to load notebook: "+models.ErrorDetail(err)),
		}
		s.notebook = models.Notebook{}
		s.pending = false
		snap = s.changedLocked()
		s.mu.Unlock()

		s.logger.Error("Failed to load notebook",
			slog.String("notebookID", notebookID),
			slog.String(errLoggerKey, err.Error()))
		s.publish(snap, false)
		return fmt.Errorf("%w: notebook %s: %w", models.ErrLoad, notebookID, err)
	}

	slices.SortStableFunc(messages, func(a, b models.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	s.messages = messages
	s.notebook = notebook
	s.pending = false
	snap = s.changedLocked()
	s.mu.Unlock()

	s.logger.Debug("Loaded notebook",
		slog.String("notebookID", notebookID),
		slog.Int("messages", len(messages)))
	s.publish(snap, true)

	return s.Connect(ctx, notebookID)
}

// Connect opens the event stream of notebookID, closing any previous one first. Repeated calls never leave
// more than one connection delivering events.
func (s *Synchronizer) Connect(ctx context.Context, notebookID string) error {
	s.mu.Lock()
	s.closeLocked()
	s.state = StateConnecting
	epoch := s.epoch
	snap := s.changedLocked()
	s.mu.Unlock()
	s.publish(snap, false)

	conn, err := s.dialer.Dial(ctx, notebookID)

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		if err == nil {
			_ = conn.Close()
		}
		s.logger.Debug("Discarding superseded connection", slog.String("notebookID", notebookID))
		return nil
	}
	if err != nil {
		s.state = StateErrored
		s.pending = false
		s.messages = append(s.messages,
			models.NewMessage(models.RoleSystem, "Connection error: "+models.ErrorDetail(err)))
		snap := s.changedLocked()
		s.mu.Unlock()

		s.logger.Error("Failed to open notebook stream",
			slog.String("notebookID", notebookID),
			slog.String(errLoggerKey, err.Error()))
		s.publish(snap, false)
		return fmt.Errorf("failed to connect to notebook %s: %w", notebookID, err)
	}
	s.conn = conn
	s.state = StateOpen
	snap = s.changedLocked()
	s.mu.Unlock()

	s.logger.Debug("Notebook stream open", slog.String("notebookID", notebookID))
	s.publish(snap, false)

	go s.readLoop(epoch, conn)
	return nil
}

// Disconnect closes the event stream, if any.
func (s *Synchronizer) Disconnect() {
	s.mu.Lock()
	s.closeLocked()
	s.state = StateClosed
	snap := s.changedLocked()
	s.mu.Unlock()
	s.publish(snap, false)
}

// Clear empties the transcript, resets the notebook metadata and stops listening to the current stream.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	s.closeLocked()
	s.state = StateClosed
	s.messages = nil
	s.notebook = models.Notebook{}
	s.pending = false
	snap := s.changedLocked()
	s.mu.Unlock()
	s.publish(snap, false)
}

// AwaitAnalysis marks the synchronizer as pending until the stream reports a result. It is used after an
// upload, while the backend runs the initial analysis.
func (s *Synchronizer) AwaitAnalysis() {
	s.mu.Lock()
	s.pending = true
	snap := s.changedLocked()
	s.mu.Unlock()
	s.publish(snap, false)
}

// Send appends text as a user message and submits it to the backend. Blank text is ignored. Failures are
// appended to the transcript as a system message and returned. The pending flag is cleared on every
// exit path.
func (s *Synchronizer) Send(ctx context.Context, notebookID, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	// An answer still streaming ends here; the user message takes the tail.
	s.messages = endStream(dropProgress(s.messages))
	history := chatHistory(s.messages)
	s.messages = append(s.messages, models.NewMessage(models.RoleUser, text))
	s.pending = true
	snap := s.changedLocked()
	s.mu.Unlock()
	s.publish(snap, false)

	defer func() {
		s.mu.Lock()
		s.pending = false
		snap := s.changedLocked()
		s.mu.Unlock()
		s.publish(snap, false)
	}()

	answer, err := s.backend.Chat(ctx, notebookID, text, history)
	if err != nil {
		s.mu.Lock()
		s.messages = append(s.messages, models.NewMessage(models.RoleSystem, "Error: "+models.ErrorDetail(err)))
		snap := s.changedLocked()
		s.mu.Unlock()

		s.logger.Error("Failed to send message",
			slog.String("notebookID", notebookID),
			slog.String(errLoggerKey, err.Error()))
		s.publish(snap, false)
		return fmt.Errorf("failed to send message: %w", err)
	}

	if s.mode != ModeRequestResponse {
		return nil
	}

	s.mu.Lock()
	s.messages = append(s.messages, models.NewMessage(models.RoleAssistant, answer))
	snap = s.changedLocked()
	s.mu.Unlock()
	s.publish(snap, true)

	return nil
}

// Apply reconciles a single stream event into the transcript. It is what the reader goroutine of the
// current connection calls for every event; it is exported for callers that receive events by other
// means.
func (s *Synchronizer) Apply(ev models.Event) {
	s.mu.Lock()
	s.applyLocked(ev)
	snap := s.changedLocked()
	s.mu.Unlock()
	s.publish(snap, settles(ev))
}

func (s *Synchronizer) readLoop(epoch uint64, conn Conn) {
	for {
		ev, err := conn.ReadEvent()
		if err != nil {
			s.streamEnded(epoch, err)
			return
		}

		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			s.logger.Debug("Dropping event from superseded connection", slog.String("type", string(ev.Type)))
			return
		}
		s.applyLocked(ev)
		snap := s.changedLocked()
		s.mu.Unlock()
		s.publish(snap, settles(ev))
	}
}

func (s *Synchronizer) streamEnded(epoch uint64, err error) {
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	// Bump the epoch so a late Close on this connection cannot touch the next one.
	s.epoch++

	if errors.Is(err, io.EOF) {
		s.state = StateClosed
		snap := s.changedLocked()
		s.mu.Unlock()
		s.logger.Debug("Notebook stream closed")
		s.publish(snap, false)
		return
	}

	s.state = StateErrored
	s.pending = false
	s.messages = append(s.messages, models.NewMessage(models.RoleSystem, "Connection error: "+err.Error()))
	snap := s.changedLocked()
	s.mu.Unlock()

	s.logger.Error("Notebook stream failed", slog.String(errLoggerKey, err.Error()))
	s.publish(snap, false)
}

func (s *Synchronizer) applyLocked(ev models.Event) {
	var resolved bool
	switch ev.Type {
	case models.EventProgress, models.EventToken, models.EventStreamEnd, models.EventComplete, models.EventError:
		s.messages, resolved = reconcile(s.messages, ev)
	default:
		s.logger.Warn("Ignoring unknown stream event", slog.String("type", string(ev.Type)))
		return
	}
	if resolved {
		s.pending = false
	}
}

// closeLocked closes the current connection and invalidates its epoch. s.mu must be held.
func (s *Synchronizer) closeLocked() {
	s.epoch++
	if s.conn == nil {
		return
	}
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("Failed to close notebook stream", slog.String(errLoggerKey, err.Error()))
	}
	s.conn = nil
}

func (s *Synchronizer) changedLocked() Snapshot {
	s.version++
	return s.snapshotLocked()
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	nb := s.notebook
	nb.Files = slices.Clone(s.notebook.Files)
	return Snapshot{
		Version:  s.version,
		Notebook: nb,
		State:    s.state,
		Pending:  s.pending,
		Messages: slices.Clone(s.messages),
	}
}

// publish notifies subscribers and, when the change may conclude an exchange, archives the transcript.
func (s *Synchronizer) publish(snap Snapshot, settle bool) {
	s.listenersMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}

	if !settle || s.archive == nil || snap.Notebook.ID == "" || !snap.Settled() {
		return
	}
	if err := s.archive.SaveTranscript(context.Background(), snap.Notebook, snap.Messages); err != nil {
		s.logger.Error("Failed to archive transcript",
			slog.String("notebookID", snap.Notebook.ID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func settles(ev models.Event) bool {
	return ev.Type == models.EventStreamEnd || ev.Type == models.EventComplete
}
