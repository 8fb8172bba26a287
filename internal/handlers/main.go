package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/mardata-chat/internal/chat"
	"github.com/MegaGrindStone/mardata-chat/internal/models"
	"github.com/gorilla/mux"
	"github.com/tmaxmax/go-sse"
)

// Conversation is the transcript of the notebook currently open in the relay. It is implemented by
// chat.Synchronizer.
type Conversation interface {
	Hydrate(ctx context.Context, notebookID string) error
	Send(ctx context.Context, notebookID, text string) error
	AwaitAnalysis()
	Clear()
	Snapshot() chat.Snapshot
	Subscribe(fn func(chat.Snapshot)) func()
}

// Backend defines the notebook operations of the MarData API that the relay passes through.
type Backend interface {
	Notebooks(ctx context.Context) ([]models.Notebook, error)
	DeleteNotebook(ctx context.Context, notebookID string) error
	Upload(ctx context.Context, req models.UploadRequest, progress func(float64)) (models.UploadResult, error)
}

// Archive is the local copy of notebook transcripts.
type Archive interface {
	DeleteNotebook(ctx context.Context, notebookID string) error
}

// Main exposes one Conversation to a rendering layer. Changes to the transcript are pushed to clients
// through Server-Sent Events; the JSON endpoints return the same snapshots on demand.
type Main struct {
	sseSrv *sse.Server

	conversation Conversation
	backend      Backend
	archive      Archive

	unsubscribe func()
	logger      *slog.Logger
}

// SSE event types for real-time updates.
var (
	transcriptSSEType = sse.Type("transcript")
	uploadSSEType     = sse.Type("upload")
)

const (
	transcriptSSETopic = "transcript"
	errLoggerKey       = "err"
)

// NewMain creates a new Main instance serving conversation. archive may be nil. The SSE server is
// configured so that every client receives both transcript snapshots and upload progress.
func NewMain(conversation Conversation, backend Backend, archive Archive, logger *slog.Logger) *Main {
	m := &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, transcriptSSETopic},
				}, true
			},
		},
		conversation: conversation,
		backend:      backend,
		archive:      archive,
		logger:       logger.With(slog.String("module", "handlers")),
	}
	m.unsubscribe = conversation.Subscribe(m.publishSnapshot)
	return m
}

// Routes returns the relay's HTTP routes.
func (m *Main) Routes() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/notebooks", m.HandleNotebooks).Methods(http.MethodGet)
	router.HandleFunc("/notebooks/{notebookID}/open", m.HandleOpenNotebook).Methods(http.MethodPost)
	router.HandleFunc("/notebooks/{notebookID}", m.HandleDeleteNotebook).Methods(http.MethodDelete)
	router.HandleFunc("/upload", m.HandleUpload).Methods(http.MethodPost)
	router.HandleFunc("/chats", m.HandleChats)
	router.HandleFunc("/transcript", m.HandleTranscript).Methods(http.MethodGet)
	router.HandleFunc("/close", m.HandleClose).Methods(http.MethodPost)
	router.Handle("/sse/transcript", m.sseSrv)

	return router
}

func (m *Main) publishSnapshot(snap chat.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		m.logger.Error("Failed to marshal snapshot", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{
		Type: transcriptSSEType,
	}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(&msg, transcriptSSETopic); err != nil {
		m.logger.Error("Failed to publish snapshot",
			slog.Uint64("version", snap.Version),
			slog.String(errLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a close message to all
// connected clients and waits up to 5 seconds for connections to terminate. After the timeout, any
// remaining connections are forcefully closed.
func (m *Main) Shutdown(ctx context.Context) error {
	m.unsubscribe()

	e := &sse.Message{Type: sse.Type("closeTranscript")}
	// SSE events must carry data
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorBody{Detail: detail})
}
