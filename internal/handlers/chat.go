package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/MegaGrindStone/mardata-chat/internal/chat"
	"github.com/MegaGrindStone/mardata-chat/internal/models"
)

// HandleChats accepts a user message through HTTP POST and submits it to the open notebook. It expects
// a "message" form field and an optional "notebook_id" field; without one the message goes to the
// notebook currently open in the relay.
//
// The message is sent asynchronously: the handler replies 202 with the snapshot that already holds the
// user's message, and the assistant's answer is delivered through the transcript SSE stream.
func (m *Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := strings.TrimSpace(r.FormValue("message"))
	if msg == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	notebookID := r.FormValue("notebook_id")
	if notebookID == "" {
		notebookID = m.conversation.Snapshot().Notebook.ID
	}
	if notebookID == "" {
		m.logger.Error("No notebook is open")
		writeError(w, http.StatusConflict, "No notebook is open")
		return
	}

	// Wait for the snapshot holding the optimistic user message. Stream events may publish
	// other snapshots in between.
	seen := countUserMessages(m.conversation.Snapshot().Messages, msg)
	done := make(chan struct{})
	var once sync.Once
	unsubscribe := m.conversation.Subscribe(func(snap chat.Snapshot) {
		if countUserMessages(snap.Messages, msg) > seen {
			once.Do(func() { close(done) })
		}
	})

	go func() {
		// Failures are already part of the transcript; the log keeps the cause.
		if err := m.conversation.Send(context.Background(), notebookID, msg); err != nil {
			m.logger.Error("Failed to send message",
				slog.String("notebookID", notebookID),
				slog.String(errLoggerKey, err.Error()))
		}
	}()

	select {
	case <-done:
	case <-r.Context().Done():
	}
	unsubscribe()

	writeJSON(w, http.StatusAccepted, m.conversation.Snapshot())
}

func countUserMessages(msgs []models.Message, text string) int {
	var n int
	for _, msg := range msgs {
		if msg.Role == models.RoleUser && msg.Content == text {
			n++
		}
	}
	return n
}

// HandleTranscript returns the current snapshot of the open notebook.
func (m *Main) HandleTranscript(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, m.conversation.Snapshot())
}

// HandleClose closes the open notebook: the transcript is cleared and the event stream released.
func (m *Main) HandleClose(w http.ResponseWriter, _ *http.Request) {
	m.conversation.Clear()
	writeJSON(w, http.StatusOK, m.conversation.Snapshot())
}
