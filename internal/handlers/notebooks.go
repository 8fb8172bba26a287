package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
	"github.com/gorilla/mux"
	"github.com/tmaxmax/go-sse"
)

const maxUploadMemory = 32 << 20

// HandleNotebooks lists the notebooks of the signed-in user.
func (m *Main) HandleNotebooks(w http.ResponseWriter, r *http.Request) {
	notebooks, err := m.backend.Notebooks(r.Context())
	if err != nil {
		m.logger.Error("Failed to list notebooks", slog.String(errLoggerKey, err.Error()))
		writeError(w, statusFor(err), models.ErrorDetail(err))
		return
	}
	writeJSON(w, http.StatusOK, notebooks)
}

// HandleOpenNotebook loads the history of a notebook into the transcript and connects its event stream.
// A failed load replies 502; the transcript then holds the failure notice. A failed stream connection
// still replies 200, with the snapshot reporting the errored state.
func (m *Main) HandleOpenNotebook(w http.ResponseWriter, r *http.Request) {
	notebookID := mux.Vars(r)["notebookID"]

	if err := m.conversation.Hydrate(r.Context(), notebookID); err != nil {
		m.logger.Error("Failed to open notebook",
			slog.String("notebookID", notebookID),
			slog.String(errLoggerKey, err.Error()))
		if errors.Is(err, models.ErrLoad) {
			writeJSON(w, http.StatusBadGateway, m.conversation.Snapshot())
			return
		}
	}
	writeJSON(w, http.StatusOK, m.conversation.Snapshot())
}

// HandleDeleteNotebook deletes a notebook on the backend and from the local archive. Deleting the open
// notebook also closes it.
func (m *Main) HandleDeleteNotebook(w http.ResponseWriter, r *http.Request) {
	notebookID := mux.Vars(r)["notebookID"]

	if err := m.backend.DeleteNotebook(r.Context(), notebookID); err != nil {
		m.logger.Error("Failed to delete notebook",
			slog.String("notebookID", notebookID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, statusFor(err), models.ErrorDetail(err))
		return
	}

	if m.archive != nil {
		if err := m.archive.DeleteNotebook(r.Context(), notebookID); err != nil {
			m.logger.Warn("Failed to delete archived notebook",
				slog.String("notebookID", notebookID),
				slog.String(errLoggerKey, err.Error()))
		}
	}

	if m.conversation.Snapshot().Notebook.ID == notebookID {
		m.conversation.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleUpload forwards a multipart upload with "business_problem" and "file" fields to the backend.
// Progress is published on the SSE stream as "upload" events. On success the new notebook is opened;
// if the backend runs its analysis asynchronously, the transcript stays pending until the result
// arrives on the stream.
func (m *Main) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "File is required")
		return
	}
	defer file.Close()

	req := models.UploadRequest{
		BusinessProblem: r.FormValue("business_problem"),
		Filename:        header.Filename,
		Body:            file,
		Size:            header.Size,
	}
	res, err := m.backend.Upload(r.Context(), req, m.publishUploadProgress)
	if err != nil {
		m.logger.Error("Failed to upload file",
			slog.String("filename", header.Filename),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, statusFor(err), models.ErrorDetail(err))
		return
	}

	if res.SessionID != "" {
		// A stream failure is reported in the transcript, so only load errors are logged here.
		if err := m.conversation.Hydrate(context.WithoutCancel(r.Context()), res.SessionID); err != nil {
			m.logger.Error("Failed to open uploaded notebook",
				slog.String("notebookID", res.SessionID),
				slog.String(errLoggerKey, err.Error()))
		} else if res.AIInsight == "" {
			m.conversation.AwaitAnalysis()
		}
	}

	writeJSON(w, http.StatusOK, res)
}

func (m *Main) publishUploadProgress(pct float64) {
	msg := sse.Message{
		Type: uploadSSEType,
	}
	msg.AppendData(fmt.Sprintf("%.0f", pct))
	if err := m.sseSrv.Publish(&msg, transcriptSSETopic); err != nil {
		m.logger.Debug("Failed to publish upload progress", slog.String(errLoggerKey, err.Error()))
	}
}

// statusFor maps a backend error to the status the relay replies with.
func statusFor(err error) int {
	var apiErr *models.APIError
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.As(err, &apiErr) && apiErr.StatusCode < 500:
		return apiErr.StatusCode
	case errors.Is(err, models.ErrAuth):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
