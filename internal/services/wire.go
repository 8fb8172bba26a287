package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
	"github.com/google/uuid"
)

type notebookResponse struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	Files     []fileResponse    `json:"files"`
	Messages  []messageResponse `json:"messages"`
	CreatedAt apiTime           `json:"created_at"`
	UpdatedAt apiTime           `json:"updated_at"`
}

// messageResponse accepts both the role/content and the older sender/text message shapes.
type messageResponse struct {
	ID        json.RawMessage `json:"id"`
	Role      string          `json:"role"`
	Sender    string          `json:"sender"`
	Content   *string         `json:"content"`
	Text      string          `json:"text"`
	CreatedAt apiTime         `json:"created_at"`
	Timestamp apiTime         `json:"timestamp"`
}

// fileResponse accepts either a bare file name or an object.
type fileResponse struct {
	Name string
	Path string
}

// apiTime parses the timestamp formats produced by the backend, with or without a zone offset.
type apiTime struct {
	time.Time
}

var apiTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

func (t *apiTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid timestamp %s: %w", string(b), err)
	}
	if s == "" {
		return nil
	}
	for _, layout := range apiTimeLayouts {
		if v, err := time.Parse(layout, s); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("invalid timestamp %q", s)
}

func (f *fileResponse) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		f.Name = name
		return nil
	}

	var obj struct {
		Name        string `json:"name"`
		FileName    string `json:"file_name"`
		Filename    string `json:"filename"`
		Path        string `json:"path"`
		StoragePath string `json:"storage_path"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("invalid file entry: %w", err)
	}
	f.Name = firstNonEmpty(obj.Name, obj.FileName, obj.Filename)
	f.Path = firstNonEmpty(obj.Path, obj.StoragePath)
	return nil
}

func (n notebookResponse) notebook(fallbackID string) models.Notebook {
	nb := models.Notebook{
		ID:        firstNonEmpty(n.ID, fallbackID),
		Title:     n.Title,
		CreatedAt: n.CreatedAt.Time,
		UpdatedAt: n.UpdatedAt.Time,
	}
	for _, f := range n.Files {
		nb.Files = append(nb.Files, models.File{Name: f.Name, Path: f.Path})
	}
	return nb
}

func (m messageResponse) message() models.Message {
	content := m.Text
	if m.Content != nil {
		content = *m.Content
	}
	createdAt := m.CreatedAt.Time
	if createdAt.IsZero() {
		createdAt = m.Timestamp.Time
	}

	return models.Message{
		ID:        rawID(m.ID),
		Role:      models.ParseRole(firstNonEmpty(m.Role, m.Sender)),
		Kind:      models.KindText,
		Content:   content,
		CreatedAt: createdAt,
	}
}

// rawID renders a string or numeric id. Messages without an id get a fresh one.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return uuid.New().String()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil && s != "" {
		return s
	}
	return string(raw)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
