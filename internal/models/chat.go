package models

import "time"

// Notebook represents a conversation container in the MarData service. It groups the uploaded data
// files with the message history of a single analysis session.
type Notebook struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Files     []File    `json:"files,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// File is a data file attached to a notebook.
type File struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}
