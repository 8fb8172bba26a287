package models

// EventType identifies the payload of a notebook stream event.
type EventType string

const (
	// EventProgress reports that a backend agent started or finished a task.
	EventProgress EventType = "progress"
	// EventToken carries an incremental chunk of the assistant answer.
	EventToken EventType = "token"
	// EventComplete carries the final insight of an initial analysis.
	EventComplete EventType = "complete"
	// EventStreamEnd marks the end of a token stream.
	EventStreamEnd EventType = "stream_end"
	// EventError reports a backend failure.
	EventError EventType = "error"
)

// Event is a single message received from the notebook event stream. Only the fields relevant to
// Type are filled.
type Event struct {
	Type EventType `json:"type"`

	// Agent and Status would be filled if Type is EventProgress.
	Agent  string `json:"agent,omitempty"`
	Status string `json:"status,omitempty"`

	// Content would be filled if Type is EventToken.
	Content string `json:"content,omitempty"`

	// FinalInsight would be filled if Type is EventComplete.
	FinalInsight string `json:"final_insight,omitempty"`

	// Message would be filled if Type is EventError.
	Message string `json:"message,omitempty"`
}
