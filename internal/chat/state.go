package chat

import (
	"fmt"

	"github.com/MegaGrindStone/mardata-chat/internal/models"
)

// ConnectionState is the lifecycle state of the notebook event stream.
type ConnectionState int

const (
	// StateClosed means no stream is open.
	StateClosed ConnectionState = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateOpen means events are being received.
	StateOpen
	// StateErrored means the last stream ended with a transport error.
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler so snapshots render the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is an immutable view of the synchronizer. Version increases with every change, so a
// subscriber receiving snapshots from several goroutines can drop the ones older than what it has.
type Snapshot struct {
	Version  uint64           `json:"version"`
	Notebook models.Notebook  `json:"notebook"`
	State    ConnectionState  `json:"state"`
	Pending  bool             `json:"pending"`
	Messages []models.Message `json:"messages"`
}

// Settled reports whether the transcript has no open stream and no transient progress line.
func (s Snapshot) Settled() bool {
	if len(s.Messages) == 0 {
		return false
	}
	last := s.Messages[len(s.Messages)-1]
	return !last.IsStreaming && last.Kind != models.KindProgress
}
