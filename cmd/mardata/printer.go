package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/MegaGrindStone/mardata-chat/internal/chat"
	"github.com/MegaGrindStone/mardata-chat/internal/models"
)

// transcriptPrinter writes a transcript to a terminal incrementally. Messages are printed once, in
// order; a streaming message is extended in place as tokens arrive.
type transcriptPrinter struct {
	w io.Writer

	mu      sync.Mutex
	version uint64
	printed map[string]int
	open    string
}

func newTranscriptPrinter(w io.Writer) *transcriptPrinter {
	return &transcriptPrinter{w: w, printed: make(map[string]int)}
}

func (p *transcriptPrinter) update(snap chat.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if snap.Version <= p.version {
		return
	}
	p.version = snap.Version

	for _, m := range snap.Messages {
		n, seen := p.printed[m.ID]
		if !seen {
			p.endLine()
			fmt.Fprintf(p.w, "%s %s", label(m), m.Content)
			p.printed[m.ID] = len(m.Content)
			if m.IsStreaming {
				p.open = m.ID
			} else {
				fmt.Fprintln(p.w)
			}
			continue
		}

		if len(m.Content) > n {
			fmt.Fprint(p.w, m.Content[n:])
			p.printed[m.ID] = len(m.Content)
		}
		if p.open == m.ID && !m.IsStreaming {
			p.endLine()
		}
	}
}

// printMessage writes a complete message.
func (p *transcriptPrinter) printMessage(m models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s %s\n", label(m), m.Content)
}

func (p *transcriptPrinter) endLine() {
	if p.open == "" {
		return
	}
	fmt.Fprintln(p.w)
	p.open = ""
}

func label(m models.Message) string {
	if m.Kind == models.KindProgress {
		return "..."
	}
	switch m.Role {
	case models.RoleUser:
		return "you>"
	case models.RoleAssistant:
		return "mardata>"
	default:
		return "!"
	}
}
