package chat

import (
	"github.com/MegaGrindStone/mardata-chat/internal/models"
)

const unknownErrorText = "Unknown error from the analysis service."

// reconcile applies a single stream event to msgs and returns the resulting transcript. The trailing
// element is replaced rather than mutated, so slices previously handed out in snapshots keep their
// contents. The second return value reports whether the event resolves a pending request.
func reconcile(msgs []models.Message, ev models.Event) ([]models.Message, bool) {
	switch ev.Type {
	case models.EventProgress:
		msgs = endStream(dropProgress(msgs))
		return append(msgs, models.NewProgress(ev.Agent, ev.Status)), false

	case models.EventToken:
		if last, ok := lastMessage(msgs); ok && last.IsStreaming {
			last.Content += ev.Content
			return replaceLast(msgs, last), true
		}
		msg := models.NewMessage(models.RoleAssistant, ev.Content)
		msg.IsStreaming = true
		return append(dropProgress(msgs), msg), true

	case models.EventStreamEnd:
		return endStream(msgs), false

	case models.EventComplete:
		msgs = endStream(dropProgress(msgs))
		return append(msgs, models.NewMessage(models.RoleAssistant, ev.FinalInsight)), true

	case models.EventError:
		text := ev.Message
		if text == "" {
			text = unknownErrorText
		}
		msgs = endStream(dropProgress(msgs))
		return append(msgs, models.NewMessage(models.RoleSystem, text)), true
	}

	return msgs, false
}

func lastMessage(msgs []models.Message) (models.Message, bool) {
	if len(msgs) == 0 {
		return models.Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// replaceLast returns msgs with its trailing element swapped for m. The backing array is copied so
// the previous trailing element stays intact for anyone still holding the old slice.
func replaceLast(msgs []models.Message, m models.Message) []models.Message {
	out := make([]models.Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	out[len(out)-1] = m
	return out
}

// dropProgress removes the trailing progress message, if any.
func dropProgress(msgs []models.Message) []models.Message {
	if last, ok := lastMessage(msgs); ok && last.Kind == models.KindProgress {
		return msgs[:len(msgs)-1:len(msgs)-1]
	}
	return msgs
}

// endStream closes the open stream, if any. Closing an already closed stream is a no-op.
func endStream(msgs []models.Message) []models.Message {
	last, ok := lastMessage(msgs)
	if !ok || !last.IsStreaming {
		return msgs
	}
	last.IsStreaming = false
	return replaceLast(msgs, last)
}

// chatHistory returns the part of the transcript that is sent to the backend as conversation
// context: user and assistant text, without progress lines or local notices.
func chatHistory(msgs []models.Message) []models.Message {
	var history []models.Message
	for _, m := range msgs {
		if m.Kind != models.KindText {
			continue
		}
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			continue
		}
		history = append(history, m)
	}
	return history
}
