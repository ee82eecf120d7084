package transcript

import (
	"strings"
	"sync"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one complete utterance. A Turn is never mutated after Completed
// is set.
type Turn struct {
	Role      Role
	Text      string
	CreatedAt time.Time
	Completed bool
}

// History aggregates incremental transcript events into finalized turns.
// It keeps the full turn sequence (trimmed when it grows past trimAt) and
// derives a bounded recent window from it. At most one streaming assistant
// turn is live at a time.
type History struct {
	mu        sync.Mutex
	turns     []Turn
	streaming *Turn

	recentSize int
	trimAt     int
	trimTo     int

	now func() time.Time
}

const (
	DefaultRecentWindow = 8
	DefaultTrimAt       = 20
	DefaultTrimTo       = 12
)

func NewHistory(recentSize, trimAt, trimTo int) *History {
	if recentSize <= 0 {
		recentSize = DefaultRecentWindow
	}
	if trimAt <= 0 {
		trimAt = DefaultTrimAt
	}
	if trimTo <= 0 || trimTo > trimAt {
		trimTo = DefaultTrimTo
	}
	return &History{
		recentSize: recentSize,
		trimAt:     trimAt,
		trimTo:     trimTo,
		now:        time.Now,
	}
}

// UserCompleted appends a finished user turn. A user utterance always
// interrupts a pending assistant response display, so any streaming turn is
// discarded first.
func (h *History) UserCompleted(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streaming = nil
	h.append(Turn{Role: RoleUser, Text: text, CreatedAt: h.now(), Completed: true})
}

// AssistantDelta feeds one incremental assistant transcript fragment. Deltas
// that restate the accumulated text (duplicate delivery, or full-text
// snapshots that extend it) replace instead of appending, so redundant
// delivery is idempotent.
func (h *History) AssistantDelta(delta string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streaming == nil {
		h.streaming = &Turn{Role: RoleAssistant, Text: delta, CreatedAt: h.now()}
		return
	}
	switch {
	case delta == h.streaming.Text:
		// duplicate/replay, keep as-is
	case strings.HasPrefix(delta, h.streaming.Text):
		h.streaming.Text = delta
	default:
		h.streaming.Text += delta
	}
}

// AssistantDone finalizes the streaming turn. The event's carried full
// transcript wins when present; otherwise the accumulated text is used.
// Nothing is appended when the resulting text is empty.
func (h *History) AssistantDone(transcript string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	text := transcript
	if text == "" && h.streaming != nil {
		text = h.streaming.Text
	}
	h.streaming = nil
	if text == "" {
		return
	}
	h.append(Turn{Role: RoleAssistant, Text: text, CreatedAt: h.now(), Completed: true})
}

// DropStreaming clears the streaming turn without emitting one. Covers
// barge-in (speech_started) and end-of-turn with no content (response_done).
func (h *History) DropStreaming() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.streaming = nil
}

// Clear atomically empties both turn sequences and the streaming turn.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = nil
	h.streaming = nil
}

// All returns a copy of the full (possibly trimmed) history.
func (h *History) All() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Turn, len(h.turns))
	copy(out, h.turns)
	return out
}

// Recent returns the recent window: the suffix of the full history, at most
// recentSize turns.
func (h *History) Recent() []Turn {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := len(h.turns) - h.recentSize
	if start < 0 {
		start = 0
	}
	out := make([]Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// Streaming returns a snapshot of the live assistant turn, if any.
func (h *History) Streaming() (Turn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streaming == nil {
		return Turn{}, false
	}
	return *h.streaming, true
}

// append adds a completed turn and trims the full history when it exceeds
// trimAt, retaining only the most recent trimTo turns.
func (h *History) append(t Turn) {
	h.turns = append(h.turns, t)
	if len(h.turns) > h.trimAt {
		h.turns = append([]Turn(nil), h.turns[len(h.turns)-h.trimTo:]...)
	}
}
