package transcript

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies which party produced an entry.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerAI   Speaker = "ai"
)

// Entry is one finalized conversational turn from either party.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
}

// Buffer is the canonical, append-only conversation transcript. It stays
// readable regardless of what happens to the session or the summarization
// call, and is cleared only by an explicit Reset.
type Buffer struct {
	mu      sync.Mutex
	entries []Entry
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append records one entry. Empty or whitespace-only text is discarded;
// returns whether the entry was kept.
func (b *Buffer) Append(speaker Speaker, text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, Entry{
		Timestamp: time.Now().UTC(),
		Speaker:   speaker,
		Text:      text,
	})
	return true
}

// Entries returns a copy of the transcript in order.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// EntriesFrom returns entries at index from onward; used to stream newly
// finalized turns to the device without re-sending the whole log.
func (b *Buffer) EntriesFrom(from int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	if from < 0 {
		from = 0
	}
	if from >= len(b.entries) {
		return nil
	}
	out := make([]Entry, len(b.entries)-from)
	copy(out, b.entries[from:])
	return out
}

// LastUserTexts returns up to n most recent user utterances, oldest first.
func (b *Buffer) LastUserTexts(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return nil
	}
	out := make([]string, 0, n)
	for i := len(b.entries) - 1; i >= 0 && len(out) < n; i-- {
		if b.entries[i].Speaker == SpeakerUser {
			out = append(out, b.entries[i].Text)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// PlainText renders the transcript as "speaker: text" lines for the
// summarizer and for the verbatim fallback journal.
func (b *Buffer) PlainText() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var sb strings.Builder
	for _, e := range b.entries {
		sb.WriteString(string(e.Speaker))
		sb.WriteString(": ")
		sb.WriteString(e.Text)
		sb.WriteString("\n")
	}
	return sb.String()
}

// Reset clears the transcript. Only called on explicit session reset.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
}
