package journal

import (
	"context"
	"time"
)

// Entry is one saved journal record, produced from a call session's
// transcript. Fallback marks entries saved verbatim because summarization
// never succeeded.
type Entry struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	Title      string    `json:"title"`
	Summary    string    `json:"summary"`
	Emotion    string    `json:"emotion"`
	Transcript string    `json:"transcript"`
	Fallback   bool      `json:"fallback"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists journal entries and per-user voice preferences.
type Store interface {
	SaveEntry(ctx context.Context, entry Entry) error
	ListEntries(ctx context.Context, userID string, limit int) ([]Entry, error)
	GetVoicePreference(ctx context.Context, userID string) (string, error)
	SetVoicePreference(ctx context.Context, userID, voice string) error
	Close() error
}
