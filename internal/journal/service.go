package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knagata/koelog/internal/mood"
	"github.com/knagata/koelog/internal/observability"
	"github.com/knagata/koelog/internal/transcript"
)

// ErrEmptyTranscript means the session produced nothing worth journaling.
var ErrEmptyTranscript = errors.New("journal: empty transcript")

// Service turns finished call sessions into persisted journal entries.
type Service struct {
	store      Store
	summarizer Summarizer
	metrics    *observability.Metrics
	log        *slog.Logger
}

func NewService(store Store, summarizer Summarizer, metrics *observability.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, summarizer: summarizer, metrics: metrics, log: log}
}

// Finalize summarizes and persists one session's transcript. When
// summarization is exhausted the raw transcript is saved verbatim as a
// fallback entry, so a session is never lost to a summarizer outage.
func (s *Service) Finalize(ctx context.Context, userID, sessionID string, buf *transcript.Buffer) (Entry, error) {
	text := buf.PlainText()
	if strings.TrimSpace(text) == "" {
		return Entry{}, ErrEmptyTranscript
	}

	entry := Entry{
		UserID:     userID,
		SessionID:  sessionID,
		Transcript: text,
		CreatedAt:  time.Now().UTC(),
	}

	var summary Summary
	err := errors.New("journal: no summarizer configured")
	if s.summarizer != nil {
		summary, err = s.summarizer.Summarize(ctx, text)
	}
	if err != nil {
		if s.summarizer != nil {
			s.log.Warn("summarization exhausted, saving verbatim transcript", "session_id", sessionID, "error", err)
		}
		entry.Title = time.Now().Format("2006年1月2日") + "の通話記録"
		entry.Summary = text
		entry.Emotion = string(mood.Infer(buf.LastUserTexts(5)))
		entry.Fallback = true
	} else {
		entry.Title = summary.Title
		entry.Summary = summary.Summary
		entry.Emotion = summary.Emotion
	}

	if err := s.store.SaveEntry(ctx, entry); err != nil {
		s.countSave("error")
		return Entry{}, fmt.Errorf("persist journal entry: %w", err)
	}
	if entry.Fallback {
		s.countSave("fallback")
	} else {
		s.countSave("summarized")
	}
	return entry, nil
}

func (s *Service) countSave(outcome string) {
	if s.metrics != nil {
		s.metrics.JournalSaves.WithLabelValues(outcome).Inc()
	}
}
