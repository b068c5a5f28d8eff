package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/knagata/koelog/internal/reliability"
)

// Summary is the structured result of condensing one call transcript.
type Summary struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Emotion string `json:"emotion"`
}

// Summarizer turns a plain-text transcript into a journal summary.
type Summarizer interface {
	Summarize(ctx context.Context, transcriptText string) (Summary, error)
}

// HTTPSummarizer calls an external summarization endpoint. Server-side
// failures are retried with capped exponential backoff; any 4xx is final.
type HTTPSummarizer struct {
	url         string
	client      *http.Client
	log         *slog.Logger
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewHTTPSummarizer(url string, log *slog.Logger) *HTTPSummarizer {
	if log == nil {
		log = slog.Default()
	}
	return &HTTPSummarizer{
		url:         url,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		maxAttempts: 3,
		backoffBase: time.Second,
		backoffCap:  2 * time.Second,
	}
}

type summarizeRequest struct {
	Transcript string `json:"transcript"`
}

func (s *HTTPSummarizer) Summarize(ctx context.Context, transcriptText string) (Summary, error) {
	body, err := json.Marshal(summarizeRequest{Transcript: transcriptText})
	if err != nil {
		return Summary{}, fmt.Errorf("encode summarize request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if attempt > 1 {
			backoff := reliability.ExponentialBackoff(attempt-2, s.backoffBase, s.backoffCap)
			s.log.Info("retrying summarization", "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Summary{}, ctx.Err()
			}
		}

		summary, retryable, err := s.once(ctx, body)
		if err == nil {
			return summary, nil
		}
		lastErr = err
		if !retryable {
			return Summary{}, err
		}
	}
	return Summary{}, fmt.Errorf("summarization failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *HTTPSummarizer) once(ctx context.Context, body []byte) (Summary, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Summary{}, false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Summary{}, true, fmt.Errorf("summarize request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return Summary{}, reliability.IsRetryableHTTPStatus(resp.StatusCode),
			fmt.Errorf("summarize endpoint returned %d", resp.StatusCode)
	}

	var summary Summary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		return Summary{}, false, fmt.Errorf("decode summarize response: %w", err)
	}
	return summary, false, nil
}
