package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists journal entries in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS journal_entries (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			title TEXT NOT NULL,
			summary TEXT NOT NULL,
			emotion TEXT NOT NULL,
			transcript TEXT NOT NULL,
			fallback BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_entries_user_created ON journal_entries (user_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS voice_preferences (
			user_id TEXT PRIMARY KEY,
			voice TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveEntry(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO journal_entries (id, user_id, session_id, title, summary, emotion, transcript, fallback, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID,
		entry.UserID,
		entry.SessionID,
		entry.Title,
		entry.Summary,
		entry.Emotion,
		entry.Transcript,
		entry.Fallback,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save journal entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEntries(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, title, summary, emotion, transcript, fallback, created_at
		 FROM journal_entries WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query journal entries: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Title, &e.Summary, &e.Emotion, &e.Transcript, &e.Fallback, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) GetVoicePreference(ctx context.Context, userID string) (string, error) {
	var voice string
	err := s.pool.QueryRow(ctx,
		`SELECT voice FROM voice_preferences WHERE user_id=$1`, userID,
	).Scan(&voice)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query voice preference: %w", err)
	}
	return voice, nil
}

func (s *PostgresStore) SetVoicePreference(ctx context.Context, userID, voice string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO voice_preferences (user_id, voice, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (user_id) DO UPDATE SET voice = EXCLUDED.voice, updated_at = now()`,
		userID,
		voice,
	)
	if err != nil {
		return fmt.Errorf("set voice preference: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
