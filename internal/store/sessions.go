package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// DefaultSlot is the slot used when a SessionStore is created without one.
const DefaultSlot = "default"

// SessionStore persists one session token per slot.
type SessionStore struct {
	db   *DB
	slot string
}

// Sessions returns the store for slot.
func (db *DB) Sessions(slot string) *SessionStore {
	if slot == "" {
		slot = DefaultSlot
	}
	return &SessionStore{db: db, slot: slot}
}

// Load returns the saved token, or nil when none is saved.
func (s *SessionStore) Load(ctx context.Context) (*oauth2.Token, error) {
	var (
		tok     oauth2.Token
		expires sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, token_type, expires_at FROM sessions WHERE slot = ?`,
		s.slot,
	).Scan(&tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if expires.Valid && expires.String != "" {
		t, err := time.Parse(time.RFC3339Nano, expires.String)
		if err != nil {
			return nil, fmt.Errorf("invalid session expiry %q: %w", expires.String, err)
		}
		tok.Expiry = t
	}
	return &tok, nil
}

// Save replaces the saved token.
func (s *SessionStore) Save(ctx context.Context, tok *oauth2.Token) error {
	if tok == nil {
		return s.Clear(ctx)
	}
	var expires any
	if !tok.Expiry.IsZero() {
		expires = tok.Expiry.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (slot, access_token, refresh_token, token_type, expires_at, updated_at)
		VALUES (?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT(slot) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at`,
		s.slot, tok.AccessToken, tok.RefreshToken, tok.TokenType, expires,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Clear forgets the saved token.
func (s *SessionStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE slot = ?`, s.slot); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
