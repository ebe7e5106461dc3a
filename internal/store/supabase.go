package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/vetosce/osce-tavern/backend/internal/model/chat"
)

const defaultSupabaseTable = "chat_sessions"

// SupabaseConfig holds Supabase connection configuration.
type SupabaseConfig struct {
	URL    string
	APIKey string
	Table  string
}

// SupabaseStore implements Store on a PostgREST table:
//
//	create table chat_sessions (
//	  id text primary key,
//	  version bigint not null,
//	  session jsonb not null,
//	  messages jsonb not null,
//	  created_at timestamptz not null,
//	  updated_at timestamptz not null
//	);
type SupabaseStore struct {
	client *supabase.Client
	table  string
}

type supabaseRow struct {
	ID        string         `json:"id"`
	Version   int64          `json:"version"`
	Session   chat.Session   `json:"session"`
	Messages  []chat.Message `json:"messages"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// NewSupabaseStore creates a new Supabase-backed store.
func NewSupabaseStore(cfg SupabaseConfig) (*SupabaseStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: supabase URL is required", ErrInvalidConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: supabase API key is required", ErrInvalidConfig)
	}

	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	return newSupabaseStore(client, cfg.Table), nil
}

func newSupabaseStore(client *supabase.Client, table string) *SupabaseStore {
	if table == "" {
		table = defaultSupabaseTable
	}
	return &SupabaseStore{client: client, table: table}
}

func toRow(rec *Record) supabaseRow {
	return supabaseRow{
		ID:        rec.Session.ID,
		Version:   rec.Version,
		Session:   rec.Session,
		Messages:  rec.Messages,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func (r supabaseRow) record() *Record {
	return &Record{
		Session:   r.Session,
		Messages:  r.Messages,
		Version:   r.Version,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Create implements Store.
func (s *SupabaseStore) Create(ctx context.Context, rec *Record) error {
	_, err := s.Get(ctx, rec.Session.ID)
	switch {
	case err == nil:
		return ErrAlreadyExists
	case !errors.Is(err, ErrNotFound):
		return err
	}

	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.Version = 1

	var inserted []supabaseRow
	_, err = s.client.From(s.table).
		Insert(toRow(rec), false, "", "representation", "").
		ExecuteTo(&inserted)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SupabaseStore) Get(_ context.Context, id string) (*Record, error) {
	var rows []supabaseRow
	_, err := s.client.From(s.table).
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].record(), nil
}

// Update implements Store. The version filter makes the write conditional, so a
// concurrent writer leaves zero rows updated.
func (s *SupabaseStore) Update(ctx context.Context, rec *Record) error {
	next := rec.Clone()
	next.Version++
	next.UpdatedAt = time.Now().UTC()

	var updated []supabaseRow
	_, err := s.client.From(s.table).
		Update(toRow(next), "representation", "").
		Eq("id", rec.Session.ID).
		Eq("version", strconv.FormatInt(rec.Version, 10)).
		ExecuteTo(&updated)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	if len(updated) == 0 {
		if _, err := s.Get(ctx, rec.Session.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}

	rec.Version = next.Version
	rec.UpdatedAt = next.UpdatedAt
	return nil
}

// Delete implements Store.
func (s *SupabaseStore) Delete(_ context.Context, id string) error {
	_, _, err := s.client.From(s.table).
		Delete("", "").
		Eq("id", id).
		Execute()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close implements Store. The PostgREST client holds no connections of its own.
func (s *SupabaseStore) Close() error {
	return nil
}

var _ Store = (*SupabaseStore)(nil)
