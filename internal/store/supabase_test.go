package store

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/supabase-community/supabase-go"
)

// fakePostgREST serves one table with the eq filters the store sends.
type fakePostgREST struct {
	mu       sync.Mutex
	rows     map[string]supabaseRow
	inserts  int
	failGets bool
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !strings.HasSuffix(r.URL.Path, "/rest/v1/"+defaultSupabaseTable) {
		writeError(w, http.StatusNotFound, "42P01", "relation does not exist")
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	query := r.URL.Query()
	id := strings.TrimPrefix(query.Get("id"), "eq.")

	switch r.Method {
	case http.MethodGet:
		if f.failGets {
			writeError(w, http.StatusInternalServerError, "XX000", "upstream unavailable")
			return
		}
		rows := []supabaseRow{}
		if row, ok := f.rows[id]; ok {
			rows = append(rows, row)
		}
		writeRows(w, http.StatusOK, rows)

	case http.MethodPost:
		row, ok := decodeRow(w, r)
		if !ok {
			return
		}
		if _, exists := f.rows[row.ID]; exists {
			writeError(w, http.StatusConflict, "23505", "duplicate key value violates unique constraint")
			return
		}
		f.rows[row.ID] = row
		f.inserts++
		writeRows(w, http.StatusCreated, []supabaseRow{row})

	case http.MethodPatch:
		row, ok := decodeRow(w, r)
		if !ok {
			return
		}
		current, exists := f.rows[id]
		if !exists || strconv.FormatInt(current.Version, 10) != strings.TrimPrefix(query.Get("version"), "eq.") {
			writeRows(w, http.StatusOK, []supabaseRow{})
			return
		}
		f.rows[id] = row
		writeRows(w, http.StatusOK, []supabaseRow{row})

	case http.MethodDelete:
		delete(f.rows, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeRow(w http.ResponseWriter, r *http.Request) (supabaseRow, bool) {
	var row supabaseRow
	body, err := io.ReadAll(r.Body)
	if err == nil {
		err = json.Unmarshal(body, &row)
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "PGRST102", "invalid body")
		return row, false
	}
	return row, true
}

func writeRows(w http.ResponseWriter, status int, rows []supabaseRow) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rows)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": code, "message": message})
}

func newTestSupabaseStore(t *testing.T) (*SupabaseStore, *fakePostgREST) {
	t.Helper()
	fake := &fakePostgREST{rows: make(map[string]supabaseRow)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := supabase.NewClient(srv.URL, "service-key", nil)
	require.NoError(t, err)
	return newSupabaseStore(client, ""), fake
}

func TestSupabaseStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, fake := newTestSupabaseStore(t)

	rec := newRecord("s1")
	require.NoError(t, s.Create(ctx, rec))
	assert.Equal(t, int64(1), rec.Version)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Equal(t, 1, fake.inserts)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "bovine-ketosis", got.Session.CaseID)
	assert.Equal(t, int64(1), got.Version)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)

	assert.ErrorIs(t, s.Create(ctx, newRecord("s1")), ErrAlreadyExists)
	assert.Equal(t, 1, fake.inserts)
}

func TestSupabaseStoreGetNotFound(t *testing.T) {
	s, _ := newTestSupabaseStore(t)

	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSupabaseStoreCreateSurfacesLookupFailure(t *testing.T) {
	s, fake := newTestSupabaseStore(t)
	fake.failGets = true

	err := s.Create(context.Background(), newRecord("s1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyExists)
	assert.Contains(t, err.Error(), "upstream unavailable")
	assert.Zero(t, fake.inserts)
}

func TestSupabaseStoreUpdate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSupabaseStore(t)
	require.NoError(t, s.Create(ctx, newRecord("s1")))

	rec, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	rec.Session.StageIndex = 2
	require.NoError(t, s.Update(ctx, rec))
	assert.Equal(t, int64(2), rec.Version)

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 2, got.Session.StageIndex)
}

func TestSupabaseStoreUpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSupabaseStore(t)
	require.NoError(t, s.Create(ctx, newRecord("s1")))

	first, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	second, err := s.Get(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, first))
	assert.ErrorIs(t, s.Update(ctx, second), ErrVersionConflict)
	assert.Equal(t, int64(1), second.Version)
}

func TestSupabaseStoreUpdateNotFound(t *testing.T) {
	s, _ := newTestSupabaseStore(t)

	rec := newRecord("missing")
	rec.Version = 1
	assert.ErrorIs(t, s.Update(context.Background(), rec), ErrNotFound)
}

func TestSupabaseStoreDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSupabaseStore(t)
	require.NoError(t, s.Create(ctx, newRecord("s1")))

	require.NoError(t, s.Delete(ctx, "s1"))
	_, err := s.Get(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Delete(ctx, "s1"))
}
