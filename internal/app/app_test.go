// Package app_test contains unit tests for the app package.
package app_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ani-regulations/internal/app"
	"github.com/JakeFAU/ani-regulations/internal/config"
	"github.com/JakeFAU/ani-regulations/internal/dedup"
	"github.com/JakeFAU/ani-regulations/internal/pipeline"
	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

// memoryStore is an in-process Store used to exercise the wiring end to end.
type memoryStore struct {
	mu       sync.Mutex
	rows     []regulation.Record
	latest   time.Time
	hasRows  bool
	closed   bool
	pingErr  error
	nextID   int64
	tagged   []int64
	tagCalls int
}

func (s *memoryStore) Begin(context.Context) (dedup.Tx, error) {
	return &memoryTx{store: s}, nil
}

func (s *memoryStore) RecentIDs(_ context.Context, _ string, n int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, n)
	for id := s.nextID; id > 0 && len(ids) < n; id-- {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *memoryStore) InsertComponents(_ context.Context, ids []int64, _ int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tagCalls++
	s.tagged = append(s.tagged, ids...)
	return int64(len(ids)), nil
}

func (s *memoryStore) LatestCreatedAt(context.Context, string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasRows, nil
}

func (s *memoryStore) Ping(context.Context) error { return s.pingErr }

func (s *memoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

type memoryTx struct {
	store   *memoryStore
	pending []regulation.Record
}

func (t *memoryTx) LockEntity(context.Context, string) error { return nil }

func (t *memoryTx) ExistingKeys(_ context.Context, entity string) ([]regulation.IdentityKey, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	keys := make([]regulation.IdentityKey, 0, len(t.store.rows))
	for _, r := range t.store.rows {
		if r.Entity == entity {
			keys = append(keys, r.Key())
		}
	}
	return keys, nil
}

func (t *memoryTx) InsertRegulations(_ context.Context, recs []regulation.Record) (int64, error) {
	t.pending = append(t.pending, recs...)
	return int64(len(recs)), nil
}

func (t *memoryTx) Commit(context.Context) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	t.store.rows = append(t.store.rows, t.pending...)
	t.store.nextID += int64(len(t.pending))
	t.pending = nil
	return nil
}

func (t *memoryTx) Rollback(context.Context) error {
	t.pending = nil
	return nil
}

func connectorFor(store *memoryStore) app.Connector {
	return func(context.Context, config.DBConfig) (app.Store, error) {
		return store, nil
	}
}

func listingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "" {
			_, _ = w.Write([]byte("<html><body><table><tbody></tbody></table></body></html>"))
			return
		}
		_, _ = w.Write([]byte(`<html><body><table><tbody>
<tr>
<td class="views-field views-field-title"><a href="/sites/default/files/res-1.pdf">Resolución 20243040000001</a></td>
<td class="views-field views-field-body">POR LA CUAL se adopta el reglamento</td>
<td class="views-field views-field-field-fecha--1"><span class="date-display-single" content="2024-03-15T00:00:00-05:00">15/03/2024</span></td>
</tr>
<tr>
<td class="views-field views-field-title"><a href="https://www.ani.gov.co/decreto-2">Decreto 2</a></td>
<td class="views-field views-field-field-fecha--1">01/02/2024</td>
</tr>
</tbody></table></body></html>`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Source.BaseURL = baseURL + "/normatividad?x=1"
	cfg.Source.Origin = baseURL
	cfg.Source.NumPages = 2
	cfg.Validation.RulesPath = filepath.Join(t.TempDir(), "missing.json")
	return cfg
}

func TestNew_Success(t *testing.T) {
	t.Parallel()

	store := &memoryStore{}
	a, err := app.New(context.Background(), testConfig(t, "https://example.test"), zap.NewNop(), connectorFor(store))
	require.NoError(t, err)
	require.NotNil(t, a)

	assert.NotNil(t, a.Logger())
	assert.NotNil(t, a.Pipeline())
	assert.Same(t, store, a.Store())
	assert.Equal(t, regulation.DefaultEntity, a.Config().Source.Entity)

	a.Close()
	assert.True(t, store.closed)
}

func TestNew_DatabaseFailure(t *testing.T) {
	t.Parallel()

	failing := func(context.Context, config.DBConfig) (app.Store, error) {
		return nil, errors.New("connection refused")
	}
	a, err := app.New(context.Background(), testConfig(t, "https://example.test"), zap.NewNop(), failing)
	require.Error(t, err)
	assert.Nil(t, a)
	assert.Contains(t, err.Error(), "failed to initialize database")
}

func TestNew_InvalidOriginClosesStore(t *testing.T) {
	t.Parallel()

	store := &memoryStore{}
	cfg := testConfig(t, "https://example.test")
	cfg.Source.Origin = "::not-a-url"
	_, err := app.New(context.Background(), cfg, zap.NewNop(), connectorFor(store))
	require.Error(t, err)
	assert.True(t, store.closed)
}

func TestPipelineEndToEnd(t *testing.T) {
	t.Parallel()

	srv := listingServer(t)
	store := &memoryStore{}
	cfg := testConfig(t, srv.URL)

	a, err := app.New(context.Background(), cfg, zap.NewNop(), connectorFor(store))
	require.NoError(t, err)
	defer a.Close()

	// Empty table: the probe reports new content without fetching.
	out := a.Pipeline().Run(context.Background(), pipeline.Request{NumPages: 2})
	require.Equal(t, http.StatusOK, out.StatusCode, out.Message)
	require.True(t, out.Success)
	require.Equal(t, pipeline.ContentNew, out.ContentCheck)
	require.Equal(t, 2, out.RecordsScraped)
	require.EqualValues(t, 2, out.RecordsInserted)
	require.Equal(t, "0-1", out.PagesProcessed)
	require.True(t, strings.HasPrefix(out.Message,
		"Entity "+regulation.DefaultEntity+": Processed: 2 | Existing: 0 | Duplicates skipped: 0 | New inserted: 2."))

	store.mu.Lock()
	require.Len(t, store.rows, 2)
	first := store.rows[0]
	store.mu.Unlock()
	require.Equal(t, srv.URL+"/sites/default/files/res-1.pdf", first.ExternalLink)
	require.Equal(t, "2024-03-15", first.CreatedAt)
	require.Equal(t, int64(15), first.RTypeID)

	// A forced rerun sees everything already persisted.
	out = a.Pipeline().Run(context.Background(), pipeline.Request{NumPages: 2, Force: true})
	require.Equal(t, http.StatusOK, out.StatusCode)
	require.Equal(t, pipeline.ContentForced, out.ContentCheck)
	require.EqualValues(t, 0, out.RecordsInserted)
	require.Equal(t, "No new records found for entity "+regulation.DefaultEntity+" after duplicate validation", out.Message)
}

func TestPipelineUsesRulesFile(t *testing.T) {
	t.Parallel()

	srv := listingServer(t)
	store := &memoryStore{}
	cfg := testConfig(t, srv.URL)
	rules := filepath.Join(t.TempDir(), "rules.json")
	// Titles longer than 5 characters are cleared, which discards both rows.
	require.NoError(t, os.WriteFile(rules, []byte(`{"fields": {"title": {"type": "string", "required": true, "max_length": 5}}}`), 0o600))
	cfg.Validation.RulesPath = rules

	a, err := app.New(context.Background(), cfg, zap.NewNop(), connectorFor(store))
	require.NoError(t, err)
	defer a.Close()

	out := a.Pipeline().Run(context.Background(), pipeline.Request{NumPages: 1, Force: true})
	require.Equal(t, http.StatusOK, out.StatusCode)
	require.Equal(t, "All records were discarded by validation", out.Message)
	require.Empty(t, store.rows)
}
