package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/ingat/internal/config"
)

func f64(v float64) *float64 { return &v }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	logger := zerolog.Nop()

	e, err := New(Config{
		DBPath:            dbPath,
		Logger:            logger,
		EmbeddingProvider: NewMockEmbeddingProvider(64),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return e
}

// backdate rewrites a record's creation time and freshness window, simulating
// a record saved long ago.
func backdate(t *testing.T, e *Engine, id string, createdAt time.Time, ttlDays int) {
	t.Helper()

	rec, err := e.store.getRecordByID(context.Background(), id)
	require.NoError(t, err)

	meta := rec.Metadata
	meta.Freshness = newFreshness(rec.Type, ttlDays, createdAt)
	metaJSON, err := json.Marshal(meta)
	require.NoError(t, err)

	_, err = e.store.db.Exec(
		"UPDATE records SET created_at = ?, updated_at = ?, metadata = ? WHERE id = ?",
		createdAt.Unix(), createdAt.Unix(), string(metaJSON), id)
	require.NoError(t, err)
}

func TestNew_RequiresDBPath(t *testing.T) {
	e, err := New(Config{Logger: zerolog.Nop()})
	assert.Error(t, err)
	assert.Nil(t, e)
}

func TestSave_DuplicateMergesToSameID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id1, err := e.Save(ctx, "owner-1", "Alice email is alice@example.com", TypeUserInfo, nil)
	require.NoError(t, err)

	id2, err := e.Save(ctx, "owner-1", "alice EMAIL IS ALICE@example.com", TypeUserInfo, nil)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	total, err := e.store.countRecords(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	rec, err := e.store.getRecordByID(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.DuplicateHits)
	assert.NotNil(t, rec.LastAccessedAt)
}

func TestSave_DuplicateMergeRefreshesMetadata(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Save(ctx, "owner-1", "Standup notes from the planning meeting", TypeConversation, map[string]any{"source": "standup"})
	require.NoError(t, err)

	// Age the record so the refresh is observable
	backdate(t, e, id, time.Now().UTC().Add(-20*24*time.Hour), 30)

	id2, err := e.Save(ctx, "owner-1", "standup notes from the planning meeting", TypeConversation, map[string]any{"channel": "weekly"})
	require.NoError(t, err)
	require.Equal(t, id, id2)

	rec, err := e.store.getRecordByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "standup", rec.Metadata.Extra["source"])
	assert.Equal(t, "weekly", rec.Metadata.Extra["channel"])
	assert.WithinDuration(t, time.Now().UTC(), rec.Metadata.Freshness.VerifiedAt, time.Minute)
}

func TestSave_DifferentOwnersNeverMerge(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id1, err := e.Save(ctx, "owner-1", "prefers dark roast coffee", TypeUserPreference, nil)
	require.NoError(t, err)
	id2, err := e.Save(ctx, "owner-2", "prefers dark roast coffee", TypeUserPreference, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestSave_DifferentTypesNeverMerge(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id1, err := e.Save(ctx, "owner-1", "review the quarterly report", TypeTask, nil)
	require.NoError(t, err)
	id2, err := e.Save(ctx, "owner-1", "review the quarterly report", TypeProject, nil)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestSave_FactConflictDetection(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id1, err := e.Save(ctx, "owner-1", "Bob phone is 123-456-7890", TypeUserInfo, nil)
	require.NoError(t, err)

	id2, err := e.Save(ctx, "owner-1", "Bob phone is 987-654-3210", TypeUserInfo, nil)
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	rec1, err := e.store.getRecordByID(ctx, id1)
	require.NoError(t, err)
	rec2, err := e.store.getRecordByID(ctx, id2)
	require.NoError(t, err)

	assert.Equal(t, ConflictPendingReview, rec1.ConflictStatus)
	assert.Equal(t, ConflictPendingReview, rec2.ConflictStatus)
	assert.Contains(t, rec1.ConflictWith, id2)
	assert.Contains(t, rec2.ConflictWith, id1)
}

func TestSave_SameFactValueNoConflict(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Save(ctx, "owner-1", "Alice email is alice@example.com", TypeUserInfo, nil)
	require.NoError(t, err)

	// Same subject, same value, different phrasing: not a conflict
	id2, err := e.Save(ctx, "owner-1", "Alice email is alice@example.com and she checks it every morning", TypeUserInfo, nil)
	require.NoError(t, err)

	rec2, err := e.store.getRecordByID(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, ConflictNone, rec2.ConflictStatus)
}

func TestSave_UnknownTypeStoredAsManual(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Save(ctx, "owner-1", "a note with a made up category", MemoryType("made_up"), nil)
	require.NoError(t, err)

	rec, err := e.GetDetail(ctx, "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, TypeManual, rec.Type)
}

func TestSave_Validation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Save(ctx, "", "content", TypeManual, nil)
	assert.Error(t, err)

	_, err = e.Save(ctx, "owner-1", "", TypeManual, nil)
	assert.Error(t, err)
}

func TestSave_ImportanceOverride(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Save(ctx, "owner-1", "Project alpha kickoff scheduled", TypeProject, map[string]any{"importance": 10})
	require.NoError(t, err)

	rec, err := e.GetDetail(ctx, "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Importance)
}

func TestSave_VectorOffsetAssigned(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Save(ctx, "owner-1", "remember to water the plants weekly", TypeManual, nil)
	require.NoError(t, err)

	rec, err := e.store.getRecordByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.VectorOffset)
	assert.Greater(t, *rec.VectorOffset, int64(0))
}

func TestSave_EmbeddingFailureDegradesToLexical(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	e, err := New(Config{
		DBPath:            dbPath,
		Logger:            zerolog.Nop(),
		EmbeddingProvider: &failingProvider{dim: 64},
	})
	require.NoError(t, err)
	defer e.Close()

	ctx := context.Background()
	id, err := e.Save(ctx, "owner-1", "golang build pipeline is flaky on fridays", TypeProject, nil)
	require.NoError(t, err)

	rec, err := e.store.getRecordByID(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec.VectorOffset)

	// Still reachable through lexical search
	results, err := e.Search(ctx, "owner-1", "flaky pipeline", nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, id, results[0].Record.ID)
}

type failingProvider struct{ dim int }

func (p *failingProvider) Dimension() int { return p.dim }

func (p *failingProvider) GenerateEmbedding(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding backend down")
}

func (p *failingProvider) GenerateEmbeddings(context.Context, []string) ([][]float32, error) {
	return nil, errors.New("embedding backend down")
}

func TestSearch_EmptyQueryAndEmptyStore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	results, err := e.Search(ctx, "owner-1", "", nil)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = e.Search(ctx, "owner-1", "anything at all", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_ImportanceOrdersResults(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	lowID, err := e.Save(ctx, "owner-1", "Project alpha deadline chatter from the hallway", TypeProject, map[string]any{"importance": 2})
	require.NoError(t, err)
	highID, err := e.Save(ctx, "owner-1", "Project alpha deadline moved to the 15th", TypeProject, map[string]any{"importance": 10})
	require.NoError(t, err)

	results, err := e.Search(ctx, "owner-1", "project alpha deadline", &SearchOptions{TopK: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, highID, results[0].Record.ID)
	assert.Equal(t, lowID, results[1].Record.ID)
}

func TestSearch_SubstringFallback(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Save(ctx, "owner-1", "the wifi password is Hunter2-Building-West", TypeImportantInfo, nil)
	require.NoError(t, err)

	// Exact-phrase fragment that token ranking may miss
	results, err := e.Search(ctx, "owner-1", "Hunter2-Building", nil)
	require.NoError(t, err)
	require.NotEmpty(t, results)

	found := false
	for _, r := range results {
		if r.Record.ID == id {
			found = true
		}
	}
	assert.True(t, found, "substring fallback should surface exact-phrase hits")
}

func TestSearch_TypeFilter(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Save(ctx, "owner-1", "migrate the billing database", TypeTask, nil)
	require.NoError(t, err)
	projID, err := e.Save(ctx, "owner-1", "billing database migration project notes", TypeProject, nil)
	require.NoError(t, err)

	results, err := e.Search(ctx, "owner-1", "billing database", &SearchOptions{TypeFilter: TypeProject})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, TypeProject, r.Record.Type)
	}
	assert.Equal(t, projID, results[0].Record.ID)
}

func TestSearch_OwnerIsolation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Save(ctx, "owner-1", "the secret launch date is in march", TypeImportantInfo, nil)
	require.NoError(t, err)

	results, err := e.Search(ctx, "owner-2", "secret launch date", nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_MinScoreFilters(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Save(ctx, "owner-1", "completely unrelated gardening trivia", TypeConversation, nil)
	require.NoError(t, err)

	results, err := e.Search(ctx, "owner-1", "gardening", &SearchOptions{MinScore: f64(99)})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestFilterMinScore_ZeroCutoffKeepsOutNegatives(t *testing.T) {
	ranked := []ScoredRecord{
		{Record: MemoryRecord{ID: "pos"}, Score: 0.3},
		{Record: MemoryRecord{ID: "zero"}, Score: 0},
		{Record: MemoryRecord{ID: "neg"}, Score: -0.04},
	}

	filtered := filterMinScore(ranked, 0)
	require.Len(t, filtered, 2)
	assert.Equal(t, "pos", filtered[0].Record.ID)
	assert.Equal(t, "zero", filtered[1].Record.ID)
}

func TestSearch_NilMinScoreAppliesNoCutoff(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Expired and unimportant, so penalties drag the final score down
	id, err := e.Save(ctx, "owner-1", "ancient gossip about the cafeteria vendor", TypeConversation, map[string]any{"importance": 1})
	require.NoError(t, err)
	backdate(t, e, id, time.Now().UTC().Add(-400*24*time.Hour), 30)

	results, err := e.Search(ctx, "owner-1", "cafeteria vendor gossip", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, results, "no cutoff means low scorers still return")
}

func TestSearch_BumpsAccessStats(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Save(ctx, "owner-1", "the deploy runbook lives in the wiki", TypeManual, nil)
	require.NoError(t, err)

	_, err = e.Search(ctx, "owner-1", "deploy runbook", nil)
	require.NoError(t, err)

	// The bump is asynchronous by design
	assert.Eventually(t, func() bool {
		rec, err := e.store.getRecordByID(ctx, id)
		return err == nil && rec.AccessCount > 0 && rec.LastAccessedAt != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSearchSnippets_PreviewBounded(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	long := "meeting summary: "
	for i := 0; i < 40; i++ {
		long += "the quarterly planning discussion continued "
	}
	id, err := e.Save(ctx, "owner-1", long, TypeConversation, nil)
	require.NoError(t, err)

	snippets, err := e.SearchSnippets(ctx, "owner-1", "quarterly planning", nil)
	require.NoError(t, err)
	require.NotEmpty(t, snippets)

	s := snippets[0]
	assert.Equal(t, id, s.ID)
	assert.LessOrEqual(t, len([]rune(s.Preview)), 220)
	assert.Less(t, len(s.Preview), len(long))
	assert.Equal(t, TypeConversation, s.Type)
	assert.False(t, s.CreatedAt.IsZero())

	// Second stage returns the untruncated original
	rec, err := e.GetDetail(ctx, "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, long, rec.Content)
}

func TestGetDetail_NotFound(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.GetDetail(context.Background(), "owner-1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDetail_WrongOwnerNotFound(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Save(ctx, "owner-1", "private note", TypeManual, nil)
	require.NoError(t, err)

	_, err = e.GetDetail(ctx, "owner-2", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetDetail_BumpsAccess(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Save(ctx, "owner-1", "gym membership renews in september", TypeUserInfo, nil)
	require.NoError(t, err)

	rec, err := e.GetDetail(ctx, "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.AccessCount)

	rec, err = e.GetDetail(ctx, "owner-1", id)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.AccessCount)
}

func TestNewFromAppConfig_BuildsLoggerFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.DBPath = filepath.Join(dir, "ingat.db")
	cfg.Logging = config.LoggingConfig{
		Level: "debug",
		File:  filepath.Join(dir, "ingat.log"),
	}

	e, err := NewFromAppConfig(cfg)
	require.NoError(t, err)

	_, err = e.Save(context.Background(), "owner-1", "note that lands in the configured log file", TypeManual, nil)
	require.NoError(t, err)
	require.NoError(t, e.Close())

	data, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "Memory engine initialized")
	assert.Contains(t, string(data), "Record saved")
}

func TestNewFromAppConfig_InvalidConfigRejected(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "ingat.db")
	cfg.Retrieval.VectorWeight = 0.9

	_, err := NewFromAppConfig(cfg)
	assert.Error(t, err)
}

func TestAccessBumpsSurviveConcurrentSaves(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Save(ctx, "owner-0", "seed record for concurrent access bumps", TypeManual, nil)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers*2)
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- e.store.bumpAccess(ctx, []string{id}, time.Now().UTC())
		}()
		go func(n int) {
			defer wg.Done()
			_, err := e.Save(ctx, fmt.Sprintf("owner-%d", n+1), "independent note written under write contention", TypeManual, nil)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	rec, err := e.store.getRecordByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, workers, rec.AccessCount)
}
