package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidate(importance int, created time.Time, blended float64) ScoredRecord {
	return ScoredRecord{
		Record: MemoryRecord{
			ID:         "rec-" + created.Format("150405.000"),
			Type:       TypeProject,
			Importance: importance,
			Metadata: Metadata{
				Freshness: newFreshness(TypeProject, 0, created),
				Extra:     map[string]any{},
			},
			ConflictStatus: ConflictNone,
			CreatedAt:      created,
		},
		BlendedScore: blended,
	}
}

func TestRerank_ImportanceMonotonic(t *testing.T) {
	now := time.Now().UTC()
	created := now.Add(-24 * time.Hour)

	low := candidate(2, created, 0.5)
	low.Record.ID = "low"
	high := candidate(10, created, 0.5)
	high.Record.ID = "high"

	ranked := Rerank([]ScoredRecord{low, high}, now)
	require.Len(t, ranked, 2)
	assert.Equal(t, "high", ranked[0].Record.ID)
	assert.Greater(t, ranked[0].Score, ranked[1].Score)
}

func TestRerank_RecencyBoost(t *testing.T) {
	now := time.Now().UTC()

	fresh := candidate(5, now.Add(-1*time.Hour), 0.5)
	fresh.Record.ID = "fresh"
	old := candidate(5, now.Add(-60*24*time.Hour), 0.5)
	old.Record.ID = "old"

	ranked := Rerank([]ScoredRecord{old, fresh}, now)
	assert.Equal(t, "fresh", ranked[0].Record.ID)
}

func TestRerank_StalenessPenalty(t *testing.T) {
	now := time.Now().UTC()

	t.Run("past explicit expiry", func(t *testing.T) {
		expired := candidate(5, now.Add(-10*24*time.Hour), 0.5)
		expired.Record.Metadata.Freshness.ExpiresAt = now.Add(-24 * time.Hour)

		live := candidate(5, now.Add(-10*24*time.Hour), 0.5)

		score := finalScore(expired.Record, expired.BlendedScore, now)
		liveScore := finalScore(live.Record, live.BlendedScore, now)
		assert.InDelta(t, 0.22, liveScore-score, 1e-9)
	})

	t.Run("age beyond type ttl", func(t *testing.T) {
		// Past the project TTL of 180 days but with an expiry pushed out, so
		// only the lighter penalty applies.
		aged := candidate(5, now.Add(-200*24*time.Hour), 0.5)
		aged.Record.Metadata.Freshness.ExpiresAt = now.Add(24 * time.Hour)

		fresh := candidate(5, now.Add(-200*24*time.Hour), 0.5)
		fresh.Record.CreatedAt = now.Add(-24 * time.Hour)
		fresh.Record.Metadata.Freshness.ExpiresAt = now.Add(24 * time.Hour)

		agedScore := finalScore(aged.Record, aged.BlendedScore, now)
		assert.Less(t, agedScore, finalScore(fresh.Record, fresh.BlendedScore, now))
	})
}

func TestRerank_ConflictPenalty(t *testing.T) {
	now := time.Now().UTC()
	created := now.Add(-24 * time.Hour)

	clean := candidate(5, created, 0.5)
	pending := candidate(5, created, 0.5)
	pending.Record.ConflictStatus = ConflictPendingReview

	diff := finalScore(clean.Record, 0.5, now) - finalScore(pending.Record, 0.5, now)
	assert.InDelta(t, 0.12, diff, 1e-9)
}

func TestRerank_AccessBoostCapped(t *testing.T) {
	now := time.Now().UTC()
	created := now.Add(-24 * time.Hour)

	heavy := candidate(5, created, 0.5)
	heavy.Record.AccessCount = 100000

	none := candidate(5, created, 0.5)

	diff := finalScore(heavy.Record, 0.5, now) - finalScore(none.Record, 0.5, now)
	assert.LessOrEqual(t, diff, 0.05+1e-9)
	assert.Greater(t, diff, 0.0)
}

func TestRerank_TieBreakByCreatedAt(t *testing.T) {
	now := time.Now().UTC()

	// Clock-skewed timestamps clamp to zero age, which makes the scores
	// exactly equal and leaves only the created_at tie-break.
	older := candidate(5, now.Add(1*time.Hour), 0.5)
	older.Record.ID = "older"
	newer := candidate(5, now.Add(2*time.Hour), 0.5)
	newer.Record.ID = "newer"

	ranked := Rerank([]ScoredRecord{older, newer}, now)
	require.Len(t, ranked, 2)
	assert.Equal(t, ranked[0].Score, ranked[1].Score)
	assert.Equal(t, "newer", ranked[0].Record.ID)
}

func TestRerank_DoesNotMutateInput(t *testing.T) {
	now := time.Now().UTC()
	input := []ScoredRecord{
		candidate(2, now.Add(-24*time.Hour), 0.1),
		candidate(9, now.Add(-24*time.Hour), 0.9),
	}
	input[0].Record.ID = "a"
	input[1].Record.ID = "b"

	_ = Rerank(input, now)
	assert.Equal(t, "a", input[0].Record.ID)
	assert.Equal(t, 0.0, input[0].Score)
}
