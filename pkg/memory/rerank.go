package memory

import (
	"math"
	"sort"
	"time"
)

// Rerank applies the scoring policy to blended candidates and returns them
// sorted best-first. It is a pure function over its inputs so the same policy
// can drive live search and offline evaluation.
//
// Boosts reward importance, recency and access frequency; penalties push down
// stale and conflicted records. Ties break toward the more recently created
// record.
func Rerank(candidates []ScoredRecord, now time.Time) []ScoredRecord {
	out := make([]ScoredRecord, len(candidates))
	copy(out, candidates)

	for i := range out {
		out[i].Score = finalScore(out[i].Record, out[i].BlendedScore, now)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.CreatedAt.After(out[j].Record.CreatedAt)
	})

	return out
}

func finalScore(rec MemoryRecord, blended float64, now time.Time) float64 {
	ageDays := now.Sub(rec.CreatedAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}

	importanceBoost := float64(rec.Importance) / 10 * 0.15
	recencyBoost := 1 / (1 + ageDays/30) * 0.15
	accessBoost := math.Min(0.05, math.Log(1+float64(rec.AccessCount))*0.01)

	var stalenessPenalty float64
	switch {
	case !rec.Metadata.Freshness.ExpiresAt.IsZero() && now.After(rec.Metadata.Freshness.ExpiresAt):
		stalenessPenalty = 0.22
	case ageDays > float64(rec.Type.DefaultTTLDays()):
		stalenessPenalty = 0.15
	}

	var conflictPenalty float64
	if rec.ConflictStatus == ConflictPendingReview {
		conflictPenalty = 0.12
	}

	return blended + importanceBoost + recencyBoost + accessBoost - stalenessPenalty - conflictPenalty
}
