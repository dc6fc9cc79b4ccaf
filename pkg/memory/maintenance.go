package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// lastMaintenanceKey is the per-owner preference storing the last run time.
const lastMaintenanceKey = "maintenance.last_run"

// Compact makes one maintenance pass over an owner's records: greedy
// newest-first deduplication within each type, plus pruning of stale
// low-value records. With DryRun only the counts are computed.
func (e *Engine) Compact(ctx context.Context, ownerID string, opts CompactOptions) (*CompactResult, error) {
	if opts.DedupeThreshold <= 0 {
		opts.DedupeThreshold = e.cfg.CompactDedupeThreshold
	}
	if opts.StaleDays <= 0 {
		opts.StaleDays = e.cfg.StaleDays
	}

	mu := e.ownerLock(ownerID)
	mu.Lock()
	defer mu.Unlock()

	records, err := e.store.allByOwnerNewestFirst(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}

	now := time.Now().UTC()
	result := &CompactResult{TotalBefore: len(records)}

	// Greedy dedupe: a record similar to an already-kept newer record of the
	// same type is dropped instead of kept. Not transitive across types.
	kept := make(map[MemoryType][]string)
	var toDelete []string
	deleted := make(map[string]bool)

	for i := range records {
		rec := &records[i]
		norm := normalizeContent(rec.Content)

		duplicate := false
		for _, keptNorm := range kept[rec.Type] {
			if similarityRatio(norm, keptNorm) >= opts.DedupeThreshold {
				duplicate = true
				break
			}
		}
		if duplicate {
			toDelete = append(toDelete, rec.ID)
			deleted[rec.ID] = true
			result.Deduplicated++
			continue
		}
		kept[rec.Type] = append(kept[rec.Type], norm)
	}

	// Independent stale pruning of low-value records
	for i := range records {
		rec := &records[i]
		if deleted[rec.ID] {
			continue
		}
		if isStale(rec, opts.StaleDays, now) {
			toDelete = append(toDelete, rec.ID)
			deleted[rec.ID] = true
			result.PrunedStale++
		}
	}

	result.TotalAfter = result.TotalBefore - len(toDelete)

	if !opts.DryRun && len(toDelete) > 0 {
		// Vector slots for deleted records stay orphaned; the index is
		// append-only and never the source of truth.
		if err := e.store.deleteRecords(ctx, toDelete); err != nil {
			return nil, fmt.Errorf("failed to delete records: %w", err)
		}
	}

	e.logger.Info().
		Str("owner_id", ownerID).
		Bool("dry_run", opts.DryRun).
		Int("total_before", result.TotalBefore).
		Int("deduplicated", result.Deduplicated).
		Int("pruned_stale", result.PrunedStale).
		Int("total_after", result.TotalAfter).
		Msg("Compaction pass finished")
	return result, nil
}

// isStale reports whether a low-value record has aged out: past its explicit
// expiry, or older than staleDays with minimal importance and access.
func isStale(rec *MemoryRecord, staleDays int, now time.Time) bool {
	if !rec.Type.lowValue() {
		return false
	}
	if rec.Importance > 4 || rec.AccessCount > 1 {
		return false
	}
	expires := rec.Metadata.Freshness.ExpiresAt
	if !expires.IsZero() && now.After(expires) {
		return true
	}
	ageDays := now.Sub(rec.CreatedAt).Hours() / 24
	return ageDays > float64(staleDays)
}

// MaintenanceReport returns a read-only health summary: what a compaction
// would do, plus conflict and staleness counters. It never mutates.
func (e *Engine) MaintenanceReport(ctx context.Context, ownerID string) (*MaintenanceReport, error) {
	wouldCompact, err := e.Compact(ctx, ownerID, CompactOptions{DryRun: true})
	if err != nil {
		return nil, err
	}

	pending, err := e.store.countByConflictStatus(ctx, ownerID, ConflictPendingReview)
	if err != nil {
		return nil, fmt.Errorf("failed to count conflicts: %w", err)
	}

	total, err := e.store.countRecords(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}

	now := time.Now().UTC()
	records, err := e.store.allByOwnerNewestFirst(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load records: %w", err)
	}
	stale := 0
	for i := range records {
		f := records[i].Metadata.Freshness
		if !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt) {
			stale++
		}
	}

	return &MaintenanceReport{
		RunID:            uuid.NewString(),
		TotalRecords:     total,
		PendingConflicts: pending,
		StaleRecords:     stale,
		WouldCompact:     *wouldCompact,
		GeneratedAt:      now,
	}, nil
}

// ScheduledMaintenance runs a real compaction when forced or when the
// per-owner interval has elapsed, tracking the last run in the preference
// store.
func (e *Engine) ScheduledMaintenance(ctx context.Context, ownerID string, intervalHours int, force bool) (*ScheduledResult, error) {
	if intervalHours <= 0 {
		intervalHours = e.cfg.MaintenanceInterval
	}
	interval := time.Duration(intervalHours) * time.Hour
	now := time.Now().UTC()

	if !force {
		raw, ok, err := e.store.GetPreference(ctx, ownerID, lastMaintenanceKey)
		if err != nil {
			return nil, fmt.Errorf("failed to read maintenance marker: %w", err)
		}
		if ok {
			lastRun, err := time.Parse(time.RFC3339, raw)
			if err == nil && now.Sub(lastRun) < interval {
				next := lastRun.Add(interval)
				return &ScheduledResult{
					Ran:       false,
					Reason:    "interval not elapsed",
					NextRunAt: &next,
				}, nil
			}
		}
	}

	compacted, err := e.Compact(ctx, ownerID, CompactOptions{})
	if err != nil {
		return nil, err
	}

	if err := e.store.SetPreference(ctx, ownerID, lastMaintenanceKey, now.Format(time.RFC3339)); err != nil {
		return nil, fmt.Errorf("failed to persist maintenance marker: %w", err)
	}

	next := now.Add(interval)
	return &ScheduledResult{
		Ran:       true,
		NextRunAt: &next,
		Compacted: compacted,
	}, nil
}
