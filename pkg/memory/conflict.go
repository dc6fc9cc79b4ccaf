package memory

import (
	"context"
	"fmt"
	"time"
)

// ListConflicts returns the owner's records in the given conflict state for
// triage. An empty status defaults to pending_review.
func (e *Engine) ListConflicts(ctx context.Context, ownerID string, status ConflictStatus) ([]MemoryRecord, error) {
	if status == "" {
		status = ConflictPendingReview
	}
	records, err := e.store.listByConflictStatus(ctx, ownerID, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return records, nil
}

// ResolveConflict applies the caller's decision to a conflicting record and
// its linked set, returning how many records were updated.
//
// accept_current keeps the named record and supersedes everything linked to
// it; keep_all marks the whole set resolved and leaves every record live.
// The outcome is symmetric: resolving from either side of a conflict pair
// produces the mirror image.
func (e *Engine) ResolveConflict(ctx context.Context, id string, action ResolveAction) (int, error) {
	if action != ActionAcceptCurrent && action != ActionKeepAll {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAction, action)
	}

	rec, err := e.store.getRecordByID(ctx, id)
	if err != nil {
		return 0, err
	}

	mu := e.ownerLock(rec.OwnerID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()
	updated := 0

	switch action {
	case ActionAcceptCurrent:
		if err := e.store.setConflictState(ctx, rec.ID, ConflictResolved, nil, "", now); err != nil {
			return updated, fmt.Errorf("failed to resolve record %s: %w", rec.ID, err)
		}
		updated++
		for _, linkedID := range rec.ConflictWith {
			if err := e.store.setConflictState(ctx, linkedID, ConflictSuperseded, nil, rec.ID, now); err != nil {
				return updated, fmt.Errorf("failed to supersede record %s: %w", linkedID, err)
			}
			updated++
		}

	case ActionKeepAll:
		if err := e.store.setConflictState(ctx, rec.ID, ConflictResolved, rec.ConflictWith, "", now); err != nil {
			return updated, fmt.Errorf("failed to resolve record %s: %w", rec.ID, err)
		}
		updated++
		for _, linkedID := range rec.ConflictWith {
			linked, err := e.store.getRecordByID(ctx, linkedID)
			if err != nil {
				return updated, fmt.Errorf("failed to load linked record %s: %w", linkedID, err)
			}
			if err := e.store.setConflictState(ctx, linkedID, ConflictResolved, linked.ConflictWith, "", now); err != nil {
				return updated, fmt.Errorf("failed to resolve record %s: %w", linkedID, err)
			}
			updated++
		}
	}

	e.logger.Info().
		Str("record_id", id).
		Str("action", string(action)).
		Int("updated", updated).
		Msg("Conflict resolved")
	return updated, nil
}
