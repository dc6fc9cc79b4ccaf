package memory

import (
	"errors"
	"time"
)

// MemoryType is the coarse category label attached to every record at save time.
type MemoryType string

const (
	TypeUserInfo       MemoryType = "user_info"
	TypeUserPreference MemoryType = "user_preference"
	TypeProject        MemoryType = "project"
	TypeTask           MemoryType = "task"
	TypeConversation   MemoryType = "conversation"
	TypeManual         MemoryType = "manual"
	TypeImportantInfo  MemoryType = "important_info"
)

// typeProfile carries the per-type defaults used by the ingestion gate and
// the staleness checks.
type typeProfile struct {
	baselineImportance int
	ttlDays            int
	lowValue           bool // eligible for stale pruning during compaction
}

var typeProfiles = map[MemoryType]typeProfile{
	TypeUserInfo:       {baselineImportance: 6, ttlDays: 365},
	TypeUserPreference: {baselineImportance: 5, ttlDays: 365},
	TypeProject:        {baselineImportance: 5, ttlDays: 180},
	TypeTask:           {baselineImportance: 5, ttlDays: 90},
	TypeConversation:   {baselineImportance: 3, ttlDays: 30, lowValue: true},
	TypeManual:         {baselineImportance: 4, ttlDays: 60, lowValue: true},
	TypeImportantInfo:  {baselineImportance: 8, ttlDays: 730},
}

// IsValid reports whether t is one of the known memory types.
func (t MemoryType) IsValid() bool {
	_, ok := typeProfiles[t]
	return ok
}

// DefaultTTLDays returns the type's default time-to-live in days.
func (t MemoryType) DefaultTTLDays() int {
	if p, ok := typeProfiles[t]; ok {
		return p.ttlDays
	}
	return typeProfiles[TypeManual].ttlDays
}

func (t MemoryType) baseline() int {
	if p, ok := typeProfiles[t]; ok {
		return p.baselineImportance
	}
	return typeProfiles[TypeManual].baselineImportance
}

func (t MemoryType) lowValue() bool {
	if p, ok := typeProfiles[t]; ok {
		return p.lowValue
	}
	return false
}

// ConflictStatus tracks a record's position in the conflict lifecycle.
type ConflictStatus string

const (
	ConflictNone          ConflictStatus = "none"
	ConflictPendingReview ConflictStatus = "pending_review"
	ConflictResolved      ConflictStatus = "resolved"
	ConflictSuperseded    ConflictStatus = "superseded"
)

// ResolveAction is the caller's decision for a pending conflict.
type ResolveAction string

const (
	ActionAcceptCurrent ResolveAction = "accept_current"
	ActionKeepAll       ResolveAction = "keep_all"
)

// FreshnessActive is the status of a record within its TTL.
const FreshnessActive = "active"

// Freshness is the required sub-record of every record's metadata.
type Freshness struct {
	TTLDays    int       `json:"ttl_days"`
	VerifiedAt time.Time `json:"verified_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	Status     string    `json:"status"`
}

// MemoryRecord is one stored fact, owned by exactly one owner.
type MemoryRecord struct {
	ID             string         `json:"id"`
	OwnerID        string         `json:"owner_id"`
	Type           MemoryType     `json:"memory_type"`
	Content        string         `json:"content"`
	Importance     int            `json:"importance"`
	AccessCount    int            `json:"access_count"`
	DuplicateHits  int            `json:"duplicate_hits"`
	LastAccessedAt *time.Time     `json:"last_accessed_at,omitempty"`
	VectorOffset   *int64         `json:"vector_offset,omitempty"`
	Metadata       Metadata       `json:"metadata"`
	ConflictStatus ConflictStatus `json:"conflict_status"`
	ConflictWith   []string       `json:"conflict_with,omitempty"`
	SupersededBy   string         `json:"superseded_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ScoredRecord is a record with its retrieval scores attached.
type ScoredRecord struct {
	Record       MemoryRecord `json:"record"`
	Score        float64      `json:"score"`
	BlendedScore float64      `json:"blended_score"`
	VectorScore  *float64     `json:"vector_score,omitempty"`
	TextScore    *float64     `json:"text_score,omitempty"`
}

// Snippet is the bounded preview form returned by SearchSnippets.
type Snippet struct {
	ID        string     `json:"id"`
	Type      MemoryType `json:"memory_type"`
	Preview   string     `json:"preview"`
	Score     float64    `json:"score"`
	CreatedAt time.Time  `json:"created_at"`
}

// SearchOptions configures hybrid search behavior. MinScore is a pointer so
// an explicit zero cutoff is distinguishable from "no cutoff"; final scores
// can be negative once staleness and conflict penalties apply.
type SearchOptions struct {
	TopK       int        `json:"top_k"`
	TypeFilter MemoryType `json:"type_filter,omitempty"`
	MinScore   *float64   `json:"min_score,omitempty"`
}

// CompactOptions configures a compaction pass.
type CompactOptions struct {
	DedupeThreshold float64 `json:"dedupe_threshold"`
	StaleDays       int     `json:"stale_days"`
	DryRun          bool    `json:"dry_run"`
}

// CompactResult summarizes one compaction pass.
type CompactResult struct {
	TotalBefore  int `json:"total_before"`
	Deduplicated int `json:"deduplicated"`
	PrunedStale  int `json:"pruned_stale"`
	TotalAfter   int `json:"total_after"`
}

// MaintenanceReport is a read-only health summary for one owner.
type MaintenanceReport struct {
	RunID            string        `json:"run_id"`
	TotalRecords     int           `json:"total_records"`
	PendingConflicts int           `json:"pending_conflicts"`
	StaleRecords     int           `json:"stale_records"`
	WouldCompact     CompactResult `json:"would_compact"`
	GeneratedAt      time.Time     `json:"generated_at"`
}

// ScheduledResult reports the outcome of a scheduled maintenance attempt.
type ScheduledResult struct {
	Ran       bool           `json:"ran"`
	Reason    string         `json:"reason,omitempty"`
	NextRunAt *time.Time     `json:"next_run_at,omitempty"`
	Compacted *CompactResult `json:"compacted,omitempty"`
}

// Sentinel errors. Index-layer failures (embedding, FTS, vector) never surface
// through these; they degrade to the remaining retrieval paths and are logged.
var (
	// ErrNotFound is returned for an unknown record id.
	ErrNotFound = errors.New("memory record not found")
	// ErrInvalidAction is returned for an unsupported conflict resolution action.
	ErrInvalidAction = errors.New("invalid conflict resolution action")
)
