package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

func init() {
	// Auto-register sqlite-vec extension
	sqlite_vec.Auto()
}

// Store is the durable layer under the engine: the relational record table,
// the FTS5 lexical shadow, the vec0 vector index and the per-owner preference
// table, all in one SQLite database.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	dim    int

	// offsetMu serializes vector offset allocation; offsets are append-only
	// and never reused, even after record deletion.
	offsetMu   sync.Mutex
	nextOffset int64
}

// NewStore opens (creating if needed) the database at dbPath. dim is the
// embedding dimension; zero disables the vector table.
func NewStore(dbPath string, dim int, logger zerolog.Logger) (*Store, error) {
	if dbPath == "" {
		return nil, errors.New("database path is required")
	}

	// Busy timeout keeps concurrent writers (async access bumps vs saves) from
	// failing immediately with SQLITE_BUSY on separate pool connections.
	db, err := sql.Open("sqlite3", dbPath+"?_fts5=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		dim:    dim,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if dim > 0 {
		if err := s.db.QueryRow("SELECT COALESCE(MAX(offset), 0) FROM records_vec").Scan(&s.nextOffset); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to load vector offset: %w", err)
		}
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			content TEXT NOT NULL,
			importance INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			duplicate_hits INTEGER NOT NULL DEFAULT 0,
			last_accessed_at INTEGER,
			vector_offset INTEGER,
			metadata TEXT NOT NULL DEFAULT '{}',
			conflict_status TEXT NOT NULL DEFAULT 'none',
			conflict_with TEXT NOT NULL DEFAULT '[]',
			superseded_by TEXT NOT NULL DEFAULT '',
			fact_key TEXT NOT NULL DEFAULT '',
			fact_value TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_records_owner_created ON records(owner_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_records_owner_type ON records(owner_id, memory_type, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_records_fact ON records(owner_id, memory_type, fact_key);

		CREATE VIRTUAL TABLE IF NOT EXISTS records_fts USING fts5(
			record_id UNINDEXED,
			owner_id UNINDEXED,
			content,
			tokenize='unicode61 tokenchars ''@._+-'''
		);

		CREATE TABLE IF NOT EXISTS preferences (
			owner_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (owner_id, key)
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Vector table only exists when an embedding dimension is configured
	if s.dim > 0 {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS records_vec USING vec0(
				offset INTEGER PRIMARY KEY,
				owner_id TEXT partition key,
				embedding float[%d] distance_metric=cosine
			);
		`, s.dim)
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}

	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const recordColumns = `id, owner_id, memory_type, content, importance, access_count,
	duplicate_hits, last_accessed_at, vector_offset, metadata, conflict_status,
	conflict_with, superseded_by, fact_key, fact_value, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*MemoryRecord, error) {
	var (
		rec          MemoryRecord
		typ          string
		lastAccessed sql.NullInt64
		vectorOffset sql.NullInt64
		metaRaw      string
		status       string
		conflictRaw  string
		factKey      string
		factValue    string
		createdAt    int64
		updatedAt    int64
	)

	err := row.Scan(&rec.ID, &rec.OwnerID, &typ, &rec.Content, &rec.Importance,
		&rec.AccessCount, &rec.DuplicateHits, &lastAccessed, &vectorOffset,
		&metaRaw, &status, &conflictRaw, &rec.SupersededBy, &factKey, &factValue,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.Type = MemoryType(typ)
	rec.ConflictStatus = ConflictStatus(status)
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if lastAccessed.Valid {
		t := time.Unix(lastAccessed.Int64, 0).UTC()
		rec.LastAccessedAt = &t
	}
	if vectorOffset.Valid {
		off := vectorOffset.Int64
		rec.VectorOffset = &off
	}

	rec.Metadata = decodeMetadata(metaRaw, rec.Type, rec.CreatedAt)

	// Malformed conflict links degrade to an empty set, mirroring metadata
	if err := json.Unmarshal([]byte(conflictRaw), &rec.ConflictWith); err != nil {
		rec.ConflictWith = nil
	}

	return &rec, nil
}

// insertRecord writes the record row and its lexical shadow in one transaction.
func (s *Store) insertRecord(ctx context.Context, rec *MemoryRecord, factSig *factSignature) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	conflictJSON, err := json.Marshal(emptyIfNil(rec.ConflictWith))
	if err != nil {
		return fmt.Errorf("failed to marshal conflict links: %w", err)
	}

	var factKey, factValue string
	if factSig != nil {
		factKey, factValue = factSig.Key, factSig.Value
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (id, owner_id, memory_type, content, importance,
			access_count, duplicate_hits, metadata, conflict_status, conflict_with,
			fact_key, fact_value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.OwnerID, string(rec.Type), rec.Content, rec.Importance,
		string(metaJSON), string(rec.ConflictStatus), string(conflictJSON),
		factKey, factValue, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO records_fts (record_id, owner_id, content) VALUES (?, ?, ?)",
		rec.ID, rec.OwnerID, ftsDocument(rec.Content),
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// mergeDuplicate refreshes an existing record in place of creating a new one.
func (s *Store) mergeDuplicate(ctx context.Context, id string, importance int, meta Metadata, now time.Time) error {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE records
		SET importance = ?, metadata = ?, duplicate_hits = duplicate_hits + 1,
			last_accessed_at = ?, updated_at = ?
		WHERE id = ?`,
		importance, string(metaJSON), now.Unix(), now.Unix(), id,
	)
	return err
}

// getRecord fetches one record scoped to its owner.
func (s *Store) getRecord(ctx context.Context, ownerID, id string) (*MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE owner_id = ? AND id = ?", ownerID, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// getRecordByID fetches one record regardless of owner; used by the conflict
// lifecycle where the caller holds only the record id.
func (s *Store) getRecordByID(ctx context.Context, id string) (*MemoryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+recordColumns+" FROM records WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *Store) queryRecords(ctx context.Context, query string, args ...any) ([]MemoryRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// recentByOwnerType returns the owner's newest records of one type, live
// records only (superseded records are invisible to the gate).
func (s *Store) recentByOwnerType(ctx context.Context, ownerID string, typ MemoryType, limit int) ([]MemoryRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE owner_id = ? AND memory_type = ? AND conflict_status != ?
		ORDER BY created_at DESC, id DESC LIMIT ?`,
		ownerID, string(typ), string(ConflictSuperseded), limit)
}

// findFactConflicts returns live records of the same owner+type claiming a
// different value for the same fact subject.
func (s *Store) findFactConflicts(ctx context.Context, ownerID string, typ MemoryType, sig factSignature) ([]MemoryRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE owner_id = ? AND memory_type = ? AND fact_key = ? AND fact_value != ?
			AND conflict_status != ?`,
		ownerID, string(typ), sig.Key, sig.Value, string(ConflictSuperseded))
}

// recordsByIDs loads live records for a candidate id set, owner-scoped.
// Superseded records stay out of retrieval results.
func (s *Store) recordsByIDs(ctx context.Context, ownerID string, ids []string) ([]MemoryRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, ownerID, string(ConflictSuperseded))
	for _, id := range ids {
		args = append(args, id)
	}
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE owner_id = ? AND conflict_status != ? AND id IN (`+placeholders(len(ids))+`)`, args...)
}

// allByOwnerNewestFirst returns every record for an owner, newest first; used
// by the compaction pass.
func (s *Store) allByOwnerNewestFirst(ctx context.Context, ownerID string) ([]MemoryRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE owner_id = ? ORDER BY created_at DESC, id DESC`, ownerID)
}

// setConflictState updates one record's conflict bookkeeping.
func (s *Store) setConflictState(ctx context.Context, id string, status ConflictStatus, conflictWith []string, supersededBy string, now time.Time) error {
	linksJSON, err := json.Marshal(emptyIfNil(conflictWith))
	if err != nil {
		return fmt.Errorf("failed to marshal conflict links: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE records
		SET conflict_status = ?, conflict_with = ?, superseded_by = ?, updated_at = ?
		WHERE id = ?`,
		string(status), string(linksJSON), supersededBy, now.Unix(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// listByConflictStatus returns the owner's records in a given conflict state.
func (s *Store) listByConflictStatus(ctx context.Context, ownerID string, status ConflictStatus) ([]MemoryRecord, error) {
	return s.queryRecords(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE owner_id = ? AND conflict_status = ?
		ORDER BY created_at DESC, id DESC`, ownerID, string(status))
}

// bumpAccess updates access stats for retrieved records.
func (s *Store) bumpAccess(ctx context.Context, ids []string, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, now.Unix())
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// setVectorOffset records the append-only vector slot for a record. The
// offset never changes once set.
func (s *Store) setVectorOffset(ctx context.Context, id string, offset int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE records SET vector_offset = ? WHERE id = ? AND vector_offset IS NULL", offset, id)
	return err
}

// appendVector appends an embedding to the vector index and returns its
// offset. Offsets are monotonically increasing and never reused.
func (s *Store) appendVector(ctx context.Context, ownerID string, embedding []float32) (int64, error) {
	if s.dim == 0 {
		return 0, errors.New("vector index not configured")
	}
	if len(embedding) != s.dim {
		return 0, fmt.Errorf("embedding dimension mismatch: want %d, got %d", s.dim, len(embedding))
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	s.offsetMu.Lock()
	defer s.offsetMu.Unlock()

	offset := s.nextOffset + 1
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO records_vec (offset, owner_id, embedding) VALUES (?, ?, ?)",
		offset, ownerID, string(embeddingJSON))
	if err != nil {
		return 0, err
	}
	s.nextOffset = offset
	return offset, nil
}

type vectorHit struct {
	offset     int64
	similarity float64
}

// vectorSearch runs owner-partitioned KNN over the vector index.
func (s *Store) vectorSearch(ctx context.Context, ownerID string, embedding []float32, k int) ([]vectorHit, error) {
	if s.dim == 0 {
		return nil, errors.New("vector index not configured")
	}

	embeddingJSON, err := json.Marshal(embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT offset, distance FROM records_vec
		WHERE embedding MATCH ? AND owner_id = ? AND k = ?`,
		string(embeddingJSON), ownerID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []vectorHit
	for rows.Next() {
		var offset int64
		var distance float64
		if err := rows.Scan(&offset, &distance); err != nil {
			return nil, err
		}
		// Cosine distance is in [0,2]; 1-distance gives similarity in [-1,1]
		hits = append(hits, vectorHit{offset: offset, similarity: 1.0 - distance})
	}
	return hits, rows.Err()
}

// idsByVectorOffsets maps vector offsets back to live record ids.
func (s *Store) idsByVectorOffsets(ctx context.Context, ownerID string, offsets []int64) (map[int64]string, error) {
	if len(offsets) == 0 {
		return map[int64]string{}, nil
	}
	args := make([]any, 0, len(offsets)+2)
	args = append(args, ownerID, string(ConflictSuperseded))
	for _, off := range offsets {
		args = append(args, off)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT vector_offset, id FROM records
		WHERE owner_id = ? AND conflict_status != ?
			AND vector_offset IN (`+placeholders(len(offsets))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]string, len(offsets))
	for rows.Next() {
		var off int64
		var id string
		if err := rows.Scan(&off, &id); err != nil {
			return nil, err
		}
		out[off] = id
	}
	return out, rows.Err()
}

type lexicalHit struct {
	recordID  string
	bm25Score float64
}

// lexicalSearch runs FTS5 BM25 ranking over the owner's lexical shadow.
func (s *Store) lexicalSearch(ctx context.Context, ownerID, matchExpr string, limit int) ([]lexicalHit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT record_id, bm25(records_fts) AS score
		FROM records_fts
		WHERE records_fts MATCH ? AND owner_id = ?
		ORDER BY score LIMIT ?`,
		matchExpr, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []lexicalHit
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		// BM25 scores are negative, convert to positive
		hits = append(hits, lexicalHit{recordID: id, bm25Score: -score})
	}
	return hits, rows.Err()
}

// substringSearch is the exact-phrase recall fallback, bounded to the owner's
// most recent window.
func (s *Store) substringSearch(ctx context.Context, ownerID, needle string, window, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM (
			SELECT id, content FROM records
			WHERE owner_id = ? AND conflict_status != ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		)
		WHERE instr(lower(content), ?) > 0
		LIMIT ?`,
		ownerID, string(ConflictSuperseded), window, strings.ToLower(needle), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// deleteRecords removes records and their lexical shadow rows. Vector slots
// are left orphaned on purpose; the index is append-only.
func (s *Store) deleteRecords(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids))
	for _, id := range ids {
		args = append(args, id)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ph := placeholders(len(ids))
	if _, err := tx.ExecContext(ctx, "DELETE FROM records WHERE id IN ("+ph+")", args...); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM records_fts WHERE record_id IN ("+ph+")", args...); err != nil {
		return err
	}

	return tx.Commit()
}

// countRecords returns the owner's total record count.
func (s *Store) countRecords(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE owner_id = ?", ownerID).Scan(&n)
	return n, err
}

// countByConflictStatus returns how many of the owner's records are in the
// given conflict state.
func (s *Store) countByConflictStatus(ctx context.Context, ownerID string, status ConflictStatus) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM records WHERE owner_id = ? AND conflict_status = ?",
		ownerID, string(status)).Scan(&n)
	return n, err
}

// SetPreference stores a per-owner key/value preference.
func (s *Store) SetPreference(ctx context.Context, ownerID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (owner_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		ownerID, key, value, time.Now().Unix())
	return err
}

// GetPreference fetches a per-owner preference; ok is false when unset.
func (s *Store) GetPreference(ctx context.Context, ownerID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM preferences WHERE owner_id = ? AND key = ?", ownerID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
