package memory

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/ingat/internal/config"
	"github.com/harun/ingat/internal/logger"
)

// substringFallbackScore is the fixed moderate score given to exact-phrase
// hits that neither ranking path surfaced.
const substringFallbackScore = 0.45

// Config holds engine configuration
type Config struct {
	DBPath            string
	Logger            zerolog.Logger
	EmbeddingProvider EmbeddingProvider // Optional, if nil vector search is skipped

	VectorWeight       float64 // default 0.7
	TextWeight         float64 // default 0.3
	DefaultTopK        int     // default 10
	SearchWindow       int     // default 500
	DuplicateThreshold float64 // default 0.96
	DedupeWindow       int     // default 200

	CompactDedupeThreshold float64 // default 0.92
	StaleDays              int     // default 120
	MaintenanceInterval    int     // hours, default 24
}

func (c *Config) applyDefaults() {
	if c.VectorWeight == 0 && c.TextWeight == 0 {
		c.VectorWeight, c.TextWeight = 0.7, 0.3
	}
	if c.DefaultTopK == 0 {
		c.DefaultTopK = 10
	}
	if c.SearchWindow == 0 {
		c.SearchWindow = 500
	}
	if c.DuplicateThreshold == 0 {
		c.DuplicateThreshold = 0.96
	}
	if c.DedupeWindow == 0 {
		c.DedupeWindow = 200
	}
	if c.CompactDedupeThreshold == 0 {
		c.CompactDedupeThreshold = 0.92
	}
	if c.StaleDays == 0 {
		c.StaleDays = 120
	}
	if c.MaintenanceInterval == 0 {
		c.MaintenanceInterval = 24
	}
}

// Engine is the hybrid memory retrieval engine: ingestion gate, retrieval,
// conflict lifecycle and maintenance over one Store.
type Engine struct {
	store    *Store
	logger   zerolog.Logger
	provider EmbeddingProvider
	cfg      Config

	// logCloser is set when the engine built its own logger from app config
	// and therefore owns the log file handle.
	logCloser io.Closer

	// ownerLocks serializes the duplicate-check-then-insert sequence per
	// owner. Saves from other processes against the same database can still
	// race; that gap is accepted for low per-owner write concurrency.
	ownerMu    sync.Mutex
	ownerLocks map[string]*sync.Mutex
}

// New creates a new engine
func New(cfg Config) (*Engine, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	cfg.applyDefaults()

	dim := 0
	if cfg.EmbeddingProvider != nil {
		dim = cfg.EmbeddingProvider.Dimension()
	}

	store, err := NewStore(cfg.DBPath, dim, cfg.Logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		store:      store,
		logger:     cfg.Logger,
		provider:   cfg.EmbeddingProvider,
		cfg:        cfg,
		ownerLocks: make(map[string]*sync.Mutex),
	}

	e.logger.Info().
		Bool("vector_enabled", cfg.EmbeddingProvider != nil).
		Msg("Memory engine initialized")
	return e, nil
}

// NewFromAppConfig builds an engine from the application configuration: the
// logger from its logging section, the shared OpenAI provider when one is
// configured. Close releases the log file along with the store.
func NewFromAppConfig(appCfg *config.Config) (*Engine, error) {
	if err := appCfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Config{
		Level:   appCfg.Logging.Level,
		File:    appCfg.Logging.File,
		Console: appCfg.Logging.Console,
		Pretty:  appCfg.Logging.Pretty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	var provider EmbeddingProvider
	if appCfg.Embedding.Provider == "openai" && appCfg.Embedding.APIKey != "" {
		provider = DefaultOpenAIProvider(appCfg.Embedding.APIKey, appCfg.Embedding.Model)
	}

	e, err := New(Config{
		DBPath:                 appCfg.DBPath,
		Logger:                 log.GetZerolog(),
		EmbeddingProvider:      provider,
		VectorWeight:           appCfg.Retrieval.VectorWeight,
		TextWeight:             appCfg.Retrieval.TextWeight,
		DefaultTopK:            appCfg.Retrieval.DefaultTopK,
		SearchWindow:           appCfg.Retrieval.SearchWindow,
		DuplicateThreshold:     appCfg.Ingestion.DuplicateThreshold,
		DedupeWindow:           appCfg.Ingestion.DedupeWindow,
		CompactDedupeThreshold: appCfg.Maintenance.DedupeThreshold,
		StaleDays:              appCfg.Maintenance.StaleDays,
		MaintenanceInterval:    appCfg.Maintenance.IntervalHours,
	})
	if err != nil {
		log.Close()
		return nil, err
	}
	e.logCloser = log
	return e, nil
}

// Close closes the engine
func (e *Engine) Close() error {
	e.logger.Info().Msg("Closing memory engine")
	err := e.store.Close()
	if e.logCloser != nil {
		if cerr := e.logCloser.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (e *Engine) ownerLock(ownerID string) *sync.Mutex {
	e.ownerMu.Lock()
	defer e.ownerMu.Unlock()
	mu, ok := e.ownerLocks[ownerID]
	if !ok {
		mu = &sync.Mutex{}
		e.ownerLocks[ownerID] = mu
	}
	return mu
}

// Save stores one fact for an owner, merging near-duplicates and marking
// fact conflicts. It fails only when the record store write fails; embedding
// and index problems degrade to lexical-only visibility.
func (e *Engine) Save(ctx context.Context, ownerID, content string, typ MemoryType, meta map[string]any) (string, error) {
	if ownerID == "" {
		return "", errors.New("owner is required")
	}
	if content == "" {
		return "", errors.New("content is required")
	}
	if !typ.IsValid() {
		e.logger.Warn().Str("memory_type", string(typ)).Msg("Unknown memory type, storing as manual")
		typ = TypeManual
	}

	extra, dropped := sanitizeExtra(meta)
	if len(dropped) > 0 {
		e.logger.Warn().Strs("keys", dropped).Msg("Dropped non-scalar metadata keys")
	}

	mu := e.ownerLock(ownerID)
	mu.Lock()
	defer mu.Unlock()

	now := time.Now().UTC()

	// Duplicate scan over the recent same-type window
	normalized := normalizeContent(content)
	window, err := e.store.recentByOwnerType(ctx, ownerID, typ, e.cfg.DedupeWindow)
	if err != nil {
		return "", fmt.Errorf("duplicate scan failed: %w", err)
	}
	for i := range window {
		existing := &window[i]
		ratio := similarityRatio(normalized, normalizeContent(existing.Content))
		if ratio < e.cfg.DuplicateThreshold {
			continue
		}
		return existing.ID, e.mergeIntoExisting(ctx, existing, typ, extra, now)
	}

	// Fact-signature conflict detection; a conflict never blocks the save
	factSig := extractFactSignature(content)
	var conflicts []MemoryRecord
	if factSig != nil {
		conflicts, err = e.store.findFactConflicts(ctx, ownerID, typ, *factSig)
		if err != nil {
			e.logger.Warn().Err(err).Msg("Fact conflict scan failed")
			conflicts = nil
		}
	}

	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate record id: %w", err)
	}

	rec := &MemoryRecord{
		ID:         id,
		OwnerID:    ownerID,
		Type:       typ,
		Content:    content,
		Importance: computeImportance(content, typ, extra),
		Metadata: Metadata{
			Freshness: newFreshness(typ, ttlFromMeta(extra), now),
			Extra:     extra,
		},
		ConflictStatus: ConflictNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if len(conflicts) > 0 {
		rec.ConflictStatus = ConflictPendingReview
		for _, c := range conflicts {
			rec.ConflictWith = append(rec.ConflictWith, c.ID)
		}
	}

	if err := e.store.insertRecord(ctx, rec, factSig); err != nil {
		return "", fmt.Errorf("record store write failed: %w", err)
	}

	// Mirror the links so conflict_with stays symmetric
	for _, c := range conflicts {
		links := appendUnique(c.ConflictWith, id)
		if err := e.store.setConflictState(ctx, c.ID, ConflictPendingReview, links, "", now); err != nil {
			e.logger.Warn().Err(err).Str("record_id", c.ID).Msg("Failed to mirror conflict link")
		}
	}

	e.indexVector(ctx, rec)

	e.logger.Debug().
		Str("record_id", id).
		Str("owner_id", ownerID).
		Str("memory_type", string(typ)).
		Int("conflicts", len(conflicts)).
		Msg("Record saved")
	return id, nil
}

// mergeIntoExisting is the duplicate path: no new record, no new vector entry.
func (e *Engine) mergeIntoExisting(ctx context.Context, existing *MemoryRecord, typ MemoryType, extra map[string]any, now time.Time) error {
	merged := make(map[string]any, len(existing.Metadata.Extra)+len(extra))
	for k, v := range existing.Metadata.Extra {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	importance := computeImportance(existing.Content, typ, merged)
	if existing.Importance > importance {
		importance = existing.Importance
	}

	ttl := ttlFromMeta(merged)
	if ttl == 0 {
		ttl = existing.Metadata.Freshness.TTLDays
	}

	meta := Metadata{
		Freshness: newFreshness(typ, ttl, now),
		Extra:     merged,
	}

	if err := e.store.mergeDuplicate(ctx, existing.ID, importance, meta, now); err != nil {
		return fmt.Errorf("duplicate merge failed: %w", err)
	}

	e.logger.Debug().
		Str("record_id", existing.ID).
		Msg("Merged duplicate save into existing record")
	return nil
}

// indexVector appends an embedding for the record. Failure is logged and
// swallowed; the record stays lexically searchable.
func (e *Engine) indexVector(ctx context.Context, rec *MemoryRecord) {
	if e.provider == nil {
		return
	}

	embedding, err := e.provider.GenerateEmbedding(ctx, rec.Content)
	if err != nil {
		e.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("Embedding generation failed")
		return
	}

	offset, err := e.store.appendVector(ctx, rec.OwnerID, embedding)
	if err != nil {
		e.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("Vector append failed")
		return
	}

	if err := e.store.setVectorOffset(ctx, rec.ID, offset); err != nil {
		e.logger.Warn().Err(err).Str("record_id", rec.ID).Msg("Failed to persist vector offset")
	}
}

// Search runs hybrid retrieval: vector similarity, lexical ranking and an
// exact-substring fallback, merged and reranked. A degraded index layer
// narrows the candidate set but never fails the call.
func (e *Engine) Search(ctx context.Context, ownerID, query string, opts *SearchOptions) ([]ScoredRecord, error) {
	if ownerID == "" || query == "" {
		return []ScoredRecord{}, nil
	}
	if opts == nil {
		opts = &SearchOptions{}
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = e.cfg.DefaultTopK
	}
	candidateK := 2 * topK

	var (
		wg         sync.WaitGroup
		vectorSims map[string]float64
		lexScores  map[string]float64
		vectorErr  error
		lexErr     error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		vectorSims, vectorErr = e.vectorCandidates(ctx, ownerID, query, candidateK)
	}()
	go func() {
		defer wg.Done()
		lexScores, lexErr = e.lexicalCandidates(ctx, ownerID, query, candidateK)
	}()
	wg.Wait()

	if vectorErr != nil {
		e.logger.Warn().Err(vectorErr).Msg("Vector search failed, degrading")
	}
	if lexErr != nil {
		e.logger.Warn().Err(lexErr).Msg("Lexical search failed, degrading")
	}

	// Exact-substring fallback guarantees recall for phrase queries
	substringIDs, subErr := e.store.substringSearch(ctx, ownerID, query, e.cfg.SearchWindow, candidateK)
	if subErr != nil {
		if vectorErr != nil && lexErr != nil {
			return nil, fmt.Errorf("record store unavailable: %w", subErr)
		}
		e.logger.Warn().Err(subErr).Msg("Substring fallback failed, degrading")
	}

	candidates, err := e.mergeCandidates(ctx, ownerID, vectorSims, lexScores, substringIDs, opts.TypeFilter)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ranked := Rerank(candidates, now)

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	if opts.MinScore != nil {
		ranked = filterMinScore(ranked, *opts.MinScore)
	}

	// Best-effort access bump, decoupled from the response
	if len(ranked) > 0 {
		ids := make([]string, len(ranked))
		for i, r := range ranked {
			ids[i] = r.Record.ID
		}
		go func() {
			bumpCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := e.store.bumpAccess(bumpCtx, ids, now); err != nil {
				e.logger.Warn().Err(err).Msg("Access stat bump failed")
			}
		}()
	}

	e.logger.Debug().
		Str("owner_id", ownerID).
		Int("results", len(ranked)).
		Msg("Search completed")
	return ranked, nil
}

func (e *Engine) vectorCandidates(ctx context.Context, ownerID, query string, k int) (map[string]float64, error) {
	if e.provider == nil {
		return nil, nil
	}

	embedding, err := e.provider.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query embedding failed: %w", err)
	}

	hits, err := e.store.vectorSearch(ctx, ownerID, embedding, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	offsets := make([]int64, len(hits))
	for i, h := range hits {
		offsets[i] = h.offset
	}
	idByOffset, err := e.store.idsByVectorOffsets(ctx, ownerID, offsets)
	if err != nil {
		return nil, err
	}

	sims := make(map[string]float64, len(hits))
	for _, h := range hits {
		if id, ok := idByOffset[h.offset]; ok {
			sims[id] = h.similarity
		}
	}
	return sims, nil
}

func (e *Engine) lexicalCandidates(ctx context.Context, ownerID, query string, k int) (map[string]float64, error) {
	matchExpr := ftsQuery(query)
	if matchExpr == "" {
		return nil, nil
	}

	hits, err := e.store.lexicalSearch(ctx, ownerID, matchExpr, k)
	if err != nil {
		return nil, err
	}

	// Normalize BM25 to [0,1] by the best hit
	var maxScore float64
	for _, h := range hits {
		if h.bm25Score > maxScore {
			maxScore = h.bm25Score
		}
	}
	scores := make(map[string]float64, len(hits))
	for _, h := range hits {
		if maxScore > 0 {
			scores[h.recordID] = h.bm25Score / maxScore
		}
	}
	return scores, nil
}

func (e *Engine) mergeCandidates(ctx context.Context, ownerID string, vectorSims, lexScores map[string]float64, substringIDs []string, typeFilter MemoryType) ([]ScoredRecord, error) {
	type blend struct {
		blended   float64
		vecScore  *float64
		textScore *float64
	}
	blends := make(map[string]blend)

	ids := make(map[string]struct{}, len(vectorSims)+len(lexScores))
	for id := range vectorSims {
		ids[id] = struct{}{}
	}
	for id := range lexScores {
		ids[id] = struct{}{}
	}

	for id := range ids {
		var b blend
		if sim, ok := vectorSims[id]; ok {
			// Map cosine similarity [-1,1] to [0,1]
			v := (sim + 1) / 2
			b.vecScore = &v
			b.blended += v * e.cfg.VectorWeight
		}
		if ts, ok := lexScores[id]; ok {
			t := ts
			b.textScore = &t
			b.blended += t * e.cfg.TextWeight
		}
		blends[id] = b
	}

	// Substring hits the rankers missed get a fixed moderate score
	for _, id := range substringIDs {
		if _, ok := blends[id]; !ok {
			blends[id] = blend{blended: substringFallbackScore}
		}
	}

	if len(blends) == 0 {
		return nil, nil
	}

	allIDs := make([]string, 0, len(blends))
	for id := range blends {
		allIDs = append(allIDs, id)
	}
	records, err := e.store.recordsByIDs(ctx, ownerID, allIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}

	candidates := make([]ScoredRecord, 0, len(records))
	for _, rec := range records {
		if typeFilter != "" && rec.Type != typeFilter {
			continue
		}
		b := blends[rec.ID]
		candidates = append(candidates, ScoredRecord{
			Record:       rec,
			BlendedScore: b.blended,
			VectorScore:  b.vecScore,
			TextScore:    b.textScore,
		})
	}
	return candidates, nil
}

// snippetMaxRunes bounds SearchSnippets previews.
const snippetMaxRunes = 220

// SearchSnippets is the first stage of two-stage recall: bounded previews
// only, never full content. Callers fetch full records with GetDetail.
func (e *Engine) SearchSnippets(ctx context.Context, ownerID, query string, opts *SearchOptions) ([]Snippet, error) {
	results, err := e.Search(ctx, ownerID, query, opts)
	if err != nil {
		return nil, err
	}

	snippets := make([]Snippet, 0, len(results))
	for _, r := range results {
		snippets = append(snippets, Snippet{
			ID:        r.Record.ID,
			Type:      r.Record.Type,
			Preview:   truncateRunes(r.Record.Content, snippetMaxRunes),
			Score:     r.Score,
			CreatedAt: r.Record.CreatedAt,
		})
	}
	return snippets, nil
}

// GetDetail returns the full record for the second stage of two-stage recall.
func (e *Engine) GetDetail(ctx context.Context, ownerID, id string) (*MemoryRecord, error) {
	rec, err := e.store.getRecord(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := e.store.bumpAccess(ctx, []string{id}, now); err != nil {
		e.logger.Warn().Err(err).Str("record_id", id).Msg("Access stat bump failed")
	} else {
		rec.AccessCount++
		rec.LastAccessedAt = &now
	}

	return rec, nil
}

// filterMinScore drops results scoring below min, in place. A zero cutoff is
// meaningful: it keeps out results whose penalties pushed them negative.
func filterMinScore(ranked []ScoredRecord, min float64) []ScoredRecord {
	filtered := ranked[:0]
	for _, r := range ranked {
		if r.Score >= min {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

func ttlFromMeta(meta map[string]any) int {
	if v, ok := meta["ttl_days"]; ok {
		if n, ok := toInt(v); ok && n > 0 {
			return n
		}
	}
	return 0
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
