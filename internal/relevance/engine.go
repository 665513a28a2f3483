// Package relevance implements the two-stage retrieval engine.
//
// Stage 1 scores every record in the tenant using metadata only (label,
// preview, key concepts, priority) and selects the top-K candidates. Stage 2
// fetches full content and embedding similarity for those K survivors alone.
// The engine never loads more than K records' full content regardless of
// tenant size; that bound is what separates it from a naive full scan.
package relevance

import (
	"context"
	"errors"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/memlockd/internal/config"
	"github.com/fyrsmithlabs/memlockd/internal/embeddings"
	"github.com/fyrsmithlabs/memlockd/internal/lockstore"
	"github.com/fyrsmithlabs/memlockd/internal/tenant"
)

const instrumentationName = "github.com/fyrsmithlabs/memlockd/internal/relevance"

// Stage-1 scoring weights: a label hit outweighs a concept hit outweighs a
// preview hit. Standing rules get a small constant boost.
const (
	labelWeight      = 3.0
	conceptWeight    = 2.0
	previewWeight    = 1.0
	alwaysCheckBoost = 0.5
	contentHitWeight = 0.5
	similarityWeight = 2.0
	maxQueryTokens   = 32
	minTokenLength   = 3
)

// ErrEmptyQuery indicates a blank relevance query.
var ErrEmptyQuery = errors.New("query text is required")

// Store is the storage surface the engine consumes. lockstore.Service
// implements it; tests substitute a counting fake to verify the bounded
// deep-fetch invariant.
type Store interface {
	// Metadata returns cheap stage-1 rows for the whole tenant.
	Metadata(ctx context.Context, h tenant.Handle) ([]lockstore.Meta, error)

	// Deep returns full content and stored embedding for one lock version.
	Deep(ctx context.Context, h tenant.Handle, label string, version lockstore.Version) (string, []float32, error)
}

// Match is one ranked retrieval result.
type Match struct {
	Label   string  `json:"label"`
	Version string  `json:"version"`
	Score   float64 `json:"score"`
	Preview string  `json:"preview"`
}

// Engine ranks stored contexts against free text.
type Engine struct {
	store  Store
	oracle embeddings.Oracle
	cfg    config.RelevanceConfig
	logger *zap.Logger

	tracer        trace.Tracer
	meter         metric.Meter
	queryCounter  metric.Int64Counter
	candidateHist metric.Int64Histogram
}

// NewEngine creates a relevance engine. oracle may be nil, in which case
// stage 2 uses content refinement only.
func NewEngine(store Store, oracle embeddings.Oracle, cfg config.RelevanceConfig, logger *zap.Logger) (*Engine, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.TopK <= 0 {
		return nil, errors.New("top_k must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		store:  store,
		oracle: oracle,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	e.initMetrics()
	return e, nil
}

func (e *Engine) initMetrics() {
	var err error

	e.queryCounter, err = e.meter.Int64Counter(
		"memlockd.relevance.queries_total",
		metric.WithDescription("Total relevance queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		e.logger.Warn("failed to create query counter", zap.Error(err))
	}

	e.candidateHist, err = e.meter.Int64Histogram(
		"memlockd.relevance.stage1_candidates",
		metric.WithDescription("Stage-1 candidate counts per query"),
		metric.WithUnit("{candidate}"),
	)
	if err != nil {
		e.logger.Warn("failed to create candidate histogram", zap.Error(err))
	}
}

// Check returns up to limit ranked matches for the query. limit values
// above the configured top-K are clamped: stage 2 never widens the deep
// fetch window.
func (e *Engine) Check(ctx context.Context, h tenant.Handle, query string, limit int) ([]Match, error) {
	ctx, span := e.tracer.Start(ctx, "relevance.Check",
		trace.WithAttributes(attribute.String("tenant", h.Name)))
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	// A real query made entirely of stopwords or short words carries no
	// signal to rank on; that is a no-match result, not a caller error.
	tokens := tokenize(query)
	if len(tokens) == 0 {
		return []Match{}, nil
	}
	if limit <= 0 || limit > e.cfg.TopK {
		limit = e.cfg.TopK
	}

	metas, err := e.store.Metadata(ctx, h)
	if err != nil {
		return nil, err
	}
	if e.queryCounter != nil {
		e.queryCounter.Add(ctx, 1)
	}
	if e.candidateHist != nil {
		e.candidateHist.Record(ctx, int64(len(metas)))
	}

	survivors := e.stageOne(metas, tokens)
	if len(survivors) == 0 {
		return []Match{}, nil
	}

	e.stageTwo(ctx, h, survivors, tokens, query)

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].score != survivors[j].score {
			return survivors[i].score > survivors[j].score
		}
		return survivors[i].meta.LastAccessed.After(survivors[j].meta.LastAccessed)
	})

	if len(survivors) > limit {
		survivors = survivors[:limit]
	}
	matches := make([]Match, len(survivors))
	for i, c := range survivors {
		matches[i] = Match{
			Label:   c.meta.Label,
			Version: c.meta.Version.String(),
			Score:   c.score,
			Preview: c.meta.Preview,
		}
	}
	return matches, nil
}

type candidate struct {
	meta  lockstore.Meta
	score float64
}

// stageOne scores all metadata rows and keeps the top-K by score, ties
// broken by most recent access.
func (e *Engine) stageOne(metas []lockstore.Meta, tokens []string) []*candidate {
	var candidates []*candidate
	for _, m := range metas {
		score := scoreMeta(m, tokens)
		if score <= 0 {
			continue
		}
		candidates = append(candidates, &candidate{meta: m, score: score})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].meta.LastAccessed.After(candidates[j].meta.LastAccessed)
	})

	if len(candidates) > e.cfg.TopK {
		candidates = candidates[:e.cfg.TopK]
	}
	return candidates
}

// stageTwo refines survivor scores with full content hits and, when both a
// query embedding and a stored embedding exist, cosine similarity. Oracle
// unavailability degrades transparently to the keyword path.
func (e *Engine) stageTwo(ctx context.Context, h tenant.Handle, survivors []*candidate, tokens []string, query string) {
	var queryVec []float32
	if e.oracle != nil {
		vec, err := e.oracle.EmbedQuery(ctx, query)
		if err != nil {
			e.logger.Debug("query embedding unavailable, using keyword ranking only", zap.Error(err))
		} else {
			queryVec = vec
		}
	}

	for _, c := range survivors {
		content, storedVec, err := e.store.Deep(ctx, h, c.meta.Label, c.meta.Version)
		if err != nil {
			e.logger.Warn("deep fetch failed, keeping stage-1 score",
				zap.String("label", c.meta.Label), zap.Error(err))
			continue
		}

		c.score += contentHitWeight * float64(countHits(strings.ToLower(content), tokens))

		if len(queryVec) > 0 && len(storedVec) > 0 {
			sim := embeddings.CosineSimilarity(queryVec, storedVec)
			if sim >= e.cfg.SimilarityThreshold {
				c.score += similarityWeight * sim
			}
		}
	}
}

// scoreMeta computes the weighted stage-1 keyword overlap score.
func scoreMeta(m lockstore.Meta, tokens []string) float64 {
	label := strings.ToLower(m.Label)
	preview := strings.ToLower(m.Preview)
	concepts := strings.ToLower(strings.Join(m.KeyConcepts, " "))

	score := labelWeight*float64(countHits(label, tokens)) +
		conceptWeight*float64(countHits(concepts, tokens)) +
		previewWeight*float64(countHits(preview, tokens))
	if score > 0 && m.Priority == lockstore.PriorityAlwaysCheck {
		score += alwaysCheckBoost
	}
	return score
}

// countHits counts distinct query tokens appearing in text.
func countHits(text string, tokens []string) int {
	hits := 0
	for _, tok := range tokens {
		if strings.Contains(text, tok) {
			hits++
		}
	}
	return hits
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "are": true, "was": true, "has": true, "have": true,
	"not": true, "but": true, "you": true, "all": true, "can": true,
	"use": true, "how": true, "what": true, "when": true, "where": true,
}

// tokenize lowercases and splits query text, dropping stopwords, short
// tokens and duplicates.
func tokenize(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})

	seen := make(map[string]bool, len(fields))
	var tokens []string
	for _, f := range fields {
		if len(f) < minTokenLength || stopwords[f] || seen[f] {
			continue
		}
		seen[f] = true
		tokens = append(tokens, f)
		if len(tokens) == maxQueryTokens {
			break
		}
	}
	return tokens
}
