// Package rank scores retrieval candidates and selects a diversified
// top-k via maximal marginal relevance.
package rank

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/memvault/memvault/embed"
	"github.com/memvault/memvault/metric"
	"github.com/memvault/memvault/record"
)

// Scoring constants. These are part of the behavioral contract; do not tune.
const (
	similarityWeight = 0.7
	salienceWeight   = 0.2
	recencyWeight    = 0.1
	recencyFloor     = 0.85
	reusePenalty     = 0.8

	// DefaultDiversity is the MMR lambda used when the caller passes none.
	DefaultDiversity = 0.7

	// redundancyThreshold marks a candidate as a near-duplicate of an
	// already-selected result. Near-duplicates are deferred until nothing
	// else remains, which keeps the no-redundant-results guarantee even
	// when their combined score is high.
	redundancyThreshold = 0.95
)

// Options tunes a single retrieve call.
type Options struct {
	// Now anchors recency and cooldown checks. Zero means time.Now.
	Now time.Time
	// MaxResults caps the result list. Zero or negative means no results.
	MaxResults int
	// Diversity is the MMR lambda in [0,1]. 1.0 degenerates to pure top-k
	// by combined score, 0.0 to maximal mutual dissimilarity.
	Diversity *float64
	// CooldownWindow is how recently a record must have been used for the
	// reuse penalty to apply.
	CooldownWindow time.Duration
	// IncludeSensitive admits records flagged sensitive.
	IncludeSensitive bool
	// IgnoreCooldown admits records whose cooldown window is still open.
	IgnoreCooldown bool
}

// Result is a ranked candidate with its scores exposed for debugging.
type Result struct {
	Candidate record.Candidate
	// Similarity is the raw cosine similarity to the query.
	Similarity float64
	// Score is the combined, penalty-adjusted score used for selection.
	Score float64
}

// Ranker scores and diversifies candidates. Stateless apart from its
// embedder; safe to reuse across calls.
type Ranker struct {
	embedder embed.Embedder
	logger   *slog.Logger
}

// New creates a Ranker. A nil logger disables logging.
func New(embedder embed.Embedder, logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ranker{embedder: embedder, logger: logger}
}

type scored struct {
	cand       record.Candidate
	vec        []float32
	similarity float64
	score      float64
}

// Retrieve ranks candidates against the query text.
//
// Given identical inputs and embedding function the output is identical:
// ties break on ascending record id, never on map order or randomness.
func (r *Ranker) Retrieve(ctx context.Context, query string, candidates []record.Candidate, opts Options) ([]Result, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if opts.MaxResults <= 0 {
		return nil, nil
	}

	survivors := r.filter(candidates, now, opts)
	if len(survivors) == 0 {
		return nil, nil
	}

	queryVec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	pool := make([]scored, 0, len(survivors))
	for _, c := range survivors {
		vec := c.Embedding
		if vec == nil {
			vec, err = r.embedder.Embed(ctx, c.Content)
			if err != nil {
				return nil, fmt.Errorf("failed to embed candidate %s: %w", c.ID, err)
			}
		}

		sim, err := metric.CosineSimilarity(queryVec, vec)
		if err != nil {
			return nil, err
		}

		score := similarityWeight*float64(sim) +
			salienceWeight*c.Salience +
			recencyWeight*recencyBoost(c.CreatedAt, now)
		if recentlyUsed(c.LastUsedAt, now, opts.CooldownWindow) {
			score *= reusePenalty
		}

		pool = append(pool, scored{cand: c, vec: vec, similarity: float64(sim), score: score})
	}

	sort.SliceStable(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].cand.ID < pool[j].cand.ID
	})

	lambda := DefaultDiversity
	if opts.Diversity != nil {
		lambda = clamp01(*opts.Diversity)
	}

	selected, err := r.selectMMR(pool, opts.MaxResults, lambda)
	if err != nil {
		return nil, err
	}

	out := make([]Result, len(selected))
	for i, s := range selected {
		out[i] = Result{Candidate: s.cand, Similarity: s.similarity, Score: s.score}
	}
	return out, nil
}

func (r *Ranker) filter(candidates []record.Candidate, now time.Time, opts Options) []record.Candidate {
	out := make([]record.Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Sensitive && !opts.IncludeSensitive {
			continue
		}
		if !opts.IgnoreCooldown && c.Cooldown != nil && c.Cooldown.After(now) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// selectMMR greedily picks the best-scored item, then repeatedly the item
// maximizing lambda*score - (1-lambda)*maxSimToSelected.
func (r *Ranker) selectMMR(pool []scored, k int, lambda float64) ([]scored, error) {
	if len(pool) == 0 {
		return nil, nil
	}
	if k > len(pool) {
		k = len(pool)
	}

	selected := make([]scored, 0, k)
	remaining := make([]scored, len(pool))
	copy(remaining, pool)

	// The pool is pre-sorted, so the first pick is the top combined score.
	selected = append(selected, remaining[0])
	remaining = remaining[1:]

	for len(selected) < k && len(remaining) > 0 {
		bestIdx := -1
		bestMMR := 0.0
		bestRedundant := false
		for i, cand := range remaining {
			maxSim := 0.0
			for _, s := range selected {
				sim, err := metric.CosineSimilarity(cand.vec, s.vec)
				if err != nil {
					return nil, err
				}
				if float64(sim) > maxSim {
					maxSim = float64(sim)
				}
			}

			// At lambda 1.0 selection is pure top-k by combined score, so
			// near-duplicate suppression is off.
			redundant := lambda < 1 && maxSim >= redundancyThreshold

			mmr := lambda*cand.score - (1-lambda)*maxSim
			better := bestIdx == -1 ||
				(bestRedundant && !redundant) ||
				(bestRedundant == redundant && mmr > bestMMR)
			if better {
				bestIdx = i
				bestMMR = mmr
				bestRedundant = redundant
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return selected, nil
}

// recencyBoost decays linearly over a year with a floor of 0.85.
func recencyBoost(createdAt, now time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	boost := 1 - ageDays/365
	if boost < recencyFloor {
		boost = recencyFloor
	}
	return boost
}

func recentlyUsed(lastUsed *time.Time, now time.Time, window time.Duration) bool {
	if lastUsed == nil || window <= 0 {
		return false
	}
	return now.Sub(*lastUsed) < window
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
