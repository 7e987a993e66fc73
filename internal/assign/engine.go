// Package assign distributes searched images across the chapters of a video.
// A pass runs five one-way phases: broad search, filter, score, distribute
// and validate.
package assign

import (
	"context"
	"log/slog"

	"reelcast/server/internal/model"
	"reelcast/server/internal/provider"
)

type Options struct {
	CandidateMultiplier int
	CandidateCap        int
	MinDimension        int
	// Global switches to the wider per-chapter caps.
	Global bool
}

type Engine struct {
	searcher provider.ImageSearcher
	semantic *SemanticAssigner
	opts     Options
	logger   *slog.Logger
}

// Outcome is one assignment pass. Images indexes every surviving candidate
// by id so callers can resolve assigned ids to URLs.
type Outcome struct {
	Results  []model.AssignmentResult
	Images   map[string]model.ImageCandidate
	Report   Report
	Fallback bool
}

func NewEngine(searcher provider.ImageSearcher, semantic *SemanticAssigner, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CandidateMultiplier <= 0 {
		opts.CandidateMultiplier = 3
	}
	if opts.CandidateCap <= 0 {
		opts.CandidateCap = 50
	}
	return &Engine{searcher: searcher, semantic: semantic, opts: opts, logger: logger}
}

func (e *Engine) caps() Caps {
	if e.opts.Global {
		return GlobalCaps
	}
	return DefaultCaps
}

// Assign runs one pass. Search failures degrade to an empty assignment; the
// assembler fills empty chapters with placeholders.
func (e *Engine) Assign(ctx context.Context, topic string, chapters []model.ChapterInfo) (Outcome, error) {
	out := Outcome{Images: map[string]model.ImageCandidate{}}
	query, count := BroadQuery(topic, chapters, e.opts.CandidateMultiplier, e.opts.CandidateCap)

	var raw []model.ImageCandidate
	if e.searcher != nil && query != "" {
		var err error
		raw, err = e.searcher.Search(ctx, query, provider.SearchOptions{Count: count, Safety: "strict"})
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			e.logger.Warn("image_search_failed", "query", query, "error", err)
			raw = nil
		}
	}
	cands := Filter(raw, e.opts.MinDimension)
	for _, c := range cands {
		out.Images[c.ID] = c
	}
	e.logger.Info("image_candidates", "query", query, "requested", count, "returned", len(raw), "kept", len(cands))

	caps := e.caps()
	scored := Score(cands, chapters)

	limits := Limits(chapters, caps)
	if e.semantic != nil {
		out.Results, out.Fallback = e.assignSemantic(ctx, cands, chapters, limits)
		if out.Fallback {
			limits = uniformLimits(len(chapters), max(caps.High, roundRobinPerChapter))
		}
	} else {
		out.Results = Distribute(scored, chapters, caps)
	}

	rep, err := Validate(out.Results, scored, chapters, limits, e.logger)
	if err != nil {
		return out, err
	}
	out.Report = rep
	return out, nil
}

const roundRobinPerChapter = 2

// assignSemantic holds a model reply to the same per-chapter limits as the
// heuristic distributor.
func (e *Engine) assignSemantic(ctx context.Context, cands []model.ImageCandidate, chapters []model.ChapterInfo, limits []int) ([]model.AssignmentResult, bool) {
	resp, err := e.semantic.Propose(ctx, cands, chapters, limits)
	if err != nil {
		e.logger.Warn("semantic_assignment_fallback", "reason", "error", "error", err)
		return RoundRobin(cands, chapters, roundRobinPerChapter), true
	}
	switch r := resp.(type) {
	case Structured:
		return r.apply(cands, chapters, limits), false
	case Malformed:
		e.logger.Warn("semantic_assignment_fallback", "reason", "malformed", "detail", r.Reason)
	}
	return RoundRobin(cands, chapters, roundRobinPerChapter), true
}
