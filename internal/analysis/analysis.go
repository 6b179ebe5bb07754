// Package analysis orchestrates one call analysis end to end: load the
// call and transcript, resolve the active rubric criteria for the
// rep's role, then compute through the cache so identical requests
// share one producer run.
package analysis

import (
	"context"
	"time"

	"coach/internal/cache"
	coacherrors "coach/internal/errors"
	"coach/internal/logging"
	"coach/internal/producer"
	"coach/internal/rubric"
	"coach/internal/scoring"
	"coach/internal/transcript"
)

// Options steer one Analyze call.
type Options struct {
	// UseCache reads and writes the analysis cache. When false the
	// computation runs standalone: no cache read, no cache write, and
	// no per-key coalescing.
	UseCache bool
	// ForceReanalysis recomputes even when a cached entry exists and
	// overwrites it. Ignored when UseCache is false.
	ForceReanalysis bool
	// Timeout bounds the whole computation including the producer
	// call. Zero means no extra bound beyond the caller's context.
	Timeout time.Duration
}

// Result wraps an analysis with its cache provenance.
type Result struct {
	Analysis  *scoring.AnalysisResult `json:"analysis"`
	FromCache bool                    `json:"fromCache"`
	CacheKey  string                  `json:"cacheKey"`
}

// Service ties the stores, the cache, the scoring engine, and the
// producer together.
type Service struct {
	calls    *transcript.Store
	rubrics  *rubric.Store
	cache    *cache.Cache
	engine   *scoring.Engine
	producer producer.Producer
	logger   *logging.Logger
}

// NewService creates the orchestration layer.
func NewService(calls *transcript.Store, rubrics *rubric.Store, c *cache.Cache, engine *scoring.Engine, p producer.Producer, logger *logging.Logger) *Service {
	return &Service{
		calls:    calls,
		rubrics:  rubrics,
		cache:    c,
		engine:   engine,
		producer: p,
		logger:   logger,
	}
}

// Analyze scores callID on the requested dimensions against the active
// rubric version. An empty dimension list means every dimension the
// rep's role has active criteria for. Dimensions without criteria
// degrade to error annotations; the call fails only when nothing can
// be scored at all.
func (s *Service) Analyze(ctx context.Context, callID string, dimensions []string, opts Options) (*Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	call, tr, err := s.calls.ForCall(ctx, callID)
	if err != nil {
		return nil, err
	}

	version, err := s.rubrics.ActiveVersion(ctx)
	if err != nil {
		return nil, err
	}
	roleCriteria, err := s.rubrics.ActiveCriteriaForRole(ctx, call.RepRole)
	if err != nil {
		return nil, err
	}
	byDimension := groupByDimension(roleCriteria)

	dims := cache.NormalizeDimensions(dimensions)
	if len(dims) == 0 {
		dims = dimensionNames(byDimension)
	}
	if len(dims) == 0 {
		return nil, coacherrors.Newf(coacherrors.ValidationFailed,
			"no active criteria for role %q in rubric version %s", call.RepRole, version.Version)
	}
	if !anyHasCriteria(dims, byDimension) {
		return nil, coacherrors.Newf(coacherrors.ValidationFailed,
			"none of the requested dimensions have active criteria for role %q", call.RepRole)
	}

	req := cache.Request{
		TranscriptHash: tr.Hash,
		RubricVersion:  version.Version,
		Dimensions:     dims,
	}
	compute := s.computeFunc(call, tr, version, byDimension, dims)

	start := time.Now()
	var analysis *scoring.AnalysisResult
	var fromCache bool
	switch {
	case !opts.UseCache:
		analysis, err = compute(ctx)
	case opts.ForceReanalysis:
		analysis, err = s.cache.Recompute(ctx, req, compute)
	default:
		analysis, fromCache, err = s.cache.ComputeIfAbsent(ctx, req, compute)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("call analyzed", map[string]interface{}{
		"call_id":     callID,
		"dimensions":  len(dims),
		"from_cache":  fromCache,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return &Result{Analysis: analysis, FromCache: fromCache, CacheKey: req.Key()}, nil
}

// computeFunc builds the producer-then-score closure the cache runs at
// most once per key. Per-dimension failures stay isolated: a dimension
// the producer could not assess is annotated, not fatal.
func (s *Service) computeFunc(call *transcript.Call, tr *transcript.Transcript, version *rubric.Version, byDimension map[string][]rubric.Criterion, dims []string) cache.Producer {
	return func(ctx context.Context) (*scoring.AnalysisResult, error) {
		set, err := s.producer.Evidence(ctx, producer.Request{
			CallID:        call.ID,
			CallType:      call.CallType,
			RepRole:       call.RepRole,
			RubricVersion: version.Version,
			Transcript:    transcript.Render(tr.Utterances),
			Dimensions:    dims,
			Criteria:      byDimension,
		})
		if err != nil {
			return nil, err
		}

		result := &scoring.AnalysisResult{
			Dimensions:     make(map[string]scoring.DimensionScore, len(dims)),
			RubricVersion:  version.Version,
			TranscriptHash: tr.Hash,
			CallType:       call.CallType,
			Model:          set.Model,
			AnalyzedAt:     time.Now().UTC(),
		}
		for _, dim := range dims {
			result.Dimensions[dim] = s.engine.ScoreDimension(byDimension[dim], set.Dimensions[dim])
		}
		result.Overall = s.engine.Aggregate(result.Dimensions, call.CallType)
		return result, nil
	}
}

// ScoreSnapshot flattens an analysis into the integer score maps a
// review submission carries. Unscored dimensions are omitted rather
// than zeroed.
func ScoreSnapshot(analysis *scoring.AnalysisResult) (map[string]int, *int) {
	if analysis == nil {
		return map[string]int{}, nil
	}
	scores := make(map[string]int, len(analysis.Dimensions))
	for dim, ds := range analysis.Dimensions {
		if ds.Score != nil {
			scores[dim] = *ds.Score
		}
	}
	return scores, analysis.Overall
}

func groupByDimension(criteria []rubric.Criterion) map[string][]rubric.Criterion {
	grouped := make(map[string][]rubric.Criterion)
	for _, c := range criteria {
		grouped[c.Dimension] = append(grouped[c.Dimension], c)
	}
	return grouped
}

func dimensionNames(byDimension map[string][]rubric.Criterion) []string {
	names := make([]string, 0, len(byDimension))
	for dim := range byDimension {
		names = append(names, dim)
	}
	return cache.NormalizeDimensions(names)
}

func anyHasCriteria(dims []string, byDimension map[string][]rubric.Criterion) bool {
	for _, dim := range dims {
		if len(byDimension[dim]) > 0 {
			return true
		}
	}
	return false
}
