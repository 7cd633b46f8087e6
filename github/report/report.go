// Package report answers analysis requests, consulting the results cache
// before recomputing from the raw cache.
package report

import (
	"context"

	"git.pepabo.com/yukyan/gh-prstats/github/analysis"
	"git.pepabo.com/yukyan/gh-prstats/github/cache"
	"git.pepabo.com/yukyan/gh-prstats/github/model"
	"git.pepabo.com/yukyan/gh-prstats/github/results"
	"git.pepabo.com/yukyan/gh-prstats/github/syncer"
	"git.pepabo.com/yukyan/gh-prstats/logger"
)

// Source tells where an answer came from.
type Source string

const (
	SourceCache    Source = "cache"
	SourceComputed Source = "computed"
)

// Request is one analysis request.
type Request struct {
	Repositories []string
	Since        string
	Until        string
	Refresh      bool // sync every repository before analyzing
	SyncOptions  syncer.Options
}

// Runner answers Requests from the store, the results cache and the engine.
type Runner struct {
	store   *cache.Store
	results *results.Cache
	engine  *analysis.Engine
	syncer  *syncer.Syncer
}

// New wires a runner. s may be nil when Refresh is never requested.
func New(store *cache.Store, rc *results.Cache, engine *analysis.Engine, s *syncer.Syncer) *Runner {
	return &Runner{store: store, results: rc, engine: engine, syncer: s}
}

// Analyze returns the combined analysis for req.
func (r *Runner) Analyze(ctx context.Context, req Request) (*model.CombinedAnalysis, Source, error) {
	if req.Refresh && r.syncer != nil {
		summary := r.syncer.SyncAll(ctx, req.Repositories, req.SyncOptions)
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		for _, repo := range summary.Failed {
			logger.Warnf("continuing with cached data for %s", repo)
		}
	}

	timestamps, err := r.timestamps(req.Repositories)
	if err != nil {
		return nil, "", err
	}

	if combined, ok := r.results.Get(req.Repositories, req.Since, req.Until, timestamps); ok {
		logger.Info().Strs("repositories", req.Repositories).Msg("using cached analysis results")
		return combined, SourceCache, nil
	}

	combined := r.engine.AnalyzeRepositories(req.Repositories, req.Since, req.Until)
	r.results.Put(req.Repositories, combined, req.Since, req.Until, timestamps)
	return combined, SourceComputed, nil
}

// timestamps maps each synced repository to its last_sync. Repositories that
// were never synced are left out.
func (r *Runner) timestamps(repositories []string) (map[string]string, error) {
	records, err := r.store.Metadata()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(repositories))
	for _, repo := range repositories {
		if rec, ok := records[repo]; ok && rec.LastSync != "" {
			out[repo] = rec.LastSync
		}
	}
	return out, nil
}
