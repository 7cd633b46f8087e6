// Package syncer keeps the local cache in step with GitHub.
//
// A pass fetches the PRs of one repository (incrementally when it has been
// synced before), merges them and their reviews and comments into the store,
// then stamps the repository's metadata record. Sub-resource failures are
// counted and skipped so one bad PR does not abort the pass.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"git.pepabo.com/yukyan/gh-prstats/github/cache"
	"git.pepabo.com/yukyan/gh-prstats/github/model"
	"git.pepabo.com/yukyan/gh-prstats/github/util"
	"git.pepabo.com/yukyan/gh-prstats/logger"
	"git.pepabo.com/yukyan/gh-prstats/metrics"
)

const (
	DefaultPRDelay       = 100 * time.Millisecond
	DefaultTestModeLimit = 5
	DefaultTestModeDays  = 7
)

// Sync modes reported in Result.Mode.
const (
	ModeFull        = "full"
	ModeIncremental = "incremental"
	ModeExplicit    = "explicit"
)

// Fetcher is the subset of the GitHub client a sync pass needs.
type Fetcher interface {
	PullRequests(ctx context.Context, owner, repo, since string) ([]model.PullRequest, error)
	Reviews(ctx context.Context, owner, repo string, number int) ([]model.Review, error)
	ReviewComments(ctx context.Context, owner, repo string, number int) ([]model.Comment, error)
	IssueComments(ctx context.Context, owner, repo string, number int) ([]model.Comment, error)
}

// Options control a single pass.
type Options struct {
	Since    string // explicit lower bound on PR updated_at
	FullSync bool   // ignore the watermark and fetch everything
	TestMode bool   // recent PRs only, capped to a handful; overrides Since
}

// Result describes one repository pass.
type Result struct {
	Repository     string `json:"repository"`
	Since          string `json:"since,omitempty"`
	Mode           string `json:"mode"`
	PRs            int    `json:"prs"`
	Reviews        int    `json:"reviews"`
	Comments       int    `json:"comments"`
	ReviewComments int    `json:"review_comments"`
	Failures       int    `json:"failures"`
}

// Summary is the outcome of SyncAll.
type Summary struct {
	Succeeded []string
	Failed    []string
	Results   []*Result
}

// Syncer runs sync passes against one store.
type Syncer struct {
	store   *cache.Store
	fetcher Fetcher
	now     func() time.Time

	prDelay       time.Duration
	testModeLimit int
	testModeDays  int
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithPRDelay sets the pause between consecutive PRs of a pass.
func WithPRDelay(d time.Duration) Option {
	return func(s *Syncer) { s.prDelay = d }
}

// WithTestMode sets the PR cap and look-back window used by Options.TestMode.
func WithTestMode(limit, days int) Option {
	return func(s *Syncer) {
		s.testModeLimit = limit
		s.testModeDays = days
	}
}

// WithClock replaces the wall clock used for last_sync stamps and the test
// mode window.
func WithClock(now func() time.Time) Option {
	return func(s *Syncer) { s.now = now }
}

// New creates a Syncer writing to store and reading from fetcher.
func New(store *cache.Store, fetcher Fetcher, opts ...Option) *Syncer {
	s := &Syncer{
		store:         store,
		fetcher:       fetcher,
		now:           time.Now,
		prDelay:       DefaultPRDelay,
		testModeLimit: DefaultTestModeLimit,
		testModeDays:  DefaultTestModeDays,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Syncer) window(repository string, opts Options) (string, string, error) {
	if opts.FullSync {
		return "", ModeFull, nil
	}
	if opts.TestMode {
		opts.Since = util.Timestamp(s.now().AddDate(0, 0, -s.testModeDays))
	}

	cached, err := s.store.IsRepositoryCached(repository)
	if err != nil {
		return "", "", err
	}
	if cached && opts.Since == "" {
		watermark, err := s.store.LatestActivityTime(repository)
		if err != nil {
			return "", "", err
		}
		if watermark == "" {
			return "", ModeFull, nil
		}
		return watermark, ModeIncremental, nil
	}
	if opts.Since != "" {
		return opts.Since, ModeExplicit, nil
	}
	return "", ModeFull, nil
}

// SyncRepository runs one pass over repository ("owner/repo").
func (s *Syncer) SyncRepository(ctx context.Context, repository string, opts Options) (*Result, error) {
	owner, name, err := util.SplitRepository(repository)
	if err != nil {
		return nil, err
	}
	log := logger.With("run_id", uuid.NewString()).With().Str("repository", repository).Logger()

	wasCached, err := s.store.IsRepositoryCached(repository)
	if err != nil {
		return nil, err
	}
	since, mode, err := s.window(repository, opts)
	if err != nil {
		return nil, err
	}
	result := &Result{Repository: repository, Since: since, Mode: mode}
	log.Info().Str("mode", mode).Str("since", since).Msg("sync started")

	prs, err := s.fetcher.PullRequests(ctx, owner, name, since)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pull requests for %s: %w", repository, err)
	}
	if opts.TestMode && len(prs) > s.testModeLimit {
		prs = prs[:s.testModeLimit]
	}
	if err := s.store.MergePullRequests(repository, prs); err != nil {
		return nil, err
	}
	result.PRs = len(prs)
	metrics.PRsSyncedTotal.Add(float64(len(prs)))

	limit := rate.Inf
	if s.prDelay > 0 {
		limit = rate.Every(s.prDelay)
	}
	pacer := rate.NewLimiter(limit, 1)

	for _, pr := range prs {
		if err := pacer.Wait(ctx); err != nil {
			return nil, err
		}
		if err := s.syncPullRequest(ctx, log, owner, name, repository, pr.Number, wasCached, result); err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateMetadata(repository, util.Stamp(s.now())); err != nil {
		return nil, err
	}
	log.Info().
		Int("prs", result.PRs).
		Int("reviews", result.Reviews).
		Int("comments", result.Comments).
		Int("review_comments", result.ReviewComments).
		Int("failures", result.Failures).
		Msg("sync finished")
	return result, nil
}

// syncPullRequest fetches and merges the three sub-resources of one PR.
// Only store and context errors are returned.
func (s *Syncer) syncPullRequest(ctx context.Context, log zerolog.Logger, owner, name, repository string, number int, wasCached bool, result *Result) error {
	reviews, err := s.fetcher.Reviews(ctx, owner, name, number)
	if err = s.tolerate(ctx, log, "reviews", number, err, result); err != nil {
		return err
	}
	if reviews != nil || !wasCached {
		if err := s.store.MergeReviews(repository, number, reviews); err != nil {
			return err
		}
		result.Reviews += len(reviews)
	}

	comments, err := s.fetcher.IssueComments(ctx, owner, name, number)
	if err = s.tolerate(ctx, log, "comments", number, err, result); err != nil {
		return err
	}
	if comments != nil || !wasCached {
		if err := s.store.MergeComments(repository, number, model.GeneralComments, comments); err != nil {
			return err
		}
		result.Comments += len(comments)
	}

	reviewComments, err := s.fetcher.ReviewComments(ctx, owner, name, number)
	if err = s.tolerate(ctx, log, "review_comments", number, err, result); err != nil {
		return err
	}
	if reviewComments != nil || !wasCached {
		if err := s.store.MergeComments(repository, number, model.ReviewComments, reviewComments); err != nil {
			return err
		}
		result.ReviewComments += len(reviewComments)
	}
	return nil
}

// tolerate logs and counts a sub-resource fetch failure. It returns an error
// only when the context is done, which ends the pass.
func (s *Syncer) tolerate(ctx context.Context, log zerolog.Logger, resource string, number int, err error, result *Result) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	log.Warn().Err(err).Str("resource", resource).Int("pr", number).Msg("failed to fetch, skipping")
	metrics.SubResourceFailuresTotal.WithLabelValues(resource).Inc()
	result.Failures++
	return nil
}

// SyncAll syncs each repository in turn. A failing repository is logged and
// counted, never fatal for the others.
func (s *Syncer) SyncAll(ctx context.Context, repositories []string, opts Options) Summary {
	var summary Summary
	for i, repository := range repositories {
		logger.Infof("[%d/%d] syncing %s", i+1, len(repositories), repository)
		result, err := s.SyncRepository(ctx, repository, opts)
		if err != nil {
			logger.Error().Err(err).Str("repository", repository).Msg("sync failed")
			metrics.RepositorySyncsTotal.WithLabelValues("failure").Inc()
			summary.Failed = append(summary.Failed, repository)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.RepositorySyncsTotal.WithLabelValues("success").Inc()
		summary.Succeeded = append(summary.Succeeded, repository)
		summary.Results = append(summary.Results, result)
	}
	logger.Infof("sync complete: %d succeeded, %d failed", len(summary.Succeeded), len(summary.Failed))
	return summary
}
