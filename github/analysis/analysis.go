package analysis

import (
	"errors"
	"fmt"
	"sort"

	"git.pepabo.com/yukyan/gh-prstats/github/cache"
	"git.pepabo.com/yukyan/gh-prstats/github/model"
	"git.pepabo.com/yukyan/gh-prstats/github/util"
	"git.pepabo.com/yukyan/gh-prstats/logger"
	"git.pepabo.com/yukyan/gh-prstats/metrics"
)

// ErrNotCached is returned for a repository that has never been synced.
var ErrNotCached = errors.New("no cached data available")

// Engine computes PR statistics from the local cache only. It never fetches.
type Engine struct {
	store *cache.Store
}

func New(store *cache.Store) *Engine {
	return &Engine{store: store}
}

// AnalyzeRepository aggregates the cached PRs of repository created within
// [since, until].
func (e *Engine) AnalyzeRepository(repository, since, until string) (*model.Analysis, error) {
	cached, err := e.store.IsRepositoryCached(repository)
	if err != nil {
		return nil, err
	}
	if !cached {
		return nil, fmt.Errorf("%w for %s, run sync first", ErrNotCached, repository)
	}

	prs, err := e.store.PullRequests(repository)
	if err != nil {
		return nil, err
	}

	a := model.NewAnalysis(repository)
	dateRange := model.DateRange{Since: since, Until: until}
	for _, pr := range prs {
		if !util.InRange(pr.CreatedAt, dateRange) {
			continue
		}
		if err := e.addPullRequest(a, repository, pr); err != nil {
			return nil, err
		}
	}

	a.AvgPRDurationHours = mean(a.PRDurations)
	a.MedianPRDurationHours = median(a.PRDurations)
	return a, nil
}

func (e *Engine) addPullRequest(a *model.Analysis, repository string, pr model.PullRequest) error {
	author := pr.User.Login
	a.TotalPRs++

	us := userStats(a.UserStats, author)
	us.PRsCreated++

	switch {
	case pr.State == "open":
		a.OpenPRs++
	case pr.IsMerged():
		a.MergedPRs++
		us.PRsMerged++
		hours, err := durationHours(pr.CreatedAt, *pr.MergedAt)
		if err != nil {
			return fmt.Errorf("pull request #%d of %s: %w", pr.Number, repository, err)
		}
		a.PRDurations = append(a.PRDurations, hours)
	default:
		a.ClosedPRs++
	}

	for _, kind := range model.CommentKinds {
		comments, err := e.store.Comments(repository, pr.Number, kind)
		if err != nil {
			return err
		}
		for _, c := range comments {
			commentStats(a.CommentStats, c.User.Login).CommentsGiven++
			commentStats(a.CommentStats, author).CommentsReceived++
			us.TotalCommentsReceived++
		}
	}

	reviews, err := e.store.Reviews(repository, pr.Number)
	if err != nil {
		return err
	}
	for _, r := range reviews {
		rs := reviewStats(a.ReviewStats, r.User.Login)
		rs.ReviewsGiven++
		if cs, ok := a.CommentStats[r.User.Login]; ok {
			rs.CommentsGiven = cs.CommentsGiven
		}
	}
	us.TotalReviewsReceived += len(reviews)
	return nil
}

// AnalyzeRepositories combines the analyses of every repository. A repository
// that fails is logged and left out.
func (e *Engine) AnalyzeRepositories(repositories []string, since, until string) *model.CombinedAnalysis {
	combined := model.NewCombinedAnalysis(len(repositories))
	var durations []float64

	for _, repository := range repositories {
		a, err := e.AnalyzeRepository(repository, since, until)
		if err != nil {
			logger.Error().Err(err).Str("repository", repository).Msg("analysis failed, skipping")
			metrics.RepositoriesAnalyzedTotal.WithLabelValues("failure").Inc()
			continue
		}
		metrics.RepositoriesAnalyzedTotal.WithLabelValues("success").Inc()
		combined.Repositories[repository] = a

		combined.OverallStats.TotalPRs += a.TotalPRs
		combined.OverallStats.TotalOpenPRs += a.OpenPRs
		combined.OverallStats.TotalMergedPRs += a.MergedPRs
		combined.OverallStats.TotalClosedPRs += a.ClosedPRs
		durations = append(durations, a.PRDurations...)

		for login, s := range a.UserStats {
			dst := userStats(combined.UserStats, login)
			dst.PRsCreated += s.PRsCreated
			dst.PRsMerged += s.PRsMerged
			dst.TotalCommentsReceived += s.TotalCommentsReceived
			dst.TotalReviewsReceived += s.TotalReviewsReceived
		}
		for login, s := range a.ReviewStats {
			dst := reviewStats(combined.ReviewStats, login)
			dst.ReviewsGiven += s.ReviewsGiven
			dst.CommentsGiven += s.CommentsGiven
		}
		for login, s := range a.CommentStats {
			dst := commentStats(combined.CommentStats, login)
			dst.CommentsGiven += s.CommentsGiven
			dst.CommentsReceived += s.CommentsReceived
		}
	}

	combined.OverallStats.AvgPRDurationHours = mean(durations)
	for _, s := range combined.ReviewStats {
		combined.OverallStats.TotalReviews += s.ReviewsGiven
	}
	for _, s := range combined.CommentStats {
		combined.OverallStats.TotalComments += s.CommentsGiven
	}
	return combined
}

func userStats(m map[string]*model.UserStats, login string) *model.UserStats {
	s, ok := m[login]
	if !ok {
		s = &model.UserStats{}
		m[login] = s
	}
	return s
}

func reviewStats(m map[string]*model.ReviewStats, login string) *model.ReviewStats {
	s, ok := m[login]
	if !ok {
		s = &model.ReviewStats{}
		m[login] = s
	}
	return s
}

func commentStats(m map[string]*model.CommentStats, login string) *model.CommentStats {
	s, ok := m[login]
	if !ok {
		s = &model.CommentStats{}
		m[login] = s
	}
	return s
}

func durationHours(from, to string) (float64, error) {
	start, err := util.ParseTimestamp(from)
	if err != nil {
		return 0, err
	}
	end, err := util.ParseTimestamp(to)
	if err != nil {
		return 0, err
	}
	return end.Sub(start).Hours(), nil
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// median takes the upper middle element for even-length input.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return sorted[len(sorted)/2]
}
