package syncer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.pepabo.com/yukyan/gh-prstats/github/cache"
	"git.pepabo.com/yukyan/gh-prstats/github/model"
)

type fakeFetcher struct {
	prs            map[string][]model.PullRequest
	reviews        map[int][]model.Review
	comments       map[int][]model.Comment
	reviewComments map[int][]model.Comment

	prErr      error
	reviewErrs map[int]error

	sinceSeen []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		prs:            map[string][]model.PullRequest{},
		reviews:        map[int][]model.Review{},
		comments:       map[int][]model.Comment{},
		reviewComments: map[int][]model.Comment{},
		reviewErrs:     map[int]error{},
	}
}

func (f *fakeFetcher) PullRequests(_ context.Context, owner, repo, since string) ([]model.PullRequest, error) {
	f.sinceSeen = append(f.sinceSeen, since)
	if f.prErr != nil {
		return nil, f.prErr
	}
	var out []model.PullRequest
	for _, pr := range f.prs[owner+"/"+repo] {
		if since == "" || pr.UpdatedAt >= since {
			out = append(out, pr)
		}
	}
	return out, nil
}

func (f *fakeFetcher) Reviews(_ context.Context, _, _ string, number int) ([]model.Review, error) {
	if err := f.reviewErrs[number]; err != nil {
		return nil, err
	}
	return append([]model.Review{}, f.reviews[number]...), nil
}

func (f *fakeFetcher) ReviewComments(_ context.Context, _, _ string, number int) ([]model.Comment, error) {
	return append([]model.Comment{}, f.reviewComments[number]...), nil
}

func (f *fakeFetcher) IssueComments(_ context.Context, _, _ string, number int) ([]model.Comment, error) {
	return append([]model.Comment{}, f.comments[number]...), nil
}

const repo = "octo/widgets"

func testPR(number int, updatedAt string) model.PullRequest {
	return model.PullRequest{
		Number:    number,
		State:     "open",
		User:      model.User{Login: "alice"},
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: updatedAt,
	}
}

func setup(t *testing.T) (*Syncer, *cache.Store, *fakeFetcher) {
	t.Helper()
	store, err := cache.New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	f := newFakeFetcher()
	s := New(store, f, WithPRDelay(0))
	s.now = func() time.Time { return time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC) }
	return s, store, f
}

func TestFirstSyncIsFullThenIncremental(t *testing.T) {
	s, store, f := setup(t)
	ctx := context.Background()
	f.prs[repo] = []model.PullRequest{testPR(2, "2024-01-10T00:00:00Z"), testPR(1, "2024-01-05T00:00:00Z")}
	f.reviews[2] = []model.Review{{ID: 11, User: model.User{Login: "bob"}, SubmittedAt: "2024-01-12T00:00:00Z"}}
	f.comments[1] = []model.Comment{{ID: 21, User: model.User{Login: "carol"}, CreatedAt: "2024-01-06T00:00:00Z"}}
	f.reviewComments[2] = []model.Comment{{ID: 31, User: model.User{Login: "bob"}, UpdatedAt: "2024-01-11T00:00:00Z"}}

	result, err := s.SyncRepository(ctx, repo, Options{})
	require.NoError(t, err)
	require.Equal(t, ModeFull, result.Mode)
	require.Equal(t, "", result.Since)
	require.Equal(t, 2, result.PRs)
	require.Equal(t, 1, result.Reviews)
	require.Equal(t, 1, result.Comments)
	require.Equal(t, 1, result.ReviewComments)
	require.Zero(t, result.Failures)

	last, err := store.LastSyncTime(repo)
	require.NoError(t, err)
	require.Equal(t, "2024-02-01T12:00:00.000000Z", last)

	result, err = s.SyncRepository(ctx, repo, Options{})
	require.NoError(t, err)
	require.Equal(t, ModeIncremental, result.Mode)
	require.Equal(t, "2024-01-12T00:00:00Z", result.Since)
	require.Equal(t, []string{"", "2024-01-12T00:00:00Z"}, f.sinceSeen)
	require.Zero(t, result.PRs)

	// Nothing was lost by the empty incremental pass.
	prs, err := store.PullRequests(repo)
	require.NoError(t, err)
	require.Len(t, prs, 2)
}

func TestFullSyncIgnoresWatermark(t *testing.T) {
	s, store, f := setup(t)
	f.prs[repo] = []model.PullRequest{testPR(1, "2024-01-05T00:00:00Z")}
	require.NoError(t, store.MergePullRequests(repo, f.prs[repo]))
	require.NoError(t, store.UpdateMetadata(repo, ""))

	result, err := s.SyncRepository(context.Background(), repo, Options{FullSync: true, Since: "2024-01-01"})
	require.NoError(t, err)
	require.Equal(t, ModeFull, result.Mode)
	require.Equal(t, []string{""}, f.sinceSeen)
}

func TestExplicitSinceOnUncachedRepository(t *testing.T) {
	s, _, f := setup(t)
	f.prs[repo] = []model.PullRequest{testPR(2, "2024-01-10T00:00:00Z"), testPR(1, "2023-12-01T00:00:00Z")}

	result, err := s.SyncRepository(context.Background(), repo, Options{Since: "2024-01-01T00:00:00Z"})
	require.NoError(t, err)
	require.Equal(t, ModeExplicit, result.Mode)
	require.Equal(t, 1, result.PRs)
}

func TestZeroPRRepositoryIsCached(t *testing.T) {
	s, store, _ := setup(t)

	result, err := s.SyncRepository(context.Background(), repo, Options{})
	require.NoError(t, err)
	require.Zero(t, result.PRs)

	cached, err := store.IsRepositoryCached(repo)
	require.NoError(t, err)
	require.True(t, cached)

	prs, err := store.PullRequests(repo)
	require.NoError(t, err)
	require.Empty(t, prs)
}

func TestSubResourceFailureOnUncachedRepositoryStoresEmptyList(t *testing.T) {
	s, store, f := setup(t)
	f.prs[repo] = []model.PullRequest{testPR(1, "2024-01-05T00:00:00Z")}
	f.reviewErrs[1] = errors.New("boom")
	f.comments[1] = []model.Comment{{ID: 5, User: model.User{Login: "bob"}}}

	result, err := s.SyncRepository(context.Background(), repo, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, result.Failures)
	require.Equal(t, 1, result.Comments)

	reviews, err := store.Reviews(repo, 1)
	require.NoError(t, err)
	require.NotNil(t, reviews)
	require.Empty(t, reviews)
}

func TestSubResourceFailureOnCachedRepositoryKeepsData(t *testing.T) {
	s, store, f := setup(t)
	f.prs[repo] = []model.PullRequest{testPR(1, "2024-01-05T00:00:00Z")}
	require.NoError(t, store.MergeReviews(repo, 1, []model.Review{{ID: 7, SubmittedAt: "2024-01-01T00:00:00Z"}}))
	require.NoError(t, store.UpdateMetadata(repo, ""))
	f.reviewErrs[1] = errors.New("boom")

	result, err := s.SyncRepository(context.Background(), repo, Options{FullSync: true})
	require.NoError(t, err)
	require.Equal(t, 1, result.Failures)

	reviews, err := store.Reviews(repo, 1)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
}

func TestTestModeLimitsPRsAndWindow(t *testing.T) {
	s, store, f := setup(t)
	for i := 1; i <= 8; i++ {
		f.prs[repo] = append(f.prs[repo], testPR(i, fmt.Sprintf("2024-01-31T%02d:00:00Z", i)))
	}

	result, err := s.SyncRepository(context.Background(), repo, Options{TestMode: true})
	require.NoError(t, err)
	require.Equal(t, ModeExplicit, result.Mode)
	require.Equal(t, "2024-01-25T12:00:00Z", result.Since)
	require.Equal(t, DefaultTestModeLimit, result.PRs)

	prs, err := store.PullRequests(repo)
	require.NoError(t, err)
	require.Len(t, prs, DefaultTestModeLimit)
}

func TestPullRequestFailureLeavesRepositoryUncached(t *testing.T) {
	s, store, f := setup(t)
	f.prErr = errors.New("unauthorized")

	_, err := s.SyncRepository(context.Background(), repo, Options{})
	require.Error(t, err)

	cached, err := store.IsRepositoryCached(repo)
	require.NoError(t, err)
	require.False(t, cached)
}

func TestCancelledContextStopsPass(t *testing.T) {
	s, _, f := setup(t)
	f.prs[repo] = []model.PullRequest{testPR(1, "2024-01-05T00:00:00Z")}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SyncRepository(ctx, repo, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSyncAllTalliesOutcomes(t *testing.T) {
	s, _, f := setup(t)
	f.prs[repo] = []model.PullRequest{testPR(1, "2024-01-05T00:00:00Z")}

	summary := s.SyncAll(context.Background(), []string{repo, "not-a-repo", "octo/empty"}, Options{})
	require.Equal(t, []string{repo, "octo/empty"}, summary.Succeeded)
	require.Equal(t, []string{"not-a-repo"}, summary.Failed)
	require.Len(t, summary.Results, 2)
}
