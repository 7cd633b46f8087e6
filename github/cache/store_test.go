package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.pepabo.com/yukyan/gh-prstats/github/model"
)

const repo = "octo/widgets"

func newStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "cache"))
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC) }
	return s
}

func pr(number int, title, updatedAt string) model.PullRequest {
	return model.PullRequest{
		Number:    number,
		Title:     title,
		State:     "open",
		User:      model.User{Login: "alice"},
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: updatedAt,
	}
}

func TestMergePullRequestsIsIdempotent(t *testing.T) {
	s := newStore(t)
	batch := []model.PullRequest{pr(1, "one", "2024-01-01T00:00:00Z"), pr(2, "two", "2024-01-02T00:00:00Z")}

	require.NoError(t, s.MergePullRequests(repo, batch))
	first, err := s.PullRequests(repo)
	require.NoError(t, err)

	require.NoError(t, s.MergePullRequests(repo, batch))
	second, err := s.PullRequests(repo)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Len(t, second, 2)
}

func TestMergePullRequestsLastWriteWinsAndSortsDescending(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.MergePullRequests(repo, []model.PullRequest{
		pr(1, "old title", "2024-01-01T00:00:00Z"),
		pr(3, "three", "2024-01-03T00:00:00Z"),
	}))
	require.NoError(t, s.MergePullRequests(repo, []model.PullRequest{
		pr(1, "new title", "2024-01-05T00:00:00Z"),
		pr(2, "two", "2024-01-02T00:00:00Z"),
	}))

	prs, err := s.PullRequests(repo)
	require.NoError(t, err)
	require.Len(t, prs, 3)
	require.Equal(t, []int{3, 2, 1}, []int{prs[0].Number, prs[1].Number, prs[2].Number})
	require.Equal(t, "new title", prs[2].Title)
}

func TestMergeReviewsAndCommentsSortByID(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.MergeReviews(repo, 7, []model.Review{{ID: 30, State: "APPROVED"}, {ID: 10, State: "COMMENTED"}}))
	require.NoError(t, s.MergeReviews(repo, 7, []model.Review{{ID: 10, State: "CHANGES_REQUESTED"}, {ID: 20}}))

	reviews, err := s.Reviews(repo, 7)
	require.NoError(t, err)
	require.Len(t, reviews, 3)
	require.Equal(t, int64(10), reviews[0].ID)
	require.Equal(t, "CHANGES_REQUESTED", reviews[0].State)
	require.Equal(t, int64(30), reviews[2].ID)

	require.NoError(t, s.MergeComments(repo, 7, model.ReviewComments, []model.Comment{{ID: 5}, {ID: 2}}))
	comments, err := s.Comments(repo, 7, model.ReviewComments)
	require.NoError(t, err)
	require.Equal(t, int64(2), comments[0].ID)

	general, err := s.Comments(repo, 7, model.GeneralComments)
	require.NoError(t, err)
	require.Empty(t, general)
}

func TestPutPullRequestsEmptyCreatesEntry(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.MergePullRequests(repo, nil))

	data, err := s.loadPullRequests()
	require.NoError(t, err)
	prs, ok := data[repo]
	require.True(t, ok)
	require.NotNil(t, prs)
	require.Empty(t, prs)
}

func TestInvalidRecordsAreRejected(t *testing.T) {
	s := newStore(t)
	err := s.MergePullRequests(repo, []model.PullRequest{{Number: 0, State: "open", User: model.User{Login: "a"}}})
	require.ErrorIs(t, err, model.ErrInvalidRecord)

	err = s.PutReviews(repo, 1, []model.Review{{ID: -1}})
	require.ErrorIs(t, err, model.ErrInvalidRecord)

	err = s.MergeComments(repo, 1, model.GeneralComments, []model.Comment{{ID: 0}})
	require.ErrorIs(t, err, model.ErrInvalidRecord)
}

func TestCachedRepositoryDistinction(t *testing.T) {
	s := newStore(t)

	// PRs alone do not make a repository cached.
	require.NoError(t, s.MergePullRequests(repo, []model.PullRequest{pr(1, "one", "2024-01-01T00:00:00Z")}))
	cached, err := s.IsRepositoryCached(repo)
	require.NoError(t, err)
	require.False(t, cached)

	require.NoError(t, s.UpdateMetadata("octo/empty", ""))
	cached, err = s.IsRepositoryCached("octo/empty")
	require.NoError(t, err)
	require.True(t, cached)

	prs, err := s.PullRequests("octo/empty")
	require.NoError(t, err)
	require.Empty(t, prs)

	last, err := s.LastSyncTime("octo/empty")
	require.NoError(t, err)
	require.Equal(t, "2024-03-01T09:00:00.000000Z", last)

	last, err = s.LastSyncTime(repo)
	require.NoError(t, err)
	require.Equal(t, "", last)
}

func TestLatestActivityTime(t *testing.T) {
	s := newStore(t)

	latest, err := s.LatestActivityTime(repo)
	require.NoError(t, err)
	require.Equal(t, "", latest)

	require.NoError(t, s.MergePullRequests(repo, []model.PullRequest{pr(1, "one", "2024-01-10T00:00:00Z")}))
	require.NoError(t, s.MergeReviews(repo, 1, []model.Review{{ID: 1, CreatedAt: "2024-01-12T00:00:00Z"}}))
	latest, err = s.LatestActivityTime(repo)
	require.NoError(t, err)
	require.Equal(t, "2024-01-12T00:00:00Z", latest)

	require.NoError(t, s.PutComments(repo, 1, model.LegacyComments, []model.Comment{{ID: 9, CreatedAt: "2024-01-15T00:00:00Z"}}))
	latest, err = s.LatestActivityTime(repo)
	require.NoError(t, err)
	require.Equal(t, "2024-01-15T00:00:00Z", latest)

	prLatest, err := s.LatestPRUpdateTime(repo)
	require.NoError(t, err)
	require.Equal(t, "2024-01-10T00:00:00Z", prLatest)
}

func TestLatestActivityTimeIsMonotonic(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.MergePullRequests(repo, []model.PullRequest{pr(1, "one", "2024-02-01T00:00:00Z")}))
	before, err := s.LatestActivityTime(repo)
	require.NoError(t, err)

	// Older data merged later never moves the watermark back.
	require.NoError(t, s.MergePullRequests(repo, []model.PullRequest{pr(2, "two", "2023-12-01T00:00:00Z")}))
	require.NoError(t, s.MergeComments(repo, 2, model.GeneralComments, []model.Comment{{ID: 1, UpdatedAt: "2023-12-02T00:00:00Z"}}))
	after, err := s.LatestActivityTime(repo)
	require.NoError(t, err)
	require.GreaterOrEqual(t, after, before)
	require.Equal(t, before, after)
}

func TestCorruptFileIsFatal(t *testing.T) {
	s := newStore(t)
	path := filepath.Join(s.Dir(), PullRequestsFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := s.PullRequests(repo)
	var storeErr *Error
	require.True(t, errors.As(err, &storeErr))
	require.Equal(t, path, storeErr.Path)

	// Nothing is overwritten on failure.
	require.Error(t, s.MergePullRequests(repo, []model.PullRequest{pr(1, "one", "2024-01-01T00:00:00Z")}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "{not json", string(data))
}

func TestClearRepository(t *testing.T) {
	s := newStore(t)
	for _, r := range []string{repo, "octo/other"} {
		require.NoError(t, s.MergePullRequests(r, []model.PullRequest{pr(1, "one", "2024-01-01T00:00:00Z")}))
		require.NoError(t, s.MergeReviews(r, 1, []model.Review{{ID: 1}}))
		require.NoError(t, s.MergeComments(r, 1, model.GeneralComments, []model.Comment{{ID: 1}}))
		require.NoError(t, s.UpdateMetadata(r, ""))
	}

	require.NoError(t, s.ClearRepository(repo))

	repos, err := s.CachedRepositories()
	require.NoError(t, err)
	require.Equal(t, []string{"octo/other"}, repos)

	reviews, err := s.Reviews(repo, 1)
	require.NoError(t, err)
	require.Empty(t, reviews)

	reviews, err = s.Reviews("octo/other", 1)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
}

func TestClearAllAndSizes(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.MergePullRequests(repo, []model.PullRequest{pr(1, "one", "2024-01-01T00:00:00Z")}))
	require.NoError(t, s.UpdateMetadata(repo, ""))

	sizes, err := s.Sizes()
	require.NoError(t, err)
	require.Len(t, sizes, len(Files))
	require.Positive(t, sizes[PullRequestsFile])
	require.Zero(t, sizes[ReviewsFile])

	require.NoError(t, s.ClearAll())
	repos, err := s.CachedRepositories()
	require.NoError(t, err)
	require.Empty(t, repos)

	sizes, err = s.Sizes()
	require.NoError(t, err)
	require.Zero(t, sizes[PullRequestsFile])
}
