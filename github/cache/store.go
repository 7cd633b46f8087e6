// Package cache is the on-disk mirror of pull requests, reviews and comments.
//
// Each entity kind lives in its own JSON file in the cache directory, keyed
// by repository name (and by PR number for per-PR collections). The presence
// of a repository in metadata.json is the only signal that it has been synced.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"git.pepabo.com/yukyan/gh-prstats/github/model"
	"git.pepabo.com/yukyan/gh-prstats/github/util"
	"git.pepabo.com/yukyan/gh-prstats/logger"
)

const (
	MetadataFile       = "metadata.json"
	PullRequestsFile   = "pull_requests.json"
	ReviewsFile        = "reviews.json"
	CommentsFile       = "comments.json"
	ReviewCommentsFile = "review_comments.json"
	LegacyCommentsFile = "general_comments.json"
)

// Files lists every file owned by the store.
var Files = []string{
	MetadataFile,
	PullRequestsFile,
	ReviewsFile,
	CommentsFile,
	ReviewCommentsFile,
	LegacyCommentsFile,
}

// Error reports a store file that exists but cannot be read or parsed.
type Error struct {
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("cache file %s is unreadable: %v", e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type metadata struct {
	Repositories map[string]model.RepositoryRecord `json:"repositories"`
}

// perPR is repository -> PR number (as a string key) -> records.
type perPR[T any] map[string]map[string][]T

// Store reads and writes the cache directory.
type Store struct {
	dir string
	now func() time.Time
}

// New creates dir if needed and returns a store rooted there.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

func commentsFile(kind model.CommentKind) (string, error) {
	switch kind {
	case model.GeneralComments:
		return CommentsFile, nil
	case model.ReviewComments:
		return ReviewCommentsFile, nil
	case model.LegacyComments:
		return LegacyCommentsFile, nil
	}
	return "", fmt.Errorf("unknown comment kind %q", kind)
}

func load[T any](s *Store, name string, v *T) error {
	p := s.path(name)
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &Error{Path: p, Err: err}
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &Error{Path: p, Err: err}
	}
	return nil
}

func (s *Store) save(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return WriteFileAtomic(s.path(name), data)
}

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// --- metadata ---

func (s *Store) loadMetadata() (metadata, error) {
	var m metadata
	if err := load(s, MetadataFile, &m); err != nil {
		return metadata{}, err
	}
	if m.Repositories == nil {
		m.Repositories = map[string]model.RepositoryRecord{}
	}
	return m, nil
}

// Metadata returns the sync record of every cached repository.
func (s *Store) Metadata() (map[string]model.RepositoryRecord, error) {
	m, err := s.loadMetadata()
	if err != nil {
		return nil, err
	}
	return m.Repositories, nil
}

// UpdateMetadata stamps repository as synced. An empty lastSync means now.
func (s *Store) UpdateMetadata(repository, lastSync string) error {
	m, err := s.loadMetadata()
	if err != nil {
		return err
	}
	now := util.Stamp(s.now())
	if lastSync == "" {
		lastSync = now
	}
	m.Repositories[repository] = model.RepositoryRecord{LastSync: lastSync, CachedAt: now}
	return s.save(MetadataFile, m)
}

// IsRepositoryCached reports whether repository has a metadata record, even
// one from a sync that found no PRs.
func (s *Store) IsRepositoryCached(repository string) (bool, error) {
	m, err := s.loadMetadata()
	if err != nil {
		return false, err
	}
	_, ok := m.Repositories[repository]
	return ok, nil
}

// LastSyncTime returns "" for a repository that was never synced.
func (s *Store) LastSyncTime(repository string) (string, error) {
	m, err := s.loadMetadata()
	if err != nil {
		return "", err
	}
	return m.Repositories[repository].LastSync, nil
}

// CachedRepositories returns the synced repositories in name order.
func (s *Store) CachedRepositories() ([]string, error) {
	m, err := s.loadMetadata()
	if err != nil {
		return nil, err
	}
	repos := make([]string, 0, len(m.Repositories))
	for repo := range m.Repositories {
		repos = append(repos, repo)
	}
	sort.Strings(repos)
	return repos, nil
}

// --- pull requests ---

func (s *Store) loadPullRequests() (map[string][]model.PullRequest, error) {
	data := map[string][]model.PullRequest{}
	if err := load(s, PullRequestsFile, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string][]model.PullRequest{}
	}
	return data, nil
}

// PullRequests returns the cached PRs of repository, or an empty list.
func (s *Store) PullRequests(repository string) ([]model.PullRequest, error) {
	data, err := s.loadPullRequests()
	if err != nil {
		return nil, err
	}
	prs := data[repository]
	if prs == nil {
		prs = []model.PullRequest{}
	}
	return prs, nil
}

// PutPullRequests replaces the cached PRs of repository.
func (s *Store) PutPullRequests(repository string, prs []model.PullRequest) error {
	if err := validateAll(prs); err != nil {
		return err
	}
	data, err := s.loadPullRequests()
	if err != nil {
		return err
	}
	data[repository] = nonNil(prs)
	return s.save(PullRequestsFile, data)
}

// MergePullRequests upserts prs by number, keeping the list sorted newest
// number first.
func (s *Store) MergePullRequests(repository string, prs []model.PullRequest) error {
	if err := validateAll(prs); err != nil {
		return err
	}
	data, err := s.loadPullRequests()
	if err != nil {
		return err
	}

	byNumber := make(map[int]model.PullRequest, len(data[repository])+len(prs))
	for _, pr := range data[repository] {
		byNumber[pr.Number] = pr
	}
	for _, pr := range prs {
		byNumber[pr.Number] = pr
	}

	merged := make([]model.PullRequest, 0, len(byNumber))
	for _, pr := range byNumber {
		merged = append(merged, pr)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Number > merged[j].Number })

	data[repository] = merged
	return s.save(PullRequestsFile, data)
}

// --- per-PR collections ---

func loadPerPR[T any](s *Store, name string) (perPR[T], error) {
	data := perPR[T]{}
	if err := load(s, name, &data); err != nil {
		return nil, err
	}
	if data == nil {
		data = perPR[T]{}
	}
	return data, nil
}

func getPerPR[T any](s *Store, name, repository string, number int) ([]T, error) {
	data, err := loadPerPR[T](s, name)
	if err != nil {
		return nil, err
	}
	items := data[repository][strconv.Itoa(number)]
	if items == nil {
		items = []T{}
	}
	return items, nil
}

func putPerPR[T any](s *Store, name, repository string, number int, items []T) error {
	data, err := loadPerPR[T](s, name)
	if err != nil {
		return err
	}
	if data[repository] == nil {
		data[repository] = map[string][]T{}
	}
	data[repository][strconv.Itoa(number)] = nonNil(items)
	return s.save(name, data)
}

func mergePerPR[T any](s *Store, name, repository string, number int, items []T, id func(T) int64) error {
	data, err := loadPerPR[T](s, name)
	if err != nil {
		return err
	}
	if data[repository] == nil {
		data[repository] = map[string][]T{}
	}
	key := strconv.Itoa(number)

	byID := make(map[int64]T, len(data[repository][key])+len(items))
	for _, item := range data[repository][key] {
		byID[id(item)] = item
	}
	for _, item := range items {
		byID[id(item)] = item
	}

	merged := make([]T, 0, len(byID))
	for _, item := range byID {
		merged = append(merged, item)
	}
	sort.Slice(merged, func(i, j int) bool { return id(merged[i]) < id(merged[j]) })

	data[repository][key] = merged
	return s.save(name, data)
}

func reviewID(r model.Review) int64   { return r.ID }
func commentID(c model.Comment) int64 { return c.ID }

// Reviews returns the stored reviews of PR number, empty when none are stored.
func (s *Store) Reviews(repository string, number int) ([]model.Review, error) {
	return getPerPR[model.Review](s, ReviewsFile, repository, number)
}

// PutReviews replaces the stored reviews of PR number.
func (s *Store) PutReviews(repository string, number int, reviews []model.Review) error {
	if err := validateAll(reviews); err != nil {
		return err
	}
	return putPerPR(s, ReviewsFile, repository, number, reviews)
}

// MergeReviews upserts reviews by id, sorted by id.
func (s *Store) MergeReviews(repository string, number int, reviews []model.Review) error {
	if err := validateAll(reviews); err != nil {
		return err
	}
	return mergePerPR(s, ReviewsFile, repository, number, reviews, reviewID)
}

// Comments returns the stored comments of PR number in the kind bucket.
func (s *Store) Comments(repository string, number int, kind model.CommentKind) ([]model.Comment, error) {
	name, err := commentsFile(kind)
	if err != nil {
		return nil, err
	}
	return getPerPR[model.Comment](s, name, repository, number)
}

// PutComments replaces the stored comments of PR number in the kind bucket.
func (s *Store) PutComments(repository string, number int, kind model.CommentKind, comments []model.Comment) error {
	name, err := commentsFile(kind)
	if err != nil {
		return err
	}
	if err := validateAll(comments); err != nil {
		return err
	}
	return putPerPR(s, name, repository, number, comments)
}

// MergeComments upserts comments of one bucket by id, sorted by id.
func (s *Store) MergeComments(repository string, number int, kind model.CommentKind, comments []model.Comment) error {
	name, err := commentsFile(kind)
	if err != nil {
		return err
	}
	if err := validateAll(comments); err != nil {
		return err
	}
	return mergePerPR(s, name, repository, number, comments, commentID)
}

// --- watermarks ---

// LatestPRUpdateTime returns the greatest PR updated_at, or "".
func (s *Store) LatestPRUpdateTime(repository string) (string, error) {
	prs, err := s.PullRequests(repository)
	if err != nil {
		return "", err
	}
	latest := ""
	for _, pr := range prs {
		latest = util.Later(latest, pr.UpdatedAt)
	}
	return latest, nil
}

// LatestActivityTime is the incremental sync watermark: the greatest
// timestamp across PRs, reviews and every comment bucket of repository.
func (s *Store) LatestActivityTime(repository string) (string, error) {
	latest, err := s.LatestPRUpdateTime(repository)
	if err != nil {
		return "", err
	}

	reviews, err := loadPerPR[model.Review](s, ReviewsFile)
	if err != nil {
		return "", err
	}
	for _, list := range reviews[repository] {
		for _, r := range list {
			latest = util.Later(latest, r.ActivityTime())
		}
	}

	for _, kind := range model.CommentKinds {
		name, _ := commentsFile(kind)
		comments, err := loadPerPR[model.Comment](s, name)
		if err != nil {
			return "", err
		}
		for _, list := range comments[repository] {
			for _, c := range list {
				latest = util.Later(latest, c.ActivityTime())
			}
		}
	}
	return latest, nil
}

// --- housekeeping ---

// ClearRepository drops repository from every store file and its metadata.
func (s *Store) ClearRepository(repository string) error {
	prs, err := s.loadPullRequests()
	if err != nil {
		return err
	}
	if _, ok := prs[repository]; ok {
		delete(prs, repository)
		if err := s.save(PullRequestsFile, prs); err != nil {
			return err
		}
	}

	for _, name := range []string{ReviewsFile, CommentsFile, ReviewCommentsFile, LegacyCommentsFile} {
		// Records are kept as raw JSON so no bucket is re-encoded through a
		// narrower type.
		data, err := loadPerPR[json.RawMessage](s, name)
		if err != nil {
			return err
		}
		if _, ok := data[repository]; !ok {
			continue
		}
		delete(data, repository)
		if err := s.save(name, data); err != nil {
			return err
		}
	}

	m, err := s.loadMetadata()
	if err != nil {
		return err
	}
	if _, ok := m.Repositories[repository]; ok {
		delete(m.Repositories, repository)
		if err := s.save(MetadataFile, m); err != nil {
			return err
		}
	}
	logger.Info().Str("repository", repository).Msg("cleared repository cache")
	return nil
}

// ClearAll deletes every store file.
func (s *Store) ClearAll() error {
	for _, name := range Files {
		if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	logger.Info().Str("dir", s.dir).Msg("cleared raw data cache")
	return nil
}

// Sizes returns the on-disk size of each store file, 0 when absent.
func (s *Store) Sizes() (map[string]int64, error) {
	sizes := make(map[string]int64, len(Files))
	for _, name := range Files {
		info, err := os.Stat(s.path(name))
		if errors.Is(err, os.ErrNotExist) {
			sizes[name] = 0
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to stat %s: %w", name, err)
		}
		sizes[name] = info.Size()
	}
	return sizes, nil
}

type validator interface {
	Validate() error
}

func validateAll[T validator](items []T) error {
	for _, item := range items {
		if err := item.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
