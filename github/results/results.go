// Package results memoizes combined analyses keyed by their inputs.
package results

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"git.pepabo.com/yukyan/gh-prstats/github/cache"
	"git.pepabo.com/yukyan/gh-prstats/github/model"
	"git.pepabo.com/yukyan/gh-prstats/github/util"
	"git.pepabo.com/yukyan/gh-prstats/logger"
	"git.pepabo.com/yukyan/gh-prstats/metrics"
)

const (
	ResultsFile  = "processed_results.json"
	MetadataFile = "results_metadata.json"
)

// Entry describes one memoized result.
type Entry struct {
	CreatedAt       string            `json:"created_at"`
	Repositories    []string          `json:"repositories"`
	Since           string            `json:"since"`
	Until           string            `json:"until"`
	CacheTimestamps map[string]string `json:"cache_timestamps"`
}

// Info summarizes the results cache for status output.
type Info struct {
	TotalEntries   int    `json:"total_entries"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	CacheFile      string `json:"cache_file"`
	MetadataFile   string `json:"metadata_file"`
}

// Cache stores combined analyses in the cache directory.
type Cache struct {
	dir string
	now func() time.Time
}

// New opens the results cache in dir, creating the directory if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %s: %w", dir, err)
	}
	return &Cache{dir: dir, now: time.Now}, nil
}

// Key fingerprints the inputs of an analysis. Repository order does not matter.
func Key(repositories []string, since, until string, timestamps map[string]string) string {
	sorted := append([]string(nil), repositories...)
	sort.Strings(sorted)

	keyData := map[string]any{
		"repositories": sorted,
		"since":        since,
		"until":        until,
	}
	if len(timestamps) > 0 {
		keyData["cache_timestamps"] = timestamps
	}
	// encoding/json writes map keys in sorted order, so this is canonical.
	b, _ := json.Marshal(keyData)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Key returns the fingerprint Get and Put use for the inputs.
func (c *Cache) Key(repositories []string, since, until string, timestamps map[string]string) string {
	return Key(repositories, since, until, timestamps)
}

func (c *Cache) loadMetadata() map[string]Entry {
	m := map[string]Entry{}
	c.loadFile(MetadataFile, &m)
	if m == nil {
		m = map[string]Entry{}
	}
	return m
}

func (c *Cache) loadResults() map[string]*model.CombinedAnalysis {
	r := map[string]*model.CombinedAnalysis{}
	c.loadFile(ResultsFile, &r)
	if r == nil {
		r = map[string]*model.CombinedAnalysis{}
	}
	return r
}

// loadFile leaves v untouched when the file is missing or unreadable.
func (c *Cache) loadFile(name string, v any) {
	path := filepath.Join(c.dir, name)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err == nil {
		err = json.Unmarshal(data, v)
	}
	if err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("ignoring unreadable results cache")
	}
}

func (c *Cache) saveFile(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return cache.WriteFileAtomic(filepath.Join(c.dir, name), data)
}

// Get returns the memoized result for the inputs, if one exists and none of
// the supplied repository timestamps is newer than the stored ones.
func (c *Cache) Get(repositories []string, since, until string, timestamps map[string]string) (*model.CombinedAnalysis, bool) {
	key := Key(repositories, since, until, timestamps)
	entry, ok := c.loadMetadata()[key]
	if !ok {
		metrics.ResultsCacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	if !valid(entry, timestamps) {
		metrics.ResultsCacheLookupsTotal.WithLabelValues("stale").Inc()
		return nil, false
	}
	result, ok := c.loadResults()[key]
	if !ok || result == nil {
		metrics.ResultsCacheLookupsTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.ResultsCacheLookupsTotal.WithLabelValues("hit").Inc()
	return result, true
}

func valid(entry Entry, current map[string]string) bool {
	if len(current) == 0 {
		return true
	}
	// Entries written without timestamps never expire.
	if len(entry.CacheTimestamps) == 0 {
		return true
	}
	for repo, ts := range current {
		stored, ok := entry.CacheTimestamps[repo]
		if !ok || stored == "" || util.After(ts, stored) {
			return false
		}
	}
	return true
}

// Put stores result under its inputs, replacing any previous entry. Write
// failures are logged only.
func (c *Cache) Put(repositories []string, result *model.CombinedAnalysis, since, until string, timestamps map[string]string) {
	key := Key(repositories, since, until, timestamps)
	if timestamps == nil {
		timestamps = map[string]string{}
	}

	metadata := c.loadMetadata()
	results := c.loadResults()
	metadata[key] = Entry{
		CreatedAt:       util.Stamp(c.now()),
		Repositories:    repositories,
		Since:           since,
		Until:           until,
		CacheTimestamps: timestamps,
	}
	results[key] = result

	if err := c.saveFile(MetadataFile, metadata); err != nil {
		logger.Warn().Err(err).Msg("failed to save results cache metadata")
		return
	}
	if err := c.saveFile(ResultsFile, results); err != nil {
		logger.Warn().Err(err).Msg("failed to save results cache")
	}
}

// Clear removes every memoized result.
func (c *Cache) Clear() error {
	for _, name := range []string{ResultsFile, MetadataFile} {
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	logger.Info().Str("dir", c.dir).Msg("cleared results cache")
	return nil
}

// Info reports the entry count and the size of the results file.
func (c *Cache) Info() (Info, error) {
	info := Info{
		TotalEntries: len(c.loadMetadata()),
		CacheFile:    filepath.Join(c.dir, ResultsFile),
		MetadataFile: filepath.Join(c.dir, MetadataFile),
	}
	st, err := os.Stat(info.CacheFile)
	switch {
	case err == nil:
		info.TotalSizeBytes = st.Size()
	case !errors.Is(err, os.ErrNotExist):
		return Info{}, fmt.Errorf("failed to stat %s: %w", info.CacheFile, err)
	}
	return info, nil
}

// CleanupOldEntries drops entries created more than maxAgeDays ago, and any
// whose creation time cannot be parsed. It returns how many were removed.
func (c *Cache) CleanupOldEntries(maxAgeDays int) (int, error) {
	metadata := c.loadMetadata()
	results := c.loadResults()
	cutoff := c.now().Add(-time.Duration(maxAgeDays) * 24 * time.Hour)

	removed := 0
	for key, entry := range metadata {
		created, err := util.ParseTimestamp(entry.CreatedAt)
		if err == nil && !created.Before(cutoff) {
			continue
		}
		delete(metadata, key)
		delete(results, key)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}

	if err := c.saveFile(MetadataFile, metadata); err != nil {
		return 0, fmt.Errorf("failed to save results cache metadata: %w", err)
	}
	if err := c.saveFile(ResultsFile, results); err != nil {
		return 0, fmt.Errorf("failed to save results cache: %w", err)
	}
	return removed, nil
}
