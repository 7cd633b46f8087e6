package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/cli/go-gh/v2/pkg/jsonpretty"

	"git.pepabo.com/yukyan/gh-prstats/github/model"
)

// Number of rows shown in each ranking of the markdown report
const topN = 10

// WriteResults writes the combined analysis in the given format ("json" or "md")
func WriteResults(w io.Writer, combined *model.CombinedAnalysis, dateRange model.DateRange, format string) error {
	switch format {
	case "json":
		return WriteJSON(w, combined, false)
	case "md":
		return writeMarkdownFormat(w, combined, dateRange)
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

// WriteJSON pretty-prints v, with colors when writing to a terminal.
func WriteJSON(w io.Writer, v any, colorize bool) error {
	jsonData, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return jsonpretty.Format(w, bytes.NewReader(jsonData), "  ", colorize)
}

func period(dateRange model.DateRange) string {
	from, to := dateRange.Since, dateRange.Until
	if from == "" {
		from = "beginning"
	}
	if to == "" {
		to = "now"
	}
	return from + " to " + to
}

// Output in Markdown format
func writeMarkdownFormat(w io.Writer, combined *model.CombinedAnalysis, dateRange model.DateRange) error {
	overall := combined.OverallStats

	// Header information
	fmt.Fprintf(w, "# GitHub Pull Request Report\n")
	fmt.Fprintf(w, "Period: %s\n\n", period(dateRange))

	// Create summary
	fmt.Fprintf(w, "## Summary\n")
	fmt.Fprintf(w, "- Repositories: %d (%d analyzed)\n", combined.TotalRepositories, len(combined.Repositories))
	fmt.Fprintf(w, "- Pull requests: %d\n", overall.TotalPRs)
	fmt.Fprintf(w, "- Open: %d\n", overall.TotalOpenPRs)
	fmt.Fprintf(w, "- Merged: %d\n", overall.TotalMergedPRs)
	fmt.Fprintf(w, "- Closed without merge: %d\n", overall.TotalClosedPRs)
	fmt.Fprintf(w, "- Reviews: %d\n", overall.TotalReviews)
	fmt.Fprintf(w, "- Comments: %d\n", overall.TotalComments)
	if overall.AvgPRDurationHours > 0 {
		fmt.Fprintf(w, "- Average time to merge: %.1f hours (%.1f days)\n", overall.AvgPRDurationHours, overall.AvgPRDurationHours/24)
	}
	fmt.Fprintln(w)

	// Per repository
	fmt.Fprintf(w, "## Repositories\n\n")
	fmt.Fprintf(w, "| Repository | PRs | Open | Merged | Closed | Avg merge (h) | Median merge (h) |\n")
	fmt.Fprintf(w, "|---|---:|---:|---:|---:|---:|---:|\n")
	for _, name := range sortedKeys(combined.Repositories) {
		a := combined.Repositories[name]
		fmt.Fprintf(w, "| %s | %d | %d | %d | %d | %.1f | %.1f |\n",
			name, a.TotalPRs, a.OpenPRs, a.MergedPRs, a.ClosedPRs, a.AvgPRDurationHours, a.MedianPRDurationHours)
	}
	fmt.Fprintln(w)

	// Rankings
	fmt.Fprintf(w, "## Top Authors\n\n")
	fmt.Fprintf(w, "| User | PRs | Merged | Comments received | Reviews received |\n")
	fmt.Fprintf(w, "|---|---:|---:|---:|---:|\n")
	authors := ranked(combined.UserStats, func(s *model.UserStats) int { return s.PRsCreated })
	for _, login := range authors {
		s := combined.UserStats[login]
		fmt.Fprintf(w, "| %s | %d | %d | %d | %d |\n", login, s.PRsCreated, s.PRsMerged, s.TotalCommentsReceived, s.TotalReviewsReceived)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "## Top Reviewers\n\n")
	fmt.Fprintf(w, "| User | Reviews given | Comments given |\n")
	fmt.Fprintf(w, "|---|---:|---:|\n")
	reviewers := ranked(combined.ReviewStats, func(s *model.ReviewStats) int { return s.ReviewsGiven })
	for _, login := range reviewers {
		s := combined.ReviewStats[login]
		fmt.Fprintf(w, "| %s | %d | %d |\n", login, s.ReviewsGiven, s.CommentsGiven)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "## Top Commenters\n\n")
	fmt.Fprintf(w, "| User | Comments given | Comments received |\n")
	fmt.Fprintf(w, "|---|---:|---:|\n")
	commenters := ranked(combined.CommentStats, func(s *model.CommentStats) int { return s.CommentsGiven })
	for _, login := range commenters {
		s := combined.CommentStats[login]
		fmt.Fprintf(w, "| %s | %d | %d |\n", login, s.CommentsGiven, s.CommentsReceived)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ranked returns up to topN logins ordered by score, ties broken by login.
func ranked[V any](m map[string]V, score func(V) int) []string {
	logins := sortedKeys(m)
	sort.SliceStable(logins, func(i, j int) bool {
		return score(m[logins[i]]) > score(m[logins[j]])
	})
	if len(logins) > topN {
		logins = logins[:topN]
	}
	return logins
}
