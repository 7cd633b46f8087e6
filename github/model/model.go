package model

import (
	"errors"
	"fmt"
)

// ErrInvalidRecord is returned when a record fails validation at the store boundary.
var ErrInvalidRecord = errors.New("invalid record")

// Struct for setting the date range
type DateRange struct {
	Since string // inclusive lower bound, ISO-8601 date or timestamp
	Until string // inclusive upper bound, compared on its own length
}

// User identifies a GitHub account
type User struct {
	Login string `json:"login"`
}

// PullRequest as mirrored from the pulls endpoint
type PullRequest struct {
	Number    int     `json:"number"`
	Title     string  `json:"title,omitempty"`
	State     string  `json:"state"` // "open" or "closed"
	User      User    `json:"user"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at,omitempty"`
	ClosedAt  *string `json:"closed_at"`
	MergedAt  *string `json:"merged_at"`
	HTMLURL   string  `json:"html_url,omitempty"`
}

// IsMerged reports whether the PR carries a merge timestamp.
func (pr PullRequest) IsMerged() bool {
	return pr.MergedAt != nil && *pr.MergedAt != ""
}

// Validate checks the fields the store and the analysis rely on.
func (pr PullRequest) Validate() error {
	if pr.Number <= 0 {
		return fmt.Errorf("%w: pull request number %d", ErrInvalidRecord, pr.Number)
	}
	if pr.State != "open" && pr.State != "closed" {
		return fmt.Errorf("%w: pull request #%d has state %q", ErrInvalidRecord, pr.Number, pr.State)
	}
	if pr.User.Login == "" {
		return fmt.Errorf("%w: pull request #%d has no author", ErrInvalidRecord, pr.Number)
	}
	return nil
}

// Review is a single review event on a PR
type Review struct {
	ID          int64  `json:"id"`
	User        User   `json:"user"`
	State       string `json:"state"`
	Body        string `json:"body,omitempty"`
	SubmittedAt string `json:"submitted_at,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ActivityTime returns the timestamp used for the sync watermark.
func (r Review) ActivityTime() string {
	if r.SubmittedAt != "" {
		return r.SubmittedAt
	}
	return r.CreatedAt
}

func (r Review) Validate() error {
	if r.ID <= 0 {
		return fmt.Errorf("%w: review id %d", ErrInvalidRecord, r.ID)
	}
	return nil
}

// Comment is either an issue-style or an inline review comment
type Comment struct {
	ID        int64  `json:"id"`
	User      User   `json:"user"`
	Body      string `json:"body,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	HTMLURL   string `json:"html_url,omitempty"`
}

// ActivityTime returns the timestamp used for the sync watermark.
func (c Comment) ActivityTime() string {
	if c.UpdatedAt != "" {
		return c.UpdatedAt
	}
	return c.CreatedAt
}

func (c Comment) Validate() error {
	if c.ID <= 0 {
		return fmt.Errorf("%w: comment id %d", ErrInvalidRecord, c.ID)
	}
	return nil
}

// CommentKind selects one of the comment buckets
type CommentKind string

const (
	GeneralComments CommentKind = "general" // issues/{n}/comments
	ReviewComments  CommentKind = "review"  // pulls/{n}/comments
	LegacyComments  CommentKind = "legacy"  // written by older versions, read-only for sync
)

// CommentKinds lists every bucket in the order analysis reads them.
var CommentKinds = []CommentKind{GeneralComments, ReviewComments, LegacyComments}

// RepositoryRecord is the per-repository sync metadata
type RepositoryRecord struct {
	LastSync string `json:"last_sync"`
	CachedAt string `json:"cached_at"`
}
