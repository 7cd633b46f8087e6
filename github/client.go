package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cli/go-gh/v2/pkg/api"

	"git.pepabo.com/yukyan/gh-prstats/github/auth"
	"git.pepabo.com/yukyan/gh-prstats/github/model"
	"git.pepabo.com/yukyan/gh-prstats/logger"
	"git.pepabo.com/yukyan/gh-prstats/metrics"
)

const (
	DefaultBaseURL            = "https://api.github.com/"
	DefaultAPIVersion         = "2022-11-28"
	DefaultPerPage            = 100
	DefaultRateLimitThreshold = 10
	DefaultRateLimitWait      = 60 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryWait          = 2 * time.Second
)

// TokenSource yields a bearer token for a repository.
type TokenSource interface {
	Token(ctx context.Context, owner, repo string) (auth.Token, error)
}

// Client fetches pull requests, reviews and comments from the GitHub REST API
type Client struct {
	tokens     TokenSource
	baseURL    string
	host       string
	apiVersion string
	perPage    int
	timeout    time.Duration
	transport  http.RoundTripper

	rateLimitThreshold int
	rateLimitWait      time.Duration
	maxRetries         int
	retryWait          time.Duration

	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	clients map[string]repoClient // keyed by owner/repo
}

// repoClient is the REST client built for the token a repository last used.
type repoClient struct {
	token  string
	client *api.RESTClient
}

// Option configures a Client
type Option func(*Client)

// WithBaseURL sets the REST root, e.g. a GHES endpoint or a test server.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		c.baseURL = baseURL
	}
}

func WithHost(host string) Option {
	return func(c *Client) { c.host = host }
}

func WithAPIVersion(version string) Option {
	return func(c *Client) { c.apiVersion = version }
}

func WithPerPage(n int) Option {
	return func(c *Client) { c.perPage = n }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithRateLimit sets the remaining-quota threshold and how long to wait
// once the quota drops below it.
func WithRateLimit(threshold int, wait time.Duration) Option {
	return func(c *Client) {
		c.rateLimitThreshold = threshold
		c.rateLimitWait = wait
	}
}

// WithRetry sets the number of attempts for transient failures and the wait between them.
func WithRetry(maxRetries int, wait time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryWait = wait
	}
}

// WithSleep replaces the function used for rate-limit and retry waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient creates a new GitHub client
func NewClient(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		tokens:             tokens,
		baseURL:            DefaultBaseURL,
		host:               "github.com",
		apiVersion:         DefaultAPIVersion,
		perPage:            DefaultPerPage,
		timeout:            30 * time.Second,
		transport:          http.DefaultTransport,
		rateLimitThreshold: DefaultRateLimitThreshold,
		rateLimitWait:      DefaultRateLimitWait,
		maxRetries:         DefaultMaxRetries,
		retryWait:          DefaultRetryWait,
		sleep:              Sleep,
		clients:            make(map[string]repoClient),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxRetries < 1 {
		c.maxRetries = 1
	}
	return c
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) restClient(ctx context.Context, owner, repo string) (*api.RESTClient, error) {
	tok, err := c.tokens.Token(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain token for %s/%s: %w", owner, repo, err)
	}

	key := owner + "/" + repo
	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.clients[key]; ok && cached.token == tok.Value {
		return cached.client, nil
	}
	client, err := api.NewRESTClient(api.ClientOptions{
		Host:      c.host,
		AuthToken: tok.Value,
		Timeout:   c.timeout,
		Transport: c.transport,
		Headers: map[string]string{
			"Authorization":        "token " + tok.Value,
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": c.apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GitHub client: %w", err)
	}
	// A refreshed token replaces the client built for the old one.
	c.clients[key] = repoClient{token: tok.Value, client: client}
	return client, nil
}

// PullRequests fetches the PRs of owner/repo, most recently updated first.
// With since set, PRs last updated before it are dropped and paging stops at
// the first page that reaches past it.
func (c *Client) PullRequests(ctx context.Context, owner, repo, since string) ([]model.PullRequest, error) {
	query := url.Values{}
	query.Set("state", "all")
	query.Set("sort", "updated")
	query.Set("direction", "desc")
	path := fmt.Sprintf("repos/%s/%s/pulls", owner, repo)

	return paginate(ctx, c, owner, repo, "pulls", path, query, false, func(page []model.PullRequest) ([]model.PullRequest, bool) {
		if since == "" {
			return page, true
		}
		kept := make([]model.PullRequest, 0, len(page))
		for _, pr := range page {
			if pr.UpdatedAt >= since {
				kept = append(kept, pr)
			}
		}
		return kept, page[len(page)-1].UpdatedAt >= since
	})
}

// Reviews fetches every review of a PR. A missing PR yields an empty list.
func (c *Client) Reviews(ctx context.Context, owner, repo string, number int) ([]model.Review, error) {
	path := fmt.Sprintf("repos/%s/%s/pulls/%d/reviews", owner, repo, number)
	return paginate(ctx, c, owner, repo, "reviews", path, url.Values{}, true, all[model.Review])
}

// ReviewComments fetches the inline review comments of a PR.
func (c *Client) ReviewComments(ctx context.Context, owner, repo string, number int) ([]model.Comment, error) {
	path := fmt.Sprintf("repos/%s/%s/pulls/%d/comments", owner, repo, number)
	return paginate(ctx, c, owner, repo, "review_comments", path, url.Values{}, true, all[model.Comment])
}

// IssueComments fetches the conversation comments of a PR.
func (c *Client) IssueComments(ctx context.Context, owner, repo string, number int) ([]model.Comment, error) {
	path := fmt.Sprintf("repos/%s/%s/issues/%d/comments", owner, repo, number)
	return paginate(ctx, c, owner, repo, "issue_comments", path, url.Values{}, true, all[model.Comment])
}

func all[T any](page []T) ([]T, bool) { return page, true }

// paginate walks page=1,2,... until an empty page or until filter asks to stop.
func paginate[T any](
	ctx context.Context,
	c *Client,
	owner, repo, endpoint, path string,
	query url.Values,
	notFoundIsEmpty bool,
	filter func([]T) ([]T, bool),
) ([]T, error) {
	client, err := c.restClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	items := []T{}
	query.Set("per_page", strconv.Itoa(c.perPage))
	for page := 1; ; page++ {
		query.Set("page", strconv.Itoa(page))
		var batch []T
		header, err := c.get(ctx, client, endpoint, c.baseURL+path+"?"+query.Encode(), &batch)
		if err != nil {
			var httpErr *api.HTTPError
			if notFoundIsEmpty && errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
				return []T{}, nil
			}
			return nil, fmt.Errorf("failed to retrieve %s: %w", path, err)
		}

		// Exit if the response is empty
		if len(batch) == 0 {
			return items, nil
		}

		kept, more := filter(batch)
		items = append(items, kept...)
		if !more {
			return items, nil
		}

		// Only pause when another page will be requested
		if err := c.respectRateLimit(ctx, header); err != nil {
			return nil, err
		}
	}
}

// get performs one page request with retries and returns the response headers.
func (c *Client) get(ctx context.Context, client *api.RESTClient, endpoint, u string, out any) (http.Header, error) {
	var err error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		var resp *http.Response
		resp, err = client.RequestWithContext(ctx, http.MethodGet, u, nil)
		if err == nil {
			metrics.APIRequestsTotal.WithLabelValues(endpoint, metrics.StatusClass(resp.StatusCode)).Inc()
			err = json.NewDecoder(resp.Body).Decode(out)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
			return resp.Header, nil
		}

		var httpErr *api.HTTPError
		if errors.As(err, &httpErr) {
			metrics.APIRequestsTotal.WithLabelValues(endpoint, metrics.StatusClass(httpErr.StatusCode)).Inc()
			if httpErr.StatusCode < 500 {
				return nil, err
			}
		} else {
			metrics.APIRequestsTotal.WithLabelValues(endpoint, metrics.StatusClass(0)).Inc()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt == c.maxRetries {
			break
		}

		logger.Warn().Err(err).Str("endpoint", endpoint).Int("attempt", attempt).Msg("request failed, retrying")
		// Wait before retrying
		if serr := c.sleep(ctx, c.retryWait); serr != nil {
			return nil, serr
		}
	}
	return nil, err
}

func (c *Client) respectRateLimit(ctx context.Context, header http.Header) error {
	value := header.Get("X-RateLimit-Remaining")
	if value == "" {
		return nil
	}
	remaining, err := strconv.Atoi(value)
	if err != nil || remaining >= c.rateLimitThreshold {
		return nil
	}
	logger.Warn().Int("remaining", remaining).Dur("wait", c.rateLimitWait).Msg("rate limit low, waiting")
	metrics.RateLimitWaitsTotal.Inc()
	return c.sleep(ctx, c.rateLimitWait)
}
