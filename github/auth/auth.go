// Package auth provides the credentials used to call the GitHub API.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cli/go-gh/v2/pkg/api"
	ghauth "github.com/cli/go-gh/v2/pkg/auth"
	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken is returned when no credential source yields a token.
var ErrNoToken = errors.New("no GitHub token available")

// Token is a bearer credential. A zero ExpiresAt never expires.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Expired reports whether the token can no longer be used at now.
func (t Token) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// Provider yields a token authorized for owner/repo.
type Provider interface {
	Token(ctx context.Context, owner, repo string) (Token, error)
}

// StaticProvider hands out the same non-expiring token for every repository.
type StaticProvider struct {
	token string
}

func NewStaticProvider(token string) *StaticProvider {
	return &StaticProvider{token: token}
}

// FromGitHubCLI reads the token stored by `gh auth login` (or GH_TOKEN /
// GITHUB_TOKEN) for host.
func FromGitHubCLI(host string) (*StaticProvider, error) {
	token, _ := ghauth.TokenForHost(host)
	if token == "" {
		return nil, fmt.Errorf("%w for host %s", ErrNoToken, host)
	}
	return NewStaticProvider(token), nil
}

func (p *StaticProvider) Token(_ context.Context, _, _ string) (Token, error) {
	if p.token == "" {
		return Token{}, ErrNoToken
	}
	return Token{Value: p.token}, nil
}

// AppProvider authenticates as a GitHub App installation.
type AppProvider struct {
	appID      int64
	key        *rsa.PrivateKey
	baseURL    string
	host       string
	apiVersion string
	transport  http.RoundTripper
	now        func() time.Time
}

// AppOption configures an AppProvider.
type AppOption func(*AppProvider)

// WithAppBaseURL points the provider at another REST root (e.g. GHES or a test server).
func WithAppBaseURL(baseURL string) AppOption {
	return func(p *AppProvider) {
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}
		p.baseURL = baseURL
	}
}

func WithAppHost(host string) AppOption {
	return func(p *AppProvider) { p.host = host }
}

func WithAppAPIVersion(version string) AppOption {
	return func(p *AppProvider) { p.apiVersion = version }
}

func WithAppTransport(rt http.RoundTripper) AppOption {
	return func(p *AppProvider) { p.transport = rt }
}

// NewAppProvider parses the PEM-encoded app private key.
func NewAppProvider(appID int64, privateKeyPEM []byte, opts ...AppOption) (*AppProvider, error) {
	if appID <= 0 {
		return nil, fmt.Errorf("invalid GitHub App id %d", appID)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse GitHub App private key: %w", err)
	}
	p := &AppProvider{
		appID:      appID,
		key:        key,
		baseURL:    "https://api.github.com/",
		host:       "github.com",
		apiVersion: "2022-11-28",
		transport:  http.DefaultTransport,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// JWT returns an app token valid for ten minutes, backdated a minute for clock skew.
func (p *AppProvider) JWT() (string, error) {
	now := p.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    strconv.FormatInt(p.appID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(p.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

// Token looks up the installation for owner/repo and exchanges the app JWT
// for an installation access token.
func (p *AppProvider) Token(ctx context.Context, owner, repo string) (Token, error) {
	appJWT, err := p.JWT()
	if err != nil {
		return Token{}, err
	}

	client, err := api.NewRESTClient(api.ClientOptions{
		Host:      p.host,
		AuthToken: appJWT,
		Transport: p.transport,
		Headers: map[string]string{
			"Authorization":        "Bearer " + appJWT,
			"Accept":               "application/vnd.github+json",
			"X-GitHub-Api-Version": p.apiVersion,
		},
	})
	if err != nil {
		return Token{}, fmt.Errorf("failed to create app client: %w", err)
	}

	var installation struct {
		ID int64 `json:"id"`
	}
	path := fmt.Sprintf("%srepos/%s/%s/installation", p.baseURL, owner, repo)
	if err := client.DoWithContext(ctx, http.MethodGet, path, nil, &installation); err != nil {
		return Token{}, fmt.Errorf("failed to find app installation for %s/%s: %w", owner, repo, err)
	}

	var resp struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	path = fmt.Sprintf("%sapp/installations/%d/access_tokens", p.baseURL, installation.ID)
	if err := client.DoWithContext(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return Token{}, fmt.Errorf("failed to create installation token for %s/%s: %w", owner, repo, err)
	}
	if resp.Token == "" {
		return Token{}, fmt.Errorf("%w: empty installation token for %s/%s", ErrNoToken, owner, repo)
	}
	return Token{Value: resp.Token, ExpiresAt: resp.ExpiresAt}, nil
}

// Cache memoizes tokens per owner/repo until they expire.
type Cache struct {
	provider Provider
	now      func() time.Time

	mu     sync.Mutex
	tokens map[string]Token
}

// NewCache wraps provider with an in-memory token cache.
func NewCache(provider Provider) *Cache {
	return &Cache{
		provider: provider,
		now:      time.Now,
		tokens:   make(map[string]Token),
	}
}

// Token returns the cached token for owner/repo, asking the provider again
// once it has expired.
func (c *Cache) Token(ctx context.Context, owner, repo string) (Token, error) {
	key := owner + "/" + repo

	c.mu.Lock()
	tok, ok := c.tokens[key]
	c.mu.Unlock()
	if ok && !tok.Expired(c.now()) {
		return tok, nil
	}

	tok, err := c.provider.Token(ctx, owner, repo)
	if err != nil {
		return Token{}, err
	}

	c.mu.Lock()
	c.tokens[key] = tok
	c.mu.Unlock()
	return tok, nil
}
