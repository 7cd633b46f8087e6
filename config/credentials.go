package config

import (
	"errors"
	"fmt"

	"git.pepabo.com/yukyan/gh-prstats/github/auth"
)

// NewTokenProvider picks the credential source: a GitHub App when an app id
// is configured, then an explicit token, then the gh CLI's stored login.
func NewTokenProvider(cfg *Config) (auth.Provider, error) {
	if cfg.GitHub.AppID != 0 {
		pem, err := cfg.PrivateKeyPEM()
		if err != nil {
			return nil, err
		}
		if len(pem) == 0 {
			return nil, fmt.Errorf("%w: set GITHUB_PRIVATE_KEY_PATH or GITHUB_PRIVATE_KEY along with GITHUB_APP_ID", ErrNoCredentials)
		}
		return auth.NewAppProvider(cfg.GitHub.AppID, pem,
			auth.WithAppBaseURL(cfg.GitHub.APIURL),
			auth.WithAppHost(cfg.GitHub.Host),
			auth.WithAppAPIVersion(cfg.GitHub.APIVersion),
		)
	}
	if cfg.GitHub.Token != "" {
		return auth.NewStaticProvider(cfg.GitHub.Token), nil
	}

	p, err := auth.FromGitHubCLI(cfg.GitHub.Host)
	if errors.Is(err, auth.ErrNoToken) {
		return nil, fmt.Errorf("%w: set GITHUB_APP_ID and either GITHUB_PRIVATE_KEY_PATH or GITHUB_PRIVATE_KEY, or GITHUB_TOKEN", ErrNoCredentials)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
