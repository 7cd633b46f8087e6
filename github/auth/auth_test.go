package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	return key, pemBytes
}

func TestAppProviderJWTClaims(t *testing.T) {
	key, pemBytes := testKey(t)
	p, err := NewAppProvider(42, pemBytes)
	require.NoError(t, err)
	now := time.Now().Truncate(time.Second)
	p.now = func() time.Time { return now }

	signed, err := p.JWT()
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (interface{}, error) {
		require.Equal(t, jwt.SigningMethodRS256, tok.Method)
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.Equal(t, "42", claims.Issuer)
	require.Equal(t, now.Add(-60*time.Second).Unix(), claims.IssuedAt.Unix())
	require.Equal(t, now.Add(10*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestNewAppProviderRejectsBadInput(t *testing.T) {
	_, pemBytes := testKey(t)
	_, err := NewAppProvider(0, pemBytes)
	require.Error(t, err)

	_, err = NewAppProvider(1, []byte("not a key"))
	require.Error(t, err)
}

func TestAppProviderToken(t *testing.T) {
	_, pemBytes := testKey(t)
	expires := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/repos/octo/widgets/installation":
			_ = json.NewEncoder(w).Encode(map[string]any{"id": 99})
		case r.Method == http.MethodPost && r.URL.Path == "/app/installations/99/access_tokens":
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"token": "ghs_abc", "expires_at": expires})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p, err := NewAppProvider(7, pemBytes, WithAppBaseURL(srv.URL))
	require.NoError(t, err)

	tok, err := p.Token(context.Background(), "octo", "widgets")
	require.NoError(t, err)
	require.Equal(t, "ghs_abc", tok.Value)
	require.True(t, expires.Equal(tok.ExpiresAt))

	_, err = p.Token(context.Background(), "octo", "missing")
	require.Error(t, err)
}

type countingProvider struct {
	calls int
	ttl   time.Duration
	now   func() time.Time
}

func (p *countingProvider) Token(_ context.Context, owner, repo string) (Token, error) {
	p.calls++
	if owner == "" {
		return Token{}, errors.New("boom")
	}
	return Token{Value: owner + "/" + repo, ExpiresAt: p.now().Add(p.ttl)}, nil
}

func TestCacheRefreshesOnlyAfterExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	provider := &countingProvider{ttl: time.Hour, now: clock}
	c := NewCache(provider)
	c.now = clock
	ctx := context.Background()

	tok, err := c.Token(ctx, "octo", "widgets")
	require.NoError(t, err)
	require.Equal(t, "octo/widgets", tok.Value)

	_, err = c.Token(ctx, "octo", "widgets")
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls)

	_, err = c.Token(ctx, "octo", "gadgets")
	require.NoError(t, err)
	require.Equal(t, 2, provider.calls)

	now = now.Add(time.Hour)
	_, err = c.Token(ctx, "octo", "widgets")
	require.NoError(t, err)
	require.Equal(t, 3, provider.calls)

	_, err = c.Token(ctx, "", "widgets")
	require.Error(t, err)
}

func TestStaticProvider(t *testing.T) {
	tok, err := NewStaticProvider("abc").Token(context.Background(), "o", "r")
	require.NoError(t, err)
	require.Equal(t, "abc", tok.Value)
	require.False(t, tok.Expired(time.Now()))

	_, err = NewStaticProvider("").Token(context.Background(), "o", "r")
	require.ErrorIs(t, err, ErrNoToken)
}
