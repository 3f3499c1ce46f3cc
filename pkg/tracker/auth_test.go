package tracker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeKey(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "app.pem")
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return key, path
}

func TestAppTokenExchange(t *testing.T) {
	key, path := writeKey(t)
	var calls atomic.Int32
	var issuer string

	r := chi.NewRouter()
	r.Post("/app/installations/{id}/access_tokens", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		tok, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(*jwt.Token) (any, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if err != nil || chi.URLParam(r, "id") != "99" {
			http.Error(w, "bad jwt", http.StatusUnauthorized)
			return
		}
		issuer, _ = tok.Claims.GetIssuer()
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_installation",
			"expires_at": time.Now().Add(time.Hour),
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	ts, err := NewTokenSource(context.Background(), AuthOptions{
		AppID:          42,
		InstallationID: 99,
		PrivateKeyFile: path,
		BaseURL:        srv.URL,
	})
	require.NoError(t, err)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation", tok.AccessToken)
	assert.Equal(t, "42", issuer)

	// cached until expiry
	_, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenSourcePrefersToken(t *testing.T) {
	ts, err := NewTokenSource(context.Background(), AuthOptions{Token: "pat", AppID: 1})
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "pat", tok.AccessToken)
}

func TestTokenSourceRequiresCredentials(t *testing.T) {
	_, err := NewTokenSource(context.Background(), AuthOptions{AppID: 1})
	assert.Error(t, err)
}

func TestAppTokenTruncatedBody(t *testing.T) {
	key, _ := writeKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token":`))
	}))
	defer srv.Close()

	src := &AppTokenSource{AppID: 42, InstallationID: 99, Key: key, BaseURL: srv.URL}
	_, err := src.Token()
	assert.ErrorContains(t, err, "read installation token")
}
