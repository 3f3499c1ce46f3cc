package tracker

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// AuthOptions selects how the tracker authenticates. A token wins over App credentials.
type AuthOptions struct {
	Token          string
	AppID          int64
	InstallationID int64
	PrivateKeyFile string
	BaseURL        string
}

// NewTokenSource returns a cached token source for the configured credentials
func NewTokenSource(ctx context.Context, opts AuthOptions) (oauth2.TokenSource, error) {
	if opts.Token != "" {
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}), nil
	}
	if opts.AppID == 0 || opts.InstallationID == 0 || opts.PrivateKeyFile == "" {
		return nil, fmt.Errorf("tracker credentials missing: set a token or app id, installation id and private key")
	}
	pem, err := os.ReadFile(opts.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read app private key: %w", err)
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	src := &AppTokenSource{
		ctx:            ctx,
		AppID:          opts.AppID,
		InstallationID: opts.InstallationID,
		Key:            key,
		BaseURL:        opts.BaseURL,
	}
	return oauth2.ReuseTokenSource(nil, src), nil
}

// AppTokenSource exchanges a signed app JWT for an installation token
type AppTokenSource struct {
	ctx            context.Context
	AppID          int64
	InstallationID int64
	Key            *rsa.PrivateKey
	BaseURL        string
	HTTPClient     *http.Client
	now            func() time.Time
}

// AppJWT signs the short-lived JWT that identifies the app
func (s *AppTokenSource) AppJWT() (string, error) {
	now := time.Now()
	if s.now != nil {
		now = s.now()
	}
	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(s.AppID, 10),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.Key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *AppTokenSource) Token() (*oauth2.Token, error) {
	appJWT, err := s.AppJWT()
	if err != nil {
		return nil, err
	}
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	base := strings.TrimRight(s.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", base, s.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	client := s.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request installation token: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read installation token: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("installation token: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	var tok installationToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode installation token: %w", err)
	}
	return &oauth2.Token{AccessToken: tok.Token, TokenType: "token", Expiry: tok.ExpiresAt}, nil
}
