package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/oauth2"

	"github.com/user/scanrelay/pkg/engine"
	"github.com/user/scanrelay/pkg/store"
)

// DefaultBaseURL is the public GitHub REST endpoint
const DefaultBaseURL = "https://api.github.com"

const perPage = 100

// GitHubOptions configures the issues publisher
type GitHubOptions struct {
	BaseURL     string
	Repo        string // owner/name
	TitlePrefix string
	Summarizer  Summarizer
	Logger      *slog.Logger
}

// GitHub publishes batches as GitHub issues labelled with the scope
type GitHub struct {
	baseURL     string
	owner       string
	repo        string
	titlePrefix string
	summarizer  Summarizer
	logger      *slog.Logger
	http        *http.Client

	mu     sync.Mutex
	issues map[string]map[int]int // scope -> batch -> issue number
}

// NewGitHub creates a publisher authenticated by ts
func NewGitHub(opts GitHubOptions, ts oauth2.TokenSource) (*GitHub, error) {
	owner, repo, ok := strings.Cut(opts.Repo, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("tracker repo must be owner/name, got %q", opts.Repo)
	}
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)
	if ts != nil {
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}
	return &GitHub{
		baseURL:     base,
		owner:       owner,
		repo:        repo,
		titlePrefix: opts.TitlePrefix,
		summarizer:  opts.Summarizer,
		logger:      logger,
		http:        &http.Client{Transport: transport, Timeout: 30 * time.Second},
		issues:      make(map[string]map[int]int),
	}, nil
}

type issue struct {
	Number      int             `json:"number"`
	Title       string          `json:"title"`
	Body        string          `json:"body"`
	PullRequest json.RawMessage `json:"pull_request,omitempty"`
}

type issueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// Existing lists every issue (open or closed) carrying label and returns the
// ones whose title names a batch
func (g *GitHub) Existing(ctx context.Context, label string) ([]Published, error) {
	var out []Published
	index := make(map[int]int)
	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("labels", label)
		q.Set("state", "all")
		q.Set("per_page", strconv.Itoa(perPage))
		q.Set("page", strconv.Itoa(page))

		var issues []issue
		if err := g.call(ctx, http.MethodGet, g.repoPath("/issues")+"?"+q.Encode(), nil, &issues); err != nil {
			return nil, fmt.Errorf("list issues labelled %q: %w", label, err)
		}
		for _, is := range issues {
			if len(is.PullRequest) > 0 {
				continue
			}
			n, ok := engine.ParseBatchNumber(is.Title)
			if !ok {
				continue
			}
			p := Published{Batch: n, Issue: is.Number, Title: is.Title}
			if uri, ok := ParseRef(is.Body); ok {
				p.Ref = store.Ref{Scope: label, Number: n, URI: uri}
			}
			if _, dup := index[n]; !dup {
				index[n] = is.Number
			}
			out = append(out, p)
		}
		if len(issues) < perPage {
			break
		}
	}

	g.mu.Lock()
	g.issues[label] = index
	g.mu.Unlock()
	g.logger.Debug("loaded published batches", "scope", label, "issues", len(out), "highest_batch", HighestBatch(out))
	return out, nil
}

// Publish creates the issue for a batch, or updates the one already carrying
// its number, and returns the issue number
func (g *GitHub) Publish(ctx context.Context, b engine.Batch, ref store.Ref) (string, error) {
	ctx, span := otel.Tracer("scanrelay/tracker").Start(ctx, "tracker.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", b.Scope),
		attribute.Int("batch", b.Number),
	)

	issueNumber, err := g.lookup(ctx, b)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failed")
		return "", err
	}

	digest := ""
	if g.summarizer != nil {
		digest, err = g.summarizer.Summarize(ctx, b)
		if err != nil {
			g.logger.Warn("batch digest unavailable", "scope", b.Scope, "batch", b.Number, "error", err)
			digest = ""
		}
	}
	text, err := RenderBody(b, ref, digest)
	if err != nil {
		return "", err
	}
	req := issueRequest{Title: b.Title(g.titlePrefix), Body: text}

	var resp issue
	if issueNumber > 0 {
		err = g.call(ctx, http.MethodPatch, g.repoPath(fmt.Sprintf("/issues/%d", issueNumber)), req, &resp)
	} else {
		req.Labels = []string{b.Scope}
		err = g.call(ctx, http.MethodPost, g.repoPath("/issues"), req, &resp)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return "", fmt.Errorf("publish batch %d: %w", b.Number, err)
	}

	g.mu.Lock()
	if g.issues[b.Scope] == nil {
		g.issues[b.Scope] = make(map[int]int)
	}
	g.issues[b.Scope][b.Number] = resp.Number
	g.mu.Unlock()

	g.logger.Info("published batch", "scope", b.Scope, "batch", b.Number, "total", b.Total, "issue", resp.Number, "updated", issueNumber > 0)
	return strconv.Itoa(resp.Number), nil
}

func (g *GitHub) lookup(ctx context.Context, b engine.Batch) (int, error) {
	g.mu.Lock()
	index, loaded := g.issues[b.Scope]
	g.mu.Unlock()
	if !loaded {
		if _, err := g.Existing(ctx, b.Scope); err != nil {
			return 0, err
		}
		g.mu.Lock()
		index = g.issues[b.Scope]
		g.mu.Unlock()
	}
	return index[b.Number], nil
}

func (g *GitHub) repoPath(suffix string) string {
	return fmt.Sprintf("/repos/%s/%s%s", url.PathEscape(g.owner), url.PathEscape(g.repo), suffix)
}

func (g *GitHub) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("call github: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("github: status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("invalid response: %w", err)
		}
	}
	return nil
}
