// Package analysis talks to the remote analysis service: artifact upload,
// job submission and status polling.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/user/scanrelay/pkg/engine"
)

// Artifact is one CI input sent for analysis
type Artifact struct {
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Digest  string `json:"digest"`
	Content []byte `json:"content"`
}

// Request describes the job to run over previously uploaded artifacts
type Request struct {
	Scope     string   `json:"scope"`
	UploadIDs []string `json:"uploads"`
}

// Options configures the client
type Options struct {
	BaseURL     string
	Token       string
	Timeout     time.Duration
	Concurrency int
}

// Client is the HTTP client for the analysis service
type Client struct {
	baseURL     *url.URL
	http        *http.Client
	concurrency int
}

// New creates a client. A token, when set, is sent as a bearer credential.
func New(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid analysis url %q", opts.BaseURL)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var transport http.RoundTripper = otelhttp.NewTransport(http.DefaultTransport)
	if opts.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
			Base:   transport,
		}
	}
	return &Client{
		baseURL:     base,
		http:        &http.Client{Transport: transport, Timeout: timeout},
		concurrency: concurrency,
	}, nil
}

type idResponse struct {
	ID string `json:"id"`
}

// Upload sends one artifact and returns the upload ID
func (c *Client) Upload(ctx context.Context, a Artifact) (string, error) {
	var resp idResponse
	if err := c.call(ctx, http.MethodPost, "/v1/uploads", a, nil, &resp); err != nil {
		return "", fmt.Errorf("upload %s: %w", a.Name, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("upload %s: service returned no id", a.Name)
	}
	return resp.ID, nil
}

// UploadAll uploads artifacts concurrently. IDs keep the input order.
// Any failure cancels the rest and is returned.
func (c *Client) UploadAll(ctx context.Context, artifacts []Artifact) ([]string, error) {
	ids := make([]string, len(artifacts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, a := range artifacts {
		g.Go(func() error {
			id, err := c.Upload(ctx, a)
			if err != nil {
				return err
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// SubmitJob starts an analysis job. The idempotency key is derived from the
// scope and upload IDs, so resubmitting the same uploads maps to the same job.
func (c *Client) SubmitJob(ctx context.Context, req Request) (engine.Job, error) {
	headers := map[string]string{"Idempotency-Key": IdempotencyKey(req)}
	var resp idResponse
	if err := c.call(ctx, http.MethodPost, "/v1/jobs", req, headers, &resp); err != nil {
		return engine.Job{}, fmt.Errorf("submit job: %w", err)
	}
	if resp.ID == "" {
		return engine.Job{}, fmt.Errorf("submit job: service returned no id")
	}
	return engine.Job{ID: resp.ID, SubmittedAt: time.Now().UTC()}, nil
}

// IdempotencyKey names a job request by its scope and uploads
func IdempotencyKey(req Request) string {
	name := req.Scope + "\n" + strings.Join(req.UploadIDs, "\n")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

type jobResponse struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Results []subjectResult `json:"results"`
}

type subjectResult struct {
	Subject  engine.Subject `json:"subject"`
	Findings []findingDTO   `json:"findings"`
}

type findingDTO struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Severity string `json:"severity"`
	Package  string `json:"package"`
	FixedIn  string `json:"fixed_in"`
	URL      string `json:"url"`
}

// GetJobStatus reports the job state. Findings are only returned once the job succeeded.
func (c *Client) GetJobStatus(ctx context.Context, job engine.Job) (engine.Status, engine.FindingSet, error) {
	var resp jobResponse
	if err := c.call(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(job.ID), nil, nil, &resp); err != nil {
		return engine.StatusUnknown, nil, fmt.Errorf("job %s status: %w", job.ID, err)
	}
	status := engine.ParseStatus(resp.Status)
	if status != engine.StatusSucceeded {
		return status, nil, nil
	}
	return status, toFindingSet(resp.Results), nil
}

func toFindingSet(results []subjectResult) engine.FindingSet {
	set := make(engine.FindingSet, 0, len(results))
	for _, r := range results {
		sf := engine.SubjectFindings{Subject: r.Subject, Findings: make([]engine.Finding, 0, len(r.Findings))}
		for _, f := range r.Findings {
			if f.ID == "" {
				continue
			}
			sf.Findings = append(sf.Findings, engine.Finding{
				ID:       f.ID,
				Title:    f.Title,
				Severity: engine.NormalizeSeverity(f.Severity),
				Package:  f.Package,
				FixedIn:  f.FixedIn,
				URL:      f.URL,
			})
		}
		set = append(set, sf)
	}
	return set
}

// APIError is a non-2xx answer from the service
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("service error: status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) call(ctx context.Context, method, path string, payload any, headers map[string]string, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call service: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	return nil
}
