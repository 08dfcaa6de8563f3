package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coinkrazygaming/CodeFlow-sub001/internal/domain"
)

// Client provides typed access to the build API for operator tooling.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// TriggerRequest is the body of a manual or API trigger.
type TriggerRequest struct {
	Branch        string `json:"branch,omitempty"`
	CommitSHA     string `json:"commitSha,omitempty"`
	CommitMessage string `json:"commitMessage,omitempty"`
	ClearCache    bool   `json:"clearCache,omitempty"`
	Source        string `json:"source,omitempty"`
}

// BuildList is one page of a site's builds.
type BuildList struct {
	Builds     []domain.Build    `json:"builds"`
	Pagination domain.Pagination `json:"pagination"`
}

// TriggerBuild starts a build for siteID.
func (c *Client) TriggerBuild(ctx context.Context, siteID string, req TriggerRequest) (*domain.Build, error) {
	var build domain.Build
	if err := c.do(ctx, http.MethodPost, "/sites/"+url.PathEscape(siteID)+"/builds", req, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// ListBuilds returns a page of builds for siteID, newest first.
func (c *Client) ListBuilds(ctx context.Context, siteID string, page, limit int) (BuildList, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/sites/" + url.PathEscape(siteID) + "/builds"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var list BuildList
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return BuildList{}, err
	}
	return list, nil
}

// GetBuild fetches a build including its log.
func (c *Client) GetBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	var build domain.Build
	if err := c.do(ctx, http.MethodGet, "/builds/"+url.PathEscape(buildID), nil, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// CancelBuild stops an active build.
func (c *Client) CancelBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	var build domain.Build
	if err := c.do(ctx, http.MethodPost, "/builds/"+url.PathEscape(buildID)+"/cancel", nil, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// RetryBuild starts a new build from a failed or cancelled one.
func (c *Client) RetryBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	var build domain.Build
	if err := c.do(ctx, http.MethodPost, "/builds/"+url.PathEscape(buildID)+"/retry", nil, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// Logs returns log lines with a sequence greater than after.
func (c *Client) Logs(ctx context.Context, buildID string, after int64) ([]domain.LogLine, error) {
	path := "/builds/" + url.PathEscape(buildID) + "/logs"
	if after > 0 {
		path += "?after=" + strconv.FormatInt(after, 10)
	}
	var resp struct {
		Logs []domain.LogLine `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}
