package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"medsync/internal/mirror"
)

// APIError represents a non-2xx response from the media server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" && e.Message != "" {
		return fmt.Sprintf("media server error: %s (%d): %s", e.Code, e.Status, e.Message)
	}
	if e.Code != "" {
		return fmt.Sprintf("media server error: %s (%d)", e.Code, e.Status)
	}
	if e.Message != "" {
		return fmt.Sprintf("media server error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("media server error (%d)", e.Status)
}

// unsupported reports whether the server does not implement the endpoint.
func (e *APIError) unsupported() bool {
	switch e.Status {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return true
	}
	return false
}

type apiErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// Defaults for HTTPRemote.
const (
	DefaultPageSize = 500
	maxPages        = 100000
	maxErrorBody    = 64 << 10
)

// HTTPOptions configures an HTTPRemote.
type HTTPOptions struct {
	Name     string
	BaseURL  string
	Token    string
	PageSize int
	// Client overrides the HTTP client. It must not set a global timeout:
	// downloads are bounded by their context instead.
	Client *http.Client
	Logger mirror.Logger
}

// HTTPRemote talks to the media server's REST API.
type HTTPRemote struct {
	name       string
	baseURL    *url.URL
	token      string
	pageSize   int
	httpClient *http.Client
	logger     mirror.Logger
}

// NewHTTPRemote constructs an HTTPRemote.
func NewHTTPRemote(opts HTTPOptions) (*HTTPRemote, error) {
	base, err := NormalizeBaseURL(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 30 * time.Second,
				IdleConnTimeout:       90 * time.Second,
				MaxIdleConnsPerHost:   mirror.MaxConcurrency,
			},
		}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = mirror.NewNopLogger()
	}
	name := opts.Name
	if name == "" {
		name = base.Host
	}
	return &HTTPRemote{
		name:       name,
		baseURL:    base,
		token:      opts.Token,
		pageSize:   pageSize,
		httpClient: client,
		logger:     logger,
	}, nil
}

// NormalizeBaseURL validates a server URL and ensures it has a scheme.
func NormalizeBaseURL(raw string) (*url.URL, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, fmt.Errorf("server url cannot be empty")
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("server url must start with http:// or https://")
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/")
	parsed.RawQuery = ""
	return parsed, nil
}

func (c *HTTPRemote) Name() string { return c.name }

// Commits fetches change-log entries newer than since.
func (c *HTTPRemote) Commits(ctx context.Context, since *time.Time) ([]mirror.Commit, error) {
	query := url.Values{}
	if since != nil {
		query.Set("since_timestamp", since.UTC().Format(time.RFC3339))
	}
	data, err := c.getBytes(ctx, "commits", query)
	if err != nil {
		return nil, err
	}
	return decodeCommits(data)
}

// ListFiles fetches the whole listing in one request and falls back to
// paging when the server does not support or ignores "all".
func (c *HTTPRemote) ListFiles(ctx context.Context) ([]mirror.RemoteFile, error) {
	data, err := c.getBytes(ctx, "files", url.Values{"all": {"true"}})
	if err == nil {
		page, err := decodeListing(data)
		if err != nil {
			return nil, err
		}
		if !page.HasNext {
			return page.Files, nil
		}
		c.logger.Debug("server ignored all=true, paging listing")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.unsupported() {
			return nil, err
		}
		c.logger.Debug("single-shot listing unsupported, paging listing", "status", apiErr.Status)
	}
	return c.listPaged(ctx)
}

func (c *HTTPRemote) listPaged(ctx context.Context) ([]mirror.RemoteFile, error) {
	var files []mirror.RemoteFile
	for pageNum := 1; pageNum <= maxPages; pageNum++ {
		query := url.Values{}
		query.Set("page", fmt.Sprint(pageNum))
		query.Set("page_size", fmt.Sprint(c.pageSize))

		data, err := c.getBytes(ctx, "files", query)
		if err != nil {
			return nil, fmt.Errorf("listing page %d: %w", pageNum, err)
		}
		page, err := decodeListing(data)
		if err != nil {
			return nil, fmt.Errorf("listing page %d: %w", pageNum, err)
		}
		files = append(files, page.Files...)
		if !page.HasNext || len(page.Files) == 0 {
			return files, nil
		}
	}
	return nil, fmt.Errorf("file listing exceeded %d pages", maxPages)
}

// CountFiles asks the server for an in-scope file count and derives it from
// the listing when the count endpoint is unavailable.
func (c *HTTPRemote) CountFiles(ctx context.Context, folders []string) (int, error) {
	query := url.Values{}
	for _, f := range folders {
		query.Add("folder", f)
	}

	var resp struct {
		Count *int `json:"count"`
	}
	data, err := c.getBytes(ctx, "files/count", query)
	if err == nil {
		if jerr := json.Unmarshal(data, &resp); jerr == nil && resp.Count != nil {
			return *resp.Count, nil
		}
		c.logger.Debug("unexpected count response, counting listing")
	} else {
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.unsupported() {
			return 0, err
		}
	}

	files, err := c.ListFiles(ctx)
	if err != nil {
		return 0, err
	}
	filter := mirror.NewFolderFilter(folders)
	n := 0
	for _, f := range files {
		if filter.IsInScope(f.Path) {
			n++
		}
	}
	return n, nil
}

// Download streams the raw content of remotePath. The caller closes the body.
func (c *HTTPRemote) Download(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, "download", url.Values{"filepath": {remotePath}}, "")
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *HTTPRemote) getBytes(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	resp, err := c.do(ctx, endpoint, query, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", endpoint, err)
	}
	return data, nil
}

// do issues a GET and returns the response for 2xx statuses. Other statuses
// are turned into *APIError and the body is closed.
func (c *HTTPRemote) do(ctx context.Context, endpoint string, query url.Values, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(endpoint, query), nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", endpoint, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{Status: resp.StatusCode}
	var payload apiErrorPayload
	if err := json.Unmarshal(body, &payload); err == nil {
		apiErr.Code = payload.Error
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Detail
		}
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return nil, apiErr
}

func (c *HTTPRemote) buildURL(endpoint string, query url.Values) string {
	u := *c.baseURL
	u.Path = u.Path + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Compile-time check
var _ mirror.Remote = (*HTTPRemote)(nil)
