// Package hub talks to a Hugging Face compatible hub and maintains the
// local content-addressed model cache.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strings"
	"time"
)

const (
	defaultBaseURL   = "https://huggingface.co"
	defaultUserAgent = "lemonade-server"

	// TokenEnv is the environment variable holding the hub access token
	// used for gated repositories.
	TokenEnv = "HF_TOKEN"

	// downloadIdleTimeout bounds the gap between received chunks during a
	// download. Stalled transfers fail and go through the retry policy
	// instead of hanging.
	downloadIdleTimeout = 5 * time.Minute
)

// Client handles hub API interactions.
type Client struct {
	httpClient *http.Client
	userAgent  string
	token      string
	baseURL    string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sets the hub API token for authentication.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.token = token
		}
	}
}

// WithTransport sets the HTTP transport for the client.
func WithTransport(transport http.RoundTripper) ClientOption {
	return func(c *Client) {
		if transport != nil {
			c.httpClient.Transport = transport
		}
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(userAgent string) ClientOption {
	return func(c *Client) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithBaseURL sets a custom base URL (useful for testing).
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		if baseURL != "" {
			c.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

// NewClient creates a new hub API client. The access token defaults to the
// HF_TOKEN environment variable.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Transport: &http.Transport{
			DialContext: idleTimeoutDialer(&net.Dialer{}, downloadIdleTimeout),
		}},
		userAgent: defaultUserAgent,
		baseURL:   defaultBaseURL,
		token:     os.Getenv(TokenEnv),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// idleTimeoutDialer wraps dialed connections so each read must make
// progress within timeout.
func idleTimeoutDialer(d *net.Dialer, timeout time.Duration) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		return &idleTimeoutConn{Conn: conn, timeout: timeout}, nil
	}
}

// idleTimeoutConn refreshes the read deadline before every read.
type idleTimeoutConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleTimeoutConn) Read(p []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(p)
}

// RepoFile is a single entry in a repository tree listing.
type RepoFile struct {
	Type string `json:"type"`
	Path string `json:"path"`
	Size int64  `json:"size"`
	OID  string `json:"oid"`
	LFS  *struct {
		OID  string `json:"oid"`
		Size int64  `json:"size"`
	} `json:"lfs,omitempty"`
}

// ActualSize returns the file's true byte size, preferring LFS metadata
// over the pointer file size.
func (f RepoFile) ActualSize() int64 {
	if f.LFS != nil && f.LFS.Size > 0 {
		return f.LFS.Size
	}
	return f.Size
}

// Digest returns the content identifier used to name the file's blob in
// the local cache.
func (f RepoFile) Digest() string {
	if f.LFS != nil && f.LFS.OID != "" {
		return f.LFS.OID
	}
	return f.OID
}

// ModelInfo is repository metadata from the hub API.
type ModelInfo struct {
	ID       string   `json:"id"`
	Tags     []string `json:"tags"`
	Siblings []struct {
		RFilename string `json:"rfilename"`
	} `json:"siblings"`
}

// GetModelInfo fetches repository metadata, including the sibling file
// list and tags.
func (c *Client) GetModelInfo(ctx context.Context, repo string) (*ModelInfo, error) {
	url := fmt.Sprintf("%s/api/models/%s", c.baseURL, repo)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get model info: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp, repo); err != nil {
		return nil, err
	}

	var info ModelInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &info, nil
}

// ListFiles returns all files in a repository at a given revision,
// recursively traversing all directories.
func (c *Client) ListFiles(ctx context.Context, repo, revision string) ([]RepoFile, error) {
	if revision == "" {
		revision = "main"
	}
	return c.listFilesRecursive(ctx, repo, revision, "")
}

func (c *Client) listFilesRecursive(ctx context.Context, repo, revision, filePath string) ([]RepoFile, error) {
	entries, err := c.listFilesInPath(ctx, repo, revision, filePath)
	if err != nil {
		return nil, err
	}

	var allFiles []RepoFile
	for _, entry := range entries {
		switch entry.Type {
		case "file":
			allFiles = append(allFiles, entry)
		case "directory":
			subFiles, err := c.listFilesRecursive(ctx, repo, revision, entry.Path)
			if err != nil {
				return nil, fmt.Errorf("list files in %s: %w", entry.Path, err)
			}
			allFiles = append(allFiles, subFiles...)
		}
	}
	return allFiles, nil
}

func (c *Client) listFilesInPath(ctx context.Context, repo, revision, filePath string) ([]RepoFile, error) {
	endpointPath := path.Join(revision, filePath)
	url := fmt.Sprintf("%s/api/models/%s/tree/%s", c.baseURL, repo, endpointPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer resp.Body.Close()

	if err := c.checkResponse(resp, repo); err != nil {
		return nil, err
	}

	var files []RepoFile
	if err := json.NewDecoder(resp.Body).Decode(&files); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return files, nil
}

// DownloadFile streams a file from the repository starting at the given
// byte offset. The offset supports resuming interrupted downloads. It
// returns the reader and the number of bytes remaining (-1 if unknown).
func (c *Client) DownloadFile(ctx context.Context, repo, revision, filename string, offset int64) (io.ReadCloser, int64, error) {
	if revision == "" {
		revision = "main"
	}

	// The resolve endpoint follows LFS redirects automatically.
	url := fmt.Sprintf("%s/%s/resolve/%s/%s", c.baseURL, repo, revision, filename)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("download file: %w", err)
	}

	if offset > 0 && resp.StatusCode == http.StatusOK {
		// Server ignored the range request; the caller must restart from
		// the beginning.
		resp.Body.Close()
		return nil, 0, errRangeNotSatisfied
	}
	if offset > 0 && resp.StatusCode == http.StatusPartialContent {
		return resp.Body, resp.ContentLength, nil
	}
	if err := c.checkResponse(resp, repo); err != nil {
		resp.Body.Close()
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func (c *Client) checkResponse(resp *http.Response, repo string) error {
	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Repo: repo, StatusCode: resp.StatusCode}
	case http.StatusNotFound:
		return &NotFoundError{Repo: repo}
	case http.StatusTooManyRequests:
		return &RateLimitError{Repo: repo}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// AuthError indicates authentication failure.
type AuthError struct {
	Repo       string
	StatusCode int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication required for repository %q (status %d)", e.Repo, e.StatusCode)
}

// NotFoundError indicates the repository or file was not found.
type NotFoundError struct {
	Repo string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("repository %q not found", e.Repo)
}

// RateLimitError indicates rate limiting.
type RateLimitError struct {
	Repo string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited while accessing repository %q", e.Repo)
}
