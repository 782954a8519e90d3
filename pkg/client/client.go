// Package client is a thin HTTP client for the object storage service API.
package client

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
)

// Client errors.
var (
	ErrNotFound = errors.New("not found")
	ErrBusy     = errors.New("resource busy")
)

// Scope identifies the tenant+user namespace requests operate in.
type Scope struct {
	TenantID string `json:"tenantId"`
	UserID   string `json:"userId"`
}

// ObjectInfo mirrors the service's stored-object metadata.
type ObjectInfo struct {
	ObjectID     string            `json:"objectId"`
	Scope        Scope             `json:"scope"`
	FileName     string            `json:"fileName"`
	Size         uint64            `json:"size"`
	MimeType     string            `json:"mimeType"`
	CreatedAt    time.Time         `json:"createdAt"`
	LastModified time.Time         `json:"lastModified"`
	Checksum     string            `json:"checksum,omitempty"`
	ETag         string            `json:"etag"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Client talks to one object storage service.
type Client struct {
	baseURL string
	token   string // optional bearer token
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a client for the service at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) scopeURL(scope Scope, parts ...string) string {
	segments := append([]string{c.baseURL, "v1",
		url.PathEscape(scope.TenantID), url.PathEscape(scope.UserID)}, parts...)
	return strings.Join(segments, "/")
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

// decodeError turns a non-2xx response into an error, preserving the
// service's error message.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	msg := resp.Status
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		msg = body.Error
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrBusy, msg)
	default:
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, msg)
	}
}

func (c *Client) objectRequest(ctx context.Context, method, u string, body io.Reader) (*ObjectInfo, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	var obj ObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &obj, nil
}

// Upload stores content and returns the resulting object, which may be an
// existing one when the service deduplicates.
func (c *Client) Upload(ctx context.Context, scope Scope, content io.Reader, fileName, mimeType string) (*ObjectInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.scopeURL(scope, "objects"), content)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-File-Name", fileName)
	if mimeType != "" {
		req.Header.Set("Content-Type", mimeType)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}
	var obj ObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &obj, nil
}

// Append adds content to the end of an existing object.
func (c *Client) Append(ctx context.Context, scope Scope, objectID string, content io.Reader) (*ObjectInfo, error) {
	return c.objectRequest(ctx, http.MethodPost, c.scopeURL(scope, "objects", url.PathEscape(objectID), "append"), content)
}

// Download streams an object's content. The caller owns the returned
// ReadCloser.
func (c *Client) Download(ctx context.Context, scope Scope, objectID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.scopeURL(scope, "objects", url.PathEscape(objectID)), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeError(resp)
	}
	return resp.Body, nil
}

// GetMetadata fetches an object's metadata.
func (c *Client) GetMetadata(ctx context.Context, scope Scope, objectID string) (*ObjectInfo, error) {
	return c.objectRequest(ctx, http.MethodGet, c.scopeURL(scope, "objects", url.PathEscape(objectID), "meta"), nil)
}

// Delete removes an object and returns its last metadata.
func (c *Client) Delete(ctx context.Context, scope Scope, objectID string) (*ObjectInfo, error) {
	return c.objectRequest(ctx, http.MethodDelete, c.scopeURL(scope, "objects", url.PathEscape(objectID)), nil)
}

// List enumerates a scope's objects.
func (c *Client) List(ctx context.Context, scope Scope) ([]ObjectInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.scopeURL(scope, "objects"), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var objects []ObjectInfo
	if err := json.NewDecoder(resp.Body).Decode(&objects); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return objects, nil
}

// LookupByChecksum resolves a lowercase hex SHA-256 content hash to an
// object, or ErrNotFound.
func (c *Client) LookupByChecksum(ctx context.Context, scope Scope, checksum string) (*ObjectInfo, error) {
	return c.objectRequest(ctx, http.MethodGet, c.scopeURL(scope, "lookup", url.PathEscape(checksum)), nil)
}
