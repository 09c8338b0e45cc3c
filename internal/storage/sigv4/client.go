package sigv4

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/aliskhannn/webp-offload/internal/config"
)

// DefaultTimeout is the lower bound of the per-request timeout.
const DefaultTimeout = 60 * time.Second

// Client uploads and deletes single objects on an S3-compatible endpoint
// using path-style addressing.
type Client struct {
	target      config.StorageTarget
	signer      *Signer
	endpoint    *url.URL
	endpointErr error
	httpClient  *http.Client
	now         func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client, e.g. for tests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithClock replaces the signing clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Client for target. An incomplete target is accepted; its
// operations then fail with ErrNotConfigured.
func New(target config.StorageTarget, opts ...Option) *Client {
	timeout := target.Timeout
	if timeout < DefaultTimeout {
		timeout = DefaultTimeout
	}

	c := &Client{
		target:     target,
		signer:     NewSigner(target.AccessKey, target.SecretKey, target.SigningRegion()),
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}

	raw, err := target.ResolveEndpoint()
	if err == nil {
		c.endpoint, err = url.Parse(raw)
	}
	c.endpointErr = err

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// IsConfigured reports whether identifier, access key, secret key and bucket
// are all set.
func (c *Client) IsConfigured() bool {
	t := c.target
	return t.Identifier() != "" && t.AccessKey != "" && t.SecretKey != "" && t.Bucket != ""
}

// PublicURL returns the public CDN URL of key.
func (c *Client) PublicURL(key string) string {
	return c.target.PublicURL(key)
}

// PutObject uploads content under key. It succeeds only on 200 or 201.
func (c *Client) PutObject(ctx context.Context, key string, content []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := c.newRequest(ctx, http.MethodPut, key, content)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(content)))
	req.Header.Set("Content-Type", contentType)

	return c.do(req, "put", key, PayloadHash(content), http.StatusOK, http.StatusCreated)
}

// DeleteObject removes key. It succeeds on 200 or 204.
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, key, nil)
	if err != nil {
		return err
	}

	return c.do(req, "delete", key, EmptyPayloadHash, http.StatusOK, http.StatusNoContent)
}

// UploadFile reads path fully and uploads it under key. The content type is
// detected when empty.
func (c *Client) UploadFile(ctx context.Context, path, key, contentType string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return &FileReadError{Path: path, Err: err}
	}

	if contentType == "" {
		contentType = mimetype.Detect(content).String()
	}

	return c.PutObject(ctx, key, content, contentType)
}

func (c *Client) newRequest(ctx context.Context, method, key string, body []byte) (*http.Request, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if c.endpointErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConfigured, c.endpointErr)
	}

	u := *c.endpoint
	path := strings.TrimRight(u.Path, "/") + "/" + c.target.Bucket + "/" + strings.TrimLeft(key, "/")
	u.Path = path
	u.RawPath = CanonicalURI(path)
	u.RawQuery = ""

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", strings.ToLower(method), err)
	}

	return req, nil
}

func (c *Client) do(req *http.Request, op, key, payloadHash string, okCodes ...int) error {
	c.signer.Sign(req, payloadHash, c.now())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Op: op, Key: key, Err: err}
	}
	defer resp.Body.Close()

	for _, code := range okCodes {
		if resp.StatusCode == code {
			return nil
		}
	}

	return &StorageError{
		Op:         op,
		Key:        key,
		StatusCode: resp.StatusCode,
		Body:       readErrorBody(resp.Body),
	}
}
