// Package blob drives the v2 distribution blob protocol: existence
// checks and the chunked/monolithic upload state machines, including
// the skip-if-exists idempotence the push orchestrator depends on.
package blob

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cagojeiger/regpush/pkg/digest"
	"github.com/cagojeiger/regpush/pkg/regerr"
	"github.com/cagojeiger/regpush/pkg/retry"
	"github.com/cagojeiger/regpush/pkg/transport"
)

const (
	defaultChunkSize           = 5 << 20 // 5 MiB
	defaultMonolithicThreshold = 5 << 20
)

// Source produces a fresh, rewound-to-start reader over one blob's
// bytes. The monolithic path calls it once per PUT attempt, so a
// retried monolithic PUT reopens the blob; the chunked path calls it
// once, and chunk retries replay a buffered chunk instead of calling
// Source again (see upload.go).
type Source func(ctx context.Context) (io.ReadCloser, error)

// Spec names one blob to transfer.
type Spec struct {
	Digest digest.Digest
	Size   int64
	Open   Source
}

// Client drives blob operations against one repository namespace over
// a shared Session.
type Client struct {
	session             *transport.Session
	chunkSize           int64
	monolithicThreshold int64
	retry               retry.Policy
}

// Option configures a Client, following the functional-options shape
// img_tool/cmd/deploy/deploy.go builds its uploader with.
type Option func(*Client)

func WithChunkSize(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

func WithMonolithicThreshold(n int64) Option {
	return func(c *Client) {
		if n >= 0 {
			c.monolithicThreshold = n
		}
	}
}

func WithRetry(maxAttempts int, baseBackoff time.Duration) Option {
	return func(c *Client) {
		c.retry = retry.Policy{MaxAttempts: maxAttempts, BaseBackoff: baseBackoff}
	}
}

func New(session *transport.Session, opts ...Option) *Client {
	c := &Client{
		session:             session,
		chunkSize:           defaultChunkSize,
		monolithicThreshold: defaultMonolithicThreshold,
		retry:               retry.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Exists reports whether digest d is already present in repo.
func (c *Client) Exists(ctx context.Context, repo string, d digest.Digest) (bool, error) {
	var exists bool
	err := c.retry.Do(ctx, func(attempt int) error {
		path := fmt.Sprintf("/v2/%s/blobs/%s", repo, d)
		resp, err := c.session.Head(ctx, path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		switch resp.Status {
		case http.StatusOK:
			exists = true
			return nil
		case http.StatusNotFound:
			exists = false
			return nil
		default:
			return regerr.RegistryProtocolError(resp.Status, snippet(resp))
		}
	})
	return exists, err
}

// EnsureUploaded implements the idempotent skip-if-exists path every
// blob upload begins with: HEAD first, upload
// only if absent.
func (c *Client) EnsureUploaded(ctx context.Context, repo string, spec Spec) error {
	exists, err := c.Exists(ctx, repo, spec.Digest)
	if err != nil {
		return fmt.Errorf("checking existence of %s: %w", spec.Digest, err)
	}
	if exists {
		return nil
	}
	return c.Upload(ctx, repo, spec)
}

// Upload transfers spec's bytes into repo via the monolithic fast path
// for small blobs or the chunked state machine otherwise.
func (c *Client) Upload(ctx context.Context, repo string, spec Spec) error {
	if spec.Size < c.monolithicThreshold {
		return c.uploadMonolithic(ctx, repo, spec)
	}
	return c.uploadChunked(ctx, repo, spec)
}

// snippet reads a small diagnostic excerpt of a protocol-error
// response body without risking an unbounded read.
func snippet(resp *transport.Response) string {
	buf := make([]byte, 512)
	n, _ := io.ReadFull(resp.Body, buf)
	return string(buf[:n])
}
