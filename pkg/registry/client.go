// Package registry is the single entry point for this module: it
// composes the tar decoder, blob protocol, manifest protocol, catalog
// listing, and push orchestrator behind one Client, the way
// img_tool/cmd/deploy/deploy.go assembles push.NewBuilder(vfs)
// .With...().Build() from its lower-level pieces.
package registry

import (
	"context"
	"log"
	"time"

	"github.com/cagojeiger/regpush/pkg/blob"
	"github.com/cagojeiger/regpush/pkg/catalog"
	"github.com/cagojeiger/regpush/pkg/digest"
	"github.com/cagojeiger/regpush/pkg/manifest"
	"github.com/cagojeiger/regpush/pkg/push"
	"github.com/cagojeiger/regpush/pkg/regerr"
	"github.com/cagojeiger/regpush/pkg/reference"
	"github.com/cagojeiger/regpush/pkg/tarimage"
	"github.com/cagojeiger/regpush/pkg/transport"
)

// Client is the unauthenticated-registry client surface: push, blob
// existence, manifest get/put/delete, and catalog/tags listing, all
// sharing one HTTP session.
type Client struct {
	session   *transport.Session
	blobs     *blob.Client
	manifests *manifest.Client
	catalogs  *catalog.Client
	pusher    *push.Pusher
}

// Option configures Client construction, composing the lower-level
// options from pkg/blob and pkg/push.
type Option func(*config)

type config struct {
	requestTimeout      time.Duration
	maxConcurrentBlobs  int
	chunkSize           int64
	monolithicThreshold int64
	retryMaxAttempts    int
	retryBaseBackoff    time.Duration
	logger              *log.Logger
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.requestTimeout = d }
}

func WithMaxConcurrentBlobs(n int) Option {
	return func(c *config) { c.maxConcurrentBlobs = n }
}

func WithChunkSize(n int64) Option {
	return func(c *config) { c.chunkSize = n }
}

func WithMonolithicThreshold(n int64) Option {
	return func(c *config) { c.monolithicThreshold = n }
}

func WithRetry(maxAttempts int, baseBackoff time.Duration) Option {
	return func(c *config) {
		c.retryMaxAttempts = maxAttempts
		c.retryBaseBackoff = baseBackoff
	}
}

// WithLogger attaches a diagnostic logger to the manifest client (the
// only protocol client the Client composes that logs); the blob and
// catalog clients do not receive it. nil (the default) makes logging a
// no-op rather than pulling in a logging framework.
func WithLogger(logger *log.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// New builds a Client against baseURL (e.g.
// "http://registry.internal:5000"), opening one shared connection
// pool for the Client's lifetime. Call Close when done.
func New(baseURL string, opts ...Option) (*Client, error) {
	cfg := &config{
		maxConcurrentBlobs:  5,
		chunkSize:           5 << 20,
		monolithicThreshold: 5 << 20,
		retryMaxAttempts:    3,
		retryBaseBackoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	session, err := transport.New(transport.Endpoint{BaseURL: baseURL, RequestTimeout: cfg.requestTimeout})
	if err != nil {
		return nil, err
	}

	blobs := blob.New(session,
		blob.WithChunkSize(cfg.chunkSize),
		blob.WithMonolithicThreshold(cfg.monolithicThreshold),
		blob.WithRetry(cfg.retryMaxAttempts, cfg.retryBaseBackoff),
	)
	manifests := manifest.NewClient(session,
		manifest.WithRetry(cfg.retryMaxAttempts, cfg.retryBaseBackoff),
		manifest.WithLogger(cfg.logger),
	)
	catalogs := catalog.NewClient(session,
		catalog.WithRetry(cfg.retryMaxAttempts, cfg.retryBaseBackoff),
	)

	return &Client{
		session:   session,
		blobs:     blobs,
		manifests: manifests,
		catalogs:  catalogs,
		pusher:    push.New(blobs, manifests, push.WithMaxConcurrentBlobs(cfg.maxConcurrentBlobs)),
	}, nil
}

// Close idles out the connection pool.
func (c *Client) Close() { c.session.Close() }

// Ping probes GET /v2/, the registry's version-check endpoint.
func (c *Client) Ping(ctx context.Context) error {
	return c.session.Ping(ctx)
}

// HeadBlob reports whether d is present in repo.
func (c *Client) HeadBlob(ctx context.Context, repo string, d digest.Digest) (bool, error) {
	if err := reference.ValidateName(repo); err != nil {
		return false, regerr.InvalidImageTar(err.Error())
	}
	return c.blobs.Exists(ctx, repo, d)
}

// GetManifest fetches the manifest at (repo, ref).
func (c *Client) GetManifest(ctx context.Context, repo, ref string) (manifest.V2, error) {
	return c.manifests.Get(ctx, repo, ref)
}

// PutManifest publishes m at (repo, ref) and returns its verified digest.
func (c *Client) PutManifest(ctx context.Context, repo, ref string, m manifest.V2) (digest.Digest, error) {
	return c.manifests.Put(ctx, repo, ref, m)
}

// DeleteManifestByDigest removes the manifest named by d.
func (c *Client) DeleteManifestByDigest(ctx context.Context, repo string, d digest.Digest) error {
	return c.manifests.DeleteByDigest(ctx, repo, d)
}

// DeleteManifestByTag resolves tag to its current digest and deletes it.
func (c *Client) DeleteManifestByTag(ctx context.Context, repo, tag string) error {
	return c.manifests.DeleteByTag(ctx, repo, tag)
}

// ListRepositories returns every repository name the registry reports.
func (c *Client) ListRepositories(ctx context.Context) ([]string, error) {
	return c.catalogs.ListRepositories(ctx)
}

// ListTags returns every tag in repo.
func (c *Client) ListTags(ctx context.Context, repo string) ([]string, error) {
	return c.catalogs.ListTags(ctx, repo)
}

// Push uploads bundle's blobs and publishes its manifest at (repo, ref).
func (c *Client) Push(ctx context.Context, bundle *tarimage.ImageBundle, repo, ref string) (digest.Digest, error) {
	if err := reference.ValidateName(repo); err != nil {
		return "", regerr.InvalidImageTar(err.Error())
	}
	if err := reference.ValidateReference(ref); err != nil {
		return "", regerr.InvalidImageTar(err.Error())
	}
	return c.pusher.Push(ctx, bundle, repo, ref)
}

// PushWithFirstOriginalTag pushes bundle under its first original
// "repo:tag" entry.
func (c *Client) PushWithFirstOriginalTag(ctx context.Context, bundle *tarimage.ImageBundle) (string, string, digest.Digest, error) {
	return c.pusher.PushWithFirstOriginalTag(ctx, bundle)
}

// PushWithAllOriginalTags pushes bundle's blobs once per distinct
// repository named among the original tags and publishes a manifest
// under every original tag.
func (c *Client) PushWithAllOriginalTags(ctx context.Context, bundle *tarimage.ImageBundle) (push.MultiTagResult, error) {
	return c.pusher.PushWithAllOriginalTags(ctx, bundle)
}

// Decode parses an image tar from src into an ImageBundle ready to
// Push. The caller owns src and must Close the returned bundle.
func Decode(ctx context.Context, src tarimage.Source) (*tarimage.ImageBundle, error) {
	return tarimage.Decode(ctx, src)
}
