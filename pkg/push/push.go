// Package push implements the concurrent push orchestrator: decode is
// already done by the caller (pkg/tarimage); this package fans blob
// uploads out under bounded concurrency and assembles/publishes the
// schema-2 manifest once they land. Built around an
// errgroup.WithContext + g.Go + g.Wait composition of independent
// upload operations, with errgroup's SetLimit enforcing the bounded
// fan-out.
package push

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cagojeiger/regpush/pkg/blob"
	"github.com/cagojeiger/regpush/pkg/digest"
	"github.com/cagojeiger/regpush/pkg/manifest"
	"github.com/cagojeiger/regpush/pkg/reference"
	"github.com/cagojeiger/regpush/pkg/regerr"
	"github.com/cagojeiger/regpush/pkg/tarimage"
)

const defaultMaxConcurrentBlobs = 5

// Pusher drives one push at a time per call but may be shared across
// concurrent Push calls: the concurrency bound it enforces is scoped
// to a single call, not shared across calls.
type Pusher struct {
	blobs              *blob.Client
	manifests          *manifest.Client
	maxConcurrentBlobs int
}

// Option configures a Pusher, following the functional-options builder
// shape img_tool/cmd/deploy/deploy.go's push.NewBuilder(vfs).With...()
// uses.
type Option func(*Pusher)

func WithMaxConcurrentBlobs(n int) Option {
	return func(p *Pusher) {
		if n > 0 {
			p.maxConcurrentBlobs = n
		}
	}
}

func New(blobs *blob.Client, manifests *manifest.Client, opts ...Option) *Pusher {
	p := &Pusher{
		blobs:              blobs,
		manifests:          manifests,
		maxConcurrentBlobs: defaultMaxConcurrentBlobs,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Push fans out unique blobs, waits for all of them to land, assembles
// the manifest in original layer order, PUTs it, and returns the
// verified digest. Every error is tagged with a push id so concurrent
// pushes against the same repository can be told apart in logs.
func (p *Pusher) Push(ctx context.Context, bundle *tarimage.ImageBundle, repo, ref string) (digest.Digest, error) {
	pushID := uuid.NewString()

	if err := p.uploadBlobs(ctx, bundle, repo); err != nil {
		return "", fmt.Errorf("push %s: %w", pushID, err)
	}
	d, err := p.putManifest(ctx, bundle, repo, ref)
	if err != nil {
		return "", fmt.Errorf("push %s: %w", pushID, err)
	}
	return d, nil
}

// uploadBlobs implements step 1-3: dedup by digest, bounded concurrent
// HEAD-then-upload, first error cancels the rest.
func (p *Pusher) uploadBlobs(ctx context.Context, bundle *tarimage.ImageBundle, repo string) error {
	unique := bundle.UniqueBlobs()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxConcurrentBlobs)

	for _, b := range unique {
		b := b
		g.Go(func() error {
			opener, err := openerFor(bundle, b)
			if err != nil {
				return err
			}
			return p.blobs.EnsureUploaded(gctx, repo, blob.Spec{Digest: b.Digest, Size: b.Size, Open: opener})
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return regerr.Cancelled
		}
		return err
	}
	return nil
}

// putManifest implements step 4-6: build the manifest in original,
// pre-dedup layer order and publish it.
func (p *Pusher) putManifest(ctx context.Context, bundle *tarimage.ImageBundle, repo, ref string) (digest.Digest, error) {
	m := assembleManifest(bundle)
	return p.manifests.Put(ctx, repo, ref, m)
}

func assembleManifest(bundle *tarimage.ImageBundle) manifest.V2 {
	layers := make([]manifest.Descriptor, len(bundle.Layers))
	for i, l := range bundle.Layers {
		layers[i] = manifest.Descriptor{MediaType: l.MediaType, Size: l.Size, Digest: l.Digest}
	}
	return manifest.New(
		manifest.Descriptor{MediaType: bundle.Config.MediaType, Size: bundle.Config.Size, Digest: bundle.Config.Digest},
		layers,
	)
}

// openerFor returns a blob.Source for ref: the config blob streams
// from the bytes already retained in bundle, any layer streams by
// reopening its tar entry (matching digest might be shared by more
// than one LayerRef; the first one found is used, since they are
// byte-identical by definition).
func openerFor(bundle *tarimage.ImageBundle, ref tarimage.BlobRef) (blob.Source, error) {
	if ref.Digest == bundle.Config.Digest {
		data := bundle.ConfigBytes
		return func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		}, nil
	}
	for _, l := range bundle.Layers {
		if l.Digest == ref.Digest {
			return func(ctx context.Context) (io.ReadCloser, error) {
				return l.Open(ctx)
			}, nil
		}
	}
	return nil, errors.New("push: no bundle entry matches blob digest " + string(ref.Digest))
}

// PushWithFirstOriginalTag uses bundle.OriginalTags[0] split on the
// last ':' into (repository, tag), defaulting tag to "latest".
func (p *Pusher) PushWithFirstOriginalTag(ctx context.Context, bundle *tarimage.ImageBundle) (string, string, digest.Digest, error) {
	if len(bundle.OriginalTags) == 0 {
		return "", "", "", regerr.NoOriginalTag()
	}
	repo, tag := reference.SplitRepoTag(bundle.OriginalTags[0])
	d, err := p.Push(ctx, bundle, repo, tag)
	return repo, tag, d, err
}

// TagResult is one original tag's outcome from PushWithAllOriginalTags.
type TagResult struct {
	Repository string
	Tag        string
	Digest     digest.Digest
	Err        error
}

// MultiTagResult is the structured, partial-success-capable result of
// pushing every original tag.
type MultiTagResult struct {
	Results []TagResult
}

// Succeeded returns only the tags that published successfully.
func (r MultiTagResult) Succeeded() []TagResult {
	out := make([]TagResult, 0, len(r.Results))
	for _, res := range r.Results {
		if res.Err == nil {
			out = append(out, res)
		}
	}
	return out
}

// PushWithAllOriginalTags pushes bundle under every tag recorded in its
// image tar. Blobs upload exactly once per distinct repository named among the original
// tags (the v2 API namespaces blobs per repository, so two tags
// sharing a repository share one upload pass; two tags naming
// different repositories each get their own), then every original tag
// gets its own manifest PUT. A per-tag failure does not abort the
// remaining tags; the aggregate error (if any) joins every tag's
// failure via errors.Join.
func (p *Pusher) PushWithAllOriginalTags(ctx context.Context, bundle *tarimage.ImageBundle) (MultiTagResult, error) {
	if len(bundle.OriginalTags) == 0 {
		return MultiTagResult{}, regerr.NoOriginalTag()
	}

	repos := dedupRepos(bundle.OriginalTags)
	for _, repo := range repos {
		if err := p.uploadBlobs(ctx, bundle, repo); err != nil {
			return MultiTagResult{}, err
		}
	}

	var results []TagResult
	var errs []error
	for _, original := range bundle.OriginalTags {
		repo, tag := reference.SplitRepoTag(original)
		d, err := p.putManifest(ctx, bundle, repo, tag)
		results = append(results, TagResult{Repository: repo, Tag: tag, Digest: d, Err: err})
		if err != nil {
			errs = append(errs, err)
		}
	}

	return MultiTagResult{Results: results}, errors.Join(errs...)
}

func dedupRepos(originalTags []string) []string {
	seen := make(map[string]bool, len(originalTags))
	var repos []string
	for _, original := range originalTags {
		repo, _ := reference.SplitRepoTag(original)
		if seen[repo] {
			continue
		}
		seen[repo] = true
		repos = append(repos, repo)
	}
	return repos
}
