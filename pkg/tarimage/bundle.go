package tarimage

import (
	"context"
	"io"

	"github.com/cagojeiger/regpush/pkg/digest"
)

const (
	mediaTypeConfig     = "application/vnd.docker.container.image.v1+json"
	mediaTypeLayerGzip  = "application/vnd.docker.image.rootfs.diff.tar.gzip"
	mediaTypeLayerPlain = "application/vnd.docker.image.rootfs.diff.tar"
)

// BlobRef is an immutable content-addressed record: a digest, its size,
// and the media type it should be advertised under in a manifest.
type BlobRef struct {
	Digest    digest.Digest
	Size      int64
	MediaType string
}

// LayerRef is a BlobRef plus the means to stream its bytes back out of
// the tar exactly once per open. Path is the archive entry name the
// layer was decoded from; Open reopens the archive and scans to that
// entry, so repeated uploads (retries) can call Open again without
// holding any single reader across the whole push.
type LayerRef struct {
	BlobRef
	Path string

	open func(ctx context.Context, path string) (io.ReadCloser, error)
}

// Open returns a fresh, single-use reader positioned at the start of
// this layer's bytes. The caller must Close it.
func (l LayerRef) Open(ctx context.Context) (io.ReadCloser, error) {
	return l.open(ctx, l.Path)
}

// NewLayerRef builds a LayerRef from an already-known BlobRef and an
// opener, bypassing tar decoding. Useful for assembling a bundle from
// blobs sourced elsewhere than a freshly decoded archive (e.g. a
// registry-side blob store, or a synthetic bundle in a test).
func NewLayerRef(ref BlobRef, open func(ctx context.Context) (io.ReadCloser, error)) LayerRef {
	return LayerRef{
		BlobRef: ref,
		open: func(ctx context.Context, _ string) (io.ReadCloser, error) {
			return open(ctx)
		},
	}
}

// ImageBundle is the decoded form of one tar archive's canonical image
// entry (manifest.json[0]): its config blob (kept fully in memory,
// since it is always small) and its ordered, lazily-read layers.
type ImageBundle struct {
	Config      BlobRef
	ConfigBytes []byte
	Layers      []LayerRef
	OriginalTags []string

	source Source
}

// Close releases the underlying tar Source. Layers opened before Close
// remain valid to read to completion; no new Open calls should be made
// afterward.
func (b *ImageBundle) Close() error {
	if b.source == nil {
		return nil
	}
	return b.source.Close()
}

// UniqueBlobs returns the set of distinct blobs referenced by the
// bundle (config plus layers), deduplicated by digest, in first-seen
// order: a shared layer uploads once even if it appears at multiple
// positions.
func (b *ImageBundle) UniqueBlobs() []BlobRef {
	seen := make(map[digest.Digest]bool, len(b.Layers)+1)
	out := make([]BlobRef, 0, len(b.Layers)+1)

	add := func(ref BlobRef) {
		if seen[ref.Digest] {
			return
		}
		seen[ref.Digest] = true
		out = append(out, ref)
	}

	add(b.Config)
	for _, l := range b.Layers {
		add(l.BlobRef)
	}
	return out
}
