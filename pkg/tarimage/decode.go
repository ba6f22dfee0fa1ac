package tarimage

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/cagojeiger/regpush/pkg/digest"
	"github.com/cagojeiger/regpush/pkg/regerr"
)

// manifestEntry is one element of manifest.json, the layout emitted by
// the conventional container-image export tool.
type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

// Decode reads src's manifest.json and returns the canonical image it
// describes. The returned ImageBundle keeps src open; callers must
// Close it once done (including after a push completes).
func Decode(ctx context.Context, src Source) (*ImageBundle, error) {
	manifestBytes, err := readEntryFully(src, "manifest.json")
	if err != nil {
		return nil, err
	}

	var entries []manifestEntry
	if err := json.Unmarshal(manifestBytes, &entries); err != nil {
		return nil, regerr.InvalidImageTar(fmt.Sprintf("manifest.json: invalid JSON: %v", err))
	}
	if len(entries) == 0 {
		return nil, regerr.InvalidImageTar("manifest.json: empty array")
	}
	entry := entries[0] // the first entry is canonical even if manifest.json lists more.

	if entry.Config == "" {
		return nil, regerr.InvalidImageTar("manifest.json: entry has no Config path")
	}
	if len(entry.Layers) == 0 {
		return nil, regerr.InvalidImageTar("manifest.json: entry has no Layers")
	}

	wanted := make(map[string]bool, len(entry.Layers)+1)
	wanted[entry.Config] = true
	for _, l := range entry.Layers {
		wanted[l] = true
	}

	found, err := hashWanted(src, entry.Config, wanted)
	if err != nil {
		return nil, err
	}

	configHash, ok := found[entry.Config]
	if !ok {
		return nil, regerr.InvalidImageTar(fmt.Sprintf("config entry missing: %s", entry.Config))
	}

	configDigest, err := digest.Format("sha256", configHash.hex)
	if err != nil {
		return nil, regerr.InvalidImageTar(fmt.Sprintf("config digest: %v", err))
	}

	bundle := &ImageBundle{
		Config: BlobRef{
			Digest:    configDigest,
			Size:      configHash.size,
			MediaType: mediaTypeConfig,
		},
		ConfigBytes:  configHash.bytes,
		Layers:       make([]LayerRef, 0, len(entry.Layers)),
		OriginalTags: dedupPreserveOrder(entry.RepoTags),
		source:       src,
	}

	opener := newLayerOpener(src)
	for _, path := range entry.Layers {
		h, ok := found[path]
		if !ok {
			return nil, regerr.InvalidImageTar(fmt.Sprintf("layer entry missing: %s", path))
		}
		layerDigest, err := digest.Format("sha256", h.hex)
		if err != nil {
			return nil, regerr.InvalidImageTar(fmt.Sprintf("layer digest for %s: %v", path, err))
		}
		bundle.Layers = append(bundle.Layers, LayerRef{
			BlobRef: BlobRef{
				Digest:    layerDigest,
				Size:      h.size,
				MediaType: layerMediaType(path),
			},
			Path: path,
			open: opener,
		})
	}

	return bundle, nil
}

func layerMediaType(path string) string {
	if strings.HasSuffix(path, ".tar.gz") || strings.HasSuffix(path, ".tgz") {
		return mediaTypeLayerGzip
	}
	return mediaTypeLayerPlain
}

func dedupPreserveOrder(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

type hashedEntry struct {
	hex   string
	size  int64
	bytes []byte // only populated for the config entry; layers are hashed without retention.
}

// hashWanted makes a single sequential pass over src, hashing every
// entry named in wanted. configPath's bytes are retained in full for
// ImageBundle.ConfigBytes; every other entry is hashed and discarded —
// the entry is reopened later for upload via LayerRef.Open instead of
// being held in memory.
func hashWanted(src Source, configPath string, wanted map[string]bool) (map[string]hashedEntry, error) {
	r, err := src.Open()
	if err != nil {
		return nil, regerr.TarReadError(err)
	}
	defer r.Close()

	tr := tar.NewReader(r)
	out := make(map[string]hashedEntry, len(wanted))

	for len(out) < len(wanted) {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, regerr.TarReadError(err)
		}
		if hdr.Typeflag != tar.TypeReg || !wanted[hdr.Name] {
			continue
		}

		h := sha256.New()
		var n int64
		var retained []byte
		if hdr.Name == configPath {
			var buf bytes.Buffer
			n, err = io.Copy(io.MultiWriter(h, &buf), tr)
			retained = buf.Bytes()
		} else {
			n, err = io.Copy(h, tr)
		}
		if err != nil {
			return nil, regerr.TarReadError(err)
		}
		if n != hdr.Size {
			return nil, regerr.InvalidImageTar(fmt.Sprintf("size mismatch for %s: header says %d, read %d", hdr.Name, hdr.Size, n))
		}

		out[hdr.Name] = hashedEntry{
			hex:   hex.EncodeToString(h.Sum(nil)),
			size:  n,
			bytes: retained,
		}
	}

	for name := range wanted {
		if _, ok := out[name]; !ok {
			if name == configPath {
				return nil, regerr.InvalidImageTar(fmt.Sprintf("config entry missing: %s", name))
			}
			return nil, regerr.InvalidImageTar(fmt.Sprintf("layer entry missing: %s", name))
		}
	}
	return out, nil
}

// readEntryFully opens a fresh reader over src and returns the full
// bytes of the first regular entry named name.
func readEntryFully(src Source, name string) ([]byte, error) {
	r, err := src.Open()
	if err != nil {
		return nil, regerr.TarReadError(err)
	}
	defer r.Close()

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, regerr.InvalidImageTar(fmt.Sprintf("%s missing", name))
		}
		if err != nil {
			return nil, regerr.TarReadError(err)
		}
		if hdr.Typeflag != tar.TypeReg || hdr.Name != name {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, regerr.TarReadError(err)
		}
		return data, nil
	}
}

// newLayerOpener binds src into a function matching LayerRef.open's
// signature: reopen src fresh and scan to the entry named path.
func newLayerOpener(src Source) func(ctx context.Context, path string) (io.ReadCloser, error) {
	return func(ctx context.Context, path string) (io.ReadCloser, error) {
		r, err := src.Open()
		if err != nil {
			return nil, regerr.TarReadError(err)
		}

		tr := tar.NewReader(r)
		for {
			select {
			case <-ctx.Done():
				r.Close()
				return nil, ctx.Err()
			default:
			}

			hdr, err := tr.Next()
			if err == io.EOF {
				r.Close()
				return nil, regerr.InvalidImageTar(fmt.Sprintf("layer entry missing on reopen: %s", path))
			}
			if err != nil {
				r.Close()
				return nil, regerr.TarReadError(err)
			}
			if hdr.Typeflag != tar.TypeReg || hdr.Name != path {
				continue
			}
			return &entryReader{r: io.LimitReader(tr, hdr.Size), closer: r}, nil
		}
	}
}

// entryReader exposes one tar entry's body as an io.ReadCloser,
// closing the underlying archive stream (and so the backing file
// handle) once the caller is done with it.
type entryReader struct {
	r      io.Reader
	closer io.Closer
}

func (e *entryReader) Read(p []byte) (int, error) { return e.r.Read(p) }
func (e *entryReader) Close() error                { return e.closer.Close() }
