package tarimage

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"testing"

	"github.com/klauspost/pgzip"

	"github.com/cagojeiger/regpush/pkg/regerr"
)

type tarEntry struct {
	name string
	body []byte
}

func buildTar(t *testing.T, entries []tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{
			Name: e.name,
			Mode: 0644,
			Size: int64(len(e.body)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("writing header for %s: %v", e.name, err)
		}
		if _, err := tw.Write(e.body); err != nil {
			t.Fatalf("writing body for %s: %v", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing tar writer: %v", err)
	}
	return buf.Bytes()
}

// gzipLayer produces the body of a .tar.gz layer entry: a nested tar
// containing the given files, gzipped with pgzip.
func gzipLayer(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var inner bytes.Buffer
	tw := tar.NewWriter(&inner)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("layer inner header: %v", err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("layer inner body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("closing inner tar: %v", err)
	}

	var gz bytes.Buffer
	zw := pgzip.NewWriter(&gz)
	if _, err := zw.Write(inner.Bytes()); err != nil {
		t.Fatalf("gzip layer: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("closing gzip writer: %v", err)
	}
	return gz.Bytes()
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func validImageTar(t *testing.T) (raw []byte, configBytes []byte, layerBytes [][]byte) {
	t.Helper()
	configBytes = []byte(`{"architecture":"amd64","os":"linux"}`)
	layerBytes = [][]byte{
		gzipLayer(t, map[string]string{"a.txt": "hello"}),
		gzipLayer(t, map[string]string{"b.txt": "world"}),
	}

	manifest := []manifestEntry{{
		Config:   "config.json",
		RepoTags: []string{"app:v1", "app:latest", "app:v1"},
		Layers:   []string{"layers/0.tar.gz", "layers/1.tar.gz"},
	}}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}

	raw = buildTar(t, []tarEntry{
		{name: "manifest.json", body: manifestJSON},
		{name: "config.json", body: configBytes},
		{name: "layers/0.tar.gz", body: layerBytes[0]},
		{name: "layers/1.tar.gz", body: layerBytes[1]},
	})
	return raw, configBytes, layerBytes
}

func TestDecodeValidImage(t *testing.T) {
	raw, configBytes, layerBytes := validImageTar(t)
	src, err := BufferToFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("BufferToFile: %v", err)
	}
	defer src.Close()

	bundle, err := Decode(context.Background(), src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	defer bundle.Close()

	if bundle.Config.Digest.Hex() != sha256Hex(configBytes) {
		t.Errorf("config digest mismatch: got %s", bundle.Config.Digest)
	}
	if !bytes.Equal(bundle.ConfigBytes, configBytes) {
		t.Errorf("config bytes not retained correctly")
	}
	if len(bundle.Layers) != 2 {
		t.Fatalf("expected 2 layers, got %d", len(bundle.Layers))
	}
	for i, want := range layerBytes {
		if bundle.Layers[i].Digest.Hex() != sha256Hex(want) {
			t.Errorf("layer %d digest mismatch", i)
		}
		if bundle.Layers[i].MediaType != mediaTypeLayerGzip {
			t.Errorf("layer %d media type = %s, want gzip", i, bundle.Layers[i].MediaType)
		}
	}

	wantTags := []string{"app:v1", "app:latest"}
	if len(bundle.OriginalTags) != len(wantTags) {
		t.Fatalf("OriginalTags = %v, want %v", bundle.OriginalTags, wantTags)
	}
	for i := range wantTags {
		if bundle.OriginalTags[i] != wantTags[i] {
			t.Errorf("OriginalTags[%d] = %s, want %s", i, bundle.OriginalTags[i], wantTags[i])
		}
	}
}

func TestDecodeLayerOpenStreamsExpectedBytes(t *testing.T) {
	raw, _, layerBytes := validImageTar(t)
	src, err := BufferToFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("BufferToFile: %v", err)
	}
	defer src.Close()

	bundle, err := Decode(context.Background(), src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	defer bundle.Close()

	for i, want := range layerBytes {
		rc, err := bundle.Layers[i].Open(context.Background())
		if err != nil {
			t.Fatalf("layer %d Open: %v", i, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("layer %d read: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("layer %d streamed bytes differ from tar entry", i)
		}
	}
}

func TestDecodeLayerReopenable(t *testing.T) {
	raw, _, layerBytes := validImageTar(t)
	src, err := BufferToFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("BufferToFile: %v", err)
	}
	defer src.Close()

	bundle, err := Decode(context.Background(), src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	defer bundle.Close()

	layer := bundle.Layers[0]
	for attempt := 0; attempt < 2; attempt++ {
		rc, err := layer.Open(context.Background())
		if err != nil {
			t.Fatalf("attempt %d Open: %v", attempt, err)
		}
		got, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("attempt %d read: %v", attempt, err)
		}
		if !bytes.Equal(got, layerBytes[0]) {
			t.Fatalf("attempt %d: bytes differ on reopen", attempt)
		}
	}
}

func TestDecodeMissingManifest(t *testing.T) {
	raw := buildTar(t, []tarEntry{{name: "config.json", body: []byte("{}")}})
	src, err := BufferToFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("BufferToFile: %v", err)
	}
	defer src.Close()

	_, err = Decode(context.Background(), src)
	if regerr.KindOf(err) != regerr.KindInvalidImageTar {
		t.Fatalf("Decode = %v, want InvalidImageTar", err)
	}
}

func TestDecodeMissingLayerEntry(t *testing.T) {
	manifest := []manifestEntry{{
		Config: "config.json",
		Layers: []string{"blobs/sha256/deadbeef"},
	}}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	raw := buildTar(t, []tarEntry{
		{name: "manifest.json", body: manifestJSON},
		{name: "config.json", body: []byte("{}")},
	})
	src, err := BufferToFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("BufferToFile: %v", err)
	}
	defer src.Close()

	_, err = Decode(context.Background(), src)
	if regerr.KindOf(err) != regerr.KindInvalidImageTar {
		t.Fatalf("Decode = %v, want InvalidImageTar", err)
	}
}

func TestDecodeEmptyManifestArray(t *testing.T) {
	raw := buildTar(t, []tarEntry{{name: "manifest.json", body: []byte("[]")}})
	src, err := BufferToFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("BufferToFile: %v", err)
	}
	defer src.Close()

	_, err = Decode(context.Background(), src)
	if regerr.KindOf(err) != regerr.KindInvalidImageTar {
		t.Fatalf("Decode = %v, want InvalidImageTar", err)
	}
}

func TestUniqueBlobsDedupsByDigest(t *testing.T) {
	raw, _, _ := validImageTar(t)
	src, err := BufferToFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("BufferToFile: %v", err)
	}
	defer src.Close()

	bundle, err := Decode(context.Background(), src)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	defer bundle.Close()

	// Duplicate one layer's digest by aliasing layer 1 onto layer 0's blob.
	bundle.Layers[1].BlobRef = bundle.Layers[0].BlobRef

	unique := bundle.UniqueBlobs()
	if len(unique) != 2 { // config + one distinct layer digest
		t.Fatalf("UniqueBlobs returned %d entries, want 2", len(unique))
	}
}
