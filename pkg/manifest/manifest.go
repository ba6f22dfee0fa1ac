// Package manifest implements the schema-2 manifest type and its GET/
// PUT/DELETE protocol. Serialization uses a single
// canonical path shared between what is sent and what is hashed,
// following img_tool/pkg/metadata/metadata.go's pattern of one
// json.Marshal call feeding both the written bytes and the digest.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/cagojeiger/regpush/pkg/digest"
	"github.com/cagojeiger/regpush/pkg/regerr"
	"github.com/cagojeiger/regpush/pkg/retry"
	"github.com/cagojeiger/regpush/pkg/transport"
)

const MediaType = "application/vnd.docker.distribution.manifest.v2+json"

// descriptor is one {mediaType, size, digest} entry in a manifest.
type descriptor struct {
	MediaType string        `json:"mediaType"`
	Size      int64         `json:"size"`
	Digest    digest.Digest `json:"digest"`
}

// V2 is the schema-2 manifest. Field
// order in the struct drives json.Marshal's key order, which is what
// makes the serialized form — and therefore its digest — stable.
type V2 struct {
	SchemaVersion int          `json:"schemaVersion"`
	MediaType     string       `json:"mediaType"`
	Config        descriptor   `json:"config"`
	Layers        []descriptor `json:"layers"`
}

// Descriptor mirrors the shape a caller assembles a manifest from
// (e.g. blob.Spec / tarimage.BlobRef) without this package depending
// on either.
type Descriptor struct {
	MediaType string
	Size      int64
	Digest    digest.Digest
}

// New builds a V2 manifest from a config descriptor and ordered layer
// descriptors, in the order given.
func New(config Descriptor, layers []Descriptor) V2 {
	ls := make([]descriptor, len(layers))
	for i, l := range layers {
		ls[i] = descriptor{MediaType: l.MediaType, Size: l.Size, Digest: l.Digest}
	}
	return V2{
		SchemaVersion: 2,
		MediaType:     MediaType,
		Config:        descriptor{MediaType: config.MediaType, Size: config.Size, Digest: config.Digest},
		Layers:        ls,
	}
}

// Marshal returns the exact bytes this manifest must be PUT as and
// hashed as. There is exactly one serialization path in this package;
// every caller that needs manifest bytes goes through it.
func (m V2) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	return b, nil
}

// Digest returns the content digest of m's canonical serialization.
func (m V2) Digest() (digest.Digest, error) {
	b, err := m.Marshal()
	if err != nil {
		return "", err
	}
	return digest.Compute(b), nil
}

// Client drives manifest GET/PUT/DELETE against one repository
// namespace over a shared transport.Session.
type Client struct {
	session *transport.Session
	retry   retry.Policy
	logger  *log.Logger
}

// Option configures a Client, following the same functional-options
// shape as pkg/blob.Option.
type Option func(*Client)

func WithRetry(maxAttempts int, baseBackoff time.Duration) Option {
	return func(c *Client) { c.retry = retry.Policy{MaxAttempts: maxAttempts, BaseBackoff: baseBackoff} }
}

// WithLogger attaches a diagnostic logger; nil (the default) makes
// logging a no-op.
func WithLogger(logger *log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func NewClient(session *transport.Session, opts ...Option) *Client {
	c := &Client{session: session, retry: retry.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches the manifest at (repo, reference).
func (c *Client) Get(ctx context.Context, repo, reference string) (V2, error) {
	var m V2
	err := c.retry.Do(ctx, func(attempt int) error {
		path := fmt.Sprintf("/v2/%s/manifests/%s", repo, reference)
		resp, err := c.session.Get(ctx, path, map[string]string{"Accept": MediaType})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.Status == http.StatusNotFound {
			return regerr.NotFound(repo + ":" + reference)
		}
		if resp.Status != http.StatusOK {
			return regerr.RegistryProtocolError(resp.Status, readSnippet(resp))
		}

		if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
			return fmt.Errorf("decoding manifest body: %w", err)
		}
		return nil
	})
	return m, err
}

// Put publishes m at (repo, reference) and returns the verified
// manifest digest.
func (c *Client) Put(ctx context.Context, repo, reference string, m V2) (digest.Digest, error) {
	body, err := m.Marshal()
	if err != nil {
		return "", err
	}
	computed := digest.Compute(body)

	err = c.retry.Do(ctx, func(attempt int) error {
		path := fmt.Sprintf("/v2/%s/manifests/%s", repo, reference)
		resp, err := c.session.Put(ctx, path, bytes.NewReader(body), map[string]string{
			"Content-Type": MediaType,
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.Status != http.StatusCreated {
			return regerr.RegistryProtocolError(resp.Status, readSnippet(resp))
		}

		echoed := resp.Header.Get("Docker-Content-Digest")
		if echoed == "" {
			c.logf("manifest put %s/%s: registry omitted Docker-Content-Digest, using client-computed digest %s", repo, reference, computed)
			return nil
		}
		if echoed != string(computed) {
			return regerr.DigestMismatch(string(computed), echoed)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return computed, nil
}

// DeleteByDigest removes the manifest identified by d. 405 means the
// registry was built without delete support.
func (c *Client) DeleteByDigest(ctx context.Context, repo string, d digest.Digest) error {
	return c.retry.Do(ctx, func(attempt int) error {
		path := fmt.Sprintf("/v2/%s/manifests/%s", repo, d)
		resp, err := c.session.Delete(ctx, path, nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch resp.Status {
		case http.StatusAccepted:
			return nil
		case http.StatusMethodNotAllowed:
			return regerr.DeletionDisabled()
		case http.StatusNotFound:
			return regerr.NotFound(repo + "@" + string(d))
		default:
			return regerr.RegistryProtocolError(resp.Status, readSnippet(resp))
		}
	})
}

// logf writes to c.logger if one was configured via WithLogger;
// otherwise it is a no-op.
func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// DeleteByTag resolves tag via GET to obtain the current digest, then
// deletes by that digest.
func (c *Client) DeleteByTag(ctx context.Context, repo, tag string) error {
	m, err := c.Get(ctx, repo, tag)
	if err != nil {
		return err
	}
	d, err := m.Digest()
	if err != nil {
		return err
	}
	return c.DeleteByDigest(ctx, repo, d)
}

func readSnippet(resp *transport.Response) string {
	buf := make([]byte, 512)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n])
}
