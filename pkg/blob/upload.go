package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cagojeiger/regpush/pkg/digest"
	"github.com/cagojeiger/regpush/pkg/regerr"
)

func (c *Client) uploadMonolithic(ctx context.Context, repo string, spec Spec) error {
	return c.retry.Do(ctx, func(attempt int) error {
		rc, err := spec.Open(ctx)
		if err != nil {
			return regerr.UploadFailed(string(spec.Digest), "monolithic-put", err)
		}
		defer rc.Close()

		path := fmt.Sprintf("/v2/%s/blobs/uploads/?digest=%s", repo, url.QueryEscape(string(spec.Digest)))
		resp, err := c.session.Put(ctx, path, rc, map[string]string{
			"Content-Type": "application/octet-stream",
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.Status != http.StatusCreated {
			return regerr.UploadFailed(string(spec.Digest), "monolithic-put", regerr.RegistryProtocolError(resp.Status, snippet(resp)))
		}
		return verifyDigestEcho(spec.Digest, resp.Header.Get("Docker-Content-Digest"))
	})
}

func (c *Client) uploadChunked(ctx context.Context, repo string, spec Spec) error {
	location, err := c.startSession(ctx, repo)
	if err != nil {
		return regerr.UploadFailed(string(spec.Digest), "open-session", err)
	}

	rc, err := spec.Open(ctx)
	if err != nil {
		return regerr.UploadFailed(string(spec.Digest), "open-session", err)
	}
	defer rc.Close()

	buf := make([]byte, c.chunkSize)
	var sent int64
	for sent < spec.Size {
		n, readErr := io.ReadFull(rc, buf)
		if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
			return regerr.UploadFailed(string(spec.Digest), fmt.Sprintf("chunk@%d", sent), readErr)
		}
		if n == 0 {
			break
		}

		newLocation, err := c.sendChunk(ctx, location, buf[:n], sent)
		if err != nil {
			return regerr.UploadFailed(string(spec.Digest), fmt.Sprintf("chunk@%d", sent), err)
		}
		location = newLocation
		sent += int64(n)
	}

	if sent != spec.Size {
		return regerr.UploadFailed(string(spec.Digest), "chunk@final", fmt.Errorf("sent %d bytes, expected %d", sent, spec.Size))
	}

	return c.finalize(ctx, spec.Digest, location)
}

// sendChunk PATCHes one already-materialized chunk, retrying the same
// bytes on transient failure (the chunk was read from the source
// exactly once; retries never re-read it).
func (c *Client) sendChunk(ctx context.Context, location string, chunk []byte, offset int64) (string, error) {
	var nextLocation string
	err := c.retry.Do(ctx, func(attempt int) error {
		resp, err := c.session.Patch(ctx, location, bytes.NewReader(chunk), map[string]string{
			"Content-Type":   "application/octet-stream",
			"Content-Length": strconv.Itoa(len(chunk)),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.Status != http.StatusAccepted {
			return regerr.RegistryProtocolError(resp.Status, snippet(resp))
		}
		loc := resp.Location()
		if loc == "" {
			return regerr.RegistryProtocolError(resp.Status, "PATCH response missing Location header")
		}
		resolved, err := c.session.Resolve(loc)
		if err != nil {
			return err
		}
		nextLocation = resolved
		return nil
	})
	return nextLocation, err
}

func (c *Client) startSession(ctx context.Context, repo string) (string, error) {
	var location string
	err := c.retry.Do(ctx, func(attempt int) error {
		path := fmt.Sprintf("/v2/%s/blobs/uploads/", repo)
		resp, err := c.session.Post(ctx, path, nil, map[string]string{"Content-Length": "0"})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.Status != http.StatusAccepted {
			return regerr.RegistryProtocolError(resp.Status, snippet(resp))
		}
		loc := resp.Location()
		if loc == "" {
			return regerr.RegistryProtocolError(resp.Status, "POST response missing Location header")
		}
		resolved, err := c.session.Resolve(loc)
		if err != nil {
			return err
		}
		location = resolved
		return nil
	})
	return location, err
}

// finalize appends the digest query param (using "&" if the session
// URL already carries a query, "?" otherwise) and PUTs with an empty
// body, verifying the echoed Docker-Content-Digest.
func (c *Client) finalize(ctx context.Context, d digest.Digest, location string) error {
	sep := "?"
	if strings.Contains(location, "?") {
		sep = "&"
	}
	target := location + sep + "digest=" + url.QueryEscape(string(d))

	return c.retry.Do(ctx, func(attempt int) error {
		resp, err := c.session.Put(ctx, target, nil, map[string]string{"Content-Length": "0"})
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.Status != http.StatusCreated {
			return regerr.RegistryProtocolError(resp.Status, snippet(resp))
		}
		return verifyDigestEcho(d, resp.Header.Get("Docker-Content-Digest"))
	})
}

// verifyDigestEcho checks the registry's echoed Docker-Content-Digest
// against want: if the registry omits the header, the client-computed
// digest is trusted; if present, it must match.
func verifyDigestEcho(want digest.Digest, got string) error {
	if got == "" {
		return nil
	}
	if got != string(want) {
		return regerr.DigestMismatch(string(want), got)
	}
	return nil
}
