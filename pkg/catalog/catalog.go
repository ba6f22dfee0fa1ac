// Package catalog implements the two read-only listing operations:
// repository catalog and tag listing, including Link-header
// pagination. Grounded on
// pull_tool/pkg/transport/cachedblob/transport.go's regexp-driven
// request matching, extended here to parse the registry's
// Link: <url>; rel="next" pagination header.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/cagojeiger/regpush/pkg/regerr"
	"github.com/cagojeiger/regpush/pkg/retry"
	"github.com/cagojeiger/regpush/pkg/transport"
)

var linkNextPattern = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// Client drives catalog/tags listing over a shared transport.Session.
type Client struct {
	session *transport.Session
	retry   retry.Policy
}

// Option configures a Client, following the same functional-options
// shape as pkg/blob.Option.
type Option func(*Client)

func WithRetry(maxAttempts int, baseBackoff time.Duration) Option {
	return func(c *Client) { c.retry = retry.Policy{MaxAttempts: maxAttempts, BaseBackoff: baseBackoff} }
}

func NewClient(session *transport.Session, opts ...Option) *Client {
	c := &Client{session: session, retry: retry.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type catalogResponse struct {
	Repositories []string `json:"repositories"`
}

// ListRepositories returns every repository name the registry reports,
// following Link-header pagination until exhausted.
func (c *Client) ListRepositories(ctx context.Context) ([]string, error) {
	var all []string
	next := "/v2/_catalog"

	for next != "" {
		var page catalogResponse
		var link string
		target := next
		err := c.retry.Do(ctx, func(attempt int) error {
			resp, err := c.session.Get(ctx, target, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.Status != http.StatusOK {
				return regerr.RegistryProtocolError(resp.Status, "")
			}
			page = catalogResponse{}
			if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
				return fmt.Errorf("decoding catalog page: %w", err)
			}
			link = resp.Header.Get("Link")
			return nil
		})
		if err != nil {
			return nil, err
		}

		all = append(all, page.Repositories...)
		next = nextPage(link)
		if next != "" {
			next, err = c.session.Resolve(next)
			if err != nil {
				return nil, err
			}
		}
	}
	return all, nil
}

type tagsResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// ListTags returns every tag in repo. A null/absent "tags" field is
// normalized to an empty slice.
func (c *Client) ListTags(ctx context.Context, repo string) ([]string, error) {
	var all []string
	next := fmt.Sprintf("/v2/%s/tags/list", repo)

	for next != "" {
		var page tagsResponse
		var link string
		target := next
		err := c.retry.Do(ctx, func(attempt int) error {
			resp, err := c.session.Get(ctx, target, nil)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.Status == http.StatusNotFound {
				return regerr.NotFound(repo)
			}
			if resp.Status != http.StatusOK {
				return regerr.RegistryProtocolError(resp.Status, "")
			}
			page = tagsResponse{}
			if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
				return fmt.Errorf("decoding tags page: %w", err)
			}
			link = resp.Header.Get("Link")
			return nil
		})
		if err != nil {
			return nil, err
		}

		all = append(all, page.Tags...)
		next = nextPage(link)
		if next != "" {
			next, err = c.session.Resolve(next)
			if err != nil {
				return nil, err
			}
		}
	}
	if all == nil {
		all = []string{}
	}
	return all, nil
}

func nextPage(link string) string {
	if link == "" {
		return ""
	}
	m := linkNextPattern.FindStringSubmatch(link)
	if m == nil {
		return ""
	}
	return m[1]
}
