package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/agileforge/witmigrate/internal/item"
)

// ErrNotFound is returned when the source system has no item with the
// requested identifier.
var ErrNotFound = errors.New("source item not found")

// Client is the read-side surface the migration engine consumes.
// Implementations must be safe for concurrent use; the collector
// prefetches attachments and comments from multiple goroutines.
type Client interface {
	// FetchItem retrieves one item by identifier. An empty type means
	// "any type": the source assigns identifiers from a single space, so
	// child references can be resolved without knowing the child's type.
	FetchItem(ctx context.Context, typ item.ItemType, id string) (*item.SourceItem, error)

	// FetchItemsByType retrieves every item of the given type in the
	// configured project.
	FetchItemsByType(ctx context.Context, typ item.ItemType) ([]*item.SourceItem, error)

	// FetchAttachments retrieves the item's attachments with content.
	FetchAttachments(ctx context.Context, it *item.SourceItem) ([]item.Attachment, error)

	// FetchComments retrieves the item's discussion entries, oldest first.
	FetchComments(ctx context.Context, it *item.SourceItem) ([]item.Comment, error)

	// FetchOwnerEmail resolves a user reference to an email address.
	// Returns "" without error when the user record has no email.
	FetchOwnerEmail(ctx context.Context, ref string) (string, error)
}

// HTTPClient talks to the source tracking system's REST API.
type HTTPClient struct {
	BaseURL string
	APIKey  string
	Project string
	HTTP    *http.Client

	mu     sync.Mutex
	emails map[string]string // user ref -> email, resolved lazily
}

// NewHTTPClient creates a source API client. project scopes the list
// endpoint; single-item fetches are project-independent.
func NewHTTPClient(baseURL, apiKey, project string) *HTTPClient {
	return &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Project: project,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		emails:  make(map[string]string),
	}
}

var _ Client = (*HTTPClient)(nil)

// pageSize for the list endpoint.
const pageSize = 200

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("source API returned %d: %s", e.Status, e.Body)
}

func newRetryBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 30 * time.Second
	return bo
}

func isRetryable(err error) bool {
	if ae, ok := err.(*apiError); ok {
		return ae.Status == http.StatusTooManyRequests || ae.Status >= 500
	}
	return true
}

// doRequest performs an authenticated GET with retry on transient
// failures. path must start with "/".
func (c *HTTPClient) doRequest(ctx context.Context, path string) ([]byte, error) {
	var respBody []byte
	op := func() error {
		body, err := c.doOnce(ctx, path)
		if err != nil {
			if isRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		respBody = body
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(newRetryBackoff(), ctx)); err != nil {
		return nil, err
	}
	return respBody, nil
}

func (c *HTTPClient) doOnce(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("source API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.doRequest(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing source response: %w", err)
	}
	return nil
}

func (c *HTTPClient) FetchItem(ctx context.Context, typ item.ItemType, id string) (*item.SourceItem, error) {
	path := "/api/v1/items/" + url.PathEscape(id)
	if typ != "" {
		path += "?type=" + url.QueryEscape(string(typ))
	}
	var wi wireItem
	if err := c.getJSON(ctx, path, &wi); err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
			return nil, fmt.Errorf("fetching item %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("fetching item %s: %w", id, err)
	}

	// The server denormalizes lifecycle state and the copy can lag the
	// item revision. When the payload says so, re-read the state through
	// the minimal-field endpoint, which bypasses the denormalized copy.
	// This is the single correction point; nothing downstream re-checks.
	if wi.StateStale {
		var ws wireState
		if err := c.getJSON(ctx, "/api/v1/items/"+url.PathEscape(id)+"/state", &ws); err != nil {
			return nil, fmt.Errorf("refreshing stale state for item %s: %w", id, err)
		}
		wi.State = ws.State
		wi.StateStale = false
	}
	return wi.toSourceItem(), nil
}

func (c *HTTPClient) FetchItemsByType(ctx context.Context, typ item.ItemType) ([]*item.SourceItem, error) {
	var out []*item.SourceItem
	start := 0
	for {
		path := fmt.Sprintf("/api/v1/items?type=%s&project=%s&start=%d&pagesize=%d",
			url.QueryEscape(string(typ)), url.QueryEscape(c.Project), start, pageSize)
		var page wireItemList
		if err := c.getJSON(ctx, path, &page); err != nil {
			return nil, fmt.Errorf("listing %s items: %w", typ, err)
		}
		for i := range page.Items {
			wi := &page.Items[i]
			if wi.StateStale {
				var ws wireState
				if err := c.getJSON(ctx, "/api/v1/items/"+url.PathEscape(wi.ID)+"/state", &ws); err != nil {
					return nil, fmt.Errorf("refreshing stale state for item %s: %w", wi.ID, err)
				}
				wi.State = ws.State
			}
			out = append(out, wi.toSourceItem())
		}
		start += len(page.Items)
		if len(page.Items) == 0 || start >= page.Total {
			break
		}
	}
	return out, nil
}

func (c *HTTPClient) FetchAttachments(ctx context.Context, it *item.SourceItem) ([]item.Attachment, error) {
	var metas []wireAttachment
	if err := c.getJSON(ctx, "/api/v1/items/"+url.PathEscape(it.ID)+"/attachments", &metas); err != nil {
		return nil, fmt.Errorf("listing attachments for %s: %w", it.ID, err)
	}
	out := make([]item.Attachment, 0, len(metas))
	for _, meta := range metas {
		content, err := c.doRequest(ctx, "/api/v1/attachments/"+url.PathEscape(meta.ID)+"/content")
		if err != nil {
			return nil, fmt.Errorf("downloading attachment %s of %s: %w", meta.Name, it.ID, err)
		}
		out = append(out, item.Attachment{Name: meta.Name, ContentType: meta.ContentType, Content: content})
	}
	return out, nil
}

func (c *HTTPClient) FetchComments(ctx context.Context, it *item.SourceItem) ([]item.Comment, error) {
	var wire []wireComment
	if err := c.getJSON(ctx, "/api/v1/items/"+url.PathEscape(it.ID)+"/comments", &wire); err != nil {
		return nil, fmt.Errorf("listing comments for %s: %w", it.ID, err)
	}
	out := make([]item.Comment, 0, len(wire))
	for _, wc := range wire {
		out = append(out, item.Comment{Author: wc.Author.toActor(), PostedAt: wc.PostedAt, Text: wc.Text})
	}
	return out, nil
}

func (c *HTTPClient) FetchOwnerEmail(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	c.mu.Lock()
	if email, ok := c.emails[ref]; ok {
		c.mu.Unlock()
		return email, nil
	}
	c.mu.Unlock()

	var detail wireUserDetail
	if err := c.getJSON(ctx, "/api/v1/users/"+url.PathEscape(ref), &detail); err != nil {
		var ae *apiError
		if errors.As(err, &ae) && ae.Status == http.StatusNotFound {
			return "", nil
		}
		return "", fmt.Errorf("resolving user %s: %w", ref, err)
	}

	c.mu.Lock()
	c.emails[ref] = detail.Email
	c.mu.Unlock()
	return detail.Email, nil
}
