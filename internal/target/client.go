package target

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client is the surface of the target system the migration engine
// consumes. The REST implementation below is the production client;
// tests substitute in-memory fakes.
type Client interface {
	// FindByTag returns the work item carrying the given tag, or nil if
	// none exists. More than one match is a data-integrity anomaly and
	// returns an AmbiguousTagError.
	FindByTag(ctx context.Context, tag string) (*WorkItem, error)

	// CreateEntity creates a work item of the given type from
	// creation-time fields and returns the created item.
	CreateEntity(ctx context.Context, workItemType string, fields map[string]any) (*WorkItem, error)

	// PatchFields replaces field values on an existing work item.
	// Elevated writes bypass workflow and field validation, which is
	// required for lifecycle state and historical audit fields.
	PatchFields(ctx context.Context, id int, fields map[string]any, elevated bool) error

	// UploadAttachment uploads content and attaches it to the work item.
	UploadAttachment(ctx context.Context, id int, name string, content []byte) error

	// AddComment appends a discussion comment to the work item.
	AddComment(ctx context.Context, id int, text string) error

	// LinkEntities adds a relation of the given kind from one work item
	// to another. Re-adding an existing relation is not an error.
	LinkEntities(ctx context.Context, fromID, toID int, linkKind string) error

	// GetEntityWithRelations returns the work item with its fields and
	// relations expanded, or nil if it does not exist.
	GetEntityWithRelations(ctx context.Context, id int) (*WorkItem, error)
}

// AmbiguousTagError reports a cross-reference tag matching more than one
// target entity. The caller skips the entity and counts the anomaly.
type AmbiguousTagError struct {
	Tag string
	IDs []int
}

func (e *AmbiguousTagError) Error() string {
	return fmt.Sprintf("tag %q matches %d work items %v", e.Tag, len(e.IDs), e.IDs)
}

// HTTPClient talks to the target REST API.
type HTTPClient struct {
	Organization string
	Project      string
	PAT          string
	BaseURL      string
	HTTP         *http.Client
}

// NewHTTPClient creates a target client for the given organization and
// project. Organization may be a bare name or a full base URL.
func NewHTTPClient(organization, project, pat string) *HTTPClient {
	baseURL := organization
	if !strings.HasPrefix(organization, "http") {
		baseURL = fmt.Sprintf("https://dev.azure.com/%s", organization)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &HTTPClient{
		Organization: organization,
		Project:      project,
		PAT:          pat,
		BaseURL:      baseURL,
		HTTP:         &http.Client{Timeout: DefaultTimeout},
	}
}

const retryMaxElapsed = 30 * time.Second

func newRetryBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// apiError carries the status code so retry classification doesn't have
// to parse error strings.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

func isRetryable(err error) bool {
	if ae, ok := err.(*apiError); ok {
		return ae.Status == http.StatusTooManyRequests || ae.Status >= 500
	}
	// Transport-level failures (timeouts, resets) arrive as non-apiError.
	return true
}

// doRequest performs an authenticated request with retry on transient
// failures. A nil body sends no payload.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body any, contentType string) ([]byte, error) {
	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}
	return c.doRequestBytes(ctx, method, path, payload, contentType)
}

// doRequestBytes is doRequest without JSON marshaling, for binary
// payloads such as attachment content.
func (c *HTTPClient) doRequestBytes(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	var respBody []byte
	op := func() error {
		var err error
		respBody, err = c.doOnce(ctx, method, path, payload, contentType)
		if err != nil && !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(newRetryBackoff(), ctx)); err != nil {
		return nil, err
	}
	return respBody, nil
}

func (c *HTTPClient) doOnce(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	separator := "?"
	if strings.Contains(path, "?") {
		separator = "&"
	}
	reqURL := c.BaseURL + path + separator + "api-version=" + APIVersion

	var reqBody *bytes.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	// Basic auth with empty username and PAT as password.
	auth := base64.StdEncoding.EncodeToString([]byte(":" + c.PAT))
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apiError{Status: resp.StatusCode, Body: buf.String()}
	}
	return buf.Bytes(), nil
}

// FindByTag locates a work item by its cross-reference tag via WIQL.
// Tag lookup is the only duplicate-detection key: titles are mutable and
// non-unique.
func (c *HTTPClient) FindByTag(ctx context.Context, tag string) (*WorkItem, error) {
	wiql := fmt.Sprintf(
		"SELECT [System.Id] FROM WorkItems WHERE [System.TeamProject] = '%s' AND [System.Tags] CONTAINS '%s'",
		c.Project, strings.ReplaceAll(tag, "'", "''"))

	path := fmt.Sprintf("/%s/_apis/wit/wiql", url.PathEscape(c.Project))
	respBody, err := c.doRequest(ctx, http.MethodPost, path, WIQLQueryRequest{Query: wiql}, "application/json")
	if err != nil {
		return nil, fmt.Errorf("WIQL tag query failed: %w", err)
	}

	var queryResp WIQLQueryResponse
	if err := json.Unmarshal(respBody, &queryResp); err != nil {
		return nil, fmt.Errorf("parsing WIQL response: %w", err)
	}

	switch len(queryResp.WorkItems) {
	case 0:
		return nil, nil
	case 1:
		return c.GetEntityWithRelations(ctx, queryResp.WorkItems[0].ID)
	default:
		ids := make([]int, len(queryResp.WorkItems))
		for i, ref := range queryResp.WorkItems {
			ids[i] = ref.ID
		}
		return nil, &AmbiguousTagError{Tag: tag, IDs: ids}
	}
}

// CreateEntity creates a work item from creation-time fields.
func (c *HTTPClient) CreateEntity(ctx context.Context, workItemType string, fields map[string]any) (*WorkItem, error) {
	ops := fieldsToPatch("add", fields)
	path := fmt.Sprintf("/%s/_apis/wit/workitems/$%s", url.PathEscape(c.Project), url.PathEscape(workItemType))

	respBody, err := c.doRequest(ctx, http.MethodPost, path, ops, "application/json-patch+json")
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", workItemType, err)
	}

	var wi WorkItem
	if err := json.Unmarshal(respBody, &wi); err != nil {
		return nil, fmt.Errorf("parsing create response: %w", err)
	}
	return &wi, nil
}

// PatchFields replaces field values. Elevated writes append
// bypassRules=true, the write mode required for System.State and
// historical audit fields.
func (c *HTTPClient) PatchFields(ctx context.Context, id int, fields map[string]any, elevated bool) error {
	if len(fields) == 0 {
		return nil
	}
	ops := fieldsToPatch("replace", fields)
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d", url.PathEscape(c.Project), id)
	if elevated {
		path += "?bypassRules=true"
	}

	if _, err := c.doRequest(ctx, http.MethodPatch, path, ops, "application/json-patch+json"); err != nil {
		return fmt.Errorf("patching work item %d: %w", id, err)
	}
	return nil
}

// UploadAttachment uploads content to the attachment store and links it
// to the work item as an AttachedFile relation.
func (c *HTTPClient) UploadAttachment(ctx context.Context, id int, name string, content []byte) error {
	uploadPath := fmt.Sprintf("/%s/_apis/wit/attachments?fileName=%s", url.PathEscape(c.Project), url.QueryEscape(name))
	respBody, err := c.doRequestBytes(ctx, http.MethodPost, uploadPath, content, "application/octet-stream")
	if err != nil {
		return fmt.Errorf("uploading attachment %q: %w", name, err)
	}

	var uploaded attachmentUploadResponse
	if err := json.Unmarshal(respBody, &uploaded); err != nil {
		return fmt.Errorf("parsing attachment response: %w", err)
	}

	ops := []PatchOperation{{
		Op:   "add",
		Path: "/relations/-",
		Value: Relation{
			Rel:        RelAttachedFile,
			URL:        uploaded.URL,
			Attributes: map[string]any{"name": name},
		},
	}}
	patchPath := fmt.Sprintf("/%s/_apis/wit/workitems/%d", url.PathEscape(c.Project), id)
	if _, err := c.doRequest(ctx, http.MethodPatch, patchPath, ops, "application/json-patch+json"); err != nil {
		return fmt.Errorf("attaching %q to work item %d: %w", name, id, err)
	}
	return nil
}

// AddComment appends a discussion comment.
func (c *HTTPClient) AddComment(ctx context.Context, id int, text string) error {
	path := fmt.Sprintf("/%s/_apis/wit/workItems/%d/comments", url.PathEscape(c.Project), id)
	if _, err := c.doRequest(ctx, http.MethodPost, path, commentRequest{Text: text}, "application/json"); err != nil {
		return fmt.Errorf("adding comment to work item %d: %w", id, err)
	}
	return nil
}

// LinkEntities adds a relation of the given kind from one work item to
// another. A duplicate-relation rejection from the server is treated as
// success so link passes stay idempotent.
func (c *HTTPClient) LinkEntities(ctx context.Context, fromID, toID int, linkKind string) error {
	ops := []PatchOperation{{
		Op:   "add",
		Path: "/relations/-",
		Value: Relation{
			Rel: linkKind,
			URL: c.workItemAPIURL(toID),
		},
	}}
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d", url.PathEscape(c.Project), fromID)
	_, err := c.doRequest(ctx, http.MethodPatch, path, ops, "application/json-patch+json")
	if err != nil {
		if ae, ok := err.(*apiError); ok && strings.Contains(ae.Body, "RelationAlreadyExists") {
			return nil
		}
		return fmt.Errorf("linking %d -> %d (%s): %w", fromID, toID, linkKind, err)
	}
	return nil
}

// GetEntityWithRelations returns a work item with relations expanded, or
// nil if it does not exist.
func (c *HTTPClient) GetEntityWithRelations(ctx context.Context, id int) (*WorkItem, error) {
	path := fmt.Sprintf("/%s/_apis/wit/workitems/%d?$expand=relations", url.PathEscape(c.Project), id)
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		if ae, ok := err.(*apiError); ok && ae.Status == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}

	var wi WorkItem
	if err := json.Unmarshal(respBody, &wi); err != nil {
		return nil, fmt.Errorf("parsing work item %d: %w", id, err)
	}
	return &wi, nil
}

// workItemAPIURL builds the API URL a relation must reference.
func (c *HTTPClient) workItemAPIURL(id int) string {
	return fmt.Sprintf("%s/%s/_apis/wit/workItems/%d", c.BaseURL, url.PathEscape(c.Project), id)
}

// fieldsToPatch converts a field map to JSON-patch operations in a
// deterministic order.
func fieldsToPatch(op string, fields map[string]any) []PatchOperation {
	refs := make([]string, 0, len(fields))
	for ref := range fields {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	ops := make([]PatchOperation, 0, len(refs))
	for _, ref := range refs {
		ops = append(ops, PatchOperation{Op: op, Path: "/fields/" + ref, Value: fields[ref]})
	}
	return ops
}

var _ Client = (*HTTPClient)(nil)
