// Package groundlinesdk is a minimal Groundline HTTP API client. It
// carries the optimistic-concurrency contract for callers: every item
// read hands back an ETag, every save sends it as If-Match, and a 412
// surfaces as a typed ConflictError with the server's current etag so
// the caller can re-read and retry.
package groundlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Groundline HTTP API client.
type Client struct {
	BaseURL     string
	Dataset     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, dataset string) *Client {
	return &Client{
		BaseURL: baseURL,
		Dataset: dataset,
		Timeout: 10 * time.Second,
	}
}

// Turn is one step of a curated conversation.
type Turn struct {
	Role string         `json:"role"`
	Text string         `json:"text"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Reference is a supporting source attached to an item.
type Reference struct {
	ID          string  `json:"id"`
	URL         string  `json:"url"`
	Title       string  `json:"title,omitempty"`
	Excerpt     string  `json:"excerpt,omitempty"`
	Relevant    bool    `json:"relevant"`
	Cited       bool    `json:"cited"`
	TurnIndex   *int    `json:"turn_index,omitempty"`
	LastVisited *string `json:"last_visited,omitempty"`
}

// Item represents the API work item model.
type Item struct {
	ID         string      `json:"id"`
	Dataset    string      `json:"dataset"`
	Turns      []Turn      `json:"turns"`
	References []Reference `json:"references,omitempty"`
	Comment    string      `json:"comment,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	Status     string      `json:"status"`
	AssignedTo *string     `json:"assigned_to,omitempty"`
	UpdatedAt  string      `json:"updated_at"`
	ETag       string      `json:"etag"`
	Version    int         `json:"version"`
}

// SaveResult reports the outcome of a save.
type SaveResult struct {
	Item       Item   `json:"item"`
	Outcome    string `json:"outcome"`
	Reconciled bool   `json:"reconciled,omitempty"`
}

// AssignmentResult reports what a claim request actually got.
type AssignmentResult struct {
	Assigned       []Item `json:"assigned"`
	RequestedCount int    `json:"requested_count"`
	AssignedCount  int    `json:"assigned_count"`
}

// Pagination describes a page of results.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}

// ItemPage is one page of an item listing.
type ItemPage struct {
	Items      []Item     `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ConflictError is returned when a save loses the etag race and the
// server could not reconcile it. CurrentETag is the etag of the copy
// that won.
type ConflictError struct {
	ItemID      string
	CurrentETag string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("item %s changed since it was read (current etag %s)", e.ItemID, e.CurrentETag)
}

// ListOptions filter an item listing.
type ListOptions struct {
	Status         string
	Tags           []string
	Keyword        string
	AssignedTo     string
	IncludeDeleted bool
	Page           int
	PageSize       int
}

// List fetches one page of items.
func (c *Client) List(ctx context.Context, opts ListOptions) (ItemPage, error) {
	q := url.Values{}
	if opts.Status != "" {
		q.Set("status", opts.Status)
	}
	for _, tag := range opts.Tags {
		q.Add("tag", tag)
	}
	if opts.Keyword != "" {
		q.Set("q", opts.Keyword)
	}
	if opts.AssignedTo != "" {
		q.Set("assigned_to", opts.AssignedTo)
	}
	if opts.IncludeDeleted {
		q.Set("include_deleted", "true")
	}
	if opts.Page > 0 {
		q.Set("page", fmt.Sprint(opts.Page))
	}
	if opts.PageSize > 0 {
		q.Set("page_size", fmt.Sprint(opts.PageSize))
	}
	endpoint := c.datasetPath("items")
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}
	var resp ItemPage
	err := c.do(ctx, http.MethodGet, endpoint, "", nil, &resp)
	return resp, err
}

// Get fetches an item; the returned Item carries the etag for the next save.
func (c *Client) Get(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodGet, c.datasetPath("items/"+url.PathEscape(id)), "", nil, &resp)
	return resp, err
}

// SaveRequest carries an edit to Save.
type SaveRequest struct {
	Turns      []Turn      `json:"turns"`
	References []Reference `json:"references,omitempty"`
	Comment    string      `json:"comment,omitempty"`
	Tags       []string    `json:"tags,omitempty"`
	Status     string      `json:"status,omitempty"`
}

// Save writes an edit under the item's etag. A 412 comes back as a
// ConflictError.
func (c *Client) Save(ctx context.Context, id, etag string, req SaveRequest) (SaveResult, error) {
	var resp SaveResult
	err := c.do(ctx, http.MethodPut, c.datasetPath("items/"+url.PathEscape(id)), etag, req, &resp)
	if err != nil {
		return resp, conflictFrom(id, err)
	}
	return resp, nil
}

// RequestAssignments claims up to count draft items for the caller.
func (c *Client) RequestAssignments(ctx context.Context, count int) (AssignmentResult, error) {
	var resp AssignmentResult
	err := c.do(ctx, http.MethodPost, c.datasetPath("assignments"), "", map[string]int{"count": count}, &resp)
	return resp, err
}

// Release gives a claimed item back to the pool.
func (c *Client) Release(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, c.datasetPath("items/"+url.PathEscape(id)+"/release"), "", nil, nil)
}

// Duplicate clones an item into a fresh draft claimed by the caller.
func (c *Client) Duplicate(ctx context.Context, id string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodPost, c.datasetPath("items/"+url.PathEscape(id)+"/duplicate"), "", nil, &resp)
	return resp, err
}

// Delete soft-deletes an item under its etag.
func (c *Client) Delete(ctx context.Context, id, etag string) (Item, error) {
	var resp Item
	err := c.do(ctx, http.MethodDelete, c.datasetPath("items/"+url.PathEscape(id)), etag, nil, &resp)
	if err != nil {
		return resp, conflictFrom(id, err)
	}
	return resp, nil
}

// MarkVisited stamps a reference's visit time.
func (c *Client) MarkVisited(ctx context.Context, id, refID string) (Item, error) {
	var resp Item
	endpoint := c.datasetPath("items/" + url.PathEscape(id) + "/references/" + url.PathEscape(refID) + "/visit")
	err := c.do(ctx, http.MethodPost, endpoint, "", nil, &resp)
	return resp, err
}

func conflictFrom(id string, err error) error {
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusPreconditionFailed {
		return err
	}
	var envelope struct {
		Error struct {
			Details struct {
				Current string `json:"current"`
			} `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal([]byte(apiErr.Body), &envelope)
	return &ConflictError{ItemID: id, CurrentETag: envelope.Error.Details.Current}
}

func (c *Client) do(ctx context.Context, method, endpoint, ifMatch string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) datasetPath(p string) string {
	dataset := url.PathEscape(c.Dataset)
	return fmt.Sprintf("v0/datasets/%s/%s", dataset, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
