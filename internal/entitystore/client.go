// Package entitystore is the HTTP client for the content store that
// owns the actual records. The pipeline never interprets search masks
// or implements querying itself; it forwards the caller's filter tree
// verbatim and mutates records one at a time through this client.
package entitystore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nowcrm/dal/internal/pkg/httpretry"
)

// Record is one entity as the store returns it.
type Record struct {
	ID         int64          `json:"id"`
	DocumentID string         `json:"documentId"`
	Attributes map[string]any `json:"attributes"`
}

// Page is one page of resolved records plus pagination metadata.
type Page struct {
	Records   []Record
	Page      int
	PageSize  int
	PageCount int
	Total     int
}

// APIError is a non-2xx reply from the store.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("entity store: %d %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the store. Delete and
// anonymize handlers treat it as already-done.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client is the store contract the workers program against.
type Client interface {
	// Resolve returns one page of records matching the search mask.
	// The mask is forwarded as-is; the store interprets it.
	Resolve(ctx context.Context, entity string, searchMask json.RawMessage, page, pageSize int) (*Page, error)
	// Update applies a partial attribute patch to one record.
	Update(ctx context.Context, entity, documentID string, fields map[string]any) error
	// Delete removes one record. A 404 comes back as *APIError.
	Delete(ctx context.Context, entity, documentID string) error
	// Connect attaches a record to a relation target (list, journey,
	// organization) through the named relation field.
	Connect(ctx context.Context, entity, documentID, relationField string, targetID int64) error
	// FindOrCreate returns the record whose uniqueField equals value,
	// creating it from data when absent. Reports whether it created.
	FindOrCreate(ctx context.Context, entity, uniqueField, value string, data map[string]any) (*Record, bool, error)
	// SetSubscription flips a contact's channel subscription.
	SetSubscription(ctx context.Context, documentID string, channelID int64, subscribed bool) error
}

// HTTPClient talks to the store over its JSON API with bearer auth and
// retry on transient failures.
type HTTPClient struct {
	baseURL string
	token   string
	http    *httpretry.RetryClient
}

// NewHTTPClient creates a client for the store at baseURL.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		http:    httpretry.NewRetryClient(&http.Client{Timeout: 30 * time.Second}, 3),
	}
}

type queryRequest struct {
	Filters    json.RawMessage `json:"filters"`
	Pagination struct {
		Page     int `json:"page"`
		PageSize int `json:"pageSize"`
	} `json:"pagination"`
}

type queryResponse struct {
	Data []Record `json:"data"`
	Meta struct {
		Pagination struct {
			Page      int `json:"page"`
			PageSize  int `json:"pageSize"`
			PageCount int `json:"pageCount"`
			Total     int `json:"total"`
		} `json:"pagination"`
	} `json:"meta"`
}

func (c *HTTPClient) Resolve(ctx context.Context, entity string, searchMask json.RawMessage, page, pageSize int) (*Page, error) {
	req := queryRequest{Filters: searchMask}
	req.Pagination.Page = page
	req.Pagination.PageSize = pageSize

	var resp queryResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/%s/query", entity), req, &resp); err != nil {
		return nil, err
	}
	return &Page{
		Records:   resp.Data,
		Page:      resp.Meta.Pagination.Page,
		PageSize:  resp.Meta.Pagination.PageSize,
		PageCount: resp.Meta.Pagination.PageCount,
		Total:     resp.Meta.Pagination.Total,
	}, nil
}

func (c *HTTPClient) Update(ctx context.Context, entity, documentID string, fields map[string]any) error {
	body := map[string]any{"data": fields}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/%s/%s", entity, documentID), body, nil)
}

func (c *HTTPClient) Delete(ctx context.Context, entity, documentID string) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/api/%s/%s", entity, documentID), nil, nil)
}

func (c *HTTPClient) Connect(ctx context.Context, entity, documentID, relationField string, targetID int64) error {
	body := map[string]any{
		"data": map[string]any{
			relationField: map[string]any{
				"connect": []int64{targetID},
			},
		},
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/%s/%s", entity, documentID), body, nil)
}

type findOrCreateResponse struct {
	Data    Record `json:"data"`
	Created bool   `json:"created"`
}

func (c *HTTPClient) FindOrCreate(ctx context.Context, entity, uniqueField, value string, data map[string]any) (*Record, bool, error) {
	body := map[string]any{
		"field": uniqueField,
		"value": value,
		"data":  data,
	}
	var resp findOrCreateResponse
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/api/%s/find-or-create", entity), body, &resp); err != nil {
		return nil, false, err
	}
	return &resp.Data, resp.Created, nil
}

func (c *HTTPClient) SetSubscription(ctx context.Context, documentID string, channelID int64, subscribed bool) error {
	body := map[string]any{
		"channelId":  channelID,
		"subscribed": subscribed,
	}
	return c.do(ctx, http.MethodPut, fmt.Sprintf("/api/contacts/%s/subscription", documentID), body, nil)
}

// do sends one JSON request and decodes the reply into out when out is
// non-nil. Non-2xx replies come back as *APIError.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(raw)
}
