// Package elastic is the Elasticsearch store driver.
//
// Collections map to indices, the singleton document of a control collection
// is the document with id "0", and row counts and listings come from the _cat
// APIs, whose plain-text tables keep their header line.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/JonMunkholm/repload/internal/store"
)

const (
	DriverName = "elasticsearch"

	// singletonID is the id of the one document held by a control collection.
	singletonID = "0"

	retryWaitMin = 200 * time.Millisecond
	retryWaitMax = 5 * time.Second
)

//nolint:gochecknoinits
func init() {
	store.Register(DriverName, store.DriverFunc(Open))
}

// Store talks to an Elasticsearch cluster over HTTP.
type Store struct {
	baseURL string
	client  *retryablehttp.Client
	bulkLog io.Writer
}

// Open builds a Store for params.Host and params.Port. No request is made.
func Open(_ context.Context, params store.Params) (store.Store, error) {
	if params.Host == "" || params.Port <= 0 {
		return nil, fmt.Errorf("%w: elasticsearch host and port not set", store.ErrOperationFailed)
	}
	base := params.Host
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse host %q: %w", params.Host, err)
	}
	u.Host = u.Hostname() + ":" + strconv.Itoa(params.Port)
	return New(u.String(), params), nil
}

// New builds a Store for an explicit base URL such as http://localhost:9200.
func New(baseURL string, params store.Params) *Store {
	client := retryablehttp.NewClient()
	client.Logger = slog.Default()
	client.RetryMax = params.RetryMax
	if params.RetryMax < 0 {
		client.RetryMax = 0
	}
	client.RetryWaitMin = retryWaitMin
	client.RetryWaitMax = retryWaitMax
	client.HTTPClient.Timeout = params.Timeout
	client.CheckRetry = checkRetry
	return &Store{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		bulkLog: params.BulkLog,
	}
}

// checkRetry retries transport errors and gateway failures. Every other
// status is handed back to the caller: a 429 on a bulk request is part of the
// bulk outcome, not a transport problem.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

type response struct {
	status int
	body   []byte
}

func (s *Store) do(ctx context.Context, method, path string, body []byte, contentType string) (*response, error) {
	var rawBody any
	if body != nil {
		rawBody = body
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, s.baseURL+path, rawBody)
	if err != nil {
		return nil, fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}

func (s *Store) doJSON(ctx context.Context, method, path string, payload any) (*response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", path, err)
	}
	return s.do(ctx, method, path, data, "application/json")
}

func unexpected(op, name string, r *response) error {
	return fmt.Errorf("%w: %s %s: status %d: %s", store.ErrOperationFailed, op, name, r.status, strings.TrimSpace(string(r.body)))
}

func (s *Store) Exists(ctx context.Context, name string) (bool, error) {
	r, err := s.do(ctx, http.MethodHead, "/"+url.PathEscape(name), nil, "")
	if err != nil {
		return false, err
	}
	switch r.status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	}
	return false, unexpected("exists", name, r)
}

func (s *Store) CreateCollection(ctx context.Context, name string, schema store.Schema) error {
	if name == "" {
		return store.ErrMissingName
	}
	r, err := s.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(name), createBody(schema))
	if err != nil {
		return err
	}
	if r.status == http.StatusOK || r.status == http.StatusCreated {
		return nil
	}
	if r.status == http.StatusBadRequest && bytes.Contains(r.body, []byte("resource_already_exists_exception")) {
		return fmt.Errorf("collection %s: %w", name, store.ErrConflict)
	}
	return unexpected("create", name, r)
}

func createBody(schema store.Schema) map[string]any {
	props := make(map[string]any, len(schema.Fields))
	for _, f := range schema.Fields {
		p := map[string]any{"type": string(f.Type)}
		if f.Type == store.FieldKeyword {
			p["ignore_above"] = 10922
		}
		if f.IgnoreMalformed {
			p["ignore_malformed"] = true
		}
		props[f.Name] = p
	}
	shards, replicas := schema.Shards, schema.Replicas
	if shards <= 0 {
		shards = 1
	}
	return map[string]any{
		"settings": map[string]any{
			"index": map[string]any{
				"number_of_shards":   shards,
				"number_of_replicas": replicas,
			},
		},
		"mappings": map[string]any{
			"dynamic":    schema.Dynamic,
			"properties": props,
		},
	}
}

func (s *Store) GetDocument(ctx context.Context, name string, out any) error {
	r, err := s.do(ctx, http.MethodGet, "/"+url.PathEscape(name)+"/_source/"+singletonID, nil, "")
	if err != nil {
		return err
	}
	if r.status == http.StatusNotFound {
		return fmt.Errorf("document %s: %w", name, store.ErrNotFound)
	}
	if r.status != http.StatusOK {
		return unexpected("get", name, r)
	}
	if len(bytes.TrimSpace(r.body)) == 0 {
		return fmt.Errorf("document %s: empty body: %w", name, store.ErrNotFound)
	}
	if err := json.Unmarshal(r.body, out); err != nil {
		return fmt.Errorf("decode document %s: %w", name, err)
	}
	return nil
}

func (s *Store) PutDocument(ctx context.Context, name string, doc any) error {
	r, err := s.doJSON(ctx, http.MethodPut, "/"+url.PathEscape(name)+"/_doc/"+singletonID, doc)
	if err != nil {
		return err
	}
	if r.status != http.StatusOK && r.status != http.StatusCreated {
		return unexpected("put", name, r)
	}
	return nil
}

func (s *Store) UpdateDocument(ctx context.Context, name string, patch store.Patch) error {
	r, err := s.doJSON(ctx, http.MethodPost, "/"+url.PathEscape(name)+"/_update/"+singletonID, map[string]any{"doc": patch})
	if err != nil {
		return err
	}
	if r.status == http.StatusNotFound {
		return fmt.Errorf("document %s: %w", name, store.ErrNotFound)
	}
	if r.status != http.StatusOK && r.status != http.StatusCreated {
		return unexpected("update", name, r)
	}
	return nil
}

func (s *Store) ListCollections(ctx context.Context, prefix string) (string, error) {
	r, err := s.do(ctx, http.MethodGet, "/_cat/indices/"+url.PathEscape(prefix)+"*?v&h=index", nil, "")
	if err != nil {
		return "", err
	}
	if r.status == http.StatusNotFound {
		return "", nil
	}
	if r.status != http.StatusOK {
		return "", unexpected("list", prefix, r)
	}
	return string(r.body), nil
}

func (s *Store) DeleteCollection(ctx context.Context, name string) error {
	if name == "" || strings.ContainsAny(name, "*,") {
		return fmt.Errorf("%w: refusing to delete %q", store.ErrOperationFailed, name)
	}
	r, err := s.do(ctx, http.MethodDelete, "/"+url.PathEscape(name), nil, "")
	if err != nil {
		return err
	}
	if r.status == http.StatusNotFound {
		return fmt.Errorf("collection %s: %w", name, store.ErrNotFound)
	}
	if r.status != http.StatusOK {
		return unexpected("delete", name, r)
	}
	return nil
}

func (s *Store) Count(ctx context.Context, name string) (int64, error) {
	r, err := s.do(ctx, http.MethodGet, "/_cat/count/"+url.PathEscape(name)+"?v&h=count", nil, "")
	if err != nil {
		return 0, err
	}
	if r.status == http.StatusNotFound {
		return 0, fmt.Errorf("collection %s: %w", name, store.ErrNotFound)
	}
	if r.status != http.StatusOK {
		return 0, unexpected("count", name, r)
	}
	return parseCount(string(r.body))
}

// parseCount reads the value line of a verbose _cat/count table.
func parseCount(body string) (int64, error) {
	var values []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "count" {
			continue
		}
		values = append(values, line)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("%w: unexpected count listing %q", store.ErrOperationFailed, body)
	}
	n, err := strconv.ParseInt(values[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parse count %q: %v", store.ErrOperationFailed, values[0], err)
	}
	return n, nil
}

type bulkAction struct {
	Index struct {
		ID string `json:"_id"`
	} `json:"index"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string          `json:"_id"`
		Status int             `json:"status"`
		Error  json.RawMessage `json:"error,omitempty"`
	} `json:"items"`
}

func (s *Store) BulkWrite(ctx context.Context, name string, rows []store.Row) (*store.BulkReport, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		var action bulkAction
		action.Index.ID = strconv.FormatInt(row.Position, 10)
		if err := enc.Encode(action); err != nil {
			return nil, fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(row.Source); err != nil {
			return nil, fmt.Errorf("encode row %d: %w", row.Position, err)
		}
	}

	r, err := s.do(ctx, http.MethodPost, "/"+url.PathEscape(name)+"/_bulk", buf.Bytes(), "application/x-ndjson")
	if err != nil {
		return nil, err
	}
	if s.bulkLog != nil {
		_, _ = s.bulkLog.Write(append(r.body, '\n'))
	}

	if r.status == http.StatusTooManyRequests {
		return rejectAll(rows, r.status, "too many requests"), nil
	}
	if r.status != http.StatusOK {
		return nil, unexpected("bulk", name, r)
	}
	return parseBulkResponse(rows, r.body)
}

func rejectAll(rows []store.Row, status int, reason string) *store.BulkReport {
	report := &store.BulkReport{Items: make([]store.ItemResult, len(rows))}
	for i, row := range rows {
		report.Items[i] = store.ItemResult{Position: row.Position, Status: status, Error: reason}
	}
	return report
}

// parseBulkResponse maps bulk items back to rows. Items come back in request
// order; a response with fewer items than rows marks the rest as failed.
func parseBulkResponse(rows []store.Row, body []byte) (*store.BulkReport, error) {
	var resp bulkResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode bulk response: %v", store.ErrOperationFailed, err)
	}
	report := &store.BulkReport{Items: make([]store.ItemResult, len(rows))}
	for i, row := range rows {
		item := store.ItemResult{Position: row.Position}
		if i >= len(resp.Items) {
			item.Error = "missing from bulk response"
			report.Items[i] = item
			continue
		}
		for _, result := range resp.Items[i] {
			item.Status = result.Status
			if len(result.Error) > 0 && string(result.Error) != "null" {
				item.Error = string(result.Error)
			}
		}
		report.Items[i] = item
	}
	if resp.Errors && !report.HasFailures() {
		// The cluster flagged errors without pointing at an item; treat the whole batch as failed.
		return rejectAll(rows, http.StatusInternalServerError, "bulk response reported errors"), nil
	}
	return report, nil
}

func (s *Store) Close() error {
	s.client.HTTPClient.CloseIdleConnections()
	return nil
}

var _ store.Store = (*Store)(nil)
