// Package elastictest provides an in-process HTTP server that speaks the
// subset of the Elasticsearch REST API used by the elastic driver.
//
// State lives in a mem store. Tests can make the server reject bulk items,
// reject whole bulk requests with 429, or answer any request with 503 for a
// number of calls.
package elastictest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/repload/internal/logging"
	"github.com/JonMunkholm/repload/internal/store"
	"github.com/JonMunkholm/repload/internal/store/mem"
)

// ItemFailer decides whether the bulk item with the given id is rejected.
// call is the 1-based number of the bulk request.
type ItemFailer func(call int, id int64) bool

// Request is a recorded request line.
type Request struct {
	Method string
	Path   string
}

// Server is a fake Elasticsearch node.
type Server struct {
	State *mem.Store

	router *chi.Mux
	http   *httptest.Server

	mu          sync.Mutex
	requests    []Request
	bulkCalls   int
	failItem    ItemFailer
	reject429   int
	unavailable int
}

func New() *Server {
	s := &Server{
		State:  mem.New(),
		router: chi.NewRouter(),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Start runs a new server until the test ends.
func Start(t testing.TB) *Server {
	t.Helper()
	s := New()
	s.http = httptest.NewServer(s.router)
	t.Cleanup(s.http.Close)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// URL is the base URL of a started server.
func (s *Server) URL() string { return s.http.URL }

// HostPort splits the address of a started server.
func (s *Server) HostPort() (string, int) {
	u, _ := url.Parse(s.http.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// FailItems installs f for all following bulk requests. Nil clears it.
func (s *Server) FailItems(f ItemFailer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failItem = f
}

// RejectBulk answers the next n bulk requests with 429.
func (s *Server) RejectBulk(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject429 = n
}

// Unavailable answers the next n requests of any kind with 503.
func (s *Server) Unavailable(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = n
}

// Requests returns the requests seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// BulkCalls returns how many bulk requests reached the server.
func (s *Server) BulkCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulkCalls
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.record)
}

func (s *Server) setupRoutes() {
	s.router.Route("/_cat", func(r chi.Router) {
		r.Get("/indices/{pattern}", s.handleCatIndices)
		r.Get("/count/{index}", s.handleCatCount)
	})

	s.router.Head("/{index}", s.handleExists)
	s.router.Put("/{index}", s.handleCreate)
	s.router.Delete("/{index}", s.handleDelete)
	s.router.Get("/{index}/_source/{id}", s.handleGetSource)
	s.router.Put("/{index}/_doc/{id}", s.handlePutDoc)
	s.router.Post("/{index}/_update/{id}", s.handleUpdate)
	s.router.Post("/{index}/_bulk", s.handleBulk)
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path})
		down := s.unavailable > 0
		if down {
			s.unavailable--
		}
		s.mu.Unlock()

		if down {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "injected outage")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogger logs one line per request at verbose level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		logging.Verbose(r.Context(), logging.FromContext(r.Context()), "fake elasticsearch request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func writeError(w http.ResponseWriter, status int, typ, reason string) {
	writeJSON(w, status, map[string]any{
		"error":  map[string]any{"type": typ, "reason": reason},
		"status": status,
	})
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	ok, _ := s.State.Exists(r.Context(), chi.URLParam(r, "index"))
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createRequest struct {
	Settings struct {
		Index struct {
			Shards   int `json:"number_of_shards"`
			Replicas int `json:"number_of_replicas"`
		} `json:"index"`
	} `json:"settings"`
	Mappings struct {
		Dynamic    bool `json:"dynamic"`
		Properties map[string]struct {
			Type string `json:"type"`
		} `json:"properties"`
	} `json:"mappings"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	schema := store.Schema{
		Shards:   req.Settings.Index.Shards,
		Replicas: req.Settings.Index.Replicas,
		Dynamic:  req.Mappings.Dynamic,
	}
	for field, p := range req.Mappings.Properties {
		schema.Fields = append(schema.Fields, store.Field{Name: field, Type: store.FieldType(p.Type)})
	}

	err := s.State.CreateCollection(r.Context(), name, schema)
	if errors.Is(err, store.ErrConflict) {
		writeError(w, http.StatusBadRequest, "resource_already_exists_exception", "index ["+name+"] already exists")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "exception", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": name})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	if err := s.State.DeleteCollection(r.Context(), name); err != nil {
		writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := s.State.GetDocument(r.Context(), chi.URLParam(r, "index"), &doc); err != nil {
		writeError(w, http.StatusNotFound, "resource_not_found_exception", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handlePutDoc(w http.ResponseWriter, r *http.Request) {
	var doc map[string]any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	if err := s.State.PutDocument(r.Context(), chi.URLParam(r, "index"), doc); err != nil {
		writeError(w, http.StatusInternalServerError, "exception", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"_id": chi.URLParam(r, "id"), "result": "created"})
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Doc map[string]any `json:"doc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}
	if err := s.State.UpdateDocument(r.Context(), chi.URLParam(r, "index"), store.Patch(req.Doc)); err != nil {
		writeError(w, http.StatusNotFound, "document_missing_exception", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"_id": chi.URLParam(r, "id"), "result": "updated"})
}

func (s *Server) handleCatIndices(w http.ResponseWriter, r *http.Request) {
	prefix := strings.TrimSuffix(chi.URLParam(r, "pattern"), "*")
	listing, _ := s.State.ListCollections(r.Context(), prefix)
	writeText(w, listing)
}

func (s *Server) handleCatCount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")
	n, err := s.State.Count(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
		return
	}
	writeText(w, fmt.Sprintf("count\n%d\n", n))
}

type bulkItem struct {
	Index  string         `json:"_index"`
	ID     string         `json:"_id"`
	Status int            `json:"status"`
	Error  map[string]any `json:"error,omitempty"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "index")

	s.mu.Lock()
	s.bulkCalls++
	call := s.bulkCalls
	reject := s.reject429 > 0
	if reject {
		s.reject429--
	}
	failItem := s.failItem
	s.mu.Unlock()

	if reject {
		writeError(w, http.StatusTooManyRequests, "es_rejected_execution_exception", "injected rejection")
		return
	}

	rows, err := readBulk(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "parse_exception", err.Error())
		return
	}

	var accepted []store.Row
	items := make([]map[string]bulkItem, len(rows))
	hasErrors := false
	for i, row := range rows {
		id := strconv.FormatInt(row.Position, 10)
		if failItem != nil && failItem(call, row.Position) {
			hasErrors = true
			items[i] = map[string]bulkItem{"index": {
				Index:  name,
				ID:     id,
				Status: http.StatusTooManyRequests,
				Error:  map[string]any{"type": "es_rejected_execution_exception", "reason": "injected item failure"},
			}}
			continue
		}
		accepted = append(accepted, row)
		items[i] = map[string]bulkItem{"index": {Index: name, ID: id, Status: http.StatusCreated}}
	}

	if len(accepted) > 0 {
		report, err := s.State.BulkWrite(r.Context(), name, accepted)
		if err != nil {
			writeError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+name+"]")
			return
		}
		statuses := make(map[int64]int, len(report.Items))
		for _, it := range report.Items {
			statuses[it.Position] = it.Status
		}
		for i, row := range rows {
			if st, ok := statuses[row.Position]; ok {
				it := items[i]["index"]
				it.Status = st
				items[i]["index"] = it
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"took": 1, "errors": hasErrors, "items": items})
}

// readBulk parses an NDJSON body of index actions, each followed by its source.
func readBulk(body io.Reader) ([]store.Row, error) {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var rows []store.Row
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var action struct {
			Index struct {
				ID string `json:"_id"`
			} `json:"index"`
		}
		if err := json.Unmarshal(line, &action); err != nil {
			return nil, fmt.Errorf("action line: %w", err)
		}
		pos, err := strconv.ParseInt(action.Index.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("action id %q: %w", action.Index.ID, err)
		}
		if !sc.Scan() {
			return nil, fmt.Errorf("action %s has no source line", action.Index.ID)
		}
		var src map[string]any
		if err := json.Unmarshal(sc.Bytes(), &src); err != nil {
			return nil, fmt.Errorf("source line %s: %w", action.Index.ID, err)
		}
		rows = append(rows, store.Row{Position: pos, Source: src})
	}
	return rows, sc.Err()
}
