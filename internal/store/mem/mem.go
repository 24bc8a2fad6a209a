// Package mem is an in-process store driver. It keeps collections, singleton
// documents and rows in maps and is used by tests and dry runs.
package mem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JonMunkholm/repload/internal/store"
)

const DriverName = "mem"

//nolint:gochecknoinits
func init() {
	store.Register(DriverName, store.DriverFunc(func(_ context.Context, _ store.Params) (store.Store, error) {
		return New(), nil
	}))
}

type collection struct {
	schema store.Schema
	doc    map[string]any
	rows   map[int64]map[string]any
}

// Store is a map-backed store.Store. It is safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	order       []string
	collections map[string]*collection
}

func New() *Store {
	return &Store{collections: make(map[string]*collection)}
}

func (s *Store) Exists(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.collections[name]
	return ok, nil
}

func (s *Store) CreateCollection(_ context.Context, name string, schema store.Schema) error {
	if name == "" {
		return store.ErrMissingName
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name]; ok {
		return fmt.Errorf("collection %s: %w", name, store.ErrConflict)
	}
	s.collections[name] = &collection{schema: schema, rows: make(map[int64]map[string]any)}
	s.order = append(s.order, name)
	return nil
}

func (s *Store) GetDocument(_ context.Context, name string, out any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok || c.doc == nil {
		return fmt.Errorf("document %s: %w", name, store.ErrNotFound)
	}
	data, err := json.Marshal(c.doc)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

func (s *Store) PutDocument(_ context.Context, name string, doc any) error {
	m, err := toMap(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		// Writing a document implicitly creates its collection, as Elasticsearch does.
		c = &collection{rows: make(map[int64]map[string]any), schema: store.Schema{Dynamic: true}}
		s.collections[name] = c
		s.order = append(s.order, name)
	}
	c.doc = m
	return nil
}

func (s *Store) UpdateDocument(_ context.Context, name string, patch store.Patch) error {
	m, err := toMap(patch)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok || c.doc == nil {
		return fmt.Errorf("document %s: %w", name, store.ErrNotFound)
	}
	for k, v := range m {
		c.doc[k] = v
	}
	return nil
}

// ListCollections mimics a verbose _cat listing: a header line, one name per
// line and a trailing blank line.
func (s *Store) ListCollections(_ context.Context, prefix string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	b.WriteString("index\n")
	for _, name := range s.order {
		if strings.HasPrefix(name, prefix) {
			b.WriteString(name)
			b.WriteString("\n")
		}
	}
	b.WriteString("\n")
	return b.String(), nil
}

func (s *Store) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[name]; !ok {
		return fmt.Errorf("collection %s: %w", name, store.ErrNotFound)
	}
	delete(s.collections, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *Store) Count(_ context.Context, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return 0, fmt.Errorf("collection %s: %w", name, store.ErrNotFound)
	}
	return int64(len(c.rows)), nil
}

func (s *Store) BulkWrite(_ context.Context, name string, rows []store.Row) (*store.BulkReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("collection %s: %w", name, store.ErrNotFound)
	}
	report := &store.BulkReport{Items: make([]store.ItemResult, 0, len(rows))}
	for _, r := range rows {
		status := 201
		if _, exists := c.rows[r.Position]; exists {
			status = 200
		}
		c.rows[r.Position] = r.Source
		report.Items = append(report.Items, store.ItemResult{Position: r.Position, Status: status})
	}
	return report, nil
}

func (s *Store) Close() error { return nil }

// Names returns the collection names in creation order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Rows returns the rows of a collection ordered by position.
func (s *Store) Rows(name string) []store.Row {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok {
		return nil
	}
	out := make([]store.Row, 0, len(c.rows))
	for pos, src := range c.rows {
		out = append(out, store.Row{Position: pos, Source: src})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Document returns the raw singleton document of a collection, or nil.
func (s *Store) Document(name string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[name]
	if !ok || c.doc == nil {
		return nil
	}
	out := make(map[string]any, len(c.doc))
	for k, v := range c.doc {
		out[k] = v
	}
	return out
}

// toMap copies doc through its JSON encoding, so stored documents never alias
// caller memory and hold the same value types a remote store would return.
func toMap(doc any) (map[string]any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return m, nil
}
