package core

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/JonMunkholm/repload/internal/store"
	"github.com/JonMunkholm/repload/internal/store/mem"
)

// recordingStore wraps a store, records bulk batches and deletes, and can
// inject failures.
type recordingStore struct {
	store.Store

	mu      sync.Mutex
	batches [][]store.Row
	deletes []string

	// failBulk rejects one row of the n-th bulk call (1-based) when it returns true.
	failBulk func(call int) bool
	// bulkErr fails bulk calls with a transport error.
	bulkErr error
	// missing makes DeleteCollection answer not found for these names.
	missing map[string]bool
}

func newRecordingStore(inner store.Store) *recordingStore {
	return &recordingStore{Store: inner}
}

func (r *recordingStore) BulkWrite(ctx context.Context, name string, rows []store.Row) (*store.BulkReport, error) {
	r.mu.Lock()
	r.batches = append(r.batches, append([]store.Row(nil), rows...))
	call := len(r.batches)
	fail := r.failBulk != nil && r.failBulk(call)
	bulkErr := r.bulkErr
	r.mu.Unlock()

	if bulkErr != nil {
		return nil, bulkErr
	}
	report, err := r.Store.BulkWrite(ctx, name, rows)
	if err != nil {
		return nil, err
	}
	if fail && len(report.Items) > 0 {
		last := len(report.Items) - 1
		report.Items[last].Status = 429
		report.Items[last].Error = "es_rejected_execution_exception"
	}
	return report, nil
}

func (r *recordingStore) DeleteCollection(ctx context.Context, name string) error {
	r.mu.Lock()
	r.deletes = append(r.deletes, name)
	missing := r.missing[name]
	r.mu.Unlock()

	if missing {
		return fmt.Errorf("collection %s: %w", name, store.ErrNotFound)
	}
	return r.Store.DeleteCollection(ctx, name)
}

func (r *recordingStore) Batches() [][]store.Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]store.Row(nil), r.batches...)
}

func (r *recordingStore) Deletes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.deletes...)
}

// csvInput renders n data rows under a header. Row n (1-based) gets the
// addresses start(n) and end(n).
func csvInput(n int, start, end func(n int) int64) string {
	var b strings.Builder
	b.WriteString("start_ip_int,end_ip_int,asn,carrier\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, "%d,%d,%d,carrier-%d\n", start(i), end(i), 1000+i, i)
	}
	return b.String()
}

// triangular returns n(n+1)/2.
func triangular(n int) int64 { return int64(n) * int64(n+1) / 2 }

// clock returns a time source that advances one second per call.
func clock(start int64) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := time.Unix(next, 0)
		next++
		return t
	}
}

type fixture struct {
	mem *mem.Store
	rec *recordingStore
	svc *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := mem.New()
	rec := newRecordingStore(m)
	return &fixture{
		mem: m,
		rec: rec,
		svc: NewService(rec, Options{Now: clock(1000)}),
	}
}

// generation creates a generation collection holding rows positions 1..rows.
func (f *fixture) generation(t *testing.T, epoch int64, rows int) string {
	t.Helper()
	id := NewGenerationID(DefaultPrefix, time.Unix(epoch, 0))
	ctx := context.Background()
	if err := f.mem.CreateCollection(ctx, id, GenerationSchema); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
	if rows > 0 {
		batch := make([]store.Row, rows)
		for i := range batch {
			batch[i] = store.Row{Position: int64(i + 1), Source: map[string]any{"start_ip_int": int64(i)}}
		}
		if _, err := f.mem.BulkWrite(ctx, id, batch); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	return id
}

func (f *fixture) putScratch(t *testing.T, s ScratchState) {
	t.Helper()
	if err := f.mem.PutDocument(context.Background(), DefaultScratchCollection, s); err != nil {
		t.Fatalf("put scratch: %v", err)
	}
}

func (f *fixture) putActive(t *testing.T, a ActivePointer) {
	t.Helper()
	if err := f.mem.PutDocument(context.Background(), DefaultMetadataCollection, a); err != nil {
		t.Fatalf("put active: %v", err)
	}
}

func (f *fixture) scratch(t *testing.T) *ScratchState {
	t.Helper()
	s, err := f.svc.pointers.Scratch(context.Background())
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	return s
}

func (f *fixture) active(t *testing.T) *ActivePointer {
	t.Helper()
	a, err := f.svc.pointers.Active(context.Background())
	if err != nil {
		t.Fatalf("read active: %v", err)
	}
	return a
}
