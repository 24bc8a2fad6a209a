// Package store defines the control store client used by the loader.
//
// A store holds named collections. A collection is either a generation of the
// reference dataset (rows written through BulkWrite) or a control collection
// holding one singleton document (read with GetDocument, written with
// PutDocument and UpdateDocument).
//
// Drivers register themselves by name with [Register] and are opened with
// [Open]. The elasticsearch driver talks to a live cluster over HTTP, the
// postgres driver keeps the same model in three tables, and the mem driver is
// used by tests and dry runs.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrUnknownDriver   = errors.New("unknown store driver")
	ErrMissingName     = errors.New("missing collection name")
	ErrOperationFailed = errors.New("operation failed")
)

// FieldType is the storage type of a row attribute.
type FieldType string

const (
	FieldKeyword FieldType = "keyword"
	FieldLong    FieldType = "long"
	FieldInteger FieldType = "integer"
)

// Field is a single mapped attribute of a collection.
type Field struct {
	Name string
	Type FieldType
	// IgnoreMalformed keeps a document whose value for this field does not
	// parse as Type. The value stays in the stored source but is not indexed.
	IgnoreMalformed bool
}

// Schema describes a collection at creation time.
// Drivers that have no notion of a mapping store it for reference only.
type Schema struct {
	Shards   int
	Replicas int
	// Dynamic allows fields not listed in Fields to be indexed.
	Dynamic bool
	Fields  []Field
}

// Patch is a partial document update. Keys present with a nil value clear the
// field; keys not present are left untouched.
type Patch map[string]any

// Row is one record of a bulk write. Position is the row's 1-based position in
// the input stream and doubles as its id, so writing the same row twice
// overwrites instead of appending.
type Row struct {
	Position int64
	Source   map[string]any
}

// ItemResult is the outcome of a single row in a bulk write.
type ItemResult struct {
	Position int64
	Status   int
	Error    string
}

// Failed reports whether the store rejected the row.
func (r ItemResult) Failed() bool {
	return r.Error != "" || r.Status >= 300
}

// BulkReport is the per-row outcome of a bulk write.
type BulkReport struct {
	Items []ItemResult
}

// Failures returns the number of rows the store rejected.
func (r *BulkReport) Failures() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, it := range r.Items {
		if it.Failed() {
			n++
		}
	}
	return n
}

// HasFailures reports whether any row of the batch was rejected.
func (r *BulkReport) HasFailures() bool {
	return r.Failures() > 0
}

// Store is the control store client.
//
// All methods block until the store answers. A returned error other than
// ErrNotFound or ErrConflict means the call itself failed.
type Store interface {
	// Exists reports whether the named collection exists.
	Exists(ctx context.Context, name string) (bool, error)

	// CreateCollection creates a collection. Returns ErrConflict if it already exists.
	CreateCollection(ctx context.Context, name string, schema Schema) error

	// GetDocument decodes the singleton document of a collection into out.
	// Returns ErrNotFound if the collection or the document is missing.
	GetDocument(ctx context.Context, collection string, out any) error

	// PutDocument creates or replaces the singleton document of a collection.
	PutDocument(ctx context.Context, collection string, doc any) error

	// UpdateDocument merges patch into the singleton document.
	// Returns ErrNotFound if the document does not exist.
	UpdateDocument(ctx context.Context, collection string, patch Patch) error

	// ListCollections returns the names of collections starting with prefix as a
	// text listing, one name per line. The listing may carry a header line and
	// blank framing lines that callers must strip.
	ListCollections(ctx context.Context, prefix string) (string, error)

	// DeleteCollection removes a collection and its rows.
	// Returns ErrNotFound if it does not exist.
	DeleteCollection(ctx context.Context, name string) error

	// Count returns the number of rows stored in a collection.
	Count(ctx context.Context, name string) (int64, error)

	// BulkWrite writes rows into a collection and reports the outcome per row.
	BulkWrite(ctx context.Context, name string, rows []Row) (*BulkReport, error)

	// Close releases the resources of the store.
	Close() error
}
