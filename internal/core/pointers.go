package core

import (
	"context"
	"errors"

	"github.com/JonMunkholm/repload/internal/store"
)

const (
	DefaultMetadataCollection = "neustar.metadata"
	DefaultScratchCollection  = "neustar.scratch.space"
)

var metadataSchema = store.Schema{
	Shards:   2,
	Replicas: 1,
	Dynamic:  true,
	Fields: []store.Field{
		{Name: fieldCurrent, Type: store.FieldKeyword},
		{Name: fieldCurrentSpan, Type: store.FieldLong},
		{Name: fieldVersion, Type: store.FieldKeyword},
	},
}

var scratchSchema = store.Schema{
	Shards:   2,
	Replicas: 1,
	Dynamic:  true,
	Fields: []store.Field{
		{Name: fieldLoaded, Type: store.FieldKeyword},
		{Name: fieldLoadedSpan, Type: store.FieldLong},
		{Name: fieldPaused, Type: store.FieldKeyword},
		{Name: fieldLastUsed, Type: store.FieldKeyword},
		{Name: fieldLastUsedSpan, Type: store.FieldLong},
	},
}

// Pointers reads and writes the two control documents. Every method is a
// single store call; sequences of them are not atomic.
type Pointers struct {
	store    store.Store
	metadata string
	scratch  string
}

func NewPointers(st store.Store, metadata, scratch string) *Pointers {
	if metadata == "" {
		metadata = DefaultMetadataCollection
	}
	if scratch == "" {
		scratch = DefaultScratchCollection
	}
	return &Pointers{store: st, metadata: metadata, scratch: scratch}
}

// EnsureControlDocs creates the metadata and scratch collections if they do
// not exist yet. The documents themselves are written on first use.
func (p *Pointers) EnsureControlDocs(ctx context.Context) error {
	if err := p.ensure(ctx, p.metadata, metadataSchema); err != nil {
		return err
	}
	return p.ensure(ctx, p.scratch, scratchSchema)
}

func (p *Pointers) ensure(ctx context.Context, name string, schema store.Schema) error {
	ok, err := p.store.Exists(ctx, name)
	if err != nil {
		return &IOError{Op: "check collection", Name: name, Err: err}
	}
	if ok {
		return nil
	}
	err = p.store.CreateCollection(ctx, name, schema)
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return &IOError{Op: "create collection", Name: name, Err: err}
	}
	return nil
}

// Active returns the active pointer, or nil if it was never written.
func (p *Pointers) Active(ctx context.Context) (*ActivePointer, error) {
	var a ActivePointer
	if err := p.get(ctx, p.metadata, &a); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &a, nil
}

// Scratch returns the scratch state, or nil if it was never written.
func (p *Pointers) Scratch(ctx context.Context) (*ScratchState, error) {
	var s ScratchState
	if err := p.get(ctx, p.scratch, &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (p *Pointers) get(ctx context.Context, name string, out any) error {
	err := p.store.GetDocument(ctx, name, out)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return &IOError{Op: "read document", Name: name, Err: err}
	}
	return err
}

func (p *Pointers) PutActive(ctx context.Context, a ActivePointer) error {
	return p.put(ctx, p.metadata, a)
}

func (p *Pointers) UpdateActive(ctx context.Context, patch store.Patch) error {
	return p.update(ctx, p.metadata, patch)
}

func (p *Pointers) PutScratch(ctx context.Context, s ScratchState) error {
	return p.put(ctx, p.scratch, s)
}

func (p *Pointers) UpdateScratch(ctx context.Context, patch store.Patch) error {
	return p.update(ctx, p.scratch, patch)
}

func (p *Pointers) put(ctx context.Context, name string, doc any) error {
	if err := p.store.PutDocument(ctx, name, doc); err != nil {
		return &IOError{Op: "write document", Name: name, Err: err}
	}
	return nil
}

func (p *Pointers) update(ctx context.Context, name string, patch store.Patch) error {
	if err := p.store.UpdateDocument(ctx, name, patch); err != nil {
		return &IOError{Op: "update document", Name: name, Err: err}
	}
	return nil
}
