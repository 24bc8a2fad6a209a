package core

import (
	"context"
	"sort"
	"strings"

	"github.com/JonMunkholm/repload/internal/store"
)

// listingHeader is the column title the store puts above a listing.
const listingHeader = "index"

// Registry enumerates the generations of one namespace.
type Registry struct {
	store  store.Store
	prefix string
}

func NewRegistry(st store.Store, prefix string) *Registry {
	return &Registry{store: st, prefix: prefix}
}

// List returns all generation ids under the prefix, sorted ascending.
// Returns nil when there are none.
func (r *Registry) List(ctx context.Context) ([]string, error) {
	listing, err := r.store.ListCollections(ctx, r.prefix)
	if err != nil {
		return nil, &IOError{Op: "list generations", Name: r.prefix, Err: err}
	}
	return parseListing(listing, r.prefix), nil
}

// parseListing strips the header and blank framing lines of a listing and
// sorts the remaining names. Names outside the prefix are dropped.
func parseListing(listing, prefix string) []string {
	var ids []string
	for _, line := range strings.Split(listing, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == listingHeader {
			continue
		}
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		ids = append(ids, line)
	}
	if len(ids) == 0 {
		return nil
	}
	sort.Strings(ids)
	return ids
}
