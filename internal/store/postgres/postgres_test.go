package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/repload/internal/store"
)

func TestLikePrefix(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"neustar.ipinfo.", "neustar.ipinfo.%"},
		{"ip_info", `ip\_info%`},
		{"100%", `100\%%`},
		{`a\b`, `a\\b%`},
		{"", "%"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, likePrefix(tt.in), tt.in)
	}
}

func TestOpenRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), store.Params{})
	assert.True(t, errors.Is(err, store.ErrOperationFailed))
}

// TestStore runs against a live database named by REPLOAD_TEST_POSTGRES_URL.
func TestStore(t *testing.T) {
	dsn := os.Getenv("REPLOAD_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("REPLOAD_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	st, err := Open(ctx, store.Params{URL: dsn, Timeout: 10 * time.Second})
	require.NoError(t, err)
	defer st.Close()

	prefix := fmt.Sprintf("test.%d.", time.Now().UnixNano())
	gen := prefix + "1"
	meta := prefix + "metadata"
	t.Cleanup(func() {
		_ = st.DeleteCollection(ctx, gen)
		_ = st.DeleteCollection(ctx, meta)
	})

	require.NoError(t, st.CreateCollection(ctx, gen, store.Schema{Shards: 1}))
	assert.True(t, errors.Is(st.CreateCollection(ctx, gen, store.Schema{}), store.ErrConflict))

	report, err := st.BulkWrite(ctx, gen, []store.Row{
		{Position: 1, Source: map[string]any{"start_ip_int": 1}},
		{Position: 2, Source: map[string]any{"start_ip_int": 2}},
	})
	require.NoError(t, err)
	assert.False(t, report.HasFailures())
	assert.Equal(t, 201, report.Items[0].Status)

	report, err = st.BulkWrite(ctx, gen, []store.Row{{Position: 2, Source: map[string]any{"start_ip_int": 3}}})
	require.NoError(t, err)
	assert.Equal(t, 200, report.Items[0].Status)

	n, err := st.Count(ctx, gen)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, st.PutDocument(ctx, meta, map[string]any{"currentIndex": gen, "maxBlockSize": 5}))
	require.NoError(t, st.UpdateDocument(ctx, meta, store.Patch{"currentIndex": nil}))
	var doc map[string]any
	require.NoError(t, st.GetDocument(ctx, meta, &doc))
	assert.Nil(t, doc["currentIndex"])
	assert.EqualValues(t, 5, doc["maxBlockSize"])

	listing, err := st.ListCollections(ctx, prefix)
	require.NoError(t, err)
	assert.Equal(t, "index\n"+gen+"\n"+meta+"\n", listing)

	require.NoError(t, st.DeleteCollection(ctx, gen))
	assert.True(t, errors.Is(st.DeleteCollection(ctx, gen), store.ErrNotFound))
}
