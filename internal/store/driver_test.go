package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/repload/internal/store"
	"github.com/JonMunkholm/repload/internal/store/mem"
)

func TestRegisterPanics(t *testing.T) {
	f := store.DriverFunc(func(context.Context, store.Params) (store.Store, error) { return mem.New(), nil })

	assert.PanicsWithValue(t, "store: register name is missing", func() { store.Register("", f) })
	assert.PanicsWithValue(t, "store: register driver is nil", func() { store.Register("x", nil) })
	assert.Panics(t, func() { store.Register(mem.DriverName, f) })
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := store.Open(context.Background(), "cassandra", store.Params{})
	assert.True(t, errors.Is(err, store.ErrUnknownDriver))
}

func TestDrivers(t *testing.T) {
	assert.Contains(t, store.Drivers(), mem.DriverName)
}

func TestOpenWrapsWithMetrics(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(ctx, mem.DriverName, store.Params{})
	require.NoError(t, err)
	defer s.Close()

	w, ok := s.(*store.MetricsWrapper)
	require.True(t, ok)
	_, isMem := w.Store.(*mem.Store)
	assert.True(t, isMem)

	require.NoError(t, s.CreateCollection(ctx, "a", store.Schema{}))
	_, err = s.Count(ctx, "missing")
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(store.RequestFailures.WithLabelValues(mem.DriverName, "Count")))
}

func TestBulkReport(t *testing.T) {
	var nilReport *store.BulkReport
	assert.Zero(t, nilReport.Failures())
	assert.False(t, nilReport.HasFailures())

	r := &store.BulkReport{Items: []store.ItemResult{
		{Position: 1, Status: 201},
		{Position: 2, Status: 429},
		{Position: 3, Status: 200, Error: "boom"},
	}}
	assert.Equal(t, 2, r.Failures())
	assert.True(t, r.HasFailures())
}
