package store

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestHistograms = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "repload_store_request_duration_seconds",
		Help:    "request durations for the control store",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"driver", "operation"})

var requestFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "repload_store_request_failures_total",
		Help: "control store requests that returned an error",
	},
	[]string{"driver", "operation"})

// MetricsWrapper wraps any Store with request metrics.
type MetricsWrapper struct {
	Store  Store
	driver string
}

func NewMetricsWrapper(s Store, driver string) *MetricsWrapper {
	return &MetricsWrapper{Store: s, driver: driver}
}

func (m *MetricsWrapper) observe(op string, f func() error) error {
	start := time.Now()
	err := f()
	requestHistograms.WithLabelValues(m.driver, op).Observe(time.Since(start).Seconds())
	if err != nil {
		requestFailures.WithLabelValues(m.driver, op).Inc()
	}
	return err
}

func (m *MetricsWrapper) Exists(ctx context.Context, name string) (bool, error) {
	var ok bool
	err := m.observe("Exists", func() error {
		var err error
		ok, err = m.Store.Exists(ctx, name)
		return err
	})
	return ok, err
}

func (m *MetricsWrapper) CreateCollection(ctx context.Context, name string, schema Schema) error {
	return m.observe("CreateCollection", func() error {
		return m.Store.CreateCollection(ctx, name, schema)
	})
}

func (m *MetricsWrapper) GetDocument(ctx context.Context, collection string, out any) error {
	return m.observe("GetDocument", func() error {
		return m.Store.GetDocument(ctx, collection, out)
	})
}

func (m *MetricsWrapper) PutDocument(ctx context.Context, collection string, doc any) error {
	return m.observe("PutDocument", func() error {
		return m.Store.PutDocument(ctx, collection, doc)
	})
}

func (m *MetricsWrapper) UpdateDocument(ctx context.Context, collection string, patch Patch) error {
	return m.observe("UpdateDocument", func() error {
		return m.Store.UpdateDocument(ctx, collection, patch)
	})
}

func (m *MetricsWrapper) ListCollections(ctx context.Context, prefix string) (string, error) {
	var listing string
	err := m.observe("ListCollections", func() error {
		var err error
		listing, err = m.Store.ListCollections(ctx, prefix)
		return err
	})
	return listing, err
}

func (m *MetricsWrapper) DeleteCollection(ctx context.Context, name string) error {
	return m.observe("DeleteCollection", func() error {
		return m.Store.DeleteCollection(ctx, name)
	})
}

func (m *MetricsWrapper) Count(ctx context.Context, name string) (int64, error) {
	var n int64
	err := m.observe("Count", func() error {
		var err error
		n, err = m.Store.Count(ctx, name)
		return err
	})
	return n, err
}

func (m *MetricsWrapper) BulkWrite(ctx context.Context, name string, rows []Row) (*BulkReport, error) {
	var report *BulkReport
	err := m.observe("BulkWrite", func() error {
		var err error
		report, err = m.Store.BulkWrite(ctx, name, rows)
		return err
	})
	return report, err
}

func (m *MetricsWrapper) Close() error {
	return m.Store.Close()
}
