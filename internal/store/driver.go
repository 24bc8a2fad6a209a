package store

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// Params are the connection settings handed to a driver.
type Params struct {
	// Host and Port address the elasticsearch driver.
	Host string
	Port int
	// URL is the connection string of the postgres driver.
	URL string
	// Timeout bounds every request. Zero means no timeout.
	Timeout time.Duration
	// RetryMax is how many times the transport retries a failed connection.
	RetryMax int
	// BulkLog, if set, receives a copy of every bulk response body.
	BulkLog io.Writer
}

// Driver opens a Store.
type Driver interface {
	Open(ctx context.Context, params Params) (Store, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, params Params) (Store, error)

func (f DriverFunc) Open(ctx context.Context, params Params) (Store, error) {
	return f(ctx, params)
}

var (
	drivers   = make(map[string]Driver)
	driversMu sync.RWMutex
)

// Register makes a driver available under name.
// Panics if name is empty, driver is nil or name is already registered.
func Register(name string, driver Driver) {
	if name == "" {
		panic("store: register name is missing")
	}
	if driver == nil {
		panic("store: register driver is nil")
	}
	driversMu.Lock()
	defer driversMu.Unlock()

	if _, exists := drivers[name]; exists {
		panic(fmt.Sprintf("store: driver already registered: %s", name))
	}
	drivers[name] = driver
}

// Open looks up the named driver and opens a store with it.
// The returned store reports request durations to the metrics registry.
func Open(ctx context.Context, name string, params Params) (Store, error) {
	driversMu.RLock()
	d, ok := drivers[name]
	driversMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}
	s, err := d.Open(ctx, params)
	if err != nil {
		return nil, err
	}
	return NewMetricsWrapper(s, name), nil
}

// Drivers returns the registered driver names, sorted.
func Drivers() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()

	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
