package core

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/JonMunkholm/repload/internal/logging"
	"github.com/JonMunkholm/repload/internal/store"
)

// Options configure a Service. Zero values select the defaults.
type Options struct {
	Prefix             string
	MetadataCollection string
	ScratchCollection  string
	// Now returns the creation time of new generations.
	Now func() time.Time
	// Progress receives pipeline snapshots during upload.
	Progress ProgressFunc
}

// Service provides the lifecycle commands for one generation namespace.
type Service struct {
	store    store.Store
	registry *Registry
	pointers *Pointers
	prefix   string
	now      func() time.Time
	progress ProgressFunc
}

// NewService creates a new Service instance.
func NewService(st store.Store, opts Options) *Service {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:    st,
		registry: NewRegistry(st, prefix),
		pointers: NewPointers(st, opts.MetadataCollection, opts.ScratchCollection),
		prefix:   prefix,
		now:      now,
		progress: opts.Progress,
	}
}

// UploadRequest holds the inputs of an upload.
type UploadRequest struct {
	Input     io.Reader
	SkipLines int64
	BatchSize int
}

// Invocation is one command with its arguments.
type Invocation struct {
	Command  Command
	Upload   UploadRequest
	DeleteID string
}

// Run executes a single command and logs how long it took.
func (s *Service) Run(ctx context.Context, inv Invocation) error {
	log := logging.WithFields(ctx, "command", string(inv.Command))
	start := time.Now()
	log.Info("command started")

	err := s.dispatch(ctx, inv)

	result := "ok"
	if err != nil {
		result = "error"
	}
	commandRuns.WithLabelValues(string(inv.Command), result).Inc()
	log.Info("command finished", "result", result, "duration", time.Since(start).Round(time.Millisecond).String())
	return err
}

func (s *Service) dispatch(ctx context.Context, inv Invocation) error {
	switch inv.Command {
	case CommandUpload:
		_, err := s.Upload(ctx, inv.Upload)
		return err
	case CommandSwitch:
		return s.Switch(ctx)
	case CommandSwitchToLastUsed:
		return s.SwitchToLastUsed(ctx)
	case CommandDeleteOld:
		return s.DeleteOld(ctx)
	case CommandDeleteAll:
		return s.DeleteAll(ctx)
	case CommandDeleteSingle:
		return s.DeleteSingle(ctx, inv.DeleteID)
	}
	return fmt.Errorf("unknown command %q", inv.Command)
}

// Generations lists the generation ids of the namespace.
func (s *Service) Generations(ctx context.Context) ([]string, error) {
	return s.registry.List(ctx)
}
