package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/JonMunkholm/repload/internal/logging"
	"github.com/JonMunkholm/repload/internal/store"
)

// uploadRun carries the state an upload accumulates while it moves through
// its phases.
type uploadRun struct {
	req     UploadRequest
	log     *slog.Logger
	scratch *ScratchState
	result  UploadResult
}

// Upload loads req.Input into a new generation, or resumes the paused one.
//
// Phases: CheckingControlDocs → Creating | Resuming → Ingesting → Finalizing.
// A run interrupted before Finalizing leaves the generation paused; the next
// Upload resumes it, skipping the rows it already holds.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	run := &uploadRun{req: req, log: logging.FromContext(ctx)}

	phase := PhaseCheckingControlDocs
	for phase != PhaseDone {
		run.log.Debug("upload phase", "phase", phase.String())
		next, err := s.step(ctx, run, phase)
		if err != nil {
			return &run.result, fmt.Errorf("upload %s: %w", phase, err)
		}
		phase = next
	}
	return &run.result, nil
}

func (s *Service) step(ctx context.Context, run *uploadRun, phase Phase) (Phase, error) {
	switch phase {
	case PhaseCheckingControlDocs:
		return s.checkControlDocs(ctx, run)
	case PhaseCreating:
		return s.createGeneration(ctx, run)
	case PhaseResuming:
		return s.resumeGeneration(ctx, run)
	case PhaseIngesting:
		return s.ingest(ctx, run)
	case PhaseFinalizing:
		return s.markLoaded(ctx, run)
	}
	return PhaseDone, fmt.Errorf("unexpected phase %s", phase)
}

func (s *Service) checkControlDocs(ctx context.Context, run *uploadRun) (Phase, error) {
	if err := s.pointers.EnsureControlDocs(ctx); err != nil {
		return PhaseDone, err
	}
	scratch, err := s.pointers.Scratch(ctx)
	if err != nil {
		return PhaseDone, err
	}
	run.scratch = scratch
	if scratch.Paused() == "" {
		return PhaseCreating, nil
	}
	return PhaseResuming, nil
}

func (s *Service) createGeneration(ctx context.Context, run *uploadRun) (Phase, error) {
	id := NewGenerationID(s.prefix, s.now())
	run.log.Info("creating new generation for upload", "generation", id)

	err := s.store.CreateCollection(ctx, id, GenerationSchema)
	if errors.Is(err, store.ErrConflict) {
		return PhaseDone, &StateError{Op: "create", Generation: id, Reason: "generation already exists", Code: "STATE003"}
	}
	if err != nil {
		return PhaseDone, &IOError{Op: "create generation", Name: id, Err: err}
	}

	// The first write of the scratch document creates it in full.
	if run.scratch == nil {
		err = s.pointers.PutScratch(ctx, ScratchState{PausedGenerationID: ptr(id)})
	} else {
		err = s.pointers.UpdateScratch(ctx, store.Patch{fieldPaused: id})
	}
	if err != nil {
		return PhaseDone, err
	}

	run.result.Generation = id
	run.result.Offset = run.req.SkipLines
	return PhaseIngesting, nil
}

func (s *Service) resumeGeneration(ctx context.Context, run *uploadRun) (Phase, error) {
	id := run.scratch.Paused()
	stored, err := s.store.Count(ctx, id)
	if err != nil {
		return PhaseDone, &IOError{Op: "count rows", Name: id, Err: err}
	}
	run.log.Info("resuming paused generation", "generation", id, "stored_rows", stored)

	run.result.Generation = id
	run.result.Resumed = true
	run.result.Offset = run.req.SkipLines + stored
	return PhaseIngesting, nil
}

func (s *Service) ingest(ctx context.Context, run *uploadRun) (Phase, error) {
	p := NewPipeline(s.store, PipelineOptions{
		Generation: run.result.Generation,
		Skip:       run.result.Offset,
		BatchSize:  run.req.BatchSize,
		Progress:   s.progress,
	})
	maxSpan, err := p.Run(ctx, run.req.Input)
	run.result.Progress = p.Stats()
	if err != nil {
		return PhaseDone, err
	}
	run.result.MaxSpan = maxSpan
	run.log.Info("input ingested",
		"generation", run.result.Generation,
		"rows_sent", run.result.Progress.Sent,
		"rows_skipped", run.result.Progress.Skipped,
		"rows_dropped", run.result.Progress.ParseErrors,
		"batches", run.result.Progress.Batches,
		"retries", run.result.Progress.Retries,
		"max_span", maxSpan)
	return PhaseFinalizing, nil
}

func (s *Service) markLoaded(ctx context.Context, run *uploadRun) (Phase, error) {
	err := s.pointers.UpdateScratch(ctx, store.Patch{
		fieldLoaded:     run.result.Generation,
		fieldLoadedSpan: run.result.MaxSpan,
		fieldPaused:     nil,
	})
	if err != nil {
		return PhaseDone, err
	}
	run.log.Info("generation loaded", "generation", run.result.Generation, "max_span", run.result.MaxSpan)
	return PhaseDone, nil
}
