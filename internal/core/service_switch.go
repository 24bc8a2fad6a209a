package core

import (
	"context"
	"log/slog"

	"github.com/JonMunkholm/repload/internal/logging"
	"github.com/JonMunkholm/repload/internal/store"
)

// Switch promotes the loaded generation to active if it is newer than the
// current one. The displaced generation becomes the last used one.
func (s *Service) Switch(ctx context.Context) error {
	log := logging.FromContext(ctx)
	if err := s.pointers.EnsureControlDocs(ctx); err != nil {
		return err
	}
	scratch, err := s.pointers.Scratch(ctx)
	if err != nil {
		return err
	}
	target := scratch.Loaded()
	if target == "" {
		log.Info("nothing fully loaded so far, no generation to switch to", "paused", scratch.Paused())
		return nil
	}
	if err := s.checkTarget(ctx, "switch", target, scratch.LoadedMaxSpan); err != nil {
		return err
	}
	return s.promote(ctx, log, target, *scratch.LoadedMaxSpan, true)
}

// SwitchToLastUsed makes the last used generation active again, even when it
// is older than the current one. The last used pointer is left as is.
func (s *Service) SwitchToLastUsed(ctx context.Context) error {
	log := logging.FromContext(ctx)
	if err := s.pointers.EnsureControlDocs(ctx); err != nil {
		return err
	}
	scratch, err := s.pointers.Scratch(ctx)
	if err != nil {
		return err
	}
	target := scratch.LastUsed()
	if target == "" {
		log.Info("no last used generation to switch to")
		logging.Verbose(ctx, log, "scratch state", "paused", scratch.Paused(), "loaded", scratch.Loaded())
		return nil
	}
	if err := s.checkTarget(ctx, "switch-to-last-used", target, scratch.LastUsedMaxSpan); err != nil {
		return err
	}
	return s.promote(ctx, log, target, *scratch.LastUsedMaxSpan, false)
}

// checkTarget verifies the generation still exists and has a span.
func (s *Service) checkTarget(ctx context.Context, op, target string, span *int64) error {
	ok, err := s.store.Exists(ctx, target)
	if err != nil {
		return &IOError{Op: "check generation", Name: target, Err: err}
	}
	if !ok {
		return &StateError{Op: op, Generation: target, Reason: "generation no longer exists", Code: "STATE001"}
	}
	if span == nil {
		return &StateError{Op: op, Generation: target, Reason: "bad state: max span is null", Code: "STATE002"}
	}
	return nil
}

// promote points the active pointer at target. With forward set, target must
// be strictly newer than the current generation and the current one is
// recorded as last used before the active pointer changes.
func (s *Service) promote(ctx context.Context, log *slog.Logger, target string, span int64, forward bool) error {
	active, err := s.pointers.Active(ctx)
	if err != nil {
		return err
	}
	current := active.Current()

	if current == "" {
		log.Info("no generation in use, activating", "generation", target)
		if active == nil {
			return s.pointers.PutActive(ctx, ActivePointer{
				CurrentGenerationID: ptr(target),
				CurrentMaxSpan:      ptr(span),
				Version:             target,
			})
		}
		return s.pointers.UpdateActive(ctx, activePatch(target, span))
	}

	if forward {
		if CompareGenerations(s.prefix, target, current) <= 0 {
			log.Info("not switching, loaded generation is older or the same", "current", current, "loaded", target)
			return nil
		}
		if err := s.pointers.UpdateScratch(ctx, store.Patch{
			fieldLastUsed:     current,
			fieldLastUsedSpan: active.CurrentMaxSpan,
		}); err != nil {
			return err
		}
	} else if target == current {
		log.Info("last used generation is already in use", "generation", target)
		return nil
	}

	log.Info("switching active generation", "from", current, "to", target)
	return s.pointers.UpdateActive(ctx, activePatch(target, span))
}

func activePatch(target string, span int64) store.Patch {
	return store.Patch{
		fieldCurrent:     target,
		fieldCurrentSpan: span,
		fieldVersion:     target,
	}
}
