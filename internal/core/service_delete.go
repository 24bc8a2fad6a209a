package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/JonMunkholm/repload/internal/logging"
	"github.com/JonMunkholm/repload/internal/store"
)

// protection is the snapshot of pointer fields a delete command checks and
// cleans up against.
type protection struct {
	current  string
	lastUsed string
	paused   string
	loaded   string
}

func (s *Service) protection(ctx context.Context) (protection, error) {
	if err := s.pointers.EnsureControlDocs(ctx); err != nil {
		return protection{}, err
	}
	active, err := s.pointers.Active(ctx)
	if err != nil {
		return protection{}, err
	}
	scratch, err := s.pointers.Scratch(ctx)
	if err != nil {
		return protection{}, err
	}
	return protection{
		current:  active.Current(),
		lastUsed: scratch.LastUsed(),
		paused:   scratch.Paused(),
		loaded:   scratch.Loaded(),
	}, nil
}

// DeleteOld deletes the generations older than the current one. The current
// generation need not exist; with no current generation every generation but
// the last used one is deleted.
func (s *Service) DeleteOld(ctx context.Context) error {
	return s.deleteUnused(ctx, false)
}

// DeleteAll deletes every generation except the current and last used ones.
func (s *Service) DeleteAll(ctx context.Context) error {
	return s.deleteUnused(ctx, true)
}

func (s *Service) deleteUnused(ctx context.Context, all bool) error {
	log := logging.FromContext(ctx)
	prot, err := s.protection(ctx)
	if err != nil {
		return err
	}
	ids, err := s.registry.List(ctx)
	if err != nil {
		return err
	}
	logging.Verbose(ctx, log, "generations found", "count", len(ids))
	if len(ids) == 0 {
		log.Info("no generations to delete")
		return nil
	}

	deleted := 0
	for _, id := range ids {
		if id == prot.current {
			continue
		}
		if !all && prot.current != "" && CompareGenerations(s.prefix, id, prot.current) >= 0 {
			logging.Verbose(ctx, log, "keeping generation not older than current", "generation", id, "current", prot.current)
			continue
		}
		if id == prot.lastUsed {
			logging.Verbose(ctx, log, "last used generation must not be deleted", "generation", id)
			continue
		}
		ok, err := s.deleteGeneration(ctx, log, id, &prot)
		if err != nil {
			return err
		}
		if ok {
			deleted++
		}
	}
	if deleted == 0 {
		log.Info("nothing to delete")
	}
	return nil
}

// DeleteSingle deletes one generation unless it is the current or last used
// one. A refused or empty id is logged, not returned as an error.
func (s *Service) DeleteSingle(ctx context.Context, id string) error {
	log := logging.FromContext(ctx)
	id = strings.TrimSpace(id)
	if id == "" {
		log.Info("no generation specified to delete")
		return nil
	}
	if !strings.HasPrefix(id, s.prefix) {
		log.Warn("refusing to delete a collection outside the generation namespace", "name", id, "prefix", s.prefix)
		return nil
	}
	prot, err := s.protection(ctx)
	if err != nil {
		return err
	}
	switch id {
	case prot.current:
		log.Warn("refusing to delete the generation currently in use", "generation", id)
		return nil
	case prot.lastUsed:
		log.Warn("refusing to delete the last used generation", "generation", id)
		return nil
	}
	_, err = s.deleteGeneration(ctx, log, id, &prot)
	return err
}

// deleteGeneration removes id and clears the paused or loaded pointer that
// referenced it. A generation that is already gone is logged and skipped.
func (s *Service) deleteGeneration(ctx context.Context, log *slog.Logger, id string, prot *protection) (bool, error) {
	logging.Verbose(ctx, log, "deleting generation", "generation", id)
	err := s.store.DeleteCollection(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("generation to delete does not exist", "generation", id)
		return false, nil
	}
	if err != nil {
		return false, &IOError{Op: "delete generation", Name: id, Err: err}
	}
	generationsDeleted.Inc()
	log.Info("unused generation deleted", "generation", id)

	if id == prot.loaded {
		if err := s.pointers.UpdateScratch(ctx, store.Patch{fieldLoaded: nil, fieldLoadedSpan: nil}); err != nil {
			return true, err
		}
		prot.loaded = ""
	}
	if id == prot.paused {
		if err := s.pointers.UpdateScratch(ctx, store.Patch{fieldPaused: nil}); err != nil {
			return true, err
		}
		prot.paused = ""
	}
	return true, nil
}
