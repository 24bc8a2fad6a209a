package core

import (
	"fmt"
	"strings"
)

// Command is one of the mutually exclusive lifecycle commands.
type Command string

const (
	CommandUpload           Command = "upload"
	CommandSwitch           Command = "switch"
	CommandSwitchToLastUsed Command = "switch-to-last-used"
	CommandDeleteOld        Command = "delete-old"
	CommandDeleteAll        Command = "delete-all"
	CommandDeleteSingle     Command = "delete-single"
)

// Commands lists every command in the order they are documented.
var Commands = []Command{
	CommandUpload,
	CommandSwitch,
	CommandSwitchToLastUsed,
	CommandDeleteOld,
	CommandDeleteAll,
	CommandDeleteSingle,
}

// ParseCommand returns the command named s.
func ParseCommand(s string) (Command, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, c := range Commands {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q", s)
}

// Record is one parsed input row.
type Record struct {
	// Position is the 1-based position of the row among the parsed data rows.
	Position int64
	Start    int64
	End      int64
	// HasAddrs is false when either address did not parse as an integer.
	HasAddrs bool
	// Source is the document written to the store: every column, with the
	// address columns and asn as integers when they parse.
	Source map[string]any
}

// Span returns End - Start. ok is false when the addresses did not parse.
func (r Record) Span() (span int64, ok bool) {
	if !r.HasAddrs {
		return 0, false
	}
	return r.End - r.Start, true
}

// ActivePointer is the singleton document naming the generation consumers
// read. Null fields are nil.
type ActivePointer struct {
	CurrentGenerationID *string `json:"currentIndex"`
	CurrentMaxSpan      *int64  `json:"maxBlockSize"`
	// Version changes on every promotion. Consumers use it as a cache key.
	Version string `json:"version"`
}

// Current returns the trimmed current generation id, or "".
func (a *ActivePointer) Current() string {
	if a == nil {
		return ""
	}
	return trimmed(a.CurrentGenerationID)
}

// ScratchState is the singleton bookkeeping document of in-progress and
// rollback generations.
type ScratchState struct {
	PausedGenerationID   *string `json:"pausedIndex"`
	LoadedGenerationID   *string `json:"loadedIndex"`
	LoadedMaxSpan        *int64  `json:"loadedMaxBlockSize"`
	LastUsedGenerationID *string `json:"lastUsedIndex"`
	LastUsedMaxSpan      *int64  `json:"lastUsedMaxBlockSize"`
}

func (s *ScratchState) Paused() string {
	if s == nil {
		return ""
	}
	return trimmed(s.PausedGenerationID)
}

func (s *ScratchState) Loaded() string {
	if s == nil {
		return ""
	}
	return trimmed(s.LoadedGenerationID)
}

func (s *ScratchState) LastUsed() string {
	if s == nil {
		return ""
	}
	return trimmed(s.LastUsedGenerationID)
}

// Wire names of the control document fields, used to build partial updates.
const (
	fieldCurrent      = "currentIndex"
	fieldCurrentSpan  = "maxBlockSize"
	fieldVersion      = "version"
	fieldPaused       = "pausedIndex"
	fieldLoaded       = "loadedIndex"
	fieldLoadedSpan   = "loadedMaxBlockSize"
	fieldLastUsed     = "lastUsedIndex"
	fieldLastUsedSpan = "lastUsedMaxBlockSize"
)

// Phase is a named step of an upload.
type Phase int

const (
	PhaseCheckingControlDocs Phase = iota
	PhaseCreating
	PhaseResuming
	PhaseIngesting
	PhaseFinalizing
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseCheckingControlDocs:
		return "checking-control-docs"
	case PhaseCreating:
		return "creating"
	case PhaseResuming:
		return "resuming"
	case PhaseIngesting:
		return "ingesting"
	case PhaseFinalizing:
		return "finalizing"
	case PhaseDone:
		return "done"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Progress is a snapshot of a running pipeline.
type Progress struct {
	Generation  string
	Read        int64 // data rows parsed
	Skipped     int64 // rows not sent because they precede the skip offset
	Sent        int64 // rows in acknowledged batches
	Batches     int64 // acknowledged batches
	Retries     int64 // batch resends
	RowErrors   int64 // rejected rows across all bulk responses
	ParseErrors int64 // dropped rows
	BytesRead   int64
	MaxSpan     int64
}

// ProgressFunc receives progress snapshots. It is called from the goroutine
// running the pipeline and must not block.
type ProgressFunc func(Progress)

// UploadResult summarizes a finished upload.
type UploadResult struct {
	Generation string
	Resumed    bool
	// Offset is the number of rows skipped: explicit skip plus resume offset.
	Offset   int64
	MaxSpan  int64
	Progress Progress
}

func trimmed(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func ptr[T any](v T) *T { return &v }
