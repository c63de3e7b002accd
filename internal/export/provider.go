package export

import (
	"context"
	"encoding/json"
	"io"

	"github.com/webitel/data-exporter/internal/model"
)

// ResultKind is the outcome of a provider's Export call.
type ResultKind int

const (
	// ResultCompleted means the module's data was fully written to the sink.
	ResultCompleted ResultKind = iota
	// ResultInterrupted means a cooperative stop was honored; the pause path
	// already persisted whatever state there was to keep.
	ResultInterrupted
	// ResultIncomplete means the provider stopped itself and handed back a
	// savepoint to resume from.
	ResultIncomplete
	// ResultAborted means the provider observed the task's abort itself.
	ResultAborted
)

type Result struct {
	Kind ResultKind
	// Savepoint carries the provider's opaque resumption state when Kind is
	// ResultIncomplete.
	Savepoint json.RawMessage
	// Diagnostics are optional human-readable messages to surface to the
	// user in the final archive.
	Diagnostics []string
}

type PauseResult struct {
	Paused      bool
	Savepoint   json.RawMessage
	Diagnostics []string
}

// Sink is the narrow archive surface handed to providers. The archive may
// be physically split across pause boundaries; providers only ever see one
// logical stream of entries.
type Sink interface {
	// Directory writes a directory entry.
	Directory(name string) error
	// File writes one file entry from r. Name collisions are resolved by
	// suffixing, so the call never fails on a duplicate name.
	File(name string, r io.Reader) error
	// SetSavepoint checkpoints the archive written so far together with the
	// provider's opaque state, collapsing prior segments into one partial
	// blob the export can resume from.
	SetSavepoint(ctx context.Context, provider json.RawMessage) error
}

// Provider exports one module's slice of a user's data.
type Provider interface {
	Module() string
	// CheckArguments reports whether this provider applies to the owner at
	// all (e.g. no mailboxes configured means the mail module is skipped).
	CheckArguments(ctx context.Context, owner model.Owner) (bool, error)
	// PathPrefix is the localized directory name the module's entries live
	// under in the final archive.
	PathPrefix(locale string) string
	// Export streams the module's data into sink. savepoint is the opaque
	// state of a previous incomplete run, or nil on a fresh start.
	Export(ctx context.Context, correlationID string, sink Sink, savepoint json.RawMessage, task *model.ExportTask, locale string) (Result, error)
	// Pause asks the provider to stop cooperatively. A provider that cannot
	// pause in time returns Paused=false and the in-flight work item keeps
	// its prior state for a future run to retry.
	Pause(ctx context.Context, correlationID string, sink Sink, task *model.ExportTask) (PauseResult, error)
}
