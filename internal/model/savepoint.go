package model

import "encoding/json"

// Savepoint is the resumption state persisted for a paused or failed work
// item. Provider is an opaque payload whose meaning is known only to the
// provider that produced it. BlobRef points at the partial archive segment
// to continue from; a savepoint without a blob ref means no partial data
// was finalized yet and the provider starts its archive over.
type Savepoint struct {
	Provider    json.RawMessage    `json:"provider,omitempty"`
	Diagnostics *DiagnosticsReport `json:"diagnostics,omitempty"`
	BlobRef     *string            `json:"blob_ref,omitempty"`
}

// DiagnosticsReport is an append-only list of human readable messages
// accumulated across pause/resume cycles. It is carried forward through
// savepoints and rendered into the final archive when non-empty.
type DiagnosticsReport struct {
	Messages []DiagnosticsMessage `json:"messages"`
}

type DiagnosticsMessage struct {
	Module  string `json:"module"`
	Time    int64  `json:"time"` // unix ms
	Message string `json:"message"`
}

func (r *DiagnosticsReport) Add(module string, at int64, message string) {
	r.Messages = append(r.Messages, DiagnosticsMessage{Module: module, Time: at, Message: message})
}

// Merge appends all messages of other, preserving order.
func (r *DiagnosticsReport) Merge(other *DiagnosticsReport) {
	if other == nil {
		return
	}
	r.Messages = append(r.Messages, other.Messages...)
}

func (r *DiagnosticsReport) Empty() bool {
	return r == nil || len(r.Messages) == 0
}
