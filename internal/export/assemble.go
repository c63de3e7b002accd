package export

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/model"
	"github.com/webitel/data-exporter/internal/storage"
)

const diagnosticsEntryName = "diagnostics.txt"

// assembler concatenates per-module archive segments into the final
// download, rolling over to a new blob whenever maxFileSize would be
// exceeded. Entries are copied raw, never recompressed.
type assembler struct {
	blobs   storage.FileStorage
	maxSize int64

	refs    []string
	spool   *os.File
	zw      *zip.Writer
	written int64
}

// assembleArchive builds the final multi-segment ZIP for a completed task
// from each work item's stored segment plus an optional diagnostics report,
// and returns the blob references of the produced parts in order.
func assembleArchive(ctx context.Context, blobs storage.FileStorage, task *model.ExportTask, diag *model.DiagnosticsReport) ([]string, error) {
	a := &assembler{blobs: blobs, maxSize: task.MaxFileSize}

	for i := range task.WorkItems {
		item := &task.WorkItems[i]
		if item.BlobRef == nil || *item.BlobRef == "" {
			continue
		}
		if err := a.appendSegment(ctx, *item.BlobRef); err != nil {
			a.abandon(ctx)
			return nil, err
		}
	}

	if !diag.Empty() {
		if err := a.appendDiagnostics(ctx, diag); err != nil {
			a.abandon(ctx)
			return nil, err
		}
	}

	if err := a.sealPart(ctx); err != nil {
		a.abandon(ctx)
		return nil, err
	}
	return a.refs, nil
}

func (a *assembler) appendSegment(ctx context.Context, ref string) error {
	rc, err := a.blobs.Get(ctx, ref)
	if err != nil {
		return errors.NewIOError("assemble.get_segment", err)
	}
	tmp, err := os.CreateTemp("", "export-assemble-*.zip")
	if err != nil {
		_ = rc.Close()
		return errors.NewIOError("assemble.spool_segment", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, rc)
	_ = rc.Close()
	if err != nil {
		return errors.NewIOError("assemble.spool_segment", err)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return errors.NewIOError("assemble.read_segment", err)
	}
	for _, f := range zr.File {
		if err := a.rollIfNeeded(ctx, int64(f.CompressedSize64)); err != nil {
			return err
		}
		if err := a.open(); err != nil {
			return err
		}
		header := f.FileHeader
		w, err := a.zw.CreateRaw(&header)
		if err != nil {
			return errors.NewIOError("assemble.copy_entry", err)
		}
		rr, err := f.OpenRaw()
		if err != nil {
			return errors.NewIOError("assemble.copy_entry", err)
		}
		if _, err := io.Copy(w, rr); err != nil {
			return errors.NewIOError("assemble.copy_entry", err)
		}
		a.written += int64(f.CompressedSize64)
	}
	return nil
}

func (a *assembler) appendDiagnostics(ctx context.Context, diag *model.DiagnosticsReport) error {
	var b strings.Builder
	for _, m := range diag.Messages {
		at := time.UnixMilli(m.Time).UTC().Format(time.DateTime)
		fmt.Fprintf(&b, "%s [%s] %s\n", at, m.Module, m.Message)
	}
	body := b.String()

	if err := a.rollIfNeeded(ctx, int64(len(body))); err != nil {
		return err
	}
	if err := a.open(); err != nil {
		return err
	}
	w, err := a.zw.Create(diagnosticsEntryName)
	if err != nil {
		return errors.NewIOError("assemble.diagnostics", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		return errors.NewIOError("assemble.diagnostics", err)
	}
	a.written += int64(len(body))
	return nil
}

func (a *assembler) open() error {
	if a.zw != nil {
		return nil
	}
	spool, err := os.CreateTemp("", "export-final-*.zip")
	if err != nil {
		return errors.NewIOError("assemble.open", err)
	}
	a.spool = spool
	a.zw = zip.NewWriter(spool)
	a.written = 0
	return nil
}

// rollIfNeeded seals the current part when adding next bytes would push it
// past the configured size hint. A single oversized entry still goes into
// its own part; the hint splits, it does not reject.
func (a *assembler) rollIfNeeded(ctx context.Context, next int64) error {
	if a.maxSize <= 0 || a.zw == nil || a.written == 0 {
		return nil
	}
	if a.written+next <= a.maxSize {
		return nil
	}
	return a.sealPart(ctx)
}

func (a *assembler) sealPart(ctx context.Context) error {
	if a.zw == nil {
		return nil
	}
	if err := a.zw.Close(); err != nil {
		a.discard()
		return errors.NewIOError("assemble.seal", err)
	}
	if _, err := a.spool.Seek(0, io.SeekStart); err != nil {
		a.discard()
		return errors.NewIOError("assemble.seal", err)
	}
	ref, err := a.blobs.Put(ctx, a.spool)
	a.discard()
	if err != nil {
		return errors.NewIOError("assemble.seal", err)
	}
	a.refs = append(a.refs, ref)
	return nil
}

// abandon removes every part already stored so a failed assembly leaves no
// orphan blobs behind.
func (a *assembler) abandon(ctx context.Context) {
	a.discard()
	for _, ref := range a.refs {
		_ = a.blobs.Delete(ctx, ref)
	}
	a.refs = nil
}

func (a *assembler) discard() {
	if a.spool != nil {
		name := a.spool.Name()
		_ = a.spool.Close()
		_ = os.Remove(name)
	}
	a.spool = nil
	a.zw = nil
}
