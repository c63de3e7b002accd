package export

import (
	"archive/zip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/model"
	"github.com/webitel/data-exporter/internal/storage"
	"github.com/webitel/data-exporter/internal/store"
)

const maxEntrySegment = 255

// errSinkFinished reports a write or checkpoint against a sink whose
// terminal transition (Finish or Revoke) already happened.
var errSinkFinished = fmt.Errorf("sink already finished")

// blobSink is the checkpointed archive writer bound to one (task, module)
// pair. The archive a provider writes may be physically split into several
// blobs across pause boundaries; each checkpoint collapses the previous
// segment and everything written since into one fresh partial blob.
//
// At most one zip writer is open per sink; all operations run under mu so a
// racing external stop cannot corrupt the archive.
type blobSink struct {
	mu     sync.Mutex
	blobs  storage.FileStorage
	tasks  store.TaskStore
	taskID string
	module string

	// prior is the checkpointed blob this session continues from. It is
	// merged into the writer on first use and deleted once superseded.
	prior *string

	spool *os.File
	zw    *zip.Writer
	names map[string]int
	wrote bool

	closed atomic.Bool
}

func newBlobSink(blobs storage.FileStorage, tasks store.TaskStore, taskID, module string, prior *string) *blobSink {
	return &blobSink{
		blobs:  blobs,
		tasks:  tasks,
		taskID: taskID,
		module: module,
		prior:  prior,
	}
}

func (s *blobSink) Directory(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errors.NewIOError("sink.directory", errSinkFinished)
	}
	if err := s.ensureOpen(context.Background()); err != nil {
		return err
	}
	entry := s.claimName(sanitizeEntryName(name)) + "/"
	if _, err := s.zw.Create(entry); err != nil {
		s.discardSpool()
		return errors.NewIOError("sink.directory", err)
	}
	s.wrote = true
	return s.flush("sink.directory")
}

func (s *blobSink) File(name string, r io.Reader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errors.NewIOError("sink.file", errSinkFinished)
	}
	if err := s.ensureOpen(context.Background()); err != nil {
		return err
	}
	entry := s.claimName(sanitizeEntryName(name))
	w, err := s.zw.Create(entry)
	if err != nil {
		s.discardSpool()
		return errors.NewIOError("sink.file", err)
	}
	if _, err := io.Copy(w, r); err != nil {
		s.discardSpool()
		return errors.NewIOError("sink.file", err)
	}
	s.wrote = true
	return s.flush("sink.file")
}

// SetSavepoint completes the current physical blob, persists the savepoint
// pointing at it, deletes the blob it superseded, and leaves the sink ready
// to lazily reopen for further writes.
func (s *blobSink) SetSavepoint(ctx context.Context, provider json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return errors.NewIOError("sink.set_savepoint", errSinkFinished)
	}

	ref := s.prior
	if s.zw != nil {
		newRef, err := s.sealSpool(ctx)
		if err != nil {
			return err
		}
		ref = &newRef
	}

	sp, err := s.tasks.GetSavepoint(ctx, s.taskID, s.module)
	if err != nil {
		sp = nil
	}
	if sp == nil {
		sp = &model.Savepoint{}
	}
	sp.Provider = provider
	sp.BlobRef = ref

	if err := s.tasks.SetSavepoint(ctx, s.taskID, s.module, sp); err != nil {
		// a just-put blob that no savepoint references must not survive
		if ref != nil && (s.prior == nil || *ref != *s.prior) {
			_ = s.blobs.Delete(ctx, *ref)
		}
		return err
	}
	if err := s.tasks.SetWorkItemBlob(ctx, s.taskID, s.module, ref); err != nil {
		return err
	}

	// the superseded segment is no longer needed
	if s.prior != nil && (ref == nil || *s.prior != *ref) {
		_ = s.blobs.Delete(ctx, *s.prior)
	}
	s.prior = ref
	return nil
}

// Finish is the idempotent terminal transition: it completes the blob and
// returns its reference. sealed reports whether this call performed the
// transition; a second call, or a call racing Revoke or a concurrent Finish,
// loses the race and must not persist any state derived from the sink.
// When nothing was written and no prior partial existed the reference is nil.
func (s *blobSink) Finish(ctx context.Context) (ref *string, sealed bool, err error) {
	if !s.closed.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.zw == nil {
		return s.prior, true, nil
	}
	if !s.wrote && s.prior == nil {
		// empty session: drop the empty archive instead of storing it
		s.discardSpool()
		return nil, true, nil
	}
	sealedRef, err := s.sealSpool(ctx)
	if err != nil {
		return nil, true, err
	}
	if s.prior != nil && *s.prior != sealedRef {
		_ = s.blobs.Delete(ctx, *s.prior)
	}
	s.prior = &sealedRef
	return &sealedRef, true, nil
}

// Revoke is the failure counterpart of Finish: it discards the in-progress
// blob instead of returning it. The last checkpointed segment, if any, is
// still referenced by the persisted savepoint and stays.
func (s *blobSink) Revoke(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discardSpool()
	return nil
}

// ------------ internals (mu held) ------------ //

// ensureOpen lazily creates the spool writer, re-streaming the prior
// partial blob's entries first when resuming.
func (s *blobSink) ensureOpen(ctx context.Context) error {
	if s.zw != nil {
		return nil
	}
	spool, err := os.CreateTemp("", "export-*.zip")
	if err != nil {
		return errors.NewIOError("sink.open", err)
	}
	s.spool = spool
	s.zw = zip.NewWriter(spool)
	s.names = make(map[string]int)
	s.wrote = false

	if s.prior != nil {
		if err := s.mergePrior(ctx, *s.prior); err != nil {
			s.discardSpool()
			return err
		}
	}
	return nil
}

// mergePrior copies every entry of the checkpointed blob into the new
// writer without recompressing.
func (s *blobSink) mergePrior(ctx context.Context, ref string) error {
	rc, err := s.blobs.Get(ctx, ref)
	if err != nil {
		return errors.NewIOError("sink.merge", err)
	}
	tmp, err := os.CreateTemp("", "export-merge-*.zip")
	if err != nil {
		_ = rc.Close()
		return errors.NewIOError("sink.merge", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, rc)
	_ = rc.Close()
	if err != nil {
		return errors.NewIOError("sink.merge", err)
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return errors.NewIOError("sink.merge", err)
	}
	for _, f := range zr.File {
		s.names[strings.TrimSuffix(f.Name, "/")] = 0
		header := f.FileHeader
		w, err := s.zw.CreateRaw(&header)
		if err != nil {
			return errors.NewIOError("sink.merge", err)
		}
		rr, err := f.OpenRaw()
		if err != nil {
			return errors.NewIOError("sink.merge", err)
		}
		if _, err := io.Copy(w, rr); err != nil {
			return errors.NewIOError("sink.merge", err)
		}
		s.wrote = true
	}
	return nil
}

// sealSpool closes the writer, stores the spooled archive and resets the
// sink to the lazily-closed state. The caller decides what happens to the
// returned reference.
func (s *blobSink) sealSpool(ctx context.Context) (string, error) {
	if err := s.zw.Close(); err != nil {
		s.discardSpool()
		return "", errors.NewIOError("sink.seal", err)
	}
	if _, err := s.spool.Seek(0, io.SeekStart); err != nil {
		s.discardSpool()
		return "", errors.NewIOError("sink.seal", err)
	}
	ref, err := s.blobs.Put(ctx, s.spool)
	s.discardSpool()
	if err != nil {
		return "", errors.NewIOError("sink.seal", err)
	}
	return ref, nil
}

func (s *blobSink) discardSpool() {
	if s.spool != nil {
		name := s.spool.Name()
		_ = s.spool.Close()
		_ = os.Remove(name)
	}
	s.spool = nil
	s.zw = nil
}

func (s *blobSink) flush(op string) error {
	if err := s.zw.Flush(); err != nil {
		s.discardSpool()
		return errors.NewIOError(op, err)
	}
	return nil
}

// claimName resolves collisions by suffixing "_(n)" before the extension.
func (s *blobSink) claimName(name string) string {
	if _, taken := s.names[name]; !taken {
		s.names[name] = 0
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := s.names[name] + 1; ; n++ {
		candidate := fmt.Sprintf("%s_(%d)%s", base, n, ext)
		if _, taken := s.names[candidate]; !taken {
			s.names[name] = n
			s.names[candidate] = 0
			return candidate
		}
	}
}

// sanitizeEntryName normalizes a provider-supplied path into a safe,
// length-limited archive entry name.
func sanitizeEntryName(name string) string {
	clean := path.Clean(strings.ReplaceAll(name, "\\", "/"))
	clean = strings.TrimPrefix(clean, "/")
	parts := strings.Split(clean, "/")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" || part == "." || part == ".." {
			continue
		}
		if len(part) > maxEntrySegment {
			part = part[:maxEntrySegment]
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return "unnamed"
	}
	return strings.Join(out, "/")
}
