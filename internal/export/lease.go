package export

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/webitel/data-exporter/internal/errors"
	"github.com/webitel/data-exporter/internal/model"
	"github.com/webitel/data-exporter/internal/store"
)

const (
	leaseAcquireRetries = 16
	leaseRetryBackoff   = 25 * time.Millisecond
)

// LeaseLock is a cluster-wide shared/exclusive advisory lock over one
// logical key, built on the conditional-update semantics of the lease
// store. It is a lease, not a strict mutex: a crashed holder's record
// expires after the idle timeout and any node may reclaim it, while a
// legitimately held lock survives through keep-alive refreshes.
type LeaseLock struct {
	store store.LeaseStore
	name  string
	idle  time.Duration
}

func NewLeaseLock(store store.LeaseStore, name string, idle time.Duration) *LeaseLock {
	return &LeaseLock{store: store, name: name, idle: idle}
}

// LeaseHandle is the result of an Acquire attempt. Acquired reports whether
// the lock is held; Release is a no-op on a non-acquired handle.
type LeaseHandle struct {
	lock  *LeaseLock
	write bool
	held  bool

	mu     sync.Mutex
	token  model.LeaseToken
	closed atomic.Bool
	stopKA chan struct{}
}

func (h *LeaseHandle) Acquired() bool { return h != nil && h.held }

func (h *LeaseHandle) Write() bool { return h.write }

// Acquire attempts to take the lease. A conflicting holder yields a
// non-acquired handle without error; conditional-update races retry
// internally with backoff and are never surfaced on eventual success.
func (l *LeaseLock) Acquire(ctx context.Context, write bool) (*LeaseHandle, error) {
	for attempt := 0; attempt < leaseAcquireRetries; attempt++ {
		handle, retry, err := l.tryAcquire(ctx, write)
		if err != nil {
			return nil, err
		}
		if !retry {
			return handle, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(leaseRetryBackoff):
		}
	}
	return nil, errors.Internal(
		"lease acquire retries exhausted",
		errors.WithID("export.lease.acquire.retries_exhausted"),
	)
}

func (l *LeaseLock) tryAcquire(ctx context.Context, write bool) (handle *LeaseHandle, retry bool, err error) {
	now := time.Now()
	raw, exists, err := l.store.Get(ctx, l.name)
	if err != nil {
		return nil, false, err
	}

	if exists {
		current, perr := model.ParseLeaseToken(raw)
		if perr != nil || current.Expired(now, l.idle) {
			// reclaim: drop the stale record and race for a fresh insert
			if _, err := l.store.Remove(ctx, l.name, raw); err != nil {
				return nil, false, err
			}
			exists = false
		} else {
			if write || current.Write {
				// an existing lock of any kind blocks writers; a write
				// holder blocks readers
				return &LeaseHandle{lock: l, write: write}, false, nil
			}
			next := model.NewReadToken(current.Readers+1, now)
			ok, err := l.store.Update(ctx, l.name, raw, next.String())
			if err != nil {
				return nil, false, err
			}
			if !ok {
				return nil, true, nil
			}
			return l.newHeldHandle(write, next), false, nil
		}
	}

	if !exists {
		token := model.NewReadToken(1, now)
		if write {
			token = model.NewWriteToken(now)
		}
		ok, err := l.store.Insert(ctx, l.name, token.String())
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, true, nil
		}
		return l.newHeldHandle(write, token), false, nil
	}
	return nil, true, nil
}

func (l *LeaseLock) newHeldHandle(write bool, token model.LeaseToken) *LeaseHandle {
	h := &LeaseHandle{
		lock:   l,
		write:  write,
		held:   true,
		token:  token,
		stopKA: make(chan struct{}),
	}
	go h.keepAlive()
	return h
}

// keepAlive refreshes the token timestamp while the handle is open so a
// legitimately long-held lease does not expire.
func (h *LeaseHandle) keepAlive() {
	interval := h.lock.idle / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopKA:
			return
		case <-ticker.C:
			h.mu.Lock()
			old := h.token
			next := old.Refreshed(time.Now())
			ok, err := h.lock.store.Update(context.Background(), h.lock.name, old.String(), next.String())
			if err == nil && ok {
				h.token = next
			} else {
				slog.Warn("data_exporter.lease.keep_alive_lost",
					slog.String("name", h.lock.name), slog.Any("error", err))
			}
			h.mu.Unlock()
		}
	}
}

// Release drops this holder's share of the lease. For a write holder the
// record is deleted only while it still matches the exact token; for a read
// holder the count is decremented with the same optimistic retry as
// Acquire.
func (h *LeaseHandle) Release(ctx context.Context) error {
	if h == nil || !h.held {
		return nil
	}
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(h.stopKA)

	h.mu.Lock()
	token := h.token
	h.mu.Unlock()

	if h.write {
		_, err := h.lock.store.Remove(ctx, h.lock.name, token.String())
		return err
	}

	for attempt := 0; attempt < leaseAcquireRetries; attempt++ {
		raw, exists, err := h.lock.store.Get(ctx, h.lock.name)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		current, perr := model.ParseLeaseToken(raw)
		if perr != nil || current.Write {
			return nil
		}
		var ok bool
		if current.Readers <= 1 {
			ok, err = h.lock.store.Remove(ctx, h.lock.name, raw)
		} else {
			next := model.NewReadToken(current.Readers-1, time.Now())
			ok, err = h.lock.store.Update(ctx, h.lock.name, raw, next.String())
		}
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(leaseRetryBackoff):
		}
	}
	return errors.Internal(
		"lease release retries exhausted",
		errors.WithID("export.lease.release.retries_exhausted"),
	)
}
