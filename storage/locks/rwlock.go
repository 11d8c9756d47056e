package locks

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
)

// RWLock is a write-biased reader/writer lock built from three keys:
//
//	<name>:write-pending  taken by a waiting writer, checked by readers
//	<name>:global         held by the writer or by the reader group
//	<name>:counter        mutex guarding the reader count
//
// Readers share the global key under a common token so that the last reader
// out can release what the first reader took.
type RWLock struct {
	m    *Manager
	name string
}

// RW returns the reader/writer lock for name.
func (m *Manager) RW(name string) *RWLock {
	return &RWLock{m: m, name: name}
}

// EonLockName keys the checkpoint reader/writer lock by eon.
func EonLockName(eon uint64) string {
	return "eon:" + strconv.FormatUint(eon, 10)
}

func (rw *RWLock) countKey() string {
	return rw.m.cfg.Prefix + rw.name + ":count"
}

// RLock enters the reader group. The returned function leaves it.
func (rw *RWLock) RLock(ctx context.Context) (func(), error) {
	pending := rw.m.Mutex(rw.name + ":write-pending")
	if err := pending.Lock(ctx); err != nil {
		return nil, err
	}
	if err := pending.Unlock(); err != nil {
		return nil, err
	}

	global := rw.m.mutexWithToken(rw.name+":global", readersToken)
	if err := rw.m.WithMutex(ctx, rw.name+":counter", func(ctx context.Context) error {
		n, err := rw.m.backend.Incr(ctx, rw.countKey())
		if err != nil {
			return err
		}
		joined := false
		if n > 1 {
			// the group may have outlived its lease after a crashed reader
			joined, err = rw.m.backend.Extend(ctx, global.key, readersToken, rw.m.cfg.Lease)
			if err != nil {
				joined = false
			}
		}
		if joined {
			return nil
		}
		if err := global.Lock(ctx); err != nil {
			if _, derr := rw.m.backend.Decr(context.Background(), rw.countKey()); derr != nil {
				rw.m.logger.Warn("reader count rollback failed", slog.String("lock", rw.name), slog.Any("error", derr))
			}
			return err
		}
		// renewal is driven per reader below
		global.stopRenewal()
		return nil
	}); err != nil {
		return nil, fmt.Errorf("read lock %s: %w", rw.name, err)
	}

	renewer := rw.m.mutexWithToken(rw.name+":global", readersToken)
	renewer.startRenewal()

	return func() {
		renewer.stopRenewal()
		err := rw.m.WithMutex(context.Background(), rw.name+":counter", func(ctx context.Context) error {
			n, err := rw.m.backend.Decr(ctx, rw.countKey())
			if err != nil {
				return err
			}
			if n > 0 {
				return nil
			}
			_, err = rw.m.backend.Release(ctx, global.key, readersToken)
			return err
		})
		if err != nil {
			rw.m.logger.Error("read unlock failed", slog.String("lock", rw.name), slog.Any("error", err))
		}
	}, nil
}

// Lock takes the writer side. The returned function releases it.
func (rw *RWLock) Lock(ctx context.Context) (func(), error) {
	pending := rw.m.Mutex(rw.name + ":write-pending")
	if err := pending.Lock(ctx); err != nil {
		return nil, fmt.Errorf("write lock %s: %w", rw.name, err)
	}
	global := rw.m.Mutex(rw.name + ":global")
	if err := global.Lock(ctx); err != nil {
		if uerr := pending.Unlock(); uerr != nil {
			rw.m.logger.Warn("write-pending release failed", slog.String("lock", rw.name), slog.Any("error", uerr))
		}
		return nil, fmt.Errorf("write lock %s: %w", rw.name, err)
	}
	return func() {
		if err := global.Unlock(); err != nil {
			rw.m.logger.Error("write unlock failed", slog.String("lock", rw.name), slog.Any("error", err))
		}
		if err := pending.Unlock(); err != nil {
			rw.m.logger.Error("write-pending unlock failed", slog.String("lock", rw.name), slog.Any("error", err))
		}
	}, nil
}

// WithRead runs fn inside the reader group for name.
func (m *Manager) WithRead(ctx context.Context, name string, fn func(context.Context) error) error {
	unlock, err := m.RW(name).RLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// WithWrite runs fn holding the writer side for name.
func (m *Manager) WithWrite(ctx context.Context, name string, fn func(context.Context) error) error {
	unlock, err := m.RW(name).Lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}
