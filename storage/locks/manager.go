package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseLost is returned when a lease expired or was taken over before release.
var ErrLeaseLost = errors.New("locks: lease lost before release")

const readersToken = "readers"

// Config tunes leases and polling.
type Config struct {
	Prefix        string        `toml:"Prefix" yaml:"prefix"`
	Lease         time.Duration `toml:"Lease" yaml:"lease"`
	RetryInterval time.Duration `toml:"RetryInterval" yaml:"retry_interval"`
	// AutoRenew keeps extending held leases until release.
	AutoRenew bool `toml:"AutoRenew" yaml:"auto_renew"`
}

// Manager hands out locks on a shared backend. One manager is built at process
// start and passed to every component that coordinates work.
type Manager struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
}

// NewManager applies defaults and wraps backend.
func NewManager(backend Backend, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "commitchain:lock:"
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{backend: backend, cfg: cfg, logger: logger}
}

// Mutex is a leased exclusive lock on one key.
type Mutex struct {
	m     *Manager
	key   string
	token string

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Mutex returns an unlocked mutex for name.
func (m *Manager) Mutex(name string) *Mutex {
	return m.mutexWithToken(name, uuid.NewString())
}

func (m *Manager) mutexWithToken(name, token string) *Mutex {
	return &Mutex{m: m, key: m.cfg.Prefix + name, token: token}
}

// TryLock attempts a single acquisition.
func (l *Mutex) TryLock(ctx context.Context) (bool, error) {
	ok, err := l.m.backend.TryAcquire(ctx, l.key, l.token, l.m.cfg.Lease)
	if err != nil || !ok {
		return false, err
	}
	l.startRenewal()
	return true, nil
}

// Lock blocks until the lease is obtained or ctx ends.
func (l *Mutex) Lock(ctx context.Context) error {
	ticker := time.NewTicker(l.m.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", l.key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("acquire %s: %w", l.key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Unlock releases the lease. The release runs on a fresh context so a
// cancelled caller still frees the key.
func (l *Mutex) Unlock() error {
	l.stopRenewal()
	ctx, cancel := context.WithTimeout(context.Background(), l.m.cfg.Lease)
	defer cancel()
	ok, err := l.m.backend.Release(ctx, l.key, l.token)
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
	}
	return nil
}

func (l *Mutex) startRenewal() {
	if !l.m.cfg.AutoRenew {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.renew(l.stop, l.done)
}

func (l *Mutex) stopRenewal() {
	l.mu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (l *Mutex) renew(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.m.cfg.Lease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			ok, err := l.m.backend.Extend(ctx, l.key, l.token, l.m.cfg.Lease)
			cancel()
			if err != nil {
				l.m.logger.Warn("lock renewal failed", slog.String("lock", l.key), slog.Any("error", err))
				continue
			}
			if !ok {
				l.m.logger.Error("lock lease lost", slog.String("lock", l.key))
				return
			}
		}
	}
}

// WithMutex runs fn while holding the named mutex.
func (m *Manager) WithMutex(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	l := m.Mutex(name)
	if err := l.Lock(ctx); err != nil {
		return err
	}
	defer func() {
		if uerr := l.Unlock(); uerr != nil {
			m.logger.Warn("lock release failed", slog.String("lock", name), slog.Any("error", uerr))
			if err == nil && errors.Is(uerr, ErrLeaseLost) {
				err = uerr
			}
		}
	}()
	return fn(ctx)
}

// Lockable names a per-entity lock.
type Lockable interface {
	LockKey() string
}

// WithEntity serialises mutation of one row's derived fields.
func (m *Manager) WithEntity(ctx context.Context, entity Lockable, fn func(context.Context) error) error {
	return m.WithMutex(ctx, "entity:"+entity.LockKey(), fn)
}

// WithClass serialises a whole batch job class against itself.
func (m *Manager) WithClass(ctx context.Context, class string, fn func(context.Context) error) error {
	return m.WithMutex(ctx, "class:"+class, fn)
}

// TryClass is WithClass without waiting: when another holder is active it
// returns (false, nil) without running fn.
func (m *Manager) TryClass(ctx context.Context, class string, fn func(context.Context) error) (bool, error) {
	l := m.Mutex("class:" + class)
	ok, err := l.TryLock(ctx)
	if err != nil || !ok {
		return false, err
	}
	defer func() {
		if uerr := l.Unlock(); uerr != nil {
			m.logger.Warn("lock release failed", slog.String("lock", class), slog.Any("error", uerr))
		}
	}()
	return true, fn(ctx)
}
