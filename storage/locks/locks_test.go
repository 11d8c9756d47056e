package locks

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestManager(backend *MemoryBackend) *Manager {
	return NewManager(backend, Config{Lease: 2 * time.Second, RetryInterval: time.Millisecond, AutoRenew: true}, nil)
}

func TestMutexExclusion(t *testing.T) {
	m := newTestManager(NewMemoryBackend())
	ctx := context.Background()

	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithMutex(ctx, "wallet:1", func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					p := atomic.LoadInt32(&peak)
					if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, peak)
}

func TestMutexRespectsContext(t *testing.T) {
	m := newTestManager(NewMemoryBackend())
	held := m.Mutex("busy")
	require.NoError(t, held.Lock(context.Background()))
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Mutex("busy").Lock(ctx), context.DeadlineExceeded)
}

func TestLeaseExpiresWithoutRenewal(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend, Config{Lease: 10 * time.Millisecond, RetryInterval: time.Millisecond}, nil)
	crashed := m.Mutex("job")
	require.NoError(t, crashed.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next := m.Mutex("job")
	require.NoError(t, next.Lock(ctx))
	require.NoError(t, next.Unlock())
	require.ErrorIs(t, crashed.Unlock(), ErrLeaseLost)
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	backend := NewMemoryBackend()
	m := NewManager(backend, Config{Lease: 15 * time.Millisecond, RetryInterval: time.Millisecond, AutoRenew: true}, nil)
	l := m.Mutex("long")
	require.NoError(t, l.Lock(context.Background()))
	time.Sleep(60 * time.Millisecond)
	ok, err := m.Mutex("long").TryLock(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, l.Unlock())
}

func TestTryClassSkipsWhenBusy(t *testing.T) {
	m := newTestManager(NewMemoryBackend())
	ctx := context.Background()
	ran, err := m.TryClass(ctx, "slash", func(ctx context.Context) error {
		inner, err := m.TryClass(ctx, "slash", func(context.Context) error { return nil })
		require.NoError(t, err)
		require.False(t, inner)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ran)
}

func TestReadersDoNotBlockEachOther(t *testing.T) {
	m := newTestManager(NewMemoryBackend())
	const readers = 6
	var entered sync.WaitGroup
	entered.Add(readers)
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, m.WithRead(context.Background(), "eon:3", func(context.Context) error {
				entered.Done()
				<-release
				return nil
			}))
		}()
	}
	waitOrFail(t, &entered, time.Second, "readers should all be inside together")
	close(release)
	wg.Wait()
}

func TestWriterWaitsForReadersAndBlocksNewReaders(t *testing.T) {
	backend := NewMemoryBackend()
	m := newTestManager(backend)
	ctx := context.Background()

	const readers = 4
	var entered sync.WaitGroup
	entered.Add(readers)
	release := make(chan struct{})
	var readersDone sync.WaitGroup
	for i := 0; i < readers; i++ {
		readersDone.Add(1)
		go func() {
			defer readersDone.Done()
			require.NoError(t, m.WithRead(ctx, "eon:9", func(context.Context) error {
				entered.Done()
				<-release
				return nil
			}))
		}()
	}
	waitOrFail(t, &entered, time.Second, "readers should enter")

	var order []string
	var orderMu sync.Mutex
	record := func(s string) {
		orderMu.Lock()
		order = append(order, s)
		orderMu.Unlock()
	}

	writerIn := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		require.NoError(t, m.WithWrite(ctx, "eon:9", func(context.Context) error {
			close(writerIn)
			record("writer")
			time.Sleep(20 * time.Millisecond)
			return nil
		}))
	}()

	require.Eventually(t, func() bool {
		return backend.Held(m.cfg.Prefix + "eon:9:write-pending")
	}, time.Second, time.Millisecond)

	lateDone := make(chan struct{})
	go func() {
		defer close(lateDone)
		require.NoError(t, m.WithRead(ctx, "eon:9", func(context.Context) error {
			record("late-reader")
			return nil
		}))
	}()

	select {
	case <-writerIn:
		t.Fatal("writer entered while readers were active")
	case <-lateDone:
		t.Fatal("late reader overtook the waiting writer")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	readersDone.Wait()
	<-writerDone
	<-lateDone
	require.Equal(t, []string{"writer", "late-reader"}, order)
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup, timeout time.Duration, msg string) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal(msg)
	}
}
