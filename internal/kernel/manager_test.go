package kernel_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waldiez/studio/internal/common/logger"
	"github.com/waldiez/studio/internal/kernel"
	"github.com/waldiez/studio/internal/kernel/kerneltest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestManagerGetStartsExactlyOneKernel(t *testing.T) {
	var launches atomic.Int32
	slow := func(ctx context.Context) (kernel.Kernel, error) {
		launches.Add(1)
		time.Sleep(20 * time.Millisecond)
		return &kerneltest.Kernel{}, nil
	}
	m := kernel.NewManager(slow, time.Minute, logger.Nop())

	const callers = 16
	got := make([]kernel.Kernel, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, err := m.Get(context.Background())
			assert.NoError(t, err)
			got[i] = k
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), launches.Load())
	for i := 1; i < callers; i++ {
		assert.Same(t, got[0], got[i])
	}
}

func TestManagerGetPropagatesLaunchError(t *testing.T) {
	boom := errors.New("no ipykernel")
	m := kernel.NewManager(func(context.Context) (kernel.Kernel, error) { return nil, boom }, 0, logger.Nop())

	_, err := m.Get(context.Background())
	require.ErrorIs(t, err, boom)
	assert.False(t, m.Running())
}

func TestManagerOperationsWithoutKernelAreNoops(t *testing.T) {
	m := kernel.NewManager(kerneltest.Launcher(&kerneltest.Kernel{}, nil), time.Minute, logger.Nop())
	ctx := context.Background()

	require.NoError(t, m.Interrupt(ctx))
	require.NoError(t, m.Restart(ctx))
	require.NoError(t, m.Shutdown(ctx, true))
	reaped, err := m.MaybeGC(ctx)
	require.NoError(t, err)
	assert.False(t, reaped)
}

func TestManagerDelegatesToLiveKernel(t *testing.T) {
	fk := &kerneltest.Kernel{}
	m := kernel.NewManager(kerneltest.Launcher(fk, nil), time.Minute, logger.Nop())
	ctx := context.Background()

	_, err := m.Get(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Interrupt(ctx))
	require.NoError(t, m.Restart(ctx))
	require.NoError(t, m.Shutdown(ctx, false))
	require.NoError(t, m.Shutdown(ctx, false))

	assert.Equal(t, int32(1), fk.Interrupts.Load())
	assert.Equal(t, int32(1), fk.Restarts.Load())
	assert.Equal(t, int32(1), fk.Shutdowns.Load())
	assert.False(t, m.Running())
}

func TestManagerMaybeGCHonoursTTLAndBusy(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	fk := &kerneltest.Kernel{}
	var events []string
	m := kernel.NewManager(kerneltest.Launcher(fk, nil), 15*time.Minute, logger.Nop(),
		kernel.WithClock(clock.Now),
		kernel.WithNotifier(func(ev string, _ map[string]any) { events = append(events, ev) }),
	)
	ctx := context.Background()

	_, err := m.Get(ctx)
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	reaped, err := m.MaybeGC(ctx)
	require.NoError(t, err)
	assert.False(t, reaped, "kernel used within the TTL must survive")

	release, err := m.Acquire(ctx)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	reaped, _ = m.MaybeGC(ctx)
	assert.False(t, reaped, "kernel in use must not be reaped")
	release()
	release()

	clock.Advance(16 * time.Minute)
	reaped, err = m.MaybeGC(ctx)
	require.NoError(t, err)
	assert.True(t, reaped)
	assert.False(t, m.Running())
	assert.Equal(t, []string{kernel.EventStarted, kernel.EventStopped}, events)
}

func TestManagerGetRefreshesLastUsed(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	m := kernel.NewManager(kerneltest.Launcher(&kerneltest.Kernel{}, nil), time.Minute, logger.Nop(), kernel.WithClock(clock.Now))

	_, _ = m.Get(context.Background())
	first := m.LastUsed()
	clock.Advance(30 * time.Second)
	_, _ = m.Get(context.Background())
	assert.Equal(t, 30*time.Second, m.LastUsed().Sub(first))
}

func TestManagerAcquireSerializesAndHonoursContext(t *testing.T) {
	m := kernel.NewManager(kerneltest.Launcher(&kerneltest.Kernel{}, nil), time.Minute, logger.Nop())

	release, err := m.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	again, err := m.Acquire(context.Background())
	require.NoError(t, err)
	again()
}

func TestRunReaperShutsDownOnCancel(t *testing.T) {
	fk := &kerneltest.Kernel{}
	m := kernel.NewManager(kerneltest.Launcher(fk, nil), time.Hour, logger.Nop())
	_, err := m.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunReaper(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
	assert.Equal(t, int32(1), fk.Shutdowns.Load())
}
