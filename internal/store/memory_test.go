package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, s.Delete(ctx, "k"))
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreAcquireLockExclusive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AcquireLock(ctx, "lock:1", "agent-a", time.Minute))
	err := s.AcquireLock(ctx, "lock:1", "agent-b", time.Minute)
	require.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, s.ReleaseLock(ctx, "lock:1"))
	require.NoError(t, s.AcquireLock(ctx, "lock:1", "agent-b", time.Minute))
}

func TestMemoryStoreAcquireLockExpires(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.AcquireLock(ctx, "lock:2", "agent-a", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.AcquireLock(ctx, "lock:2", "agent-b", time.Minute))
}

func TestMemoryStoreIncrCounter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	v1, err := s.IncrCounter(ctx, "seq")
	require.NoError(t, err)
	require.Equal(t, int64(1), v1)

	v2, err := s.IncrCounter(ctx, "seq")
	require.NoError(t, err)
	require.Equal(t, int64(2), v2)
}

func TestMemoryStoreQueueFIFO(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Enqueue(ctx, "q", []byte("first")))
	require.NoError(t, s.Enqueue(ctx, "q", []byte("second")))

	v, ok, err := s.BlockingDequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("first"), v)

	v, ok, err = s.BlockingDequeue(ctx, "q", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("second"), v)
}

func TestMemoryStoreBlockingDequeueTimesOut(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, ok, err := s.BlockingDequeue(ctx, "empty", 20*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryStorePublishSubscribeAndPending(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Subscribe(ctx, "agent:1:notifications")
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "agent:1:notifications", []byte("hello")))

	select {
	case msg := <-ch:
		require.Equal(t, []byte("hello"), msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}

	pending, err := s.DrainPending(ctx, "agent:1:notifications")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	pending, err = s.DrainPending(ctx, "agent:1:notifications")
	require.NoError(t, err)
	require.Empty(t, pending)
}
