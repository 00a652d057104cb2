package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedPool_SameKeyKeepsOrder(t *testing.T) {
	var mu sync.Mutex
	got := map[string][]int{}
	type item struct {
		key string
		seq int
	}

	p := NewShardedPool[item](4, 16, func(it item) string { return it.key }, func(_ context.Context, it item) {
		mu.Lock()
		defer mu.Unlock()
		got[it.key] = append(got[it.key], it.seq)
	})
	require.NoError(t, p.Start(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolAlreadyStarted)

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(item{key: "a", seq: i}))
		require.NoError(t, p.Submit(item{key: "b", seq: i}))
	}
	require.NoError(t, p.Stop(time.Second))

	want := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, want, got["a"])
	assert.Equal(t, want, got["b"])
	assert.Equal(t, int64(20), p.Stats().Processed)
	assert.ErrorIs(t, p.Submit(item{key: "a"}), ErrPoolNotStarted)
}

func TestShardedPool_SubmitDuringStopReturnsImmediately(t *testing.T) {
	release := make(chan struct{})
	busy := make(chan struct{}, 1)
	p := NewShardedPool[string](1, 4, nil, func(context.Context, string) {
		select {
		case busy <- struct{}{}:
		default:
		}
		<-release
	})
	require.NoError(t, p.Start(context.Background()))
	require.NoError(t, p.Submit("first"))
	<-busy

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop(2 * time.Second) }()

	start := time.Now()
	var err error
	for time.Since(start) < 2*time.Second {
		if err = p.Submit("late"); errors.Is(err, ErrPoolNotStarted) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	assert.ErrorIs(t, err, ErrPoolNotStarted)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	close(release)
	assert.NoError(t, <-stopped)
}
