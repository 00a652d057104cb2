package services

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrQueueFull          = errors.New("worker queue is full")
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrStopTimeout        = errors.New("worker pool stop timed out")
)

// ShardedPool is a worker pool where every worker owns its queue. Work with the
// same shard key always lands on the same worker, so items from one producer
// are processed in submission order.
type ShardedPool[T any] struct {
	workers   int
	queueSize int
	shardKey  func(T) string
	processor func(context.Context, T)

	queues []chan T
	wg     *sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool

	submitted int64
	processed int64
	dropped   int64
}

// NewShardedPool creates a pool. workers and queueSize fall back to 4 and 1000.
func NewShardedPool[T any](workers, queueSize int, shardKey func(T) string, processor func(context.Context, T)) *ShardedPool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	return &ShardedPool[T]{
		workers:   workers,
		queueSize: queueSize,
		shardKey:  shardKey,
		processor: processor,
	}
}

// Start launches the workers. The pool may be started again after Stop.
func (p *ShardedPool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	p.wg = &sync.WaitGroup{}
	p.queues = make([]chan T, p.workers)
	for i := range p.queues {
		p.queues[i] = make(chan T, p.queueSize)
		p.wg.Add(1)
		go p.worker(ctx, p.wg, p.queues[i])
	}

	p.started = true
	return nil
}

// Submit enqueues work on its shard without blocking.
func (p *ShardedPool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.queues[p.shardFor(work)] <- work:
		atomic.AddInt64(&p.submitted, 1)
		return nil
	default:
		atomic.AddInt64(&p.dropped, 1)
		return ErrQueueFull
	}
}

// Stop closes the queues and waits for the workers to finish what is queued.
// Submit calls made while Stop waits fail with ErrPoolNotStarted.
func (p *ShardedPool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started {
		p.lifecycleMu.Unlock()
		return nil
	}
	p.started = false

	for _, q := range p.queues {
		close(q)
	}
	wg := p.wg
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers   int   `json:"workers"`
	QueueSize int   `json:"queue_size"`
	Submitted int64 `json:"submitted"`
	Processed int64 `json:"processed"`
	Dropped   int64 `json:"dropped"`
}

func (p *ShardedPool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:   p.workers,
		QueueSize: p.queueSize,
		Submitted: atomic.LoadInt64(&p.submitted),
		Processed: atomic.LoadInt64(&p.processed),
		Dropped:   atomic.LoadInt64(&p.dropped),
	}
}

func (p *ShardedPool[T]) shardFor(work T) int {
	if p.workers == 1 || p.shardKey == nil {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(p.shardKey(work)))
	return int(h.Sum32() % uint32(p.workers))
}

// worker drains its queue until it is closed. Once ctx is cancelled the
// remaining items are still handed to the processor, which sees the
// cancelled context.
func (p *ShardedPool[T]) worker(ctx context.Context, wg *sync.WaitGroup, queue <-chan T) {
	defer wg.Done()

	for work := range queue {
		p.processor(ctx, work)
		atomic.AddInt64(&p.processed, 1)
	}
}
