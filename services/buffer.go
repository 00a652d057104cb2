package services

import (
	"sync"

	"relicwatch/models"
)

// IngestBuffer accumulates validated readings until a full batch is available
// or the flusher drains it on its timer.
//
// A submit that fills the pending batch detaches exactly that batch into the
// ready list, so batch boundaries do not depend on when the flusher wakes up.
type IngestBuffer struct {
	mu         sync.Mutex
	pending    []models.SensorReading
	ready      [][]models.SensorReading
	queued     int
	batchSize  int
	maxPending int
	signal     chan struct{}
}

// NewIngestBuffer creates a buffer. maxPending <= 0 means unbounded.
func NewIngestBuffer(batchSize, maxPending int) *IngestBuffer {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &IngestBuffer{
		pending:    make([]models.SensorReading, 0, batchSize),
		batchSize:  batchSize,
		maxPending: maxPending,
		signal:     make(chan struct{}, 1),
	}
}

// Submit queues a reading. It never blocks and returns false when the buffer
// is at capacity.
func (b *IngestBuffer) Submit(reading models.SensorReading) bool {
	b.mu.Lock()
	if b.maxPending > 0 && b.queued >= b.maxPending {
		b.mu.Unlock()
		BufferDropped.Inc()
		return false
	}

	b.pending = append(b.pending, reading)
	b.queued++

	full := len(b.pending) >= b.batchSize
	if full {
		b.ready = append(b.ready, b.pending)
		b.pending = make([]models.SensorReading, 0, b.batchSize)
	}
	b.mu.Unlock()

	if full {
		select {
		case b.signal <- struct{}{}:
		default:
		}
	}
	return true
}

// Ready is signalled whenever at least one full batch has been detached.
func (b *IngestBuffer) Ready() <-chan struct{} {
	return b.signal
}

// TakeReady removes and returns every full batch detached so far.
func (b *IngestBuffer) TakeReady() [][]models.SensorReading {
	b.mu.Lock()
	defer b.mu.Unlock()

	batches := b.ready
	b.ready = nil
	for _, batch := range batches {
		b.queued -= len(batch)
	}
	return batches
}

// DrainAll removes and returns every full batch plus the partial pending one.
func (b *IngestBuffer) DrainAll() [][]models.SensorReading {
	b.mu.Lock()
	defer b.mu.Unlock()

	batches := b.ready
	if len(b.pending) > 0 {
		batches = append(batches, b.pending)
		b.pending = make([]models.SensorReading, 0, b.batchSize)
	}
	b.ready = nil
	b.queued = 0
	return batches
}

// Len returns the number of readings currently queued.
func (b *IngestBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queued
}
