package services

import (
	"context"
	"time"

	"relicwatch/models"

	"go.uber.org/zap"
)

// BatchWriter is the persistence side of the flusher.
type BatchWriter interface {
	SaveBatch(ctx context.Context, readings []models.SensorReading) (int, error)
}

// BatchWriterService moves readings from the ingestion buffer to the store,
// either when a full batch is ready or when the flush interval elapses.
type BatchWriterService struct {
	buffer       *IngestBuffer
	writer       BatchWriter
	logger       *zap.Logger
	batchTimeout time.Duration
	flushTimer   *time.Timer
	shutdownChan chan bool
}

// NewBatchWriterService creates a new batch writer service
func NewBatchWriterService(buffer *IngestBuffer, writer BatchWriter, interval time.Duration, logger *zap.Logger) *BatchWriterService {
	return &BatchWriterService{
		buffer:       buffer,
		writer:       writer,
		logger:       logger,
		batchTimeout: interval,
		shutdownChan: make(chan bool, 1),
	}
}

// Start runs the flush loop until ctx is cancelled, then drains what is left.
func (bw *BatchWriterService) Start(ctx context.Context) {
	bw.logger.Info("Starting batch writer service",
		zap.Int("max_batch_size", bw.buffer.batchSize),
		zap.Duration("batch_timeout", bw.batchTimeout))

	bw.flushTimer = time.NewTimer(bw.batchTimeout)
	defer bw.flushTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			bw.logger.Info("Batch writer received shutdown signal")
			// The caller's context is gone; the final drain gets its own.
			drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			bw.writeBatches(drainCtx, bw.buffer.DrainAll(), "shutdown")
			cancel()
			select {
			case bw.shutdownChan <- true:
			default:
			}
			return

		case <-bw.buffer.Ready():
			batches := bw.buffer.TakeReady()
			if len(batches) == 0 {
				continue
			}
			bw.logger.Debug("Batch ready, flushing to store",
				zap.Int("batches", len(batches)))

			bw.stopTimer()
			bw.writeBatches(ctx, batches, "size")
			bw.flushTimer.Reset(bw.batchTimeout)

		case <-bw.flushTimer.C:
			batches := bw.buffer.DrainAll()
			if len(batches) > 0 {
				bw.logger.Info("Batch timeout reached, flushing to store",
					zap.Int("batches", len(batches)))
				bw.writeBatches(ctx, batches, "timer")
			}
			bw.flushTimer.Reset(bw.batchTimeout)
		}
	}
}

// Serve adapts Start to the supervisor's service interface.
func (bw *BatchWriterService) Serve(ctx context.Context) error {
	bw.Start(ctx)
	return ctx.Err()
}

// FlushNow drains the buffer synchronously and returns the number of rows
// the store reported as written.
func (bw *BatchWriterService) FlushNow(ctx context.Context) int {
	return bw.writeBatches(ctx, bw.buffer.DrainAll(), "manual")
}

func (bw *BatchWriterService) stopTimer() {
	if !bw.flushTimer.Stop() {
		select {
		case <-bw.flushTimer.C:
		default:
		}
	}
}

func (bw *BatchWriterService) writeBatches(ctx context.Context, batches [][]models.SensorReading, trigger string) int {
	total := 0
	for _, batch := range batches {
		total += bw.writeBatch(ctx, batch, trigger)
	}
	return total
}

// writeBatch issues one SaveBatch call. Failed batches are dropped.
func (bw *BatchWriterService) writeBatch(ctx context.Context, batch []models.SensorReading, trigger string) int {
	if len(batch) == 0 {
		return 0
	}
	BatchSize.Observe(float64(len(batch)))

	written, err := bw.writer.SaveBatch(ctx, batch)
	if err != nil {
		BatchFlushes.WithLabelValues(trigger, "error").Inc()
		ReadingsLost.Add(float64(len(batch) - written))
		bw.logger.Error("Failed to flush batch, data lost",
			zap.String("trigger", trigger),
			zap.Int("batch_size", len(batch)),
			zap.Int("written", written),
			zap.Error(err))
		return written
	}

	if written < len(batch) {
		BatchFlushes.WithLabelValues(trigger, "partial").Inc()
		ReadingsLost.Add(float64(len(batch) - written))
		bw.logger.Warn("Partial batch write",
			zap.String("trigger", trigger),
			zap.Int("batch_size", len(batch)),
			zap.Int("written", written))
		return written
	}

	BatchFlushes.WithLabelValues(trigger, "ok").Inc()
	bw.logger.Info("Successfully flushed batch to store",
		zap.String("trigger", trigger),
		zap.Int("batch_size", len(batch)))
	return written
}

// WaitForShutdown waits for the batch writer to complete shutdown
func (bw *BatchWriterService) WaitForShutdown(timeout time.Duration) bool {
	select {
	case <-bw.shutdownChan:
		return true
	case <-time.After(timeout):
		return false
	}
}

// GetBufferSize returns the current buffer size (for monitoring)
func (bw *BatchWriterService) GetBufferSize() int {
	return bw.buffer.Len()
}
