package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"relicwatch/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reading(sensorID string, value float64) models.SensorReading {
	return models.SensorReading{
		SensorID:   sensorID,
		SensorType: models.SensorTemperature,
		Value:      value,
		Unit:       "°C",
		Timestamp:  fixedNow,
	}.WithStatus(models.SeverityNormal)
}

func batchSizes(batches [][]models.SensorReading) []int {
	sizes := make([]int, len(batches))
	for i, b := range batches {
		sizes[i] = len(b)
	}
	return sizes
}

func TestIngestBuffer_DetachesFullBatches(t *testing.T) {
	buf := NewIngestBuffer(100, 0)

	for i := 0; i < 250; i++ {
		require.True(t, buf.Submit(reading("s1", float64(i))))
	}

	assert.Equal(t, 250, buf.Len())
	select {
	case <-buf.Ready():
	default:
		t.Fatal("expected ready signal")
	}

	ready := buf.TakeReady()
	assert.Equal(t, []int{100, 100}, batchSizes(ready))
	assert.Equal(t, 0.0, ready[0][0].Value)
	assert.Equal(t, 199.0, ready[1][99].Value)
	assert.Equal(t, 50, buf.Len())

	assert.Empty(t, buf.TakeReady())

	rest := buf.DrainAll()
	assert.Equal(t, []int{50}, batchSizes(rest))
	assert.Equal(t, 200.0, rest[0][0].Value)
	assert.Equal(t, 0, buf.Len())
	assert.Empty(t, buf.DrainAll())
}

func TestIngestBuffer_DrainAllIncludesReady(t *testing.T) {
	buf := NewIngestBuffer(10, 0)
	for i := 0; i < 25; i++ {
		buf.Submit(reading("s1", float64(i)))
	}

	assert.Equal(t, []int{10, 10, 5}, batchSizes(buf.DrainAll()))
}

func TestIngestBuffer_DropsWhenFull(t *testing.T) {
	buf := NewIngestBuffer(10, 15)

	accepted := 0
	for i := 0; i < 20; i++ {
		if buf.Submit(reading("s1", float64(i))) {
			accepted++
		}
	}
	assert.Equal(t, 15, accepted)

	buf.TakeReady()
	assert.True(t, buf.Submit(reading("s1", 99)))
}

func TestIngestBuffer_ConcurrentSubmitIsLossless(t *testing.T) {
	buf := NewIngestBuffer(100, 0)
	const producers = 8
	const perProducer = 1000

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", p)
			for i := 0; i < perProducer; i++ {
				buf.Submit(reading(id, float64(i)))
			}
		}(p)
	}

	collected := make(map[string][]float64)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	collect := func(batches [][]models.SensorReading) {
		for _, b := range batches {
			assert.LessOrEqual(t, len(b), 100)
			for _, r := range b {
				collected[r.SensorID] = append(collected[r.SensorID], r.Value)
			}
		}
	}

loop:
	for {
		select {
		case <-buf.Ready():
			collect(buf.TakeReady())
		case <-done:
			break loop
		case <-time.After(5 * time.Second):
			t.Fatal("producers did not finish")
		}
	}
	collect(buf.DrainAll())

	total := 0
	for id, values := range collected {
		total += len(values)
		for i := range values {
			require.Equal(t, float64(i), values[i], "order for %s", id)
		}
	}
	assert.Equal(t, producers*perProducer, total)
}
