package port

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oceanframework/ocean/internal/entity"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches map[string][][]*entity.Entity
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{batches: make(map[string][][]*entity.Entity)}
}

func (r *flushRecorder) flush(ctx context.Context, blueprint string, entities []*entity.Entity) []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[blueprint] = append(r.batches[blueprint], entities)
	return nil
}

func (r *flushRecorder) count(blueprint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches[blueprint])
}

func (r *flushRecorder) total(blueprint string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, batch := range r.batches[blueprint] {
		n += len(batch)
	}
	return n
}

func TestBatcherCommitsOnMaxItems(t *testing.T) {
	rec := newFlushRecorder()
	b := NewBatcher(BatcherConfig{MaxItems: 3, FlushInterval: time.Hour}, rec.flush)

	for i := 0; i < 3; i++ {
		b.Add(context.Background(), &entity.Entity{Identifier: "svc", Blueprint: "service"})
	}
	b.Flush(context.Background())

	require.Equal(t, 1, rec.count("service"))
	assert.Equal(t, 3, rec.total("service"))
}

func TestBatcherCommitsOnMaxBytes(t *testing.T) {
	rec := newFlushRecorder()
	b := NewBatcher(BatcherConfig{MaxItems: 1000, MaxBytes: 1, FlushInterval: time.Hour}, rec.flush)

	b.Add(context.Background(), &entity.Entity{Identifier: "svc-1", Blueprint: "service"})
	b.Flush(context.Background())

	assert.Equal(t, 1, rec.count("service"))
}

func TestBatcherDwellFlush(t *testing.T) {
	rec := newFlushRecorder()
	b := NewBatcher(BatcherConfig{MaxItems: 1000, FlushInterval: 20 * time.Millisecond}, rec.flush)

	b.Add(context.Background(), &entity.Entity{Identifier: "svc-1", Blueprint: "service"})

	assert.Eventually(t, func() bool {
		return rec.count("service") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBatcherFlushCommitsEverything(t *testing.T) {
	rec := newFlushRecorder()
	b := NewBatcher(BatcherConfig{MaxItems: 1000, FlushInterval: time.Hour}, rec.flush)

	b.Add(context.Background(), &entity.Entity{Identifier: "svc-1", Blueprint: "service"})
	b.Add(context.Background(), &entity.Entity{Identifier: "team-1", Blueprint: "team"})

	b.Flush(context.Background())

	// Flush returns only after in-flight commits complete.
	assert.Equal(t, 1, rec.count("service"))
	assert.Equal(t, 1, rec.count("team"))
}

func TestBatcherSeparatesBlueprints(t *testing.T) {
	rec := newFlushRecorder()
	b := NewBatcher(BatcherConfig{MaxItems: 2, FlushInterval: time.Hour}, rec.flush)

	b.Add(context.Background(), &entity.Entity{Identifier: "svc-1", Blueprint: "service"})
	b.Add(context.Background(), &entity.Entity{Identifier: "team-1", Blueprint: "team"})
	b.Add(context.Background(), &entity.Entity{Identifier: "svc-2", Blueprint: "service"})
	b.Flush(context.Background())

	assert.Equal(t, 2, rec.total("service"))
	assert.Equal(t, 1, rec.total("team"))
}
