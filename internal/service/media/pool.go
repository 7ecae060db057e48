package media

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	apperrors "huddle-backend/pkg/errors"
	"huddle-backend/pkg/logger"
	"huddle-backend/pkg/metrics"
)

// WorkerPool hands out routing workers round-robin. Capacity bounds the
// rooms per worker; zero means unlimited.
type WorkerPool struct {
	engine   Engine
	capacity int
	metrics  *metrics.Metrics

	mu    sync.Mutex
	slots []*slot
	next  int
}

type slot struct {
	worker Worker
	rooms  int
}

// NewWorkerPool starts size workers
func NewWorkerPool(ctx context.Context, engine Engine, size, capacity int, m *metrics.Metrics) (*WorkerPool, error) {
	if size < 1 {
		return nil, fmt.Errorf("worker pool size must be at least 1, got %d", size)
	}

	p := &WorkerPool{engine: engine, capacity: capacity, metrics: m}
	for i := 0; i < size; i++ {
		w, err := engine.NewWorker(ctx)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to start media worker: %w", err)
		}
		p.slots = append(p.slots, &slot{worker: w})
		m.SetWorkerRooms(w.ID(), 0)
	}

	logger.Info("Media worker pool started",
		zap.Int("workers", size),
		zap.Int("rooms_per_worker", capacity))

	return p, nil
}

// Acquire reserves a room slot on the next worker with room to spare
func (p *WorkerPool) Acquire() (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		s := p.slots[idx]
		if p.capacity > 0 && s.rooms >= p.capacity {
			continue
		}
		s.rooms++
		p.next = (idx + 1) % n
		p.metrics.SetWorkerRooms(s.worker.ID(), s.rooms)
		return s.worker, nil
	}

	return nil, apperrors.ServiceUnavailableError("no media worker has capacity for another room")
}

// Release returns a room slot to workerID. Unknown workers are ignored.
func (p *WorkerPool) Release(workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if s.worker.ID() == workerID && s.rooms > 0 {
			s.rooms--
			p.metrics.SetWorkerRooms(workerID, s.rooms)
			return
		}
	}
}

// Replace swaps a dead worker for a fresh one in the same slot
func (p *WorkerPool) Replace(ctx context.Context, workerID string) (Worker, error) {
	w, err := p.engine.NewWorker(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start replacement media worker: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if s.worker.ID() == workerID {
			s.worker = w
			s.rooms = 0
			p.metrics.ForgetWorker(workerID)
			p.metrics.SetWorkerRooms(w.ID(), 0)
			return w, nil
		}
	}

	w.Close()
	return nil, fmt.Errorf("media worker %s is not in the pool", workerID)
}

// Load reports rooms per worker id
func (p *WorkerPool) Load() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]int, len(p.slots))
	for _, s := range p.slots {
		out[s.worker.ID()] = s.rooms
	}
	return out
}

// Close stops every worker
func (p *WorkerPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		s.worker.Close()
	}
	p.slots = nil
}
