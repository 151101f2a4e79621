package processor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProcessingQueue is a bounded job queue served by a fixed set of workers.
type ProcessingQueue struct {
	items      chan *QueueItem
	workers    int
	workerFunc func(*QueueItem)
	logger     *zap.Logger
	wg         sync.WaitGroup
	shutdown   chan struct{}
	isRunning  bool
	active     int
	mutex      sync.RWMutex
}

type QueueItem struct {
	Job        *VideoJob
	EnqueuedAt time.Time
}

func NewProcessingQueue(queueSize, workers int, workerFunc func(*QueueItem), logger *zap.Logger) *ProcessingQueue {
	queue := &ProcessingQueue{
		items:      make(chan *QueueItem, queueSize),
		workers:    workers,
		workerFunc: workerFunc,
		logger:     logger,
		shutdown:   make(chan struct{}),
		isRunning:  true,
	}

	for i := 0; i < workers; i++ {
		queue.wg.Add(1)
		go queue.worker(i)
	}

	return queue
}

func (pq *ProcessingQueue) worker(id int) {
	defer pq.wg.Done()

	for {
		select {
		case item := <-pq.items:
			if item != nil {
				pq.run(id, item)
			}
		case <-pq.shutdown:
			return
		}
	}
}

func (pq *ProcessingQueue) run(id int, item *QueueItem) {
	pq.mutex.Lock()
	pq.active++
	pq.mutex.Unlock()

	defer func() {
		pq.mutex.Lock()
		pq.active--
		pq.mutex.Unlock()

		if r := recover(); r != nil {
			pq.logger.Error("Worker panic",
				zap.Int("worker", id),
				zap.Any("panic", r))
		}
	}()

	pq.workerFunc(item)
}

// Enqueue adds item without blocking. It reports false when the queue is
// full or shutting down.
func (pq *ProcessingQueue) Enqueue(item *QueueItem) bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	if !pq.isRunning {
		return false
	}

	select {
	case pq.items <- item:
		return true
	default:
		return false
	}
}

func (pq *ProcessingQueue) Size() int {
	return len(pq.items)
}

func (pq *ProcessingQueue) Capacity() int {
	return cap(pq.items)
}

func (pq *ProcessingQueue) IsRunning() bool {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()
	return pq.isRunning
}

// Shutdown stops accepting work and waits for running jobs to finish.
// Items still queued are left for DrainQueue.
func (pq *ProcessingQueue) Shutdown(timeout time.Duration) error {
	pq.mutex.Lock()
	if !pq.isRunning {
		pq.mutex.Unlock()
		return nil
	}
	pq.isRunning = false
	pq.mutex.Unlock()

	close(pq.shutdown)

	done := make(chan struct{})
	go func() {
		pq.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// DrainQueue removes every queued item, passing each to fn.
func (pq *ProcessingQueue) DrainQueue(fn func(*QueueItem)) int {
	drained := 0
	for {
		select {
		case item := <-pq.items:
			if item != nil {
				fn(item)
				drained++
			}
		default:
			return drained
		}
	}
}

func (pq *ProcessingQueue) GetQueueStats() QueueStats {
	pq.mutex.RLock()
	defer pq.mutex.RUnlock()

	return QueueStats{
		CurrentSize:        pq.Size(),
		MaxCapacity:        pq.Capacity(),
		Workers:            pq.workers,
		ActiveWorkers:      pq.active,
		IsRunning:          pq.isRunning,
		UtilizationPercent: float64(pq.Size()) / float64(max(1, pq.Capacity())) * 100,
	}
}

type QueueStats struct {
	CurrentSize        int     `json:"current_size"`
	MaxCapacity        int     `json:"max_capacity"`
	Workers            int     `json:"workers"`
	ActiveWorkers      int     `json:"active_workers"`
	IsRunning          bool    `json:"is_running"`
	UtilizationPercent float64 `json:"utilization_percent"`
}
