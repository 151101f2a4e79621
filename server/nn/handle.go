package nn

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrHandleClosed = errors.New("model handle closed")

type loadCall struct {
	done chan struct{}
	err  error
}

// Handle owns a lazily loaded, shared model. The first Acquire triggers the
// load; callers arriving while it runs wait for that same load. A failed load
// is reported to everyone waiting on it and is not cached, so a later Acquire
// tries again. Each successful Acquire holds a reference until its release
// func is called; Close unloads the value once no references remain.
type Handle[T any] struct {
	name   string
	load   func() (T, error)
	logger *zap.Logger

	mu       sync.Mutex
	inflight *loadCall
	value    T
	loaded   bool
	refs     int
	closed   bool
	loads    int
}

func NewHandle[T any](name string, load func() (T, error), logger *zap.Logger) *Handle[T] {
	return &Handle[T]{name: name, load: load, logger: logger}
}

// Acquire returns the loaded value and a release func that must be called
// exactly once when the caller is done with it.
func (h *Handle[T]) Acquire(ctx context.Context) (T, func(), error) {
	var zero T

	h.mu.Lock()
	for {
		if h.closed {
			h.mu.Unlock()
			return zero, nil, ErrHandleClosed
		}
		if h.loaded {
			h.refs++
			v := h.value
			h.mu.Unlock()
			return v, h.releaseFunc(), nil
		}
		if call := h.inflight; call != nil {
			h.mu.Unlock()
			select {
			case <-call.done:
			case <-ctx.Done():
				return zero, nil, ctx.Err()
			}
			if call.err != nil {
				return zero, nil, call.err
			}
			h.mu.Lock()
			continue
		}

		call := &loadCall{done: make(chan struct{})}
		h.inflight = call
		h.loads++
		h.mu.Unlock()

		start := time.Now()
		v, err := h.load()

		h.mu.Lock()
		h.inflight = nil
		call.err = err
		close(call.done)
		if err != nil {
			h.mu.Unlock()
			h.logger.Error("Model load failed", zap.String("model", h.name), zap.Error(err))
			return zero, nil, err
		}
		h.value = v
		h.loaded = true
		if h.closed {
			// Closed while loading; nobody else can hold a reference yet.
			if err := h.unloadLocked(); err != nil {
				h.logger.Warn("Failed to release model loaded after close", zap.String("model", h.name), zap.Error(err))
			}
			h.mu.Unlock()
			return zero, nil, ErrHandleClosed
		}
		h.logger.Info("Model loaded",
			zap.String("model", h.name),
			zap.Duration("duration", time.Since(start)))
	}
}

func (h *Handle[T]) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.refs--
			if h.closed && h.refs == 0 {
				h.unloadLocked()
			}
		})
	}
}

// Loaded reports whether the model is currently in memory.
func (h *Handle[T]) Loaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loaded
}

// Refs returns the number of outstanding references.
func (h *Handle[T]) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

// Loads returns how many load attempts have been started.
func (h *Handle[T]) Loads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loads
}

// Close stops new acquisitions. The value is unloaded immediately when idle,
// otherwise when the last reference is released.
func (h *Handle[T]) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	if h.refs == 0 {
		return h.unloadLocked()
	}
	return nil
}

func (h *Handle[T]) unloadLocked() error {
	if !h.loaded {
		return nil
	}
	var err error
	if c, ok := any(h.value).(io.Closer); ok {
		err = c.Close()
	}
	var zero T
	h.value = zero
	h.loaded = false
	h.logger.Info("Model unloaded", zap.String("model", h.name))
	return err
}
