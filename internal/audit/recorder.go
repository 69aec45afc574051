// Package audit records security relevant events to an append-only sink.
//
// Recording never fails from the caller's point of view: sink errors are
// logged and counted, and the triggering request continues unaffected.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reseau-solidaire/backoffice-api/internal/metrics"
	"github.com/reseau-solidaire/backoffice-api/internal/model"
)

const defaultWriteTimeout = 5 * time.Second

// Sink persists one audit entry.
type Sink interface {
	Write(ctx context.Context, e model.AuditEntry) error
}

// SinkFunc adapts a plain function, typically repository.AuditRepo.Insert.
type SinkFunc func(ctx context.Context, e model.AuditEntry) error

func (f SinkFunc) Write(ctx context.Context, e model.AuditEntry) error { return f(ctx, e) }

// Options tunes the recorder queue. Workers == 0 writes synchronously.
type Options struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

// Recorder hands entries to a pool of workers through a bounded queue. When
// the queue is full the caller writes the entry itself so nothing is dropped.
type Recorder struct {
	sink    Sink
	log     *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan model.AuditEntry
	wg     sync.WaitGroup
}

func NewRecorder(sink Sink, log *zap.Logger, opts Options) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Recorder{sink: sink, log: log, timeout: opts.WriteTimeout}
	if r.timeout <= 0 {
		r.timeout = defaultWriteTimeout
	}
	if opts.Workers <= 0 {
		return r
	}
	size := opts.QueueSize
	if size <= 0 {
		size = 256
	}
	r.queue = make(chan model.AuditEntry, size)
	for i := 0; i < opts.Workers; i++ {
		r.wg.Add(1)
		go r.work()
	}
	return r
}

// Record stores e. It never blocks on a full queue and never returns an error.
// The entry ID is fixed here so a sink that retries or redelivers writes the
// same row.
func (r *Recorder) Record(ctx context.Context, e model.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	// The write must outlive the request that triggered it.
	ctx = context.WithoutCancel(ctx)

	r.mu.RLock()
	if r.queue != nil && !r.closed {
		select {
		case r.queue <- e:
			metrics.SetAuditQueueDepth(len(r.queue))
			r.mu.RUnlock()
			return
		default:
			metrics.AuditOutcome(metrics.AuditSyncFallback)
		}
	}
	r.mu.RUnlock()
	r.write(ctx, e)
}

// Close stops intake and waits for queued entries to be written or ctx to end.
// Entries recorded afterwards are written synchronously.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed || r.queue == nil {
		r.closed = true
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit drain: %w", ctx.Err())
	}
}

func (r *Recorder) work() {
	defer r.wg.Done()
	for e := range r.queue {
		metrics.SetAuditQueueDepth(len(r.queue))
		r.write(context.Background(), e)
	}
}

func (r *Recorder) write(ctx context.Context, e model.AuditEntry) {
	defer func() {
		if p := recover(); p != nil {
			metrics.AuditOutcome(metrics.AuditFailed)
			r.log.Error("audit sink panicked", zap.String("action", e.Action), zap.Any("panic", p))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.sink.Write(ctx, e); err != nil {
		metrics.AuditOutcome(metrics.AuditFailed)
		actor := ""
		if e.ActorID != nil {
			actor = *e.ActorID
		}
		r.log.Error("audit write failed",
			zap.Error(err),
			zap.String("action", e.Action),
			zap.String("actor_id", actor),
			zap.String("resource_type", e.ResourceType),
		)
		return
	}
	metrics.AuditOutcome(metrics.AuditWritten)
}
