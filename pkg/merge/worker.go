package merge

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/orneryd/munin/pkg/storage"
)

// JobHandler processes one queued background job.
type JobHandler func(ctx context.Context, job *storage.Job) error

// Worker drains the durable work queue in the background.
//
// Jobs are dispatched by kind to registered handlers. The queue collapses
// duplicate (kind, piece id) entries and every handler acts on current
// piece state, so the worker is safe to restart from scratch after a
// crash: at worst it re-examines a piece that was already resolved and
// finds nothing to do.
//
// A handler error leaves the job consumed. That is deliberate: handlers
// fail either permanently (the piece is gone) or transiently (a backend
// is down), and in the transient case the next sweep re-enqueues the
// piece anyway.
type Worker struct {
	queue    storage.WorkQueue
	handlers map[storage.JobKind]JobHandler
	interval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DefaultWorkerInterval is the queue poll interval.
const DefaultWorkerInterval = 5 * time.Second

// NewWorker creates a worker polling queue every interval. A
// non-positive interval uses DefaultWorkerInterval.
func NewWorker(queue storage.WorkQueue, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultWorkerInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:    queue,
		handlers: make(map[storage.JobKind]JobHandler),
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Handle registers the handler for a job kind. Must be called before
// Start.
func (w *Worker) Handle(kind storage.JobKind, h JobHandler) {
	w.handlers[kind] = h
}

// Start launches the polling loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-ticker.C:
				w.Drain(w.ctx)
			}
		}
	}()
}

// Drain processes queued jobs until the queue is empty or ctx is
// cancelled. Exposed for tests and for synchronous catch-up at startup.
func (w *Worker) Drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.queue.Dequeue()
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				log.Printf("worker: dequeue failed: %v", err)
			}
			return
		}
		handler, ok := w.handlers[job.Kind]
		if !ok {
			log.Printf("worker: no handler for job kind %s, dropping piece %s", job.Kind, job.PieceID)
			continue
		}
		if err := handler(ctx, job); err != nil {
			log.Printf("worker: %s job for piece %s failed: %v", job.Kind, job.PieceID, err)
		}
	}
}

// Stop cancels the polling loop and waits for it to finish.
func (w *Worker) Stop() {
	w.cancel()
	w.wg.Wait()
}
