package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// JobKind names a background task category.
type JobKind string

const (
	// JobDedup asks the merge worker to run post-ingestion dedup.
	JobDedup JobKind = "DEDUP"
	// JobValidate asks the validation sweep to check a piece.
	JobValidate JobKind = "VALIDATE"
	// JobExpiry asks the lifecycle sweep to consider expiring a
	// Developmental piece.
	JobExpiry JobKind = "EXPIRY"
)

// Job is one unit of queued background work, keyed by piece id.
//
// Queues are keyed on (kind, piece id), so re-enqueueing the same piece
// for the same kind overwrites rather than duplicates; workers act on
// current piece state, not a snapshot, which keeps re-runs idempotent.
type Job struct {
	PieceID    PieceID   `json:"pieceId"`
	Kind       JobKind   `json:"kind"`
	Scope      Scope     `json:"scope"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// WorkQueue is a durable queue for background jobs.
//
// Dequeue returns ErrNotFound when the queue is empty. Implementations
// must survive a crash between Enqueue and Dequeue (for the Badger
// variant) so a restarted worker can pick up where the old one stopped.
type WorkQueue interface {
	Enqueue(job *Job) error
	Dequeue() (*Job, error)
	Len() (int, error)
	Close() error
}

// MemoryQueue is an in-process WorkQueue for tests and the memory engine.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   map[string]*Job // key: kind \x00 pieceID
	order  []string
	closed bool
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string]*Job)}
}

func jobKeyString(kind JobKind, id PieceID) string {
	return string(kind) + "\x00" + string(id)
}

// Enqueue adds or refreshes a job. Duplicate (kind, piece) pairs collapse.
func (q *MemoryQueue) Enqueue(job *Job) error {
	if job == nil || job.PieceID == "" {
		return ErrInvalidID
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrStorageClosed
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	key := jobKeyString(job.Kind, job.PieceID)
	if _, exists := q.jobs[key]; !exists {
		q.order = append(q.order, key)
	}
	cp := *job
	q.jobs[key] = &cp
	return nil
}

// Dequeue pops the oldest job, or ErrNotFound when empty.
func (q *MemoryQueue) Dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrStorageClosed
	}
	for len(q.order) > 0 {
		key := q.order[0]
		q.order = q.order[1:]
		if job, ok := q.jobs[key]; ok {
			delete(q.jobs, key)
			return job, nil
		}
	}
	return nil, fmt.Errorf("queue empty: %w", ErrNotFound)
}

// Len returns the number of queued jobs.
func (q *MemoryQueue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, ErrStorageClosed
	}
	return len(q.jobs), nil
}

// Close marks the queue closed.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

// BadgerQueue is a durable WorkQueue stored in the same Badger database
// as the piece store. Jobs survive restarts; a crashed worker's jobs are
// simply dequeued again by its replacement.
type BadgerQueue struct {
	db *badger.DB
}

// NewBadgerQueue wraps a BadgerEngine's database as a durable queue.
func NewBadgerQueue(engine *BadgerEngine) *BadgerQueue {
	return &BadgerQueue{db: engine.db}
}

func queueKey(kind JobKind, id PieceID) []byte {
	k := []byte{prefixQueue}
	k = append(k, kind...)
	k = append(k, 0x00)
	return append(k, id...)
}

// Enqueue writes the job under its (kind, piece) key, collapsing
// duplicates.
func (q *BadgerQueue) Enqueue(job *Job) error {
	if job == nil || job.PieceID == "" {
		return ErrInvalidID
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", ErrInvalidData)
	}
	return wrapBadgerErr("enqueue", q.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(job.Kind, job.PieceID), data)
	}))
}

// Dequeue removes and returns the first job in key order.
func (q *BadgerQueue) Dequeue() (*Job, error) {
	var job *Job
	prefix := []byte{prefixQueue}

	err := q.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefix)
		if !it.ValidForPrefix(prefix) {
			return badger.ErrKeyNotFound
		}
		item := it.Item()
		var decoded Job
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &decoded)
		}); err != nil {
			return err
		}
		key := item.KeyCopy(nil)
		it.Close()
		if err := txn.Delete(key); err != nil {
			return err
		}
		job = &decoded
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, fmt.Errorf("queue empty: %w", ErrNotFound)
		}
		return nil, wrapBadgerErr("dequeue", err)
	}
	return job, nil
}

// Len counts queued jobs.
func (q *BadgerQueue) Len() (int, error) {
	count := 0
	prefix := []byte{prefixQueue}

	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if bytes.HasPrefix(it.Item().Key(), prefix) {
				count++
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrapBadgerErr("queue len", err)
	}
	return count, nil
}

// Close is a no-op; the engine owns the database lifecycle.
func (q *BadgerQueue) Close() error {
	return nil
}
