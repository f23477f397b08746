// Package queue buffers business mutations while the workflow engine is not
// reachable and replays them, in priority order, with bounded retries.
//
// A Queue owns both the in-memory list and its durable copy. Every change to
// the list is written through Storage before the operation is scheduled, and
// operations that reach a terminal outcome (delivered or dropped) are removed
// from storage right away. Delivery is at-least-once: an operation that was
// in flight when the process died is attempted again after the next Load.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"onepyme/internal/id"
	"onepyme/internal/log"
	"onepyme/internal/notify"
	"onepyme/internal/operation"
	"onepyme/internal/retry"
	"onepyme/internal/store"

	"go.uber.org/zap"
)

const (
	DefaultMaxRetries    = 3
	DefaultDrainInterval = 10 * time.Second
)

type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock reads the wall clock.
func SystemClock() Clock { return systemClock{} }

// Storage is the durable copy of the queue.
type Storage interface {
	Load(ctx context.Context) ([]store.PendingOperation, error)
	Save(ctx context.Context, ops []store.PendingOperation) error
	Clear(ctx context.Context) error
}

type Connectivity interface {
	Online() bool
}

type alwaysOnline struct{}

func (alwaysOnline) Online() bool { return true }

// DeadLetters receives operations dropped after exhausting their retries.
type DeadLetters interface {
	Record(ctx context.Context, op store.PendingOperation, droppedAt time.Time) error
}

// Observer is told about every transition, for metrics.
type Observer interface {
	OperationEnqueued(t operation.Type)
	OperationDelivered(t operation.Type)
	OperationFailed(t operation.Type)
	OperationDropped(t operation.Type)
	QueueDepth(n int)
	DrainCompleted(d time.Duration)
}

type nopObserver struct{}

func (nopObserver) OperationEnqueued(operation.Type)  {}
func (nopObserver) OperationDelivered(operation.Type) {}
func (nopObserver) OperationFailed(operation.Type)    {}
func (nopObserver) OperationDropped(operation.Type)   {}
func (nopObserver) QueueDepth(int)                    {}
func (nopObserver) DrainCompleted(time.Duration)      {}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notify.Notification) {}

type IDGenerator interface {
	NewID() string
}

// idObserver is implemented by generators that must issue ids after the ones
// already stored.
type idObserver interface {
	Observe(id string)
}

// Config carries the dependencies of a Queue. Deliverer and Storage are
// required; everything else has a usable default.
type Config struct {
	Deliverer    operation.Deliverer
	Storage      Storage
	Clock        Clock
	Connectivity Connectivity
	Notifier     notify.Notifier
	DeadLetters  DeadLetters
	Observer     Observer
	Policy       retry.Policy
	IDs          IDGenerator
	// MaxRetries applies to operations enqueued without WithMaxRetries.
	// Zero means DefaultMaxRetries.
	MaxRetries    int
	DrainInterval time.Duration
	Logger        *log.Logger
}

type Queue struct {
	deliverer   operation.Deliverer
	storage     Storage
	clock       Clock
	conn        Connectivity
	notifier    notify.Notifier
	deadLetters DeadLetters
	observer    Observer
	policy      retry.Policy
	ids         IDGenerator
	maxRetries  int
	interval    time.Duration
	logger      *log.Logger

	// persistMu serializes writes to storage so the last write always carries
	// the latest list.
	persistMu sync.Mutex

	mu       sync.Mutex
	ops      []store.PendingOperation
	draining bool
	stats    Stats

	trigger chan struct{}
}

// Stats aggregates the queue state and its delivery history.
type Stats struct {
	Pending        int          `json:"pending"`
	Failing        int          `json:"failing"`
	Scheduled      int          `json:"scheduled"`
	Delivered      int64        `json:"delivered"`
	FailedAttempts int64        `json:"failed_attempts"`
	Dropped        int64        `json:"dropped"`
	Draining       bool         `json:"draining"`
	Online         bool         `json:"online"`
	LastDrainAt    *time.Time   `json:"last_drain_at,omitempty"`
	LastDrain      *DrainResult `json:"last_drain,omitempty"`
}

func New(cfg Config) (*Queue, error) {
	if cfg.Deliverer == nil {
		return nil, errors.New("queue: deliverer is required")
	}
	if cfg.Storage == nil {
		return nil, errors.New("queue: storage is required")
	}
	q := &Queue{
		deliverer:   cfg.Deliverer,
		storage:     cfg.Storage,
		clock:       cfg.Clock,
		conn:        cfg.Connectivity,
		notifier:    cfg.Notifier,
		deadLetters: cfg.DeadLetters,
		observer:    cfg.Observer,
		policy:      cfg.Policy,
		ids:         cfg.IDs,
		maxRetries:  cfg.MaxRetries,
		interval:    cfg.DrainInterval,
		logger:      cfg.Logger,
		trigger:     make(chan struct{}, 1),
	}
	if q.clock == nil {
		q.clock = SystemClock()
	}
	if q.conn == nil {
		q.conn = alwaysOnline{}
	}
	if q.notifier == nil {
		q.notifier = nopNotifier{}
	}
	if q.observer == nil {
		q.observer = nopObserver{}
	}
	if q.policy.Base <= 0 {
		q.policy.Base = time.Second
	}
	if q.ids == nil {
		node, err := id.NewNode(0)
		if err != nil {
			return nil, err
		}
		q.ids = node
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.interval <= 0 {
		q.interval = DefaultDrainInterval
	}
	if q.logger == nil {
		q.logger = log.NewNop()
	}
	return q, nil
}

type enqueueOptions struct {
	priority    operation.Priority
	maxRetries  int
	scheduledAt *time.Time
	lastError   *string
}

type Option func(*enqueueOptions)

// WithPriority sets the priority band; unknown values fall back to medium.
func WithPriority(p operation.Priority) Option {
	return func(o *enqueueOptions) { o.priority = p }
}

// WithMaxRetries overrides the retry budget. Zero means a single attempt;
// negative values are ignored.
func WithMaxRetries(n int) Option {
	return func(o *enqueueOptions) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithScheduledAt defers the first attempt until t.
func WithScheduledAt(t time.Time) Option {
	return func(o *enqueueOptions) { o.scheduledAt = &t }
}

func withLastError(msg string) Option {
	return func(o *enqueueOptions) { o.lastError = &msg }
}

// Load merges the durable copy into memory. Unreadable or corrupt content is
// discarded and the queue starts from what is already in memory. It returns
// the resulting queue length.
func (q *Queue) Load(ctx context.Context) int {
	loaded, err := q.storage.Load(ctx)
	if err != nil {
		q.logger.Error("Discarding unreadable pending operations", zap.Error(err))
		loaded = nil
	}

	if o, ok := q.ids.(idObserver); ok {
		for _, op := range loaded {
			o.Observe(op.ID)
		}
	}

	q.mu.Lock()
	existing := q.ops
	seen := make(map[string]bool, len(loaded))
	for _, op := range loaded {
		seen[op.ID] = true
	}
	merged := append([]store.PendingOperation(nil), loaded...)
	for _, op := range existing {
		if !seen[op.ID] {
			merged = append(merged, op)
		}
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Priority.Rank() > merged[j].Priority.Rank()
	})
	q.ops = merged
	n := len(q.ops)
	q.mu.Unlock()

	if len(existing) > 0 {
		q.persist(ctx)
	}
	q.observer.QueueDepth(n)
	q.logger.Info("Loaded pending operations", zap.Int("count", len(loaded)), zap.Int("queued", n))
	return n
}

// Enqueue stores payload for delivery and returns its id. It never fails:
// a storage error is logged and the operation stays queued in memory.
// When online and no drain is running, a drain is triggered.
func (q *Queue) Enqueue(ctx context.Context, payload operation.Payload, opts ...Option) string {
	if payload == nil {
		q.logger.Error("Ignoring enqueue without payload")
		return ""
	}
	o := enqueueOptions{priority: operation.PriorityMedium, maxRetries: q.maxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	if !o.priority.Valid() {
		o.priority = operation.PriorityMedium
	}

	op := store.PendingOperation{
		ID:          q.ids.NewID(),
		Payload:     payload,
		Priority:    o.priority,
		CreatedAt:   q.clock.Now(),
		MaxRetries:  o.maxRetries,
		LastError:   o.lastError,
		ScheduledAt: o.scheduledAt,
	}

	q.mu.Lock()
	q.insertLocked(op)
	depth := len(q.ops)
	draining := q.draining
	q.mu.Unlock()

	q.persist(ctx)
	q.observer.OperationEnqueued(op.Type())
	q.observer.QueueDepth(depth)
	q.logger.Info("Enqueued operation",
		zap.String("operation_id", op.ID),
		zap.String("kind", payload.Kind().String()),
		zap.String("priority", string(op.Priority)),
		zap.Int("queued", depth))

	if q.conn.Online() && !draining {
		q.Trigger()
	}
	return op.ID
}

// insertLocked places op after every operation of equal or higher priority.
func (q *Queue) insertLocked(op store.PendingOperation) {
	rank := op.Priority.Rank()
	i := sort.Search(len(q.ops), func(i int) bool {
		return q.ops[i].Priority.Rank() < rank
	})
	q.ops = append(q.ops, store.PendingOperation{})
	copy(q.ops[i+1:], q.ops[i:])
	q.ops[i] = op
}

func (q *Queue) indexLocked(id string) int {
	for i := range q.ops {
		if q.ops[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeLocked(i int) {
	q.ops = append(q.ops[:i], q.ops[i+1:]...)
}

// persist writes the current list. Failures are logged only.
func (q *Queue) persist(ctx context.Context) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	snapshot := q.snapshotLocked()
	q.mu.Unlock()

	if err := q.storage.Save(context.WithoutCancel(ctx), snapshot); err != nil {
		q.logger.Error("Failed to persist pending operations", zap.Error(err), zap.Int("count", len(snapshot)))
	}
}

func (q *Queue) snapshotLocked() []store.PendingOperation {
	out := make([]store.PendingOperation, len(q.ops))
	for i, op := range q.ops {
		out[i] = op.Clone()
	}
	return out
}

// Clear drops every pending operation and erases the durable copy.
func (q *Queue) Clear(ctx context.Context) {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	n := len(q.ops)
	q.ops = nil
	q.mu.Unlock()

	if err := q.storage.Clear(context.WithoutCancel(ctx)); err != nil {
		q.logger.Error("Failed to clear stored operations", zap.Error(err))
	}
	q.observer.QueueDepth(0)
	q.logger.Info("Cleared pending operations", zap.Int("count", n))
}

// List returns copies of the queued operations in processing order.
func (q *Queue) List() []store.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshotLocked()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

func (q *Queue) Stats() Stats {
	online := q.conn.Online()
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.ops)
	s.Draining = q.draining
	s.Online = online
	for _, op := range q.ops {
		if op.RetryCount > 0 {
			s.Failing++
		}
		if !op.Eligible(now) {
			s.Scheduled++
		}
	}
	if s.LastDrainAt != nil {
		t := *s.LastDrainAt
		s.LastDrainAt = &t
	}
	if s.LastDrain != nil {
		r := *s.LastDrain
		s.LastDrain = &r
	}
	return s
}
