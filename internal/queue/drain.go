package queue

import (
	"context"
	"fmt"
	"time"

	"onepyme/internal/notify"
	"onepyme/internal/operation"
	"onepyme/internal/retry"
	"onepyme/internal/store"

	"go.uber.org/zap"
)

// DrainResult summarizes one pass over the eligible operations.
type DrainResult struct {
	Attempted   int  `json:"attempted"`
	Delivered   int  `json:"delivered"`
	Rescheduled int  `json:"rescheduled"`
	Dropped     int  `json:"dropped"`
	Skipped     bool `json:"skipped,omitempty"`
	Offline     bool `json:"offline,omitempty"`
	// Interrupted is set when ctx ended the pass. The operation in flight at
	// that moment keeps its retry state and is attempted again later.
	Interrupted bool `json:"interrupted,omitempty"`
}

func (r DrainResult) Failed() int { return r.Rescheduled + r.Dropped }

// SubmitResult reports whether a submission was delivered right away or
// queued for later.
type SubmitResult struct {
	ID        string `json:"id,omitempty"`
	Delivered bool   `json:"delivered"`
	Queued    bool   `json:"queued"`
	Error     string `json:"error,omitempty"`
}

var typeLabels = map[operation.Type]string{
	operation.TypeInvoice:       "factura",
	operation.TypePurchaseOrder: "orden de compra",
	operation.TypePayment:       "pago",
	operation.TypeStockMovement: "movimiento de stock",
}

func typeLabel(t operation.Type) string {
	if l, ok := typeLabels[t]; ok {
		return l
	}
	return string(t)
}

// Trigger asks Run for a drain without waiting for it.
func (q *Queue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every trigger and on every tick of the drain interval while
// online, until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	q.logger.Info("Queue worker started", zap.Duration("interval", q.interval))
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Queue worker stopped")
			return
		case <-q.trigger:
			if q.conn.Online() {
				q.Drain(ctx)
			}
		case <-ticker.C:
			if q.conn.Online() && q.Len() > 0 {
				q.Drain(ctx)
			}
		}
	}
}

// Drain attempts every operation that is due, one at a time, in queue order.
// Only one drain runs at a time; a concurrent call returns Skipped. While
// offline nothing is attempted. Enqueues and Clear may happen during a drain:
// new operations wait for the next pass and cleared ones are not restored.
func (q *Queue) Drain(ctx context.Context) DrainResult {
	if !q.conn.Online() {
		return DrainResult{Offline: true}
	}

	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return DrainResult{Skipped: true}
	}
	q.draining = true
	now := q.clock.Now()
	var batch []store.PendingOperation
	for _, op := range q.ops {
		if op.Eligible(now) {
			batch = append(batch, op.Clone())
		}
	}
	q.mu.Unlock()

	start := time.Now()
	var res DrainResult
	for _, op := range batch {
		if ctx.Err() != nil {
			res.Interrupted = true
			break
		}
		res.Attempted++
		err := operation.Deliver(ctx, q.deliverer, op.Payload)
		if err != nil && ctx.Err() != nil {
			res.Interrupted = true
			q.logger.Info("Drain interrupted, operation left queued",
				zap.String("operation_id", op.ID),
				zap.Error(err))
			break
		}
		q.settle(ctx, op, err, &res)
	}

	finished := q.clock.Now()
	q.mu.Lock()
	q.draining = false
	q.stats.LastDrainAt = &finished
	last := res
	q.stats.LastDrain = &last
	depth := len(q.ops)
	q.mu.Unlock()

	q.observer.DrainCompleted(time.Since(start))
	q.observer.QueueDepth(depth)
	if res.Attempted > 0 {
		q.logger.Info("Drain finished",
			zap.Int("attempted", res.Attempted),
			zap.Int("delivered", res.Delivered),
			zap.Int("rescheduled", res.Rescheduled),
			zap.Int("dropped", res.Dropped),
			zap.Int("queued", depth))
	}
	return res
}

// settle applies the outcome of one attempt to the live copy of op. An
// operation removed while it was in flight is left removed.
func (q *Queue) settle(ctx context.Context, op store.PendingOperation, cause error, res *DrainResult) {
	now := q.clock.Now()

	q.mu.Lock()
	i := q.indexLocked(op.ID)
	if i < 0 {
		q.mu.Unlock()
		q.logger.Debug("Operation removed while in flight", zap.String("operation_id", op.ID))
		return
	}

	if cause == nil {
		q.removeLocked(i)
		q.stats.Delivered++
		res.Delivered++
		q.mu.Unlock()

		q.persist(ctx)
		q.observer.OperationDelivered(op.Type())
		q.logger.Info("Delivered operation",
			zap.String("operation_id", op.ID),
			zap.String("kind", op.Payload.Kind().String()))
		return
	}

	live := &q.ops[i]
	outcome := q.policy.Fail(live, cause, now)
	q.stats.FailedAttempts++
	var dropped store.PendingOperation
	var next time.Time
	if outcome == retry.Exhausted {
		dropped = live.Clone()
		q.removeLocked(i)
		q.stats.Dropped++
		res.Dropped++
	} else {
		next = *live.ScheduledAt
		res.Rescheduled++
	}
	q.mu.Unlock()

	q.persist(ctx)
	q.observer.OperationFailed(op.Type())

	if outcome == retry.Rescheduled {
		q.logger.Warn("Operation failed, rescheduled",
			zap.String("operation_id", op.ID),
			zap.String("kind", op.Payload.Kind().String()),
			zap.Error(cause),
			zap.Time("next_attempt", next))
		return
	}

	q.observer.OperationDropped(op.Type())
	q.logger.Error("Operation dropped after exhausting retries",
		zap.String("operation_id", op.ID),
		zap.String("kind", op.Payload.Kind().String()),
		zap.Int("max_retries", dropped.MaxRetries),
		zap.Error(cause))

	if q.deadLetters != nil {
		if err := q.deadLetters.Record(context.WithoutCancel(ctx), dropped, now); err != nil {
			q.logger.Error("Failed to record dead letter", zap.Error(err), zap.String("operation_id", op.ID))
		}
	}

	n := notify.New(notify.KindOperationDropped, notify.LevelError,
		fmt.Sprintf("La operación %s falló después de %d intentos", typeLabel(dropped.Type()), dropped.MaxRetries),
		now)
	n.OperationID = dropped.ID
	n.OperationType = string(dropped.Type())
	n.RetryCount = dropped.RetryCount
	q.notifier.Notify(ctx, n)
}

// Submit delivers payload directly when online and queues it otherwise, or
// when the direct attempt fails. A failed attempt is recorded as the queued
// operation's last error without spending a retry.
func (q *Queue) Submit(ctx context.Context, payload operation.Payload, opts ...Option) SubmitResult {
	if payload == nil {
		return SubmitResult{Error: "missing payload"}
	}
	var attemptErr string
	if q.conn.Online() {
		err := operation.Deliver(ctx, q.deliverer, payload)
		if err == nil {
			q.mu.Lock()
			q.stats.Delivered++
			q.mu.Unlock()
			q.observer.OperationDelivered(payload.Kind().Type)
			q.logger.Info("Delivered operation directly", zap.String("kind", payload.Kind().String()))
			return SubmitResult{Delivered: true}
		}
		q.logger.Warn("Direct delivery failed, queueing",
			zap.String("kind", payload.Kind().String()),
			zap.Error(err))
		if ctx.Err() == nil {
			attemptErr = err.Error()
			opts = append(opts[:len(opts):len(opts)], withLastError(attemptErr))
		}
	}
	return SubmitResult{ID: q.Enqueue(ctx, payload, opts...), Queued: true, Error: attemptErr}
}

// SyncNow drains on demand and announces a fully successful sync.
func (q *Queue) SyncNow(ctx context.Context) DrainResult {
	res := q.Drain(ctx)
	if !res.Skipped && !res.Interrupted && res.Delivered > 0 && res.Failed() == 0 {
		q.notifier.Notify(ctx, notify.New(notify.KindSyncCompleted, notify.LevelSuccess,
			fmt.Sprintf("Sincronización completada: %d operaciones enviadas", res.Delivered),
			q.clock.Now()))
	}
	return res
}

// RetryFailedNow clears the failure state of every operation that failed
// before and drains immediately.
func (q *Queue) RetryFailedNow(ctx context.Context) DrainResult {
	q.mu.Lock()
	reset := 0
	for i := range q.ops {
		if q.ops[i].RetryCount > 0 || q.ops[i].LastError != nil {
			q.policy.Reset(&q.ops[i])
			reset++
		}
	}
	q.mu.Unlock()

	if reset == 0 {
		q.notifier.Notify(ctx, notify.New(notify.KindNoFailedOperations, notify.LevelInfo,
			"No hay operaciones fallidas para reintentar", q.clock.Now()))
		return DrainResult{}
	}

	q.persist(ctx)
	q.logger.Info("Reset failed operations", zap.Int("count", reset))
	return q.SyncNow(ctx)
}

// Refresh syncs and then tells listeners to reload their data.
func (q *Queue) Refresh(ctx context.Context) DrainResult {
	res := q.SyncNow(ctx)
	q.notifier.Notify(ctx, notify.New(notify.KindDataRefreshed, notify.LevelInfo, "Datos actualizados", q.clock.Now()))
	return res
}
