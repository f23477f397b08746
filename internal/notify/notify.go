// Package notify delivers user-facing notifications and the "data refreshed"
// signal to whoever listens: in-process subscribers, Redis pub/sub and the log.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"onepyme/internal/log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Kind string

const (
	KindOperationDropped   Kind = "operation_dropped"
	KindNoFailedOperations Kind = "no_failed_operations"
	KindSyncCompleted      Kind = "sync_completed"
	KindDataRefreshed      Kind = "data_refreshed"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

type Notification struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	Level         Level     `json:"level"`
	Message       string    `json:"message"`
	OperationID   string    `json:"operation_id,omitempty"`
	OperationType string    `json:"operation_type,omitempty"`
	RetryCount    int       `json:"retry_count,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// New stamps a notification with a fresh id.
func New(kind Kind, level Level, message string, at time.Time) Notification {
	return Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Level:     level,
		Message:   message,
		CreatedAt: at,
	}
}

// Notifier emits a notification immediately. Implementations must not block
// on slow consumers.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// Hub fans notifications out to in-process subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[chan Notification]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{subs: make(map[chan Notification]struct{}), buffer: buffer}
}

// Subscribe returns a channel of notifications and the function that ends the
// subscription. A subscriber whose buffer is full misses notifications.
func (h *Hub) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Notify(_ context.Context, n Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// RedisPublisher publishes notifications as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *log.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, logger *log.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

func (p *RedisPublisher) Notify(ctx context.Context, n Notification) {
	data, err := json.Marshal(n)
	if err != nil {
		p.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		p.logger.Error("Failed to publish notification", zap.Error(err), zap.String("kind", string(n.Kind)))
	}
}

// LogNotifier writes notifications to the service log.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) {
	fields := []zap.Field{
		zap.String("kind", string(n.Kind)),
		zap.String("message", n.Message),
	}
	if n.OperationID != "" {
		fields = append(fields, zap.String("operation_id", n.OperationID), zap.String("operation_type", n.OperationType))
	}
	if n.Level == LevelError {
		l.logger.Warn("Notification", fields...)
		return
	}
	l.logger.Info("Notification", fields...)
}

// Multi sends every notification to each notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) {
	for _, notifier := range m {
		notifier.Notify(ctx, n)
	}
}
