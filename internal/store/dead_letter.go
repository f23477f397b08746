package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"onepyme/internal/log"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

var ErrDeadLettersDisabled = errors.New("dead letter store not configured")

// DeadLetterStore appends dropped operations to the dead_letter table.
type DeadLetterStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewDeadLetterStore(dbURL string, logger *log.Logger) (*DeadLetterStore, error) {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		logger.Error("Failed to open postgres", zap.Error(err))
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	return &DeadLetterStore{db: db, logger: logger}, nil
}

func (s *DeadLetterStore) DB() *sql.DB {
	return s.db
}

func (s *DeadLetterStore) Close() error {
	return s.db.Close()
}

func (s *DeadLetterStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS dead_letter (
			id BIGSERIAL PRIMARY KEY,
			operation_id VARCHAR(64) NOT NULL,
			type VARCHAR(32) NOT NULL,
			action VARCHAR(16) NOT NULL,
			priority VARCHAR(16) NOT NULL,
			payload JSONB NOT NULL,
			last_error TEXT,
			retries INTEGER NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			dropped_at TIMESTAMP WITH TIME ZONE NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letter_dropped_at ON dead_letter (dropped_at);
	`)
	if err != nil {
		return fmt.Errorf("create dead_letter table: %w", err)
	}
	return nil
}

// Record stores op as dropped at droppedAt.
func (s *DeadLetterStore) Record(ctx context.Context, op PendingOperation, droppedAt time.Time) error {
	payload, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dead_letter (operation_id, type, action, priority, payload, last_error, retries, created_at, dropped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, op.ID, string(op.Type()), string(op.Action()), string(op.Priority), payload, op.LastError, op.RetryCount, op.CreatedAt, droppedAt)
	if err != nil {
		s.logger.Error("Failed to insert dead letter", zap.Error(err), zap.String("operation_id", op.ID))
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// List returns the most recently dropped operations first.
func (s *DeadLetterStore) List(ctx context.Context, limit int) ([]DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_id, type, action, priority, payload, last_error, retries, created_at, dropped_at
		FROM dead_letter
		ORDER BY dropped_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var items []DeadLetter
	for rows.Next() {
		var item DeadLetter
		var payload []byte
		if err := rows.Scan(&item.ID, &item.OperationID, &item.Type, &item.Action, &item.Priority, &payload,
			&item.LastError, &item.Retries, &item.CreatedAt, &item.DroppedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		item.Payload = json.RawMessage(payload)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return items, nil
}

// Delete removes one record; ErrNotFound when id does not exist.
func (s *DeadLetterStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letter WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.logger.Info("Deleted dead letter", zap.Int64("id", id))
	return nil
}
