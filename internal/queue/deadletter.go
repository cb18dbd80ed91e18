package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"twillow/internal/kv"
)

const deadLetterKey = "dead_letter_queue"

// DeadLetterEntry is one permanently failed request.
type DeadLetterEntry struct {
	RequestID int64  `json:"request_id"`
	Reason    string `json:"reason"`
}

// DeadLetter is the durable dead-letter record, a redis list. The NATS
// notification in Queue.NotifyDeadLetter is best effort; this list is the
// source of truth.
type DeadLetter struct {
	store  kv.Store
	logger *zap.Logger
}

func NewDeadLetter(store kv.Store, logger *zap.Logger) *DeadLetter {
	return &DeadLetter{store: store, logger: logger}
}

// Push appends a request to the dead-letter list.
func (d *DeadLetter) Push(ctx context.Context, requestID int64, reason string) error {
	entry := DeadLetterEntry{RequestID: requestID, Reason: reason}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter entry: %w", err)
	}

	if err := d.store.LPush(ctx, deadLetterKey, string(data)); err != nil {
		return fmt.Errorf("failed to push dead letter entry: %w", err)
	}

	d.logger.Warn("request dead lettered",
		zap.Int64("request_id", requestID),
		zap.String("reason", reason))

	return nil
}

// Entries returns the most recent dead-letter entries, newest first.
func (d *DeadLetter) Entries(ctx context.Context, limit int64) ([]DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	raw, err := d.store.LRange(ctx, deadLetterKey, 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letter entries: %w", err)
	}

	entries := make([]DeadLetterEntry, 0, len(raw))
	for _, item := range raw {
		var e DeadLetterEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			d.logger.Error("skipping malformed dead letter entry", zap.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Len returns the dead-letter list depth.
func (d *DeadLetter) Len(ctx context.Context) (int64, error) {
	return d.store.LLen(ctx, deadLetterKey)
}
