package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	SubjectDispatch   = "sms.dispatch"
	SubjectSend       = "sms.send"
	SubjectDeadLetter = "sms.dead_letter"

	// Workers join one queue group so each job is delivered to exactly one
	// worker.
	workerGroup = "sms_queue"
)

type Queue struct {
	conn   *nats.Conn
	logger *zap.Logger
}

func NewQueue(natsURL string, logger *zap.Logger) (*Queue, error) {
	opts := []nats.Option{
		nats.Name("twillow"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Queue{conn: conn, logger: logger}, nil
}

func (q *Queue) Close() error {
	q.conn.Close()
	return nil
}

func (q *Queue) HealthCheck(ctx context.Context) error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", q.conn.Status())
	}
	return nil
}

// PublishDispatch enqueues a dispatch job for immediate processing.
func (q *Queue) PublishDispatch(ctx context.Context, job DispatchJob) error {
	data, err := job.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch job: %w", err)
	}

	if err := q.conn.Publish(SubjectDispatch, data); err != nil {
		return fmt.Errorf("failed to publish dispatch job: %w", err)
	}

	q.logger.Debug("published dispatch job",
		zap.String("message_id", job.MessageID),
		zap.Int64("request_id", job.RequestID),
		zap.Int("attempt", job.Attempt))

	return nil
}

// PublishSend enqueues a send job for a provider already chosen by dispatch.
func (q *Queue) PublishSend(ctx context.Context, job SendJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal send job: %w", err)
	}

	if err := q.conn.Publish(SubjectSend, data); err != nil {
		return fmt.Errorf("failed to publish send job: %w", err)
	}

	q.logger.Debug("published send job",
		zap.String("message_id", job.MessageID),
		zap.String("provider", job.ProviderID),
		zap.Int("attempt", job.Attempt))

	return nil
}

// NotifyDeadLetter broadcasts a dead-letter event for monitoring consumers.
// The durable record lives in the redis dead-letter list; this is fan-out
// only.
func (q *Queue) NotifyDeadLetter(ctx context.Context, requestID int64, reason string) error {
	payload := map[string]interface{}{
		"request_id": requestID,
		"reason":     reason,
		"timestamp":  time.Now().UTC(),
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter event: %w", err)
	}

	if err := q.conn.Publish(SubjectDeadLetter, data); err != nil {
		return fmt.Errorf("failed to publish dead letter event: %w", err)
	}

	q.logger.Warn("published dead letter event",
		zap.Int64("request_id", requestID),
		zap.String("reason", reason))

	return nil
}

// SubscribeDispatch delivers dispatch jobs to the handler. Workers share the
// queue group, so a job goes to one worker only.
func (q *Queue) SubscribeDispatch(handler func(job DispatchJob) error) (*nats.Subscription, error) {
	return q.conn.QueueSubscribe(SubjectDispatch, workerGroup, func(msg *nats.Msg) {
		job, err := DecodeDispatchJob(msg.Data)
		if err != nil {
			q.logger.Error("failed to unmarshal dispatch job", zap.Error(err))
			return
		}

		if err := handler(job); err != nil {
			q.logger.Error("failed to handle dispatch job",
				zap.String("message_id", job.MessageID),
				zap.Error(err))
		}
	})
}

// SubscribeSend delivers send jobs to the handler under the worker queue
// group.
func (q *Queue) SubscribeSend(handler func(job SendJob) error) (*nats.Subscription, error) {
	return q.conn.QueueSubscribe(SubjectSend, workerGroup, func(msg *nats.Msg) {
		var job SendJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.logger.Error("failed to unmarshal send job", zap.Error(err))
			return
		}

		if err := handler(job); err != nil {
			q.logger.Error("failed to handle send job",
				zap.String("message_id", job.MessageID),
				zap.Error(err))
		}
	})
}

// SubscribeDeadLetter delivers dead-letter notifications. Plain subscribe,
// not queue-grouped: every monitor sees every event.
func (q *Queue) SubscribeDeadLetter(handler func(requestID int64, reason string, at time.Time)) (*nats.Subscription, error) {
	return q.conn.Subscribe(SubjectDeadLetter, func(msg *nats.Msg) {
		var payload struct {
			RequestID int64     `json:"request_id"`
			Reason    string    `json:"reason"`
			Timestamp time.Time `json:"timestamp"`
		}
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			q.logger.Error("failed to unmarshal dead letter event", zap.Error(err))
			return
		}
		handler(payload.RequestID, payload.Reason, payload.Timestamp)
	})
}
