package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"twillow/internal/observability"
	"twillow/internal/queue"
	"twillow/internal/retry"
	"twillow/internal/store"
)

// Outcome labels what the sender did with a job.
type Outcome string

const (
	OutcomeDelivered      Outcome = "delivered"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
	OutcomeDropped        Outcome = "dropped"
)

const deadLetterReason = "Max retries exceeded"

// HealthRecorder records send outcomes into the sliding health window.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context, providerID string) error
	RecordFailure(ctx context.Context, providerID string) error
}

// RetryScheduler schedules a dispatch job for a future run.
type RetryScheduler interface {
	ScheduleDispatch(ctx context.Context, job queue.DispatchJob, runAt time.Time) error
}

// DeadLetterSink records permanently failed requests.
type DeadLetterSink interface {
	Push(ctx context.Context, requestID int64, reason string) error
}

// DeadLetterNotifier broadcasts dead-letter events. Best effort.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, requestID int64, reason string) error
}

type Sender struct {
	client     *http.Client
	store      RequestStore
	health     HealthRecorder
	policy     *retry.Policy
	scheduler  RetryScheduler
	dispatcher queue.DispatchPublisher
	deadLetter DeadLetterSink
	notifier   DeadLetterNotifier
	metrics    *observability.Metrics
	logger     *zap.Logger

	now func() time.Time
}

func NewSender(
	st RequestStore,
	health HealthRecorder,
	policy *retry.Policy,
	scheduler RetryScheduler,
	dispatcher queue.DispatchPublisher,
	deadLetter DeadLetterSink,
	notifier DeadLetterNotifier,
	metrics *observability.Metrics,
	sendTimeout time.Duration,
	logger *zap.Logger,
) *Sender {
	return &Sender{
		client:     &http.Client{Timeout: sendTimeout},
		store:      st,
		health:     health,
		policy:     policy,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		deadLetter: deadLetter,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger,
		now:        time.Now,
	}
}

type providerPayload struct {
	Phone string `json:"phone"`
	Text  string `json:"text"`
}

// HandleSend performs one upstream delivery attempt and settles the request:
// completed on any 2xx, a scheduled retry while attempts remain, and a
// dead-letter record once they run out.
func (s *Sender) HandleSend(ctx context.Context, job queue.SendJob) (Outcome, error) {
	body, statusCode, sendErr := s.post(ctx, job.URL, providerPayload{Phone: job.Phone, Text: job.Text})

	if sendErr == nil && statusCode >= 200 && statusCode < 300 {
		return s.succeed(ctx, job, body, statusCode)
	}

	errMsg := fmt.Sprintf("provider returned status %d", statusCode)
	if sendErr != nil {
		errMsg = sendErr.Error()
	}
	return s.fail(ctx, job, body, statusCode, errMsg)
}

// post performs the upstream call. Transport failures are mapped onto
// synthesized status codes: 408 for timeouts, 500 for everything else, so the
// response record always carries a code.
func (s *Sender) post(ctx context.Context, url string, payload providerPayload) (string, int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("failed to marshal provider payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("failed to build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", http.StatusRequestTimeout, fmt.Errorf("provider request timed out: %w", err)
		}
		return "", http.StatusInternalServerError, fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return "", http.StatusInternalServerError, fmt.Errorf("failed to read provider response: %w", err)
	}

	return string(body), resp.StatusCode, nil
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (s *Sender) succeed(ctx context.Context, job queue.SendJob, body string, statusCode int) (Outcome, error) {
	if err := s.store.CreateResponse(ctx, job.RequestID, body, statusCode); err != nil {
		s.logger.Error("failed to record provider response",
			zap.Int64("request_id", job.RequestID), zap.Error(err))
	}

	if err := s.health.RecordSuccess(ctx, job.ProviderID); err != nil {
		s.logger.Error("failed to record health success",
			zap.String("provider", job.ProviderID), zap.Error(err))
	}
	if err := s.store.RecordProviderResult(ctx, job.ProviderID, true); err != nil {
		s.logger.Error("failed to update provider summary",
			zap.String("provider", job.ProviderID), zap.Error(err))
	}

	if err := s.store.UpdateRequestStatus(ctx, job.RequestID, store.StatusCompleted, &job.ProviderID); err != nil {
		return OutcomeDelivered, fmt.Errorf("failed to mark request completed: %w", err)
	}

	s.metrics.SendsTotal.WithLabelValues(job.ProviderID, string(OutcomeDelivered)).Inc()

	s.logger.Info("request delivered",
		zap.String("message_id", job.MessageID),
		zap.Int64("request_id", job.RequestID),
		zap.String("provider", job.ProviderID),
		zap.Int("attempt", job.Attempt),
		zap.Int("status_code", statusCode))

	return OutcomeDelivered, nil
}

func (s *Sender) fail(ctx context.Context, job queue.SendJob, body string, statusCode int, errMsg string) (Outcome, error) {
	if err := s.store.CreateResponse(ctx, job.RequestID, body, statusCode); err != nil {
		s.logger.Error("failed to record provider response",
			zap.Int64("request_id", job.RequestID), zap.Error(err))
	}

	if err := s.health.RecordFailure(ctx, job.ProviderID); err != nil {
		s.logger.Error("failed to record health failure",
			zap.String("provider", job.ProviderID), zap.Error(err))
	}
	if err := s.store.RecordProviderResult(ctx, job.ProviderID, false); err != nil {
		s.logger.Error("failed to update provider summary",
			zap.String("provider", job.ProviderID), zap.Error(err))
	}

	s.metrics.SendsTotal.WithLabelValues(job.ProviderID, "failed").Inc()

	s.logger.Warn("send attempt failed",
		zap.String("message_id", job.MessageID),
		zap.Int64("request_id", job.RequestID),
		zap.String("provider", job.ProviderID),
		zap.Int("attempt", job.Attempt),
		zap.Int("status_code", statusCode),
		zap.String("error", errMsg))

	failed := appendProvider(job.Excluded, job.ProviderID)

	if !s.policy.ShouldRetry(job.Attempt) {
		return s.exhaust(ctx, job, failed)
	}
	return s.scheduleRetry(ctx, job, failed, errMsg)
}

func (s *Sender) scheduleRetry(ctx context.Context, job queue.SendJob, failed []string, errMsg string) (Outcome, error) {
	nextAttempt := job.Attempt + 1
	delay := s.policy.Backoff(job.Attempt)
	delaySeconds := int(delay.Round(time.Second).Seconds())

	if err := s.store.CreateRetry(ctx, job.RequestID, nextAttempt, job.ProviderID, errMsg, delaySeconds); err != nil {
		s.logger.Error("failed to record retry attempt",
			zap.Int64("request_id", job.RequestID), zap.Error(err))
	}

	if err := s.store.UpdateRequestRetryState(ctx, job.RequestID, nextAttempt, failed, false); err != nil {
		return OutcomeRetryScheduled, fmt.Errorf("failed to mark request retrying: %w", err)
	}

	dispatchJob := queue.DispatchJob{
		MessageID: job.MessageID,
		RequestID: job.RequestID,
		Phone:     job.Phone,
		Text:      job.Text,
		Excluded:  failed,
		Attempt:   nextAttempt,
	}

	runAt := s.now().Add(delay)
	if err := s.scheduler.ScheduleDispatch(ctx, dispatchJob, runAt); err != nil {
		// The schedule store is down; retrying now beats losing the request.
		s.logger.Error("failed to schedule retry, dispatching immediately",
			zap.Int64("request_id", job.RequestID), zap.Error(err))
		if err := s.dispatcher.PublishDispatch(ctx, dispatchJob); err != nil {
			return OutcomeDropped, fmt.Errorf("failed to dispatch retry for request %d: %w", job.RequestID, err)
		}
	}

	s.metrics.RetriesScheduledTotal.WithLabelValues(job.ProviderID).Inc()

	s.logger.Info("retry scheduled",
		zap.String("message_id", job.MessageID),
		zap.Int64("request_id", job.RequestID),
		zap.Int("attempt", nextAttempt),
		zap.Duration("delay", delay),
		zap.Strings("excluded", failed))

	return OutcomeRetryScheduled, nil
}

func (s *Sender) exhaust(ctx context.Context, job queue.SendJob, failed []string) (Outcome, error) {
	if err := s.store.UpdateRequestRetryState(ctx, job.RequestID, job.Attempt, failed, true); err != nil {
		s.logger.Error("failed to mark request permanently failed",
			zap.Int64("request_id", job.RequestID), zap.Error(err))
	}

	if err := s.deadLetter.Push(ctx, job.RequestID, deadLetterReason); err != nil {
		return OutcomeDeadLettered, fmt.Errorf("failed to dead letter request %d: %w", job.RequestID, err)
	}

	if err := s.notifier.NotifyDeadLetter(ctx, job.RequestID, deadLetterReason); err != nil {
		s.logger.Error("failed to notify dead letter event",
			zap.Int64("request_id", job.RequestID), zap.Error(err))
	}

	s.metrics.DeadLetteredTotal.Inc()

	s.logger.Error("request permanently failed",
		zap.String("message_id", job.MessageID),
		zap.Int64("request_id", job.RequestID),
		zap.Int("attempt", job.Attempt),
		zap.Strings("failed_providers", failed))

	return OutcomeDeadLettered, nil
}

func appendProvider(existing []string, provider string) []string {
	for _, p := range existing {
		if p == provider {
			return existing
		}
	}
	out := make([]string, 0, len(existing)+1)
	out = append(out, existing...)
	return append(out, provider)
}
