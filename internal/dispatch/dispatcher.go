// Package dispatch is the worker-side pipeline: a dispatcher stage that picks
// a provider for each request, and a sender stage that performs the upstream
// call and decides between completion, retry, and dead-lettering.
package dispatch

import (
	"context"

	"go.uber.org/zap"

	"twillow/internal/distribution"
	"twillow/internal/observability"
	"twillow/internal/queue"
	"twillow/internal/store"
)

// ProviderSelector picks a provider for one dispatch.
type ProviderSelector interface {
	Select(ctx context.Context, excluded map[string]struct{}) (distribution.Selection, bool)
}

// RequestStore is the persistence surface the pipeline needs.
type RequestStore interface {
	UpdateRequestStatus(ctx context.Context, id int64, status store.Status, providerUsed *string) error
	UpdateRequestRetryState(ctx context.Context, id int64, retryCount int, failedProviders []string, permanentlyFailed bool) error
	CreateResponse(ctx context.Context, requestID int64, responseData string, statusCode int) error
	CreateRetry(ctx context.Context, requestID int64, attemptNumber int, providerUsed, errorMessage string, delaySeconds int) error
	RecordProviderResult(ctx context.Context, providerName string, success bool) error
}

// SendPublisher hands chosen work to the send stage.
type SendPublisher interface {
	PublishSend(ctx context.Context, job queue.SendJob) error
}

type Dispatcher struct {
	selector  ProviderSelector
	store     RequestStore
	publisher SendPublisher
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewDispatcher(
	selector ProviderSelector,
	st RequestStore,
	publisher SendPublisher,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		selector:  selector,
		store:     st,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleDispatch picks a provider for the job and enqueues the send. When no
// provider is available the job is dropped and the request stays in
// processing.
//
// TODO: add a supervisor sweep that re-enqueues requests stuck in processing
// after selection came up empty.
func (d *Dispatcher) HandleDispatch(ctx context.Context, job queue.DispatchJob) error {
	excluded := make(map[string]struct{}, len(job.Excluded))
	for _, id := range job.Excluded {
		excluded[id] = struct{}{}
	}

	selection, ok := d.selector.Select(ctx, excluded)
	if !ok {
		d.logger.Warn("no provider available, dropping dispatch",
			zap.String("message_id", job.MessageID),
			zap.Int64("request_id", job.RequestID),
			zap.Int("attempt", job.Attempt),
			zap.Strings("excluded", job.Excluded))
		return nil
	}

	provider := selection.ProviderID
	if err := d.store.UpdateRequestStatus(ctx, job.RequestID, store.StatusProcessing, &provider); err != nil {
		d.logger.Error("failed to mark request processing",
			zap.Int64("request_id", job.RequestID), zap.Error(err))
		return err
	}

	sendJob := queue.SendJob{
		MessageID:  job.MessageID,
		RequestID:  job.RequestID,
		Phone:      job.Phone,
		Text:       job.Text,
		ProviderID: selection.ProviderID,
		URL:        selection.URL,
		Excluded:   job.Excluded,
		Attempt:    job.Attempt,
	}

	if err := d.publisher.PublishSend(ctx, sendJob); err != nil {
		d.logger.Error("failed to enqueue send job",
			zap.String("message_id", job.MessageID),
			zap.String("provider", selection.ProviderID),
			zap.Error(err))
		return err
	}

	d.metrics.DispatchedTotal.WithLabelValues(selection.ProviderID).Inc()

	d.logger.Info("dispatched request",
		zap.String("message_id", job.MessageID),
		zap.Int64("request_id", job.RequestID),
		zap.String("provider", selection.ProviderID),
		zap.Int("attempt", job.Attempt))

	return nil
}
