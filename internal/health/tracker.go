// Package health tracks per-provider success/failure counts in epoch-aligned
// time buckets and derives a sliding-window failure rate. A provider is
// unhealthy when the windowed failure rate reaches the threshold.
package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"twillow/internal/kv"
)

// Status is the health snapshot for one provider.
type Status struct {
	ProviderID      string  `json:"provider_id"`
	IsHealthy       bool    `json:"is_healthy"`
	TotalRequests   int64   `json:"total_requests"`
	SuccessCount    int64   `json:"success_count"`
	FailureCount    int64   `json:"failure_count"`
	FailureRate     float64 `json:"failure_rate"`
	CurrentSuccess  int64   `json:"current_window_success"`
	CurrentFailure  int64   `json:"current_window_failure"`
	PrevSuccess     int64   `json:"previous_window_success"`
	PrevFailure     int64   `json:"previous_window_failure"`
	WindowExpiresAt int64   `json:"window_expires_at"`
	Threshold       float64 `json:"threshold"`
	WindowSeconds   int64   `json:"window_duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// SuccessRate is 1 - FailureRate; used as the weight in weighted selection.
func (s Status) SuccessRate() float64 {
	return 1.0 - s.FailureRate
}

type Tracker struct {
	store     kv.Store
	logger    *zap.Logger
	window    time.Duration
	threshold float64

	now func() time.Time
}

func NewTracker(store kv.Store, logger *zap.Logger, window time.Duration, threshold float64) *Tracker {
	return &Tracker{
		store:     store,
		logger:    logger,
		window:    window,
		threshold: threshold,
		now:       time.Now,
	}
}

func (t *Tracker) WindowDuration() time.Duration { return t.window }
func (t *Tracker) Threshold() float64            { return t.threshold }

func (t *Tracker) bucketStart(at time.Time) int64 {
	w := int64(t.window.Seconds())
	return (at.Unix() / w) * w
}

func (t *Tracker) key(providerID, metric string, bucketStart int64) string {
	return fmt.Sprintf("health:%s:%s:%d", providerID, metric, bucketStart)
}

// RecordSuccess increments the current bucket's success counter. Unlike rate
// limiting this surfaces store errors: dispatcher decisions depend on these
// counts.
func (t *Tracker) RecordSuccess(ctx context.Context, providerID string) error {
	return t.record(ctx, providerID, "success")
}

// RecordFailure increments the current bucket's failure counter.
func (t *Tracker) RecordFailure(ctx context.Context, providerID string) error {
	return t.record(ctx, providerID, "failure")
}

func (t *Tracker) record(ctx context.Context, providerID, metric string) error {
	key := t.key(providerID, metric, t.bucketStart(t.now()))

	if _, err := t.store.Incr(ctx, key); err != nil {
		t.logger.Error("failed to record provider health sample",
			zap.String("provider", providerID),
			zap.String("metric", metric),
			zap.Error(err))
		return fmt.Errorf("record %s for %s: %w", metric, providerID, err)
	}
	// Refresh TTL on every write so the bucket lives one full window past
	// its last sample.
	if err := t.store.Expire(ctx, key, t.window); err != nil {
		t.logger.Error("failed to set health bucket expiry",
			zap.String("key", key), zap.Error(err))
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// Status reads the current and previous buckets and computes the
// time-weighted sliding window. Previous-bucket counts are weighted by the
// unused fraction of the current bucket and floored to whole requests.
//
// A store read error returns a default-healthy status along with the error so
// a KV outage never blocks all traffic.
func (t *Tracker) Status(ctx context.Context, providerID string) (Status, error) {
	now := t.now()
	curStart := t.bucketStart(now)
	prevStart := curStart - int64(t.window.Seconds())

	curSuccess, err := t.readCount(ctx, t.key(providerID, "success", curStart))
	if err != nil {
		return t.degradedStatus(providerID, err), err
	}
	curFailure, err := t.readCount(ctx, t.key(providerID, "failure", curStart))
	if err != nil {
		return t.degradedStatus(providerID, err), err
	}
	prevSuccess, err := t.readCount(ctx, t.key(providerID, "success", prevStart))
	if err != nil {
		return t.degradedStatus(providerID, err), err
	}
	prevFailure, err := t.readCount(ctx, t.key(providerID, "failure", prevStart))
	if err != nil {
		return t.degradedStatus(providerID, err), err
	}

	fraction := float64(now.Unix()-curStart) / t.window.Seconds()
	prevWeight := 1.0 - fraction
	if prevWeight < 0 {
		prevWeight = 0
	}

	success := curSuccess + int64(float64(prevSuccess)*prevWeight)
	failure := curFailure + int64(float64(prevFailure)*prevWeight)
	total := success + failure

	failureRate := 0.0
	if total > 0 {
		failureRate = float64(failure) / float64(total)
	}

	// Strictly below threshold counts as healthy; at the threshold the
	// provider is out. An idle provider is never penalized.
	isHealthy := total == 0 || failureRate < t.threshold

	return Status{
		ProviderID:      providerID,
		IsHealthy:       isHealthy,
		TotalRequests:   total,
		SuccessCount:    success,
		FailureCount:    failure,
		FailureRate:     failureRate,
		CurrentSuccess:  curSuccess,
		CurrentFailure:  curFailure,
		PrevSuccess:     prevSuccess,
		PrevFailure:     prevFailure,
		WindowExpiresAt: curStart + int64(t.window.Seconds()),
		Threshold:       t.threshold,
		WindowSeconds:   int64(t.window.Seconds()),
	}, nil
}

// Reset deletes the current and previous bucket counters for a provider.
func (t *Tracker) Reset(ctx context.Context, providerID string) error {
	curStart := t.bucketStart(t.now())
	prevStart := curStart - int64(t.window.Seconds())

	err := t.store.Del(ctx,
		t.key(providerID, "success", curStart),
		t.key(providerID, "failure", curStart),
		t.key(providerID, "success", prevStart),
		t.key(providerID, "failure", prevStart),
	)
	if err != nil {
		t.logger.Error("failed to reset provider health",
			zap.String("provider", providerID), zap.Error(err))
		return fmt.Errorf("reset health for %s: %w", providerID, err)
	}

	t.logger.Info("reset health metrics", zap.String("provider", providerID))
	return nil
}

func (t *Tracker) readCount(ctx context.Context, key string) (int64, error) {
	val, ok, err := t.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (t *Tracker) degradedStatus(providerID string, err error) Status {
	t.logger.Error("health status read failed, defaulting to healthy",
		zap.String("provider", providerID), zap.Error(err))
	return Status{
		ProviderID:    providerID,
		IsHealthy:     true,
		Threshold:     t.threshold,
		WindowSeconds: int64(t.window.Seconds()),
		Error:         err.Error(),
	}
}
