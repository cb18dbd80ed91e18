package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"twillow/internal/kv"
)

const scheduledKey = "sms_queue:scheduled"

// DispatchPublisher is the immediate-delivery side the scheduler promotes
// due jobs into.
type DispatchPublisher interface {
	PublishDispatch(ctx context.Context, job DispatchJob) error
}

// Scheduler holds retry jobs in a redis sorted set scored by due time, and
// promotes them onto the message bus once due. The serialized job is the set
// member, so scheduling the same job twice collapses to one entry.
type Scheduler struct {
	redis     *kv.Redis
	publisher DispatchPublisher
	logger    *zap.Logger
	interval  time.Duration
}

func NewScheduler(r *kv.Redis, publisher DispatchPublisher, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		redis:     r,
		publisher: publisher,
		logger:    logger,
		interval:  interval,
	}
}

// ScheduleDispatch enqueues a dispatch job to run at the given time. Jobs
// survive process restarts; any running scheduler picks them up.
func (s *Scheduler) ScheduleDispatch(ctx context.Context, job DispatchJob, runAt time.Time) error {
	data, err := job.Encode()
	if err != nil {
		return fmt.Errorf("failed to marshal scheduled job: %w", err)
	}

	err = s.redis.ZAdd(ctx, scheduledKey, redis.Z{
		Score:  float64(runAt.Unix()),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule dispatch job: %w", err)
	}

	s.logger.Info("scheduled retry dispatch",
		zap.String("message_id", job.MessageID),
		zap.Int64("request_id", job.RequestID),
		zap.Int("attempt", job.Attempt),
		zap.Time("run_at", runAt))

	return nil
}

// Pending returns the number of jobs waiting in the schedule.
func (s *Scheduler) Pending(ctx context.Context) (int64, error) {
	return s.redis.ZCard(ctx, scheduledKey).Result()
}

// Run polls for due jobs until the context is cancelled. Safe to run in
// multiple processes: ZRem decides which scheduler owns a job.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("retry scheduler started", zap.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler stopped")
			return
		case <-ticker.C:
			if err := s.promoteDue(ctx); err != nil {
				s.logger.Error("failed to promote scheduled jobs", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().Unix())

	members, err := s.redis.ZRangeByScore(ctx, scheduledKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read due jobs: %w", err)
	}

	for _, member := range members {
		// Claim the job before publishing. A lost claim means another
		// scheduler took it.
		removed, err := s.redis.ZRem(ctx, scheduledKey, member).Result()
		if err != nil {
			return fmt.Errorf("failed to claim scheduled job: %w", err)
		}
		if removed == 0 {
			continue
		}

		job, err := DecodeDispatchJob([]byte(member))
		if err != nil {
			s.logger.Error("dropping malformed scheduled job", zap.Error(err))
			continue
		}

		if err := s.publisher.PublishDispatch(ctx, job); err != nil {
			// Put the job back so it is retried on the next tick.
			s.logger.Error("failed to publish due job, rescheduling",
				zap.String("message_id", job.MessageID), zap.Error(err))
			s.redis.ZAdd(ctx, scheduledKey, redis.Z{
				Score:  float64(time.Now().Add(s.interval).Unix()),
				Member: member,
			})
			continue
		}

		s.logger.Info("promoted scheduled job",
			zap.String("message_id", job.MessageID),
			zap.Int64("request_id", job.RequestID),
			zap.Int("attempt", job.Attempt))
	}

	return nil
}
