package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"twillow/internal/config"
	"twillow/internal/dispatch"
	"twillow/internal/distribution"
	"twillow/internal/health"
	"twillow/internal/kv"
	"twillow/internal/observability"
	"twillow/internal/queue"
	"twillow/internal/ratelimit"
	"twillow/internal/retry"
	"twillow/internal/store"
)

const (
	numWorkers = 5
	jobTimeout = 30 * time.Second
)

type job struct {
	dispatch *queue.DispatchJob
	send     *queue.SendJob
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.Setup(cfg.LogLevel, cfg.Debug)
	defer logger.Sync()

	logger.Info("starting twillow worker", zap.String("log_level", cfg.LogLevel))

	metrics := observability.NewMetrics()
	if cfg.MetricsEnabled {
		shutdownOtel, err := observability.SetupOpenTelemetry("twillow-worker", logger)
		if err != nil {
			logger.Error("failed to initialize OpenTelemetry", zap.Error(err))
		} else {
			defer shutdownOtel()
		}
	}

	ctx := context.Background()

	database, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer database.Close()

	redis, err := kv.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	natsQueue, err := queue.NewQueue(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to NATS", zap.Error(err))
	}
	defer natsQueue.Close()

	st := store.New(database.DB, logger)

	providerLimiter := ratelimit.NewLimiter(redis, logger, cfg.ProviderRateLimit, cfg.RateLimitWindow)
	globalLimiter := ratelimit.NewGlobalLimiter(redis, logger, cfg.GlobalRateLimit, cfg.RateLimitWindow)
	healthTracker := health.NewTracker(redis, logger, cfg.HealthWindowDuration, cfg.HealthFailureThreshold)
	selector := distribution.NewSelector(
		healthTracker, providerLimiter, globalLimiter,
		cfg.ProviderURLs(), cfg.HealthCheckInterval, logger)
	deadLetter := queue.NewDeadLetter(redis, logger)
	scheduler := queue.NewScheduler(redis, natsQueue, time.Second, logger)
	policy := retry.NewPolicy(cfg.RetryBaseDelay, cfg.RetryMaxDelay, cfg.MaxRetries, cfg.RetryJitter)

	dispatcher := dispatch.NewDispatcher(selector, st, natsQueue, metrics, logger)
	sender := dispatch.NewSender(
		st, healthTracker, policy, scheduler, natsQueue,
		deadLetter, natsQueue, metrics, cfg.SendTimeout, logger)

	jobChan := make(chan job, 100)

	for i := 0; i < numWorkers; i++ {
		go func(workerID int) {
			logger.Info("worker started", zap.Int("worker_id", workerID))
			for j := range jobChan {
				jobCtx, cancel := context.WithTimeout(context.Background(), jobTimeout)

				switch {
				case j.dispatch != nil:
					if err := dispatcher.HandleDispatch(jobCtx, *j.dispatch); err != nil {
						logger.Error("dispatch job failed",
							zap.Int("worker_id", workerID),
							zap.String("message_id", j.dispatch.MessageID),
							zap.Error(err))
					}
				case j.send != nil:
					if _, err := sender.HandleSend(jobCtx, *j.send); err != nil {
						logger.Error("send job failed",
							zap.Int("worker_id", workerID),
							zap.String("message_id", j.send.MessageID),
							zap.Error(err))
					}
				}

				cancel()
			}
		}(i)
	}

	enqueue := func(j job, messageID string) error {
		select {
		case jobChan <- j:
			return nil
		default:
			logger.Warn("worker pool full, dropping job", zap.String("message_id", messageID))
			return fmt.Errorf("worker pool saturated")
		}
	}

	dispatchSub, err := natsQueue.SubscribeDispatch(func(dj queue.DispatchJob) error {
		return enqueue(job{dispatch: &dj}, dj.MessageID)
	})
	if err != nil {
		logger.Fatal("failed to subscribe to dispatch jobs", zap.Error(err))
	}
	defer dispatchSub.Unsubscribe()

	sendSub, err := natsQueue.SubscribeSend(func(sj queue.SendJob) error {
		return enqueue(job{send: &sj}, sj.MessageID)
	})
	if err != nil {
		logger.Fatal("failed to subscribe to send jobs", zap.Error(err))
	}
	defer sendSub.Unsubscribe()

	dlqSub, err := natsQueue.SubscribeDeadLetter(func(requestID int64, reason string, at time.Time) {
		logger.Warn("request dead lettered",
			zap.Int64("request_id", requestID),
			zap.String("reason", reason),
			zap.Time("timestamp", at))
	})
	if err != nil {
		logger.Error("failed to subscribe to dead letter events", zap.Error(err))
	} else {
		defer dlqSub.Unsubscribe()
	}

	// Retry scheduler: promotes due jobs from the redis schedule onto NATS.
	schedCtx, stopScheduler := context.WithCancel(ctx)
	go scheduler.Run(schedCtx)

	// Keep the scheduler depth gauge fresh.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-schedCtx.Done():
				return
			case <-ticker.C:
				if n, err := scheduler.Pending(schedCtx); err == nil {
					metrics.ScheduledQueueDepth.Set(float64(n))
				}
			}
		}
	}()

	logger.Info("worker ready, waiting for jobs")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	logger.Info("shutting down worker")
	stopScheduler()
	close(jobChan)

	// Give in-flight jobs time to settle.
	time.Sleep(5 * time.Second)
	logger.Info("worker shutdown complete")
}
