package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"twillow/internal/kv"
)

type capturePublisher struct {
	jobs []DispatchJob
	err  error
}

func (c *capturePublisher) PublishDispatch(ctx context.Context, job DispatchJob) error {
	if c.err != nil {
		return c.err
	}
	c.jobs = append(c.jobs, job)
	return nil
}

func newTestScheduler(t *testing.T, pub DispatchPublisher) (*Scheduler, *kv.Redis) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewScheduler(store, pub, time.Second, zap.NewNop()), store
}

func testJob(attempt int) DispatchJob {
	return DispatchJob{
		MessageID: "msg_1_abcd1234",
		RequestID: 42,
		Phone:     "+12345678901",
		Text:      "hello",
		Excluded:  []string{"provider1"},
		Attempt:   attempt,
	}
}

func TestSchedulerPromotesDueJobs(t *testing.T) {
	pub := &capturePublisher{}
	sched, _ := newTestScheduler(t, pub)
	ctx := context.Background()

	if err := sched.ScheduleDispatch(ctx, testJob(1), time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("schedule failed: %v", err)
	}

	if err := sched.promoteDue(ctx); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	if len(pub.jobs) != 1 {
		t.Fatalf("expected one promoted job, got %d", len(pub.jobs))
	}
	job := pub.jobs[0]
	if job.RequestID != 42 || job.Attempt != 1 {
		t.Errorf("unexpected promoted job: %+v", job)
	}
	if len(job.Excluded) != 1 || job.Excluded[0] != "provider1" {
		t.Errorf("exclusions should survive the round trip: %v", job.Excluded)
	}

	n, err := sched.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if n != 0 {
		t.Errorf("promoted job should leave the schedule, %d left", n)
	}
}

func TestSchedulerLeavesFutureJobs(t *testing.T) {
	pub := &capturePublisher{}
	sched, _ := newTestScheduler(t, pub)
	ctx := context.Background()

	sched.ScheduleDispatch(ctx, testJob(1), time.Now().Add(time.Hour))

	if err := sched.promoteDue(ctx); err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if len(pub.jobs) != 0 {
		t.Error("future jobs must not be promoted early")
	}

	n, _ := sched.Pending(ctx)
	if n != 1 {
		t.Errorf("future job should stay scheduled, got %d", n)
	}
}

func TestSchedulerDedupsIdenticalJobs(t *testing.T) {
	pub := &capturePublisher{}
	sched, _ := newTestScheduler(t, pub)
	ctx := context.Background()

	job := testJob(1)
	sched.ScheduleDispatch(ctx, job, time.Now().Add(-time.Second))
	sched.ScheduleDispatch(ctx, job, time.Now().Add(-time.Second))

	n, _ := sched.Pending(ctx)
	if n != 1 {
		t.Errorf("identical jobs should collapse to one entry, got %d", n)
	}
}

func TestSchedulerReschedulesOnPublishFailure(t *testing.T) {
	pub := &capturePublisher{err: errors.New("nats down")}
	sched, _ := newTestScheduler(t, pub)
	ctx := context.Background()

	sched.ScheduleDispatch(ctx, testJob(1), time.Now().Add(-time.Second))

	if err := sched.promoteDue(ctx); err != nil {
		t.Fatalf("promote failed: %v", err)
	}

	// The job goes back on the schedule for the next tick.
	n, _ := sched.Pending(ctx)
	if n != 1 {
		t.Errorf("unpublishable job should be rescheduled, got %d", n)
	}
}
