package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"twillow/internal/distribution"
	"twillow/internal/observability"
	"twillow/internal/queue"
	"twillow/internal/retry"
	"twillow/internal/store"
)

// One shared metrics instance; promauto registers into the default registry
// and re-registration panics.
var testMetrics = observability.NewMetrics()

type statusChange struct {
	id       int64
	status   store.Status
	provider *string
}

type retryStateChange struct {
	id        int64
	count     int
	failed    []string
	permanent bool
}

type responseRecord struct {
	requestID  int64
	statusCode int
}

type retryRecord struct {
	requestID int64
	attempt   int
	provider  string
	delaySecs int
}

type fakeStore struct {
	statuses    []statusChange
	retryStates []retryStateChange
	responses   []responseRecord
	retries     []retryRecord
	summary     map[string][]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{summary: map[string][]bool{}}
}

func (f *fakeStore) UpdateRequestStatus(ctx context.Context, id int64, status store.Status, providerUsed *string) error {
	f.statuses = append(f.statuses, statusChange{id, status, providerUsed})
	return nil
}

func (f *fakeStore) UpdateRequestRetryState(ctx context.Context, id int64, retryCount int, failedProviders []string, permanentlyFailed bool) error {
	f.retryStates = append(f.retryStates, retryStateChange{id, retryCount, failedProviders, permanentlyFailed})
	return nil
}

func (f *fakeStore) CreateResponse(ctx context.Context, requestID int64, responseData string, statusCode int) error {
	f.responses = append(f.responses, responseRecord{requestID, statusCode})
	return nil
}

func (f *fakeStore) CreateRetry(ctx context.Context, requestID int64, attemptNumber int, providerUsed, errorMessage string, delaySeconds int) error {
	f.retries = append(f.retries, retryRecord{requestID, attemptNumber, providerUsed, delaySeconds})
	return nil
}

func (f *fakeStore) RecordProviderResult(ctx context.Context, providerName string, success bool) error {
	f.summary[providerName] = append(f.summary[providerName], success)
	return nil
}

type fakeHealthRecorder struct {
	successes []string
	failures  []string
}

func (f *fakeHealthRecorder) RecordSuccess(ctx context.Context, providerID string) error {
	f.successes = append(f.successes, providerID)
	return nil
}

func (f *fakeHealthRecorder) RecordFailure(ctx context.Context, providerID string) error {
	f.failures = append(f.failures, providerID)
	return nil
}

type fakeScheduler struct {
	jobs   []queue.DispatchJob
	runAts []time.Time
	err    error
}

func (f *fakeScheduler) ScheduleDispatch(ctx context.Context, job queue.DispatchJob, runAt time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	f.runAts = append(f.runAts, runAt)
	return nil
}

type fakePublisher struct {
	dispatched []queue.DispatchJob
	sent       []queue.SendJob
	err        error
}

func (f *fakePublisher) PublishDispatch(ctx context.Context, job queue.DispatchJob) error {
	if f.err != nil {
		return f.err
	}
	f.dispatched = append(f.dispatched, job)
	return nil
}

func (f *fakePublisher) PublishSend(ctx context.Context, job queue.SendJob) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, job)
	return nil
}

type fakeDeadLetter struct {
	requestIDs []int64
	reasons    []string
}

func (f *fakeDeadLetter) Push(ctx context.Context, requestID int64, reason string) error {
	f.requestIDs = append(f.requestIDs, requestID)
	f.reasons = append(f.reasons, reason)
	return nil
}

type fakeNotifier struct {
	notified []int64
}

func (f *fakeNotifier) NotifyDeadLetter(ctx context.Context, requestID int64, reason string) error {
	f.notified = append(f.notified, requestID)
	return nil
}

type fakeSelector struct {
	selection distribution.Selection
	ok        bool
	excluded  map[string]struct{}
}

func (f *fakeSelector) Select(ctx context.Context, excluded map[string]struct{}) (distribution.Selection, bool) {
	f.excluded = excluded
	return f.selection, f.ok
}

func newTestSender(st *fakeStore, hr *fakeHealthRecorder, sched *fakeScheduler, pub *fakePublisher, dlq *fakeDeadLetter, n *fakeNotifier, maxRetries int, timeout time.Duration) *Sender {
	policy := retry.NewPolicy(time.Millisecond, 10*time.Millisecond, maxRetries, false)
	return NewSender(st, hr, policy, sched, pub, dlq, n, testMetrics, timeout, zap.NewNop())
}

func sendJob(url string, attempt int) queue.SendJob {
	return queue.SendJob{
		MessageID:  "msg_1_abcd1234",
		RequestID:  42,
		Phone:      "+12345678901",
		Text:       "hello",
		ProviderID: "provider1",
		URL:        url,
		Attempt:    attempt,
	}
}

func TestHandleSendDelivered(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"sent"}`))
	}))
	defer upstream.Close()

	st := newFakeStore()
	hr := &fakeHealthRecorder{}
	sender := newTestSender(st, hr, &fakeScheduler{}, &fakePublisher{}, &fakeDeadLetter{}, &fakeNotifier{}, 5, time.Second)

	outcome, err := sender.HandleSend(context.Background(), sendJob(upstream.URL, 0))
	if err != nil {
		t.Fatalf("handle send failed: %v", err)
	}
	if outcome != OutcomeDelivered {
		t.Errorf("expected delivered, got %s", outcome)
	}

	if len(st.statuses) != 1 || st.statuses[0].status != store.StatusCompleted {
		t.Errorf("request should be completed: %+v", st.statuses)
	}
	if len(st.responses) != 1 || st.responses[0].statusCode != 200 {
		t.Errorf("response row should record status 200: %+v", st.responses)
	}
	if len(hr.successes) != 1 || hr.successes[0] != "provider1" {
		t.Errorf("health success should be recorded: %v", hr.successes)
	}
	if got := st.summary["provider1"]; len(got) != 1 || !got[0] {
		t.Errorf("provider summary should record a success: %v", got)
	}
}

func TestHandleSendFailureSchedulesRetry(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	st := newFakeStore()
	hr := &fakeHealthRecorder{}
	sched := &fakeScheduler{}
	sender := newTestSender(st, hr, sched, &fakePublisher{}, &fakeDeadLetter{}, &fakeNotifier{}, 5, time.Second)

	outcome, err := sender.HandleSend(context.Background(), sendJob(upstream.URL, 0))
	if err != nil {
		t.Fatalf("handle send failed: %v", err)
	}
	if outcome != OutcomeRetryScheduled {
		t.Errorf("expected retry_scheduled, got %s", outcome)
	}

	if len(st.retries) != 1 {
		t.Fatalf("expected one retry row, got %d", len(st.retries))
	}
	if st.retries[0].attempt != 1 || st.retries[0].provider != "provider1" {
		t.Errorf("unexpected retry row: %+v", st.retries[0])
	}

	if len(st.retryStates) != 1 {
		t.Fatalf("expected one retry state change, got %d", len(st.retryStates))
	}
	rs := st.retryStates[0]
	if rs.permanent || rs.count != 1 {
		t.Errorf("unexpected retry state: %+v", rs)
	}
	if len(rs.failed) != 1 || rs.failed[0] != "provider1" {
		t.Errorf("failed providers should include provider1: %v", rs.failed)
	}

	if len(sched.jobs) != 1 {
		t.Fatalf("expected one scheduled job, got %d", len(sched.jobs))
	}
	job := sched.jobs[0]
	if job.Attempt != 1 {
		t.Errorf("scheduled attempt should be 1, got %d", job.Attempt)
	}
	if len(job.Excluded) != 1 || job.Excluded[0] != "provider1" {
		t.Errorf("scheduled job should exclude the failed provider: %v", job.Excluded)
	}

	if len(hr.failures) != 1 {
		t.Errorf("health failure should be recorded: %v", hr.failures)
	}
}

func TestHandleSendExhaustionDeadLetters(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	st := newFakeStore()
	dlq := &fakeDeadLetter{}
	notifier := &fakeNotifier{}
	sender := newTestSender(st, &fakeHealthRecorder{}, &fakeScheduler{}, &fakePublisher{}, dlq, notifier, 2, time.Second)

	// Attempt 2 against a 2-retry policy is the last one.
	outcome, err := sender.HandleSend(context.Background(), sendJob(upstream.URL, 2))
	if err != nil {
		t.Fatalf("handle send failed: %v", err)
	}
	if outcome != OutcomeDeadLettered {
		t.Errorf("expected dead_lettered, got %s", outcome)
	}

	if len(dlq.requestIDs) != 1 || dlq.requestIDs[0] != 42 {
		t.Errorf("request should be dead lettered: %v", dlq.requestIDs)
	}
	if dlq.reasons[0] != "Max retries exceeded" {
		t.Errorf("unexpected dead letter reason: %s", dlq.reasons[0])
	}
	if len(notifier.notified) != 1 {
		t.Error("dead letter notification should be published")
	}

	if len(st.retryStates) != 1 || !st.retryStates[0].permanent {
		t.Errorf("request should be permanently failed: %+v", st.retryStates)
	}
}

func TestScheduleFailureFallsBackToImmediateDispatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	st := newFakeStore()
	sched := &fakeScheduler{err: errors.New("redis down")}
	pub := &fakePublisher{}
	sender := newTestSender(st, &fakeHealthRecorder{}, sched, pub, &fakeDeadLetter{}, &fakeNotifier{}, 5, time.Second)

	outcome, err := sender.HandleSend(context.Background(), sendJob(upstream.URL, 0))
	if err != nil {
		t.Fatalf("handle send failed: %v", err)
	}
	if outcome != OutcomeRetryScheduled {
		t.Errorf("expected retry_scheduled, got %s", outcome)
	}
	if len(pub.dispatched) != 1 {
		t.Fatalf("retry should dispatch immediately when scheduling fails, got %d", len(pub.dispatched))
	}
	if pub.dispatched[0].Attempt != 1 {
		t.Errorf("fallback dispatch should carry attempt 1, got %d", pub.dispatched[0].Attempt)
	}
}

func TestTimeoutSynthesizes408(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer upstream.Close()

	st := newFakeStore()
	sender := newTestSender(st, &fakeHealthRecorder{}, &fakeScheduler{}, &fakePublisher{}, &fakeDeadLetter{}, &fakeNotifier{}, 5, 50*time.Millisecond)

	outcome, err := sender.HandleSend(context.Background(), sendJob(upstream.URL, 0))
	if err != nil {
		t.Fatalf("handle send failed: %v", err)
	}
	if outcome != OutcomeRetryScheduled {
		t.Errorf("expected retry_scheduled, got %s", outcome)
	}
	if len(st.responses) != 1 || st.responses[0].statusCode != http.StatusRequestTimeout {
		t.Errorf("timeout should record a 408 response: %+v", st.responses)
	}
}

func TestDispatcherHappyPath(t *testing.T) {
	sel := &fakeSelector{
		selection: distribution.Selection{ProviderID: "provider2", URL: "http://p2.local/sms"},
		ok:        true,
	}
	st := newFakeStore()
	pub := &fakePublisher{}
	d := NewDispatcher(sel, st, pub, testMetrics, zap.NewNop())

	job := queue.DispatchJob{
		MessageID: "msg_1_abcd1234",
		RequestID: 42,
		Phone:     "+12345678901",
		Text:      "hello",
		Excluded:  []string{"provider1"},
		Attempt:   1,
	}

	if err := d.HandleDispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if _, ok := sel.excluded["provider1"]; !ok {
		t.Error("exclusion set should reach the selector")
	}

	if len(st.statuses) != 1 {
		t.Fatalf("expected one status change, got %d", len(st.statuses))
	}
	sc := st.statuses[0]
	if sc.status != store.StatusProcessing || sc.provider == nil || *sc.provider != "provider2" {
		t.Errorf("request should be processing with provider2: %+v", sc)
	}

	if len(pub.sent) != 1 {
		t.Fatalf("expected one send job, got %d", len(pub.sent))
	}
	sent := pub.sent[0]
	if sent.ProviderID != "provider2" || sent.URL != "http://p2.local/sms" {
		t.Errorf("send job should carry the selection: %+v", sent)
	}
	if sent.Attempt != 1 {
		t.Errorf("attempt should pass through, got %d", sent.Attempt)
	}
}

func TestDispatcherDropsWhenNoProvider(t *testing.T) {
	sel := &fakeSelector{ok: false}
	st := newFakeStore()
	pub := &fakePublisher{}
	d := NewDispatcher(sel, st, pub, testMetrics, zap.NewNop())

	job := queue.DispatchJob{MessageID: "msg_1_abcd1234", RequestID: 42}
	if err := d.HandleDispatch(context.Background(), job); err != nil {
		t.Fatalf("dispatch should not error on drop: %v", err)
	}

	if len(st.statuses) != 0 {
		t.Errorf("dropped job must not change request status: %+v", st.statuses)
	}
	if len(pub.sent) != 0 {
		t.Error("dropped job must not enqueue a send")
	}
}
