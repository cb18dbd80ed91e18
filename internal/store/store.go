package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const requestColumns = `id, phone, text, status, provider_used, retry_count, max_retries,
	failed_providers, is_permanently_failed, created_at, updated_at`

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SeedProviders inserts one provider_health row per configured provider.
// Existing rows are left alone.
func (s *Store) SeedProviders(ctx context.Context, providerIDs []string) error {
	for _, id := range providerIDs {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO provider_health (provider_name, success_count, failure_count, last_checked, is_healthy)
			 VALUES ($1, 0, 0, $2, TRUE)
			 ON CONFLICT (provider_name) DO NOTHING`, id, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("failed to seed provider %s: %w", id, err)
		}
	}
	return nil
}

func (s *Store) CreateRequest(ctx context.Context, phone, text string, maxRetries int) (*Request, error) {
	now := time.Now().UTC()
	req := &Request{
		Phone:      phone,
		Text:       text,
		Status:     StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sms_requests (phone, text, status, retry_count, max_retries, failed_providers, is_permanently_failed, created_at, updated_at)
		 VALUES ($1, $2, $3, 0, $4, '', FALSE, $5, $6)
		 RETURNING id`,
		phone, text, req.Status, maxRetries, now, now).Scan(&req.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	s.logger.Info("request created", zap.Int64("id", req.ID), zap.String("phone", phone))
	return req, nil
}

func (s *Store) UpdateRequestStatus(ctx context.Context, id int64, status Status, providerUsed *string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sms_requests
		 SET status = $2, provider_used = COALESCE($3, provider_used), updated_at = $4
		 WHERE id = $1`,
		id, status, providerUsed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update request %d status: %w", id, err)
	}
	return nil
}

// UpdateRequestRetryState updates the retry bookkeeping on a request row. A
// permanent failure also flips the status; otherwise a positive retry count
// marks the row retrying.
func (s *Store) UpdateRequestRetryState(ctx context.Context, id int64, retryCount int, failedProviders []string, permanentlyFailed bool) error {
	status := StatusRetrying
	if permanentlyFailed {
		status = StatusPermanentlyFailed
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE sms_requests
		 SET retry_count = $2, failed_providers = $3, is_permanently_failed = $4, status = $5, updated_at = $6
		 WHERE id = $1`,
		id, retryCount, JoinProviders(failedProviders), permanentlyFailed, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update request %d retry state: %w", id, err)
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id int64) (*Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM sms_requests WHERE id = $1`, id)

	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("request %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request %d: %w", id, err)
	}
	return req, nil
}

func (s *Store) ListRequests(ctx context.Context, filter RequestFilter) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM sms_requests`
	var conds []string
	var args []interface{}

	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		conds = append(conds, cond+"$"+strconv.Itoa(len(args)))
	}

	if filter.Status != "" {
		add("status = ", filter.Status)
	}
	if filter.Provider != "" {
		add("provider_used = ", filter.Provider)
	}
	if filter.StartTime != nil {
		add("created_at >= ", *filter.StartTime)
	}
	if filter.EndTime != nil {
		add("created_at <= ", *filter.EndTime)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += " ORDER BY created_at DESC LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var requests []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

func (s *Store) GetRequestStats(ctx context.Context) (*RequestStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM sms_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate request stats: %w", err)
	}
	defer rows.Close()

	stats := &RequestStats{ByStatus: make(map[string]int64)}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats row: %w", err)
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	return stats, rows.Err()
}

func (s *Store) CreateResponse(ctx context.Context, requestID int64, responseData string, statusCode int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sms_responses (request_id, response_data, status_code, created_at)
		 VALUES ($1, $2, $3, $4)`,
		requestID, responseData, statusCode, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create response for request %d: %w", requestID, err)
	}
	return nil
}

func (s *Store) ResponsesByRequest(ctx context.Context, requestID int64) ([]*Response, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, response_data, status_code, created_at
		 FROM sms_responses WHERE request_id = $1 ORDER BY created_at ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list responses for request %d: %w", requestID, err)
	}
	defer rows.Close()

	var responses []*Response
	for rows.Next() {
		var r Response
		if err := rows.Scan(&r.ID, &r.RequestID, &r.ResponseData, &r.StatusCode, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan response: %w", err)
		}
		responses = append(responses, &r)
	}
	return responses, rows.Err()
}

func (s *Store) CreateRetry(ctx context.Context, requestID int64, attemptNumber int, providerUsed, errorMessage string, delaySeconds int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sms_retries (request_id, attempt_number, provider_used, error_message, delay_seconds, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		requestID, attemptNumber, providerUsed, truncate(errorMessage, 500), delaySeconds, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record retry for request %d: %w", requestID, err)
	}
	return nil
}

func (s *Store) RetriesByRequest(ctx context.Context, requestID int64) ([]*Retry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, attempt_number, provider_used, error_message, delay_seconds, created_at
		 FROM sms_retries WHERE request_id = $1 ORDER BY attempt_number ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list retries for request %d: %w", requestID, err)
	}
	defer rows.Close()

	var retries []*Retry
	for rows.Next() {
		var r Retry
		if err := rows.Scan(&r.ID, &r.RequestID, &r.AttemptNumber, &r.ProviderUsed, &r.ErrorMessage, &r.DelaySeconds, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retry: %w", err)
		}
		retries = append(retries, &r)
	}
	return retries, rows.Err()
}

// RecordProviderResult bumps the provider_health summary counters. Once the
// sample size reaches 10 the coarse is_healthy flag follows an 80% success
// rate. Last writer wins; the summary is advisory.
func (s *Store) RecordProviderResult(ctx context.Context, providerName string, success bool) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_health (provider_name, success_count, failure_count, last_checked, is_healthy)
		 VALUES ($1, 0, 0, $2, TRUE)
		 ON CONFLICT (provider_name) DO NOTHING`, providerName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to ensure provider_health row for %s: %w", providerName, err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE provider_health
		 SET `+col+` = `+col+` + 1,
		     last_checked = $2,
		     is_healthy = CASE
		         WHEN success_count + failure_count + 1 >= 10
		         THEN (CASE WHEN $3 THEN success_count + 1 ELSE success_count END)::float
		              / (success_count + failure_count + 1) >= 0.8
		         ELSE is_healthy
		     END
		 WHERE provider_name = $1`,
		providerName, time.Now().UTC(), success)
	if err != nil {
		return fmt.Errorf("failed to update provider health for %s: %w", providerName, err)
	}
	return nil
}

func (s *Store) GetProviderHealth(ctx context.Context, providerName string) (*ProviderHealth, error) {
	var h ProviderHealth
	err := s.db.QueryRowContext(ctx,
		`SELECT id, provider_name, success_count, failure_count, last_checked, is_healthy
		 FROM provider_health WHERE provider_name = $1`, providerName).
		Scan(&h.ID, &h.ProviderName, &h.SuccessCount, &h.FailureCount, &h.LastChecked, &h.IsHealthy)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("provider %s not found", providerName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get provider health for %s: %w", providerName, err)
	}
	return &h, nil
}

func (s *Store) AllProviderHealth(ctx context.Context) ([]*ProviderHealth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider_name, success_count, failure_count, last_checked, is_healthy
		 FROM provider_health ORDER BY provider_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list provider health: %w", err)
	}
	defer rows.Close()

	var all []*ProviderHealth
	for rows.Next() {
		var h ProviderHealth
		if err := rows.Scan(&h.ID, &h.ProviderName, &h.SuccessCount, &h.FailureCount, &h.LastChecked, &h.IsHealthy); err != nil {
			return nil, fmt.Errorf("failed to scan provider health: %w", err)
		}
		all = append(all, &h)
	}
	return all, rows.Err()
}

func (s *Store) ResetProviderHealth(ctx context.Context, providerName string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE provider_health
		 SET success_count = 0, failure_count = 0, is_healthy = TRUE, last_checked = $2
		 WHERE provider_name = $1`, providerName, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reset provider health for %s: %w", providerName, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var req Request
	err := row.Scan(&req.ID, &req.Phone, &req.Text, &req.Status, &req.ProviderUsed,
		&req.RetryCount, &req.MaxRetries, &req.FailedProviders,
		&req.IsPermanentlyFailed, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
