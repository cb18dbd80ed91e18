package store

import (
	"strings"
	"time"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusRetrying          Status = "retrying"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusPermanentlyFailed Status = "permanently_failed"
)

// Request is one admitted send request. Rows are created by the admit path,
// mutated by the dispatch pipeline, and never deleted here.
type Request struct {
	ID                  int64     `json:"id"`
	Phone               string    `json:"phone"`
	Text                string    `json:"text"`
	Status              Status    `json:"status"`
	ProviderUsed        *string   `json:"provider_used,omitempty"`
	RetryCount          int       `json:"retry_count"`
	MaxRetries          int       `json:"max_retries"`
	FailedProviders     string    `json:"failed_providers"`
	IsPermanentlyFailed bool      `json:"is_permanently_failed"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// FailedProviderList splits the serialized failed_providers column.
func (r *Request) FailedProviderList() []string {
	if r.FailedProviders == "" {
		return nil
	}
	return strings.Split(r.FailedProviders, ",")
}

// JoinProviders serializes a provider list for the failed_providers column.
func JoinProviders(providers []string) string {
	return strings.Join(providers, ",")
}

// Response is one upstream answer (or synthesized error) for a request.
// Append-only; one row per attempt.
type Response struct {
	ID           int64     `json:"id"`
	RequestID    int64     `json:"request_id"`
	ResponseData string    `json:"response_data"`
	StatusCode   int       `json:"status_code"`
	CreatedAt    time.Time `json:"created_at"`
}

// Retry records one scheduled retry attempt. Append-only.
type Retry struct {
	ID            int64     `json:"id"`
	RequestID     int64     `json:"request_id"`
	AttemptNumber int       `json:"attempt_number"`
	ProviderUsed  string    `json:"provider_used"`
	ErrorMessage  string    `json:"error_message"`
	DelaySeconds  int       `json:"delay_seconds"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProviderHealth is the long-horizon per-provider summary. It is advisory
// reporting state; the sliding window in internal/health drives selection.
type ProviderHealth struct {
	ID           int64     `json:"id"`
	ProviderName string    `json:"provider_name"`
	SuccessCount int64     `json:"success_count"`
	FailureCount int64     `json:"failure_count"`
	LastChecked  time.Time `json:"last_checked"`
	IsHealthy    bool      `json:"is_healthy"`
}

// RequestFilter narrows ListRequests. Zero values mean "no filter".
type RequestFilter struct {
	Status    Status
	Provider  string
	StartTime *time.Time
	EndTime   *time.Time
	Limit     int
}

// RequestStats aggregates request counts for the stats endpoint.
type RequestStats struct {
	Total    int64            `json:"total_requests"`
	ByStatus map[string]int64 `json:"by_status"`
}
