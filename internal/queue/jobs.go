// Package queue carries dispatch work between the API, the workers, and the
// retry scheduler. NATS moves immediate work; a redis sorted set holds work
// scheduled for the future.
package queue

import "encoding/json"

// DispatchJob asks a worker to pick a provider for a request and hand it to
// the send stage. Excluded lists providers that already failed this request.
type DispatchJob struct {
	MessageID string   `json:"message_id"`
	RequestID int64    `json:"request_id"`
	Phone     string   `json:"phone"`
	Text      string   `json:"text"`
	Excluded  []string `json:"excluded,omitempty"`
	Attempt   int      `json:"attempt"`
}

// SendJob asks a worker to deliver a request through a chosen provider.
type SendJob struct {
	MessageID  string   `json:"message_id"`
	RequestID  int64    `json:"request_id"`
	Phone      string   `json:"phone"`
	Text       string   `json:"text"`
	ProviderID string   `json:"provider_id"`
	URL        string   `json:"url"`
	Excluded   []string `json:"excluded,omitempty"`
	Attempt    int      `json:"attempt"`
}

// Encode serializes a dispatch job with stable field ordering, so the same
// job always produces the same bytes. The scheduler relies on that for
// sorted-set member dedup.
func (j DispatchJob) Encode() ([]byte, error) {
	return json.Marshal(j)
}

func DecodeDispatchJob(data []byte) (DispatchJob, error) {
	var j DispatchJob
	err := json.Unmarshal(data, &j)
	return j, err
}
