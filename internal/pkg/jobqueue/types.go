package jobqueue

import (
	"encoding/json"
	"time"
)

// JobType defines the type of job
type JobType string

const (
	JobTypeImageGeneration JobType = "image_generation"
)

// JobStatus defines the status of a job. Publishers only ever write pending;
// the generation workers own every later transition.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job represents a queued unit of work
type Job struct {
	ID         string                 `json:"id"`
	Type       JobType                `json:"type"`
	Status     JobStatus              `json:"status"`
	Payload    map[string]interface{} `json:"payload"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	ErrorMsg   string                 `json:"error_msg,omitempty"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
}

// GenerationTaskPayload is the contract consumed by the generation workers.
type GenerationTaskPayload struct {
	TaskID    string    `json:"task_id"`
	Channel   string    `json:"channel"`
	AccountID uint      `json:"account_id"`
	SessionID string    `json:"session_id"`
	ImageURLs []string  `json:"image_urls"`
	Prompt    string    `json:"prompt"`
	RequestID string    `json:"request_id"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// ToMap converts the payload to a map for storage
func (p GenerationTaskPayload) ToMap() map[string]interface{} {
	urls := p.ImageURLs
	if urls == nil {
		urls = []string{}
	}
	return map[string]interface{}{
		"task_id":    p.TaskID,
		"channel":    p.Channel,
		"account_id": p.AccountID,
		"session_id": p.SessionID,
		"image_urls": urls,
		"prompt":     p.Prompt,
		"request_id": p.RequestID,
		"version":    p.Version,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// GenerationTaskPayloadFromMap creates a payload from a stored map
func GenerationTaskPayloadFromMap(data map[string]interface{}) (*GenerationTaskPayload, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	var payload GenerationTaskPayload
	err = json.Unmarshal(jsonData, &payload)
	return &payload, err
}
