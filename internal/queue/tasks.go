package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRunBatch = "batch:run"

type RunBatchPayload struct {
	BatchID     string    `json:"batch_id"`
	SourceDir   string    `json:"source_dir"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func (p RunBatchPayload) Validate() error {
	if strings.TrimSpace(p.BatchID) == "" {
		return errors.New("batch_id is required")
	}
	if strings.TrimSpace(p.SourceDir) == "" {
		return errors.New("source_dir is required")
	}
	return nil
}

func NewRunBatchTask(payload RunBatchPayload) (*asynq.Task, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal batch payload: %w", err)
	}
	return asynq.NewTask(TypeRunBatch, body), nil
}

func ParseRunBatchPayload(task *asynq.Task) (RunBatchPayload, error) {
	var payload RunBatchPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunBatchPayload{}, fmt.Errorf("unmarshal batch payload: %w", err)
	}
	if err := payload.Validate(); err != nil {
		return RunBatchPayload{}, err
	}
	return payload, nil
}
