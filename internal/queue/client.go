package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

type Client struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Client{
		client:  asynq.NewClient(redisOpt),
		queue:   queueName,
		timeout: timeout,
	}
}

// EnqueueRunBatch schedules a batch run. Tasks are never retried: a rerun
// would upload every file of the directory a second time.
func (c *Client) EnqueueRunBatch(ctx context.Context, payload RunBatchPayload) (*asynq.TaskInfo, error) {
	task, err := NewRunBatchTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(0),
		asynq.Timeout(c.timeout),
		asynq.TaskID(payload.BatchID),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
