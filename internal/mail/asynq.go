package mail

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

// TaskTypeSend is the task type for transactional email delivery.
const TaskTypeSend = "mail:send"

// NewSendTask wraps a message into an Asynq task.
func NewSendTask(msg Message) (*asynq.Task, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSend, payload, asynq.MaxRetry(3)), nil
}

// AsynqMailer enqueues messages onto the Redis-backed job queue.
type AsynqMailer struct {
	client *asynq.Client
}

// NewAsynqMailer constructs the queue-backed mailer.
func NewAsynqMailer(client *asynq.Client) *AsynqMailer {
	return &AsynqMailer{client: client}
}

// Send enqueues the message for the worker.
func (m *AsynqMailer) Send(ctx context.Context, msg Message) error {
	task, err := NewSendTask(msg)
	if err != nil {
		return fmt.Errorf("mail: marshal task: %w", err)
	}
	if _, err := m.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("mail: enqueue: %w", err)
	}
	return nil
}

var _ Mailer = (*AsynqMailer)(nil)
