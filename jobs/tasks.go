// Package jobs hosts the background processing for the service: transactional
// email delivery and periodic auth store maintenance.
package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/openshelf/openshelf/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuthMaintenance is the periodic cleanup of expired auth rows.
	TaskAuthMaintenance = "auth:maintenance"
)

// NewSendEmailHandler returns the handler for mail.TaskTypeSend tasks,
// delivering through the given sender.
func NewSendEmailHandler(sender mail.Mailer, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var msg mail.Message
		if err := json.Unmarshal(t.Payload(), &msg); err != nil {
			return asynq.SkipRetry
		}
		if err := sender.Send(ctx, msg); err != nil {
			logger.Warn("send email", slog.String("to", msg.To), slog.Any("error", err))
			return err
		}
		logger.Info("email delivered", slog.String("to", msg.To), slog.String("kind", string(msg.Kind)))
		return nil
	}
}

// NewAuthMaintenanceTask constructs the cron task.
func NewAuthMaintenanceTask() *asynq.Task {
	return asynq.NewTask(TaskAuthMaintenance, nil)
}
