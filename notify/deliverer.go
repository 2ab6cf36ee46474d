package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogDeliverer writes deliveries to the process log. It stands in where no
// chat transport is attached, which keeps the outbox draining in
// development and test deployments.
type LogDeliverer struct {
	log *zap.Logger
}

func NewLogDeliverer(log *zap.Logger) *LogDeliverer {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogDeliverer{log: log}
}

func (d *LogDeliverer) Deliver(_ context.Context, msg Message) error {
	d.log.Info("notification",
		zap.Int64("message", msg.ID),
		zap.String("recipient", msg.RecipientID),
		zap.String("topic", msg.Topic))
	return nil
}
