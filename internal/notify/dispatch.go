package notify

import (
	"context"

	"go.uber.org/zap"

	"attendiq/internal/metrics"
	"attendiq/internal/queue"
)

// Dispatcher drains queued notifications into a delivering Notifier.
type Dispatcher struct {
	Queue   queue.Queue
	Sink    Notifier
	Log     *zap.Logger
	Metrics *metrics.Metrics
}

// Run delivers messages until ctx is done. Failed deliveries are logged and
// counted, never retried.
func (d *Dispatcher) Run(ctx context.Context) error {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	messages, err := d.Queue.Consume(ctx)
	if err != nil {
		return err
	}
	for msg := range messages {
		if msg.Type != MessageType {
			log.Warn("skipping message", zap.String("type", msg.Type))
			continue
		}
		n, err := Decode(msg)
		if err != nil {
			log.Error("bad notification", zap.Error(err))
			d.Metrics.NotificationFailed()
			continue
		}
		if err := d.Sink.Notify(ctx, n); err != nil {
			log.Error("notification delivery failed",
				zap.String("notification_id", n.ID),
				zap.String("recipient", n.Recipient),
				zap.Error(err),
			)
			d.Metrics.NotificationFailed()
			continue
		}
		log.Debug("notification delivered", zap.String("notification_id", n.ID))
	}
	return ctx.Err()
}
