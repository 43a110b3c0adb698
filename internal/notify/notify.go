// Package notify delivers instructor notifications. The API publishes them
// to the queue; the worker hands them to a webhook.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"attendiq/internal/queue"
)

// MessageType is the queue message type carrying a Notification.
const MessageType = "notification"

// Channels.
const (
	ChannelInstructorFlag = "instructor_flag"
)

// Notification is one fire-and-forget message to a recipient.
type Notification struct {
	ID        string            `json:"id"`
	Channel   string            `json:"channel"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Payload   map[string]any    `json:"payload,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier sends notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// QueueNotifier publishes notifications for the worker to deliver.
type QueueNotifier struct {
	q queue.Queue
}

func NewQueueNotifier(q queue.Queue) *QueueNotifier {
	return &QueueNotifier{q: q}
}

func (n *QueueNotifier) Notify(ctx context.Context, note Notification) error {
	note = withDefaults(note)
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return n.q.Publish(ctx, queue.Message{Type: MessageType, Body: body, EnqueuedAt: note.CreatedAt})
}

// Decode extracts a Notification from a queue message.
func Decode(msg queue.Message) (Notification, error) {
	if msg.Type != MessageType {
		return Notification{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	var n Notification
	if err := json.Unmarshal(msg.Body, &n); err != nil {
		return Notification{}, fmt.Errorf("decode notification: %w", err)
	}
	return n, nil
}

// LogNotifier writes notifications to the log. Used when no webhook is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	note = withDefaults(note)
	n.log.Info("notification",
		zap.String("notification_id", note.ID),
		zap.String("channel", note.Channel),
		zap.String("recipient", note.Recipient),
		zap.String("subject", note.Subject),
		zap.Any("payload", note.Payload),
	)
	return nil
}

func withDefaults(n Notification) Notification {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	return n
}
