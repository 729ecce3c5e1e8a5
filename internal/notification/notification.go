package notification

import (
	"context"
	"errors"
	"log/slog"
)

const (
	// KindEscrowTransition indicates an escrow changed status.
	KindEscrowTransition = "escrow_transition"
)

// Message describes a notification payload.
type Message struct {
	Kind        string            `json:"kind"`
	TenantID    string            `json:"tenant_id"`
	Key         string            `json:"key"`
	Destination string            `json:"destination,omitempty"`
	Body        string            `json:"body"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", message.Kind,
		"tenant_id", message.TenantID,
		"key", message.Key,
		"destination", message.Destination,
		"body", message.Body,
	)
	return nil
}

// Multi fans a message out to several notifiers and joins their errors.
type Multi []Notifier

// Send delivers to every notifier even when an earlier one fails.
func (m Multi) Send(ctx context.Context, message Message) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
