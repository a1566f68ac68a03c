package notifier

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Notification is a best-effort message for the user.
type Notification struct {
	Title string
	Body  string
	Data  map[string]string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. It is the terminal's local notification.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{log: logger.Named("notify")}
}

func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	fields := []zap.Field{zap.String("title", n.Title), zap.String("body", n.Body)}
	for k, v := range n.Data {
		fields = append(fields, zap.String(k, v))
	}
	l.log.Info("notification", fields...)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, target := range m {
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
