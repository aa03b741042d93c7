// internal/notification/sink.go
package notification

import (
	"context"
	"sync"

	"libracirc/internal/circulation"

	"go.uber.org/zap"
)

// LogSink writes every notification to the log.
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, n circulation.Notification) {
	s.logger.Infow("notification",
		"type", n.Type,
		"item_pid", n.Item.PID,
		"loan_pid", n.Loan.PID,
		"patron_pid", n.Loan.PatronPID,
		"loan_state", n.Loan.State,
	)
}

// Recorder keeps notifications in memory.
type Recorder struct {
	mu            sync.Mutex
	notifications []circulation.Notification
}

func (r *Recorder) Notify(_ context.Context, n circulation.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notifications = append(r.notifications, n)
}

// Notifications returns a copy of what was recorded so far.
func (r *Recorder) Notifications() []circulation.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]circulation.Notification(nil), r.notifications...)
}

// Types returns the recorded notification types in order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.notifications))
	for _, n := range r.notifications {
		types = append(types, n.Type)
	}
	return types
}

// Multi fans a notification out to several sinks.
type Multi []circulation.Notifier

func (m Multi) Notify(ctx context.Context, n circulation.Notification) {
	for _, s := range m {
		s.Notify(ctx, n)
	}
}
