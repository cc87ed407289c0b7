package notifier

import (
	"context"

	"go.uber.org/zap"
)

// LogSender writes messages to the log instead of a chat.
type LogSender struct {
	l *zap.Logger
}

func NewLogSender(l *zap.Logger) *LogSender {
	if l == nil {
		l = zap.NewNop()
	}
	return &LogSender{l: l}
}

func (s *LogSender) SendText(_ context.Context, text string) error {
	s.l.Info("notification", zap.String("text", text))
	return nil
}
