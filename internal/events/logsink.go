package events

import (
	"go.uber.org/zap"

	"bluetooth-xfer/internal/errorkinds"
)

// LogSink writes events to a zap logger.
type LogSink struct {
	log *zap.Logger
}

// NewLogSink returns a sink logging through l; a nil logger uses zap.L().
func NewLogSink(l *zap.Logger) *LogSink {
	if l == nil {
		l = zap.L()
	}
	return &LogSink{log: l.Named("events")}
}

// Publish logs ev. Cancellations are informational, other failures are warnings.
func (s *LogSink) Publish(ev Event) {
	switch ev.Kind {
	case KindStatus:
		s.log.Info(ev.Status)
	case KindState:
		s.log.Debug("session state changed",
			zap.String("role", ev.State.Role),
			zap.String("from", ev.State.From),
			zap.String("to", ev.State.To))
	case KindProgress:
		s.log.Debug("transfer progress",
			zap.Uint64("job_id", ev.Progress.JobID),
			zap.String("direction", ev.Progress.Direction),
			zap.Int64("bytes_moved", ev.Progress.BytesMoved),
			zap.Int64("total_bytes", ev.Progress.TotalBytes))
	case KindError:
		fields := []zap.Field{zap.String("kind", ev.Error.Kind), zap.String("reason", ev.Error.Reason)}
		if ev.Error.Kind == string(errorkinds.Cancelled) {
			s.log.Info(ev.Error.Issue, fields...)
			return
		}
		s.log.Warn(ev.Error.Issue, fields...)
	}
}
