package journal

import (
	"context"
	"log/slog"
)

// LogSink writes entries as structured log records.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "journal-log")}
}

func (s *LogSink) Write(ctx context.Context, e Entry) error {
	attrs := []any{
		"entry_id", e.ID,
		"seq", e.Seq,
		"cause", e.Cause,
		"counter", e.Counter,
	}
	if e.Address != "" {
		attrs = append(attrs, "address", e.Address, "is_owner", e.IsOwner)
	}
	if e.TxID != "" {
		attrs = append(attrs, "tx_id", e.TxID, "tx_kind", e.TxKind, "tx_phase", e.TxPhase)
	}
	if e.TxHash != "" {
		attrs = append(attrs, "tx_hash", e.TxHash)
	}
	if e.Error != "" {
		attrs = append(attrs, "error_kind", e.ErrorKind, "error", e.Error)
	}

	s.logger.InfoContext(ctx, "session event", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }
