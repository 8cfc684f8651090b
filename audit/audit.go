// Package audit provides AuditSink implementations. Sinks are fire-and-forget
// from the engine's perspective; a failed append is the sink's problem to
// report, never the caller's.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessella/custody-engine/interfaces"
)

// StoreSink appends audit entries as rows in the persistence backend.
type StoreSink struct {
	store interfaces.Store
	now   func() time.Time
}

// NewStoreSink creates a store-backed sink.
func NewStoreSink(store interfaces.Store) *StoreSink {
	return &StoreSink{store: store, now: time.Now}
}

func (s *StoreSink) Append(ctx context.Context, vault interfaces.VaultID, actor interfaces.UserID, eventType string, details map[string]any) error {
	return s.store.AppendAudit(ctx, &interfaces.AuditEntry{
		VaultID:   vault,
		ActorID:   actor,
		EventType: eventType,
		Details:   details,
		CreatedAt: s.now(),
	})
}

// LogSink writes audit events to the structured log only, for development
// setups with no durable audit trail.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a log-backed sink.
func NewLogSink(log *slog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Append(_ context.Context, vault interfaces.VaultID, actor interfaces.UserID, eventType string, details map[string]any) error {
	s.log.Info("audit",
		"vault", vault, "actor", actor, "event", eventType, "details", details)
	return nil
}

// MultiSink fans out to several sinks and reports the first failure.
type MultiSink struct {
	sinks []interfaces.AuditSink
}

// NewMultiSink creates a fan-out sink.
func NewMultiSink(sinks ...interfaces.AuditSink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Append(ctx context.Context, vault interfaces.VaultID, actor interfaces.UserID, eventType string, details map[string]any) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Append(ctx, vault, actor, eventType, details); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
