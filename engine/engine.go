// Package engine implements the custody core: vault lifecycle, the action
// approval state machine, and execution against a ledger adapter.
//
// Concurrency model: votes and executions on one action serialize on a mutex
// keyed by action ID, so exactly one caller observes a threshold crossing and
// executes. Vault configuration mutations serialize on a per-vault mutex the
// same way.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/tessella/custody-engine/interfaces"
	"github.com/tessella/custody-engine/ledger"
	"github.com/tessella/custody-engine/sharestore"
)

// Config wires the engine's collaborators. Store, Shares, and Ledgers are
// required; Audit and Log default to no-ops, Now to time.Now.
type Config struct {
	Store   interfaces.Store
	Shares  *sharestore.Store
	Ledgers *ledger.Registry
	Audit   interfaces.AuditSink
	Log     *slog.Logger
	Now     func() time.Time
}

// Engine orchestrates vaults, actions, votes, and executions.
type Engine struct {
	store   interfaces.Store
	shares  *sharestore.Store
	ledgers *ledger.Registry
	audit   interfaces.AuditSink
	log     *slog.Logger
	now     func() time.Time

	actionLocks keyedMutex
	vaultLocks  keyedMutex
}

// New creates an engine from the given configuration.
func New(cfg Config) *Engine {
	e := &Engine{
		store:   cfg.Store,
		shares:  cfg.Shares,
		ledgers: cfg.Ledgers,
		audit:   cfg.Audit,
		log:     cfg.Log,
		now:     cfg.Now,
	}
	if e.log == nil {
		e.log = slog.New(slog.DiscardHandler)
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// recordAudit appends an audit entry. Failures are logged and never propagate
// to the primary operation.
func (e *Engine) recordAudit(ctx context.Context, vault interfaces.VaultID, actor interfaces.UserID, eventType string, details map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(ctx, vault, actor, eventType, details); err != nil {
		e.log.Warn("audit write failed",
			"vault", vault, "event", eventType, "err", err)
	}
}
