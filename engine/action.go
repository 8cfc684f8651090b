package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tessella/custody-engine/interfaces"
	"github.com/tessella/custody-engine/rules"
	"github.com/tessella/custody-engine/shamir"
)

// CreateAction proposes an operation on an active vault. The rate-limit
// pre-check and rule evaluation run before anything is persisted; a blocked or
// rate-limited proposal leaves no trace. An auto-approved action executes
// synchronously and the execution error, if any, is returned alongside the
// persisted action.
func (e *Engine) CreateAction(ctx context.Context, vaultID interfaces.VaultID, creator interfaces.UserID, payload interfaces.Payload) (*interfaces.Action, error) {
	vault, err := e.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if vault.Status != interfaces.VaultActive {
		return nil, fmt.Errorf("%w: status %s", interfaces.ErrVaultNotActive, vault.Status)
	}
	member, err := e.requireMember(ctx, vaultID, creator)
	if err != nil {
		return nil, err
	}
	if !member.Role.CanPropose() {
		return nil, fmt.Errorf("%w: role %s cannot create actions", interfaces.ErrNotASigner, member.Role)
	}

	actionType := payload.ActionType()
	now := e.now()

	if amount, ok := interfaces.PayloadAmount(payload); ok {
		if err := rules.CheckRateLimit(ctx, e.store, vaultID, actionType, amount, now); err != nil {
			return nil, err
		}
	}

	ruleset, err := e.store.ListRules(ctx, vaultID, true)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	verdict := rules.Evaluate(ruleset, actionType, payload, now)
	if verdict.Blocked {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrPolicyBlocked, verdict.BlockReason)
	}

	required := verdict.ApprovalsRequired
	if required == 0 {
		required = rules.DefaultApprovals(vault.Type, actionType)
	}

	action := &interfaces.Action{
		ID:                interfaces.NewActionID(),
		VaultID:           vaultID,
		Type:              actionType,
		CreatorID:         creator,
		Payload:           payload,
		Status:            interfaces.ActionPending,
		ApprovalsRequired: required,
		TimeLockUntil:     verdict.TimeLockUntil,
		ExpiresAt:         actionExpiry(ruleset, now),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	switch {
	case !verdict.TimeLockUntil.IsZero():
		action.Status = interfaces.ActionTimeLocked
	case verdict.AutoApprove:
		action.Status = interfaces.ActionApproved
	}

	if err := e.store.CreateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("create action: %w", err)
	}
	e.recordAudit(ctx, vaultID, creator, "action_created", map[string]any{
		"action": action.ID, "type": string(actionType), "status": string(action.Status),
		"approvals_required": required,
	})
	e.log.Info("action created",
		"action", action.ID, "vault", vaultID, "type", actionType, "status", action.Status)

	if action.Status == interfaces.ActionApproved {
		execErr := e.ExecuteAction(ctx, action.ID)
		updated, err := e.store.GetAction(ctx, action.ID)
		if err != nil {
			return nil, err
		}
		return updated, execErr
	}
	return action, nil
}

// CastVote records a member's decision and drives the resulting transition:
// denial short-circuit, approval threshold, or immediate execution. Votes on
// one action are serialized so the threshold is crossed exactly once.
func (e *Engine) CastVote(ctx context.Context, actionID interfaces.ActionID, voter interfaces.UserID, decision interfaces.VoteDecision, reason string) (*interfaces.Action, error) {
	if decision != interfaces.VoteApprove && decision != interfaces.VoteDeny {
		return nil, fmt.Errorf("%w: unknown decision %q", interfaces.ErrInvalidParameters, decision)
	}

	unlock := e.actionLocks.lock(string(actionID))
	defer unlock()

	action, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if !action.Status.Votable() {
		return nil, fmt.Errorf("%w: status %s", interfaces.ErrActionNotVotable, action.Status)
	}
	member, err := e.requireMember(ctx, action.VaultID, voter)
	if err != nil {
		return nil, err
	}
	if !member.Role.CanVote() {
		return nil, fmt.Errorf("%w: role %s", interfaces.ErrNotASigner, member.Role)
	}

	now := e.now()
	vote := &interfaces.Vote{
		ID:        interfaces.NewVoteID(),
		ActionID:  actionID,
		VoterID:   voter,
		MemberID:  member.ID,
		Decision:  decision,
		Reason:    reason,
		CreatedAt: now,
	}
	if err := e.store.CreateVote(ctx, vote); err != nil {
		return nil, err
	}

	if decision == interfaces.VoteApprove {
		action.ApprovalsReceived++
	} else {
		action.DenialsReceived++
	}
	action.UpdatedAt = now

	e.recordAudit(ctx, action.VaultID, voter, "vote_cast", map[string]any{
		"action": actionID, "decision": string(decision),
		"approvals": action.ApprovalsReceived, "denials": action.DenialsReceived,
	})

	// Denial short-circuit: once quorum is arithmetically unreachable the
	// action is denied no matter how many approvals are still outstanding.
	eligible, err := e.countEligibleSigners(ctx, action.VaultID)
	if err != nil {
		return nil, err
	}
	if action.DenialsReceived > eligible-action.ApprovalsRequired {
		action.Status = interfaces.ActionDenied
		if err := e.store.UpdateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("deny action: %w", err)
		}
		e.recordAudit(ctx, action.VaultID, "", "action_denied", map[string]any{
			"action": actionID, "denials": action.DenialsReceived, "eligible": eligible,
		})
		return action, nil
	}

	if action.ApprovalsReceived >= action.ApprovalsRequired {
		action.Status = interfaces.ActionApproved
		if err := e.store.UpdateAction(ctx, action); err != nil {
			return nil, fmt.Errorf("approve action: %w", err)
		}
		// A still-future time-lock defers execution to the sweep.
		if action.TimeLockUntil.After(now) {
			return action, nil
		}
		if err := e.executeLocked(ctx, action); err != nil {
			return action, err
		}
		return action, nil
	}

	if err := e.store.UpdateAction(ctx, action); err != nil {
		return nil, fmt.Errorf("record vote tally: %w", err)
	}
	return action, nil
}

// ExecuteAction executes an approved action, serialized per action ID.
func (e *Engine) ExecuteAction(ctx context.Context, actionID interfaces.ActionID) error {
	unlock := e.actionLocks.lock(string(actionID))
	defer unlock()

	action, err := e.store.GetAction(ctx, actionID)
	if err != nil {
		return err
	}
	return e.executeLocked(ctx, action)
}

// executeLocked runs the execution state machine. The caller holds the
// action's lock. An action no longer in approved state is someone else's
// completed work and returns without error.
func (e *Engine) executeLocked(ctx context.Context, action *interfaces.Action) error {
	if action.Status != interfaces.ActionApproved {
		return nil
	}

	action.Status = interfaces.ActionExecuting
	action.UpdatedAt = e.now()
	if err := e.store.UpdateAction(ctx, action); err != nil {
		return fmt.Errorf("mark executing: %w", err)
	}

	vault, err := e.store.GetVault(ctx, action.VaultID)
	if err != nil {
		return e.failAction(ctx, action, err)
	}

	var result interfaces.ExecutionResult
	if action.Type.MovesFunds() {
		result, err = e.executeTransfer(ctx, vault, action)
	} else {
		err = e.executeStateChange(ctx, vault, action)
	}
	if err != nil {
		return e.failAction(ctx, action, err)
	}

	now := e.now()
	action.Status = interfaces.ActionExecuted
	action.ExecutedAt = now
	action.UpdatedAt = now
	action.Result = &result
	if err := e.store.UpdateAction(ctx, action); err != nil {
		return fmt.Errorf("mark executed: %w", err)
	}
	e.recordAudit(ctx, action.VaultID, "", "action_executed", map[string]any{
		"action": action.ID, "type": string(action.Type), "tx_hash": result.TxHash,
	})
	e.log.Info("action executed", "action", action.ID, "type", action.Type, "tx_hash", result.TxHash)
	return nil
}

// failAction records the failure durably and re-raises it, so the durable
// state and the returned error agree.
func (e *Engine) failAction(ctx context.Context, action *interfaces.Action, cause error) error {
	now := e.now()
	action.Status = interfaces.ActionFailed
	action.UpdatedAt = now
	action.Result = &interfaces.ExecutionResult{Error: cause.Error()}
	if err := e.store.UpdateAction(ctx, action); err != nil {
		e.log.Error("failed to record action failure", "action", action.ID, "err", err)
	}
	e.recordAudit(ctx, action.VaultID, "", "action_failed", map[string]any{
		"action": action.ID, "type": string(action.Type), "error": cause.Error(),
	})
	e.log.Warn("action failed", "action", action.ID, "type", action.Type, "err", cause)
	return cause
}

// executeTransfer reconstructs the signing key, builds and signs the
// transaction, and submits it. The reconstructed key is wiped on every exit
// path.
func (e *Engine) executeTransfer(ctx context.Context, vault *interfaces.Vault, action *interfaces.Action) (interfaces.ExecutionResult, error) {
	adapter, err := e.ledgers.Adapter(vault.Chain, vault.Network)
	if err != nil {
		return interfaces.ExecutionResult{}, err
	}

	rawKey, err := e.reconstructKey(ctx, vault)
	if err != nil {
		return interfaces.ExecutionResult{}, err
	}
	defer shamir.Wipe(rawKey)

	unsigned, err := buildTransaction(ctx, adapter, vault.WalletPublicKey, action.Payload)
	if err != nil {
		return interfaces.ExecutionResult{}, err
	}
	signed, err := adapter.Sign(unsigned, rawKey)
	if err != nil {
		return interfaces.ExecutionResult{}, fmt.Errorf("%w: sign: %v", interfaces.ErrAdapterFailure, err)
	}
	res, err := adapter.Submit(ctx, signed)
	if err != nil {
		return interfaces.ExecutionResult{}, err
	}
	if !res.Success {
		return interfaces.ExecutionResult{}, fmt.Errorf("%w: %s", interfaces.ErrAdapterFailure, res.Error)
	}
	return interfaces.ExecutionResult{TxHash: res.Hash, Ledger: res.Ledger}, nil
}

// reconstructKey decrypts the first threshold shares in share-index order and
// combines them. Callers own the returned bytes and must wipe them.
func (e *Engine) reconstructKey(ctx context.Context, vault *interfaces.Vault) ([]byte, error) {
	members, err := e.store.ListMembers(ctx, vault.ID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	collected := make([]shamir.Share, 0, vault.Threshold)
	for _, m := range members {
		if len(collected) == vault.Threshold {
			break
		}
		if m.Status != interfaces.MemberAccepted {
			continue
		}
		share, err := e.shares.Get(ctx, vault.ID, m.ID)
		if err != nil {
			e.log.Warn("share unavailable", "vault", vault.ID, "member", m.ID, "err", err)
			continue
		}
		collected = append(collected, share)
	}
	if len(collected) < vault.Threshold {
		return nil, fmt.Errorf("%w: %d of %d shares retrievable",
			interfaces.ErrInsufficientShares, len(collected), vault.Threshold)
	}
	return shamir.Combine(collected)
}

func buildTransaction(ctx context.Context, adapter interfaces.LedgerAdapter, source string, payload interfaces.Payload) (string, error) {
	switch p := payload.(type) {
	case *interfaces.PaymentPayload:
		return adapter.BuildPayment(ctx, interfaces.PaymentParams{
			Source: source, Destination: p.Destination, Amount: p.Amount, Asset: p.Asset, Memo: p.Memo,
		})
	case interfaces.PaymentPayload:
		return buildTransaction(ctx, adapter, source, &p)
	case *interfaces.BatchPaymentPayload:
		return adapter.BuildBatchPayment(ctx, interfaces.BatchPaymentParams{
			Source: source, Payments: p.Payments, Memo: p.Memo,
		})
	case interfaces.BatchPaymentPayload:
		return buildTransaction(ctx, adapter, source, &p)
	case *interfaces.PathPaymentPayload:
		return adapter.BuildPathPayment(ctx, interfaces.PathPaymentParams{
			Source: source, Destination: p.Destination,
			SendAsset: p.SendAsset, DestAsset: p.DestAsset,
			DestAmount: p.DestAmount, MaxSend: p.MaxSend,
		})
	case interfaces.PathPaymentPayload:
		return buildTransaction(ctx, adapter, source, &p)
	case *interfaces.MilestoneReleasePayload:
		return adapter.BuildPayment(ctx, interfaces.PaymentParams{
			Source: source, Destination: p.Destination, Amount: p.Amount, Memo: p.Memo,
		})
	case interfaces.MilestoneReleasePayload:
		return buildTransaction(ctx, adapter, source, &p)
	}
	return "", fmt.Errorf("%w: payload %T moves no funds", interfaces.ErrInvalidParameters, payload)
}

// executeStateChange applies non-transfer actions. Config mutations serialize
// on the vault lock so concurrent partial updates cannot lose writes.
func (e *Engine) executeStateChange(ctx context.Context, vault *interfaces.Vault, action *interfaces.Action) error {
	switch p := action.Payload.(type) {
	case *interfaces.HeartbeatPayload, interfaces.HeartbeatPayload:
		return e.mutateVaultConfig(ctx, vault.ID, func(v *interfaces.Vault) {
			if v.Config.Inheritance == nil {
				v.Config.Inheritance = &interfaces.InheritanceConfig{}
			}
			v.Config.Inheritance.LastHeartbeat = e.now()
			// A fresh heartbeat re-arms the switch after an activation.
			v.Config.Inheritance.ExecutorActivated = false
		})

	case *interfaces.ExecutorActivationPayload, interfaces.ExecutorActivationPayload:
		return e.mutateVaultConfig(ctx, vault.ID, func(v *interfaces.Vault) {
			if v.Config.Inheritance == nil {
				v.Config.Inheritance = &interfaces.InheritanceConfig{}
			}
			v.Config.Inheritance.ExecutorActivated = true
		})

	case *interfaces.ConfigChangePayload:
		return e.mutateVaultConfig(ctx, vault.ID, func(v *interfaces.Vault) {
			p.Changes.Apply(&v.Config, v.Type)
		})
	case interfaces.ConfigChangePayload:
		return e.mutateVaultConfig(ctx, vault.ID, func(v *interfaces.Vault) {
			p.Changes.Apply(&v.Config, v.Type)
		})

	case *interfaces.MemberAddPayload:
		return e.addMember(ctx, vault, p)
	case interfaces.MemberAddPayload:
		return e.addMember(ctx, vault, &p)

	case *interfaces.MemberRemovePayload:
		return e.removeMember(ctx, p.MemberID)
	case interfaces.MemberRemovePayload:
		return e.removeMember(ctx, p.MemberID)

	case *interfaces.ShareRotationPayload:
		return e.rotateShares(ctx, vault.ID, p.NewThreshold, p.MemberIDs)
	case interfaces.ShareRotationPayload:
		return e.rotateShares(ctx, vault.ID, p.NewThreshold, p.MemberIDs)

	case *interfaces.ProposalPayload, interfaces.ProposalPayload,
		*interfaces.DisputePayload, interfaces.DisputePayload:
		// Approval itself is the outcome; nothing else to mutate.
		return nil
	}
	return fmt.Errorf("%w: no executor for payload %T", interfaces.ErrInvalidParameters, action.Payload)
}

// mutateVaultConfig runs a read-modify-write on the vault under its lock.
func (e *Engine) mutateVaultConfig(ctx context.Context, id interfaces.VaultID, mutate func(*interfaces.Vault)) error {
	unlock := e.vaultLocks.lock(string(id))
	defer unlock()

	vault, err := e.store.GetVault(ctx, id)
	if err != nil {
		return err
	}
	mutate(vault)
	vault.UpdatedAt = e.now()
	return e.store.UpdateVault(ctx, vault)
}

func (e *Engine) addMember(ctx context.Context, vault *interfaces.Vault, p *interfaces.MemberAddPayload) error {
	members, err := e.store.ListMembers(ctx, vault.ID)
	if err != nil {
		return err
	}
	maxIndex := 0
	for _, m := range members {
		if m.ShareIndex > maxIndex {
			maxIndex = m.ShareIndex
		}
	}
	token, err := newInviteToken()
	if err != nil {
		return err
	}
	// The new member holds no share until a share_rotation includes them.
	return e.store.CreateMember(ctx, &interfaces.Member{
		ID:          interfaces.NewMemberID(),
		VaultID:     vault.ID,
		Email:       p.Email,
		Role:        p.Role,
		Label:       p.Label,
		InviteToken: token,
		Status:      interfaces.MemberPending,
		ShareIndex:  maxIndex + 1,
		InvitedAt:   e.now(),
	})
}

func (e *Engine) removeMember(ctx context.Context, id interfaces.MemberID) error {
	m, err := e.store.GetMember(ctx, id)
	if err != nil {
		return err
	}
	m.Status = interfaces.MemberRemoved
	return e.store.UpdateMember(ctx, m)
}

// rotateShares reconstructs the key with the current share set, discards the
// old shares, and re-splits for the given member set and threshold.
func (e *Engine) rotateShares(ctx context.Context, id interfaces.VaultID, newThreshold int, memberIDs []interfaces.MemberID) error {
	if newThreshold < 2 || newThreshold > len(memberIDs) {
		return fmt.Errorf("%w: threshold %d of %d members", interfaces.ErrInvalidParameters, newThreshold, len(memberIDs))
	}

	unlock := e.vaultLocks.lock(string(id))
	defer unlock()

	vault, err := e.store.GetVault(ctx, id)
	if err != nil {
		return err
	}

	holders := make([]*interfaces.Member, 0, len(memberIDs))
	for _, mid := range memberIDs {
		m, err := e.store.GetMember(ctx, mid)
		if err != nil {
			return err
		}
		if m.VaultID != id || m.Status != interfaces.MemberAccepted {
			return fmt.Errorf("%w: member %s cannot hold a share", interfaces.ErrNotAMember, mid)
		}
		holders = append(holders, m)
	}

	rawKey, err := e.reconstructKey(ctx, vault)
	if err != nil {
		return err
	}
	defer shamir.Wipe(rawKey)

	newShares, err := shamir.Split(rawKey, len(holders), newThreshold)
	if err != nil {
		return err
	}
	if err := e.shares.DeleteAll(ctx, id); err != nil {
		return fmt.Errorf("discard old shares: %w", err)
	}
	for i, m := range holders {
		m.ShareIndex = i + 1
		if err := e.store.UpdateMember(ctx, m); err != nil {
			return fmt.Errorf("reindex member %s: %w", m.ID, err)
		}
		if err := e.shares.Put(ctx, id, m.ID, i+1, newShares[i]); err != nil {
			return fmt.Errorf("store rotated share %d: %w", i+1, err)
		}
	}

	vault.Threshold = newThreshold
	vault.TotalShares = len(holders)
	vault.UpdatedAt = e.now()
	if err := e.store.UpdateVault(ctx, vault); err != nil {
		return fmt.Errorf("update vault after rotation: %w", err)
	}
	e.recordAudit(ctx, id, "", "shares_rotated", map[string]any{
		"threshold": newThreshold, "total_shares": len(holders),
	})
	return nil
}

// ListActions returns the vault's actions, newest first, honoring the filter.
func (e *Engine) ListActions(ctx context.Context, vault interfaces.VaultID, f interfaces.ActionFilter) ([]*interfaces.Action, error) {
	return e.store.ListActions(ctx, vault, f)
}

// GetAction returns one action.
func (e *Engine) GetAction(ctx context.Context, id interfaces.ActionID) (*interfaces.Action, error) {
	return e.store.GetAction(ctx, id)
}

// ListVotes returns the votes cast on an action.
func (e *Engine) ListVotes(ctx context.Context, id interfaces.ActionID) ([]*interfaces.Vote, error) {
	return e.store.ListVotes(ctx, id)
}

// countEligibleSigners counts accepted members whose role can vote.
func (e *Engine) countEligibleSigners(ctx context.Context, vault interfaces.VaultID) (int, error) {
	members, err := e.store.ListMembers(ctx, vault)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		if m.Status == interfaces.MemberAccepted && m.Role.CanVote() {
			n++
		}
	}
	return n, nil
}

// actionExpiry derives the action's voting deadline from the vault's rules: a
// voting_period rule wins, otherwise a declarative expiration TTL applies.
func actionExpiry(ruleset []*interfaces.Rule, now time.Time) time.Time {
	var ttlHours int
	for _, r := range ruleset {
		if !r.Enabled {
			continue
		}
		switch r.Type {
		case interfaces.RuleVotingPeriod:
			if r.Config.VotingPeriodHours > 0 {
				return now.Add(time.Duration(r.Config.VotingPeriodHours) * time.Hour)
			}
		case interfaces.RuleExpiration:
			if ttlHours == 0 && r.Config.ExpiresAfterHours > 0 {
				ttlHours = r.Config.ExpiresAfterHours
			}
		}
	}
	if ttlHours > 0 {
		return now.Add(time.Duration(ttlHours) * time.Hour)
	}
	return time.Time{}
}
