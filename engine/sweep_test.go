package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessella/custody-engine/interfaces"
)

func TestProcessExpirations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Family vaults carry a 168h expiration rule by default.
	vault, _ := env.activeVault(t, interfaces.VaultFamily, 2, interfaces.VaultConfig{}, nil, threeSignerInvites())

	action, err := env.eng.CreateAction(ctx, vault.ID, "user-creator", interfaces.PaymentPayload{Destination: "d", Amount: "10"})
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(168*time.Hour), action.ExpiresAt)

	n, err := env.eng.ProcessExpirations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing due yet")

	env.clock.Advance(169 * time.Hour)
	n, err = env.eng.ProcessExpirations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := env.eng.GetAction(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ActionExpired, expired.Status)

	_, err = env.eng.CastVote(ctx, action.ID, "user-b@example.com", interfaces.VoteApprove, "")
	assert.ErrorIs(t, err, interfaces.ErrActionNotVotable)
}

func TestDAOVotingPeriodShapesExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invites := []Invite{
		{Email: "a@example.com", Role: interfaces.RoleOwner},
		{Email: "b@example.com", Role: interfaces.RoleCouncil},
		{Email: "c@example.com", Role: interfaces.RoleCouncil},
	}
	cfg := interfaces.VaultConfig{DAO: &interfaces.DAOConfig{VotingPeriodHours: 48}}
	vault, _ := env.activeVault(t, interfaces.VaultDAO, 2, cfg, nil, invites)

	action, err := env.eng.CreateAction(ctx, vault.ID, "user-creator", interfaces.ProposalPayload{Title: "treasury move"})
	require.NoError(t, err)
	assert.Equal(t, env.clock.Now().Add(48*time.Hour), action.ExpiresAt)
	assert.Equal(t, 3, action.ApprovalsRequired)
}

func inheritanceVault(t *testing.T, env *testEnv, intervalDays int) (*interfaces.Vault, map[string]*interfaces.Member) {
	t.Helper()
	invites := []Invite{
		{Email: "owner@example.com", Role: interfaces.RoleOwner},
		{Email: "exec@example.com", Role: interfaces.RoleExecutor},
		{Email: "heir@example.com", Role: interfaces.RoleBeneficiary},
	}
	cfg := interfaces.VaultConfig{Inheritance: &interfaces.InheritanceConfig{
		HeartbeatIntervalDays: intervalDays,
		ExecutorDelayDays:     7,
	}}
	return env.activeVault(t, interfaces.VaultInheritance, 2, cfg, nil, invites)
}

func TestCheckHeartbeatsActivatesExecutor(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	vault, _ := inheritanceVault(t, env, 30)

	// A recent heartbeat keeps the switch armed but silent.
	n, err := env.eng.CheckHeartbeats(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Advance(31 * 24 * time.Hour)
	n, err = env.eng.CheckHeartbeats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, _, err := env.eng.GetVault(ctx, vault.ID)
	require.NoError(t, err)
	require.NotNil(t, v.Config.Inheritance)
	assert.True(t, v.Config.Inheritance.ExecutorActivated)

	// The activation ran as an auto-approved action credited to the executor.
	actions, err := env.eng.ListActions(ctx, vault.ID, interfaces.ActionFilter{Type: interfaces.ActionExecutorActivation})
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, interfaces.ActionExecuted, actions[0].Status)
	assert.Equal(t, interfaces.UserID("user-exec@example.com"), actions[0].CreatorID)

	// The sweep is idempotent once activated.
	n, err = env.eng.CheckHeartbeats(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHeartbeatActionResetsTimer(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	vault, _ := inheritanceVault(t, env, 30)

	env.clock.Advance(20 * 24 * time.Hour)
	action, err := env.eng.CreateAction(ctx, vault.ID, "user-creator", interfaces.HeartbeatPayload{})
	require.NoError(t, err)
	_, err = env.eng.CastVote(ctx, action.ID, "user-exec@example.com", interfaces.VoteApprove, "")
	require.NoError(t, err)
	voted, err := env.eng.CastVote(ctx, action.ID, "user-creator", interfaces.VoteApprove, "")
	require.NoError(t, err)
	require.Equal(t, interfaces.ActionExecuted, voted.Status)

	v, _, err := env.eng.GetVault(ctx, vault.ID)
	require.NoError(t, err)
	require.NotNil(t, v.Config.Inheritance)
	assert.Equal(t, env.clock.Now(), v.Config.Inheritance.LastHeartbeat)

	// 20 more days is within the refreshed interval; no activation fires.
	env.clock.Advance(20 * 24 * time.Hour)
	n, err := env.eng.CheckHeartbeats(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestHeartbeatReArmsSwitchAfterActivation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	vault, _ := inheritanceVault(t, env, 30)

	env.clock.Advance(31 * 24 * time.Hour)
	n, err := env.eng.CheckHeartbeats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// The owner resurfaces: a heartbeat clears the activation and restarts
	// the interval.
	action, err := env.eng.CreateAction(ctx, vault.ID, "user-creator", interfaces.HeartbeatPayload{})
	require.NoError(t, err)
	_, err = env.eng.CastVote(ctx, action.ID, "user-exec@example.com", interfaces.VoteApprove, "")
	require.NoError(t, err)
	voted, err := env.eng.CastVote(ctx, action.ID, "user-creator", interfaces.VoteApprove, "")
	require.NoError(t, err)
	require.Equal(t, interfaces.ActionExecuted, voted.Status)

	v, _, err := env.eng.GetVault(ctx, vault.ID)
	require.NoError(t, err)
	require.NotNil(t, v.Config.Inheritance)
	assert.False(t, v.Config.Inheritance.ExecutorActivated)
	assert.Equal(t, env.clock.Now(), v.Config.Inheritance.LastHeartbeat)

	// Going quiet again trips the switch a second time.
	env.clock.Advance(31 * 24 * time.Hour)
	n, err = env.eng.CheckHeartbeats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	activations, err := env.eng.ListActions(ctx, vault.ID, interfaces.ActionFilter{Type: interfaces.ActionExecutorActivation})
	require.NoError(t, err)
	assert.Len(t, activations, 2)
}

func TestHeartbeatIntervalPrefersRuleConfig(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	vault, _ := inheritanceVault(t, env, 30)

	// Tightening the cadence by rule takes effect without a config change.
	_, err := env.eng.AddRule(ctx, vault.ID, "user-creator", RuleSpec{
		Type:     interfaces.RuleHeartbeat,
		Config:   interfaces.RuleConfig{HeartbeatIntervalDays: 10},
		Priority: 5,
	})
	require.NoError(t, err)

	env.clock.Advance(15 * 24 * time.Hour)
	n, err := env.eng.CheckHeartbeats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, _, err := env.eng.GetVault(ctx, vault.ID)
	require.NoError(t, err)
	require.NotNil(t, v.Config.Inheritance)
	assert.True(t, v.Config.Inheritance.ExecutorActivated)
}
