package storage

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessella/custody-engine/interfaces"
	"github.com/tessella/custody-engine/rules"
)

var storeNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

// Both backends implement the same contract; every test runs against each.
func withEachStore(t *testing.T, fn func(t *testing.T, s interfaces.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "custody.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func seedVault(t *testing.T, s interfaces.Store) *interfaces.Vault {
	t.Helper()
	v := &interfaces.Vault{
		ID:          interfaces.NewVaultID(),
		Name:        "ops",
		Type:        interfaces.VaultCompany,
		Chain:       interfaces.ChainMock,
		Network:     interfaces.NetworkTestnet,
		Threshold:   2,
		TotalShares: 3,
		Status:      interfaces.VaultPending,
		Config:      interfaces.VaultConfig{Company: &interfaces.CompanyConfig{AutoApproveBelow: 100}},
		CreatorID:   "user1",
		CreatedAt:   storeNow,
		UpdatedAt:   storeNow,
	}
	require.NoError(t, s.CreateVault(context.Background(), v))
	return v
}

func TestVaultRoundTrip(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)

		got, err := s.GetVault(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, v.Name, got.Name)
		assert.Equal(t, v.Type, got.Type)
		require.NotNil(t, got.Config.Company)
		assert.Equal(t, 100.0, got.Config.Company.AutoApproveBelow)

		got.Status = interfaces.VaultActive
		got.WalletPublicKey = "MOCKAA"
		require.NoError(t, s.UpdateVault(ctx, got))

		updated, err := s.GetVault(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, interfaces.VaultActive, updated.Status)
		assert.Equal(t, "MOCKAA", updated.WalletPublicKey)

		_, err = s.GetVault(ctx, interfaces.NewVaultID())
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	})
}

func TestMemberLifecycle(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)

		m := &interfaces.Member{
			ID:          interfaces.NewMemberID(),
			VaultID:     v.ID,
			Email:       "b@example.com",
			Role:        interfaces.RoleSigner,
			InviteToken: "tok123",
			Status:      interfaces.MemberPending,
			ShareIndex:  1,
			InvitedAt:   storeNow,
		}
		require.NoError(t, s.CreateMember(ctx, m))

		// Share index collision within the vault is rejected.
		dup := *m
		dup.ID = interfaces.NewMemberID()
		dup.Email = "c@example.com"
		assert.Error(t, s.CreateMember(ctx, &dup))

		byToken, err := s.GetMemberByInviteToken(ctx, "tok123")
		require.NoError(t, err)
		assert.Equal(t, m.ID, byToken.ID)

		byToken.UserID = "user-b"
		byToken.Status = interfaces.MemberAccepted
		byToken.InviteToken = ""
		byToken.AcceptedAt = storeNow
		require.NoError(t, s.UpdateMember(ctx, byToken))

		byUser, err := s.GetMemberByUser(ctx, v.ID, "user-b")
		require.NoError(t, err)
		assert.Equal(t, interfaces.MemberAccepted, byUser.Status)
		assert.Equal(t, storeNow, byUser.AcceptedAt.UTC())

		_, err = s.GetMemberByInviteToken(ctx, "tok123")
		assert.ErrorIs(t, err, interfaces.ErrNotFound, "token cleared on acceptance")

		members, err := s.ListMembers(ctx, v.ID)
		require.NoError(t, err)
		assert.Len(t, members, 2)
		assert.Equal(t, 1, members[0].ShareIndex)
	})
}

func TestShareUpsertAndDelete(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)
		member := interfaces.NewMemberID()

		sh := &interfaces.Share{
			VaultID: v.ID, MemberID: member, ShareIndex: 1,
			Ciphertext: []byte{1, 2}, IV: []byte{3}, Salt: []byte{4}, CreatedAt: storeNow,
		}
		require.NoError(t, s.PutShare(ctx, sh))

		// Upsert on (vault, index) replaces the ciphertext.
		sh2 := *sh
		sh2.Ciphertext = []byte{9, 9}
		require.NoError(t, s.PutShare(ctx, &sh2))

		got, err := s.GetShare(ctx, v.ID, member)
		require.NoError(t, err)
		assert.Equal(t, []byte{9, 9}, got.Ciphertext)

		shares, err := s.ListShares(ctx, v.ID)
		require.NoError(t, err)
		assert.Len(t, shares, 1)

		require.NoError(t, s.DeleteShares(ctx, v.ID))
		_, err = s.GetShare(ctx, v.ID, member)
		assert.ErrorIs(t, err, interfaces.ErrNotFound)
	})
}

func seedActionAt(t *testing.T, s interfaces.Store, vault interfaces.VaultID, amount string, status interfaces.ActionStatus, at time.Time) *interfaces.Action {
	t.Helper()
	a := &interfaces.Action{
		ID:                interfaces.NewActionID(),
		VaultID:           vault,
		Type:              interfaces.ActionPayment,
		CreatorID:         "user1",
		Payload:           interfaces.PaymentPayload{Destination: "d", Amount: amount},
		Status:            status,
		ApprovalsRequired: 2,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
	require.NoError(t, s.CreateAction(context.Background(), a))
	return a
}

func TestActionRoundTripAndFilters(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)

		a := seedActionAt(t, s, v.ID, "42", interfaces.ActionPending, storeNow)
		seedActionAt(t, s, v.ID, "10", interfaces.ActionExecuted, storeNow.Add(time.Minute))

		got, err := s.GetAction(ctx, a.ID)
		require.NoError(t, err)
		pay, ok := got.Payload.(*interfaces.PaymentPayload)
		if !ok {
			p := got.Payload.(interfaces.PaymentPayload)
			pay = &p
		}
		assert.Equal(t, "42", pay.Amount)

		got.Status = interfaces.ActionExecuted
		got.ExecutedAt = storeNow.Add(time.Hour)
		got.Result = &interfaces.ExecutionResult{TxHash: "abc123"}
		require.NoError(t, s.UpdateAction(ctx, got))

		reread, err := s.GetAction(ctx, a.ID)
		require.NoError(t, err)
		require.NotNil(t, reread.Result)
		assert.Equal(t, "abc123", reread.Result.TxHash)

		all, err := s.ListActions(ctx, v.ID, interfaces.ActionFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		executed, err := s.ListActions(ctx, v.ID, interfaces.ActionFilter{Status: interfaces.ActionExecuted})
		require.NoError(t, err)
		assert.Len(t, executed, 2)

		limited, err := s.ListActions(ctx, v.ID, interfaces.ActionFilter{Limit: 1})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

func TestActionAggregates(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)

		seedActionAt(t, s, v.ID, "100", interfaces.ActionExecuted, storeNow.Add(-time.Hour))
		seedActionAt(t, s, v.ID, "200", interfaces.ActionPending, storeNow.Add(-time.Hour))
		seedActionAt(t, s, v.ID, "400", interfaces.ActionDenied, storeNow.Add(-time.Hour))
		seedActionAt(t, s, v.ID, "800", interfaces.ActionExecuted, storeNow.Add(-48*time.Hour))

		total, err := s.SumActionAmounts(ctx, v.ID, interfaces.ActionPayment,
			[]interfaces.ActionStatus{interfaces.ActionExecuted, interfaces.ActionPending},
			storeNow.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 300.0, total, "denied and out-of-window actions do not count")

		n, err := s.CountActions(ctx, v.ID, interfaces.ActionPayment, storeNow.Add(-24*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 3, n, "the count window ignores status")
	})
}

func TestDueTimeLocksAndExpiry(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)

		locked := seedActionAt(t, s, v.ID, "10", interfaces.ActionPending, storeNow)
		locked.Status = interfaces.ActionApproved
		locked.TimeLockUntil = storeNow.Add(time.Hour)
		require.NoError(t, s.UpdateAction(ctx, locked))

		due, err := s.ListDueTimeLocks(ctx, storeNow.Add(time.Minute))
		require.NoError(t, err)
		assert.Empty(t, due)

		due, err = s.ListDueTimeLocks(ctx, storeNow.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, due, 1)
		assert.Equal(t, locked.ID, due[0].ID)

		stale := seedActionAt(t, s, v.ID, "10", interfaces.ActionPending, storeNow)
		stale.ExpiresAt = storeNow.Add(time.Hour)
		require.NoError(t, s.UpdateAction(ctx, stale))

		expired, err := s.ExpireDueActions(ctx, storeNow.Add(2*time.Hour))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, interfaces.ActionExpired, expired[0].Status)

		again, err := s.ExpireDueActions(ctx, storeNow.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, again, "expiry is one-shot")
	})
}

func TestVoteUniqueness(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)
		a := seedActionAt(t, s, v.ID, "10", interfaces.ActionPending, storeNow)
		member := interfaces.NewMemberID()

		vote := &interfaces.Vote{
			ID: interfaces.NewVoteID(), ActionID: a.ID, VoterID: "user-b", MemberID: member,
			Decision: interfaces.VoteApprove, CreatedAt: storeNow,
		}
		require.NoError(t, s.CreateVote(ctx, vote))

		dup := *vote
		dup.ID = interfaces.NewVoteID()
		dup.Decision = interfaces.VoteDeny
		assert.ErrorIs(t, s.CreateVote(ctx, &dup), interfaces.ErrDuplicateVote)

		votes, err := s.ListVotes(ctx, a.ID)
		require.NoError(t, err)
		assert.Len(t, votes, 1)
	})
}

func TestRulesOrderingAndFilter(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)

		mk := func(rt interfaces.RuleType, priority int, enabled bool) *interfaces.Rule {
			r := &interfaces.Rule{
				ID: interfaces.NewRuleID(), VaultID: v.ID, Type: rt,
				Config:   interfaces.RuleConfig{AutoApproveBelow: 10},
				Priority: priority, Enabled: enabled, CreatedBy: "user1", CreatedAt: storeNow,
			}
			require.NoError(t, s.CreateRule(ctx, r))
			return r
		}
		mk(interfaces.RuleExpiration, 100, true)
		mk(interfaces.RuleAutoApprove, 10, true)
		disabled := mk(interfaces.RuleTimeLock, 20, false)

		all, err := s.ListRules(ctx, v.ID, false)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, interfaces.RuleAutoApprove, all[0].Type, "priority order")

		enabled, err := s.ListRules(ctx, v.ID, true)
		require.NoError(t, err)
		assert.Len(t, enabled, 2)

		disabled.Enabled = true
		require.NoError(t, s.UpdateRule(ctx, disabled))
		enabled, err = s.ListRules(ctx, v.ID, true)
		require.NoError(t, err)
		assert.Len(t, enabled, 3)
	})
}

func TestAuditPaging(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)

		for i := 0; i < 5; i++ {
			require.NoError(t, s.AppendAudit(ctx, &interfaces.AuditEntry{
				VaultID:   v.ID,
				ActorID:   "user1",
				EventType: "action_created",
				Details:   map[string]any{"seq": float64(i)},
				CreatedAt: storeNow.Add(time.Duration(i) * time.Second),
			}))
		}

		page, err := s.ListAudit(ctx, v.ID, 2, 0)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, float64(4), page[0].Details["seq"], "newest first")

		page, err = s.ListAudit(ctx, v.ID, 2, 4)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, float64(0), page[0].Details["seq"])
	})
}

func TestFactorySchemes(t *testing.T) {
	f := NewFactory(slog.New(slog.DiscardHandler))

	s, err := f.StoreFor("mem://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = f.StoreFor("sqlite://" + filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	_ = s.(*SQLiteStore).Close()

	_, err = f.StoreFor("postgres://localhost/db")
	assert.ErrorIs(t, err, interfaces.ErrInvalidParameters)
}

func TestEmptyWhitelistSurvivesRoundTrip(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)

		// Trade vaults install a whitelist with an empty address list, which
		// blocks every destination until addresses are added. The empty list
		// must come back non-nil or the block-all default turns into allow-all.
		for _, r := range rules.DefaultRules(v.ID, interfaces.VaultTrade, interfaces.VaultConfig{}, "user1", storeNow) {
			require.NoError(t, s.CreateRule(ctx, r))
		}

		loaded, err := s.ListRules(ctx, v.ID, true)
		require.NoError(t, err)

		var whitelist *interfaces.Rule
		for _, r := range loaded {
			if r.Type == interfaces.RuleWhitelist {
				whitelist = r
			}
		}
		require.NotNil(t, whitelist)
		require.NotNil(t, whitelist.Config.AllowedAddresses)
		assert.Empty(t, whitelist.Config.AllowedAddresses)

		verdict := rules.Evaluate(loaded, interfaces.ActionPayment,
			interfaces.PaymentPayload{Destination: "GDEST", Amount: "5"}, storeNow)
		assert.True(t, verdict.Blocked, "empty whitelist must still block after reload")
	})
}

func TestRuleReadsDoNotAliasStoredConfig(t *testing.T) {
	withEachStore(t, func(t *testing.T, s interfaces.Store) {
		ctx := context.Background()
		v := seedVault(t, s)

		require.NoError(t, s.CreateRule(ctx, &interfaces.Rule{
			ID: interfaces.NewRuleID(), VaultID: v.ID, Type: interfaces.RuleWhitelist,
			Config:   interfaces.RuleConfig{AllowedAddresses: []string{"GAAA", "GBBB"}},
			Priority: 10, Enabled: true, CreatedBy: "user1", CreatedAt: storeNow,
		}))

		got, err := s.ListRules(ctx, v.ID, true)
		require.NoError(t, err)
		require.Len(t, got, 1)
		got[0].Config.AllowedAddresses[0] = "mutated"

		again, err := s.ListRules(ctx, v.ID, true)
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, []string{"GAAA", "GBBB"}, again[0].Config.AllowedAddresses)
	})
}
