package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessella/custody-engine/interfaces"
	"github.com/tessella/custody-engine/storage"
)

func seedRateLimitVault(t *testing.T, store *storage.MemoryStore, cfg interfaces.RuleConfig) interfaces.VaultID {
	t.Helper()
	ctx := context.Background()
	vault := interfaces.NewVaultID()
	require.NoError(t, store.CreateRule(ctx, &interfaces.Rule{
		ID:       interfaces.NewRuleID(),
		VaultID:  vault,
		Type:     interfaces.RuleRateLimit,
		Config:   cfg,
		Priority: 30,
		Enabled:  true,
	}))
	return vault
}

func seedAction(t *testing.T, store *storage.MemoryStore, vault interfaces.VaultID, amount string, status interfaces.ActionStatus, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.CreateAction(context.Background(), &interfaces.Action{
		ID:        interfaces.NewActionID(),
		VaultID:   vault,
		Type:      interfaces.ActionPayment,
		CreatorID: "user1",
		Payload:   interfaces.PaymentPayload{Destination: "dest1", Amount: amount},
		Status:    status,
		CreatedAt: createdAt,
	}))
}

func TestCheckRateLimitNoRule(t *testing.T) {
	store := storage.NewMemoryStore()
	err := CheckRateLimit(context.Background(), store, interfaces.NewVaultID(), interfaces.ActionPayment, 1e9, testNow)
	assert.NoError(t, err)
}

func TestCheckRateLimitDailyAmount(t *testing.T) {
	store := storage.NewMemoryStore()
	vault := seedRateLimitVault(t, store, interfaces.RuleConfig{MaxAmountPerDay: 1000})
	ctx := context.Background()

	seedAction(t, store, vault, "600", interfaces.ActionExecuted, testNow.Add(-2*time.Hour))

	// 600 + 300 stays under the cap.
	assert.NoError(t, CheckRateLimit(ctx, store, vault, interfaces.ActionPayment, 300, testNow))

	// 600 + 500 breaches it.
	err := CheckRateLimit(ctx, store, vault, interfaces.ActionPayment, 500, testNow)
	assert.ErrorIs(t, err, interfaces.ErrRateLimitExceeded)
}

func TestCheckRateLimitCountsPendingAndApproved(t *testing.T) {
	store := storage.NewMemoryStore()
	vault := seedRateLimitVault(t, store, interfaces.RuleConfig{MaxAmountPerDay: 1000})
	ctx := context.Background()

	seedAction(t, store, vault, "400", interfaces.ActionPending, testNow.Add(-time.Hour))
	seedAction(t, store, vault, "400", interfaces.ActionApproved, testNow.Add(-time.Hour))

	err := CheckRateLimit(ctx, store, vault, interfaces.ActionPayment, 300, testNow)
	assert.ErrorIs(t, err, interfaces.ErrRateLimitExceeded)
}

func TestCheckRateLimitIgnoresDeniedAndOld(t *testing.T) {
	store := storage.NewMemoryStore()
	vault := seedRateLimitVault(t, store, interfaces.RuleConfig{MaxAmountPerDay: 1000})
	ctx := context.Background()

	seedAction(t, store, vault, "900", interfaces.ActionDenied, testNow.Add(-time.Hour))
	seedAction(t, store, vault, "900", interfaces.ActionExecuted, testNow.Add(-25*time.Hour))

	assert.NoError(t, CheckRateLimit(ctx, store, vault, interfaces.ActionPayment, 900, testNow))
}

func TestCheckRateLimitWeeklyAmount(t *testing.T) {
	store := storage.NewMemoryStore()
	vault := seedRateLimitVault(t, store, interfaces.RuleConfig{MaxAmountPerWeek: 5000})
	ctx := context.Background()

	// Outside the day window but inside the week.
	seedAction(t, store, vault, "4800", interfaces.ActionExecuted, testNow.Add(-3*24*time.Hour))

	assert.NoError(t, CheckRateLimit(ctx, store, vault, interfaces.ActionPayment, 100, testNow))

	err := CheckRateLimit(ctx, store, vault, interfaces.ActionPayment, 300, testNow)
	assert.ErrorIs(t, err, interfaces.ErrRateLimitExceeded)
}

func TestCheckRateLimitDailyTransactionCount(t *testing.T) {
	store := storage.NewMemoryStore()
	vault := seedRateLimitVault(t, store, interfaces.RuleConfig{MaxTransactionsPerDay: 2})
	ctx := context.Background()

	seedAction(t, store, vault, "1", interfaces.ActionExecuted, testNow.Add(-time.Hour))
	assert.NoError(t, CheckRateLimit(ctx, store, vault, interfaces.ActionPayment, 1, testNow))

	// The count window ignores status entirely, so even a denied action
	// uses up a slot.
	seedAction(t, store, vault, "1", interfaces.ActionDenied, testNow.Add(-time.Hour))
	err := CheckRateLimit(ctx, store, vault, interfaces.ActionPayment, 1, testNow)
	assert.ErrorIs(t, err, interfaces.ErrRateLimitExceeded)
}

func TestCheckRateLimitDisabledRule(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	vault := interfaces.NewVaultID()
	require.NoError(t, store.CreateRule(ctx, &interfaces.Rule{
		ID:      interfaces.NewRuleID(),
		VaultID: vault,
		Type:    interfaces.RuleRateLimit,
		Config:  interfaces.RuleConfig{MaxAmountPerDay: 1},
		Enabled: false,
	}))

	assert.NoError(t, CheckRateLimit(ctx, store, vault, interfaces.ActionPayment, 100, testNow))
}
