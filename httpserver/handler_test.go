package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessella/custody-engine/engine"
	"github.com/tessella/custody-engine/interfaces"
	"github.com/tessella/custody-engine/ledger"
	"github.com/tessella/custody-engine/sharestore"
	"github.com/tessella/custody-engine/storage"
)

type testServer struct {
	router http.Handler
	engine *engine.Engine
	store  *storage.MemoryStore
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	eng := engine.New(engine.Config{
		Store:   store,
		Shares:  sharestore.New(store),
		Ledgers: ledger.NewRegistry(ledger.NewMockAdapter(interfaces.NetworkTestnet)),
		Log:     logger,
	})

	srv, err := New(&HTTPServerConfig{
		ListenAddr:               "127.0.0.1:0",
		Log:                      logger,
		DrainDuration:            time.Millisecond,
		GracefulShutdownDuration: time.Second,
	}, NewHandler(eng, logger))
	require.NoError(t, err)

	return &testServer{router: srv.getRouter(), engine: eng, store: store}
}

func (ts *testServer) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

// UnmarshalJSON lets tests decode actionResponse bodies: the Payload field is
// the interface type interfaces.Payload, which encoding/json cannot unmarshal
// into directly. The payload is left untouched; no test asserts on it.
func (a *actionResponse) UnmarshalJSON(b []byte) error {
	type plain actionResponse
	var tmp struct {
		plain
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*a = actionResponse(tmp.plain)
	return nil
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

// activeFamilyVault creates a family vault over the API and accepts every
// invite, returning the vault ID. Members are user-alice (owner), user-bob
// and user-carol (signers).
func (ts *testServer) activeFamilyVault(t *testing.T) interfaces.VaultID {
	t.Helper()

	w := ts.do(t, http.MethodPost, "/api/vaults", "user-alice", map[string]any{
		"name":          "family savings",
		"type":          "family",
		"chain":         "mock",
		"network":       "testnet",
		"threshold":     2,
		"creator_email": "alice@example.com",
		"invites": []map[string]any{
			{"email": "alice@example.com", "role": "owner"},
			{"email": "bob@example.com", "role": "signer"},
			{"email": "carol@example.com", "role": "signer"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decodeJSON[struct {
		Vault   vaultResponse    `json:"vault"`
		Members []memberResponse `json:"members"`
	}](t, w)
	require.Len(t, created.Members, 3)

	for _, m := range created.Members {
		if m.InviteToken == "" {
			continue
		}
		user := "user-" + m.Email[:len(m.Email)-len("@example.com")]
		aw := ts.do(t, http.MethodPost, "/api/invites/"+m.InviteToken+"/accept", user, nil)
		require.Equal(t, http.StatusOK, aw.Code, aw.Body.String())
	}
	return created.Vault.ID
}

func TestHandleCreateVault(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/vaults", "user-alice", map[string]any{
		"name":          "ops treasury",
		"type":          "company",
		"chain":         "mock",
		"network":       "testnet",
		"threshold":     2,
		"creator_email": "alice@example.com",
		"invites": []map[string]any{
			{"email": "alice@example.com", "role": "owner"},
			{"email": "bob@example.com", "role": "signer"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	created := decodeJSON[struct {
		Vault   vaultResponse    `json:"vault"`
		Members []memberResponse `json:"members"`
	}](t, w)
	assert.Equal(t, interfaces.VaultPending, created.Vault.Status)
	assert.Equal(t, 2, created.Vault.Threshold)
	require.Len(t, created.Members, 2)

	// The creator is accepted immediately, the invitee holds a token.
	assert.Empty(t, created.Members[0].InviteToken)
	assert.Equal(t, interfaces.MemberAccepted, created.Members[0].Status)
	assert.NotEmpty(t, created.Members[1].InviteToken)
	assert.Equal(t, interfaces.MemberPending, created.Members[1].Status)
}

func TestHandleCreateVaultValidation(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/vaults", "user-alice", map[string]any{
		"name":          "bad",
		"type":          "family",
		"chain":         "mock",
		"network":       "testnet",
		"threshold":     5,
		"creator_email": "alice@example.com",
		"invites": []map[string]any{
			{"email": "alice@example.com", "role": "owner"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMissingUserHeader(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/vaults", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestVaultActivatesAfterLastAccept(t *testing.T) {
	ts := newTestServer(t)
	vaultID := ts.activeFamilyVault(t)

	w := ts.do(t, http.MethodGet, "/api/vaults/"+string(vaultID), "user-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeJSON[struct {
		Vault   vaultResponse    `json:"vault"`
		Members []memberResponse `json:"members"`
	}](t, w)
	assert.Equal(t, interfaces.VaultActive, resp.Vault.Status)
	assert.NotEmpty(t, resp.Vault.WalletPublicKey)
	for _, m := range resp.Members {
		assert.Equal(t, interfaces.MemberAccepted, m.Status)
		assert.Empty(t, m.InviteToken)
	}
}

func TestAcceptInviteUnknownToken(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/invites/deadbeef/accept", "user-bob", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestActionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	vaultID := ts.activeFamilyVault(t)

	// Propose a payment.
	w := ts.do(t, http.MethodPost, "/api/vaults/"+string(vaultID)+"/actions", "user-alice", map[string]any{
		"payload": map[string]any{
			"type": "payment",
			"data": map[string]any{"destination": "MOCKdst", "amount": "25.50"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	action := decodeJSON[actionResponse](t, w)
	assert.Equal(t, interfaces.ActionPending, action.Status)
	assert.Equal(t, 1, action.ApprovalsRequired)

	// A single approval meets the family default and executes synchronously.
	w = ts.do(t, http.MethodPost, "/api/actions/"+string(action.ID)+"/votes", "user-bob", map[string]any{
		"decision": "approve",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	voted := decodeJSON[actionResponse](t, w)
	assert.Equal(t, interfaces.ActionExecuted, voted.Status)
	require.NotNil(t, voted.Result)
	assert.NotEmpty(t, voted.Result.TxHash)

	// Vote list shows the single approval.
	w = ts.do(t, http.MethodGet, "/api/actions/"+string(action.ID)+"/votes", "user-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	votes := decodeJSON[[]voteResponse](t, w)
	require.Len(t, votes, 1)
	assert.Equal(t, interfaces.VoteApprove, votes[0].Decision)

	// Filtered listing returns it as executed.
	w = ts.do(t, http.MethodGet, "/api/vaults/"+string(vaultID)+"/actions?status=executed", "user-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	listed := decodeJSON[[]actionResponse](t, w)
	require.Len(t, listed, 1)
	assert.Equal(t, action.ID, listed[0].ID)
}

func TestDuplicateVoteConflict(t *testing.T) {
	ts := newTestServer(t)
	vaultID := ts.activeFamilyVault(t)

	// A denial keeps the action pending, so the same member can try again.
	w := ts.do(t, http.MethodPost, "/api/vaults/"+string(vaultID)+"/actions", "user-alice", map[string]any{
		"payload": map[string]any{
			"type": "payment",
			"data": map[string]any{"destination": "MOCKdst", "amount": "10"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	action := decodeJSON[actionResponse](t, w)

	w = ts.do(t, http.MethodPost, "/api/actions/"+string(action.ID)+"/votes", "user-bob", map[string]any{
		"decision": "deny",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/actions/"+string(action.ID)+"/votes", "user-bob", map[string]any{
		"decision": "deny",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateActionForbiddenForStrangers(t *testing.T) {
	ts := newTestServer(t)
	vaultID := ts.activeFamilyVault(t)

	w := ts.do(t, http.MethodPost, "/api/vaults/"+string(vaultID)+"/actions", "user-mallory", map[string]any{
		"payload": map[string]any{
			"type": "payment",
			"data": map[string]any{"destination": "MOCKdst", "amount": "10"},
		},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateActionBadPayload(t *testing.T) {
	ts := newTestServer(t)
	vaultID := ts.activeFamilyVault(t)

	w := ts.do(t, http.MethodPost, "/api/vaults/"+string(vaultID)+"/actions", "user-alice", map[string]any{
		"payload": map[string]any{"type": "teleport", "data": map[string]any{}},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCastVoteBadDecision(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/actions/whatever/votes", "user-alice", map[string]any{
		"decision": "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetActionNotFound(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/api/actions/nope", "user-alice", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRulesEndpoints(t *testing.T) {
	ts := newTestServer(t)
	vaultID := ts.activeFamilyVault(t)

	// Only the owner may add rules.
	w := ts.do(t, http.MethodPost, "/api/vaults/"+string(vaultID)+"/rules", "user-bob", map[string]any{
		"type":     "whitelist",
		"config":   map[string]any{"allowed_addresses": []string{"MOCKdst"}},
		"priority": 15,
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = ts.do(t, http.MethodPost, "/api/vaults/"+string(vaultID)+"/rules", "user-alice", map[string]any{
		"type":     "whitelist",
		"config":   map[string]any{"allowed_addresses": []string{"MOCKdst"}},
		"priority": 15,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rule := decodeJSON[ruleResponse](t, w)
	assert.Equal(t, interfaces.RuleWhitelist, rule.Type)

	w = ts.do(t, http.MethodGet, "/api/vaults/"+string(vaultID)+"/rules", "user-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	rules := decodeJSON[[]ruleResponse](t, w)
	var found bool
	for _, r := range rules {
		if r.ID == rule.ID {
			found = true
		}
	}
	assert.True(t, found)

	// The whitelist now blocks payments to other destinations.
	w = ts.do(t, http.MethodPost, "/api/vaults/"+string(vaultID)+"/actions", "user-alice", map[string]any{
		"payload": map[string]any{
			"type": "payment",
			"data": map[string]any{"destination": "MOCKother", "amount": "10"},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestBalanceAndShares(t *testing.T) {
	ts := newTestServer(t)
	vaultID := ts.activeFamilyVault(t)

	w := ts.do(t, http.MethodGet, "/api/vaults/"+string(vaultID)+"/balance", "user-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	balance := decodeJSON[map[string]any](t, w)
	assert.NotEmpty(t, balance["native"])

	w = ts.do(t, http.MethodGet, "/api/vaults/"+string(vaultID)+"/shares", "user-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	shares := decodeJSON[[]map[string]any](t, w)
	require.Len(t, shares, 3)
	for _, s := range shares {
		assert.Equal(t, true, s["present"])
	}
}

func TestAuditLogEndpoint(t *testing.T) {
	ts := newTestServer(t)

	vaultID := ts.activeFamilyVault(t)

	// The engine in newTestServer carries no audit sink, so seed entries
	// directly through the store the handler reads from.
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.store.AppendAudit(context.Background(), &interfaces.AuditEntry{
			VaultID:   vaultID,
			EventType: fmt.Sprintf("event_%d", i),
			CreatedAt: time.Now(),
		}))
	}

	w := ts.do(t, http.MethodGet, "/api/vaults/"+string(vaultID)+"/audit?limit=2", "user-alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	entries := decodeJSON[[]map[string]any](t, w)
	assert.Len(t, entries, 2)
}

func TestHealthAndDrainEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/livez", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/drain", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = ts.do(t, http.MethodGet, "/undrain", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
