package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tessella/custody-engine/engine"
	"github.com/tessella/custody-engine/interfaces"
)

const (
	// UserHeader carries the authenticated user identity. The engine does not
	// own accounts; an upstream gateway is expected to set this header.
	UserHeader = "X-User-ID"

	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024
)

// Handler processes HTTP requests for the custody engine.
type Handler struct {
	engine *engine.Engine
	log    *slog.Logger
}

// NewHandler creates a new HTTP request handler.
func NewHandler(eng *engine.Engine, log *slog.Logger) *Handler {
	return &Handler{engine: eng, log: log}
}

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	Label string `json:"label,omitempty"`
}

type ruleRequest struct {
	Type     string                `json:"type"`
	Config   interfaces.RuleConfig `json:"config"`
	Priority int                   `json:"priority"`
}

type createVaultRequest struct {
	Name         string                 `json:"name"`
	Type         string                 `json:"type"`
	Chain        string                 `json:"chain"`
	Network      string                 `json:"network"`
	Threshold    int                    `json:"threshold"`
	CreatorEmail string                 `json:"creator_email"`
	Invites      []inviteRequest        `json:"invites"`
	Config       interfaces.VaultConfig `json:"config"`
	Rules        []ruleRequest          `json:"rules,omitempty"`
}

type createActionRequest struct {
	Payload json.RawMessage `json:"payload"`
}

type castVoteRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

type vaultResponse struct {
	ID              interfaces.VaultID     `json:"id"`
	Name            string                 `json:"name"`
	Type            interfaces.VaultType   `json:"type"`
	Chain           interfaces.ChainID     `json:"chain"`
	Network         interfaces.Network     `json:"network"`
	WalletPublicKey string                 `json:"wallet_public_key,omitempty"`
	WalletFunded    bool                   `json:"wallet_funded"`
	Threshold       int                    `json:"threshold"`
	TotalShares     int                    `json:"total_shares"`
	Status          interfaces.VaultStatus `json:"status"`
	Config          interfaces.VaultConfig `json:"config"`
	CreatedAt       time.Time              `json:"created_at"`
}

type memberResponse struct {
	ID          interfaces.MemberID     `json:"id"`
	UserID      interfaces.UserID       `json:"user_id,omitempty"`
	Email       string                  `json:"email"`
	Role        interfaces.MemberRole   `json:"role"`
	Label       string                  `json:"label,omitempty"`
	Status      interfaces.MemberStatus `json:"status"`
	ShareIndex  int                     `json:"share_index"`
	InviteToken string                  `json:"invite_token,omitempty"`
}

type actionResponse struct {
	ID                interfaces.ActionID         `json:"id"`
	VaultID           interfaces.VaultID          `json:"vault_id"`
	Type              interfaces.ActionType       `json:"type"`
	CreatorID         interfaces.UserID           `json:"creator_id"`
	Payload           interfaces.Payload          `json:"payload"`
	Status            interfaces.ActionStatus     `json:"status"`
	ApprovalsRequired int                         `json:"approvals_required"`
	ApprovalsReceived int                         `json:"approvals_received"`
	DenialsReceived   int                         `json:"denials_received"`
	TimeLockUntil     *time.Time                  `json:"time_lock_until,omitempty"`
	ExpiresAt         *time.Time                  `json:"expires_at,omitempty"`
	ExecutedAt        *time.Time                  `json:"executed_at,omitempty"`
	Result            *interfaces.ExecutionResult `json:"result,omitempty"`
	CreatedAt         time.Time                   `json:"created_at"`
}

type voteResponse struct {
	ID        interfaces.VoteID       `json:"id"`
	ActionID  interfaces.ActionID     `json:"action_id"`
	VoterID   interfaces.UserID       `json:"voter_id"`
	Decision  interfaces.VoteDecision `json:"decision"`
	Reason    string                  `json:"reason,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
}

type ruleResponse struct {
	ID       interfaces.RuleID     `json:"id"`
	Type     interfaces.RuleType   `json:"type"`
	Config   interfaces.RuleConfig `json:"config"`
	Priority int                   `json:"priority"`
	Enabled  bool                  `json:"enabled"`
}

func toVaultResponse(v *interfaces.Vault) vaultResponse {
	return vaultResponse{
		ID:              v.ID,
		Name:            v.Name,
		Type:            v.Type,
		Chain:           v.Chain,
		Network:         v.Network,
		WalletPublicKey: v.WalletPublicKey,
		WalletFunded:    v.WalletFunded,
		Threshold:       v.Threshold,
		TotalShares:     v.TotalShares,
		Status:          v.Status,
		Config:          v.Config,
		CreatedAt:       v.CreatedAt,
	}
}

func toMemberResponse(m *interfaces.Member) memberResponse {
	return memberResponse{
		ID:          m.ID,
		UserID:      m.UserID,
		Email:       m.Email,
		Role:        m.Role,
		Label:       m.Label,
		Status:      m.Status,
		ShareIndex:  m.ShareIndex,
		InviteToken: m.InviteToken,
	}
}

func toActionResponse(a *interfaces.Action) actionResponse {
	return actionResponse{
		ID:                a.ID,
		VaultID:           a.VaultID,
		Type:              a.Type,
		CreatorID:         a.CreatorID,
		Payload:           a.Payload,
		Status:            a.Status,
		ApprovalsRequired: a.ApprovalsRequired,
		ApprovalsReceived: a.ApprovalsReceived,
		DenialsReceived:   a.DenialsReceived,
		TimeLockUntil:     timePtr(a.TimeLockUntil),
		ExpiresAt:         timePtr(a.ExpiresAt),
		ExecutedAt:        timePtr(a.ExecutedAt),
		Result:            a.Result,
		CreatedAt:         a.CreatedAt,
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// HandleCreateVault creates a vault with its members and rules.
//
// URL format: POST /api/vaults
func (h *Handler) HandleCreateVault(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	var req createVaultRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	params := engine.CreateVaultParams{
		Name:         req.Name,
		Type:         interfaces.VaultType(req.Type),
		Chain:        interfaces.ChainID(req.Chain),
		Network:      interfaces.Network(req.Network),
		Threshold:    req.Threshold,
		Creator:      user,
		CreatorEmail: req.CreatorEmail,
		Config:       req.Config,
	}
	for _, inv := range req.Invites {
		params.Invites = append(params.Invites, engine.Invite{
			Email: inv.Email,
			Role:  interfaces.MemberRole(inv.Role),
			Label: inv.Label,
		})
	}
	for _, rr := range req.Rules {
		params.CustomRules = append(params.CustomRules, engine.RuleSpec{
			Type:     interfaces.RuleType(rr.Type),
			Config:   rr.Config,
			Priority: rr.Priority,
		})
	}

	vault, members, err := h.engine.CreateVault(r.Context(), params)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := struct {
		Vault   vaultResponse    `json:"vault"`
		Members []memberResponse `json:"members"`
	}{Vault: toVaultResponse(vault)}
	for _, m := range members {
		resp.Members = append(resp.Members, toMemberResponse(m))
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

// HandleAcceptInvite binds the requesting user to a pending membership.
//
// URL format: POST /api/invites/{token}/accept
func (h *Handler) HandleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	member, err := h.engine.AcceptInvite(r.Context(), user, chi.URLParam(r, "token"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toMemberResponse(member))
}

// HandleListVaults returns the vaults the requesting user belongs to.
//
// URL format: GET /api/vaults
func (h *Handler) HandleListVaults(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	vaults, err := h.engine.ListUserVaults(r.Context(), user)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]vaultResponse, 0, len(vaults))
	for _, v := range vaults {
		resp = append(resp, toVaultResponse(v))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleGetVault returns a vault with its member list.
//
// URL format: GET /api/vaults/{vault_id}
func (h *Handler) HandleGetVault(w http.ResponseWriter, r *http.Request) {
	vault, members, err := h.engine.GetVault(r.Context(), h.vaultID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := struct {
		Vault   vaultResponse    `json:"vault"`
		Members []memberResponse `json:"members"`
	}{Vault: toVaultResponse(vault)}
	for _, m := range members {
		resp.Members = append(resp.Members, toMemberResponse(m))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleGetBalance returns the vault wallet's on-chain balance.
//
// URL format: GET /api/vaults/{vault_id}/balance
func (h *Handler) HandleGetBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.engine.GetBalance(r.Context(), h.vaultID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		Native    string                    `json:"native"`
		Symbol    string                    `json:"symbol"`
		Funded    bool                      `json:"funded"`
		AssetList []interfaces.AssetBalance `json:"assets,omitempty"`
	}{balance.Native, balance.Symbol, balance.Funded, balance.AssetList})
}

// HandleShareStatus reports share presence per member.
//
// URL format: GET /api/vaults/{vault_id}/shares
func (h *Handler) HandleShareStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.ShareStatus(r.Context(), h.vaultID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type shareStatus struct {
		MemberID   interfaces.MemberID `json:"member_id"`
		ShareIndex int                 `json:"share_index"`
		Present    bool                `json:"present"`
	}
	resp := make([]shareStatus, 0, len(status))
	for _, s := range status {
		resp = append(resp, shareStatus{s.MemberID, s.ShareIndex, s.Present})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleAddRule installs a policy rule on an existing vault. Owner only.
//
// URL format: POST /api/vaults/{vault_id}/rules
func (h *Handler) HandleAddRule(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	var req ruleRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	rule, err := h.engine.AddRule(r.Context(), h.vaultID(r), user, engine.RuleSpec{
		Type:     interfaces.RuleType(req.Type),
		Config:   req.Config,
		Priority: req.Priority,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toRuleResponse(rule))
}

// HandleListRules returns a vault's rules in priority order.
//
// URL format: GET /api/vaults/{vault_id}/rules
func (h *Handler) HandleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.engine.ListRules(r.Context(), h.vaultID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]ruleResponse, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, toRuleResponse(rule))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func toRuleResponse(rule *interfaces.Rule) ruleResponse {
	return ruleResponse{
		ID:       rule.ID,
		Type:     rule.Type,
		Config:   rule.Config,
		Priority: rule.Priority,
		Enabled:  rule.Enabled,
	}
}

// HandleAuditLog returns a vault's audit trail, newest first.
//
// URL format: GET /api/vaults/{vault_id}/audit?limit=N&offset=M
func (h *Handler) HandleAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	entries, err := h.engine.AuditLog(r.Context(), h.vaultID(r), limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	type auditEntry struct {
		ID        int64             `json:"id"`
		ActorID   interfaces.UserID `json:"actor_id,omitempty"`
		EventType string            `json:"event_type"`
		Details   map[string]any    `json:"details,omitempty"`
		CreatedAt time.Time         `json:"created_at"`
	}
	resp := make([]auditEntry, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, auditEntry{e.ID, e.ActorID, e.EventType, e.Details, e.CreatedAt})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleCreateAction proposes a new action on a vault. The request body wraps
// the typed payload in its tagged envelope. If policy denies the action the
// request fails and nothing is persisted; if policy auto-approves it the
// action is executed before the response is written.
//
// URL format: POST /api/vaults/{vault_id}/actions
func (h *Handler) HandleCreateAction(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	var req createActionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	payload, err := interfaces.DecodePayload(req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	action, err := h.engine.CreateAction(r.Context(), h.vaultID(r), user, payload)
	if err != nil && action == nil {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		// The action was persisted but its synchronous execution failed. The
		// durable state already reflects the failure, so the client gets the
		// action back rather than a bare error.
		h.log.Warn("action execution failed", "action", action.ID, "err", err)
	}
	h.writeJSON(w, http.StatusCreated, toActionResponse(action))
}

// HandleListActions returns a vault's actions, optionally filtered.
//
// URL format: GET /api/vaults/{vault_id}/actions?status=S&type=T&limit=N
func (h *Handler) HandleListActions(w http.ResponseWriter, r *http.Request) {
	filter := interfaces.ActionFilter{
		Status: interfaces.ActionStatus(r.URL.Query().Get("status")),
		Type:   interfaces.ActionType(r.URL.Query().Get("type")),
		Limit:  queryInt(r, "limit", 0),
	}

	actions, err := h.engine.ListActions(r.Context(), h.vaultID(r), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]actionResponse, 0, len(actions))
	for _, a := range actions {
		resp = append(resp, toActionResponse(a))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// HandleGetAction returns one action.
//
// URL format: GET /api/actions/{action_id}
func (h *Handler) HandleGetAction(w http.ResponseWriter, r *http.Request) {
	action, err := h.engine.GetAction(r.Context(), h.actionID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toActionResponse(action))
}

// HandleCastVote records the requesting user's vote on an action and returns
// the action in its post-vote state, which may already be executed.
//
// URL format: POST /api/actions/{action_id}/votes
func (h *Handler) HandleCastVote(w http.ResponseWriter, r *http.Request) {
	user, ok := h.requestUser(w, r)
	if !ok {
		return
	}

	var req castVoteRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	decision := interfaces.VoteDecision(req.Decision)
	if decision != interfaces.VoteApprove && decision != interfaces.VoteDeny {
		http.Error(w, "decision must be approve or deny", http.StatusBadRequest)
		return
	}

	action, err := h.engine.CastVote(r.Context(), h.actionID(r), user, decision, req.Reason)
	if err != nil && action == nil {
		h.writeError(w, r, err)
		return
	}
	if err != nil {
		h.log.Warn("action execution failed", "action", action.ID, "err", err)
	}
	h.writeJSON(w, http.StatusOK, toActionResponse(action))
}

// HandleListVotes returns the votes cast on an action.
//
// URL format: GET /api/actions/{action_id}/votes
func (h *Handler) HandleListVotes(w http.ResponseWriter, r *http.Request) {
	votes, err := h.engine.ListVotes(r.Context(), h.actionID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	resp := make([]voteResponse, 0, len(votes))
	for _, v := range votes {
		resp = append(resp, voteResponse{v.ID, v.ActionID, v.VoterID, v.Decision, v.Reason, v.CreatedAt})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) vaultID(r *http.Request) interfaces.VaultID {
	return interfaces.VaultID(chi.URLParam(r, "vault_id"))
}

func (h *Handler) actionID(r *http.Request) interfaces.ActionID {
	return interfaces.ActionID(chi.URLParam(r, "action_id"))
}

func (h *Handler) requestUser(w http.ResponseWriter, r *http.Request) (interfaces.UserID, bool) {
	user := r.Header.Get(UserHeader)
	if user == "" {
		http.Error(w, "missing "+UserHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return interfaces.UserID(user), true
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("Request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	http.Error(w, err.Error(), status)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrNotFound),
		errors.Is(err, interfaces.ErrInviteNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidParameters):
		return http.StatusBadRequest
	case errors.Is(err, interfaces.ErrNotAMember),
		errors.Is(err, interfaces.ErrNotASigner):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrVaultNotActive),
		errors.Is(err, interfaces.ErrActionNotVotable),
		errors.Is(err, interfaces.ErrAlreadyAccepted),
		errors.Is(err, interfaces.ErrDuplicateVote):
		return http.StatusConflict
	case errors.Is(err, interfaces.ErrPolicyBlocked),
		errors.Is(err, interfaces.ErrRateLimitExceeded):
		return http.StatusUnprocessableEntity
	case errors.Is(err, interfaces.ErrAdapterFailure),
		errors.Is(err, interfaces.ErrInsufficientShares),
		errors.Is(err, interfaces.ErrInvalidShares):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
