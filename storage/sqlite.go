package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tessella/custody-engine/interfaces"
)

// Timestamps are stored as unix nanoseconds; 0 encodes the zero time.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS vaults (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	type              TEXT NOT NULL,
	chain             TEXT NOT NULL,
	network           TEXT NOT NULL,
	wallet_public_key TEXT NOT NULL DEFAULT '',
	wallet_funded     INTEGER NOT NULL DEFAULT 0,
	threshold         INTEGER NOT NULL,
	total_shares      INTEGER NOT NULL,
	status            TEXT NOT NULL,
	config            TEXT NOT NULL DEFAULT '{}',
	creator_id        TEXT NOT NULL,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS members (
	id           TEXT PRIMARY KEY,
	vault_id     TEXT NOT NULL,
	user_id      TEXT NOT NULL DEFAULT '',
	email        TEXT NOT NULL,
	role         TEXT NOT NULL,
	label        TEXT NOT NULL DEFAULT '',
	invite_token TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	share_index  INTEGER NOT NULL,
	invited_at   INTEGER NOT NULL,
	accepted_at  INTEGER NOT NULL DEFAULT 0,
	UNIQUE (vault_id, share_index)
);
CREATE INDEX IF NOT EXISTS idx_members_vault ON members (vault_id);
CREATE INDEX IF NOT EXISTS idx_members_token ON members (invite_token) WHERE invite_token != '';

CREATE TABLE IF NOT EXISTS shares (
	vault_id    TEXT NOT NULL,
	member_id   TEXT NOT NULL,
	share_index INTEGER NOT NULL,
	ciphertext  BLOB NOT NULL,
	iv          BLOB NOT NULL,
	salt        BLOB NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (vault_id, share_index)
);

CREATE TABLE IF NOT EXISTS actions (
	id                 TEXT PRIMARY KEY,
	vault_id           TEXT NOT NULL,
	type               TEXT NOT NULL,
	creator_id         TEXT NOT NULL,
	payload            TEXT NOT NULL,
	status             TEXT NOT NULL,
	approvals_required INTEGER NOT NULL,
	approvals_received INTEGER NOT NULL DEFAULT 0,
	denials_received   INTEGER NOT NULL DEFAULT 0,
	amount             REAL NOT NULL DEFAULT 0,
	time_lock_until    INTEGER NOT NULL DEFAULT 0,
	expires_at         INTEGER NOT NULL DEFAULT 0,
	executed_at        INTEGER NOT NULL DEFAULT 0,
	result             TEXT NOT NULL DEFAULT '',
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_vault ON actions (vault_id, created_at);
CREATE INDEX IF NOT EXISTS idx_actions_status ON actions (status);

CREATE TABLE IF NOT EXISTS votes (
	id         TEXT PRIMARY KEY,
	action_id  TEXT NOT NULL,
	voter_id   TEXT NOT NULL,
	member_id  TEXT NOT NULL,
	decision   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE (action_id, member_id)
);

CREATE TABLE IF NOT EXISTS rules (
	id         TEXT PRIMARY KEY,
	vault_id   TEXT NOT NULL,
	type       TEXT NOT NULL,
	config     TEXT NOT NULL DEFAULT '{}',
	priority   INTEGER NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1,
	created_by TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rules_vault ON rules (vault_id, priority);

CREATE TABLE IF NOT EXISTS audit_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	vault_id   TEXT NOT NULL,
	actor_id   TEXT NOT NULL DEFAULT '',
	event_type TEXT NOT NULL,
	details    TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_vault ON audit_log (vault_id, id);
`

// SQLiteStore is the embedded-database Store backend.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// modernc sqlite serializes writers; a single connection avoids
	// SQLITE_BUSY on concurrent write paths.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

type vaultRow struct {
	ID              string `db:"id"`
	Name            string `db:"name"`
	Type            string `db:"type"`
	Chain           string `db:"chain"`
	Network         string `db:"network"`
	WalletPublicKey string `db:"wallet_public_key"`
	WalletFunded    bool   `db:"wallet_funded"`
	Threshold       int    `db:"threshold"`
	TotalShares     int    `db:"total_shares"`
	Status          string `db:"status"`
	Config          string `db:"config"`
	CreatorID       string `db:"creator_id"`
	CreatedAt       int64  `db:"created_at"`
	UpdatedAt       int64  `db:"updated_at"`
}

func (r vaultRow) toVault() (*interfaces.Vault, error) {
	var cfg interfaces.VaultConfig
	if err := json.Unmarshal([]byte(r.Config), &cfg); err != nil {
		return nil, fmt.Errorf("decode vault config: %w", err)
	}
	return &interfaces.Vault{
		ID:              interfaces.VaultID(r.ID),
		Name:            r.Name,
		Type:            interfaces.VaultType(r.Type),
		Chain:           interfaces.ChainID(r.Chain),
		Network:         interfaces.Network(r.Network),
		WalletPublicKey: r.WalletPublicKey,
		WalletFunded:    r.WalletFunded,
		Threshold:       r.Threshold,
		TotalShares:     r.TotalShares,
		Status:          interfaces.VaultStatus(r.Status),
		Config:          cfg,
		CreatorID:       interfaces.UserID(r.CreatorID),
		CreatedAt:       fromNanos(r.CreatedAt),
		UpdatedAt:       fromNanos(r.UpdatedAt),
	}, nil
}

func vaultArgs(v *interfaces.Vault) (map[string]any, error) {
	cfg, err := json.Marshal(v.Config)
	if err != nil {
		return nil, fmt.Errorf("encode vault config: %w", err)
	}
	return map[string]any{
		"id":                string(v.ID),
		"name":              v.Name,
		"type":              string(v.Type),
		"chain":             string(v.Chain),
		"network":           string(v.Network),
		"wallet_public_key": v.WalletPublicKey,
		"wallet_funded":     v.WalletFunded,
		"threshold":         v.Threshold,
		"total_shares":      v.TotalShares,
		"status":            string(v.Status),
		"config":            string(cfg),
		"creator_id":        string(v.CreatorID),
		"created_at":        toNanos(v.CreatedAt),
		"updated_at":        toNanos(v.UpdatedAt),
	}, nil
}

func (s *SQLiteStore) CreateVault(ctx context.Context, v *interfaces.Vault) error {
	args, err := vaultArgs(v)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO vaults (id, name, type, chain, network, wallet_public_key, wallet_funded,
			threshold, total_shares, status, config, creator_id, created_at, updated_at)
		VALUES (:id, :name, :type, :chain, :network, :wallet_public_key, :wallet_funded,
			:threshold, :total_shares, :status, :config, :creator_id, :created_at, :updated_at)`, args)
	return err
}

func (s *SQLiteStore) GetVault(ctx context.Context, id interfaces.VaultID) (*interfaces.Vault, error) {
	var r vaultRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM vaults WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vault %s", interfaces.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r.toVault()
}

func (s *SQLiteStore) UpdateVault(ctx context.Context, v *interfaces.Vault) error {
	args, err := vaultArgs(v)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE vaults SET name = :name, status = :status, wallet_public_key = :wallet_public_key,
			wallet_funded = :wallet_funded, threshold = :threshold, total_shares = :total_shares,
			config = :config, updated_at = :updated_at
		WHERE id = :id`, args)
	if err != nil {
		return err
	}
	return requireRow(res, "vault", string(v.ID))
}

func (s *SQLiteStore) ListVaultsByType(ctx context.Context, vt interfaces.VaultType, status interfaces.VaultStatus) ([]*interfaces.Vault, error) {
	var rows []vaultRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM vaults WHERE type = ? AND status = ? ORDER BY created_at`, string(vt), string(status))
	if err != nil {
		return nil, err
	}
	out := make([]*interfaces.Vault, 0, len(rows))
	for _, r := range rows {
		v, err := r.toVault()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *SQLiteStore) ListUserVaults(ctx context.Context, user interfaces.UserID) ([]*interfaces.Vault, error) {
	var rows []vaultRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT v.* FROM vaults v
		JOIN members m ON m.vault_id = v.id
		WHERE m.user_id = ? AND m.status = ?
		ORDER BY v.created_at`, string(user), string(interfaces.MemberAccepted))
	if err != nil {
		return nil, err
	}
	out := make([]*interfaces.Vault, 0, len(rows))
	for _, r := range rows {
		v, err := r.toVault()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

type memberRow struct {
	ID          string `db:"id"`
	VaultID     string `db:"vault_id"`
	UserID      string `db:"user_id"`
	Email       string `db:"email"`
	Role        string `db:"role"`
	Label       string `db:"label"`
	InviteToken string `db:"invite_token"`
	Status      string `db:"status"`
	ShareIndex  int    `db:"share_index"`
	InvitedAt   int64  `db:"invited_at"`
	AcceptedAt  int64  `db:"accepted_at"`
}

func (r memberRow) toMember() *interfaces.Member {
	return &interfaces.Member{
		ID:          interfaces.MemberID(r.ID),
		VaultID:     interfaces.VaultID(r.VaultID),
		UserID:      interfaces.UserID(r.UserID),
		Email:       r.Email,
		Role:        interfaces.MemberRole(r.Role),
		Label:       r.Label,
		InviteToken: r.InviteToken,
		Status:      interfaces.MemberStatus(r.Status),
		ShareIndex:  r.ShareIndex,
		InvitedAt:   fromNanos(r.InvitedAt),
		AcceptedAt:  fromNanos(r.AcceptedAt),
	}
}

func memberArgs(m *interfaces.Member) map[string]any {
	return map[string]any{
		"id":           string(m.ID),
		"vault_id":     string(m.VaultID),
		"user_id":      string(m.UserID),
		"email":        m.Email,
		"role":         string(m.Role),
		"label":        m.Label,
		"invite_token": m.InviteToken,
		"status":       string(m.Status),
		"share_index":  m.ShareIndex,
		"invited_at":   toNanos(m.InvitedAt),
		"accepted_at":  toNanos(m.AcceptedAt),
	}
}

func (s *SQLiteStore) CreateMember(ctx context.Context, m *interfaces.Member) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO members (id, vault_id, user_id, email, role, label, invite_token, status,
			share_index, invited_at, accepted_at)
		VALUES (:id, :vault_id, :user_id, :email, :role, :label, :invite_token, :status,
			:share_index, :invited_at, :accepted_at)`, memberArgs(m))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return fmt.Errorf("%w: share index %d already assigned in vault %s",
			interfaces.ErrInvalidParameters, m.ShareIndex, m.VaultID)
	}
	return err
}

func (s *SQLiteStore) GetMember(ctx context.Context, id interfaces.MemberID) (*interfaces.Member, error) {
	var r memberRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM members WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: member %s", interfaces.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r.toMember(), nil
}

func (s *SQLiteStore) GetMemberByUser(ctx context.Context, vault interfaces.VaultID, user interfaces.UserID) (*interfaces.Member, error) {
	var r memberRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM members WHERE vault_id = ? AND user_id = ?`, string(vault), string(user))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no membership for user %s", interfaces.ErrNotFound, user)
	}
	if err != nil {
		return nil, err
	}
	return r.toMember(), nil
}

func (s *SQLiteStore) GetMemberByInviteToken(ctx context.Context, token string) (*interfaces.Member, error) {
	if token == "" {
		return nil, interfaces.ErrNotFound
	}
	var r memberRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM members WHERE invite_token = ?`, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: invite token", interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r.toMember(), nil
}

func (s *SQLiteStore) UpdateMember(ctx context.Context, m *interfaces.Member) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE members SET user_id = :user_id, role = :role, label = :label,
			invite_token = :invite_token, status = :status, share_index = :share_index,
			accepted_at = :accepted_at
		WHERE id = :id`, memberArgs(m))
	if err != nil {
		return err
	}
	return requireRow(res, "member", string(m.ID))
}

func (s *SQLiteStore) ListMembers(ctx context.Context, vault interfaces.VaultID) ([]*interfaces.Member, error) {
	var rows []memberRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM members WHERE vault_id = ? ORDER BY share_index`, string(vault))
	if err != nil {
		return nil, err
	}
	out := make([]*interfaces.Member, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toMember())
	}
	return out, nil
}

type shareRow struct {
	VaultID    string `db:"vault_id"`
	MemberID   string `db:"member_id"`
	ShareIndex int    `db:"share_index"`
	Ciphertext []byte `db:"ciphertext"`
	IV         []byte `db:"iv"`
	Salt       []byte `db:"salt"`
	CreatedAt  int64  `db:"created_at"`
}

func (r shareRow) toShare() *interfaces.Share {
	return &interfaces.Share{
		VaultID:    interfaces.VaultID(r.VaultID),
		MemberID:   interfaces.MemberID(r.MemberID),
		ShareIndex: r.ShareIndex,
		Ciphertext: r.Ciphertext,
		IV:         r.IV,
		Salt:       r.Salt,
		CreatedAt:  fromNanos(r.CreatedAt),
	}
}

func (s *SQLiteStore) PutShare(ctx context.Context, sh *interfaces.Share) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shares (vault_id, member_id, share_index, ciphertext, iv, salt, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vault_id, share_index) DO UPDATE SET
			member_id = excluded.member_id, ciphertext = excluded.ciphertext,
			iv = excluded.iv, salt = excluded.salt, created_at = excluded.created_at`,
		string(sh.VaultID), string(sh.MemberID), sh.ShareIndex,
		sh.Ciphertext, sh.IV, sh.Salt, toNanos(sh.CreatedAt))
	return err
}

func (s *SQLiteStore) GetShare(ctx context.Context, vault interfaces.VaultID, member interfaces.MemberID) (*interfaces.Share, error) {
	var r shareRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM shares WHERE vault_id = ? AND member_id = ?`, string(vault), string(member))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: share for member %s", interfaces.ErrNotFound, member)
	}
	if err != nil {
		return nil, err
	}
	return r.toShare(), nil
}

func (s *SQLiteStore) ListShares(ctx context.Context, vault interfaces.VaultID) ([]*interfaces.Share, error) {
	var rows []shareRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM shares WHERE vault_id = ? ORDER BY share_index`, string(vault))
	if err != nil {
		return nil, err
	}
	out := make([]*interfaces.Share, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toShare())
	}
	return out, nil
}

func (s *SQLiteStore) DeleteShares(ctx context.Context, vault interfaces.VaultID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM shares WHERE vault_id = ?`, string(vault))
	return err
}

type actionRow struct {
	ID                string  `db:"id"`
	VaultID           string  `db:"vault_id"`
	Type              string  `db:"type"`
	CreatorID         string  `db:"creator_id"`
	Payload           string  `db:"payload"`
	Status            string  `db:"status"`
	ApprovalsRequired int     `db:"approvals_required"`
	ApprovalsReceived int     `db:"approvals_received"`
	DenialsReceived   int     `db:"denials_received"`
	Amount            float64 `db:"amount"`
	TimeLockUntil     int64   `db:"time_lock_until"`
	ExpiresAt         int64   `db:"expires_at"`
	ExecutedAt        int64   `db:"executed_at"`
	Result            string  `db:"result"`
	CreatedAt         int64   `db:"created_at"`
	UpdatedAt         int64   `db:"updated_at"`
}

func (r actionRow) toAction() (*interfaces.Action, error) {
	payload, err := interfaces.DecodePayload([]byte(r.Payload))
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", r.ID, err)
	}
	a := &interfaces.Action{
		ID:                interfaces.ActionID(r.ID),
		VaultID:           interfaces.VaultID(r.VaultID),
		Type:              interfaces.ActionType(r.Type),
		CreatorID:         interfaces.UserID(r.CreatorID),
		Payload:           payload,
		Status:            interfaces.ActionStatus(r.Status),
		ApprovalsRequired: r.ApprovalsRequired,
		ApprovalsReceived: r.ApprovalsReceived,
		DenialsReceived:   r.DenialsReceived,
		TimeLockUntil:     fromNanos(r.TimeLockUntil),
		ExpiresAt:         fromNanos(r.ExpiresAt),
		ExecutedAt:        fromNanos(r.ExecutedAt),
		CreatedAt:         fromNanos(r.CreatedAt),
		UpdatedAt:         fromNanos(r.UpdatedAt),
	}
	if r.Result != "" {
		var res interfaces.ExecutionResult
		if err := json.Unmarshal([]byte(r.Result), &res); err != nil {
			return nil, fmt.Errorf("decode action result: %w", err)
		}
		a.Result = &res
	}
	return a, nil
}

func actionArgs(a *interfaces.Action) (map[string]any, error) {
	payload, err := interfaces.EncodePayload(a.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	result := ""
	if a.Result != nil {
		raw, err := json.Marshal(a.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(raw)
	}
	amount, _ := interfaces.PayloadAmount(a.Payload)
	return map[string]any{
		"id":                 string(a.ID),
		"vault_id":           string(a.VaultID),
		"type":               string(a.Type),
		"creator_id":         string(a.CreatorID),
		"payload":            string(payload),
		"status":             string(a.Status),
		"approvals_required": a.ApprovalsRequired,
		"approvals_received": a.ApprovalsReceived,
		"denials_received":   a.DenialsReceived,
		"amount":             amount,
		"time_lock_until":    toNanos(a.TimeLockUntil),
		"expires_at":         toNanos(a.ExpiresAt),
		"executed_at":        toNanos(a.ExecutedAt),
		"result":             result,
		"created_at":         toNanos(a.CreatedAt),
		"updated_at":         toNanos(a.UpdatedAt),
	}, nil
}

func (s *SQLiteStore) CreateAction(ctx context.Context, a *interfaces.Action) error {
	args, err := actionArgs(a)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO actions (id, vault_id, type, creator_id, payload, status,
			approvals_required, approvals_received, denials_received, amount,
			time_lock_until, expires_at, executed_at, result, created_at, updated_at)
		VALUES (:id, :vault_id, :type, :creator_id, :payload, :status,
			:approvals_required, :approvals_received, :denials_received, :amount,
			:time_lock_until, :expires_at, :executed_at, :result, :created_at, :updated_at)`, args)
	return err
}

func (s *SQLiteStore) GetAction(ctx context.Context, id interfaces.ActionID) (*interfaces.Action, error) {
	var r actionRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM actions WHERE id = ?`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: action %s", interfaces.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return r.toAction()
}

func (s *SQLiteStore) UpdateAction(ctx context.Context, a *interfaces.Action) error {
	args, err := actionArgs(a)
	if err != nil {
		return err
	}
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE actions SET status = :status, approvals_received = :approvals_received,
			denials_received = :denials_received, time_lock_until = :time_lock_until,
			expires_at = :expires_at, executed_at = :executed_at, result = :result,
			updated_at = :updated_at
		WHERE id = :id`, args)
	if err != nil {
		return err
	}
	return requireRow(res, "action", string(a.ID))
}

func (s *SQLiteStore) ListActions(ctx context.Context, vault interfaces.VaultID, f interfaces.ActionFilter) ([]*interfaces.Action, error) {
	query := `SELECT * FROM actions WHERE vault_id = ?`
	args := []any{string(vault)}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	var rows []actionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]*interfaces.Action, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAction()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLiteStore) SumActionAmounts(ctx context.Context, vault interfaces.VaultID, t interfaces.ActionType, statuses []interfaces.ActionStatus, since time.Time) (float64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`
		SELECT COALESCE(SUM(amount), 0) FROM actions
		WHERE vault_id = ? AND type = ? AND created_at >= ? AND status IN (?)`,
		string(vault), string(t), toNanos(since), statuses)
	if err != nil {
		return 0, err
	}
	var total float64
	if err := s.db.GetContext(ctx, &total, s.db.Rebind(query), args...); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *SQLiteStore) CountActions(ctx context.Context, vault interfaces.VaultID, t interfaces.ActionType, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM actions WHERE vault_id = ? AND type = ? AND created_at >= ?`,
		string(vault), string(t), toNanos(since))
	return n, err
}

func (s *SQLiteStore) ListDueTimeLocks(ctx context.Context, now time.Time) ([]*interfaces.Action, error) {
	var rows []actionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM actions
		WHERE status = ? AND time_lock_until != 0 AND time_lock_until <= ?
		ORDER BY time_lock_until`,
		string(interfaces.ActionApproved), toNanos(now))
	if err != nil {
		return nil, err
	}
	out := make([]*interfaces.Action, 0, len(rows))
	for _, r := range rows {
		a, err := r.toAction()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLiteStore) ExpireDueActions(ctx context.Context, now time.Time) ([]*interfaces.Action, error) {
	var rows []actionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM actions
		WHERE status IN (?, ?) AND expires_at != 0 AND expires_at <= ?`,
		string(interfaces.ActionPending), string(interfaces.ActionTimeLocked), toNanos(now))
	if err != nil {
		return nil, err
	}

	out := make([]*interfaces.Action, 0, len(rows))
	for _, r := range rows {
		res, err := s.db.ExecContext(ctx, `
			UPDATE actions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(interfaces.ActionExpired), toNanos(now), r.ID, r.Status)
		if err != nil {
			return nil, err
		}
		// A concurrent vote may have moved the action on; skip it then.
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		r.Status = string(interfaces.ActionExpired)
		r.UpdatedAt = toNanos(now)
		a, err := r.toAction()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *SQLiteStore) CreateVote(ctx context.Context, v *interfaces.Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO votes (id, action_id, voter_id, member_id, decision, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(v.ID), string(v.ActionID), string(v.VoterID), string(v.MemberID),
		string(v.Decision), v.Reason, toNanos(v.CreatedAt))
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return interfaces.ErrDuplicateVote
	}
	return err
}

func (s *SQLiteStore) GetVote(ctx context.Context, action interfaces.ActionID, member interfaces.MemberID) (*interfaces.Vote, error) {
	var r voteRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM votes WHERE action_id = ? AND member_id = ?`, string(action), string(member))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: vote", interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return r.toVote(), nil
}

type voteRow struct {
	ID        string `db:"id"`
	ActionID  string `db:"action_id"`
	VoterID   string `db:"voter_id"`
	MemberID  string `db:"member_id"`
	Decision  string `db:"decision"`
	Reason    string `db:"reason"`
	CreatedAt int64  `db:"created_at"`
}

func (r voteRow) toVote() *interfaces.Vote {
	return &interfaces.Vote{
		ID:        interfaces.VoteID(r.ID),
		ActionID:  interfaces.ActionID(r.ActionID),
		VoterID:   interfaces.UserID(r.VoterID),
		MemberID:  interfaces.MemberID(r.MemberID),
		Decision:  interfaces.VoteDecision(r.Decision),
		Reason:    r.Reason,
		CreatedAt: fromNanos(r.CreatedAt),
	}
}

func (s *SQLiteStore) ListVotes(ctx context.Context, action interfaces.ActionID) ([]*interfaces.Vote, error) {
	var rows []voteRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM votes WHERE action_id = ? ORDER BY created_at`, string(action))
	if err != nil {
		return nil, err
	}
	out := make([]*interfaces.Vote, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toVote())
	}
	return out, nil
}

type ruleRow struct {
	ID        string `db:"id"`
	VaultID   string `db:"vault_id"`
	Type      string `db:"type"`
	Config    string `db:"config"`
	Priority  int    `db:"priority"`
	Enabled   bool   `db:"enabled"`
	CreatedBy string `db:"created_by"`
	CreatedAt int64  `db:"created_at"`
}

func (r ruleRow) toRule() (*interfaces.Rule, error) {
	var cfg interfaces.RuleConfig
	if err := json.Unmarshal([]byte(r.Config), &cfg); err != nil {
		return nil, fmt.Errorf("decode rule config: %w", err)
	}
	return &interfaces.Rule{
		ID:        interfaces.RuleID(r.ID),
		VaultID:   interfaces.VaultID(r.VaultID),
		Type:      interfaces.RuleType(r.Type),
		Config:    cfg,
		Priority:  r.Priority,
		Enabled:   r.Enabled,
		CreatedBy: interfaces.UserID(r.CreatedBy),
		CreatedAt: fromNanos(r.CreatedAt),
	}, nil
}

func (s *SQLiteStore) CreateRule(ctx context.Context, r *interfaces.Rule) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("encode rule config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rules (id, vault_id, type, config, priority, enabled, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.ID), string(r.VaultID), string(r.Type), string(cfg),
		r.Priority, r.Enabled, string(r.CreatedBy), toNanos(r.CreatedAt))
	return err
}

func (s *SQLiteStore) UpdateRule(ctx context.Context, r *interfaces.Rule) error {
	cfg, err := json.Marshal(r.Config)
	if err != nil {
		return fmt.Errorf("encode rule config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE rules SET config = ?, priority = ?, enabled = ? WHERE id = ?`,
		string(cfg), r.Priority, r.Enabled, string(r.ID))
	if err != nil {
		return err
	}
	return requireRow(res, "rule", string(r.ID))
}

func (s *SQLiteStore) ListRules(ctx context.Context, vault interfaces.VaultID, enabledOnly bool) ([]*interfaces.Rule, error) {
	query := `SELECT * FROM rules WHERE vault_id = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY priority`

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query, string(vault)); err != nil {
		return nil, err
	}
	out := make([]*interfaces.Rule, 0, len(rows))
	for _, r := range rows {
		rule, err := r.toRule()
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, nil
}

type auditRow struct {
	ID        int64  `db:"id"`
	VaultID   string `db:"vault_id"`
	ActorID   string `db:"actor_id"`
	EventType string `db:"event_type"`
	Details   string `db:"details"`
	CreatedAt int64  `db:"created_at"`
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, e *interfaces.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode audit details: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (vault_id, actor_id, event_type, details, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(e.VaultID), string(e.ActorID), e.EventType, string(details), toNanos(e.CreatedAt))
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, vault interfaces.VaultID, limit, offset int) ([]*interfaces.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM audit_log WHERE vault_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`,
		string(vault), limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*interfaces.AuditEntry, 0, len(rows))
	for _, r := range rows {
		var details map[string]any
		if err := json.Unmarshal([]byte(r.Details), &details); err != nil {
			return nil, fmt.Errorf("decode audit details: %w", err)
		}
		out = append(out, &interfaces.AuditEntry{
			ID:        r.ID,
			VaultID:   interfaces.VaultID(r.VaultID),
			ActorID:   interfaces.UserID(r.ActorID),
			EventType: r.EventType,
			Details:   details,
			CreatedAt: fromNanos(r.CreatedAt),
		})
	}
	return out, nil
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", interfaces.ErrNotFound, kind, id)
	}
	return nil
}
