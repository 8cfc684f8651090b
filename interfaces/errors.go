package interfaces

import "errors"

// Error kinds raised by the engine. Callers discriminate with errors.Is; the
// wrapped message carries the human-readable detail (e.g. the rule reason for
// ErrPolicyBlocked or the breached limit for ErrRateLimitExceeded).
var (
	// ErrInvalidParameters indicates malformed threshold or share counts.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrInvalidShares indicates shares that cannot be decoded or are not
	// mutually consistent during reconstruction.
	ErrInvalidShares = errors.New("invalid shares")

	// ErrInsufficientShares indicates fewer than threshold shares retrievable.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrNotAMember indicates the actor is not an accepted member of the vault.
	ErrNotAMember = errors.New("not a member of this vault")

	// ErrNotASigner indicates the member's role carries no voting rights.
	ErrNotASigner = errors.New("role cannot vote on actions")

	// ErrVaultNotActive indicates an operation that requires an active vault.
	ErrVaultNotActive = errors.New("vault is not active")

	// ErrActionNotVotable indicates the action left the votable states.
	ErrActionNotVotable = errors.New("action is not votable")

	// ErrDuplicateVote indicates a second vote by the same member on one action.
	ErrDuplicateVote = errors.New("already voted on this action")

	// ErrPolicyBlocked indicates a blocking rule verdict during creation.
	ErrPolicyBlocked = errors.New("blocked by policy")

	// ErrRateLimitExceeded indicates a rate-limit rule violation.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrAdapterFailure wraps ledger adapter errors (build, sign, submit).
	ErrAdapterFailure = errors.New("ledger adapter failure")

	// ErrNotFound indicates a missing vault, member, action, or rule.
	ErrNotFound = errors.New("not found")

	// ErrInviteNotFound indicates no pending member matches the invite token.
	ErrInviteNotFound = errors.New("invitation not found")

	// ErrAlreadyAccepted indicates the invite was already bound to a user.
	ErrAlreadyAccepted = errors.New("invitation already accepted")
)
