package interfaces

import "context"

// Keypair holds a freshly generated or restored wallet key. PrivateKey is the
// raw key material; holders must wipe it once signing is done.
type Keypair struct {
	PublicKey  string
	PrivateKey []byte
}

// Balance is a chain-agnostic account balance snapshot.
type Balance struct {
	Native    string
	Symbol    string
	Funded    bool
	AssetList []AssetBalance
}

// AssetBalance is one non-native asset holding.
type AssetBalance struct {
	Code    string
	Issuer  string
	Balance string
}

// LedgerTransaction is one historical transaction of an address.
type LedgerTransaction struct {
	ID         string
	Type       string
	Amount     string
	Asset      string
	From       string
	To         string
	Hash       string
	Memo       string
	Successful bool
	CreatedAt  string
}

// PaymentParams describes a single payment to build.
type PaymentParams struct {
	Source      string
	Destination string
	Amount      string
	Asset       string
	Memo        string
}

// PathPaymentParams describes a cross-asset payment to build.
type PathPaymentParams struct {
	Source      string
	Destination string
	SendAsset   string
	DestAsset   string
	DestAmount  string
	MaxSend     string
}

// BatchPaymentParams describes a multi-destination payment to build.
type BatchPaymentParams struct {
	Source   string
	Payments []BatchPaymentItem
	Memo     string
}

// SubmitResult is the outcome of submitting a signed transaction.
type SubmitResult struct {
	Success bool
	Hash    string
	Ledger  uint64
	Error   string
}

// LedgerAdapter abstracts one blockchain's transaction construction, signing,
// and submission. The engine is chain-agnostic and requires only these
// operations. Implementations are keyed by (chain, network) in an explicit
// registry; network calls honor the caller's context deadline.
type LedgerAdapter interface {
	ChainID() ChainID
	Network() Network

	// GenerateKeypair creates a new random wallet keypair.
	GenerateKeypair() (Keypair, error)

	// GetBalance returns the current balance of an address.
	GetBalance(ctx context.Context, address string) (Balance, error)

	// FundTestnet requests faucet funding on test networks. Returns false on
	// networks without a faucet.
	FundTestnet(ctx context.Context, address string) (bool, error)

	// GetTransactions returns recent transactions of an address.
	GetTransactions(ctx context.Context, address string, limit int) ([]LedgerTransaction, error)

	// BuildPayment returns an unsigned serialized payment transaction.
	BuildPayment(ctx context.Context, params PaymentParams) (string, error)

	// BuildPathPayment returns an unsigned cross-asset payment transaction.
	BuildPathPayment(ctx context.Context, params PathPaymentParams) (string, error)

	// BuildBatchPayment returns an unsigned multi-destination transaction.
	BuildBatchPayment(ctx context.Context, params BatchPaymentParams) (string, error)

	// Sign signs an unsigned transaction with the raw private key. The key is
	// passed as bytes so callers can wipe it afterwards.
	Sign(unsigned string, rawKey []byte) (string, error)

	// Submit broadcasts a signed transaction to the network.
	Submit(ctx context.Context, signed string) (SubmitResult, error)

	// IsValidAddress validates an address format for this chain.
	IsValidAddress(address string) bool
}
