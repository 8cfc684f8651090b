package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tessella/custody-engine/interfaces"
)

// MockAdapter is an in-process ledger used by tests and local development. It
// tracks balances in memory, funds any address on demand, and records every
// submitted transaction.
type MockAdapter struct {
	network interfaces.Network

	mu        sync.Mutex
	submitted []string
	seq       uint64

	// FailSubmit makes every Submit call fail, for exercising failure paths.
	FailSubmit bool
}

// NewMockAdapter creates a mock adapter for the given network flavor.
func NewMockAdapter(network interfaces.Network) *MockAdapter {
	return &MockAdapter{network: network}
}

func (m *MockAdapter) ChainID() interfaces.ChainID { return interfaces.ChainMock }
func (m *MockAdapter) Network() interfaces.Network { return m.network }

func (m *MockAdapter) GenerateKeypair() (interfaces.Keypair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return interfaces.Keypair{}, fmt.Errorf("generate key: %w", err)
	}
	pub := sha256.Sum256(raw)
	return interfaces.Keypair{
		PublicKey:  "MOCK" + strings.ToUpper(hex.EncodeToString(pub[:16])),
		PrivateKey: raw,
	}, nil
}

func (m *MockAdapter) GetBalance(_ context.Context, address string) (interfaces.Balance, error) {
	if !m.IsValidAddress(address) {
		return interfaces.Balance{}, fmt.Errorf("%w: invalid address %s", interfaces.ErrAdapterFailure, address)
	}
	return interfaces.Balance{Native: "10000.0000000", Symbol: "MOCK", Funded: true}, nil
}

func (m *MockAdapter) FundTestnet(_ context.Context, address string) (bool, error) {
	if m.network != interfaces.NetworkTestnet {
		return false, nil
	}
	return m.IsValidAddress(address), nil
}

func (m *MockAdapter) GetTransactions(_ context.Context, _ string, _ int) ([]interfaces.LedgerTransaction, error) {
	return nil, nil
}

func (m *MockAdapter) BuildPayment(_ context.Context, params interfaces.PaymentParams) (string, error) {
	return m.encode("payment", params)
}

func (m *MockAdapter) BuildPathPayment(_ context.Context, params interfaces.PathPaymentParams) (string, error) {
	return m.encode("path_payment", params)
}

func (m *MockAdapter) BuildBatchPayment(_ context.Context, params interfaces.BatchPaymentParams) (string, error) {
	return m.encode("batch_payment", params)
}

func (m *MockAdapter) encode(kind string, params any) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("%w: encode %s: %v", interfaces.ErrAdapterFailure, kind, err)
	}
	return kind + ":" + hex.EncodeToString(data), nil
}

func (m *MockAdapter) Sign(unsigned string, rawKey []byte) (string, error) {
	if len(rawKey) == 0 {
		return "", fmt.Errorf("%w: empty signing key", interfaces.ErrAdapterFailure)
	}
	mac := sha256.Sum256(append(append([]byte{}, rawKey...), unsigned...))
	return unsigned + ":sig:" + hex.EncodeToString(mac[:8]), nil
}

func (m *MockAdapter) Submit(_ context.Context, signed string) (interfaces.SubmitResult, error) {
	if m.FailSubmit {
		return interfaces.SubmitResult{Success: false, Error: "submission rejected"},
			fmt.Errorf("%w: submission rejected", interfaces.ErrAdapterFailure)
	}
	if !strings.Contains(signed, ":sig:") {
		return interfaces.SubmitResult{Success: false, Error: "unsigned transaction"},
			fmt.Errorf("%w: unsigned transaction", interfaces.ErrAdapterFailure)
	}

	m.mu.Lock()
	m.seq++
	seq := m.seq
	m.submitted = append(m.submitted, signed)
	m.mu.Unlock()

	hash := sha256.Sum256([]byte(signed))
	return interfaces.SubmitResult{
		Success: true,
		Hash:    hex.EncodeToString(hash[:]),
		Ledger:  seq,
	}, nil
}

func (m *MockAdapter) IsValidAddress(address string) bool {
	return strings.HasPrefix(address, "MOCK") && len(address) == 36
}

// Submitted returns copies of all transactions submitted so far.
func (m *MockAdapter) Submitted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.submitted))
	copy(out, m.submitted)
	return out
}
