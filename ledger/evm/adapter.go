// Package evm implements the ledger adapter for Ethereum-compatible chains
// over a JSON-RPC endpoint.
package evm

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/params"

	"github.com/tessella/custody-engine/interfaces"
)

// Adapter talks to one EVM network. Transactions are serialized as
// hex-encoded RLP between build, sign, and submit.
type Adapter struct {
	client     *ethclient.Client
	network    interfaces.Network
	evmChainID *big.Int
}

// Config selects the RPC endpoint and network for an adapter.
type Config struct {
	RPCURL     string
	Network    interfaces.Network
	EVMChainID int64
}

// NewAdapter dials the RPC endpoint and returns the adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	return &Adapter{
		client:     client,
		network:    cfg.Network,
		evmChainID: big.NewInt(cfg.EVMChainID),
	}, nil
}

func (a *Adapter) ChainID() interfaces.ChainID { return interfaces.ChainEthereum }
func (a *Adapter) Network() interfaces.Network { return a.network }

func (a *Adapter) GenerateKeypair() (interfaces.Keypair, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return interfaces.Keypair{}, fmt.Errorf("generate key: %w", err)
	}
	return interfaces.Keypair{
		PublicKey:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: crypto.FromECDSA(key),
	}, nil
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (interfaces.Balance, error) {
	if !a.IsValidAddress(address) {
		return interfaces.Balance{}, fmt.Errorf("%w: invalid address %s", interfaces.ErrAdapterFailure, address)
	}
	wei, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return interfaces.Balance{}, fmt.Errorf("%w: balance query: %v", interfaces.ErrAdapterFailure, err)
	}
	return interfaces.Balance{
		Native: weiToEther(wei),
		Symbol: "ETH",
		Funded: wei.Sign() > 0,
	}, nil
}

// FundTestnet reports false: EVM testnets have no unified faucet protocol, so
// funding goes through an external faucet out of band.
func (a *Adapter) FundTestnet(_ context.Context, _ string) (bool, error) {
	return false, nil
}

// GetTransactions reports an empty history. Per-address history on EVM needs
// an indexer; the node RPC alone cannot answer it.
func (a *Adapter) GetTransactions(_ context.Context, _ string, _ int) ([]interfaces.LedgerTransaction, error) {
	return nil, nil
}

func (a *Adapter) BuildPayment(ctx context.Context, p interfaces.PaymentParams) (string, error) {
	if !a.IsValidAddress(p.Source) || !a.IsValidAddress(p.Destination) {
		return "", fmt.Errorf("%w: invalid payment addresses", interfaces.ErrAdapterFailure)
	}
	if p.Asset != "" && !strings.EqualFold(p.Asset, "ETH") {
		return "", fmt.Errorf("%w: asset %s not supported, native transfers only", interfaces.ErrAdapterFailure, p.Asset)
	}
	value, err := etherToWei(p.Amount)
	if err != nil {
		return "", fmt.Errorf("%w: amount %q: %v", interfaces.ErrAdapterFailure, p.Amount, err)
	}

	source := common.HexToAddress(p.Source)
	nonce, err := a.client.PendingNonceAt(ctx, source)
	if err != nil {
		return "", fmt.Errorf("%w: nonce query: %v", interfaces.ErrAdapterFailure, err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: gas price query: %v", interfaces.ErrAdapterFailure, err)
	}

	dest := common.HexToAddress(p.Destination)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &dest,
		Value:    value,
		Gas:      params.TxGas,
		GasPrice: gasPrice,
	})
	return encodeTx(tx)
}

// BuildPathPayment is not available on EVM chains; there is no native
// cross-asset payment primitive.
func (a *Adapter) BuildPathPayment(_ context.Context, _ interfaces.PathPaymentParams) (string, error) {
	return "", fmt.Errorf("%w: path payments not supported on ethereum", interfaces.ErrAdapterFailure)
}

// BuildBatchPayment is not available: one EVM transaction carries one native
// transfer, and batching needs a multisend contract this adapter does not
// deploy.
func (a *Adapter) BuildBatchPayment(_ context.Context, _ interfaces.BatchPaymentParams) (string, error) {
	return "", fmt.Errorf("%w: batch payments not supported on ethereum", interfaces.ErrAdapterFailure)
}

func (a *Adapter) Sign(unsigned string, rawKey []byte) (string, error) {
	tx, err := decodeTx(unsigned)
	if err != nil {
		return "", err
	}
	key, err := crypto.ToECDSA(rawKey)
	if err != nil {
		return "", fmt.Errorf("%w: parse signing key: %v", interfaces.ErrAdapterFailure, err)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.evmChainID), key)
	if err != nil {
		return "", fmt.Errorf("%w: sign: %v", interfaces.ErrAdapterFailure, err)
	}
	return encodeTx(signed)
}

func (a *Adapter) Submit(ctx context.Context, signed string) (interfaces.SubmitResult, error) {
	tx, err := decodeTx(signed)
	if err != nil {
		return interfaces.SubmitResult{}, err
	}
	if err := a.client.SendTransaction(ctx, tx); err != nil {
		return interfaces.SubmitResult{Success: false, Error: err.Error()},
			fmt.Errorf("%w: submit: %v", interfaces.ErrAdapterFailure, err)
	}
	return interfaces.SubmitResult{Success: true, Hash: tx.Hash().Hex()}, nil
}

func (a *Adapter) IsValidAddress(address string) bool {
	return common.IsHexAddress(address)
}

func encodeTx(tx *types.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("%w: encode transaction: %v", interfaces.ErrAdapterFailure, err)
	}
	return hex.EncodeToString(raw), nil
}

func decodeTx(encoded string) (*types.Transaction, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decode transaction hex: %v", interfaces.ErrAdapterFailure, err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("%w: decode transaction: %v", interfaces.ErrAdapterFailure, err)
	}
	return tx, nil
}

func etherToWei(amount string) (*big.Int, error) {
	r, ok := new(big.Rat).SetString(amount)
	if !ok || r.Sign() <= 0 {
		return nil, fmt.Errorf("not a positive decimal")
	}
	wei := new(big.Rat).Mul(r, new(big.Rat).SetInt64(params.Ether))
	if !wei.IsInt() {
		return nil, fmt.Errorf("more than 18 decimal places")
	}
	return wei.Num(), nil
}

func weiToEther(wei *big.Int) string {
	return new(big.Rat).SetFrac(wei, big.NewInt(params.Ether)).FloatString(7)
}
