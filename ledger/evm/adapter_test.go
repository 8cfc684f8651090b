package evm

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessella/custody-engine/interfaces"
)

func offlineAdapter() *Adapter {
	return &Adapter{network: interfaces.NetworkTestnet, evmChainID: big.NewInt(11155111)}
}

func TestGenerateKeypair(t *testing.T) {
	a := offlineAdapter()

	kp, err := a.GenerateKeypair()
	require.NoError(t, err)
	assert.True(t, common.IsHexAddress(kp.PublicKey))
	assert.Len(t, kp.PrivateKey, 32)

	// The raw key must round-trip back to the same address.
	key, err := crypto.ToECDSA(kp.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestSignRoundTrip(t *testing.T) {
	a := offlineAdapter()

	kp, err := a.GenerateKeypair()
	require.NoError(t, err)

	dest := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	unsignedTx := types.NewTx(&types.LegacyTx{
		Nonce:    7,
		To:       &dest,
		Value:    big.NewInt(params.GWei),
		Gas:      params.TxGas,
		GasPrice: big.NewInt(2 * params.GWei),
	})
	unsigned, err := encodeTx(unsignedTx)
	require.NoError(t, err)

	signed, err := a.Sign(unsigned, kp.PrivateKey)
	require.NoError(t, err)
	assert.NotEqual(t, unsigned, signed)

	tx, err := decodeTx(signed)
	require.NoError(t, err)
	sender, err := types.Sender(types.LatestSignerForChainID(a.evmChainID), tx)
	require.NoError(t, err)
	assert.Equal(t, kp.PublicKey, sender.Hex())
}

func TestSignBadKey(t *testing.T) {
	a := offlineAdapter()
	_, err := a.Sign("00", []byte{1, 2, 3})
	assert.ErrorIs(t, err, interfaces.ErrAdapterFailure)
}

func TestBuildUnsupportedOperations(t *testing.T) {
	a := offlineAdapter()
	ctx := context.Background()

	_, err := a.BuildPathPayment(ctx, interfaces.PathPaymentParams{})
	assert.ErrorIs(t, err, interfaces.ErrAdapterFailure)

	_, err = a.BuildBatchPayment(ctx, interfaces.BatchPaymentParams{})
	assert.ErrorIs(t, err, interfaces.ErrAdapterFailure)
}

func TestIsValidAddress(t *testing.T) {
	a := offlineAdapter()
	assert.True(t, a.IsValidAddress("0x00000000000000000000000000000000000000aa"))
	assert.False(t, a.IsValidAddress("GABC"))
	assert.False(t, a.IsValidAddress(""))
}

func TestEtherToWei(t *testing.T) {
	wei, err := etherToWei("1.5")
	require.NoError(t, err)
	assert.Equal(t, "1500000000000000000", wei.String())

	wei, err = etherToWei("0.000000000000000001")
	require.NoError(t, err)
	assert.Equal(t, "1", wei.String())

	_, err = etherToWei("0")
	assert.Error(t, err)
	_, err = etherToWei("-1")
	assert.Error(t, err)
	_, err = etherToWei("0.0000000000000000001")
	assert.Error(t, err)
	_, err = etherToWei("abc")
	assert.Error(t, err)
}

func TestWeiToEther(t *testing.T) {
	assert.Equal(t, "1.5000000", weiToEther(big.NewInt(params.Ether+params.Ether/2)))
	assert.Equal(t, "0.0000000", weiToEther(big.NewInt(0)))
}
