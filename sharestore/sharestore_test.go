package sharestore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tessella/custody-engine/interfaces"
	"github.com/tessella/custody-engine/storage"
)

func TestPutGetRoundTrip(t *testing.T) {
	store := New(storage.NewMemoryStore())
	ctx := context.Background()

	vault := interfaces.NewVaultID()
	member := interfaces.NewMemberID()
	plaintext := "1:5f3e9a7b12cd"

	require.NoError(t, store.Put(ctx, vault, member, 1, plaintext))

	got, err := store.Get(ctx, vault, member)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestCiphertextNotPlaintext(t *testing.T) {
	backend := storage.NewMemoryStore()
	store := New(backend)
	ctx := context.Background()

	vault := interfaces.NewVaultID()
	member := interfaces.NewMemberID()
	plaintext := "2:deadbeefcafe"

	require.NoError(t, store.Put(ctx, vault, member, 2, plaintext))

	raw, err := backend.GetShare(ctx, vault, member)
	require.NoError(t, err)
	assert.NotContains(t, string(raw.Ciphertext), plaintext)
	assert.Len(t, raw.Salt, saltSize)
	assert.Len(t, raw.IV, nonceSize)
}

func TestPerShareSaltAndIV(t *testing.T) {
	backend := storage.NewMemoryStore()
	store := New(backend)
	ctx := context.Background()

	member := interfaces.NewMemberID()
	vaultA := interfaces.NewVaultID()
	vaultB := interfaces.NewVaultID()

	require.NoError(t, store.Put(ctx, vaultA, member, 1, "1:aabb"))
	require.NoError(t, store.Put(ctx, vaultB, member, 1, "1:aabb"))

	a, err := backend.GetShare(ctx, vaultA, member)
	require.NoError(t, err)
	b, err := backend.GetShare(ctx, vaultB, member)
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestGetMissingShare(t *testing.T) {
	store := New(storage.NewMemoryStore())

	_, err := store.Get(context.Background(), interfaces.NewVaultID(), interfaces.NewMemberID())
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
}

func TestWrongMemberCannotDecrypt(t *testing.T) {
	backend := storage.NewMemoryStore()
	store := New(backend)
	ctx := context.Background()

	vault := interfaces.NewVaultID()
	owner := interfaces.NewMemberID()
	other := interfaces.NewMemberID()

	require.NoError(t, store.Put(ctx, vault, owner, 1, "1:aabbcc"))

	// Reassign the stored ciphertext to a different member; the derived key
	// no longer matches and GCM authentication must fail.
	orig, err := backend.GetShare(ctx, vault, owner)
	require.NoError(t, err)
	require.NoError(t, backend.PutShare(ctx, &interfaces.Share{
		VaultID:    vault,
		MemberID:   other,
		ShareIndex: 2,
		Ciphertext: orig.Ciphertext,
		IV:         orig.IV,
		Salt:       orig.Salt,
		CreatedAt:  orig.CreatedAt,
	}))

	_, err = store.Get(ctx, vault, other)
	assert.ErrorIs(t, err, interfaces.ErrInvalidShares)
}

func TestDeleteAll(t *testing.T) {
	store := New(storage.NewMemoryStore())
	ctx := context.Background()

	vault := interfaces.NewVaultID()
	m1 := interfaces.NewMemberID()
	m2 := interfaces.NewMemberID()
	require.NoError(t, store.Put(ctx, vault, m1, 1, "1:aa"))
	require.NoError(t, store.Put(ctx, vault, m2, 2, "2:bb"))

	require.NoError(t, store.DeleteAll(ctx, vault))

	_, err := store.Get(ctx, vault, m1)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
	_, err = store.Get(ctx, vault, m2)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
}
