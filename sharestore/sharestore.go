// Package sharestore encrypts vault key shares at rest, one share per member.
// Each share is sealed with AES-256-GCM under a key derived from the owning
// member's identity via Argon2id and a per-share random salt, so no two
// ciphertexts share a key even for the same member.
package sharestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/tessella/custody-engine/interfaces"
)

const (
	saltSize  = 16
	nonceSize = 12

	// Argon2id parameters: time=1, memory=64MiB, threads=4, 32-byte key.
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// Store persists encrypted shares keyed by (vault, share index) and owned by
// exactly one member each.
type Store struct {
	backend interfaces.Store
	now     func() time.Time
}

// New creates a share store over the given persistence backend.
func New(backend interfaces.Store) *Store {
	return &Store{backend: backend, now: time.Now}
}

// Put encrypts a plaintext share for the member and upserts it.
func (s *Store) Put(ctx context.Context, vault interfaces.VaultID, member interfaces.MemberID, shareIndex int, plaintext string) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	iv := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return fmt.Errorf("generate IV: %w", err)
	}

	gcm, err := memberCipher(member, salt)
	if err != nil {
		return err
	}
	ciphertext := gcm.Seal(nil, iv, []byte(plaintext), nil)

	return s.backend.PutShare(ctx, &interfaces.Share{
		VaultID:    vault,
		MemberID:   member,
		ShareIndex: shareIndex,
		Ciphertext: ciphertext,
		IV:         iv,
		Salt:       salt,
		CreatedAt:  s.now(),
	})
}

// Get retrieves and decrypts the member's share.
func (s *Store) Get(ctx context.Context, vault interfaces.VaultID, member interfaces.MemberID) (string, error) {
	share, err := s.backend.GetShare(ctx, vault, member)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return "", fmt.Errorf("%w: no share for member %s", interfaces.ErrInsufficientShares, member)
		}
		return "", err
	}

	gcm, err := memberCipher(member, share.Salt)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, share.IV, share.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decrypt share for member %s: %v", interfaces.ErrInvalidShares, member, err)
	}
	return string(plaintext), nil
}

// DeleteAll removes every share of a vault, used during share rotation.
func (s *Store) DeleteAll(ctx context.Context, vault interfaces.VaultID) error {
	return s.backend.DeleteShares(ctx, vault)
}

func memberCipher(member interfaces.MemberID, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(member), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	block, err := aes.NewCipher(key)
	for i := range key {
		key[i] = 0
	}
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
