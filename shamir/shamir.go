// Package shamir implements Shamir's secret sharing over a prime field.
//
// A secret is split into n shares with reconstruction threshold t by sampling
// a random degree t-1 polynomial whose constant term encodes the secret, and
// evaluating it at n distinct nonzero points. Any t shares reconstruct the
// secret via Lagrange interpolation at x=0; fewer than t reveal nothing.
//
// Before splitting, the secret is framed with a marker byte and a truncated
// SHA-256 checksum so that Combine detects inconsistent or insufficient share
// sets instead of silently returning a wrong value.
package shamir

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/tessella/custody-engine/interfaces"
)

// prime is the Mersenne prime 2^521-1. It bounds secrets of up to 60 bytes
// after framing, comfortably above any raw signing key the engine splits.
var prime = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 521), big.NewInt(1))

const (
	frameMarker  = 0x01
	checksumSize = 4
	maxSecretLen = 60
)

// Share is one (x, f(x)) pair in its string encoding "x:hex(y)".
type Share = string

// Split splits secret into n shares, any threshold of which reconstruct it.
// The random polynomial coefficients come from crypto/rand.
func Split(secret []byte, n, threshold int) ([]Share, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2", interfaces.ErrInvalidParameters)
	}
	if threshold > n {
		return nil, fmt.Errorf("%w: threshold %d exceeds share count %d", interfaces.ErrInvalidParameters, threshold, n)
	}
	if len(secret) == 0 || len(secret) > maxSecretLen {
		return nil, fmt.Errorf("%w: secret must be 1..%d bytes", interfaces.ErrInvalidParameters, maxSecretLen)
	}

	secretInt := new(big.Int).SetBytes(frame(secret))

	// f(x) = secret + c1*x + ... + c(t-1)*x^(t-1) over the prime field.
	coeffs := make([]*big.Int, threshold)
	coeffs[0] = secretInt
	for i := 1; i < threshold; i++ {
		c, err := rand.Int(rand.Reader, prime)
		if err != nil {
			return nil, fmt.Errorf("sample coefficient: %w", err)
		}
		coeffs[i] = c
	}

	shares := make([]Share, n)
	for x := 1; x <= n; x++ {
		y := evalPoly(coeffs, int64(x))
		shares[x-1] = fmt.Sprintf("%d:%s", x, hex.EncodeToString(y.Bytes()))
		y.SetInt64(0)
	}

	for i := 1; i < threshold; i++ {
		coeffs[i].SetInt64(0)
	}
	secretInt.SetInt64(0)

	return shares, nil
}

// SplitHex splits a hex-encoded secret; shares reconstruct the same hex string.
func SplitHex(secretHex string, n, threshold int) ([]Share, error) {
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("%w: secret is not valid hex", interfaces.ErrInvalidParameters)
	}
	defer Wipe(secret)
	return Split(secret, n, threshold)
}

// Combine reconstructs the secret from a set of shares produced by one Split
// call. Shares from different splits, corrupted shares, or too few shares to
// meet the original threshold fail with ErrInvalidShares.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) < 2 {
		return nil, fmt.Errorf("%w: need at least 2 shares", interfaces.ErrInvalidShares)
	}

	xs := make([]*big.Int, len(shares))
	ys := make([]*big.Int, len(shares))
	seen := make(map[int64]bool, len(shares))
	for i, s := range shares {
		x, y, err := decodeShare(s)
		if err != nil {
			return nil, err
		}
		if seen[x] {
			return nil, fmt.Errorf("%w: duplicate share index %d", interfaces.ErrInvalidShares, x)
		}
		seen[x] = true
		xs[i] = big.NewInt(x)
		ys[i] = y
	}

	secretInt := interpolateAtZero(xs, ys)
	defer secretInt.SetInt64(0)
	for i := range ys {
		ys[i].SetInt64(0)
	}

	secret, err := unframe(secretInt.Bytes())
	if err != nil {
		return nil, err
	}
	return secret, nil
}

// CombineHex reconstructs and hex-encodes the secret.
func CombineHex(shares []Share) (string, error) {
	secret, err := Combine(shares)
	if err != nil {
		return "", err
	}
	out := hex.EncodeToString(secret)
	Wipe(secret)
	return out, nil
}

// Wipe zeroes a byte slice holding key material.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func frame(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	framed := make([]byte, 0, 1+len(secret)+checksumSize)
	framed = append(framed, frameMarker)
	framed = append(framed, secret...)
	framed = append(framed, sum[:checksumSize]...)
	return framed
}

func unframe(framed []byte) ([]byte, error) {
	if len(framed) < 1+checksumSize+1 || framed[0] != frameMarker {
		return nil, fmt.Errorf("%w: reconstruction checksum mismatch", interfaces.ErrInvalidShares)
	}
	secret := framed[1 : len(framed)-checksumSize]
	sum := sha256.Sum256(secret)
	if subtle.ConstantTimeCompare(sum[:checksumSize], framed[len(framed)-checksumSize:]) != 1 {
		return nil, fmt.Errorf("%w: reconstruction checksum mismatch", interfaces.ErrInvalidShares)
	}
	out := make([]byte, len(secret))
	copy(out, secret)
	Wipe(framed)
	return out, nil
}

func decodeShare(s Share) (int64, *big.Int, error) {
	idx, yHex, ok := strings.Cut(s, ":")
	if !ok {
		return 0, nil, fmt.Errorf("%w: malformed share", interfaces.ErrInvalidShares)
	}
	x, err := strconv.ParseInt(idx, 10, 32)
	if err != nil || x < 1 {
		return 0, nil, fmt.Errorf("%w: malformed share index", interfaces.ErrInvalidShares)
	}
	yBytes, err := hex.DecodeString(yHex)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: malformed share value", interfaces.ErrInvalidShares)
	}
	return x, new(big.Int).SetBytes(yBytes), nil
}

func evalPoly(coeffs []*big.Int, x int64) *big.Int {
	// Horner's rule mod prime.
	xi := big.NewInt(x)
	y := new(big.Int)
	for i := len(coeffs) - 1; i >= 0; i-- {
		y.Mul(y, xi)
		y.Add(y, coeffs[i])
		y.Mod(y, prime)
	}
	return y
}

func interpolateAtZero(xs, ys []*big.Int) *big.Int {
	secret := new(big.Int)
	num := new(big.Int)
	den := new(big.Int)
	term := new(big.Int)
	for i := range xs {
		num.SetInt64(1)
		den.SetInt64(1)
		for j := range xs {
			if i == j {
				continue
			}
			// L_i(0) = prod(x_j / (x_j - x_i))
			num.Mul(num, xs[j])
			num.Mod(num, prime)
			term.Sub(xs[j], xs[i])
			term.Mod(term, prime)
			den.Mul(den, term)
			den.Mod(den, prime)
		}
		term.ModInverse(den, prime)
		term.Mul(term, num)
		term.Mod(term, prime)
		term.Mul(term, ys[i])
		term.Mod(term, prime)
		secret.Add(secret, term)
		secret.Mod(secret, prime)
	}
	return secret
}
