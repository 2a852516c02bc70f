// Package kawpow provides the KawPoW-adjacent helpers the stratum server
// needs around the hash primitive itself: epoch seed derivation, the
// opaque verification call, and difficulty/target conversions. The native
// KawPoW search (ProgPoW DAG generation and mixing) is treated as an
// external primitive, consistent with how this coin family's node exposes
// it only through getblocktemplate/getblock, never as a library call a
// stratum server would perform in-process.
package kawpow

import (
	"math/big"

	"golang.org/x/crypto/sha3"
)

// Diff1 is the KawPoW difficulty-1 target, matching RavenCoin's convention:
// 0x00000000ffff0000000000000000000000000000000000000000000000000000.
var Diff1 = func() *big.Int {
	t, _ := new(big.Int).SetString("00000000ffff0000000000000000000000000000000000000000000000000000", 16)
	return t
}()

// Verifier is the opaque KawPoW hash primitive. A production binary wires
// this to the coin daemon's native ProgPoW implementation (via cgo or a
// subprocess); the stratum server itself never computes a DAG.
type Verifier interface {
	// Verify returns the mix-derived result hash (big-endian) and whether
	// mixHash is a valid ProgPoW solution for the given header hash, nonce,
	// and block height.
	Verify(headerHash [32]byte, nonce uint64, height uint64, mixHash [32]byte) (resultHash [32]byte, ok bool)
}

// Epoch returns the KawPoW epoch containing height, given the configured
// epoch length (7,500 blocks for RavenCoin-family chains).
func Epoch(height uint64, epochLength uint64) uint64 {
	if epochLength == 0 {
		return 0
	}
	return height / epochLength
}

// SeedHash derives the DAG seed hash for an epoch: keccak-256 iterated
// `epoch` times starting from 32 zero bytes, per the Ethash/KawPoW
// convention.
func SeedHash(epoch uint64) [32]byte {
	var seed [32]byte
	for i := uint64(0); i < epoch; i++ {
		h := sha3.NewLegacyKeccak256()
		h.Write(seed[:])
		copy(seed[:], h.Sum(nil))
	}
	return seed
}

// HeaderHash computes the SHA3-256 hash of a serialized KawPoW block
// header prefix (everything but nonce/mixHash), per RavenCoin conventions.
func HeaderHash(headerPrefix []byte) [32]byte {
	return sha3.Sum256(headerPrefix)
}

// TargetFromDifficulty converts a difficulty value into a 256-bit
// big-endian target: target = diff1 / difficulty.
func TargetFromDifficulty(difficulty float64) *big.Int {
	if difficulty <= 0 {
		return new(big.Int).Set(Diff1)
	}
	// Scale difficulty into a big.Rat-free integer division by converting
	// via a fixed-point numerator, matching the precision Stratum pools
	// conventionally use for this conversion.
	const precision = 1e9
	scaled := big.NewInt(int64(difficulty * precision))
	if scaled.Sign() <= 0 {
		return new(big.Int).Set(Diff1)
	}
	num := new(big.Int).Mul(Diff1, big.NewInt(precision))
	return new(big.Int).Div(num, scaled)
}

// DifficultyFromTarget is the inverse of TargetFromDifficulty.
func DifficultyFromTarget(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	num := new(big.Rat).SetInt(Diff1)
	den := new(big.Rat).SetInt(target)
	result := new(big.Rat).Quo(num, den)
	f, _ := result.Float64()
	return f
}

// ShareDifficulty computes diff1 / resultHash for a big-endian result hash.
func ShareDifficulty(resultHash [32]byte) float64 {
	hashInt := new(big.Int).SetBytes(resultHash[:])
	if hashInt.Sign() == 0 {
		return 0
	}
	return DifficultyFromTarget(hashInt)
}

// CompactToTarget expands a compact "bits" encoding (as returned by
// getblocktemplate/getblock) into a 256-bit big-endian target.
func CompactToTarget(bits uint32) *big.Int {
	exponent := bits >> 24
	mantissa := bits & 0xffffff

	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		return big.NewInt(int64(mantissa))
	}

	target := big.NewInt(int64(mantissa))
	target.Lsh(target, uint(8*(exponent-3)))
	return target
}

// MeetsTarget reports whether a big-endian result hash, interpreted as an
// unsigned integer, is at or below target.
func MeetsTarget(resultHash [32]byte, target *big.Int) bool {
	hashInt := new(big.Int).SetBytes(resultHash[:])
	return hashInt.Cmp(target) <= 0
}
