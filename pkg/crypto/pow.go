// Package crypto provides the Bitcoin-style header/merkle assembly helpers
// a KawPoW-family block still needs alongside the KawPoW hash primitive
// itself (see internal/kawpow for the epoch seed, target conversions, and
// opaque verify call).
package crypto

import (
	"crypto/sha256"
)

// DoubleSHA256 computes SHA256(SHA256(data)).
func DoubleSHA256(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ReverseBytes reverses a byte slice and returns a new one.
func ReverseBytes(data []byte) []byte {
	result := make([]byte, len(data))
	for i := 0; i < len(data); i++ {
		result[i] = data[len(data)-1-i]
	}
	return result
}

// SwapEndian32 swaps the endianness of a 32-byte hash.
func SwapEndian32(hash []byte) []byte {
	if len(hash) != 32 {
		return hash
	}

	result := make([]byte, 32)
	for i := 0; i < 8; i++ {
		for j := 0; j < 4; j++ {
			result[i*4+j] = hash[i*4+(3-j)]
		}
	}
	return result
}

// CompareHashes compares two hashes as big-endian 256-bit numbers.
// Returns -1 if a < b, 0 if a == b, 1 if a > b.
func CompareHashes(a, b []byte) int {
	if len(a) != 32 || len(b) != 32 {
		return 0
	}

	for i := 0; i < 32; i++ {
		if a[i] < b[i] {
			return -1
		}
		if a[i] > b[i] {
			return 1
		}
	}
	return 0
}

// HashMeetsTarget checks if a hash meets the target difficulty.
func HashMeetsTarget(hash, target []byte) bool {
	return CompareHashes(hash, target) <= 0
}

// MerkleRoot calculates the merkle root from a list of transaction hashes.
func MerkleRoot(hashes [][]byte) []byte {
	if len(hashes) == 0 {
		return make([]byte, 32)
	}

	if len(hashes) == 1 {
		return hashes[0]
	}

	level := make([][]byte, len(hashes))
	copy(level, hashes)

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, level[len(level)-1])
		}

		newLevel := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 64)
			copy(combined[0:32], level[i])
			copy(combined[32:64], level[i+1])
			newLevel[i/2] = DoubleSHA256(combined)
		}
		level = newLevel
	}

	return level[0]
}

// CalculateMerkleRootWithCoinbase folds a coinbase hash through a list of
// merkle branches.
func CalculateMerkleRootWithCoinbase(coinbaseHash []byte, branches [][]byte) []byte {
	hash := make([]byte, 32)
	copy(hash, coinbaseHash)

	for _, branch := range branches {
		combined := make([]byte, 64)
		copy(combined[0:32], hash)
		copy(combined[32:64], branch)
		hash = DoubleSHA256(combined)
	}

	return hash
}
