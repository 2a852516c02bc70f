package kawpow

import "golang.org/x/crypto/sha3"

// ReferenceVerifier is a placeholder Verifier used for wiring and tests. It
// does not implement real ProgPoW DAG generation or mixing — height is
// accepted but unused, since this stub has no epoch DAG to consult. A
// production deployment replaces this with a cgo binding (or subprocess) to
// the coin daemon's actual KawPoW implementation.
type ReferenceVerifier struct{}

// Verify derives resultHash as SHA3-256(headerHash || nonce || mixHash)
// and always reports ok=true, since this stub cannot distinguish a valid
// ProgPoW mix from an invalid one. Never use outside of tests/wiring.
func (ReferenceVerifier) Verify(headerHash [32]byte, nonce uint64, height uint64, mixHash [32]byte) (resultHash [32]byte, ok bool) {
	var buf [72]byte
	copy(buf[0:32], headerHash[:])
	for i := 0; i < 8; i++ {
		buf[32+i] = byte(nonce >> (56 - 8*i))
	}
	copy(buf[40:72], mixHash[:])
	return sha3.Sum256(buf[:]), true
}
