package mining

import (
	"context"
	"encoding/hex"
	"math/big"
	"testing"

	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/errs"
	"github.com/kawpowd/stratum/internal/kawpow"
)

// rejectingVerifier always reports the proof-of-work as invalid.
type rejectingVerifier struct{}

func (rejectingVerifier) Verify(headerHash [32]byte, nonce uint64, height uint64, mixHash [32]byte) ([32]byte, bool) {
	return [32]byte{}, false
}

func testValidatorWithJob(t *testing.T, verifier kawpow.Verifier, target *big.Int) (*ShareValidator, *Job, string) {
	t.Helper()

	jm := testJobManager()
	headerHashHex := "aa11223344556677889900112233445566778899001122334455667788990011"
	headerHashBytes, err := hex.DecodeString(headerHashHex)
	if err != nil {
		t.Fatalf("bad test fixture hex: %v", err)
	}
	var headerHash [32]byte
	copy(headerHash[:], headerHashBytes)

	job := &Job{
		IDHex:         "job1",
		Height:        100,
		HeaderHashBE:  headerHash,
		NetworkTarget: target,
		submitSet:     make(map[string]struct{}),
	}
	jm.currentJob.Store(job)

	sv := NewShareValidator(zap.NewNop(), jm, verifier, nil, nil)
	return sv, job, headerHashHex
}

func TestValidateRejectsMalformedShape(t *testing.T) {
	sv, job, headerHashHex := testValidatorWithJob(t, kawpow.ReferenceVerifier{}, big.NewInt(1))

	share := &Share{
		JobIDHex:       job.IDHex,
		NonceHex:       "short", // not 16 hex chars
		HeaderHashHex:  headerHashHex,
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000001",
	}

	result := sv.Validate(context.Background(), share)
	if result.Err != errs.ErrOther {
		t.Errorf("expected ErrOther for malformed shape, got %v", result.Err)
	}
}

func TestValidateRejectsUnknownJob(t *testing.T) {
	sv, _, headerHashHex := testValidatorWithJob(t, kawpow.ReferenceVerifier{}, big.NewInt(1))

	share := &Share{
		JobIDHex:       "does-not-exist",
		NonceHex:       "0000000100000001",
		HeaderHashHex:  headerHashHex,
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000001",
	}

	result := sv.Validate(context.Background(), share)
	if result.Err != errs.ErrJobNotFound {
		t.Errorf("expected ErrJobNotFound, got %v", result.Err)
	}
}

func TestValidateRejectsHeaderHashMismatch(t *testing.T) {
	sv, job, _ := testValidatorWithJob(t, kawpow.ReferenceVerifier{}, big.NewInt(1))

	share := &Share{
		JobIDHex:       job.IDHex,
		NonceHex:       "0000000100000001",
		HeaderHashHex:  "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff",
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000001",
	}

	result := sv.Validate(context.Background(), share)
	if result.Err != errs.ErrOther {
		t.Errorf("expected ErrOther for header hash mismatch, got %v", result.Err)
	}
}

func TestValidateRejectsNoncePrefixMismatch(t *testing.T) {
	sv, job, headerHashHex := testValidatorWithJob(t, kawpow.ReferenceVerifier{}, big.NewInt(1))

	share := &Share{
		JobIDHex:       job.IDHex,
		NonceHex:       "0000000200000001", // first 4 bytes don't match extranonce1
		HeaderHashHex:  headerHashHex,
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000001",
	}

	result := sv.Validate(context.Background(), share)
	if result.Err != errs.ErrUnauthorized {
		t.Errorf("expected ErrUnauthorized for nonce prefix mismatch, got %v", result.Err)
	}
}

func TestValidateRejectsDuplicateSubmission(t *testing.T) {
	sv, job, headerHashHex := testValidatorWithJob(t, kawpow.ReferenceVerifier{}, big.NewInt(1))

	share := &Share{
		JobIDHex:       job.IDHex,
		NonceHex:       "0000000100000001",
		HeaderHashHex:  headerHashHex,
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000001",
		Difficulty:     0,
	}

	first := sv.Validate(context.Background(), share)
	if first.Err != nil {
		t.Fatalf("first submission should validate cleanly, got err %v", first.Err)
	}

	second := sv.Validate(context.Background(), share)
	if second.Err != errs.ErrDuplicateShare {
		t.Errorf("expected ErrDuplicateShare on resubmission, got %v", second.Err)
	}
}

func TestValidateRejectsFailedProofOfWork(t *testing.T) {
	sv, job, headerHashHex := testValidatorWithJob(t, rejectingVerifier{}, big.NewInt(1))

	share := &Share{
		JobIDHex:       job.IDHex,
		NonceHex:       "0000000100000001",
		HeaderHashHex:  headerHashHex,
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000001",
	}

	result := sv.Validate(context.Background(), share)
	if result.Err != errs.ErrOther {
		t.Errorf("expected ErrOther when the verifier rejects the proof, got %v", result.Err)
	}
}

func TestValidateRejectsLowDifficulty(t *testing.T) {
	// A network target of 1 is far beyond "too hard to ever be met", and an
	// astronomically high required share difficulty guarantees the
	// difficulty gate trips before any block check is reached.
	sv, job, headerHashHex := testValidatorWithJob(t, kawpow.ReferenceVerifier{}, big.NewInt(1))

	share := &Share{
		JobIDHex:       job.IDHex,
		NonceHex:       "0000000100000001",
		HeaderHashHex:  headerHashHex,
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000001",
		Difficulty:     1e18,
	}

	result := sv.Validate(context.Background(), share)
	if result.Err != errs.ErrLowDifficulty {
		t.Errorf("expected ErrLowDifficulty, got %v", result.Err)
	}
}

func TestValidateAcceptsValidShareBelowBlockTarget(t *testing.T) {
	// NetworkTarget of 1 makes it effectively impossible for a SHA3 digest
	// to meet the block target, isolating the valid-share path from the
	// async block-submission path.
	sv, job, headerHashHex := testValidatorWithJob(t, kawpow.ReferenceVerifier{}, big.NewInt(1))

	share := &Share{
		JobIDHex:       job.IDHex,
		NonceHex:       "0000000100000001",
		HeaderHashHex:  headerHashHex,
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000001",
		Difficulty:     0,
	}

	result := sv.Validate(context.Background(), share)
	if result.Err != nil {
		t.Fatalf("expected a clean validation, got err %v", result.Err)
	}
	if !result.IsValidShare {
		t.Error("expected IsValidShare to be true")
	}
	if result.IsValidBlock {
		t.Error("did not expect a block with an unreachable network target")
	}
}

func TestValidateIndependentAcrossClientsSameJob(t *testing.T) {
	// Two different clients submitting nonces under distinct extranonce1
	// prefixes occupy disjoint search spaces and must not collide with each
	// other's duplicate-submission tracking.
	sv, job, headerHashHex := testValidatorWithJob(t, kawpow.ReferenceVerifier{}, big.NewInt(1))

	shareA := &Share{
		JobIDHex:       job.IDHex,
		NonceHex:       "0000000100000001",
		HeaderHashHex:  headerHashHex,
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000001",
	}
	shareB := &Share{
		JobIDHex:       job.IDHex,
		NonceHex:       "0000000200000001",
		HeaderHashHex:  headerHashHex,
		MixHashHex:     "0011223344556677889900112233445566778899001122334455667788990000",
		ExtraNonce1Hex: "00000002",
	}

	if res := sv.Validate(context.Background(), shareA); res.Err != nil {
		t.Fatalf("client A's first submission should validate cleanly, got %v", res.Err)
	}
	if res := sv.Validate(context.Background(), shareB); res.Err != nil {
		t.Fatalf("client B's submission under a disjoint extranonce1 should validate cleanly, got %v", res.Err)
	}
}
