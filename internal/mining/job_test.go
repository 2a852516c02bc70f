package mining

import (
	"testing"

	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/config"
	"github.com/kawpowd/stratum/internal/upstream"
)

func testJobManager() *JobManager {
	cfg := config.MiningConfig{
		Extranonce1Size: 4,
		EpochLength:     7500,
	}
	coinCfg := config.CoinConfig{
		CoinbaseAddress: "RSomeAddressPlaceholder",
		BlockBrand:      "/kawpowd/",
	}
	return NewJobManager(cfg, coinCfg, zap.NewNop(), &upstream.Client{}, nil)
}

func sampleTemplate() *upstream.BlockTemplate {
	return &upstream.BlockTemplate{
		Height:            100,
		PreviousBlockHash: "0000000000000000000000000000000000000000000000000000000000000000",
		Bits:              "1d00ffff",
		CurTime:           1700000000,
		CoinbaseValue:     5000000000,
		Transactions:      nil,
		Version:           536870912,
	}
}

func TestBuildJobAssignsMonotonicIDs(t *testing.T) {
	jm := testJobManager()
	tpl := sampleTemplate()

	j1, err := jm.buildJob(tpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j2, err := jm.buildJob(tpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if j1.IDHex == j2.IDHex {
		t.Errorf("expected distinct job IDs, got %q twice", j1.IDHex)
	}
}

func TestBuildJobRejectsInvalidBits(t *testing.T) {
	jm := testJobManager()
	tpl := sampleTemplate()
	tpl.Bits = "zz"

	if _, err := jm.buildJob(tpl); err == nil {
		t.Fatal("expected error for malformed bits")
	}
}

func TestBuildJobHeaderHashExcludesNonce(t *testing.T) {
	jm := testJobManager()
	tpl := sampleTemplate()

	j1, err := jm.buildJob(tpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	j2, err := jm.buildJob(tpl)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if j1.HeaderHashBE != j2.HeaderHashBE {
		t.Error("identical templates must produce identical header hashes")
	}
}

func TestTryClaimSubmissionRejectsDuplicate(t *testing.T) {
	jm := testJobManager()
	job, err := jm.buildJob(sampleTemplate())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !job.TryClaimSubmission("nonce1", "extranonce1") {
		t.Fatal("first submission of a nonce must be accepted")
	}
	if job.TryClaimSubmission("nonce1", "extranonce1") {
		t.Fatal("duplicate submission of the same nonce/extranonce pair must be rejected")
	}
}

func TestTryClaimSubmissionIsolatesNonceSpaceByExtranonce(t *testing.T) {
	jm := testJobManager()
	job, err := jm.buildJob(sampleTemplate())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !job.TryClaimSubmission("aaaa", "01") {
		t.Fatal("first claim should succeed")
	}
	if !job.TryClaimSubmission("aaaa", "02") {
		t.Fatal("the same nonce under a different extranonce1 occupies a disjoint search space and must be accepted")
	}
}

func TestGenerateExtranonce1Unique(t *testing.T) {
	jm := testJobManager()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		e := jm.GenerateExtranonce1()
		if seen[e] {
			t.Fatalf("extranonce1 %q generated twice", e)
		}
		seen[e] = true
		if len(e) != 8 { // 4 bytes hex-encoded
			t.Fatalf("expected 8 hex chars for a 4-byte extranonce1, got %q", e)
		}
	}
}

func TestEncodeHeightBIP34(t *testing.T) {
	small := encodeHeight(5)
	if len(small) != 1 || small[0] != 0x55 {
		t.Errorf("expected OP_5 (0x55) for height 5, got %x", small)
	}

	large := encodeHeight(1000)
	if len(large) < 2 {
		t.Errorf("expected a length-prefixed push for height 1000, got %x", large)
	}
}

func TestAppendVarInt(t *testing.T) {
	got := appendVarInt(nil, 10)
	if len(got) != 1 || got[0] != 10 {
		t.Errorf("expected single-byte varint for 10, got %x", got)
	}

	got = appendVarInt(nil, 0x10000)
	if len(got) != 9 || got[0] != 0xff {
		t.Errorf("expected 9-byte varint with 0xff prefix for values > 0xffff, got %x", got)
	}
}

func TestGetJobLooksUpCurrentAndPrevious(t *testing.T) {
	jm := testJobManager()
	if jm.GetJob("nonexistent") != nil {
		t.Error("expected nil for an unknown job ID before any job is published")
	}
}

func TestPublishRefreshRetainsPreRefreshJobAsPrevious(t *testing.T) {
	jm := testJobManager()

	tpl := sampleTemplate()
	first, err := jm.publish(tpl, true)
	if err != nil {
		t.Fatalf("unexpected error on initial publish: %v", err)
	}

	// Same height, different coinbase value so the refresh isn't suppressed
	// as an identical no-op.
	tpl2 := sampleTemplate()
	tpl2.CoinbaseValue = tpl.CoinbaseValue + 1
	second, err := jm.publish(tpl2, false)
	if err != nil {
		t.Fatalf("unexpected error on refresh publish: %v", err)
	}
	if second == nil {
		t.Fatal("expected the refresh to produce a new job, not be suppressed")
	}

	if jm.GetJob(first.IDHex) == nil {
		t.Error("expected the pre-refresh job to still be retrievable as the previous job")
	}
	if jm.GetJob(second.IDHex) == nil {
		t.Error("expected the refreshed job to be retrievable as the current job")
	}
}

func TestPublishNewBlockEvictsPreviousHeightJob(t *testing.T) {
	jm := testJobManager()

	tpl := sampleTemplate()
	first, err := jm.publish(tpl, true)
	if err != nil {
		t.Fatalf("unexpected error on initial publish: %v", err)
	}

	tpl2 := sampleTemplate()
	tpl2.Height = 101
	tpl2.PreviousBlockHash = "1111111111111111111111111111111111111111111111111111111111111111"
	second, err := jm.publish(tpl2, true)
	if err != nil {
		t.Fatalf("unexpected error on new-block publish: %v", err)
	}
	if second == nil {
		t.Fatal("expected the new block to produce a new job")
	}

	if jm.GetJob(first.IDHex) != nil {
		t.Error("a late submission naming the superseded height's job must come back not-found")
	}
	if jm.GetJob(second.IDHex) == nil {
		t.Error("expected the new job to be retrievable as the current job")
	}
}
