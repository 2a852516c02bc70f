package protocol

import (
	"math"
	"testing"
)

func testCfg() VarDiffConfig {
	return VarDiffConfig{
		Enabled:          true,
		MinDiff:          1,
		MaxDiff:          1000,
		TargetShareTime:  10,
		RetargetTime:     60,
		VariancePercent:  0.3,
		AdjustmentFactor: 2,
		UseProportional:  true,
	}
}

func TestInitialDifficultyClampsPortDiff(t *testing.T) {
	v := NewVarDiff(testCfg())

	if got := v.InitialDifficulty(5000); got != 1000 {
		t.Errorf("expected clamp to MaxDiff 1000, got %v", got)
	}
	if got := v.InitialDifficulty(0.001); got != 1 {
		t.Errorf("expected clamp to MinDiff 1, got %v", got)
	}
	if got := v.InitialDifficulty(50); got != 50 {
		t.Errorf("expected passthrough of in-range portDiff, got %v", got)
	}
}

func TestInitialDifficultyGeometricMean(t *testing.T) {
	v := NewVarDiff(testCfg())
	got := v.InitialDifficulty(0)
	want := math.Sqrt(1 * 1000)
	if math.Abs(got-want) > 0.01 {
		t.Errorf("expected geometric mean ~%v, got %v", want, got)
	}
}

func TestCheckAdjustmentGatedOnSampleCount(t *testing.T) {
	v := NewVarDiff(testCfg())
	ring := NewShareRing(10)

	base := int64(1_000_000)
	for i := 0; i < 5; i++ {
		ring.RecordShare(base+int64(i)*1000, base+int64(i)*1000)
	}

	if _, ok := v.CheckAdjustment(ring, base+5000); ok {
		t.Fatal("expected no adjustment with fewer than 10 samples")
	}
}

func TestCheckAdjustmentGatedOnRetargetTime(t *testing.T) {
	v := NewVarDiff(testCfg())
	ring := NewShareRing(10)

	// 10 shares 500ms apart (way too fast: target is 10s) but arriving
	// within a window shorter than RetargetTime (60s), so the gate blocks.
	base := int64(1_000_000)
	for i := 0; i < 10; i++ {
		ring.RecordShare(base+int64(i)*500, base+int64(i)*500)
	}

	if _, ok := v.CheckAdjustment(ring, base+5000); ok {
		t.Fatal("expected no adjustment before RetargetTime has elapsed")
	}
}

func TestCheckAdjustmentProportionalSwingCap(t *testing.T) {
	v := NewVarDiff(testCfg())
	ring := NewShareRing(10)

	// Shares arriving extremely fast (10ms apart against a 10s target)
	// would imply a 1000x scale-up; proportional mode must clamp to 4x.
	base := int64(1_000_000)
	for i := 0; i < 10; i++ {
		ring.RecordShare(base+int64(i)*10, base+int64(i)*10)
	}

	adj, ok := v.CheckAdjustment(ring, base+120_000)
	if !ok {
		t.Fatal("expected an adjustment to trigger")
	}
	if adj.NewDiff > 10*4.0+1e-9 {
		t.Errorf("expected swing capped at 4x (40), got %v", adj.NewDiff)
	}
}

func TestCheckAdjustmentRespectsMinMaxDiff(t *testing.T) {
	cfg := testCfg()
	cfg.MaxDiff = 20
	v := NewVarDiff(cfg)
	ring := NewShareRing(10)

	base := int64(1_000_000)
	for i := 0; i < 10; i++ {
		ring.RecordShare(base+int64(i)*10, base+int64(i)*10)
	}

	adj, ok := v.CheckAdjustment(ring, base+120_000)
	if !ok {
		t.Fatal("expected an adjustment to trigger")
	}
	if adj.NewDiff > cfg.MaxDiff {
		t.Errorf("adjustment %v exceeds configured MaxDiff %v", adj.NewDiff, cfg.MaxDiff)
	}
}

func TestCheckAdjustmentNoopBelowOnePercent(t *testing.T) {
	v := NewVarDiff(testCfg())
	ring := NewShareRing(10)

	// Shares spaced almost exactly at the target interval: should not
	// trigger a meaningful retarget.
	base := int64(1_000_000)
	for i := 0; i < 10; i++ {
		ring.RecordShare(base+int64(i)*10000, base+int64(i)*10000)
	}

	if _, ok := v.CheckAdjustment(ring, base+120_000); ok {
		t.Fatal("expected no-op when shares already land on target interval")
	}
}

func TestRecordShareDropsNonAdvancingMonotonicTick(t *testing.T) {
	ring := NewShareRing(10)
	ring.RecordShare(1000, 100)
	ring.RecordShare(2000, 100) // clock jump: tick did not advance
	ring.RecordShare(1500, 50)  // tick went backwards

	ring.mu.Lock()
	n := len(ring.timestampsMs)
	ring.mu.Unlock()

	if n != 1 {
		t.Errorf("expected only the first share recorded, got %d entries", n)
	}
}

func TestHashrateEstimateZeroWithFewerThanTwoSamples(t *testing.T) {
	ring := NewShareRing(10)
	if got := HashrateEstimate(ring); got != 0 {
		t.Errorf("expected 0 with no samples, got %v", got)
	}
	ring.RecordShare(1000, 1000)
	if got := HashrateEstimate(ring); got != 0 {
		t.Errorf("expected 0 with a single sample, got %v", got)
	}
}

func TestHashrateEstimatePositive(t *testing.T) {
	ring := NewShareRing(100)
	ring.RecordShare(0, 0)
	ring.RecordShare(10_000, 10_000)
	ring.RecordShare(20_000, 20_000)

	got := HashrateEstimate(ring)
	if got <= 0 {
		t.Errorf("expected positive hashrate estimate, got %v", got)
	}
}

func TestDifficultyToTargetHexLength(t *testing.T) {
	hexStr := DifficultyToTargetHex(1)
	if len(hexStr) != 64 {
		t.Errorf("expected 64 hex chars (32 bytes), got %d", len(hexStr))
	}
}
