// Package protocol implements difficulty calculation and variable difficulty
// (VarDiff). VarDiff itself is stateless across clients: each call takes a
// client's recent share-timestamp ring and its current difficulty, and
// returns either "no change" or a proposed new difficulty.
package protocol

import (
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/kawpowd/stratum/internal/kawpow"
)

// VarDiffConfig holds VarDiff configuration (spec.md §4.3/§6).
type VarDiffConfig struct {
	Enabled          bool
	MinDiff          float64
	MaxDiff          float64
	TargetShareTime  float64 // seconds
	RetargetTime     float64 // seconds
	VariancePercent  float64
	AdjustmentFactor float64
	UseProportional  bool
}

// maxRingSize bounds the share-timestamp ring kept per client.
const maxRingSize = 100

// ShareRing is the per-client ring of recent share timestamps plus the
// monotonic ticks paired with them for clock-jump protection. It is owned
// exclusively by the client's own task; VarDiff only reads/writes it within
// that task's call.
type ShareRing struct {
	mu sync.Mutex

	timestampsMs   []int64
	monotonicTicks []int64

	diff           float64
	lastUpdateMs   int64
	lastMonoTick   int64
}

// NewShareRing creates a ring seeded with the client's initial difficulty.
func NewShareRing(initialDiff float64) *ShareRing {
	return &ShareRing{
		diff:           initialDiff,
		timestampsMs:   make([]int64, 0, maxRingSize),
		monotonicTicks: make([]int64, 0, maxRingSize),
	}
}

// RecordShare appends a share's wall-clock timestamp (ms) if its paired
// monotonic tick is strictly greater than the previous one. A tick that does
// not advance (clock jump / NTP step) is dropped rather than corrupting the
// ring, per spec.md §4.3's clock-safety rule.
func (r *ShareRing) RecordShare(nowMs int64, monoTick int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if monoTick <= r.lastMonoTick && len(r.monotonicTicks) > 0 {
		return
	}

	// The first recorded share starts the retarget clock, so the first
	// adjustment also waits out RetargetTime.
	if len(r.timestampsMs) == 0 && r.lastUpdateMs == 0 {
		r.lastUpdateMs = nowMs
	}

	r.timestampsMs = append(r.timestampsMs, nowMs)
	r.monotonicTicks = append(r.monotonicTicks, monoTick)
	r.lastMonoTick = monoTick

	if len(r.timestampsMs) > maxRingSize {
		over := len(r.timestampsMs) - maxRingSize
		r.timestampsMs = r.timestampsMs[over:]
		r.monotonicTicks = r.monotonicTicks[over:]
	}
}

// Difficulty returns the ring's current difficulty.
func (r *ShareRing) Difficulty() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diff
}

// SetDifficulty overwrites the ring's current difficulty (used on connect
// to install the initial value).
func (r *ShareRing) SetDifficulty(diff float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.diff = diff
}

// Adjustment is the result of a successful VarDiff retarget.
type Adjustment struct {
	NewDiff     float64
	Reason      string
	AvgInterval float64 // seconds
}

// VarDiff computes difficulty retargets. It holds no per-client state.
type VarDiff struct {
	cfg VarDiffConfig
}

// NewVarDiff builds a VarDiff engine from configuration.
func NewVarDiff(cfg VarDiffConfig) *VarDiff {
	return &VarDiff{cfg: cfg}
}

// InitialDifficulty returns the starting difficulty for a new client, per
// spec.md §4.3: clamp(portDiff, minDiff, maxDiff) if portDiff is configured,
// else the geometric mean of minDiff/maxDiff.
func (v *VarDiff) InitialDifficulty(portDiff float64) float64 {
	if portDiff > 0 {
		return roundDiff(clamp(portDiff, v.cfg.MinDiff, v.cfg.MaxDiff))
	}
	return roundDiff(math.Sqrt(v.cfg.MinDiff * v.cfg.MaxDiff))
}

// CheckAdjustment evaluates the gated retarget policy against a client's
// ring, returning (adjustment, true) if a retarget should be applied. nowMs
// is the caller's wall-clock reading at the time of the check.
func (v *VarDiff) CheckAdjustment(ring *ShareRing, nowMs int64) (*Adjustment, bool) {
	if !v.cfg.Enabled {
		return nil, false
	}

	ring.mu.Lock()
	n := len(ring.timestampsMs)
	if n < 10 {
		ring.mu.Unlock()
		return nil, false
	}
	if float64(nowMs-ring.lastUpdateMs) < v.cfg.RetargetTime*1000 {
		ring.mu.Unlock()
		return nil, false
	}

	window := 10
	if n < window {
		window = n
	}
	recent := ring.timestampsMs[n-window:]
	ring.mu.Unlock()

	count := len(recent)
	avgIntervalSec := float64(recent[count-1]-recent[0]) / float64(count-1) / 1000.0
	if avgIntervalSec <= 0 {
		return nil, false
	}

	target := v.cfg.TargetShareTime
	lo := target * (1 - v.cfg.VariancePercent)
	hi := target * (1 + v.cfg.VariancePercent)

	var reason string
	switch {
	case avgIntervalSec < lo:
		reason = "shares too fast"
	case avgIntervalSec > hi:
		reason = "shares too slow"
	default:
		return nil, false
	}

	scale := target / avgIntervalSec

	currentDiff := ring.Difficulty()
	var newDiff float64
	if v.cfg.UseProportional {
		newDiff = currentDiff * clamp(scale, 0.25, 4.0)
	} else if reason == "shares too fast" {
		newDiff = currentDiff * v.cfg.AdjustmentFactor
	} else {
		newDiff = currentDiff / v.cfg.AdjustmentFactor
	}

	newDiff = clamp(newDiff, v.cfg.MinDiff, v.cfg.MaxDiff)
	newDiff = roundDiff(newDiff)

	if currentDiff != 0 && math.Abs(newDiff-currentDiff)/currentDiff < 0.01 {
		return nil, false
	}

	ring.mu.Lock()
	ring.diff = newDiff
	ring.lastUpdateMs = nowMs
	ring.mu.Unlock()

	return &Adjustment{NewDiff: newDiff, Reason: reason, AvgInterval: avgIntervalSec}, true
}

// HashrateEstimate returns a diagnostic-only hash-rate estimate over the
// ring's current window: (diff * shareCount * 2^32) / timeSpanSeconds.
// Returns 0 if fewer than 2 samples or the span is zero.
func HashrateEstimate(ring *ShareRing) float64 {
	ring.mu.Lock()
	defer ring.mu.Unlock()

	n := len(ring.timestampsMs)
	if n < 2 {
		return 0
	}
	spanSec := float64(ring.timestampsMs[n-1]-ring.timestampsMs[0]) / 1000.0
	if spanSec <= 0 {
		return 0
	}
	return (ring.diff * float64(n) * 4294967296.0) / spanSec
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// roundDiff rounds to 6 significant figures if diff >= 1, else to 6 decimal
// places, matching spec.md §4.3's float-noise suppression rule.
func roundDiff(diff float64) float64 {
	if diff >= 1 {
		s := strconv.FormatFloat(diff, 'g', 6, 64)
		f, _ := strconv.ParseFloat(s, 64)
		return f
	}
	s := fmt.Sprintf("%.6f", diff)
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

// DifficultyToTargetHex converts a difficulty into the 32-byte big-endian
// target, hex-encoded, sent to the miner as mining.notify's target field.
func DifficultyToTargetHex(difficulty float64) string {
	target := kawpow.TargetFromDifficulty(difficulty)
	buf := make([]byte, 32)
	target.FillBytes(buf)
	return hexEncode(buf)
}

func hexEncode(b []byte) string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexdigits[c>>4]
		out[i*2+1] = hexdigits[c&0x0f]
	}
	return string(out)
}
