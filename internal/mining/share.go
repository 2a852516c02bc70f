package mining

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/blockstore"
	"github.com/kawpowd/stratum/internal/errs"
	"github.com/kawpowd/stratum/internal/kawpow"
	"github.com/kawpowd/stratum/internal/upstream"
)

var (
	sharesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_shares_total",
		Help: "Total number of shares submitted, labeled by result",
	}, []string{"result"})

	shareProcessingTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "stratum_share_processing_seconds",
		Help:    "Share validation time in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
	})

	blocksFound = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_blocks_found_total",
		Help: "Total number of blocks found",
	})
)

func init() {
	prometheus.MustRegister(sharesTotal, shareProcessingTime, blocksFound)
}

// Share is a single mining.submit, built fresh per submission and released
// after one validation pass.
type Share struct {
	WorkerName     string
	JobIDHex       string
	NonceHex       string
	HeaderHashHex  string
	MixHashHex     string
	ExtraNonce1Hex string
	Difficulty     float64
	SubmittedAt    time.Time
}

// ShareResult is the three-valued outcome of validating a share: invalid /
// valid-share / valid-block.
type ShareResult struct {
	IsValidShare bool
	IsValidBlock bool
	Err          *errs.StratumError
	ShareDiff    float64
	BlockHex     string
}

// ShareValidator implements the ordered, short-circuit validation pipeline
// of spec.md §4.4.
type ShareValidator struct {
	logger     *zap.Logger
	jobManager *JobManager
	verifier   kawpow.Verifier
	rpc        *upstream.Client
	blocks     *blockstore.Store
}

// NewShareValidator creates a new share validator.
func NewShareValidator(logger *zap.Logger, jm *JobManager, verifier kawpow.Verifier, rpc *upstream.Client, blocks *blockstore.Store) *ShareValidator {
	return &ShareValidator{
		logger:     logger.Named("validator"),
		jobManager: jm,
		verifier:   verifier,
		rpc:        rpc,
		blocks:     blocks,
	}
}

// Validate runs the ordered pipeline: shape validation, job binding, nonce
// prefix constraint, duplicate check, KawPoW verify, difficulty check,
// block check.
func (v *ShareValidator) Validate(ctx context.Context, share *Share) *ShareResult {
	start := time.Now()
	defer func() {
		shareProcessingTime.Observe(time.Since(start).Seconds())
	}()

	// 1. Shape validation.
	if len(share.NonceHex) != 16 || len(share.HeaderHashHex) != 64 || len(share.MixHashHex) != 64 {
		sharesTotal.WithLabelValues("malformed").Inc()
		return &ShareResult{Err: errs.ErrOther}
	}

	nonceBytes, err := hex.DecodeString(share.NonceHex)
	if err != nil {
		sharesTotal.WithLabelValues("malformed").Inc()
		return &ShareResult{Err: errs.ErrOther}
	}
	headerHashBytes, err := hex.DecodeString(share.HeaderHashHex)
	if err != nil {
		sharesTotal.WithLabelValues("malformed").Inc()
		return &ShareResult{Err: errs.ErrOther}
	}
	mixHashBytes, err := hex.DecodeString(share.MixHashHex)
	if err != nil {
		sharesTotal.WithLabelValues("malformed").Inc()
		return &ShareResult{Err: errs.ErrOther}
	}

	nonce := binary.BigEndian.Uint64(nonceBytes)
	var headerHash, mixHash [32]byte
	copy(headerHash[:], headerHashBytes)
	copy(mixHash[:], mixHashBytes)

	// 2. Job binding.
	job := v.jobManager.GetJob(share.JobIDHex)
	if job == nil {
		sharesTotal.WithLabelValues("stale").Inc()
		return &ShareResult{Err: errs.ErrJobNotFound}
	}
	if job.HeaderHashBE != headerHash {
		sharesTotal.WithLabelValues("invalid").Inc()
		return &ShareResult{Err: errs.ErrOther}
	}

	// 3. Nonce prefix constraint.
	extraNonce1, err := hex.DecodeString(share.ExtraNonce1Hex)
	if err != nil || len(extraNonce1) == 0 || len(extraNonce1) > len(nonceBytes) {
		sharesTotal.WithLabelValues("malformed").Inc()
		return &ShareResult{Err: errs.ErrOther}
	}
	for i, b := range extraNonce1 {
		if nonceBytes[i] != b {
			sharesTotal.WithLabelValues("invalid").Inc()
			return &ShareResult{Err: errs.ErrUnauthorized}
		}
	}

	// 4. Duplicate check.
	if !job.TryClaimSubmission(share.NonceHex, share.ExtraNonce1Hex) {
		sharesTotal.WithLabelValues("duplicate").Inc()
		return &ShareResult{Err: errs.ErrDuplicateShare}
	}

	// 5. KawPoW verify.
	resultHash, ok := v.verifier.Verify(headerHash, nonce, job.Height, mixHash)
	if !ok {
		sharesTotal.WithLabelValues("invalid").Inc()
		return &ShareResult{Err: errs.ErrOther}
	}

	// 6. Difficulty check.
	shareDiff := kawpow.ShareDifficulty(resultHash)
	if shareDiff < share.Difficulty {
		sharesTotal.WithLabelValues("low_difficulty").Inc()
		return &ShareResult{Err: errs.ErrLowDifficulty, ShareDiff: shareDiff}
	}

	result := &ShareResult{IsValidShare: true, ShareDiff: shareDiff}
	sharesTotal.WithLabelValues("valid").Inc()

	// 7. Block check.
	if kawpow.MeetsTarget(resultHash, job.NetworkTarget) {
		result.IsValidBlock = true
		result.BlockHex = v.assembleBlockHex(job, nonceBytes, mixHashBytes)
		blocksFound.Inc()

		v.logger.Info("block found",
			zap.String("job_id", job.IDHex),
			zap.String("worker", share.WorkerName),
			zap.Uint64("height", job.Height),
		)

		// Submission runs on its own goroutine so the miner's reply isn't held
		// up by upstream round-trips; its outcome is logged, not folded back
		// into result, which the caller has already returned to the client.
		go v.submitBlock(context.Background(), job, share, result.BlockHex)
	}

	return result
}

// assembleBlockHex serializes the full block: header prefix + nonce +
// mixHash + coinbase + other transactions.
func (v *ShareValidator) assembleBlockHex(job *Job, nonceBytes, mixHashBytes []byte) string {
	block := make([]byte, 0, 80+len(job.Coinbase))
	block = append(block, job.HeaderHashBE[:]...)
	block = append(block, nonceBytes...)
	block = append(block, mixHashBytes...)
	block = append(block, job.Coinbase...)
	return hex.EncodeToString(block)
}

// submitBlock submits the assembled block upstream and, on acceptance,
// journals it, confirms it via getblock, and then marks the journal entry
// confirmed. It runs after Validate has
// already returned a ShareResult to the caller, so outcomes are logged here
// rather than folded back into that struct.
func (v *ShareValidator) submitBlock(ctx context.Context, job *Job, share *Share, blockHex string) {
	submitResult, err := v.rpc.SubmitBlock(ctx, blockHex)
	if err != nil {
		v.logger.Error("submitblock failed", zap.Error(err), zap.String("job_id", job.IDHex))
		return
	}
	if submitResult.Rejected {
		// Upstream-logical error: downgrade block to share-only, per
		// spec.md §7.
		v.logger.Warn("block rejected by node",
			zap.String("reason", submitResult.Reason),
			zap.String("job_id", job.IDHex),
		)
		return
	}

	// The chain has advanced; surface it immediately rather than waiting for
	// the next poll tick (trigger 4, spec.md §4.1).
	v.jobManager.UpdateJob(ctx)

	blockHash := fmt.Sprintf("%x", job.HeaderHashBE)
	if err := v.blocks.InsertBlock(ctx, &blockstore.Block{
		Hash:       blockHash,
		Height:     job.Height,
		WorkerName: share.WorkerName,
		FoundAt:    time.Now(),
	}); err != nil {
		v.logger.Error("failed to journal found block", zap.Error(err))
	}

	info, err := v.rpc.GetBlock(ctx, blockHash)
	if err != nil || info.Confirmations < 0 {
		v.logger.Warn("getblock confirmation failed after submitblock accepted", zap.Error(err))
		return
	}
	v.logger.Info("block confirmed",
		zap.String("job_id", job.IDHex),
		zap.String("tx_id", info.Hash),
	)

	if err := v.blocks.MarkBlockConfirmed(ctx, blockHash); err != nil {
		v.logger.Error("failed to mark block confirmed", zap.Error(err))
	}
}
