// Package mining implements KawPoW job assembly, the job manager, and share
// validation.
package mining

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/config"
	"github.com/kawpowd/stratum/internal/jobcache"
	"github.com/kawpowd/stratum/internal/kawpow"
	"github.com/kawpowd/stratum/internal/upstream"
	"github.com/kawpowd/stratum/pkg/crypto"
)

var (
	jobsGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratum_jobs_generated_total",
		Help: "Total number of jobs generated, labeled by whether they cleared prior work",
	}, []string{"clean_jobs"})

	currentBlockHeight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_current_block_height",
		Help: "Current block height",
	})

	rpcDisconnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_rpc_disconnected",
		Help: "1 if the upstream RPC connection is considered down, else 0",
	})
)

func init() {
	prometheus.MustRegister(jobsGenerated, currentBlockHeight, rpcDisconnected)
}

// Job is an immutable snapshot of what to mine, derived from one block
// template. Once published it is never mutated except for its submitSet,
// which is the one contended field guarded by its own mutex.
type Job struct {
	IDHex             string
	Height            uint64
	SeedHash          [32]byte
	HeaderHashBE      [32]byte
	NetworkTarget     *big.Int
	PreviousBlockHash string
	Coinbase          []byte
	MerkleRoot        []byte
	CreatedAt         time.Time

	submitMu  sync.Mutex
	submitSet map[string]struct{}
}

// HeaderHashHex returns the lowercase hex encoding of the job's header
// hash, as sent on the wire in mining.notify and compared against a share's
// claimed headerHash.
func (j *Job) HeaderHashHex() string {
	return hex.EncodeToString(j.HeaderHashBE[:])
}

// SeedHashHex returns the lowercase hex encoding of the job's epoch seed.
func (j *Job) SeedHashHex() string {
	return hex.EncodeToString(j.SeedHash[:])
}

// TryClaimSubmission atomically inserts (nonceHex, extraNonce1Hex) into the
// job's submission set. Returns false if the pair was already present
// (duplicate submission).
func (j *Job) TryClaimSubmission(nonceHex, extraNonce1Hex string) bool {
	key := extraNonce1Hex + ":" + nonceHex
	j.submitMu.Lock()
	defer j.submitMu.Unlock()
	if _, exists := j.submitSet[key]; exists {
		return false
	}
	j.submitSet[key] = struct{}{}
	return true
}

// JobEvent is the nextJob event emitted whenever the job changes.
type JobEvent struct {
	Job        *Job
	IsNewBlock bool
}

// JobManager maintains the current job and the immediately previous job of
// the same height (spec.md §9's resolved retention-window question), and
// emits nextJob events to broadcast subscribers.
type JobManager struct {
	cfg      config.MiningConfig
	coinCfg  config.CoinConfig
	logger   *zap.Logger
	rpc      *upstream.Client
	cache    *jobcache.Cache

	mu           sync.RWMutex
	currentJob   atomic.Value // *Job
	previousJob  atomic.Value // *Job
	jobCounter   uint32
	extranonce1  uint32

	subscribersMu sync.RWMutex
	subscribers   []chan JobEvent

	generationMu  sync.Mutex
	generation    uint64
	appliedGen    uint64

	consecutiveErrors int
}

// NewJobManager creates a new job manager. cache may be nil, in which case the
// current job is never snapshotted (diagnostics-only, never required).
func NewJobManager(cfg config.MiningConfig, coinCfg config.CoinConfig, logger *zap.Logger, rpc *upstream.Client, cache *jobcache.Cache) *JobManager {
	return &JobManager{
		cfg:         cfg,
		coinCfg:     coinCfg,
		logger:      logger.Named("job"),
		rpc:         rpc,
		cache:       cache,
		subscribers: make([]chan JobEvent, 0),
	}
}

// GenerateExtranonce1 mints a unique per-connection extraNonce1: a monotonic
// counter hex-encoded as Extranonce1Size bytes (8 hex chars at 4 bytes).
func (jm *JobManager) GenerateExtranonce1() string {
	value := atomic.AddUint32(&jm.extranonce1, 1)
	size := jm.cfg.Extranonce1Size

	buf := make([]byte, size)
	for i := 0; i < size; i++ {
		buf[i] = byte(value >> (8 * (size - 1 - i)))
	}
	return hex.EncodeToString(buf)
}

// GetExtranonce2Size returns extranonce2's size. KawPoW has no miner-chosen
// extranonce2: the entire search space lives in the nonce field.
func (jm *JobManager) GetExtranonce2Size() int {
	return 0
}

// GetCurrentJob returns the current job, or nil before the first template
// has been acquired.
func (jm *JobManager) GetCurrentJob() *Job {
	if j := jm.currentJob.Load(); j != nil {
		return j.(*Job)
	}
	return nil
}

// GetJob looks up a job by ID among the retained jobs (current + previous
// of the same height).
func (jm *JobManager) GetJob(idHex string) *Job {
	if cur := jm.GetCurrentJob(); cur != nil && cur.IDHex == idHex {
		return cur
	}
	if prev := jm.previousJob.Load(); prev != nil {
		if p, ok := prev.(*Job); ok && p != nil && p.IDHex == idHex {
			return p
		}
	}
	return nil
}

// Subscribe returns a channel receiving every job event.
func (jm *JobManager) Subscribe() <-chan JobEvent {
	jm.subscribersMu.Lock()
	defer jm.subscribersMu.Unlock()

	ch := make(chan JobEvent, 16)
	jm.subscribers = append(jm.subscribers, ch)
	return ch
}

func (jm *JobManager) notifySubscribers(evt JobEvent) {
	jm.subscribersMu.RLock()
	defer jm.subscribersMu.RUnlock()

	for _, ch := range jm.subscribers {
		select {
		case ch <- evt:
		default:
			jm.logger.Warn("job broadcast channel full, dropping subscriber")
		}
	}
}

// Init performs the initial template acquisition. Failure here is fatal to
// startup per spec.md §4.1.
func (jm *JobManager) Init(ctx context.Context) error {
	tpl, err := jm.rpc.GetBlockTemplate(ctx)
	if err != nil {
		return fmt.Errorf("initial getblocktemplate failed: %w", err)
	}
	_, err = jm.publish(tpl, true)
	return err
}

// PollForNewBlock fetches a template and, if its previousblockhash differs
// from the current job's, publishes a new job with isNewBlock=true.
func (jm *JobManager) PollForNewBlock(ctx context.Context) {
	tpl, err := jm.rpc.GetBlockTemplate(ctx)
	if err != nil {
		jm.recordError(err)
		return
	}
	jm.recordSuccess()

	cur := jm.GetCurrentJob()
	if cur != nil && cur.PreviousBlockHash == tpl.PreviousBlockHash {
		return
	}

	if _, err := jm.publish(tpl, true); err != nil {
		jm.logger.Error("failed to assemble job for new block", zap.Error(err))
	}
}

// Refresh fetches a template and publishes a job with isNewBlock=false,
// refreshing mempool-included transactions while staying on the same
// block. Suppressed if the resulting header hash is unchanged.
func (jm *JobManager) Refresh(ctx context.Context) {
	tpl, err := jm.rpc.GetBlockTemplate(ctx)
	if err != nil {
		jm.recordError(err)
		return
	}
	jm.recordSuccess()

	if _, err := jm.publish(tpl, false); err != nil {
		jm.logger.Error("failed to assemble refreshed job", zap.Error(err))
	}
}

// BlockNotify is the external hook equivalent to an immediate poll (trigger
// 2 in spec.md §4.1).
func (jm *JobManager) BlockNotify(ctx context.Context) {
	jm.PollForNewBlock(ctx)
}

// UpdateJob is invoked after a successful block submission to surface the
// chain advance without waiting for the next poll tick (trigger 4).
func (jm *JobManager) UpdateJob(ctx context.Context) {
	jm.PollForNewBlock(ctx)
}

func (jm *JobManager) recordError(err error) {
	jm.mu.Lock()
	jm.consecutiveErrors++
	n := jm.consecutiveErrors
	jm.mu.Unlock()

	jm.logger.Warn("block template poll failed", zap.Error(err), zap.Int("consecutive_errors", n))
	if n >= 5 {
		rpcDisconnected.Set(1)
	}
}

func (jm *JobManager) recordSuccess() {
	jm.mu.Lock()
	jm.consecutiveErrors = 0
	jm.mu.Unlock()
	rpcDisconnected.Set(0)
}

// publish builds a Job from a template and, unless it is a suppressed
// duplicate refresh or superseded by a later in-flight poll, installs it as
// current and notifies subscribers.
func (jm *JobManager) publish(tpl *upstream.BlockTemplate, forceNewBlock bool) (*Job, error) {
	jm.generationMu.Lock()
	jm.generation++
	seq := jm.generation
	jm.generationMu.Unlock()

	job, err := jm.buildJob(tpl)
	if err != nil {
		return nil, err
	}

	jm.mu.Lock()
	defer jm.mu.Unlock()

	// Tie-break: a stale in-flight poll that resolved after a newer one was
	// already applied is dropped.
	if seq <= jm.appliedGen && jm.appliedGen != 0 {
		return nil, nil
	}

	cur := jm.GetCurrentJob()
	isNewBlock := forceNewBlock && (cur == nil || cur.PreviousBlockHash != tpl.PreviousBlockHash)

	if !isNewBlock && cur != nil && cur.HeaderHashBE == job.HeaderHashBE {
		// Identical refresh: suppress, no event emitted.
		return nil, nil
	}

	if isNewBlock {
		// A new block evicts the superseded height entirely: a late
		// submission naming the old job must come back job-not-found,
		// not be validated against stale work.
		var evicted *Job
		jm.previousJob.Store(evicted)
		currentBlockHeight.Set(float64(tpl.Height))
	} else if cur != nil {
		// Same-height refresh: the pre-refresh job is still retainable as
		// the immediately previous job of this block height.
		jm.previousJob.Store(cur)
	}

	jm.currentJob.Store(job)
	jm.appliedGen = seq

	clean := "false"
	if isNewBlock {
		clean = "true"
	}
	jobsGenerated.WithLabelValues(clean).Inc()

	jm.logger.Info("job published",
		zap.String("job_id", job.IDHex),
		zap.Uint64("height", job.Height),
		zap.Bool("clean_jobs", isNewBlock),
	)

	jm.notifySubscribers(JobEvent{Job: job, IsNewBlock: isNewBlock})
	jm.snapshotJob(job, isNewBlock)
	return job, nil
}

// snapshotJob records the current job in jobcache for process-restart
// diagnostics. It is never read back into live validation (spec.md §11),
// so a cache outage only costs diagnostic visibility, never correctness.
func (jm *JobManager) snapshotJob(job *Job, isNewBlock bool) {
	if jm.cache == nil {
		return
	}

	data, err := json.Marshal(struct {
		IDHex      string    `json:"id"`
		Height     uint64    `json:"height"`
		HeaderHash string    `json:"header_hash"`
		IsNewBlock bool      `json:"is_new_block"`
		CreatedAt  time.Time `json:"created_at"`
	}{
		IDHex:      job.IDHex,
		Height:     job.Height,
		HeaderHash: job.HeaderHashHex(),
		IsNewBlock: isNewBlock,
		CreatedAt:  job.CreatedAt,
	})
	if err != nil {
		jm.logger.Warn("failed to marshal job snapshot", zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := jm.cache.CacheCurrentJob(ctx, job.IDHex, data); err != nil {
			jm.logger.Warn("failed to cache current job snapshot", zap.Error(err))
		}
	}()
}

// buildJob assembles an immutable Job from a block template.
func (jm *JobManager) buildJob(tpl *upstream.BlockTemplate) (*Job, error) {
	coinbase := jm.buildCoinbase(tpl)
	coinbaseHash := crypto.DoubleSHA256(crypto.DoubleSHA256(coinbase))

	txHashes := make([][]byte, 0, len(tpl.Transactions)+1)
	txHashes = append(txHashes, coinbaseHash)
	for _, tx := range tpl.Transactions {
		raw, err := hex.DecodeString(tx.TxID)
		if err != nil {
			continue
		}
		txHashes = append(txHashes, crypto.ReverseBytes(raw))
	}
	merkleRoot := crypto.MerkleRoot(txHashes)

	bits, err := parseBits(tpl.Bits)
	if err != nil {
		return nil, fmt.Errorf("invalid bits %q: %w", tpl.Bits, err)
	}

	headerPrefix := serializeHeaderPrefix(tpl.Version, tpl.PreviousBlockHash, merkleRoot, tpl.CurTime, bits)
	headerHash := kawpow.HeaderHash(headerPrefix)

	epoch := kawpow.Epoch(tpl.Height, jm.cfg.EpochLength)
	seedHash := kawpow.SeedHash(epoch)

	networkTarget := kawpow.CompactToTarget(bits)

	idCounter := atomic.AddUint32(&jm.jobCounter, 1)
	idHex := fmt.Sprintf("%08x", idCounter)

	return &Job{
		IDHex:             idHex,
		Height:            tpl.Height,
		SeedHash:          seedHash,
		HeaderHashBE:      headerHash,
		NetworkTarget:     networkTarget,
		PreviousBlockHash: tpl.PreviousBlockHash,
		Coinbase:          coinbase,
		MerkleRoot:        merkleRoot,
		CreatedAt:         time.Now(),
		submitSet:         make(map[string]struct{}),
	}, nil
}

// buildCoinbase constructs the coinbase transaction: a BIP34 height push,
// the configured block-brand text, and a single output paying the
// configured coinbase address. Address-to-script-pubkey derivation is
// reference-defined per spec.md's out-of-scope note on coinbase script
// construction beyond header binding; this uses a placeholder pubkey hash
// derived from the configured address string.
func (jm *JobManager) buildCoinbase(tpl *upstream.BlockTemplate) []byte {
	var buf []byte

	// Version, little-endian.
	buf = append(buf, 0x01, 0x00, 0x00, 0x00)

	// Input count.
	buf = append(buf, 0x01)

	// Null previous output.
	buf = append(buf, make([]byte, 32)...)
	buf = append(buf, 0xff, 0xff, 0xff, 0xff)

	heightScript := encodeHeight(tpl.Height)
	brand := []byte(jm.coinCfg.BlockBrand)
	script := append(append([]byte{}, heightScript...), brand...)

	buf = appendVarInt(buf, uint64(len(script)))
	buf = append(buf, script...)

	// Sequence.
	buf = append(buf, 0xff, 0xff, 0xff, 0xff)

	// One output.
	buf = append(buf, 0x01)

	value := make([]byte, 8)
	binary.LittleEndian.PutUint64(value, uint64(tpl.CoinbaseValue))
	buf = append(buf, value...)

	pubKeyHash := sha256.Sum256([]byte(jm.coinCfg.CoinbaseAddress))
	scriptPubKey := append([]byte{0x76, 0xa9, 0x14}, pubKeyHash[:20]...)
	scriptPubKey = append(scriptPubKey, 0x88, 0xac)
	buf = appendVarInt(buf, uint64(len(scriptPubKey)))
	buf = append(buf, scriptPubKey...)

	// Lock time.
	buf = append(buf, 0x00, 0x00, 0x00, 0x00)

	return buf
}

// encodeHeight returns the BIP34 height-push script for a block height.
func encodeHeight(height uint64) []byte {
	if height < 17 {
		return []byte{byte(0x50 + height)}
	}

	var heightBytes []byte
	h := height
	for h > 0 {
		heightBytes = append(heightBytes, byte(h&0xff))
		h >>= 8
	}
	if heightBytes[len(heightBytes)-1]&0x80 != 0 {
		heightBytes = append(heightBytes, 0x00)
	}

	return append([]byte{byte(len(heightBytes))}, heightBytes...)
}

func appendVarInt(buf []byte, n uint64) []byte {
	switch {
	case n < 0xfd:
		return append(buf, byte(n))
	case n <= 0xffff:
		b := make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(n))
		return append(buf, b...)
	default:
		b := make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], n)
		return append(buf, b...)
	}
}

func parseBits(bitsHex string) (uint32, error) {
	raw, err := hex.DecodeString(bitsHex)
	if err != nil || len(raw) != 4 {
		return 0, fmt.Errorf("bits must be 4 bytes of hex")
	}
	return binary.BigEndian.Uint32(raw), nil
}

// serializeHeaderPrefix builds the portion of the block header that is
// hashed to produce the KawPoW headerHash: version, previous block hash,
// merkle root, time, and bits, per RavenCoin/KawPoW conventions. Nonce and
// mixHash are supplied by the miner and are not part of this prefix.
func serializeHeaderPrefix(version int32, prevBlockHash string, merkleRoot []byte, curTime int64, bits uint32) []byte {
	buf := make([]byte, 0, 4+32+32+4+4)

	v := make([]byte, 4)
	binary.LittleEndian.PutUint32(v, uint32(version))
	buf = append(buf, v...)

	prevHash, _ := hex.DecodeString(prevBlockHash)
	prevHash = crypto.ReverseBytes(padTo32(prevHash))
	buf = append(buf, prevHash...)

	buf = append(buf, merkleRoot...)

	t := make([]byte, 4)
	binary.LittleEndian.PutUint32(t, uint32(curTime))
	buf = append(buf, t...)

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, bits)
	buf = append(buf, b...)

	return buf
}

func padTo32(b []byte) []byte {
	if len(b) >= 32 {
		return b[:32]
	}
	out := make([]byte, 32)
	copy(out, b)
	return out
}
