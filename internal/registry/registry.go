// Package registry tracks connected miners for diagnostics and metrics. It
// owns no protocol or difficulty state: VarDiff ring state lives on the
// connection itself (protocol.ShareRing), and duplicate-share rejection
// lives on the job (mining.Job.TryClaimSubmission). The registry only
// answers "who is online and how are they doing."
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/jobcache"
)

var (
	activeWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_workers",
		Help: "Number of active workers",
	})

	workerHashrate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stratum_worker_hashrate",
		Help: "Estimated hashrate per worker",
	}, []string{"worker"})
)

func init() {
	prometheus.MustRegister(activeWorkers, workerHashrate)
}

// Worker is a diagnostic snapshot of a connected miner.
type Worker struct {
	Name           string
	Address        string
	Difficulty     float64
	ValidShares    int64
	InvalidShares  int64
	StaleShares    int64
	Hashrate       float64
	ConnectedAt    time.Time
	LastActivityAt time.Time
	mu             sync.RWMutex
}

// Registry is the diagnostic presence/stats registry for connected miners.
type Registry struct {
	logger  *zap.Logger
	cache   *jobcache.Cache
	workers sync.Map // map[string]*Worker
}

// New creates a new miner registry.
func New(logger *zap.Logger, cache *jobcache.Cache) *Registry {
	return &Registry{
		logger: logger.Named("registry"),
		cache:  cache,
	}
}

// Register records a newly authorized worker, or refreshes an existing one.
func (r *Registry) Register(ctx context.Context, name, address string, initialDiff float64) *Worker {
	if w, ok := r.workers.Load(name); ok {
		worker := w.(*Worker)
		worker.mu.Lock()
		worker.LastActivityAt = time.Now()
		worker.Address = address
		worker.mu.Unlock()
		return worker
	}

	worker := &Worker{
		Name:           name,
		Address:        address,
		Difficulty:     initialDiff,
		ConnectedAt:    time.Now(),
		LastActivityAt: time.Now(),
	}
	r.workers.Store(name, worker)
	activeWorkers.Inc()

	if err := r.cache.AddOnlineWorker(ctx, name); err != nil {
		r.logger.Warn("failed to add worker to presence cache", zap.String("worker", name), zap.Error(err))
	}

	r.logger.Info("worker registered", zap.String("name", name), zap.String("address", address))
	return worker
}

// Disconnect removes a worker from the registry.
func (r *Registry) Disconnect(ctx context.Context, name string) {
	if w, ok := r.workers.LoadAndDelete(name); ok {
		worker := w.(*Worker)
		activeWorkers.Dec()

		if err := r.cache.RemoveOnlineWorker(ctx, name); err != nil {
			r.logger.Warn("failed to remove worker from presence cache", zap.String("worker", name), zap.Error(err))
		}

		r.logger.Info("worker disconnected",
			zap.String("name", name),
			zap.Int64("valid_shares", worker.ValidShares),
			zap.Int64("invalid_shares", worker.InvalidShares),
		)
	}
}

// RecordShare updates diagnostic counters for a worker after validation.
func (r *Registry) RecordShare(name string, valid, stale bool, shareDiff float64) {
	w, ok := r.workers.Load(name)
	if !ok {
		return
	}

	worker := w.(*Worker)
	worker.mu.Lock()
	defer worker.mu.Unlock()

	worker.LastActivityAt = time.Now()
	switch {
	case valid:
		worker.ValidShares++
	case stale:
		worker.StaleShares++
	default:
		worker.InvalidShares++
	}
}

// SetDifficulty records the worker's current difficulty for diagnostics,
// mirroring the value the connection's VarDiff ring actually uses.
func (r *Registry) SetDifficulty(name string, difficulty float64) {
	w, ok := r.workers.Load(name)
	if !ok {
		return
	}
	worker := w.(*Worker)
	worker.mu.Lock()
	worker.Difficulty = difficulty
	worker.mu.Unlock()
}

// SetHashrate records a diagnostic hashrate estimate for a worker.
func (r *Registry) SetHashrate(name string, hashrate float64) {
	w, ok := r.workers.Load(name)
	if !ok {
		return
	}
	worker := w.(*Worker)
	worker.mu.Lock()
	worker.Hashrate = hashrate
	worker.mu.Unlock()
	workerHashrate.WithLabelValues(name).Set(hashrate)
}

// Get returns a worker snapshot by name.
func (r *Registry) Get(name string) *Worker {
	if w, ok := r.workers.Load(name); ok {
		return w.(*Worker)
	}
	return nil
}

// Count returns the number of connected workers.
func (r *Registry) Count() int {
	count := 0
	r.workers.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// All returns a snapshot slice of all connected workers.
func (r *Registry) All() []*Worker {
	workers := make([]*Worker, 0)
	r.workers.Range(func(_, value interface{}) bool {
		workers = append(workers, value.(*Worker))
		return true
	})
	return workers
}
