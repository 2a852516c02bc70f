// Package server implements the TCP server for Stratum protocol connections.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/remeh/sizedwaitgroup"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kawpowd/stratum/internal/blockstore"
	"github.com/kawpowd/stratum/internal/config"
	"github.com/kawpowd/stratum/internal/jobcache"
	"github.com/kawpowd/stratum/internal/mining"
	"github.com/kawpowd/stratum/internal/protocol"
	"github.com/kawpowd/stratum/internal/registry"
)

// maxJobFanout bounds how many connections receive a job broadcast
// concurrently, so a single slow miner cannot stall the whole batch.
const maxJobFanout = 64

// idleSweepInterval is how often the shared ticker checks for connections
// that have gone quiet past cfg.IdleTimeout. A single shared ticker is used
// instead of one timer per connection, per spec.md §9's concurrency note.
const idleSweepInterval = 30 * time.Second

var (
	activeConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stratum_active_connections",
		Help: "Number of active connections",
	})
	totalConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_total_connections",
		Help: "Total number of connections",
	})
	connectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_connection_errors",
		Help: "Total number of connection errors",
	})
	connectionsRateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stratum_connections_rate_limited",
		Help: "Total number of connections rejected by the accept-rate limiter",
	})
)

func init() {
	prometheus.MustRegister(activeConnections, totalConnections, connectionErrors, connectionsRateLimited)
}

// Server represents the Stratum TCP server.
type Server struct {
	cfg            config.ServerConfig
	miningCfg      config.MiningConfig
	logger         *zap.Logger
	registry       *registry.Registry
	jobManager     *mining.JobManager
	shareValidator *mining.ShareValidator
	varDiff        *protocol.VarDiff
	blocks         *blockstore.Store
	cache          *jobcache.Cache

	acceptLimiter *rate.Limiter

	listener      net.Listener
	metricsServer *http.Server
	connections   sync.Map // map[string]*Connection
	connCount     int64
	shutdown      int32
	wg            sync.WaitGroup
}

// New creates a new Stratum server instance.
func New(cfg config.ServerConfig, miningCfg config.MiningConfig, logger *zap.Logger, reg *registry.Registry, jm *mining.JobManager, sv *mining.ShareValidator, vd *protocol.VarDiff, blocks *blockstore.Store, cache *jobcache.Cache) (*Server, error) {
	return &Server{
		cfg:            cfg,
		miningCfg:      miningCfg,
		logger:         logger.Named("server"),
		registry:       reg,
		jobManager:     jm,
		shareValidator: sv,
		varDiff:        vd,
		blocks:         blocks,
		cache:          cache,
		// A burst of 20 lets a reconnect storm through without starving
		// a sustained flood; steady-state cap is 50 accepts/sec.
		acceptLimiter: rate.NewLimiter(rate.Limit(50), 20),
	}, nil
}

// Start begins listening for and accepting connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	var listener net.Listener
	var err error

	if s.cfg.TLS.Enabled {
		listener, err = s.createTLSListener(addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	s.listener = listener
	s.logger.Info("server started",
		zap.String("address", addr),
		zap.Bool("tls", s.cfg.TLS.Enabled),
		zap.Int("max_connections", s.cfg.MaxConnections),
	)

	go s.broadcastJobs(ctx)
	go s.sweepIdleConnections(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			conn, err := listener.Accept()
			if err != nil {
				if atomic.LoadInt32(&s.shutdown) == 1 {
					return nil
				}
				s.logger.Error("failed to accept connection", zap.Error(err))
				connectionErrors.Inc()
				continue
			}

			if !s.acceptLimiter.Allow() {
				connectionsRateLimited.Inc()
				conn.Close()
				continue
			}

			if atomic.LoadInt64(&s.connCount) >= int64(s.cfg.MaxConnections) {
				s.logger.Warn("max connections reached, rejecting connection",
					zap.String("remote_addr", conn.RemoteAddr().String()),
				)
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		}
	}
}

// createTLSListener creates a TLS-enabled listener.
func (s *Server) createTLSListener(addr string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificates: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	return tls.Listen("tcp", addr, tlsConfig)
}

// handleConnection processes a single client connection.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()

	atomic.AddInt64(&s.connCount, 1)
	activeConnections.Inc()
	totalConnections.Inc()
	defer func() {
		atomic.AddInt64(&s.connCount, -1)
		activeConnections.Dec()
	}()

	initialDiff := s.varDiff.InitialDifficulty(float64(s.miningCfg.PortDiff))
	stratumConn := NewConnection(conn, s.cfg, s.logger, s.registry, s.jobManager, s.shareValidator, s.varDiff, initialDiff)

	connID := stratumConn.ID()
	s.connections.Store(connID, stratumConn)
	defer s.connections.Delete(connID)

	s.logger.Debug("new connection",
		zap.String("connection_id", connID),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	if err := stratumConn.Handle(ctx); err != nil {
		s.logger.Debug("connection closed", zap.String("connection_id", connID), zap.Error(err))
	}
}

// broadcastJobs fans a new job out to every ready connection, bounded to
// maxJobFanout concurrent deliveries at a time.
func (s *Server) broadcastJobs(ctx context.Context) {
	jobChan := s.jobManager.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-jobChan:
			if !ok {
				return
			}
			swg := sizedwaitgroup.New(maxJobFanout)
			s.connections.Range(func(key, value interface{}) bool {
				conn := value.(*Connection)
				connID := key.(string)
				swg.Add()
				go func() {
					defer swg.Done()
					if err := conn.DeliverJob(evt.Job, evt.IsNewBlock); err != nil {
						s.logger.Debug("failed to deliver job",
							zap.String("connection_id", connID),
							zap.Error(err),
						)
					}
				}()
				return true
			})
			swg.Wait()
		}
	}
}

// sweepIdleConnections closes connections that have gone quiet past the
// configured idle timeout, using one shared ticker instead of a per-
// connection timer.
func (s *Server) sweepIdleConnections(ctx context.Context) {
	if s.cfg.IdleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(idleSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connections.Range(func(key, value interface{}) bool {
				conn := value.(*Connection)
				if conn.IdleSince() > s.cfg.IdleTimeout {
					s.logger.Info("closing idle connection", zap.String("connection_id", key.(string)))
					conn.Close()
				}
				return true
			})
		}
	}
}

// StartMetricsServer starts the Prometheus metrics HTTP server.
func (s *Server) StartMetricsServer() error {
	addr := fmt.Sprintf(":%d", s.cfg.Metrics.Port)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/status", s.handleStatus)

	s.metricsServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.logger.Info("metrics server started", zap.String("address", addr))
	return s.metricsServer.ListenAndServe()
}

// statusResponse is the /status diagnostic snapshot: online workers, the
// presence cache's own view of who's connected, and recently found blocks.
type statusResponse struct {
	Workers       []*registry.Worker  `json:"workers"`
	OnlineWorkers []string            `json:"online_workers"`
	OnlineCount   int64               `json:"online_count"`
	RecentBlocks  []*blockstore.Block `json:"recent_blocks"`
}

// handleStatus serves a JSON snapshot of registry and journal state, for
// operators without direct Redis/PostgreSQL access.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statusResponse{Workers: s.registry.All()}

	if s.cache != nil {
		if online, err := s.cache.OnlineWorkers(ctx); err == nil {
			resp.OnlineWorkers = online
		}
		if n, err := s.cache.OnlineWorkerCount(ctx); err == nil {
			resp.OnlineCount = n
		}
	}

	if s.blocks != nil {
		if blocks, err := s.blocks.GetRecentBlocks(ctx, 20); err == nil {
			resp.RecentBlocks = blocks
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	atomic.StoreInt32(&s.shutdown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	s.connections.Range(func(key, value interface{}) bool {
		value.(*Connection).Close()
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all connections closed")
	case <-ctx.Done():
		s.logger.Warn("shutdown timeout, some connections may be forcefully closed")
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			s.logger.Error("failed to shutdown metrics server", zap.Error(err))
		}
	}

	return nil
}

// GetConnectionCount returns the current number of active connections.
func (s *Server) GetConnectionCount() int64 {
	return atomic.LoadInt64(&s.connCount)
}

// GetConnection returns a connection by ID.
func (s *Server) GetConnection(id string) (*Connection, bool) {
	if conn, ok := s.connections.Load(id); ok {
		return conn.(*Connection), true
	}
	return nil, false
}

// DisconnectWorker disconnects a specific worker's connection.
func (s *Server) DisconnectWorker(workerName string) {
	s.connections.Range(func(_, value interface{}) bool {
		conn := value.(*Connection)
		if conn.GetWorkerName() == workerName {
			conn.Close()
		}
		return true
	})
}
