// Package server implements the TCP server for Stratum protocol connections.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kawpowd/stratum/internal/config"
	"github.com/kawpowd/stratum/internal/errs"
	"github.com/kawpowd/stratum/internal/mining"
	"github.com/kawpowd/stratum/internal/protocol"
	"github.com/kawpowd/stratum/internal/registry"
)

// ConnectionState is the client state machine of spec.md §4.2:
// CONNECT -> SUBSCRIBED -> READY (authorized and mining).
type ConnectionState int32

const (
	StateConnected ConnectionState = iota
	StateSubscribed
	StateReady
	StateDisconnected
)

// maxProtocolViolations is the number of consecutive malformed/out-of-order
// messages tolerated before the connection is closed.
const maxProtocolViolations = 3

// Connection represents a single Stratum client connection.
type Connection struct {
	id             string
	conn           net.Conn
	cfg            config.ServerConfig
	logger         *zap.Logger
	registry       *registry.Registry
	jobManager     *mining.JobManager
	shareValidator *mining.ShareValidator
	varDiff        *protocol.VarDiff

	state      int32
	workerName string
	extranonce string
	ring       *protocol.ShareRing

	violations int32
	lastActive int64 // unix nanos, atomic

	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeChan chan struct{}
	closeOnce sync.Once
}

// NewConnection creates a new connection handler.
func NewConnection(
	conn net.Conn,
	cfg config.ServerConfig,
	logger *zap.Logger,
	reg *registry.Registry,
	jm *mining.JobManager,
	sv *mining.ShareValidator,
	vd *protocol.VarDiff,
	initialDiff float64,
) *Connection {
	c := &Connection{
		id:             uuid.New().String()[:8],
		conn:           conn,
		cfg:            cfg,
		logger:         logger.Named("connection"),
		registry:       reg,
		jobManager:     jm,
		shareValidator: sv,
		varDiff:        vd,
		ring:           protocol.NewShareRing(initialDiff),
		reader:         bufio.NewReader(conn),
		closeChan:      make(chan struct{}),
	}
	c.touch()
	return c
}

// ID returns the connection ID.
func (c *Connection) ID() string {
	return c.id
}

// GetWorkerName returns the worker name for this connection.
func (c *Connection) GetWorkerName() string {
	return c.workerName
}

// GetState returns the current connection state.
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(atomic.LoadInt32(&c.state))
}

// touch records activity for the idle sweep.
func (c *Connection) touch() {
	atomic.StoreInt64(&c.lastActive, time.Now().UnixNano())
}

// IdleSince reports how long the connection has gone without activity.
func (c *Connection) IdleSince() time.Duration {
	last := atomic.LoadInt64(&c.lastActive)
	return time.Since(time.Unix(0, last))
}

// Handle runs the connection's read loop, answering each request in turn.
// Job broadcasts reach the connection through DeliverJob, called by the
// server. It blocks until the connection closes.
func (c *Connection) Handle(ctx context.Context) error {
	defer c.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.closeChan:
			return nil
		default:
		}

		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.logger.Debug("connection read timeout", zap.String("id", c.id))
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		c.touch()
		if err := c.handleMessage(ctx, line); err != nil {
			c.logger.Debug("failed to handle message", zap.String("id", c.id), zap.Error(err))
			if c.recordViolation() {
				c.logger.Warn("too many protocol violations, closing",
					zap.String("id", c.id), zap.Int32("count", maxProtocolViolations))
				return nil
			}
			continue
		}
		c.clearViolations()
	}
}

// recordViolation increments the consecutive-violation counter and reports
// whether the connection has crossed the close threshold.
func (c *Connection) recordViolation() bool {
	return atomic.AddInt32(&c.violations, 1) >= maxProtocolViolations
}

func (c *Connection) clearViolations() {
	atomic.StoreInt32(&c.violations, 0)
}

// DeliverJob sends a job broadcast to this connection if it is ready to
// receive one. Called from the server's bounded fanout on every job event.
func (c *Connection) DeliverJob(job *mining.Job, isNewBlock bool) error {
	if c.GetState() != StateReady {
		return nil
	}
	return c.sendJob(job, isNewBlock)
}

// handleMessage parses and routes a JSON-RPC message.
func (c *Connection) handleMessage(ctx context.Context, data string) error {
	var msg protocol.Request
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		c.sendError(nil, protocol.ErrParseError, "Parse error")
		return errs.NewProtocol("malformed JSON")
	}

	c.logger.Debug("received message", zap.String("id", c.id), zap.String("method", msg.Method))

	switch msg.Method {
	case "mining.subscribe":
		return c.handleSubscribe(ctx, msg)
	case "mining.authorize":
		return c.handleAuthorize(ctx, msg)
	case "mining.submit":
		return c.handleSubmit(ctx, msg)
	case "mining.extranonce.subscribe":
		return c.sendResult(msg.ID, true)
	default:
		// Unknown methods are tolerated: the connection stays open, the
		// client just gets a method-not-found reply.
		return c.sendError(msg.ID, protocol.ErrMethodNotFound, "Method not found")
	}
}

// handleSubscribe handles mining.subscribe requests.
func (c *Connection) handleSubscribe(ctx context.Context, req protocol.Request) error {
	if _, err := protocol.ParseSubscribeParams(req.Params); err != nil {
		c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
		return errs.NewProtocol("malformed mining.subscribe params")
	}

	c.extranonce = c.jobManager.GenerateExtranonce1()
	atomic.StoreInt32(&c.state, int32(StateSubscribed))

	if err := c.sendResult(req.ID, protocol.SubscribeResultFull(c.id, c.extranonce)); err != nil {
		return err
	}

	// Sent once after subscribe, per spec.md §4.2.
	params := protocol.SetExtranonceParams{
		Extranonce1:     c.extranonce,
		Extranonce2Size: c.jobManager.GetExtranonce2Size(),
	}
	return c.sendNotification("mining.set_extranonce", params.Array())
}

// handleAuthorize handles mining.authorize requests.
func (c *Connection) handleAuthorize(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateSubscribed {
		c.sendError(req.ID, errs.CodeUnauthorized, "Not subscribed")
		return errs.NewProtocol("authorize before subscribe")
	}

	params, err := protocol.ParseAuthorizeParams(req.Params)
	if err != nil {
		c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
		return errs.NewProtocol("malformed mining.authorize params")
	}

	c.workerName = params.WorkerName
	w := c.registry.Register(ctx, params.WorkerName, c.conn.RemoteAddr().String(), c.ring.Difficulty())

	atomic.StoreInt32(&c.state, int32(StateReady))

	c.logger.Info("worker authorized",
		zap.String("id", c.id),
		zap.String("worker", params.WorkerName),
		zap.Float64("difficulty", w.Difficulty),
	)

	if err := c.sendResult(req.ID, true); err != nil {
		return err
	}
	if err := c.sendDifficulty(c.ring.Difficulty()); err != nil {
		return err
	}

	if job := c.jobManager.GetCurrentJob(); job != nil {
		return c.sendJob(job, true)
	}
	return nil
}

// handleSubmit handles mining.submit requests.
func (c *Connection) handleSubmit(ctx context.Context, req protocol.Request) error {
	if c.GetState() < StateReady {
		c.sendError(req.ID, errs.CodeUnauthorized, "Not authorized")
		return errs.NewProtocol("submit before authorize")
	}

	params, err := protocol.ParseSubmitParams(req.Params)
	if err != nil {
		c.sendError(req.ID, protocol.ErrInvalidParams, "Invalid params")
		return errs.NewProtocol("malformed mining.submit params")
	}

	share := &mining.Share{
		WorkerName:     params.WorkerName,
		JobIDHex:       params.JobID,
		NonceHex:       params.NonceHex,
		HeaderHashHex:  params.HeaderHashHex,
		MixHashHex:     params.MixHashHex,
		ExtraNonce1Hex: c.extranonce,
		Difficulty:     c.ring.Difficulty(),
		SubmittedAt:    time.Now(),
	}

	result := c.shareValidator.Validate(ctx, share)

	if result.Err != nil {
		stale := result.Err == errs.ErrJobNotFound
		c.registry.RecordShare(c.workerName, false, stale, result.ShareDiff)
		return c.sendError(req.ID, result.Err.Code, result.Err.Message)
	}

	c.registry.RecordShare(c.workerName, true, false, result.ShareDiff)

	now := time.Now()
	c.ring.RecordShare(now.UnixMilli(), time.Now().UnixNano())
	c.registry.SetHashrate(c.workerName, protocol.HashrateEstimate(c.ring))

	if adj, ok := c.varDiff.CheckAdjustment(c.ring, now.UnixMilli()); ok {
		c.registry.SetDifficulty(c.workerName, adj.NewDiff)
		if err := c.sendDifficulty(adj.NewDiff); err != nil {
			c.logger.Error("failed to send difficulty update", zap.String("id", c.id), zap.Error(err))
		}
	}

	return c.sendResult(req.ID, true)
}

// sendJob sends a mining.notify message to the client.
func (c *Connection) sendJob(job *mining.Job, cleanJobs bool) error {
	params := protocol.NotifyParams{
		JobID:         job.IDHex,
		HeaderHashHex: job.HeaderHashHex(),
		SeedHashHex:   job.SeedHashHex(),
		TargetHex:     protocol.DifficultyToTargetHex(c.ring.Difficulty()),
		CleanJobs:     cleanJobs,
	}
	return c.sendNotification("mining.notify", params.Array())
}

func (c *Connection) sendDifficulty(difficulty float64) error {
	p := protocol.SetDifficultyParams{Difficulty: difficulty}
	return c.sendNotification("mining.set_difficulty", p.Array())
}

func (c *Connection) sendResult(id interface{}, result interface{}) error {
	return c.send(protocol.Response{ID: id, Result: result, Error: nil})
}

func (c *Connection) sendError(id interface{}, code int, message string) error {
	return c.send(protocol.Response{ID: id, Result: nil, Error: []interface{}{code, message, nil}})
}

func (c *Connection) sendNotification(method string, params interface{}) error {
	return c.send(protocol.Notification{ID: nil, Method: method, Params: params})
}

func (c *Connection) send(msg interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Close closes the connection and unregisters its worker.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(StateDisconnected))
		close(c.closeChan)
		c.conn.Close()

		if c.workerName != "" {
			c.registry.Disconnect(context.Background(), c.workerName)
		}
	})
}
