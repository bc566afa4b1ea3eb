// Package workerclient is the worker side of the Worker API: it connects to
// an orchestrator instance, receives subtask assignments, runs them through a
// Handler and reports heartbeats, checkpoints and outcomes.
package workerclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/workerproto"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// pingWait is how long we wait for a ping from the orchestrator before timing out
const pingWait = 90 * time.Second

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

// callTimeout bounds how long a request waits for its ack
const callTimeout = 30 * time.Second

// ErrStale is returned when the orchestrator no longer considers this worker
// the holder of a subtask
var ErrStale = errors.New("subtask no longer held")

// Config configures the worker client
type Config struct {
	ServerURL         string
	WorkerID          string
	MaxJobs           int
	HeartbeatInterval time.Duration
	Debug             bool
}

// Validate checks the config is valid
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("max_jobs must be positive")
	}
	return nil
}

// Result is what a Handler returns for one attempt
type Result struct {
	Status  domain.OutcomeStatus
	Result  []byte
	Error   string
	Credits int64
}

// Completed is a successful Result
func Completed(result []byte, credits int64) Result {
	return Result{Status: domain.OutcomeCompleted, Result: result, Credits: credits}
}

// Failed is a failed Result
func Failed(err error, credits int64) Result {
	return Result{Status: domain.OutcomeFailed, Error: err.Error(), Credits: credits}
}

// Handler executes subtasks
type Handler interface {
	Handle(ctx context.Context, job *Job) Result
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, job *Job) Result

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, job *Job) Result { return f(ctx, job) }

// Job is one assigned subtask attempt
type Job struct {
	SubtaskID      string
	RunID          string
	Index          int
	IdempotencyKey string
	Attempt        int
	Payload        []byte
	// ResumeFrom is the latest checkpoint of an earlier attempt, if any
	ResumeFrom *workerproto.CheckpointState

	worker  *Worker
	mu      sync.Mutex
	version int64
}

func (j *Job) currentVersion() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.version
}

func (j *Job) setVersion(v int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.version = v
}

// SaveCheckpoint records progress so a later attempt can resume at step
func (j *Job) SaveCheckpoint(ctx context.Context, step int64, data []byte) error {
	ack, err := j.worker.call(ctx, workerproto.TypeCheckpoint, func(seq uint64) interface{} {
		return workerproto.CheckpointMessage{Seq: seq, SubtaskID: j.SubtaskID, Step: step, Data: data}
	})
	if err != nil {
		return err
	}
	j.setVersion(ack.Version)
	return nil
}

// Worker is a connection to one orchestrator instance
type Worker struct {
	config  Config
	handler Handler
	slots   *Slots
	name    string
	conn    *websocket.Conn
	mu      sync.Mutex // protects conn and writes

	ctx    context.Context
	cancel context.CancelFunc

	seq       atomic.Uint64
	pendingMu sync.Mutex
	pending   map[uint64]chan workerproto.AckMessage

	jobsMu sync.Mutex
	jobs   map[string]context.CancelFunc
}

// NewWorker creates a worker with its own slot pool
func NewWorker(config Config, handler Handler) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return newWorker(config, handler, NewSlots(config.MaxJobs), config.ServerURL), nil
}

func newWorker(config Config, handler Handler, slots *Slots, name string) *Worker {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		config:  config,
		handler: handler,
		slots:   slots,
		name:    name,
		ctx:     ctx,
		cancel:  cancel,
		pending: make(map[uint64]chan workerproto.AckMessage),
		jobs:    make(map[string]context.CancelFunc),
	}
}

// Connect establishes connection to the orchestrator and registers
func (w *Worker) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(w.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pingWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pingWait))
		w.debugf("ping from %s", w.name)
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	return w.send(workerproto.TypeRegister, workerproto.RegisterMessage{
		WorkerID: w.config.WorkerID,
		MaxJobs:  w.slots.Capacity(),
	})
}

// Run reads messages until the connection drops or the worker stops
func (w *Worker) Run() error {
	if err := w.sendReady(); err != nil {
		return err
	}

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()

	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pingWait))

		var env workerproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		switch env.Type {
		case workerproto.TypeAssignment:
			var msg workerproto.AssignmentMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("invalid assignment message: %v", err)
				continue
			}
			go w.handleAssignment(msg)

		case workerproto.TypeAck:
			var ack workerproto.AckMessage
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				log.Printf("invalid ack message: %v", err)
				continue
			}
			w.deliver(ack)

		case workerproto.TypeCancel:
			var msg workerproto.CancelMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("invalid cancel message: %v", err)
				continue
			}
			log.Printf("cancelling subtask %s: %s", msg.SubtaskID, msg.Reason)
			w.CancelJob(msg.SubtaskID)
		}
	}
}

func (w *Worker) handleAssignment(msg workerproto.AssignmentMessage) {
	if !w.slots.TryAcquire() {
		// left assigned; the orchestrator reclaims it when no heartbeat arrives
		log.Printf("no free slot for subtask %s", msg.SubtaskID)
		return
	}
	defer func() {
		w.UntrackJob(msg.SubtaskID)
		w.slots.Release()
		w.sendReady()
	}()

	ctx, cancel := context.WithCancel(w.ctx)
	defer cancel()
	w.TrackJob(msg.SubtaskID, cancel)

	job := &Job{
		SubtaskID:      msg.SubtaskID,
		RunID:          msg.RunID,
		Index:          msg.Index,
		IdempotencyKey: msg.IdempotencyKey,
		Attempt:        msg.Attempt,
		Payload:        msg.Payload,
		ResumeFrom:     msg.Checkpoint,
		worker:         w,
	}

	ack, err := w.call(ctx, workerproto.TypeStart, func(seq uint64) interface{} {
		return workerproto.StartMessage{Seq: seq, SubtaskID: msg.SubtaskID, Version: msg.Version}
	})
	if err != nil {
		log.Printf("start %s: %v", msg.SubtaskID, err)
		return
	}
	job.setVersion(ack.Version)

	var result Result
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		result = w.handler.Handle(gctx, job)
		return nil
	})
	g.Go(func() error {
		w.heartbeatLoop(gctx, msg.SubtaskID, done)
		return nil
	})
	g.Wait()

	if ctx.Err() != nil {
		w.debugf("subtask %s cancelled, not reporting", msg.SubtaskID)
		return
	}

	_, err = w.call(ctx, workerproto.TypeOutcome, func(seq uint64) interface{} {
		return workerproto.OutcomeMessage{
			Seq:       seq,
			SubtaskID: msg.SubtaskID,
			Version:   job.currentVersion(),
			Status:    string(result.Status),
			Result:    result.Result,
			Error:     result.Error,
			Credits:   result.Credits,
		}
	})
	if err != nil {
		log.Printf("outcome %s: %v", msg.SubtaskID, err)
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context, subtaskID string, done <-chan struct{}) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if err := w.send(workerproto.TypeHeartbeat, workerproto.HeartbeatMessage{SubtaskID: subtaskID}); err != nil {
				w.debugf("heartbeat %s: %v", subtaskID, err)
			}
		}
	}
}

// call sends a request built with a fresh sequence number and waits for its ack
func (w *Worker) call(ctx context.Context, msgType string, build func(seq uint64) interface{}) (workerproto.AckMessage, error) {
	seq := w.seq.Add(1)
	ch := make(chan workerproto.AckMessage, 1)

	w.pendingMu.Lock()
	w.pending[seq] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, seq)
		w.pendingMu.Unlock()
	}()

	if err := w.send(msgType, build(seq)); err != nil {
		return workerproto.AckMessage{}, err
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case ack := <-ch:
		if ack.Stale {
			return ack, fmt.Errorf("%s %s: %w: %s", msgType, ack.SubtaskID, ErrStale, ack.Error)
		}
		if ack.Error != "" {
			return ack, fmt.Errorf("%s %s: %s", msgType, ack.SubtaskID, ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		return workerproto.AckMessage{}, ctx.Err()
	case <-timer.C:
		return workerproto.AckMessage{}, fmt.Errorf("%s: no ack within %v", msgType, callTimeout)
	}
}

func (w *Worker) deliver(ack workerproto.AckMessage) {
	w.pendingMu.Lock()
	ch, ok := w.pending[ack.Seq]
	w.pendingMu.Unlock()
	if ok {
		ch <- ack
	}
}

func (w *Worker) sendReady() error {
	return w.send(workerproto.TypeReady, workerproto.ReadyMessage{
		Slots: w.slots.Free(),
	})
}

// sendReadyIfConnected announces free slots when a connection is up
func (w *Worker) sendReadyIfConnected() error {
	w.mu.Lock()
	connected := w.conn != nil
	w.mu.Unlock()
	if !connected {
		return nil
	}
	return w.sendReady()
}

func (w *Worker) send(msgType string, payload interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("not connected")
	}
	data, err := workerproto.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

// Stop gracefully shuts down the worker
func (w *Worker) Stop() {
	w.cancel()
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
	w.mu.Unlock()
}

// RunWithReconnect runs the worker with automatic reconnection until ctx
// is cancelled or Stop is called
func (w *Worker) RunWithReconnect(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			w.Stop()
		case <-w.ctx.Done():
		}
	}()

	attempt := 0
	for {
		select {
		case <-w.ctx.Done():
			return nil
		default:
		}

		if err := w.Connect(); err != nil {
			delay := calculateBackoff(attempt)
			log.Printf("connection to %s failed: %v, retrying in %v", w.name, err, delay)
			attempt++

			select {
			case <-w.ctx.Done():
				return nil
			case <-time.After(delay):
				continue
			}
		}

		attempt = 0
		log.Printf("connected to %s", w.name)

		err := w.Run()

		w.mu.Lock()
		if w.conn != nil {
			w.conn.Close()
			w.conn = nil
		}
		w.mu.Unlock()

		if err != nil {
			log.Printf("disconnected from %s: %v", w.name, err)
		}
	}
}

// TrackJob registers a subtask's cancel function
func (w *Worker) TrackJob(subtaskID string, cancel context.CancelFunc) {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	w.jobs[subtaskID] = cancel
}

// UntrackJob removes a subtask from tracking
func (w *Worker) UntrackJob(subtaskID string) {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	delete(w.jobs, subtaskID)
}

// HasJob checks if a subtask is being executed
func (w *Worker) HasJob(subtaskID string) bool {
	w.jobsMu.Lock()
	defer w.jobsMu.Unlock()
	_, ok := w.jobs[subtaskID]
	return ok
}

// CancelJob cancels a running subtask
func (w *Worker) CancelJob(subtaskID string) {
	w.jobsMu.Lock()
	cancel, ok := w.jobs[subtaskID]
	if ok {
		delete(w.jobs, subtaskID)
	}
	w.jobsMu.Unlock()

	if ok && cancel != nil {
		cancel()
	}
}

func (w *Worker) debugf(format string, args ...any) {
	if w.config.Debug {
		log.Printf("[worker] "+format, args...)
	}
}
