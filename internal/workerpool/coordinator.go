package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/run-orchestrator/internal/domain"
	"github.com/hochfrequenz/run-orchestrator/internal/scheduler"
	"github.com/hochfrequenz/run-orchestrator/internal/workerproto"
)

// Scheduler is the Worker API the coordinator relays to
type Scheduler interface {
	PollAny(ctx context.Context, workerID string) (*scheduler.AssignResult, error)
	Start(ctx context.Context, subtaskID, workerID string, expectedVersion int64) (*domain.Subtask, error)
	Heartbeat(ctx context.Context, subtaskID, workerID string) (bool, error)
	SaveCheckpoint(ctx context.Context, subtaskID, workerID string, step int64, data []byte) (*domain.Subtask, error)
	ReportOutcome(ctx context.Context, subtaskID, workerID string, outcome domain.Outcome, expectedVersion int64) (*scheduler.OutcomeResult, error)
}

// OutcomeFunc is called after an outcome was recorded for a subtask
type OutcomeFunc func(ctx context.Context, res *scheduler.OutcomeResult)

// CoordinatorConfig configures the coordinator
type CoordinatorConfig struct {
	WebSocketPort     int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Coordinator accepts worker connections and dispatches ready subtasks to them
type Coordinator struct {
	config    CoordinatorConfig
	registry  *Registry
	scheduler Scheduler
	onOutcome OutcomeFunc
	upgrader  websocket.Upgrader

	ctx        context.Context
	server     *http.Server
	dispatchMu sync.Mutex
}

// NewCoordinator creates a new coordinator
func NewCoordinator(config CoordinatorConfig, registry *Registry, sched Scheduler) *Coordinator {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 90 * time.Second
	}

	return &Coordinator{
		config:    config,
		registry:  registry,
		scheduler: sched,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx: context.Background(),
	}
}

// SetOutcomeHook registers fn to run after each recorded outcome
func (c *Coordinator) SetOutcomeHook(fn OutcomeFunc) {
	c.onOutcome = fn
}

// Registry returns the worker registry
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// HandleWebSocket handles incoming WebSocket connections from workers
func (c *Coordinator) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	go c.handleWorkerConnection(conn)
}

func (c *Coordinator) handleWorkerConnection(conn *websocket.Conn) {
	var worker *ConnectedWorker
	defer func() {
		conn.Close()
		if worker != nil {
			// assigned subtasks stay with the worker until the detector
			// sees their heartbeat go stale
			c.registry.Unregister(worker.ID)
			log.Printf("worker %s disconnected", worker.ID)
		}
	}()

	conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("read error: %v", err)
			}
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.config.HeartbeatTimeout))

		var env workerproto.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("invalid message: %v", err)
			continue
		}

		if env.Type == workerproto.TypeRegister {
			var reg workerproto.RegisterMessage
			if err := json.Unmarshal(env.Payload, &reg); err != nil || reg.WorkerID == "" {
				log.Printf("invalid register: %v", err)
				continue
			}
			worker = &ConnectedWorker{
				ID:      reg.WorkerID,
				MaxJobs: reg.MaxJobs,
				Slots:   reg.MaxJobs,
				Conn:    conn,
			}
			c.registry.Register(worker)
			log.Printf("worker %s registered (max_jobs=%d)", reg.WorkerID, reg.MaxJobs)
			continue
		}
		if worker == nil {
			log.Printf("%s message before register, ignoring", env.Type)
			continue
		}
		worker.SetLastHeartbeat(time.Now())

		if err := c.handleMessage(worker, env); err != nil {
			log.Printf("worker %s: %s: %v", worker.ID, env.Type, err)
		}
	}
}

func (c *Coordinator) handleMessage(w *ConnectedWorker, env workerproto.EnvelopeRaw) error {
	ctx := c.ctx

	switch env.Type {
	case workerproto.TypeReady:
		var ready workerproto.ReadyMessage
		if err := json.Unmarshal(env.Payload, &ready); err != nil {
			return err
		}
		w.UpdateSlots(ready.Slots)
		_, err := c.Dispatch(ctx)
		return err

	case workerproto.TypeStart:
		var msg workerproto.StartMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		sub, err := c.scheduler.Start(ctx, msg.SubtaskID, w.ID, msg.Version)
		return c.ack(w, msg.Seq, msg.SubtaskID, sub, err)

	case workerproto.TypeHeartbeat:
		var msg workerproto.HeartbeatMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		ok, err := c.scheduler.Heartbeat(ctx, msg.SubtaskID, w.ID)
		if err != nil {
			return err
		}
		if !ok {
			// reclaimed or finished elsewhere: tell the worker to stop
			w.Untrack(msg.SubtaskID)
			return c.send(w, workerproto.TypeCancel, workerproto.CancelMessage{
				SubtaskID: msg.SubtaskID,
				Reason:    "subtask no longer held",
			})
		}
		return nil

	case workerproto.TypeCheckpoint:
		var msg workerproto.CheckpointMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		sub, err := c.scheduler.SaveCheckpoint(ctx, msg.SubtaskID, w.ID, msg.Step, msg.Data)
		return c.ack(w, msg.Seq, msg.SubtaskID, sub, err)

	case workerproto.TypeOutcome:
		var msg workerproto.OutcomeMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			return err
		}
		res, err := c.scheduler.ReportOutcome(ctx, msg.SubtaskID, w.ID, domain.Outcome{
			Status:  domain.OutcomeStatus(msg.Status),
			Result:  msg.Result,
			Error:   msg.Error,
			Credits: msg.Credits,
		}, msg.Version)
		var sub *domain.Subtask
		if res != nil {
			sub = res.Subtask
		}
		w.Untrack(msg.SubtaskID)
		if ackErr := c.ack(w, msg.Seq, msg.SubtaskID, sub, err); ackErr != nil {
			return ackErr
		}
		if err == nil && c.onOutcome != nil {
			c.onOutcome(ctx, res)
		}
		return nil

	default:
		return fmt.Errorf("unknown message type")
	}
}

// ack answers a request; expected errors mark the worker's view as stale
func (c *Coordinator) ack(w *ConnectedWorker, seq uint64, subtaskID string, sub *domain.Subtask, err error) error {
	msg := workerproto.AckMessage{Seq: seq, SubtaskID: subtaskID}
	if sub != nil {
		msg.Version = sub.StateVersion
	}
	if err != nil {
		msg.Error = err.Error()
		msg.Stale = domain.IsExpected(err) || errors.Is(err, domain.ErrInvalidTransition)
		if !msg.Stale {
			log.Printf("worker %s: %s: %v", w.ID, subtaskID, err)
		}
	}
	return c.send(w, workerproto.TypeAck, msg)
}

// Dispatch hands ready subtasks to workers with free slots until either runs out.
// It returns the number of assignments sent.
func (c *Coordinator) Dispatch(ctx context.Context) (int, error) {
	c.dispatchMu.Lock()
	defer c.dispatchMu.Unlock()

	sent := 0
	for {
		w := c.registry.FindReady()
		if w == nil || !w.TakeSlot() {
			return sent, nil
		}

		res, err := c.scheduler.PollAny(ctx, w.ID)
		if err != nil {
			w.ReturnSlot()
			return sent, err
		}
		if res == nil {
			w.ReturnSlot()
			return sent, nil
		}

		msg := workerproto.AssignmentMessage{
			SubtaskID:      res.Subtask.ID,
			RunID:          res.Subtask.RunID,
			Index:          res.Subtask.Index,
			IdempotencyKey: res.Subtask.IdempotencyKey,
			Version:        res.Subtask.StateVersion,
			Attempt:        res.Subtask.AttemptCount,
			Payload:        res.Subtask.Payload,
		}
		if res.Checkpoint != nil {
			msg.Checkpoint = &workerproto.CheckpointState{Step: res.Checkpoint.Step, Data: res.Checkpoint.Data}
		}
		w.Track(res.Subtask.ID)
		if err := c.send(w, workerproto.TypeAssignment, msg); err != nil {
			// the subtask stays assigned and is reclaimed once its heartbeat goes stale
			w.Untrack(res.Subtask.ID)
			log.Printf("assignment of %s to %s failed: %v", res.Subtask.ID, w.ID, err)
			continue
		}
		sent++
	}
}

// CancelSubtask tells whichever worker holds subtaskID to stop
func (c *Coordinator) CancelSubtask(subtaskID, reason string) bool {
	for _, w := range c.registry.All() {
		if !w.Holds(subtaskID) {
			continue
		}
		w.Untrack(subtaskID)
		if err := c.send(w, workerproto.TypeCancel, workerproto.CancelMessage{SubtaskID: subtaskID, Reason: reason}); err != nil {
			log.Printf("cancel of %s on %s failed: %v", subtaskID, w.ID, err)
			return false
		}
		return true
	}
	return false
}

func (c *Coordinator) send(w *ConnectedWorker, msgType string, payload interface{}) error {
	data, err := workerproto.MarshalEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	return w.WriteMessage(websocket.TextMessage, data)
}

// Handler returns the coordinator's HTTP endpoints
func (c *Coordinator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", c.HandleWebSocket)
	mux.HandleFunc("/status", c.HandleStatus)
	return mux
}

// Start serves the worker endpoint until ctx is cancelled
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx = ctx
	addr := fmt.Sprintf(":%d", c.config.WebSocketPort)
	c.server = &http.Server{
		Addr:    addr,
		Handler: c.Handler(),
	}

	go c.heartbeatLoop(ctx)
	go func() {
		<-ctx.Done()
		c.Stop()
	}()

	log.Printf("coordinator listening on %s", addr)
	if err := c.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HandleStatus returns the connected workers
func (c *Coordinator) HandleStatus(w http.ResponseWriter, r *http.Request) {
	workers := []Status{}
	for _, worker := range c.registry.All() {
		workers = append(workers, worker.GetStatus())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"workers":    workers,
		"free_slots": c.registry.TotalSlots(),
	})
}

// Stop stops the coordinator server
func (c *Coordinator) Stop() error {
	if c.server != nil {
		return c.server.Close()
	}
	return nil
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendPings()
		}
	}
}

func (c *Coordinator) sendPings() {
	for _, w := range c.registry.All() {
		w.writeMu.Lock()
		w.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := w.Conn.WriteMessage(websocket.PingMessage, nil)
		w.Conn.SetWriteDeadline(time.Time{})
		w.writeMu.Unlock()

		if err != nil {
			log.Printf("ping to %s failed: %v", w.ID, err)
			// the read loop cleans up
			w.Conn.Close()
		}
	}
}
