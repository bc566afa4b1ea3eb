package workerclient

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"
)

// MultiConfig configures a worker serving several orchestrator instances
// from one shared slot pool
type MultiConfig struct {
	ServerURLs        []string
	WorkerID          string
	MaxJobs           int
	HeartbeatInterval time.Duration
	Debug             bool
}

// Validate checks the config is valid
func (c *MultiConfig) Validate() error {
	if len(c.ServerURLs) == 0 {
		return fmt.Errorf("at least one server is required")
	}
	for i, u := range c.ServerURLs {
		if u == "" {
			return fmt.Errorf("servers[%d] is empty", i)
		}
	}
	if c.WorkerID == "" {
		return fmt.Errorf("worker_id is required")
	}
	if c.MaxJobs <= 0 {
		return fmt.Errorf("max_jobs must be positive")
	}
	return nil
}

// MultiClient runs one Worker per orchestrator instance
type MultiClient struct {
	config  MultiConfig
	slots   *Slots
	workers []*Worker
}

// NewMultiClient creates a client with one connection per server
func NewMultiClient(config MultiConfig, handler Handler) (*MultiClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	slots := NewSlots(config.MaxJobs)
	mc := &MultiClient{config: config, slots: slots}
	for _, u := range config.ServerURLs {
		mc.workers = append(mc.workers, newWorker(Config{
			ServerURL:         u,
			WorkerID:          config.WorkerID,
			MaxJobs:           config.MaxJobs,
			HeartbeatInterval: config.HeartbeatInterval,
			Debug:             config.Debug,
		}, handler, slots, u))
	}

	// every orchestrator learns about freed capacity, not only the one whose job finished
	slots.OnChange(func(int) { mc.broadcastReady() })
	return mc, nil
}

func (mc *MultiClient) broadcastReady() {
	for _, w := range mc.workers {
		if err := w.sendReadyIfConnected(); err != nil && mc.config.Debug {
			log.Printf("[multi-client] ready to %s: %v", w.name, err)
		}
	}
}

// Run connects every worker and blocks until ctx is cancelled
func (mc *MultiClient) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range mc.workers {
		g.Go(func() error {
			return w.RunWithReconnect(gctx)
		})
	}
	return g.Wait()
}

// Stop shuts down every connection
func (mc *MultiClient) Stop() {
	for _, w := range mc.workers {
		w.Stop()
	}
}

// ServerCount returns the number of configured servers
func (mc *MultiClient) ServerCount() int {
	return len(mc.workers)
}

// FreeSlots returns the number of unclaimed slots
func (mc *MultiClient) FreeSlots() int {
	return mc.slots.Free()
}
