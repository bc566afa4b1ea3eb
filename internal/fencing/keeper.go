package fencing

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"
)

// Keeper renews the leases an instance holds until they are removed or lost
type Keeper struct {
	manager  *Manager
	interval time.Duration

	mu     sync.Mutex
	leases map[string]*Lease
	lost   chan string
}

// NewKeeper creates a Keeper renewing every interval
func NewKeeper(manager *Manager, interval time.Duration) *Keeper {
	return &Keeper{
		manager:  manager,
		interval: interval,
		leases:   make(map[string]*Lease),
		lost:     make(chan string, 64),
	}
}

// Add starts keeping a lease alive
func (k *Keeper) Add(lease *Lease) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.leases[lease.RunID] = lease
}

// Remove stops keeping the lease of runID
func (k *Keeper) Remove(runID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.leases, runID)
}

// Get returns the kept lease for runID
func (k *Keeper) Get(runID string) (*Lease, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.leases[runID]
	return l, ok
}

// Held returns the run IDs currently kept, sorted
func (k *Keeper) Held() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	ids := make([]string, 0, len(k.leases))
	for id := range k.leases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Lost delivers run IDs whose lease could not be renewed
func (k *Keeper) Lost() <-chan string {
	return k.lost
}

// Run renews on every tick until ctx is cancelled
func (k *Keeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			k.RenewAll(ctx)
		}
	}
}

// RenewAll renews every kept lease once. Leases that fail to renew are
// dropped and reported on Lost.
func (k *Keeper) RenewAll(ctx context.Context) {
	for _, runID := range k.Held() {
		lease, ok := k.Get(runID)
		if !ok {
			continue
		}
		renewed, err := k.manager.Renew(ctx, runID, lease.Token, k.manager.TTL())
		if err != nil {
			log.Printf("fencing: renew %s: %v", runID, err)
			continue
		}
		if !renewed {
			k.Remove(runID)
			select {
			case k.lost <- runID:
			default:
			}
			continue
		}
		k.mu.Lock()
		if _, ok := k.leases[runID]; ok {
			k.leases[runID] = &Lease{RunID: runID, Token: lease.Token, ExpiresAt: k.manager.store.Now().Add(k.manager.TTL())}
		}
		k.mu.Unlock()
	}
}
