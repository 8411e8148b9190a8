// Package asynccontroller implements the optional time/quorum-driven
// round finalization policy. When disabled, the
// coordinator only aggregates on an explicit operator request.
package asynccontroller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/openfl/coordinator/pkg/roundmanager"
)

// Config carries the async trigger parameters. Defaults mirror
// the coordinator's environment-variable table.
type Config struct {
	Enabled      bool
	MinUpdates   int
	MaxDuration  time.Duration
	PollInterval time.Duration
}

// DefaultConfig returns the coordinator's defaults, disabled by default.
func DefaultConfig() Config {
	return Config{
		Enabled:      false,
		MinUpdates:   2,
		MaxDuration:  300 * time.Second,
		PollInterval: time.Second,
	}
}

// TriggerFunc aggregates roundID; the coordinator supplies this so the
// controller never needs its own reference to the Aggregator.
type TriggerFunc func(roundID int) error

// Controller polls the current round and fires TriggerFunc once either
// the min-updates quorum or the max-duration timeout is met. fired is
// written only by the single poll goroutine but read from any caller
// of StatsFor, so it is guarded by firedMu.
type Controller struct {
	cfg     Config
	rounds  *roundmanager.Manager
	trigger TriggerFunc

	firedMu sync.Mutex
	fired   map[int]bool
}

// New creates a Controller. It is inert (Start is a no-op) unless
// cfg.Enabled is true.
func New(cfg Config, rounds *roundmanager.Manager, trigger TriggerFunc) *Controller {
	return &Controller{cfg: cfg, rounds: rounds, trigger: trigger, fired: make(map[int]bool)}
}

// Start launches the poll loop in a background goroutine that runs
// until ctx is cancelled, and returns at once. It is a no-op if the
// controller is disabled.
func (c *Controller) Start(ctx context.Context) {
	if !c.cfg.Enabled {
		return
	}

	interval := c.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.poll()
			}
		}
	}()
}

// Stats is the async bookkeeping reported by get_async_stats for one
// round: the trigger parameters in effect and whether this round has
// already fired.
type Stats struct {
	Enabled      bool
	MinUpdates   int
	MaxDuration  time.Duration
	PollInterval time.Duration
	Fired        bool
}

// StatsFor reports the controller's configuration plus whether roundID
// has already triggered an aggregation.
func (c *Controller) StatsFor(roundID int) Stats {
	c.firedMu.Lock()
	fired := c.fired[roundID]
	c.firedMu.Unlock()
	return Stats{
		Enabled:      c.cfg.Enabled,
		MinUpdates:   c.cfg.MinUpdates,
		MaxDuration:  c.cfg.MaxDuration,
		PollInterval: c.cfg.PollInterval,
		Fired:        fired,
	}
}

func (c *Controller) poll() {
	roundID, _ := c.rounds.CurrentRound()

	c.firedMu.Lock()
	alreadyFired := c.fired[roundID]
	c.firedMu.Unlock()
	if alreadyFired {
		return
	}

	view, err := c.rounds.Status(roundID)
	if err != nil || view.State != roundmanager.Collecting {
		return
	}

	quorumMet := c.cfg.MinUpdates > 0 && len(view.Received) >= c.cfg.MinUpdates
	timeoutMet := c.cfg.MaxDuration > 0 && time.Since(view.CreatedAt) >= c.cfg.MaxDuration
	if !quorumMet && !timeoutMet {
		return
	}

	c.firedMu.Lock()
	c.fired[roundID] = true
	c.firedMu.Unlock()
	if err := c.trigger(roundID); err != nil {
		log.Printf("asynccontroller: trigger for round %d failed: %v", roundID, err)
	}
}
