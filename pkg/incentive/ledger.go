// Package incentive tracks per-client token balances, with bonuses for
// speed and consistency and a penalty for dropping out.
package incentive

import (
	"sort"
	"sync"
	"time"
)

// Config carries the reward/penalty parameters; defaults hold
// reasonable reward/penalty values and are overridable via the
// coordinator's environment config.
type Config struct {
	BaseReward           float64
	SpeedThreshold       time.Duration
	SpeedBonus           float64
	ConsistencyThreshold int
	ConsistencyBonus     float64
	DropoutPenalty       float64
}

// DefaultConfig returns the coordinator's default incentive parameters.
func DefaultConfig() Config {
	return Config{
		BaseReward:           10.0,
		SpeedThreshold:       30 * time.Second,
		SpeedBonus:           5.0,
		ConsistencyThreshold: 5,
		ConsistencyBonus:     3.0,
		DropoutPenalty:       2.0,
	}
}

// Record is one client's incentive-token account.
type Record struct {
	ClientID                string
	TokenBalance            float64
	ConsecutiveAcceptedRnds int
	LastRewardRound         int
}

// Ledger is the per-client incentive-token store.
type Ledger struct {
	mu      sync.Mutex
	cfg     Config
	records map[string]*Record
}

// New creates a Ledger using cfg for reward/penalty amounts.
func New(cfg Config) *Ledger {
	return &Ledger{cfg: cfg, records: make(map[string]*Record)}
}

func (l *Ledger) recordFor(clientID string) *Record {
	r, ok := l.records[clientID]
	if !ok {
		r = &Record{ClientID: clientID}
		l.records[clientID] = r
	}
	return r
}

// OnAccepted credits clientID for an accepted update in roundID,
// submitted in latency time. Speed and consistency bonuses stack with
// the base reward.
func (l *Ledger) OnAccepted(clientID string, roundID int, latency time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.recordFor(clientID)

	r.TokenBalance += l.cfg.BaseReward
	if latency < l.cfg.SpeedThreshold {
		r.TokenBalance += l.cfg.SpeedBonus
	}

	r.ConsecutiveAcceptedRnds++
	if r.ConsecutiveAcceptedRnds >= l.cfg.ConsistencyThreshold {
		r.TokenBalance += l.cfg.ConsistencyBonus
	}
	r.LastRewardRound = roundID
}

// OnDropout resets consecutive-acceptance streak and applies the
// dropout penalty, never driving the balance negative.
func (l *Ledger) OnDropout(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.recordFor(clientID)

	r.ConsecutiveAcceptedRnds = 0
	r.TokenBalance -= l.cfg.DropoutPenalty
	if r.TokenBalance < 0 {
		r.TokenBalance = 0
	}
}

// Get returns a copy of clientID's record, or ok=false if unknown.
func (l *Ledger) Get(clientID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[clientID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// All returns a copy of every client's record, sorted by client id.
func (l *Ledger) All() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.records))
	for _, r := range l.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}
