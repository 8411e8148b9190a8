// Package roundmanager owns the round lifecycle state machine and the
// registered-client set. All mutations are serialized
// through an internal mutex under a single-writer discipline;
// reads return defensive copies.
package roundmanager

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/openfl/coordinator/pkg/model"
)

// State is a round's position in the OPEN -> COLLECTING -> AGGREGATING
// -> CLOSED state machine. Transitions move forward, with one
// exception: AbortAggregation returns an AGGREGATING round to
// COLLECTING.
type State int

const (
	Open State = iota
	Collecting
	Aggregating
	Closed
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case Collecting:
		return "COLLECTING"
	case Aggregating:
		return "AGGREGATING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Submission is one client's buffered weight-delta for a round.
type Submission struct {
	Payload     *model.Payload
	FinalLoss   *float64
	SubmittedAt time.Time
	Latency     time.Duration
}

// Round is the mutable unit of training coordination.
type Round struct {
	ID            int
	State         State
	InputVersion  string
	Assigned      map[string]struct{}
	Submissions   map[string]*Submission
	CreatedAt     time.Time
	ClosedAt      time.Time
	FailureReason string
}

// View is a read-only snapshot of a round, safe to hand to callers
// outside the serialized region.
type View struct {
	ID            int
	State         State
	InputVersion  string
	Assigned      []string
	Received      []string
	CreatedAt     time.Time
	ClosedAt      time.Time
	FailureReason string
}

var (
	// ErrUnknownClient is returned when an operation names a client_id
	// that was never registered with this manager.
	ErrUnknownClient = errors.New("roundmanager: unknown client")
	// ErrDuplicateClient is returned by Register for an already-known id.
	ErrDuplicateClient = errors.New("roundmanager: client already registered")
	// ErrUnknownRound is returned when round_id does not exist.
	ErrUnknownRound = errors.New("roundmanager: unknown round")
	// ErrRoundNotCollecting is returned when an update targets a round
	// that is not currently accepting submissions.
	ErrRoundNotCollecting = errors.New("roundmanager: round is not in COLLECTING state")
	// ErrNoAssignment is returned when the client has no assignment in
	// the named round.
	ErrNoAssignment = errors.New("roundmanager: client has no assignment for this round")
	// ErrDuplicateUpdate is returned on a second submission from the
	// same client for the same round.
	ErrDuplicateUpdate = errors.New("roundmanager: client already submitted for this round")
	// ErrNotReady is returned by BeginAggregation when no updates have
	// been received yet.
	ErrNotReady = errors.New("roundmanager: no updates received yet")
)

// Manager holds the rounds mapping and the registered-client set.
type Manager struct {
	mu             sync.Mutex
	clients        map[string]struct{}
	rounds         map[int]*Round
	nextRoundID    int
	currentRoundID int
}

// New creates a Manager with round 1 already OPEN against initialVersion.
func New(initialVersion string) *Manager {
	m := &Manager{
		clients:     make(map[string]struct{}),
		rounds:      make(map[int]*Round),
		nextRoundID: 2,
	}
	r := &Round{
		ID:           1,
		State:        Open,
		InputVersion: initialVersion,
		Assigned:     make(map[string]struct{}),
		Submissions:  make(map[string]*Submission),
		CreatedAt:    time.Now(),
	}
	m.rounds[1] = r
	m.currentRoundID = 1
	return m
}

// Register adds client_id to the registered-client set.
func (m *Manager) Register(clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.clients[clientID]; exists {
		return ErrDuplicateClient
	}
	m.clients[clientID] = struct{}{}
	return nil
}

// IsRegistered reports whether client_id has been registered.
func (m *Manager) IsRegistered(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.clients[clientID]
	return ok
}

// Assign maps client_id to the current round: a repeat call before
// submission or round closure returns the same round id and reports
// isNew=false, so callers can tell a fresh assignment from a replay.
// The first assignment in a round moves it OPEN -> COLLECTING.
func (m *Manager) Assign(clientID string) (roundID int, modelVersion string, isNew bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.clients[clientID]; !ok {
		return 0, "", false, ErrUnknownClient
	}

	current := m.rounds[m.currentRoundID]
	if _, already := current.Assigned[clientID]; already {
		return current.ID, current.InputVersion, false, nil
	}

	current.Assigned[clientID] = struct{}{}
	if current.State == Open {
		current.State = Collecting
	}
	return current.ID, current.InputVersion, true, nil
}

// RecordUpdate buffers a client's submission for roundID, requiring
// the client to already be assigned and the round to be COLLECTING.
// Duplicate submissions are reported as ErrDuplicateUpdate without
// mutating state.
func (m *Manager) RecordUpdate(clientID string, roundID int, payload *model.Payload, finalLoss *float64, submittedAt time.Time, latency time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return ErrUnknownRound
	}
	if _, assigned := r.Assigned[clientID]; !assigned {
		return ErrNoAssignment
	}
	if r.State != Collecting {
		return ErrRoundNotCollecting
	}
	if _, already := r.Submissions[clientID]; already {
		return ErrDuplicateUpdate
	}

	r.Submissions[clientID] = &Submission{
		Payload:     payload,
		FinalLoss:   finalLoss,
		SubmittedAt: submittedAt,
		Latency:     latency,
	}
	return nil
}

// HasSubmitted reports whether client_id already has a buffered
// submission for roundID, used by the validator's duplicate-check stage.
func (m *Manager) HasSubmitted(clientID string, roundID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundID]
	if !ok {
		return false
	}
	_, submitted := r.Submissions[clientID]
	return submitted
}

// IsAssigned reports whether client_id is assigned to roundID.
func (m *Manager) IsAssigned(clientID string, roundID int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundID]
	if !ok {
		return false
	}
	_, assigned := r.Assigned[clientID]
	return assigned
}

// RoundState reports roundID's current state, or false if unknown.
func (m *Manager) RoundState(roundID int) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundID]
	if !ok {
		return 0, false
	}
	return r.State, true
}

// CurrentRound returns the id and input version of the current round:
// the OPEN or COLLECTING round, or, while an aggregation is in
// progress, the AGGREGATING round whose successor is not yet open.
func (m *Manager) CurrentRound() (roundID int, inputVersion string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.rounds[m.currentRoundID]
	return r.ID, r.InputVersion
}

// BeginAggregation transitions roundID from COLLECTING to AGGREGATING
// and returns a defensive copy of its submissions and input version,
// following a "copy out under the lock, compute outside it" discipline.
func (m *Manager) BeginAggregation(roundID int) (submissions map[string]*Submission, inputVersion string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return nil, "", ErrUnknownRound
	}
	if r.State != Collecting {
		if r.State == Open {
			return nil, "", ErrNotReady
		}
		return nil, "", fmt.Errorf("roundmanager: round %d is not COLLECTING (state=%s)", roundID, r.State)
	}
	if len(r.Submissions) == 0 {
		return nil, "", ErrNotReady
	}

	r.State = Aggregating
	cp := make(map[string]*Submission, len(r.Submissions))
	for id, s := range r.Submissions {
		cp[id] = s
	}
	return cp, r.InputVersion, nil
}

// AbortAggregation reverts a round from AGGREGATING back to COLLECTING,
// used when the caller's copy-out snapshot turns out unusable before
// any store mutation happened (defensive; not expected on the happy
// path since BeginAggregation validates before copying).
func (m *Manager) AbortAggregation(roundID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundID]
	if !ok {
		return ErrUnknownRound
	}
	if r.State == Aggregating {
		r.State = Collecting
	}
	return nil
}

// CompleteAggregation closes roundID successfully, opens a successor
// round against newVersion, and returns the successor's id plus the
// list of stragglers (assigned clients who never submitted).
func (m *Manager) CompleteAggregation(roundID int, newVersion string) (successorID int, stragglers []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeLocked(roundID, newVersion, "")
}

// FailAggregation closes roundID with aggregation_failed and opens a
// successor round that reuses the same input version.
func (m *Manager) FailAggregation(roundID int) (successorID int, stragglers []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rounds[roundID]
	if !ok {
		return 0, nil, ErrUnknownRound
	}
	return m.closeLocked(roundID, r.InputVersion, "aggregation_failed")
}

func (m *Manager) closeLocked(roundID int, successorInputVersion, failureReason string) (successorID int, stragglers []string, err error) {
	r, ok := m.rounds[roundID]
	if !ok {
		return 0, nil, ErrUnknownRound
	}
	if r.State != Aggregating {
		return 0, nil, fmt.Errorf("roundmanager: round %d is not AGGREGATING (state=%s)", roundID, r.State)
	}

	r.State = Closed
	r.ClosedAt = time.Now()
	r.FailureReason = failureReason

	for clientID := range r.Assigned {
		if _, submitted := r.Submissions[clientID]; !submitted {
			stragglers = append(stragglers, clientID)
		}
	}

	successorID = m.nextRoundID
	m.nextRoundID++
	m.rounds[successorID] = &Round{
		ID:           successorID,
		State:        Open,
		InputVersion: successorInputVersion,
		Assigned:     make(map[string]struct{}),
		Submissions:  make(map[string]*Submission),
		CreatedAt:    time.Now(),
	}
	m.currentRoundID = successorID
	return successorID, stragglers, nil
}

// Status returns a read-only snapshot of roundID.
func (m *Manager) Status(roundID int) (View, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.rounds[roundID]
	if !ok {
		return View{}, ErrUnknownRound
	}

	v := View{
		ID:            r.ID,
		State:         r.State,
		InputVersion:  r.InputVersion,
		CreatedAt:     r.CreatedAt,
		ClosedAt:      r.ClosedAt,
		FailureReason: r.FailureReason,
	}
	for id := range r.Assigned {
		v.Assigned = append(v.Assigned, id)
	}
	for id := range r.Submissions {
		v.Received = append(v.Received, id)
	}
	return v, nil
}
