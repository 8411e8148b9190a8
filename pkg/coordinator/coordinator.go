// Package coordinator wires the Auth Registry, Round Manager, Rate
// Limiter, Privacy Guard, Model Store, Reputation/Incentive/Metrics
// ledgers, Aggregator, and async Round Controller into the operation
// set of operations. It is the only caller of Validate and the only
// caller of the Round Manager's aggregation methods, so the
// cross-component invariants those components rely on (registration
// mirrored in both the Auth Registry and the Round Manager; a round
// touched by at most one in-flight aggregation) hold by construction
// rather than by an additional outer lock. Aggregation's CPU-bound
// work runs unlocked between the copy-out and publish calls. Reads
// (GetModel, GetRoundStatus, the ledger getters) take the same
// per-component locks as writers, so they wait for an in-progress
// mutation of that component but never for an aggregation's compute
// step.
package coordinator

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfl/coordinator/pkg/aggregator"
	"github.com/openfl/coordinator/pkg/apierr"
	"github.com/openfl/coordinator/pkg/assigner"
	"github.com/openfl/coordinator/pkg/asynccontroller"
	"github.com/openfl/coordinator/pkg/authregistry"
	"github.com/openfl/coordinator/pkg/incentive"
	"github.com/openfl/coordinator/pkg/metrics"
	"github.com/openfl/coordinator/pkg/model"
	"github.com/openfl/coordinator/pkg/modelstore"
	"github.com/openfl/coordinator/pkg/privacyguard"
	"github.com/openfl/coordinator/pkg/ratelimit"
	"github.com/openfl/coordinator/pkg/reputation"
	"github.com/openfl/coordinator/pkg/roundmanager"
	"github.com/openfl/coordinator/pkg/validator"
)

// Deps bundles every component the Coordinator wires together. Each
// field is constructed independently by the caller (typically
// cmd/coordinatord), so tests can swap in their own instances.
type Deps struct {
	Auth       *authregistry.Registry
	Rounds     *roundmanager.Manager
	Limiter    *ratelimit.Limiter
	Guard      *privacyguard.Guard
	Store      *modelstore.Store
	Reputation *reputation.Ledger
	Incentive  *incentive.Ledger
	Metrics    *metrics.Ledger
	Algorithm  aggregator.AggregationAlgorithm

	// Async is optional; when nil, GetAsyncStats reports a disabled
	// controller. The coordinator itself never starts or stops it —
	// cmd/coordinatord owns that lifecycle — it only reads bookkeeping.
	Async *asynccontroller.Controller
}

// Coordinator implements the full operation set.
type Coordinator struct {
	auth       *authregistry.Registry
	rounds     *roundmanager.Manager
	limiter    *ratelimit.Limiter
	store      *modelstore.Store
	reputation *reputation.Ledger
	incentive  *incentive.Ledger
	metrics    *metrics.Ledger
	assigner   *assigner.Assigner
	validator  *validator.Validator
	aggregator *aggregator.Runner
	async      *asynccontroller.Controller

	// assignedAt tracks when each client's current assignment was made,
	// keyed by "clientID#roundID", for latency-on-submit computation.
	// This is bookkeeping the Round Manager does not itself need to
	// keep (it only cares whether an assignment exists), so it lives
	// here rather than growing roundmanager.Round's public shape.
	assignedMu sync.Mutex
	assignedAt map[string]time.Time
}

// New wires deps into a ready Coordinator. deps.Algorithm must already
// be Initialize-d by the caller.
func New(deps Deps) *Coordinator {
	c := &Coordinator{
		auth:       deps.Auth,
		rounds:     deps.Rounds,
		limiter:    deps.Limiter,
		store:      deps.Store,
		reputation: deps.Reputation,
		incentive:  deps.Incentive,
		metrics:    deps.Metrics,
		assigner:   assigner.New(deps.Rounds),
		validator: validator.New(
			deps.Auth, deps.Rounds, deps.Limiter, deps.Guard, deps.Store,
			deps.Reputation, deps.Incentive, deps.Metrics,
		),
		aggregator: aggregator.NewRunner(deps.Algorithm),
		async:      deps.Async,
		assignedAt: make(map[string]time.Time),
	}
	currentRoundID, _ := deps.Rounds.CurrentRound()
	c.metrics.OnRoundStarted(currentRoundID)
	return c
}

// SetAsync attaches the async controller after construction. The
// controller's own TriggerFunc must call AggregateRound, which in turn
// needs a *Coordinator to exist first, so the two are built in two
// steps: New, then build the controller with a closure over this
// Coordinator, then SetAsync.
func (c *Coordinator) SetAsync(a *asynccontroller.Controller) {
	c.async = a
}

// GetAsyncStats reports the async controller's configuration and
// whether roundID has already triggered an aggregation.
func (c *Coordinator) GetAsyncStats(roundID int) (asynccontroller.Stats, error) {
	if _, err := c.rounds.Status(roundID); err != nil {
		return asynccontroller.Stats{}, apierr.New(apierr.UnknownRound, err.Error())
	}
	if c.async == nil {
		return asynccontroller.Stats{}, nil
	}
	return c.async.StatsFor(roundID), nil
}

// CheckRequestLimit enforces the per-client API-request sliding window,
// independent of the update-submission window the validator checks.
// An unidentified caller (clientID == "") cannot be bucketed and is
// always allowed through.
func (c *Coordinator) CheckRequestLimit(clientID string) error {
	if clientID == "" {
		return nil
	}
	if !c.limiter.Check(clientID, ratelimit.Request) {
		return apierr.New(apierr.RateLimited, "request rate limit exhausted")
	}
	return nil
}

// RegisterClient issues a token for a new client_name. The Auth
// Registry and Round Manager must end up agreeing on the registered
// set; since this is the only path that writes to both, a partial
// failure (token issued but round registration refused) can only
// happen if the two registries have already diverged, which nothing
// else in this package allows.
func (c *Coordinator) RegisterClient(clientID string) (token string, err error) {
	if err := c.CheckRequestLimit(clientID); err != nil {
		return "", err
	}
	token, err = c.auth.Issue(clientID)
	if err != nil {
		return "", apierr.New(apierr.DuplicateClient, "client_id is already registered")
	}
	if err := c.rounds.Register(clientID); err != nil {
		return "", apierr.New(apierr.DuplicateClient, "client_id is already registered")
	}
	return token, nil
}

// GetTask authenticates client_id and hands back its current
// assignment, recording the assignment timestamp used later to
// compute submission latency. Ledgers are only credited the first time
// a client is assigned to a round; a client that polls get_task
// repeatedly before submitting gets the same task back each time
// without inflating its participation count.
func (c *Coordinator) GetTask(clientID, token string) (assigner.Task, error) {
	if !c.auth.Exists(clientID) {
		return assigner.Task{}, apierr.New(apierr.UnknownClient, "client_id is not registered")
	}
	if !c.auth.Verify(clientID, token) {
		return assigner.Task{}, apierr.New(apierr.Unauthorized, "token missing or does not match client_id")
	}
	if err := c.CheckRequestLimit(clientID); err != nil {
		return assigner.Task{}, err
	}

	task, isNew, err := c.assigner.AssignTask(clientID)
	if err != nil {
		return assigner.Task{}, apierr.New(apierr.NoTaskAvailable, err.Error())
	}

	if isNew {
		c.noteAssignment(clientID, task.RoundID)
		c.reputation.OnAssigned(clientID)
		c.metrics.OnClientAssigned(task.RoundID)
	}
	return task, nil
}

func (c *Coordinator) noteAssignment(clientID string, roundID int) {
	key := assignmentKey(clientID, roundID)
	c.assignedMu.Lock()
	defer c.assignedMu.Unlock()
	if _, already := c.assignedAt[key]; !already {
		c.assignedAt[key] = time.Now()
	}
}

func (c *Coordinator) assignmentTime(clientID string, roundID int) time.Time {
	key := assignmentKey(clientID, roundID)
	c.assignedMu.Lock()
	defer c.assignedMu.Unlock()
	if t, ok := c.assignedAt[key]; ok {
		return t
	}
	return time.Now()
}

func assignmentKey(clientID string, roundID int) string {
	return fmt.Sprintf("%s#%d", clientID, roundID)
}

// SubmitUpdate runs deltaRaw through the intake pipeline and, on
// acceptance, buffers it against roundID.
func (c *Coordinator) SubmitUpdate(sub validator.Submission) (*model.Payload, error) {
	sub.AssignedAt = c.assignmentTime(sub.ClientID, sub.RoundID)
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now()
	}
	return c.validator.Validate(sub)
}

// AggregateRound runs one round's aggregation: copy out its buffered
// submissions under the Round Manager's lock, compute the next model
// version unlocked, then re-enter the lock to publish the result and
// open the successor round. numUpdates is the count of submissions
// folded into newVersion.
func (c *Coordinator) AggregateRound(roundID int) (newVersion string, numUpdates int, successorID int, err error) {
	submissions, inputVersion, err := c.rounds.BeginAggregation(roundID)
	if err != nil {
		return "", 0, 0, translateRoundErr(err)
	}
	numUpdates = len(submissions)

	started := time.Now()
	base, ok, err := c.store.Get(inputVersion)
	if err != nil || !ok {
		if abortErr := c.rounds.AbortAggregation(roundID); abortErr != nil {
			log.Printf("coordinator: abort round %d after missing base model: %v", roundID, abortErr)
		}
		return "", 0, 0, apierr.New(apierr.AggregationFailed, "input model version is unavailable")
	}

	newModel, aggErr := c.aggregator.Run(base, submissions)
	if aggErr != nil {
		successorID, stragglers, closeErr := c.rounds.FailAggregation(roundID)
		if closeErr != nil {
			return "", 0, 0, apierr.New(apierr.InternalError, closeErr.Error())
		}
		c.creditStragglers(stragglers)
		c.metrics.OnRoundClosed(roundID, time.Since(started), stragglers, true)
		c.metrics.OnRoundStarted(successorID)
		return "", numUpdates, successorID, apierr.New(apierr.AggregationFailed, aggErr.Error())
	}

	newVersion, err = c.store.NextVersion()
	if err != nil {
		return "", 0, 0, apierr.New(apierr.InternalError, err.Error())
	}
	if err := c.store.Put(newVersion, newModel); err != nil {
		return "", 0, 0, apierr.New(apierr.InternalError, err.Error())
	}

	successorID, stragglers, err := c.rounds.CompleteAggregation(roundID, newVersion)
	if err != nil {
		return "", 0, 0, apierr.New(apierr.InternalError, err.Error())
	}
	c.creditStragglers(stragglers)
	c.metrics.OnRoundClosed(roundID, time.Since(started), stragglers, false)
	c.metrics.OnRoundStarted(successorID)
	return newVersion, numUpdates, successorID, nil
}

// AggregateRoundTrigger adapts AggregateRound to asynccontroller's
// TriggerFunc signature, for wiring into asynccontroller.New.
func (c *Coordinator) AggregateRoundTrigger(roundID int) error {
	_, _, _, err := c.AggregateRound(roundID)
	return err
}

func (c *Coordinator) creditStragglers(clientIDs []string) {
	for _, id := range clientIDs {
		c.reputation.OnDropout(id)
		c.incentive.OnDropout(id)
	}
}

func translateRoundErr(err error) error {
	switch err {
	case roundmanager.ErrUnknownRound:
		return apierr.New(apierr.UnknownRound, err.Error())
	case roundmanager.ErrNotReady:
		return apierr.New(apierr.NotReady, err.Error())
	default:
		return apierr.New(apierr.InternalError, err.Error())
	}
}

// GetRoundStatus returns a read-only snapshot of roundID.
func (c *Coordinator) GetRoundStatus(roundID int) (roundmanager.View, error) {
	view, err := c.rounds.Status(roundID)
	if err != nil {
		return roundmanager.View{}, apierr.New(apierr.UnknownRound, err.Error())
	}
	return view, nil
}

// GetModel returns the named model version.
func (c *Coordinator) GetModel(version string) (*model.Payload, error) {
	payload, ok, err := c.store.Get(version)
	if err != nil {
		return nil, apierr.New(apierr.InternalError, err.Error())
	}
	if !ok {
		return nil, apierr.New(apierr.UnknownVersion, "no such model version")
	}
	return payload, nil
}

// GetLatestModel returns the most recently published model version
// and its name.
func (c *Coordinator) GetLatestModel() (version string, payload *model.Payload, err error) {
	version, ok, err := c.store.Latest()
	if err != nil {
		return "", nil, apierr.New(apierr.InternalError, err.Error())
	}
	if !ok {
		return "", nil, apierr.New(apierr.UnknownVersion, "no model versions published yet")
	}
	payload, _, err = c.store.Get(version)
	if err != nil {
		return "", nil, apierr.New(apierr.InternalError, err.Error())
	}
	return version, payload, nil
}

// GetMetrics returns every known round snapshot plus global counters.
func (c *Coordinator) GetMetrics() ([]metrics.RoundSnapshot, metrics.GlobalCounters) {
	return c.metrics.All()
}

// SubscribeRoundEvents exposes the Metrics Ledger's closed-round feed
// for a real-time API consumer (the WebSocket handler). Callers must
// invoke the returned cancel function when done.
func (c *Coordinator) SubscribeRoundEvents() (<-chan metrics.RoundSnapshot, func()) {
	return c.metrics.Subscribe()
}

// GetReputation returns clientID's reputation record.
func (c *Coordinator) GetReputation(clientID string) (reputation.Record, error) {
	rec, ok := c.reputation.Get(clientID)
	if !ok {
		return reputation.Record{}, apierr.New(apierr.UnknownClient, "no reputation record for this client")
	}
	return rec, nil
}

// AllReputation returns every client's reputation record.
func (c *Coordinator) AllReputation() []reputation.Record {
	return c.reputation.All()
}

// GetIncentive returns clientID's incentive-token balance.
func (c *Coordinator) GetIncentive(clientID string) (incentive.Record, error) {
	rec, ok := c.incentive.Get(clientID)
	if !ok {
		return incentive.Record{}, apierr.New(apierr.UnknownClient, "no incentive record for this client")
	}
	return rec, nil
}

// AllIncentive returns every client's incentive-token balance.
func (c *Coordinator) AllIncentive() []incentive.Record {
	return c.incentive.All()
}

// NewCorrelationID mints a random id for an internal_error response,
// so an operator can find the matching log line without the client
// ever seeing internal detail.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Recover converts a panic recovered at the API boundary into an
// internal_error, tagged with a correlation id that is also logged
// server-side. Callers use it as: `defer func() { if r := recover(); r
// != nil { err = coordinator.Recover(r) } }()`.
func Recover(recovered interface{}) error {
	id := NewCorrelationID()
	log.Printf("coordinator: panic recovered [correlation_id=%s]: %v", id, recovered)
	return apierr.New(apierr.InternalError, fmt.Sprintf("internal error (correlation_id=%s)", id))
}
