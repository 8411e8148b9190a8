// Package validator implements the seven-stage update intake pipeline,
// short-circuited on first failure.
package validator

import (
	"encoding/json"
	"time"

	"github.com/openfl/coordinator/pkg/apierr"
	"github.com/openfl/coordinator/pkg/authregistry"
	"github.com/openfl/coordinator/pkg/incentive"
	"github.com/openfl/coordinator/pkg/metrics"
	"github.com/openfl/coordinator/pkg/model"
	"github.com/openfl/coordinator/pkg/modelstore"
	"github.com/openfl/coordinator/pkg/privacyguard"
	"github.com/openfl/coordinator/pkg/ratelimit"
	"github.com/openfl/coordinator/pkg/reputation"
	"github.com/openfl/coordinator/pkg/roundmanager"
)

// Submission is one inbound submit_update request, prior to validation.
type Submission struct {
	ClientID    string
	Token       string
	RoundID     int
	DeltaRaw    json.RawMessage
	FinalLoss   *float64
	SubmittedAt time.Time
	AssignedAt  time.Time // used to compute submission latency for ledgers
}

// Validator composes the Auth Registry, Round Manager, Rate Limiter,
// Privacy Guard, and Model Store into the intake pipeline, and notifies
// the Reputation/Incentive/Metrics ledgers directly on accept (and the
// Reputation/Metrics ledgers on reject) — a one-directional dependency from validator to ledgers, per
// the "pass context in, do not wire bidirectional pointers" convention.
type Validator struct {
	auth       *authregistry.Registry
	rounds     *roundmanager.Manager
	limiter    *ratelimit.Limiter
	guard      *privacyguard.Guard
	modelStore *modelstore.Store
	reputation *reputation.Ledger
	incentive  *incentive.Ledger
	metrics    *metrics.Ledger
}

// New constructs a Validator wired to the coordinator's shared
// components and ledgers.
func New(
	auth *authregistry.Registry,
	rounds *roundmanager.Manager,
	limiter *ratelimit.Limiter,
	guard *privacyguard.Guard,
	modelStore *modelstore.Store,
	reputationLedger *reputation.Ledger,
	incentiveLedger *incentive.Ledger,
	metricsLedger *metrics.Ledger,
) *Validator {
	return &Validator{
		auth:       auth,
		rounds:     rounds,
		limiter:    limiter,
		guard:      guard,
		modelStore: modelStore,
		reputation: reputationLedger,
		incentive:  incentiveLedger,
		metrics:    metricsLedger,
	}
}

// Validate runs s through the seven-stage pipeline. On success it
// returns the parsed delta payload and records the update with the
// Round Manager and all ledgers. On failure it returns an *apierr.Error.
// Rejections at the round-state, rate-limit, format and value stages are
// reported to the Reputation and Metrics ledgers; unknown_client,
// unauthorized, no_assignment and duplicate_update leave every ledger
// unchanged.
func (v *Validator) Validate(s Submission) (*model.Payload, error) {
	// 1. Token check.
	if !v.auth.Exists(s.ClientID) {
		return nil, apierr.New(apierr.UnknownClient, "client_id is not registered")
	}
	if !v.auth.Verify(s.ClientID, s.Token) {
		return nil, apierr.New(apierr.Unauthorized, "token missing or does not match client_id")
	}

	// 2. Registration check.
	if !v.rounds.IsRegistered(s.ClientID) {
		return nil, apierr.New(apierr.UnknownClient, "client_id is not registered with the round manager")
	}

	// 3. Assignment check.
	if !v.rounds.IsAssigned(s.ClientID, s.RoundID) {
		return nil, apierr.New(apierr.NoAssignment, "client has no assignment for this round")
	}
	state, ok := v.rounds.RoundState(s.RoundID)
	if !ok || state != roundmanager.Collecting {
		return nil, v.reject(s.ClientID, s.RoundID, apierr.New(apierr.RoundNotCollecting, "round is not accepting submissions"))
	}

	// 4. Rate-limit check.
	if !v.limiter.Check(s.ClientID, ratelimit.Update) {
		return nil, v.reject(s.ClientID, s.RoundID, apierr.New(apierr.RateLimited, "update rate limit exhausted"))
	}

	// 5. Duplicate check. An exact replay is observable but must not
	// double-credit ledgers.
	if v.rounds.HasSubmitted(s.ClientID, s.RoundID) {
		return nil, apierr.New(apierr.DuplicateUpdate, "client already submitted for this round")
	}

	// 6. Format check: parses, and shape matches the round's input model.
	payload, err := model.ParsePayload(s.DeltaRaw)
	if err != nil {
		return nil, v.reject(s.ClientID, s.RoundID, apierr.New(apierr.MalformedDelta, err.Error()))
	}
	view, err := v.rounds.Status(s.RoundID)
	if err != nil {
		return nil, v.reject(s.ClientID, s.RoundID, apierr.New(apierr.MalformedDelta, "round no longer exists"))
	}
	base, ok, err := v.modelStore.Get(view.InputVersion)
	if err != nil || !ok {
		return nil, v.reject(s.ClientID, s.RoundID, apierr.New(apierr.MalformedDelta, "advertised model version is unavailable"))
	}
	if !base.SameShape(payload) {
		return nil, v.reject(s.ClientID, s.RoundID, apierr.New(apierr.MalformedDelta, "delta shape does not match the advertised model"))
	}

	// 7. Value check.
	if ok, reason := v.guard.Inspect(payload); !ok {
		return nil, v.reject(s.ClientID, s.RoundID, apierr.New(apierr.InvalidValues, reason))
	}

	latency := s.SubmittedAt.Sub(s.AssignedAt)
	if err := v.rounds.RecordUpdate(s.ClientID, s.RoundID, payload, s.FinalLoss, s.SubmittedAt, latency); err != nil {
		return nil, v.reject(s.ClientID, s.RoundID, apierr.New(apierr.InternalError, err.Error()))
	}

	v.reputation.OnUpdateAccepted(s.ClientID, latency)
	v.incentive.OnAccepted(s.ClientID, s.RoundID, latency)
	v.metrics.OnUpdateAccepted(s.RoundID)

	return payload, nil
}

// reject notifies the ledgers of a genuine rejection (not a duplicate
// replay, which must not double-credit) and returns err unchanged, for
// single-expression use at each failing stage.
func (v *Validator) reject(clientID string, roundID int, err *apierr.Error) *apierr.Error {
	v.reputation.OnUpdateRejected(clientID)
	v.metrics.OnUpdateRejected(roundID, string(err.Code))
	return err
}
