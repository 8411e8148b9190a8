package coordinator

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfl/coordinator/pkg/aggregator"
	"github.com/openfl/coordinator/pkg/apierr"
	"github.com/openfl/coordinator/pkg/asynccontroller"
	"github.com/openfl/coordinator/pkg/authregistry"
	"github.com/openfl/coordinator/pkg/incentive"
	"github.com/openfl/coordinator/pkg/metrics"
	"github.com/openfl/coordinator/pkg/modelstore"
	"github.com/openfl/coordinator/pkg/privacyguard"
	"github.com/openfl/coordinator/pkg/ratelimit"
	"github.com/openfl/coordinator/pkg/reputation"
	"github.com/openfl/coordinator/pkg/roundmanager"
	"github.com/openfl/coordinator/pkg/validator"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()

	store, err := modelstore.New(filepath.Join(t.TempDir(), "models"))
	if err != nil {
		t.Fatalf("modelstore.New() error = %v", err)
	}
	if err := store.Bootstrap([][]int{{2}}); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}

	algo, err := aggregator.CreateAggregationAlgorithm(aggregator.FedAvg)
	if err != nil {
		t.Fatalf("CreateAggregationAlgorithm() error = %v", err)
	}
	if err := algo.Initialize(aggregator.AlgorithmConfig{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	return New(Deps{
		Auth:       authregistry.New(),
		Rounds:     roundmanager.New("v1"),
		Limiter:    ratelimit.New(ratelimit.Config{Window: time.Minute, RequestLimit: 100, UpdateLimit: 100}),
		Guard:      privacyguard.New(privacyguard.DefaultMaxMagnitude),
		Store:      store,
		Reputation: reputation.New(),
		Incentive:  incentive.New(incentive.DefaultConfig()),
		Metrics:    metrics.New("", nil),
		Algorithm:  algo,
	})
}

func TestRegisterClientThenGetTask(t *testing.T) {
	c := newTestCoordinator(t)

	token, err := c.RegisterClient("a")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	task, err := c.GetTask("a", token)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if task.RoundID != 1 || task.ModelVersion != "v1" {
		t.Fatalf("task = %+v, want round 1 / v1", task)
	}
}

func TestRegisterClientDuplicate(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.RegisterClient("a"); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	_, err := c.RegisterClient("a")
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.DuplicateClient {
		t.Fatalf("err = %v, want duplicate_client", err)
	}
}

func TestGetTaskUnauthorized(t *testing.T) {
	c := newTestCoordinator(t)
	if _, err := c.RegisterClient("a"); err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	_, err := c.GetTask("a", "wrong-token")
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.Unauthorized {
		t.Fatalf("err = %v, want unauthorized", err)
	}
}

func TestSubmitUpdateAndAggregateRound(t *testing.T) {
	c := newTestCoordinator(t)

	tokenA, _ := c.RegisterClient("a")
	tokenB, _ := c.RegisterClient("b")

	taskA, err := c.GetTask("a", tokenA)
	if err != nil {
		t.Fatalf("GetTask(a) error = %v", err)
	}
	if _, err := c.GetTask("b", tokenB); err != nil {
		t.Fatalf("GetTask(b) error = %v", err)
	}

	deltaA := json.RawMessage(`[[0.1, 0.1]]`)
	deltaB := json.RawMessage(`[[0.3, 0.3]]`)

	if _, err := c.SubmitUpdate(validator.Submission{
		ClientID: "a", Token: tokenA, RoundID: taskA.RoundID, DeltaRaw: deltaA,
	}); err != nil {
		t.Fatalf("SubmitUpdate(a) error = %v", err)
	}
	if _, err := c.SubmitUpdate(validator.Submission{
		ClientID: "b", Token: tokenB, RoundID: taskA.RoundID, DeltaRaw: deltaB,
	}); err != nil {
		t.Fatalf("SubmitUpdate(b) error = %v", err)
	}

	newVersion, numUpdates, successorID, err := c.AggregateRound(taskA.RoundID)
	if err != nil {
		t.Fatalf("AggregateRound() error = %v", err)
	}
	if newVersion != "v2" {
		t.Fatalf("newVersion = %q, want v2", newVersion)
	}
	if numUpdates != 2 {
		t.Fatalf("numUpdates = %d, want 2", numUpdates)
	}
	if successorID != 2 {
		t.Fatalf("successorID = %d, want 2", successorID)
	}

	payload, err := c.GetModel("v2")
	if err != nil {
		t.Fatalf("GetModel() error = %v", err)
	}
	want := 0.2 // mean of 0.1 and 0.3, added to a zero base
	for _, v := range payload.Layers[0].Values {
		if diff := v - want; diff > 1e-9 || diff < -1e-9 {
			t.Fatalf("aggregated value = %v, want %v", v, want)
		}
	}

	view, err := c.GetRoundStatus(taskA.RoundID)
	if err != nil {
		t.Fatalf("GetRoundStatus() error = %v", err)
	}
	if view.State != roundmanager.Closed {
		t.Fatalf("round state = %v, want CLOSED", view.State)
	}
}

func TestAggregateRoundNotReady(t *testing.T) {
	c := newTestCoordinator(t)
	_, _, _, err := c.AggregateRound(1)
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.NotReady {
		t.Fatalf("err = %v, want not_ready", err)
	}
}

func TestGetAsyncStatsDisabledByDefault(t *testing.T) {
	c := newTestCoordinator(t)
	stats, err := c.GetAsyncStats(1)
	if err != nil {
		t.Fatalf("GetAsyncStats() error = %v", err)
	}
	if stats.Enabled {
		t.Fatal("stats.Enabled = true, want false when no async controller is attached")
	}
}

func TestGetAsyncStatsUnknownRound(t *testing.T) {
	c := newTestCoordinator(t)
	_, err := c.GetAsyncStats(999)
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.UnknownRound {
		t.Fatalf("err = %v, want unknown_round", err)
	}
}

func TestGetTaskRepeatedPollDoesNotDoubleCredit(t *testing.T) {
	c := newTestCoordinator(t)
	token, err := c.RegisterClient("a")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := c.GetTask("a", token); err != nil {
			t.Fatalf("GetTask() call %d error = %v", i, err)
		}
	}

	rec, err := c.GetReputation("a")
	if err != nil {
		t.Fatalf("GetReputation() error = %v", err)
	}
	if rec.RoundsParticipated != 1 {
		t.Fatalf("RoundsParticipated = %d, want 1 after repeated get_task polls", rec.RoundsParticipated)
	}

	snapshots, _ := c.GetMetrics()
	if len(snapshots) != 1 || snapshots[0].ClientsAssigned != 1 {
		t.Fatalf("snapshots = %+v, want one round with ClientsAssigned=1", snapshots)
	}
}

func TestRoundOneMetricsSeededAtConstruction(t *testing.T) {
	c := newTestCoordinator(t)
	snapshots, _ := c.GetMetrics()
	if len(snapshots) != 1 {
		t.Fatalf("snapshots = %+v, want round 1 seeded at construction", snapshots)
	}
	if snapshots[0].RoundStartedAt.IsZero() {
		t.Fatal("round 1 RoundStartedAt is zero, want it seeded at coordinator construction")
	}
}

func TestRequestRateLimitGatesRegisterClient(t *testing.T) {
	store, err := modelstore.New(filepath.Join(t.TempDir(), "models"))
	if err != nil {
		t.Fatalf("modelstore.New() error = %v", err)
	}
	if err := store.Bootstrap([][]int{{2}}); err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	algo, err := aggregator.CreateAggregationAlgorithm(aggregator.FedAvg)
	if err != nil {
		t.Fatalf("CreateAggregationAlgorithm() error = %v", err)
	}
	if err := algo.Initialize(aggregator.AlgorithmConfig{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	c := New(Deps{
		Auth:       authregistry.New(),
		Rounds:     roundmanager.New("v1"),
		Limiter:    ratelimit.New(ratelimit.Config{Window: time.Minute, RequestLimit: 1, UpdateLimit: 100}),
		Guard:      privacyguard.New(privacyguard.DefaultMaxMagnitude),
		Store:      store,
		Reputation: reputation.New(),
		Incentive:  incentive.New(incentive.DefaultConfig()),
		Metrics:    metrics.New("", nil),
		Algorithm:  algo,
	})

	token, err := c.RegisterClient("a")
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	// RequestLimit=1 was already spent by RegisterClient, so the next
	// request-bucket check (get_task) must be denied.
	_, err = c.GetTask("a", token)
	ae, ok := err.(*apierr.Error)
	if !ok || ae.Code != apierr.RateLimited {
		t.Fatalf("err = %v, want rate_limited", err)
	}
}

func TestSetAsyncReflectsController(t *testing.T) {
	c := newTestCoordinator(t)
	ctrl := asynccontroller.New(asynccontroller.Config{Enabled: true, MinUpdates: 2, MaxDuration: time.Minute}, c.rounds, c.AggregateRoundTrigger)
	c.SetAsync(ctrl)

	stats, err := c.GetAsyncStats(1)
	if err != nil {
		t.Fatalf("GetAsyncStats() error = %v", err)
	}
	if !stats.Enabled || stats.MinUpdates != 2 {
		t.Fatalf("stats = %+v, want enabled with MinUpdates=2", stats)
	}
}
