package roundmanager

import (
	"testing"
	"time"

	"github.com/openfl/coordinator/pkg/model"
)

func mustRegister(t *testing.T, m *Manager, clientID string) {
	t.Helper()
	if err := m.Register(clientID); err != nil {
		t.Fatalf("Register(%q) error = %v", clientID, err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	m := New("v1")
	mustRegister(t, m, "a")
	if err := m.Register("a"); err != ErrDuplicateClient {
		t.Fatalf("second Register() error = %v, want ErrDuplicateClient", err)
	}
}

func TestAssignIsIdempotentAndOpensCollecting(t *testing.T) {
	m := New("v1")
	mustRegister(t, m, "a")

	r1, v1, isNew1, err := m.Assign("a")
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if r1 != 1 || v1 != "v1" {
		t.Fatalf("Assign() = (%d, %q), want (1, v1)", r1, v1)
	}
	if !isNew1 {
		t.Fatal("first Assign() isNew = false, want true")
	}

	state, ok := m.RoundState(1)
	if !ok || state != Collecting {
		t.Fatalf("round state = %v, want COLLECTING", state)
	}

	r2, v2, isNew2, err := m.Assign("a")
	if err != nil {
		t.Fatalf("second Assign() error = %v", err)
	}
	if r2 != r1 || v2 != v1 {
		t.Fatal("repeated Assign() before submission should return the same task")
	}
	if isNew2 {
		t.Fatal("repeated Assign() isNew = true, want false")
	}
}

func TestAssignUnknownClient(t *testing.T) {
	m := New("v1")
	if _, _, _, err := m.Assign("ghost"); err != ErrUnknownClient {
		t.Fatalf("Assign() error = %v, want ErrUnknownClient", err)
	}
}

func TestRecordUpdateEnforcesAssignment(t *testing.T) {
	m := New("v1")
	mustRegister(t, m, "a")

	p := &model.Payload{Layers: []model.Layer{{Shape: []int{1}, Values: []float64{1}}}}
	if err := m.RecordUpdate("a", 1, p, nil, time.Now(), time.Second); err != ErrNoAssignment {
		t.Fatalf("RecordUpdate() before Assign() error = %v, want ErrNoAssignment", err)
	}

	if _, _, _, err := m.Assign("a"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if err := m.RecordUpdate("a", 1, p, nil, time.Now(), time.Second); err != nil {
		t.Fatalf("RecordUpdate() error = %v", err)
	}
	if err := m.RecordUpdate("a", 1, p, nil, time.Now(), time.Second); err != ErrDuplicateUpdate {
		t.Fatalf("second RecordUpdate() error = %v, want ErrDuplicateUpdate", err)
	}
}

func TestRecordUpdateRequiresCollecting(t *testing.T) {
	m := New("v1")
	mustRegister(t, m, "a")
	if _, _, _, err := m.Assign("a"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}

	p := &model.Payload{Layers: []model.Layer{{Shape: []int{1}, Values: []float64{1}}}}
	if err := m.RecordUpdate("a", 1, p, nil, time.Now(), time.Second); err != nil {
		t.Fatalf("RecordUpdate() error = %v", err)
	}

	subs, _, err := m.BeginAggregation(1)
	if err != nil {
		t.Fatalf("BeginAggregation() error = %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("got %d submissions, want 1", len(subs))
	}

	if err := m.RecordUpdate("a", 1, p, nil, time.Now(), time.Second); err != ErrRoundNotCollecting {
		t.Fatalf("RecordUpdate() during AGGREGATING error = %v, want ErrRoundNotCollecting", err)
	}
}

func TestBeginAggregationNotReady(t *testing.T) {
	m := New("v1")
	mustRegister(t, m, "a")
	if _, _, _, err := m.Assign("a"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if _, _, err := m.BeginAggregation(1); err != ErrNotReady {
		t.Fatalf("BeginAggregation() with zero submissions error = %v, want ErrNotReady", err)
	}
}

func TestCompleteAggregationOpensSuccessorAndReportsStragglers(t *testing.T) {
	m := New("v1")
	mustRegister(t, m, "a")
	mustRegister(t, m, "b")
	if _, _, _, err := m.Assign("a"); err != nil {
		t.Fatalf("Assign(a) error = %v", err)
	}
	if _, _, _, err := m.Assign("b"); err != nil {
		t.Fatalf("Assign(b) error = %v", err)
	}

	p := &model.Payload{Layers: []model.Layer{{Shape: []int{1}, Values: []float64{1}}}}
	if err := m.RecordUpdate("a", 1, p, nil, time.Now(), time.Second); err != nil {
		t.Fatalf("RecordUpdate(a) error = %v", err)
	}

	if _, _, err := m.BeginAggregation(1); err != nil {
		t.Fatalf("BeginAggregation() error = %v", err)
	}

	successor, stragglers, err := m.CompleteAggregation(1, "v2")
	if err != nil {
		t.Fatalf("CompleteAggregation() error = %v", err)
	}
	if successor != 2 {
		t.Fatalf("successor = %d, want 2", successor)
	}
	if len(stragglers) != 1 || stragglers[0] != "b" {
		t.Fatalf("stragglers = %v, want [b]", stragglers)
	}

	state, _ := m.RoundState(1)
	if state != Closed {
		t.Fatalf("round 1 state = %v, want CLOSED", state)
	}
	curID, curVersion := m.CurrentRound()
	if curID != 2 || curVersion != "v2" {
		t.Fatalf("CurrentRound() = (%d, %q), want (2, v2)", curID, curVersion)
	}
}

func TestFailAggregationReusesInputVersion(t *testing.T) {
	m := New("v1")
	mustRegister(t, m, "a")
	if _, _, _, err := m.Assign("a"); err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	p := &model.Payload{Layers: []model.Layer{{Shape: []int{1}, Values: []float64{1}}}}
	if err := m.RecordUpdate("a", 1, p, nil, time.Now(), time.Second); err != nil {
		t.Fatalf("RecordUpdate() error = %v", err)
	}
	if _, _, err := m.BeginAggregation(1); err != nil {
		t.Fatalf("BeginAggregation() error = %v", err)
	}

	successor, _, err := m.FailAggregation(1)
	if err != nil {
		t.Fatalf("FailAggregation() error = %v", err)
	}

	view, err := m.Status(1)
	if err != nil {
		t.Fatalf("Status(1) error = %v", err)
	}
	if view.FailureReason != "aggregation_failed" {
		t.Fatalf("FailureReason = %q, want aggregation_failed", view.FailureReason)
	}

	_, successorVersion := m.CurrentRound()
	if successorVersion != "v1" {
		t.Fatalf("successor input version = %q, want v1 (reused)", successorVersion)
	}
	if successor != 2 {
		t.Fatalf("successor round = %d, want 2", successor)
	}
}

func TestStatusUnknownRound(t *testing.T) {
	m := New("v1")
	if _, err := m.Status(99); err != ErrUnknownRound {
		t.Fatalf("Status() error = %v, want ErrUnknownRound", err)
	}
}
