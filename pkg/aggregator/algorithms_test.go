package aggregator

import (
	"math"
	"testing"
	"time"

	"github.com/openfl/coordinator/pkg/model"
)

func payload(values ...float64) *model.Payload {
	return &model.Payload{Layers: []model.Layer{{Shape: []int{len(values)}, Values: values}}}
}

func floatsClose(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-9 {
			return false
		}
	}
	return true
}

func TestFedAvgExactMeanInvariant(t *testing.T) {
	alg := &FedAvgAlgorithm{}
	if err := alg.Initialize(AlgorithmConfig{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	base := payload(1.0, 2.0, 3.0)
	updates := []ClientUpdate{
		{ClientID: "b", Delta: payload(1.0, 1.0, 1.0), SubmittedAt: time.Now()},
		{ClientID: "a", Delta: payload(0.0, 0.0, 0.0), SubmittedAt: time.Now()},
	}

	out, err := alg.Aggregate(updates, base)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	want := []float64{1.5, 2.5, 3.5}
	if !floatsClose(out.Layers[0].Values, want) {
		t.Fatalf("Aggregate() = %v, want %v", out.Layers[0].Values, want)
	}
}

func TestFedAvgRejectsEmptyUpdates(t *testing.T) {
	alg := &FedAvgAlgorithm{}
	alg.Initialize(AlgorithmConfig{})
	if _, err := alg.Aggregate(nil, payload(1)); err == nil {
		t.Fatal("expected error for empty updates")
	}
}

func TestFedAvgIsOrderIndependentModuloFloatingPoint(t *testing.T) {
	alg := &FedAvgAlgorithm{}
	alg.Initialize(AlgorithmConfig{})
	base := payload(0, 0)

	forward := []ClientUpdate{
		{ClientID: "a", Delta: payload(1, 2)},
		{ClientID: "b", Delta: payload(3, 4)},
	}
	backward := []ClientUpdate{
		{ClientID: "b", Delta: payload(3, 4)},
		{ClientID: "a", Delta: payload(1, 2)},
	}

	out1, _ := alg.Aggregate(forward, base)
	out2, _ := alg.Aggregate(backward, base)
	if !floatsClose(out1.Layers[0].Values, out2.Layers[0].Values) {
		t.Fatalf("aggregate depends on input order: %v vs %v", out1.Layers[0].Values, out2.Layers[0].Values)
	}
}

func TestFedOptProducesFiniteOutput(t *testing.T) {
	alg := &FedOptAlgorithm{}
	if err := alg.Initialize(AlgorithmConfig{}); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	base := payload(1.0, 1.0)
	updates := []ClientUpdate{
		{ClientID: "a", Delta: payload(0.1, 0.2)},
		{ClientID: "b", Delta: payload(0.3, 0.1)},
	}

	out, err := alg.Aggregate(updates, base)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if !out.Finite(1e6) {
		t.Fatal("FedOpt produced a non-finite value")
	}
}

func TestFedOptHyperparameterOverride(t *testing.T) {
	alg := &FedOptAlgorithm{}
	alg.Initialize(AlgorithmConfig{Hyperparameters: map[string]interface{}{"server_learning_rate": 0.5}})
	if got := alg.GetHyperparameters()["server_learning_rate"]; got != 0.5 {
		t.Fatalf("server_learning_rate = %v, want 0.5", got)
	}
}

func TestFedProxShrinksTowardZero(t *testing.T) {
	alg := &FedProxAlgorithm{}
	alg.Initialize(AlgorithmConfig{Hyperparameters: map[string]interface{}{"mu": 1.0}})

	base := payload(0.0)
	updates := []ClientUpdate{
		{ClientID: "a", Delta: payload(2.0)},
	}

	out, err := alg.Aggregate(updates, base)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	// mu=1.0 => alpha=0.5 => shrunk delta is half of the mean delta.
	if !floatsClose(out.Layers[0].Values, []float64{1.0}) {
		t.Fatalf("Aggregate() = %v, want [1.0]", out.Layers[0].Values)
	}
}

func TestCreateAggregationAlgorithmUnknown(t *testing.T) {
	if _, err := CreateAggregationAlgorithm("bogus"); err == nil {
		t.Fatal("expected error for unknown algorithm type")
	}
}

func TestCreateAggregationAlgorithmDefaultsToFedAvg(t *testing.T) {
	alg, err := CreateAggregationAlgorithm("")
	if err != nil {
		t.Fatalf("CreateAggregationAlgorithm() error = %v", err)
	}
	if _, ok := alg.(*FedAvgAlgorithm); !ok {
		t.Fatalf("got %T, want *FedAvgAlgorithm", alg)
	}
}
