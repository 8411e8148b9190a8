package aggregator

import (
	"testing"
	"time"

	"github.com/openfl/coordinator/pkg/model"
	"github.com/openfl/coordinator/pkg/roundmanager"
)

func TestRunnerRunAggregatesSubmissions(t *testing.T) {
	alg, err := CreateAggregationAlgorithm(FedAvg)
	if err != nil {
		t.Fatalf("CreateAggregationAlgorithm() error = %v", err)
	}
	alg.Initialize(AlgorithmConfig{})
	runner := NewRunner(alg)

	base := payload(1.0, 2.0, 3.0)
	submissions := map[string]*roundmanager.Submission{
		"a": {Payload: payload(0.5, 0.5, 0.5), SubmittedAt: time.Now()},
		"b": {Payload: payload(0.5, 0.5, 0.5), SubmittedAt: time.Now()},
	}

	out, err := runner.Run(base, submissions)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []float64{1.5, 2.5, 3.5}
	if !floatsClose(out.Layers[0].Values, want) {
		t.Fatalf("Run() = %v, want %v", out.Layers[0].Values, want)
	}
}

func TestRunnerRunRejectsShapeMismatch(t *testing.T) {
	alg, _ := CreateAggregationAlgorithm(FedAvg)
	alg.Initialize(AlgorithmConfig{})
	runner := NewRunner(alg)

	base := payload(1.0, 2.0, 3.0)
	submissions := map[string]*roundmanager.Submission{
		"a": {Payload: payload(0.5, 0.5, 0.5)},
		"b": {Payload: &model.Payload{Layers: []model.Layer{{Shape: []int{4}, Values: []float64{1, 2, 3, 4}}}}},
	}

	if _, err := runner.Run(base, submissions); err == nil {
		t.Fatal("expected shape mismatch error")
	}
}

func TestRunnerRunRejectsEmptySubmissions(t *testing.T) {
	alg, _ := CreateAggregationAlgorithm(FedAvg)
	alg.Initialize(AlgorithmConfig{})
	runner := NewRunner(alg)

	if _, err := runner.Run(payload(1.0), nil); err == nil {
		t.Fatal("expected error for empty submissions")
	}
}
