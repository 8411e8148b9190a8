package model

import (
	"encoding/json"
	"math"
	"testing"
)

func TestParsePayloadSingleLayer(t *testing.T) {
	raw := json.RawMessage(`[[1.0, 2.0, 3.0]]`)
	p, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if len(p.Layers) != 1 {
		t.Fatalf("got %d layers, want 1", len(p.Layers))
	}
	if got, want := p.Layers[0].Shape, []int{3}; !equalInts(got, want) {
		t.Errorf("shape = %v, want %v", got, want)
	}
	if got, want := p.Layers[0].Values, []float64{1, 2, 3}; !floatsEqual(got, want) {
		t.Errorf("values = %v, want %v", got, want)
	}
}

func TestParsePayloadMatrixLayer(t *testing.T) {
	raw := json.RawMessage(`[[[1,2],[3,4]]]`)
	p, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	if got, want := p.Layers[0].Shape, []int{2, 2}; !equalInts(got, want) {
		t.Errorf("shape = %v, want %v", got, want)
	}
	if got, want := p.Layers[0].Values, []float64{1, 2, 3, 4}; !floatsEqual(got, want) {
		t.Errorf("values = %v, want %v", got, want)
	}
}

func TestParsePayloadRaggedRejected(t *testing.T) {
	raw := json.RawMessage(`[[[1,2],[3]]]`)
	if _, err := ParsePayload(raw); err == nil {
		t.Fatal("expected error for ragged array, got nil")
	}
}

func TestRoundTripNested(t *testing.T) {
	raw := json.RawMessage(`[[[1,2,3],[4,5,6]],[7,8]]`)
	p, err := ParsePayload(raw)
	if err != nil {
		t.Fatalf("ParsePayload() error = %v", err)
	}
	out, err := p.MarshalNested()
	if err != nil {
		t.Fatalf("MarshalNested() error = %v", err)
	}
	roundTripped, err := ParsePayload(out)
	if err != nil {
		t.Fatalf("reparse error = %v", err)
	}
	if !p.SameShape(roundTripped) {
		t.Fatalf("round-tripped payload changed shape")
	}
}

func TestAverageDeltas(t *testing.T) {
	a := &Payload{Layers: []Layer{{Shape: []int{3}, Values: []float64{1, 2, 3}}}}
	b := &Payload{Layers: []Layer{{Shape: []int{3}, Values: []float64{3, 4, 5}}}}

	avg, err := AverageDeltas([]*Payload{a, b})
	if err != nil {
		t.Fatalf("AverageDeltas() error = %v", err)
	}
	if got, want := avg.Layers[0].Values, []float64{2, 3, 4}; !floatsEqual(got, want) {
		t.Errorf("average = %v, want %v", got, want)
	}
}

func TestAverageDeltasShapeMismatch(t *testing.T) {
	a := &Payload{Layers: []Layer{{Shape: []int{3}, Values: []float64{1, 2, 3}}}}
	b := &Payload{Layers: []Layer{{Shape: []int{4}, Values: []float64{1, 2, 3, 4}}}}

	if _, err := AverageDeltas([]*Payload{a, b}); err == nil {
		t.Fatal("expected shape mismatch error, got nil")
	}
}

func TestAddBaseAndAverage(t *testing.T) {
	base := &Payload{Layers: []Layer{{Shape: []int{3}, Values: []float64{1.0, 2.0, 3.0}}}}
	delta := &Payload{Layers: []Layer{{Shape: []int{3}, Values: []float64{0.5, 0.5, 0.5}}}}

	sum, err := base.Add(delta)
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if got, want := sum.Layers[0].Values, []float64{1.5, 2.5, 3.5}; !floatsEqual(got, want) {
		t.Errorf("sum = %v, want %v", got, want)
	}
}

func TestFiniteRejectsNaNAndInf(t *testing.T) {
	p := &Payload{Layers: []Layer{{Shape: []int{2}, Values: []float64{1.0, math.NaN()}}}}
	if p.Finite(1e6) {
		t.Fatal("expected Finite() to reject NaN")
	}

	p2 := &Payload{Layers: []Layer{{Shape: []int{2}, Values: []float64{1.0, math.Inf(1)}}}}
	if p2.Finite(1e6) {
		t.Fatal("expected Finite() to reject +Inf")
	}

	p3 := &Payload{Layers: []Layer{{Shape: []int{1}, Values: []float64{1e7}}}}
	if p3.Finite(1e6) {
		t.Fatal("expected Finite() to reject out-of-range magnitude")
	}
}

func TestZero(t *testing.T) {
	p := Zero([][]int{{2, 2}, {3}})
	if len(p.Layers) != 2 {
		t.Fatalf("got %d layers, want 2", len(p.Layers))
	}
	if len(p.Layers[0].Values) != 4 || len(p.Layers[1].Values) != 3 {
		t.Fatalf("unexpected value counts: %d, %d", len(p.Layers[0].Values), len(p.Layers[1].Values))
	}
	for _, l := range p.Layers {
		for _, v := range l.Values {
			if v != 0 {
				t.Fatalf("Zero() produced non-zero value %v", v)
			}
		}
	}
}

func floatsEqual(a, b []float64) bool {
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
