// Package model defines the wire-boundary representation of a model
// version or a weight-delta submission: an ordered sequence of tensor
// layers, each tagged with its shape and flattened into a typed slice.
package model

import (
	"encoding/json"
	"fmt"
	"math"
)

// Layer is one tensor of a model or delta, described by its shape and
// row-major flattened values.
type Layer struct {
	Shape  []int
	Values []float64
}

// Payload is the ordered sequence of tensor layers that make up a model
// version or a client's weight delta.
type Payload struct {
	Layers []Layer
}

func (l Layer) size() int {
	n := 1
	for _, d := range l.Shape {
		n *= d
	}
	return n
}

// SameShape reports whether p and other have the same number of layers,
// each with identical dimensions, in the same order.
func (p *Payload) SameShape(other *Payload) bool {
	if p == nil || other == nil {
		return false
	}
	if len(p.Layers) != len(other.Layers) {
		return false
	}
	for i := range p.Layers {
		a, b := p.Layers[i].Shape, other.Layers[i].Shape
		if len(a) != len(b) {
			return false
		}
		for j := range a {
			if a[j] != b[j] {
				return false
			}
		}
	}
	return true
}

// Finite reports whether every value in every layer is finite and within
// maxMagnitude in absolute value. An empty payload is considered finite.
func (p *Payload) Finite(maxMagnitude float64) bool {
	for _, layer := range p.Layers {
		for _, v := range layer.Values {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
			if math.Abs(v) > maxMagnitude {
				return false
			}
		}
	}
	return true
}

// Add returns a new payload equal to the element-wise sum of p and delta.
// Both payloads must already agree on shape.
func (p *Payload) Add(delta *Payload) (*Payload, error) {
	if !p.SameShape(delta) {
		return nil, fmt.Errorf("model: shape mismatch in Add")
	}
	out := &Payload{Layers: make([]Layer, len(p.Layers))}
	for i, layer := range p.Layers {
		values := make([]float64, len(layer.Values))
		for j, v := range layer.Values {
			values[j] = v + delta.Layers[i].Values[j]
		}
		out.Layers[i] = Layer{Shape: append([]int(nil), layer.Shape...), Values: values}
	}
	return out, nil
}

// AverageDeltas computes the element-wise arithmetic mean of deltas, in
// the order given by the caller (callers are expected to pass deltas
// ordered ascending by client id for deterministic results).
// Accumulation happens in float64, the widest precision this package
// uses, regardless of the eventual on-disk precision.
func AverageDeltas(deltas []*Payload) (*Payload, error) {
	if len(deltas) == 0 {
		return nil, fmt.Errorf("model: no deltas to average")
	}
	first := deltas[0]
	for _, d := range deltas[1:] {
		if !first.SameShape(d) {
			return nil, fmt.Errorf("model: shape mismatch across deltas")
		}
	}

	out := &Payload{Layers: make([]Layer, len(first.Layers))}
	for i, layer := range first.Layers {
		sum := make([]float64, len(layer.Values))
		for _, d := range deltas {
			for j, v := range d.Layers[i].Values {
				sum[j] += v
			}
		}
		n := float64(len(deltas))
		for j := range sum {
			sum[j] /= n
		}
		out.Layers[i] = Layer{Shape: append([]int(nil), layer.Shape...), Values: sum}
	}
	return out, nil
}

// Zero builds a deterministic all-zero payload matching the given layer
// shapes, used to seed model version v1.
func Zero(shapes [][]int) *Payload {
	p := &Payload{Layers: make([]Layer, len(shapes))}
	for i, shape := range shapes {
		l := Layer{Shape: append([]int(nil), shape...)}
		l.Values = make([]float64, l.size())
		p.Layers[i] = l
	}
	return p
}

// ParsePayload parses the wire format: a JSON array of layers, each layer
// a (possibly multi-dimensional) nested JSON array of numbers. Ragged
// arrays are rejected.
func ParsePayload(raw json.RawMessage) (*Payload, error) {
	var rawLayers []json.RawMessage
	if err := json.Unmarshal(raw, &rawLayers); err != nil {
		return nil, fmt.Errorf("model: payload is not a JSON array of layers: %w", err)
	}

	p := &Payload{Layers: make([]Layer, len(rawLayers))}
	for i, rl := range rawLayers {
		shape, values, err := parseNested(rl)
		if err != nil {
			return nil, fmt.Errorf("model: layer %d: %w", i, err)
		}
		p.Layers[i] = Layer{Shape: shape, Values: values}
	}
	return p, nil
}

// parseNested flattens an arbitrarily (but uniformly) nested JSON array
// of numbers into a shape descriptor and a row-major value slice.
func parseNested(raw json.RawMessage) ([]int, []float64, error) {
	var probe interface{}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch v := probe.(type) {
	case float64:
		return []int{}, []float64{v}, nil
	case []interface{}:
		if len(v) == 0 {
			return []int{0}, []float64{}, nil
		}
		var elems []json.RawMessage
		if err := json.Unmarshal(raw, &elems); err != nil {
			return nil, nil, err
		}

		var childShape []int
		var values []float64
		for i, e := range elems {
			shape, vals, err := parseNested(e)
			if err != nil {
				return nil, nil, err
			}
			if i == 0 {
				childShape = shape
			} else if !equalInts(childShape, shape) {
				return nil, nil, fmt.Errorf("ragged array: element %d has shape %v, expected %v", i, shape, childShape)
			}
			values = append(values, vals...)
		}
		return append([]int{len(elems)}, childShape...), values, nil
	default:
		return nil, nil, fmt.Errorf("unsupported JSON value %T in numeric array", v)
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// MarshalNested renders the payload back to the wire's nested-array
// format, one top-level JSON array entry per layer.
func (p *Payload) MarshalNested() (json.RawMessage, error) {
	layers := make([]json.RawMessage, len(p.Layers))
	for i, layer := range p.Layers {
		nested, err := nestValues(layer.Shape, layer.Values)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(nested)
		if err != nil {
			return nil, err
		}
		layers[i] = raw
	}
	return json.Marshal(layers)
}

// nestValues rebuilds a nested []interface{} structure of the given shape
// from a flat, row-major value slice.
func nestValues(shape []int, values []float64) (interface{}, error) {
	if len(shape) == 0 {
		if len(values) != 1 {
			return nil, fmt.Errorf("model: expected scalar, got %d values", len(values))
		}
		return values[0], nil
	}

	n := shape[0]
	rest := shape[1:]
	childSize := 1
	for _, d := range rest {
		childSize *= d
	}
	if childSize == 0 {
		childSize = 1
	}

	out := make([]interface{}, n)
	for i := 0; i < n; i++ {
		start := i * childSize
		end := start + childSize
		if end > len(values) {
			return nil, fmt.Errorf("model: shape %v does not fit %d values", shape, len(values))
		}
		child, err := nestValues(rest, values[start:end])
		if err != nil {
			return nil, err
		}
		out[i] = child
	}
	return out, nil
}
