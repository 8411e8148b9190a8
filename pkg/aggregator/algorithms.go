// Package aggregator computes a round's next model version from its
// buffered weight-delta submissions. FedAvg is the default: an
// unweighted element-wise mean of deltas added to the round's input
// version. FedOpt and FedProx are optional, selectable algorithms that
// trade the exact round-trip invariant for adaptive or proximal
// server-side optimization.
package aggregator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/openfl/coordinator/pkg/model"
)

// ClientUpdate is one client's buffered delta, ready for aggregation.
type ClientUpdate struct {
	ClientID    string
	Delta       *model.Payload
	SubmittedAt time.Time
	FinalLoss   *float64
}

// AggregationAlgorithm is the pluggable strategy for turning a round's
// updates plus its base model into the next version.
type AggregationAlgorithm interface {
	Initialize(config AlgorithmConfig) error
	Aggregate(updates []ClientUpdate, base *model.Payload) (*model.Payload, error)
	GetName() string
	GetHyperparameters() map[string]interface{}
	UpdateHyperparameters(params map[string]interface{}) error
}

// AlgorithmConfig configures an AggregationAlgorithm at construction.
type AlgorithmConfig struct {
	Hyperparameters map[string]interface{}
}

// AlgorithmType names a supported aggregation algorithm.
type AlgorithmType string

const (
	FedAvg  AlgorithmType = "fedavg"
	FedOpt  AlgorithmType = "fedopt"
	FedProx AlgorithmType = "fedprox"
)

// CreateAggregationAlgorithm constructs the named algorithm.
func CreateAggregationAlgorithm(algType AlgorithmType) (AggregationAlgorithm, error) {
	switch algType {
	case FedAvg, "":
		return &FedAvgAlgorithm{}, nil
	case FedOpt:
		return &FedOptAlgorithm{}, nil
	case FedProx:
		return &FedProxAlgorithm{}, nil
	default:
		return nil, fmt.Errorf("aggregator: unsupported aggregation algorithm %q", algType)
	}
}

// sortedDeltas returns updates' deltas ordered ascending by client id,
// the determinism rule for the default algorithm.
func sortedDeltas(updates []ClientUpdate) []*model.Payload {
	ordered := append([]ClientUpdate(nil), updates...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ClientID < ordered[j].ClientID })

	deltas := make([]*model.Payload, len(ordered))
	for i, u := range ordered {
		deltas[i] = u.Delta
	}
	return deltas
}

// =============================================================================
// FedAvg (vanilla federated averaging, the default/core path)
// =============================================================================

// FedAvgAlgorithm computes an unweighted element-wise mean of deltas
// and adds it to the base model: new = base + mean(deltas).
type FedAvgAlgorithm struct {
	name string
}

func (f *FedAvgAlgorithm) Initialize(config AlgorithmConfig) error {
	f.name = "FedAvg"
	return nil
}

func (f *FedAvgAlgorithm) GetName() string { return f.name }

func (f *FedAvgAlgorithm) GetHyperparameters() map[string]interface{} {
	return map[string]interface{}{
		"algorithm":   "fedavg",
		"description": "Unweighted element-wise mean of deltas",
	}
}

func (f *FedAvgAlgorithm) UpdateHyperparameters(params map[string]interface{}) error {
	return nil
}

func (f *FedAvgAlgorithm) Aggregate(updates []ClientUpdate, base *model.Payload) (*model.Payload, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("aggregator: no updates to aggregate")
	}

	avg, err := model.AverageDeltas(sortedDeltas(updates))
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}
	newModel, err := base.Add(avg)
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}
	return newModel, nil
}

// =============================================================================
// FedOpt (adaptive server optimization, Adam-like)
// Reference: "Adaptive Federated Optimization" (Reddi et al., 2020)
// =============================================================================

// FedOptAlgorithm treats the unweighted mean delta as a pseudo-gradient
// and applies a server-side Adam update on top of it before adding the
// result to the base model. Momentum/velocity state persists across
// rounds and is lazily shaped to match the first delta it sees.
type FedOptAlgorithm struct {
	name     string
	serverLR float64
	beta1    float64
	beta2    float64
	epsilon  float64
	round    int
	momentum []model.Layer
	velocity []model.Layer
}

func (f *FedOptAlgorithm) Initialize(config AlgorithmConfig) error {
	f.name = "FedOpt"
	f.serverLR = 1.0
	f.beta1 = 0.9
	f.beta2 = 0.999
	f.epsilon = 1e-7
	f.round = 0

	if params := config.Hyperparameters; params != nil {
		if lr, ok := params["server_learning_rate"].(float64); ok {
			f.serverLR = lr
		}
		if beta1, ok := params["beta1"].(float64); ok {
			f.beta1 = beta1
		}
		if beta2, ok := params["beta2"].(float64); ok {
			f.beta2 = beta2
		}
		if eps, ok := params["epsilon"].(float64); ok {
			f.epsilon = eps
		}
	}
	return nil
}

func (f *FedOptAlgorithm) GetName() string { return f.name }

func (f *FedOptAlgorithm) GetHyperparameters() map[string]interface{} {
	return map[string]interface{}{
		"algorithm":            "fedopt",
		"server_learning_rate": f.serverLR,
		"beta1":                f.beta1,
		"beta2":                f.beta2,
		"epsilon":              f.epsilon,
		"description":          "Adaptive server optimization (Adam-like) over the mean pseudo-gradient",
	}
}

func (f *FedOptAlgorithm) UpdateHyperparameters(params map[string]interface{}) error {
	if lr, ok := params["server_learning_rate"].(float64); ok {
		f.serverLR = lr
	}
	if beta1, ok := params["beta1"].(float64); ok {
		f.beta1 = beta1
	}
	if beta2, ok := params["beta2"].(float64); ok {
		f.beta2 = beta2
	}
	if eps, ok := params["epsilon"].(float64); ok {
		f.epsilon = eps
	}
	return nil
}

func (f *FedOptAlgorithm) ensureState(shape []model.Layer) {
	if f.momentum != nil {
		return
	}
	f.momentum = zeroLike(shape)
	f.velocity = zeroLike(shape)
}

func zeroLike(layers []model.Layer) []model.Layer {
	out := make([]model.Layer, len(layers))
	for i, l := range layers {
		out[i] = model.Layer{Shape: append([]int(nil), l.Shape...), Values: make([]float64, len(l.Values))}
	}
	return out
}

func (f *FedOptAlgorithm) Aggregate(updates []ClientUpdate, base *model.Payload) (*model.Payload, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("aggregator: no updates to aggregate")
	}

	pseudoGradient, err := model.AverageDeltas(sortedDeltas(updates))
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}

	f.ensureState(pseudoGradient.Layers)
	f.round++

	adapted := &model.Payload{Layers: make([]model.Layer, len(pseudoGradient.Layers))}
	beta1Correction := 1 - math.Pow(f.beta1, float64(f.round))
	beta2Correction := 1 - math.Pow(f.beta2, float64(f.round))

	for i, layer := range pseudoGradient.Layers {
		values := make([]float64, len(layer.Values))
		for j, g := range layer.Values {
			f.momentum[i].Values[j] = f.beta1*f.momentum[i].Values[j] + (1-f.beta1)*g
			f.velocity[i].Values[j] = f.beta2*f.velocity[i].Values[j] + (1-f.beta2)*g*g

			mHat := f.momentum[i].Values[j] / beta1Correction
			vHat := f.velocity[i].Values[j] / beta2Correction
			values[j] = f.serverLR * mHat / (math.Sqrt(vHat) + f.epsilon)
		}
		adapted.Layers[i] = model.Layer{Shape: append([]int(nil), layer.Shape...), Values: values}
	}

	newModel, err := base.Add(adapted)
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}
	return newModel, nil
}

// =============================================================================
// FedProx (proximal federated optimization)
// Reference: "Federated Optimization in Heterogeneous Networks" (Li et al., 2020)
// =============================================================================

// FedProxAlgorithm shrinks the unweighted mean delta toward zero by a
// factor controlled by mu before adding it to the base model, the
// delta-space analog of FedProx's proximal anchoring to the global
// model.
type FedProxAlgorithm struct {
	name string
	mu   float64
}

func (f *FedProxAlgorithm) Initialize(config AlgorithmConfig) error {
	f.name = "FedProx"
	f.mu = 0.01

	if params := config.Hyperparameters; params != nil {
		if mu, ok := params["mu"].(float64); ok {
			f.mu = mu
		}
	}
	return nil
}

func (f *FedProxAlgorithm) GetName() string { return f.name }

func (f *FedProxAlgorithm) GetHyperparameters() map[string]interface{} {
	return map[string]interface{}{
		"algorithm":   "fedprox",
		"mu":          f.mu,
		"description": "Proximal shrinkage of the mean delta toward zero",
	}
}

func (f *FedProxAlgorithm) UpdateHyperparameters(params map[string]interface{}) error {
	if mu, ok := params["mu"].(float64); ok {
		f.mu = mu
	}
	return nil
}

func (f *FedProxAlgorithm) Aggregate(updates []ClientUpdate, base *model.Payload) (*model.Payload, error) {
	if len(updates) == 0 {
		return nil, fmt.Errorf("aggregator: no updates to aggregate")
	}

	avg, err := model.AverageDeltas(sortedDeltas(updates))
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}

	alpha := f.mu / (1 + f.mu)
	shrunk := &model.Payload{Layers: make([]model.Layer, len(avg.Layers))}
	for i, layer := range avg.Layers {
		values := make([]float64, len(layer.Values))
		for j, v := range layer.Values {
			values[j] = (1 - alpha) * v
		}
		shrunk.Layers[i] = model.Layer{Shape: append([]int(nil), layer.Shape...), Values: values}
	}

	newModel, err := base.Add(shrunk)
	if err != nil {
		return nil, fmt.Errorf("aggregator: %w", err)
	}
	return newModel, nil
}
