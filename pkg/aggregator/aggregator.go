package aggregator

import (
	"fmt"

	"github.com/openfl/coordinator/pkg/model"
	"github.com/openfl/coordinator/pkg/roundmanager"
)

// Runner drives one round's aggregation: validate shapes, run the
// configured algorithm, and hand back the next model version. It holds
// no round-manager state itself; callers are responsible for the
// copy-out-under-lock / compute-outside-lock discipline.
type Runner struct {
	algorithm AggregationAlgorithm
}

// NewRunner wraps algorithm for use against round submissions.
func NewRunner(algorithm AggregationAlgorithm) *Runner {
	return &Runner{algorithm: algorithm}
}

// Run aggregates submissions (already copied out from the Round
// Manager) against base, the round's input model version. A shape
// mismatch anywhere in the batch is a fatal error for the round.
func (r *Runner) Run(base *model.Payload, submissions map[string]*roundmanager.Submission) (*model.Payload, error) {
	if len(submissions) == 0 {
		return nil, fmt.Errorf("aggregator: no submissions to aggregate")
	}

	updates := make([]ClientUpdate, 0, len(submissions))
	for clientID, sub := range submissions {
		if !base.SameShape(sub.Payload) {
			return nil, fmt.Errorf("aggregator: client %s delta shape does not match base model", clientID)
		}
		updates = append(updates, ClientUpdate{
			ClientID:    clientID,
			Delta:       sub.Payload,
			SubmittedAt: sub.SubmittedAt,
			FinalLoss:   sub.FinalLoss,
		})
	}

	newModel, err := r.algorithm.Aggregate(updates, base)
	if err != nil {
		return nil, err
	}
	return newModel, nil
}
