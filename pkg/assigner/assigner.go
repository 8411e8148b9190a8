// Package assigner maps a registered client to its current training
// task: a round id and the model version it should train against.
package assigner

import (
	"fmt"

	"github.com/openfl/coordinator/pkg/roundmanager"
)

// Task is what get_task hands back to a client.
type Task struct {
	RoundID      int
	ModelVersion string
}

// Assigner delegates round selection to the Round Manager; the model
// version advertised for a round is fixed at assignment time to that
// round's own InputVersion, so repeated calls are naturally idempotent.
type Assigner struct {
	rounds *roundmanager.Manager
}

// New creates an Assigner backed by rounds.
func New(rounds *roundmanager.Manager) *Assigner {
	return &Assigner{rounds: rounds}
}

// AssignTask returns client_id's current task, registering a new
// assignment on the current round if none exists yet. It is idempotent:
// repeated calls before submission (or round closure) return the same
// task. isNew reports whether this call created the assignment, so
// callers can avoid crediting ledgers on a repeat poll.
func (a *Assigner) AssignTask(clientID string) (task Task, isNew bool, err error) {
	roundID, modelVersion, isNew, err := a.rounds.Assign(clientID)
	if err != nil {
		return Task{}, false, fmt.Errorf("assigner: %w", err)
	}
	return Task{RoundID: roundID, ModelVersion: modelVersion}, isNew, nil
}
