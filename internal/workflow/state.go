// Package workflow holds the workflow aggregate: its lifecycle state
// machine, per-stage result slots and the final report.
package workflow

import (
	"errors"
	"fmt"
	"time"

	"github.com/nidhogg/synergy/internal/pipeline"
)

// Trigger is an event that drives a lifecycle transition.
type Trigger string

const (
	TriggerAdmit    Trigger = "admit"
	TriggerComplete Trigger = "complete"
	TriggerFail     Trigger = "fail"
	TriggerCancel   Trigger = "cancel"
)

var (
	ErrInvalidTransition = errors.New("invalid workflow transition")
	ErrNotFound          = errors.New("workflow not found")
	ErrDuplicateResult   = errors.New("duplicate agent result")
	ErrSealed            = errors.New("workflow is sealed")
)

// transitions is the complete lifecycle table. Anything not listed is rejected.
var transitions = map[pipeline.Status]map[Trigger]pipeline.Status{
	pipeline.StatusPending: {
		TriggerAdmit:  pipeline.StatusRunning,
		TriggerCancel: pipeline.StatusCancelled,
	},
	pipeline.StatusRunning: {
		TriggerComplete: pipeline.StatusCompleted,
		TriggerFail:     pipeline.StatusFailed,
		TriggerCancel:   pipeline.StatusCancelled,
	},
}

// Next returns the state reached from `from` on t.
func Next(from pipeline.Status, t Trigger) (pipeline.Status, error) {
	to, ok := transitions[from][t]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, from, t)
	}
	return to, nil
}

// Transition records one lifecycle edge taken.
type Transition struct {
	From    pipeline.Status `json:"from"`
	To      pipeline.Status `json:"to"`
	Trigger Trigger         `json:"trigger"`
	At      time.Time       `json:"at"`
}
