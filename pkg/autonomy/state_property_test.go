//go:build property
// +build property

package autonomy

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: any sequence of requested transitions only ever moves along legal
// edges, and the history replays to the current state.
func TestStateModelTransitionSequences(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("history only contains legal edges", prop.ForAll(
		func(targets []int) bool {
			m := NewStateModel(ForwardExecution)
			for _, idx := range targets {
				from := m.CurrentState()
				to := States[idx]
				_, err := m.Transition(context.Background(), to, "prop", "actor", "")
				if (err == nil) != CanTransition(from, to) {
					return false
				}
			}
			state := ForwardExecution
			for _, tr := range m.History() {
				if tr.From != state || !CanTransition(tr.From, tr.To) {
					return false
				}
				state = tr.To
			}
			return state == m.CurrentState()
		},
		gen.SliceOf(gen.IntRange(0, len(States)-1)),
	))

	properties.TestingRun(t)
}
