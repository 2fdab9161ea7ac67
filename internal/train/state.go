package train

type State string

const (
	StateInitialized     State = "initialized"
	StateTraining        State = "training"
	StateConverged       State = "converged"
	StateBudgetExhausted State = "budget_exhausted"
	StateDiverged        State = "diverged"
	StateStopped         State = "stopped"
	StateFinalized       State = "finalized"
)

// Terminal reports whether s ends the training phase.
func (s State) Terminal() bool {
	switch s {
	case StateConverged, StateBudgetExhausted, StateDiverged, StateStopped:
		return true
	default:
		return false
	}
}

type Command int

const (
	CommandStop Command = iota + 1
)
