package saga

// State is the lifecycle state of a saga instance.
type State int16

const (
	StateRunning      State = 0
	StateCompensating State = 1
	StateCompleted    State = 2
	StateFailed       State = 3
	StateCompensated  State = 4
)

// Terminal reports whether s is Completed, Compensated or Failed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateFailed
}

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateCompensating:
		return "compensating"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCompensated:
		return "compensated"
	default:
		return "unknown"
	}
}

// StepStatus is the lifecycle state of one step of an instance.
type StepStatus int16

const (
	StepPending             StepStatus = 0
	StepExecuted            StepStatus = 1
	StepCompensationPending StepStatus = 2
	StepCompensated         StepStatus = 3
	StepSkipped             StepStatus = 4
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepExecuted:
		return "executed"
	case StepCompensationPending:
		return "compensation_pending"
	case StepCompensated:
		return "compensated"
	case StepSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}
