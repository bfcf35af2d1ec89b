package tm

// Status is the state of the run orchestrator.
type Status int

const (
	StatusIdle Status = iota
	StatusScanning
	StatusBackingUp
	StatusVerifying
	StatusCompleted
	StatusFailed
	StatusCancelled
)

var statusNames = map[Status]string{
	StatusIdle:      "idle",
	StatusScanning:  "scanning",
	StatusBackingUp: "backing_up",
	StatusVerifying: "verifying",
	StatusCompleted: "completed",
	StatusFailed:    "failed",
	StatusCancelled: "cancelled",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Active reports whether a worker is running in this state.
func (s Status) Active() bool {
	return s == StatusScanning || s == StatusBackingUp || s == StatusVerifying
}

// Terminal reports whether the run has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}
