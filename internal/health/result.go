// Package health contains the provider health probe, the time-bucketed
// single-flight cache fronting it, and the background monitor that keeps the
// cached verdict warm.
package health

// Status is the tri-state health verdict.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Result is one health verdict. Never mutated after creation; cached entries
// are shared between callers.
type Result struct {
	Status      Status
	Description string
	Err         error
}

// Healthy builds a passing verdict.
func Healthy(description string) Result {
	return Result{Status: StatusHealthy, Description: description}
}

// Degraded builds a verdict for transient, likely network-level trouble.
func Degraded(description string, err error) Result {
	return Result{Status: StatusDegraded, Description: description, Err: err}
}

// Unhealthy builds a failing verdict.
func Unhealthy(description string, err error) Result {
	return Result{Status: StatusUnhealthy, Description: description, Err: err}
}
