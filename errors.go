package cpsim

// errors.go defines the error surface of the simulator. Validation problems
// are reported on the API call that causes them; control-plane noise during
// simulation (a malformed update, an event for a torn-down session) is
// logged and ignored, the way a real router discards such messages.

import (
	"errors"
	"fmt"
)

var (
	// ErrNoConvergence is returned by Simulate when the step budget is
	// exhausted before the event queue drains.
	ErrNoConvergence = errors.New("network cannot converge within the step budget")

	// ErrNotConverged is returned when a consistent snapshot is requested
	// while events are still pending.
	ErrNotConverged = errors.New("event queue is not drained")

	// ErrMaxPathsExceeded reports that path enumeration was truncated.
	ErrMaxPathsExceeded = errors.New("number of forwarding paths exceeds the configured bound")
)

// NotFoundError reports a lookup of a router, link, or session that does
// not exist.
type NotFoundError struct {
	Kind string // "router", "link", "session"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.Name)
}

// InvalidTopologyError reports a structural problem with the network:
// a link to a nonexistent router, a duplicated link or router name, or a
// non-backbone area with no border router into the backbone. Configuring
// a session that already exists is not an error; the new type replaces the
// old one.
type InvalidTopologyError struct {
	Reason string
}

func (e *InvalidTopologyError) Error() string {
	return fmt.Sprintf("invalid topology: %s", e.Reason)
}

// InvalidConfigurationError reports a malformed configuration value, such
// as a negative or NaN link weight or a route-map clause that cannot be
// evaluated.
type InvalidConfigurationError struct {
	Reason string
}

func (e *InvalidConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", e.Reason)
}

// ForwardingLoopError reports that path tracing revisited a router. Path
// holds the hops leading into the loop, Loop the cycle itself (first
// repeated router first, without repetition).
type ForwardingLoopError struct {
	Path []Rid
	Loop []Rid
}

func (e *ForwardingLoopError) Error() string {
	return fmt.Sprintf("forwarding loop: path %v, loop %v", e.Path, e.Loop)
}

// BlackHoleError reports that path tracing reached a router with no usable
// route. Path holds the hops up to and including that router.
type BlackHoleError struct {
	Path []Rid
}

func (e *BlackHoleError) Error() string {
	return fmt.Sprintf("black hole: path %v", e.Path)
}

// ReportErrs condenses a list of accumulated errors into one, skipping the
// nil entries.
func ReportErrs(errs []error) error {
	errMsg := []error{}
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err)
		}
	}
	if len(errMsg) == 0 {
		return nil
	}
	return errors.Join(errMsg...)
}
