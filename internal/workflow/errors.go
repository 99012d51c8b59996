package workflow

import "errors"

// Sentinel error taxonomy (spec §7), matched with errors.Is at call
// sites. Grounded on the per-package `var (... = errors.New(...))` block
// convention the teacher uses throughout internal/workflows/runtime.
var (
	ErrMissingField             = errors.New("workflow: missing required field")
	ErrUnsupportedAPIVersion    = errors.New("workflow: unsupported apiVersion")
	ErrInvalidKind              = errors.New("workflow: invalid state kind")
	ErrUnknownStateReference    = errors.New("workflow: transition targets an unknown state")
	ErrNoInitialState           = errors.New("workflow: initial_state not found among states")
	ErrCycleWithoutExit         = errors.New("workflow: no terminal state reachable from initial_state")
	ErrMissingKey               = errors.New("workflow: missing key in strict-mode template hydration")
	ErrTemplateError            = errors.New("workflow: template hydration failed")
	ErrRuntimeError             = errors.New("workflow: runtime spawn or execution failed")
	ErrProtocolError            = errors.New("workflow: agent envelope parse failed")
	ErrTimeout                  = errors.New("workflow: state or iteration timed out")
	ErrRecursionLimitExceeded   = errors.New("workflow: recursion limit exceeded")
	ErrInvalidHierarchyPath     = errors.New("workflow: execution hierarchy path length mismatch")
	ErrNoMatchingTransition     = errors.New("workflow: no transition matched and state has outgoing rules")
	ErrHumanInputTimeout        = errors.New("workflow: human input timed out")
	ErrQuotaExceeded            = errors.New("workflow: volume quota exceeded")
	ErrCancelled                = errors.New("workflow: execution cancelled")
)
