// Package lens defines the shared lens model: the definition shape and
// payload decoder, the per-invocation job, and the outcome and error types
// threaded between the executor and the orchestrator.
package lens

import "fmt"

// Definition is a JSON-decoded lens resource (FHIR Library shaped): name,
// optional version, and an encoded payload carrying the transformation
// source. Immutable once loaded; one definition may serve many documents.
type Definition = map[string]interface{}

// Job is one lens-per-document execution request. Built by the orchestrator
// and discarded after the invocation settles.
type Job struct {
	// Lens is the resolved identifier, used for log tagging.
	Lens string

	// Source is the decoded transformation source text.
	Source string

	// Document and PatientContext are the orchestrator's instances; the
	// executor deep-copies both before they enter the isolate.
	Document       map[string]interface{}
	PatientContext map[string]interface{}

	// Markup is the current flattened narrative the lens transforms.
	Markup string
}

// State is the lifecycle state of one isolated execution. Every invocation
// moves Created -> Running -> one terminal state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateSucceeded
	StateFailed
	StateTimedOut
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s >= StateSucceeded
}

// Outcome is the settled result of one isolated execution. Exactly one is
// produced per invocation.
type Outcome struct {
	State State

	// Markup and Explanation are set on success only. Explanation may be
	// empty; it is always optional.
	Markup      string
	Explanation string

	// Message describes the failure for every non-succeeded state.
	Message string
}

// OK reports whether the invocation succeeded.
func (o Outcome) OK() bool {
	return o.State == StateSucceeded
}

// FocusingError is the atomic unit of per-lens failure reporting surfaced to
// the caller. One list per lens, in lens input order; an empty list means
// the lens succeeded.
type FocusingError struct {
	Message string `json:"message"`
	Lens    string `json:"lensName"`
}

func (e FocusingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Lens, e.Message)
}
