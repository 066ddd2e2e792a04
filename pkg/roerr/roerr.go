/*
Copyright 2018 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package roerr defines the localized error kinds used throughout the plan
// kernel. Every value returned here wraps a failure point (a task, an event
// generator, or a plan-global marker) so that the error propagation layer
// (Plan.Raise in package plan) can route it back to the Dependency graph.
package roerr

import "fmt"

// FailurePoint identifies what a localized error is attached to. Generators
// and tasks implement this by returning a stable, loggable identity.
type FailurePoint interface {
	// FailurePointID is a short, stable string identifying the failure
	// point for logs and the event log's digest fields.
	FailurePointID() string
}

// Kind enumerates the localized error kinds the plan kernel produces.
type Kind string

const (
	KindCommandFailed    Kind = "CommandFailed"
	KindHandlerFailed    Kind = "HandlerFailed"
	KindEmissionFailed   Kind = "EmissionFailed"
	KindNotControllable  Kind = "NotControllable"
	KindNotExecutable    Kind = "NotExecutable"
	KindUnreachable      Kind = "Unreachable"
	KindPreconditionFail Kind = "PreconditionFailed"
	KindChildFailed      Kind = "ChildFailed"
	KindTimedOut         Kind = "TimedOut"
	KindCycleDetected    Kind = "CycleDetected"
	KindFinalization     Kind = "Finalization"
	KindForbidsRemoval   Kind = "ForbidsRemoval"
	KindFinalized        Kind = "Finalized"
	KindFatal            Kind = "Fatal"
	KindFinished         Kind = "Finished"
	KindNotRunning       Kind = "NotRunning"
)

// LocalizedError is a localized error: an exception carrying a failure
// point.
type LocalizedError struct {
	Kind  Kind
	Point FailurePoint
	// Cause is the original error, if any (e.g. a panic recovered from a
	// user command or handler).
	Cause error
	// Msg is a human readable description, used when Cause is nil.
	Msg string
}

func (e *LocalizedError) Error() string {
	point := "<plan>"
	if e.Point != nil {
		point = e.Point.FailurePointID()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s at %s: %v", e.Kind, point, e.Cause)
	}
	return fmt.Sprintf("%s at %s: %s", e.Kind, point, e.Msg)
}

func (e *LocalizedError) Unwrap() error { return e.Cause }

// Is makes errors.Is(err, target) match when target is a *LocalizedError
// with a non-empty Kind equal to e's, whatever their Point, Msg or Cause.
func (e *LocalizedError) Is(target error) bool {
	other, ok := target.(*LocalizedError)
	if !ok {
		return false
	}
	if other.Kind == "" {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs a localized error of the given kind.
func New(kind Kind, point FailurePoint, msg string) *LocalizedError {
	return &LocalizedError{Kind: kind, Point: point, Msg: msg}
}

// Wrap constructs a localized error of the given kind around cause.
func Wrap(kind Kind, point FailurePoint, cause error) *LocalizedError {
	return &LocalizedError{Kind: kind, Point: point, Cause: cause}
}

// KindOf reports the Kind of err if err itself is a *LocalizedError. It does
// not unwrap: for a *LocalizedError inside another error, use errors.As.
func KindOf(err error) (Kind, bool) {
	le, ok := err.(*LocalizedError)
	if !ok {
		return "", false
	}
	return le.Kind, true
}
