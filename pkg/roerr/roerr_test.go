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

package roerr

import (
	"errors"
	"fmt"
	"testing"
)

type fakePoint string

func (f fakePoint) FailurePointID() string { return string(f) }

func TestIsMatchesByKindOnly(t *testing.T) {
	a := New(KindTimedOut, fakePoint("gen#1"), "deadline exceeded")
	b := New(KindTimedOut, fakePoint("gen#2"), "a different deadline")
	if !errors.Is(a, b) {
		t.Fatal("errors matching on Kind should report Is() == true regardless of Point/Msg")
	}

	c := New(KindChildFailed, fakePoint("gen#1"), "")
	if errors.Is(a, c) {
		t.Fatal("errors of different Kind should not match")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(KindCommandFailed, fakePoint("task#1"), cause)
	if !errors.Is(err, cause) {
		t.Fatal("Wrap should preserve the cause for errors.Is")
	}
	if errors.Unwrap(err) != cause {
		t.Fatal("Unwrap should return the original cause")
	}
}

func TestKindOf(t *testing.T) {
	err := New(KindUnreachable, fakePoint("ev#3"), "no path")
	kind, ok := KindOf(err)
	if !ok || kind != KindUnreachable {
		t.Fatalf("KindOf = %v, %v, want KindUnreachable, true", kind, ok)
	}
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("KindOf on a plain error should report ok=false")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	withCause := Wrap(KindHandlerFailed, fakePoint("task#7"), errors.New("panic: x"))
	if got, want := withCause.Error(), "HandlerFailed at task#7: panic: x"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	withMsg := New(KindNotRunning, nil, "start requires pending")
	if got, want := withMsg.Error(), "NotRunning at <plan>: start requires pending"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}

func TestWrapsIntoFmtErrorf(t *testing.T) {
	base := New(KindFinalized, fakePoint("ev#9"), "already finalized")
	wrapped := fmt.Errorf("calling generator: %w", base)
	if kind, ok := KindOf(wrapped); ok {
		t.Fatalf("KindOf on an fmt.Errorf-wrapped error = %v, %v; KindOf only unwraps *LocalizedError directly", kind, ok)
	}
	var target *LocalizedError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find the LocalizedError inside the fmt.Errorf wrapper")
	}
	if target.Kind != KindFinalized {
		t.Fatalf("unwrapped Kind = %v, want KindFinalized", target.Kind)
	}
}
