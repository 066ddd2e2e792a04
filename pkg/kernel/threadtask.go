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

package kernel

import "golang.org/x/sync/errgroup"

// ThreadPool runs ThreadTask work off the kernel's single propagation
// thread, bounding how many run concurrently. Genuine concurrency across
// worker goroutines is allowed here -- unlike propagation itself, which is
// cooperatively single-threaded -- because ThreadTask bodies never touch
// the plan: their result goes through Engine.PostExternal's locked queue,
// and the kernel turns it into a Call on its own goroutine at the next
// cycle's gather phase.
type ThreadPool struct {
	g *errgroup.Group
}

// NewThreadPool returns a pool that runs at most capacity tasks
// concurrently.
func NewThreadPool(capacity int) *ThreadPool {
	g := &errgroup.Group{}
	g.SetLimit(capacity)
	return &ThreadPool{g: g}
}

// Go runs fn on the pool, blocking the caller if the pool is already at
// capacity until a slot frees up.
func (tp *ThreadPool) Go(fn func()) {
	tp.g.Go(func() error {
		fn()
		return nil
	})
}

// Wait blocks until every task submitted so far has returned, so a caller
// can avoid leaking goroutines that would otherwise call back into a
// stopped engine. Engine.Shutdown does not call it.
func (tp *ThreadPool) Wait() { _ = tp.g.Wait() }
