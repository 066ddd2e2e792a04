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

package kernel_test

import (
	"sync/atomic"
	"testing"

	"github.com/robycore/roby/pkg/kernel"
)

func TestThreadPoolRunsConcurrentlyUpToLimit(t *testing.T) {
	tp := kernel.NewThreadPool(2)
	var running, maxSeen int32
	done := make(chan struct{}, 4)

	observe := func() {
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxSeen)
			if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
				break
			}
		}
		atomic.AddInt32(&running, -1)
		done <- struct{}{}
	}
	for i := 0; i < 4; i++ {
		tp.Go(observe)
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	tp.Wait()
	if atomic.LoadInt32(&maxSeen) > 2 {
		t.Fatalf("observed %d concurrent tasks, want at most 2 (pool capacity)", maxSeen)
	}
}

func TestThreadPoolWaitBlocksUntilDone(t *testing.T) {
	tp := kernel.NewThreadPool(1)
	var ran int32
	tp.Go(func() { atomic.StoreInt32(&ran, 1) })
	tp.Wait()
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("Wait should block until the submitted task has run")
	}
}
