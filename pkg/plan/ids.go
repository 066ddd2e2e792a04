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

package plan

import (
	"fmt"
	"sync/atomic"

	"github.com/robycore/roby/pkg/relation"
)

// ID identifies a task or event generator within a plan's arena. IDs are
// never reused within a plan's lifetime, even after the object they name
// has been finalized; a handle held by external code that outlives
// finalization simply finds nothing (or a finalized stub) when it resolves
// the ID and fails open to a Finalized error.
type ID = relation.ID

// idSource mints monotonically increasing IDs for one plan's arena.
type idSource struct{ next uint64 }

func (s *idSource) alloc() ID {
	return ID(atomic.AddUint64(&s.next, 1))
}

// idString renders an ID the way log lines and digests want it.
func idString(id ID) string { return fmt.Sprintf("#%d", uint64(id)) }
