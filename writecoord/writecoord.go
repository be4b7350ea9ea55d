// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package writecoord implements the Write Coordinator: it fans a single
// federated mutation out to both tiers concurrently and aggregates their
// per-stage (written, committed) acknowledgements into one caller-visible
// Handle.
//
// Ad-hoc promise chains with try/finally side effects become explicit
// post-condition hooks passed to Run, which waits for both sides to return
// before invoking them, so they run on every completion path — success,
// partial failure, or full failure alike — per the source's design note.
package writecoord

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Stage is one of the two progress points a tier's write passes through.
type Stage int

const (
	StageWritten Stage = iota
	StageCommitted
)

func (s Stage) String() string {
	if s == StageCommitted {
		return "committed"
	}

	return "written"
}

// Tier names which side a write went to, for logging.
type Tier int

const (
	TierLocal Tier = iota
	TierCloud
)

func (t Tier) String() string {
	if t == TierCloud {
		return "cloud"
	}

	return "local"
}

// SideWriter performs one tier's half of a federated write. It must
// invoke report for StageWritten as soon as that tier considers the
// mutation durable, and again for StageCommitted once it is visible to
// readers on that tier. Returning before both stages have been reported is
// a programmer error in the SideWriter implementation: the coordinator
// treats a returned error as resolving whichever stage has not yet been
// reported.
type SideWriter func(ctx context.Context, report func(Stage, error)) error

// Handle is the caller-visible completion handle for one federated write.
// Written resolves once both tiers have resolved Stage=written; Committed
// resolves once both have resolved Stage=committed. Per invariant #5 (and
// per §4.7 step 5), a tier failure at either stage rejects the
// corresponding Handle signal; the other tier is still allowed to run to
// completion, and its outcome is only logged.
type Handle struct {
	Written   <-chan error
	Committed <-chan error
}

// Run performs a batched write: it starts local and cloud concurrently,
// each as a per-side coordinator with its own written/committed signals,
// and resolves the returned Handle's Written once both tiers' written
// stage has resolved, and Committed once both tiers' committed stage has
// resolved. onPostCondition, if non-nil, is invoked exactly once, after
// both sides have returned and Committed has resolved, on every path
// (success or failure), so index/bookkeeping updates that must run
// regardless of outcome (e.g. the Comparison Index update after a facade
// write) can rely on it firing.
func Run(ctx context.Context, local, cloud SideWriter, onPostCondition func()) Handle {
	written := make(chan error, 1)
	committed := make(chan error, 1)

	// Plain errgroup, no WithContext: a failure on one side must not
	// cancel the other (§4.7 step 5 — the other side runs to
	// completion), so this is used purely as a wait-group: both
	// goroutines return nil, and runSide logs a side's error itself.
	var g errgroup.Group
	tracker := newTracker(2, written, committed)

	g.Go(func() error {
		runSide(ctx, TierLocal, local, tracker)

		return nil
	})
	g.Go(func() error {
		runSide(ctx, TierCloud, cloud, tracker)

		return nil
	})

	if onPostCondition != nil {
		go func() {
			_ = g.Wait()
			onPostCondition()
		}()
	}

	return Handle{Written: written, Committed: committed}
}

func runSide(ctx context.Context, tier Tier, write SideWriter, tracker *tracker) {
	reported := [2]bool{}
	report := func(stage Stage, err error) {
		reported[stage] = true
		tracker.resolve(stage, err)
	}

	err := write(ctx, report)
	if err != nil {
		slog.Error("writecoord: side write failed", "tier", tier, "error", err)
	}

	// A SideWriter that returns without reporting a stage leaves that
	// stage unresolved on its behalf: resolve it now with err (nil on a
	// clean return with nothing left to report, which is itself a
	// caller bug but should not hang the coordinator).
	for _, stage := range []Stage{StageWritten, StageCommitted} {
		if !reported[stage] {
			tracker.resolve(stage, err)
		}
	}
}

// tracker counts how many of the expected sides have resolved each stage
// and forwards the first error (if any) for that stage once all sides
// have reported.
type tracker struct {
	mu        sync.Mutex
	expected  int
	pending   map[Stage]int
	firstErr  map[Stage]error
	written   chan error
	committed chan error
}

func newTracker(expected int, written, committed chan error) *tracker {
	return &tracker{
		expected:  expected,
		pending:   map[Stage]int{StageWritten: expected, StageCommitted: expected},
		firstErr:  map[Stage]error{},
		written:   written,
		committed: committed,
	}
}

func (t *tracker) resolve(stage Stage, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err != nil && t.firstErr[stage] == nil {
		t.firstErr[stage] = err
	}
	t.pending[stage]--
	if t.pending[stage] != 0 {
		return
	}

	switch stage {
	case StageWritten:
		t.written <- t.firstErr[stage]
	case StageCommitted:
		t.committed <- t.firstErr[stage]
	}
}
