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

package writecoord

import (
	"context"
	"errors"
	"testing"
	"time"
)

func cleanSide(writtenDelay, committedDelay time.Duration) SideWriter {
	return func(ctx context.Context, report func(Stage, error)) error {
		time.Sleep(writtenDelay)
		report(StageWritten, nil)
		time.Sleep(committedDelay)
		report(StageCommitted, nil)

		return nil
	}
}

func waitFor(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")

		return nil
	}
}

func TestBothSidesMustResolveWrittenBeforeUserWritten(t *testing.T) {
	local := cleanSide(30*time.Millisecond, 0)
	cloud := cleanSide(0, 0)

	handle := Run(context.Background(), local, cloud, nil)

	start := time.Now()
	if err := waitFor(t, handle.Written); err != nil {
		t.Fatalf("Written resolved with error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("Written resolved after %v, want to wait for the slower side (>=20ms)", elapsed)
	}
}

func TestCommittedResolvesAfterWritten(t *testing.T) {
	local := cleanSide(0, 0)
	cloud := cleanSide(0, 0)

	handle := Run(context.Background(), local, cloud, nil)

	if err := waitFor(t, handle.Written); err != nil {
		t.Fatalf("Written error = %v", err)
	}
	if err := waitFor(t, handle.Committed); err != nil {
		t.Fatalf("Committed error = %v", err)
	}
}

func TestOneSideFailureRejectsUserSignalButOtherCompletes(t *testing.T) {
	boom := errors.New("cloud unavailable")
	localRanToCompletion := make(chan struct{})

	local := func(ctx context.Context, report func(Stage, error)) error {
		report(StageWritten, nil)
		report(StageCommitted, nil)
		close(localRanToCompletion)

		return nil
	}
	cloud := func(ctx context.Context, report func(Stage, error)) error {
		report(StageWritten, boom)
		report(StageCommitted, boom)

		return boom
	}

	handle := Run(context.Background(), local, cloud, nil)

	if err := waitFor(t, handle.Written); !errors.Is(err, boom) {
		t.Errorf("Written error = %v, want %v", err, boom)
	}
	if err := waitFor(t, handle.Committed); !errors.Is(err, boom) {
		t.Errorf("Committed error = %v, want %v", err, boom)
	}
	select {
	case <-localRanToCompletion:
	case <-time.After(time.Second):
		t.Errorf("local side did not run to completion")
	}
}

func TestPostConditionFiresOnEveryPath(t *testing.T) {
	fired := make(chan struct{}, 1)
	local := cleanSide(0, 0)
	cloud := func(ctx context.Context, report func(Stage, error)) error {
		report(StageWritten, errors.New("boom"))
		report(StageCommitted, errors.New("boom"))

		return errors.New("boom")
	}

	Run(context.Background(), local, cloud, func() { fired <- struct{}{} })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("post-condition never fired")
	}
}
