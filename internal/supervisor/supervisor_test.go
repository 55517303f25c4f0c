// Copyright 2025 Galad Dirie
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

package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/galaddirie/flowline/internal/store"
	"github.com/galaddirie/flowline/pkg/draft"
	"github.com/galaddirie/flowline/pkg/errors"
)

func addStepOp(opID, stepID string) draft.Operation {
	return draft.Operation{
		ID: opID, WorkflowID: "wf-1", Type: draft.OpAddStep, UserID: "u1",
		Payload: draft.MustPayload(draft.AddStepPayload{
			Step: draft.Step{ID: stepID, TypeID: "debug"},
		}),
	}
}

func TestSessionStartIfAbsent(t *testing.T) {
	sup := New(Config{Store: store.NewMemory()})
	defer sup.Shutdown(context.Background())
	ctx := context.Background()

	a, err := sup.Session(ctx, "wf-1")
	require.NoError(t, err)
	b, err := sup.Session(ctx, "wf-1")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := sup.Session(ctx, "wf-2")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.ElementsMatch(t, []string{"wf-1", "wf-2"}, sup.Active())
}

func TestIdleSessionRestartsWithRecoveredState(t *testing.T) {
	st := store.NewMemory()
	sup := New(Config{
		Store:         st,
		FlushInterval: 10 * time.Millisecond,
		IdleTimeout:   20 * time.Millisecond,
	})
	defer sup.Shutdown(context.Background())
	ctx := context.Background()

	first, err := sup.Session(ctx, "wf-1")
	require.NoError(t, err)
	_, err = first.SubmitOperation(ctx, addStepOp("op-1", "a"))
	require.NoError(t, err)

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not idle out")
	}

	// The next request starts a replacement that picks up the flushed state.
	second, err := sup.Session(ctx, "wf-1")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	snap, err := second.State(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Draft.Steps, 1)
	assert.Equal(t, uint64(1), snap.Seq)
}

func TestPresenceScopedToLiveSession(t *testing.T) {
	sup := New(Config{Store: store.NewMemory()})
	defer sup.Shutdown(context.Background())

	assert.Nil(t, sup.Presence("wf-1"))

	_, err := sup.Session(context.Background(), "wf-1")
	require.NoError(t, err)
	require.NotNil(t, sup.Presence("wf-1"))
}

func TestShutdownStopsSessionsAndRefusesNew(t *testing.T) {
	st := store.NewMemory()
	sup := New(Config{Store: st})
	ctx := context.Background()

	sess, err := sup.Session(ctx, "wf-1")
	require.NoError(t, err)
	_, err = sess.SubmitOperation(ctx, addStepOp("op-1", "a"))
	require.NoError(t, err)

	require.NoError(t, sup.Shutdown(ctx))
	<-sess.Done()

	// The final flush ran before exit.
	d, err := st.LoadDraft(ctx, "wf-1")
	require.NoError(t, err)
	assert.Len(t, d.Steps, 1)

	_, err = sup.Session(ctx, "wf-1")
	var conflict *errors.ConflictError
	require.ErrorAs(t, err, &conflict)
}
