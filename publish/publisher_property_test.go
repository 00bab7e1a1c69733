package publish

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/persistence"
	"github.com/BaSui01/execflow/testutil/fixtures"
	"github.com/BaSui01/execflow/types"
)

var allStates = []metadata.ExecutionState{
	metadata.ExecutionStateNew,
	metadata.ExecutionStateRunning,
	metadata.ExecutionStateComplete,
	metadata.ExecutionStateFailed,
	metadata.ExecutionStateCached,
	metadata.ExecutionStateCanceled,
}

type publishOp struct {
	name   string
	target metadata.ExecutionState
	run    func(ctx context.Context, p *Publisher, env *fixtures.Env, id int64) error
}

var publishOps = []publishOp{
	{OpPublishSucceeded, metadata.ExecutionStateComplete, func(ctx context.Context, p *Publisher, env *fixtures.Env, id int64) error {
		_, err := p.PublishSucceededExecution(ctx, id, env.Contexts(), nil, nil)
		return err
	}},
	{OpPublishCached, metadata.ExecutionStateCached, func(ctx context.Context, p *Publisher, env *fixtures.Env, id int64) error {
		return p.PublishCachedExecution(ctx, id, env.Contexts(), nil)
	}},
	{OpPublishFailed, metadata.ExecutionStateFailed, func(ctx context.Context, p *Publisher, env *fixtures.Env, id int64) error {
		return p.PublishFailedExecution(ctx, id, env.Contexts())
	}},
	{OpPublishInternal, metadata.ExecutionStateComplete, func(ctx context.Context, p *Publisher, env *fixtures.Env, id int64) error {
		return p.PublishInternalExecution(ctx, id, env.Contexts(), nil)
	}},
}

// Property: a terminal publish succeeds exactly when the publisher is
// permissive, the stored state is NEW or RUNNING, or the stored state
// already is the target. A rejected publish leaves the stored state alone.
func TestProperty_PublishStateRules(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("publish respects the transition rules", prop.ForAll(
		func(stateIdx, opIdx int, strict bool) bool {
			ctx := context.Background()
			from := allStates[stateIdx]
			op := publishOps[opIdx]

			store := persistence.NewMemoryStore()
			env := fixtures.NewEnv(t, ctx, store)
			publisher := NewPublisher(store, WithStrictTransitions(strict))

			exec, err := publisher.RegisterExecution(ctx, env.TrainerType, env.Contexts(), nil, nil)
			if err != nil {
				t.Logf("register failed: %v", err)
				return false
			}
			exec.LastKnownState = from
			if _, err := store.PutExecution(ctx, persistence.PutExecutionRequest{Execution: exec}); err != nil {
				t.Logf("force state failed: %v", err)
				return false
			}

			err = op.run(ctx, publisher, env, exec.ID)

			allowed := !strict || from == metadata.ExecutionStateNew ||
				from == metadata.ExecutionStateRunning || from == op.target
			stored, getErr := store.GetExecutionsByID(ctx, []int64{exec.ID})
			if getErr != nil || len(stored) != 1 {
				t.Logf("reload failed: %v", getErr)
				return false
			}

			if allowed {
				if err != nil {
					t.Logf("%s from %s: unexpected error %v", op.name, from, err)
					return false
				}
				return stored[0].LastKnownState == op.target
			}
			if !types.IsErrorCode(err, types.ErrInvalidTransition) {
				t.Logf("%s from %s: expected INVALID_TRANSITION, got %v", op.name, from, err)
				return false
			}
			return stored[0].LastKnownState == from
		},
		gen.IntRange(0, len(allStates)-1),
		gen.IntRange(0, len(publishOps)-1),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
