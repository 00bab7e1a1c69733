package persistence

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/config"
	"github.com/BaSui01/execflow/internal/database"
	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/types"
)

// =============================================================================
// 🧪 后端构造
// =============================================================================

type storeFactory func(t *testing.T) Store

func newMemoryTestStore(t *testing.T) Store {
	return NewMemoryStore()
}

func newGormTestStore(t *testing.T) Store {
	pool, err := database.Open(config.DatabaseConfig{
		Driver: "sqlite",
		Name:   filepath.Join(t.TempDir(), "records.db"),
	}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, AutoMigrate(pool.DB()))
	store := NewGormStore(pool, 3, zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store
}

func newRedisTestStore(t *testing.T) Store {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "test:", zap.NewNop())
	t.Cleanup(func() { store.Close() })
	return store
}

func backends() map[string]storeFactory {
	return map[string]storeFactory{
		"memory":   newMemoryTestStore,
		"database": newGormTestStore,
		"redis":    newRedisTestStore,
	}
}

// =============================================================================
// 🧪 夹具
// =============================================================================

type seed struct {
	execTypeID  int64
	modelTypeID int64
	statsTypeID int64
	run         *metadata.Context
	pipeline    *metadata.Context
}

func seedStore(t *testing.T, ctx context.Context, s Store) seed {
	t.Helper()

	execTypeID, err := s.PutExecutionType(ctx, &metadata.ExecutionType{
		Name:       "Trainer",
		Properties: map[string]metadata.ValueKind{"epochs": metadata.ValueKindInt},
	})
	require.NoError(t, err)
	modelTypeID, err := s.PutArtifactType(ctx, &metadata.ArtifactType{Name: "Model"})
	require.NoError(t, err)
	statsTypeID, err := s.PutArtifactType(ctx, &metadata.ArtifactType{Name: "Statistics"})
	require.NoError(t, err)

	run := &metadata.Context{Type: "pipeline_run", Name: "run-1"}
	run.ID, err = s.PutContext(ctx, run)
	require.NoError(t, err)
	pipeline := &metadata.Context{Type: "pipeline", Name: "taxi"}
	pipeline.ID, err = s.PutContext(ctx, pipeline)
	require.NoError(t, err)

	return seed{
		execTypeID:  execTypeID,
		modelTypeID: modelTypeID,
		statsTypeID: statsTypeID,
		run:         run,
		pipeline:    pipeline,
	}
}

func newExecution(sd seed) *metadata.Execution {
	return &metadata.Execution{
		TypeID:         sd.execTypeID,
		Name:           "trainer-1",
		LastKnownState: metadata.ExecutionStateRunning,
		Properties:     metadata.Properties{"epochs": metadata.IntValue(3)},
	}
}

// =============================================================================
// 🧪 契约测试
// =============================================================================

func TestStoreContract(t *testing.T) {
	for name, factory := range backends() {
		factory := factory
		t.Run(name, func(t *testing.T) {
			t.Run("Ping", func(t *testing.T) {
				assert.NoError(t, factory(t).Ping(context.Background()))
			})
			t.Run("RegistrationIsIdempotent", func(t *testing.T) {
				testRegistrationIsIdempotent(t, factory(t))
			})
			t.Run("PutExecutionCreates", func(t *testing.T) {
				testPutExecutionCreates(t, factory(t))
			})
			t.Run("PutExecutionUpdates", func(t *testing.T) {
				testPutExecutionUpdates(t, factory(t))
			})
			t.Run("EventsAreDeduplicated", func(t *testing.T) {
				testEventsAreDeduplicated(t, factory(t))
			})
			t.Run("EventsInCreationOrder", func(t *testing.T) {
				testEventsInCreationOrder(t, factory(t))
			})
			t.Run("ExpectedStateConflict", func(t *testing.T) {
				testExpectedStateConflict(t, factory(t))
			})
			t.Run("ReferencesMustExist", func(t *testing.T) {
				testReferencesMustExist(t, factory(t))
			})
			t.Run("ArtifactTypeIsImmutable", func(t *testing.T) {
				testArtifactTypeIsImmutable(t, factory(t))
			})
			t.Run("InvalidRequest", func(t *testing.T) {
				testInvalidRequest(t, factory(t))
			})
			t.Run("Closed", func(t *testing.T) {
				testClosed(t, factory(t))
			})
		})
	}
}

func testRegistrationIsIdempotent(t *testing.T, s Store) {
	ctx := context.Background()

	a, err := s.PutExecutionType(ctx, &metadata.ExecutionType{Name: "Trainer"})
	require.NoError(t, err)
	b, err := s.PutExecutionType(ctx, &metadata.ExecutionType{Name: "Trainer"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotZero(t, a)

	x, err := s.PutArtifactType(ctx, &metadata.ArtifactType{Name: "Model"})
	require.NoError(t, err)
	y, err := s.PutArtifactType(ctx, &metadata.ArtifactType{Name: "Examples"})
	require.NoError(t, err)
	assert.NotEqual(t, x, y)

	c1, err := s.PutContext(ctx, &metadata.Context{Type: "pipeline_run", Name: "r1"})
	require.NoError(t, err)
	c2, err := s.PutContext(ctx, &metadata.Context{Type: "pipeline_run", Name: "r1"})
	require.NoError(t, err)
	c3, err := s.PutContext(ctx, &metadata.Context{Type: "pipeline", Name: "r1"})
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.NotEqual(t, c1, c3)

	_, err = s.PutExecutionType(ctx, &metadata.ExecutionType{})
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest))
}

func testPutExecutionCreates(t *testing.T, s Store) {
	ctx := context.Background()
	sd := seedStore(t, ctx, s)

	res, err := s.PutExecution(ctx, PutExecutionRequest{
		Execution: newExecution(sd),
		Contexts:  []*metadata.Context{sd.run, sd.pipeline},
		InputArtifacts: metadata.ArtifactMap{
			"examples": {{TypeID: sd.statsTypeID, URI: "/in/0", State: metadata.ArtifactStateLive}},
		},
		OutputArtifacts: metadata.ArtifactMap{
			"model": {
				{TypeID: sd.modelTypeID, URI: "/out/0", State: metadata.ArtifactStatePending},
				{TypeID: sd.modelTypeID, URI: "/out/1", State: metadata.ArtifactStatePending},
			},
		},
	})
	require.NoError(t, err)

	exec := res.Execution
	require.NotZero(t, exec.ID)
	assert.Equal(t, "Trainer", exec.Type)
	assert.False(t, exec.CreateTime.IsZero())

	input := res.InputArtifacts["examples"][0]
	outputs := res.OutputArtifacts["model"]
	require.Len(t, outputs, 2)
	assert.NotZero(t, input.ID)
	assert.NotEqual(t, outputs[0].ID, outputs[1].ID)
	assert.Equal(t, "Model", outputs[0].Type)
	assert.Equal(t, "Statistics", input.Type)

	got, err := s.GetExecutionsByID(ctx, []int64{exec.ID, 9999})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, metadata.ExecutionStateRunning, got[0].LastKnownState)
	assert.Equal(t, "Trainer", got[0].Type)
	assert.Equal(t, "trainer-1", got[0].Name)
	assert.Equal(t, int64(3), got[0].Properties["epochs"].Int)

	arts, err := s.GetArtifactsByID(ctx, []int64{outputs[1].ID, outputs[0].ID})
	require.NoError(t, err)
	require.Len(t, arts, 2)
	assert.Equal(t, "/out/1", arts[0].URI)
	assert.Equal(t, metadata.ArtifactStatePending, arts[0].State)
	assert.Equal(t, "Model", arts[0].Type)

	events, err := s.GetEventsByExecutionIDs(ctx, []int64{exec.ID})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, metadata.EventTypeInput, events[0].Type)
	assert.Equal(t, input.ID, events[0].ArtifactID)
	assert.Equal(t, metadata.EventPath{Key: "examples", Index: 0}, events[0].Path)
	assert.Equal(t, metadata.EventTypeOutput, events[1].Type)
	assert.Equal(t, metadata.EventPath{Key: "model", Index: 0}, events[1].Path)
	assert.Equal(t, metadata.EventPath{Key: "model", Index: 1}, events[2].Path)
	assert.Equal(t, outputs[1].ID, events[2].ArtifactID)

	contexts, err := s.GetContextsByExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{sd.run.ID, sd.pipeline.ID}, contextIDs(contexts))

	// 只有输入产物归属到 Context
	attributed, err := s.GetContextsByArtifact(ctx, input.ID)
	require.NoError(t, err)
	assert.Len(t, attributed, 2)
	attributed, err = s.GetContextsByArtifact(ctx, outputs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, attributed)
}

func testPutExecutionUpdates(t *testing.T, s Store) {
	ctx := context.Background()
	sd := seedStore(t, ctx, s)

	created, err := s.PutExecution(ctx, PutExecutionRequest{
		Execution: newExecution(sd),
		Contexts:  []*metadata.Context{sd.run},
		OutputArtifacts: metadata.ArtifactMap{
			"model": {{TypeID: sd.modelTypeID, URI: "/out/0", State: metadata.ArtifactStatePending}},
		},
	})
	require.NoError(t, err)

	exec := created.Execution
	exec.LastKnownState = metadata.ExecutionStateComplete
	exec.CustomProperties = metadata.Properties{"note": metadata.StringValue("done")}
	model := created.OutputArtifacts["model"][0]
	model.State = metadata.ArtifactStateLive
	model.URI = "/out/final"

	updated, err := s.PutExecution(ctx, PutExecutionRequest{
		Execution:       exec,
		Contexts:        []*metadata.Context{sd.run},
		OutputArtifacts: metadata.ArtifactMap{"model": {model}},
		ExpectedState:   metadata.ExecutionStateRunning,
	})
	require.NoError(t, err)
	assert.Equal(t, exec.ID, updated.Execution.ID)
	assert.True(t, created.Execution.CreateTime.Equal(updated.Execution.CreateTime))
	assert.Equal(t, model.ID, updated.OutputArtifacts["model"][0].ID)

	got, err := s.GetExecutionsByID(ctx, []int64{exec.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, metadata.ExecutionStateComplete, got[0].LastKnownState)
	assert.Equal(t, "done", got[0].CustomProperties["note"].String)

	arts, err := s.GetArtifactsByID(ctx, []int64{model.ID})
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, metadata.ArtifactStateLive, arts[0].State)
	assert.Equal(t, "/out/final", arts[0].URI)
	assert.True(t, created.OutputArtifacts["model"][0].CreateTime.Equal(arts[0].CreateTime))
}

func testEventsAreDeduplicated(t *testing.T, s Store) {
	ctx := context.Background()
	sd := seedStore(t, ctx, s)

	created, err := s.PutExecution(ctx, PutExecutionRequest{
		Execution: newExecution(sd),
		Contexts:  []*metadata.Context{sd.run},
		OutputArtifacts: metadata.ArtifactMap{
			"model": {{TypeID: sd.modelTypeID, URI: "/out/0"}},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = s.PutExecution(ctx, PutExecutionRequest{
			Execution:       created.Execution,
			Contexts:        []*metadata.Context{sd.run},
			OutputArtifacts: created.OutputArtifacts,
		})
		require.NoError(t, err)
	}

	// 相同产物换一种输出事件类型是另一条事件
	_, err = s.PutExecution(ctx, PutExecutionRequest{
		Execution:       created.Execution,
		Contexts:        []*metadata.Context{sd.run},
		OutputArtifacts: created.OutputArtifacts,
		OutputEventType: metadata.EventTypeInternalOutput,
	})
	require.NoError(t, err)

	events, err := s.GetEventsByExecutionIDs(ctx, []int64{created.Execution.ID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, metadata.EventTypeOutput, events[0].Type)
	assert.Equal(t, metadata.EventTypeInternalOutput, events[1].Type)
	assert.Less(t, events[0].ID, events[1].ID)

	contexts, err := s.GetContextsByExecution(ctx, created.Execution.ID)
	require.NoError(t, err)
	assert.Len(t, contexts, 1)
}

// 事件按写入顺序返回，而不是按通道名或事件类型排序
func testEventsInCreationOrder(t *testing.T, s Store) {
	ctx := context.Background()
	sd := seedStore(t, ctx, s)

	created, err := s.PutExecution(ctx, PutExecutionRequest{
		Execution: newExecution(sd),
		Contexts:  []*metadata.Context{sd.run},
		OutputArtifacts: metadata.ArtifactMap{
			"zeta": {{TypeID: sd.modelTypeID, URI: "/out/zeta"}},
		},
	})
	require.NoError(t, err)

	_, err = s.PutExecution(ctx, PutExecutionRequest{
		Execution: created.Execution,
		Contexts:  []*metadata.Context{sd.run},
		OutputArtifacts: metadata.ArtifactMap{
			"alpha": {{TypeID: sd.modelTypeID, URI: "/out/alpha"}},
		},
	})
	require.NoError(t, err)

	events, err := s.GetEventsByExecutionIDs(ctx, []int64{created.Execution.ID})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "zeta", events[0].Path.Key)
	assert.Equal(t, "alpha", events[1].Path.Key)
	assert.NotZero(t, events[0].ID)
	assert.Less(t, events[0].ID, events[1].ID)
}

func testExpectedStateConflict(t *testing.T, s Store) {
	ctx := context.Background()
	sd := seedStore(t, ctx, s)

	created, err := s.PutExecution(ctx, PutExecutionRequest{
		Execution: newExecution(sd),
		Contexts:  []*metadata.Context{sd.run},
	})
	require.NoError(t, err)

	exec := created.Execution
	exec.LastKnownState = metadata.ExecutionStateFailed
	_, err = s.PutExecution(ctx, PutExecutionRequest{
		Execution:     exec,
		Contexts:      []*metadata.Context{sd.run},
		ExpectedState: metadata.ExecutionStateNew,
		OutputArtifacts: metadata.ArtifactMap{
			"model": {{TypeID: sd.modelTypeID, URI: "/out/0"}},
		},
	})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConcurrentModification), err.Error())

	got, err := s.GetExecutionsByID(ctx, []int64{exec.ID})
	require.NoError(t, err)
	assert.Equal(t, metadata.ExecutionStateRunning, got[0].LastKnownState)

	events, err := s.GetEventsByExecutionIDs(ctx, []int64{exec.ID})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testReferencesMustExist(t *testing.T, s Store) {
	ctx := context.Background()
	sd := seedStore(t, ctx, s)

	tests := []struct {
		name   string
		mutate func(req *PutExecutionRequest)
	}{
		{"execution type", func(req *PutExecutionRequest) { req.Execution.TypeID = 9999 }},
		{"execution", func(req *PutExecutionRequest) { req.Execution.ID = 9999 }},
		{"context", func(req *PutExecutionRequest) {
			req.Contexts = append(req.Contexts, &metadata.Context{ID: 9999, Name: "ghost"})
		}},
		{"artifact type", func(req *PutExecutionRequest) {
			req.OutputArtifacts["model"][0].TypeID = 9999
		}},
		{"artifact", func(req *PutExecutionRequest) {
			req.OutputArtifacts["model"] = append(req.OutputArtifacts["model"],
				&metadata.Artifact{ID: 9999, TypeID: sd.modelTypeID})
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := PutExecutionRequest{
				Execution: newExecution(sd),
				Contexts:  []*metadata.Context{sd.run},
				OutputArtifacts: metadata.ArtifactMap{
					"model": {{TypeID: sd.modelTypeID, URI: "/out/0"}},
				},
			}
			tt.mutate(&req)

			_, err := s.PutExecution(ctx, req)
			require.Error(t, err)
			assert.True(t, IsNotFound(err), err.Error())
		})
	}

	// 失败的写入不留痕迹
	got, err := s.GetExecutionsByID(ctx, []int64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Empty(t, got)
	arts, err := s.GetArtifactsByID(ctx, []int64{1, 2, 3, 4, 5})
	require.NoError(t, err)
	assert.Empty(t, arts)
}

func testArtifactTypeIsImmutable(t *testing.T, s Store) {
	ctx := context.Background()
	sd := seedStore(t, ctx, s)

	created, err := s.PutExecution(ctx, PutExecutionRequest{
		Execution: newExecution(sd),
		Contexts:  []*metadata.Context{sd.run},
		OutputArtifacts: metadata.ArtifactMap{
			"model": {{TypeID: sd.modelTypeID, URI: "/out/0"}},
		},
	})
	require.NoError(t, err)

	model := created.OutputArtifacts["model"][0]
	model.TypeID = sd.statsTypeID
	_, err = s.PutExecution(ctx, PutExecutionRequest{
		Execution:       created.Execution,
		Contexts:        []*metadata.Context{sd.run},
		OutputArtifacts: metadata.ArtifactMap{"model": {model}},
	})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConstraintViolation), err.Error())

	arts, err := s.GetArtifactsByID(ctx, []int64{model.ID})
	require.NoError(t, err)
	assert.Equal(t, sd.modelTypeID, arts[0].TypeID)
}

func testInvalidRequest(t *testing.T, s Store) {
	ctx := context.Background()
	sd := seedStore(t, ctx, s)

	tests := []struct {
		name string
		req  PutExecutionRequest
	}{
		{"nil execution", PutExecutionRequest{}},
		{"no type", PutExecutionRequest{Execution: &metadata.Execution{LastKnownState: metadata.ExecutionStateNew}}},
		{"bad state", PutExecutionRequest{Execution: &metadata.Execution{TypeID: sd.execTypeID, LastKnownState: "DONE"}}},
		{"expected state on create", PutExecutionRequest{
			Execution:     newExecution(sd),
			ExpectedState: metadata.ExecutionStateNew,
		}},
		{"input event type as output", PutExecutionRequest{
			Execution:       newExecution(sd),
			OutputEventType: metadata.EventTypeInput,
		}},
		{"unregistered context", PutExecutionRequest{
			Execution: newExecution(sd),
			Contexts:  []*metadata.Context{{Name: "fresh"}},
		}},
		{"untyped artifact", PutExecutionRequest{
			Execution:       newExecution(sd),
			OutputArtifacts: metadata.ArtifactMap{"model": {{URI: "/x"}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.PutExecution(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, types.IsErrorCode(err, types.ErrInvalidRequest), err.Error())
		})
	}
}

func testClosed(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ping(ctx), ErrStoreClosed)
	_, err := s.GetExecutionsByID(ctx, []int64{1})
	assert.True(t, types.IsErrorCode(err, types.ErrStoreClosed))
	_, err = s.PutExecution(ctx, PutExecutionRequest{
		Execution: &metadata.Execution{TypeID: 1, LastKnownState: metadata.ExecutionStateNew},
	})
	assert.True(t, types.IsErrorCode(err, types.ErrStoreClosed))
}

func contextIDs(contexts []*metadata.Context) []int64 {
	ids := make([]int64, len(contexts))
	for i, c := range contexts {
		ids[i] = c.ID
	}
	return ids
}

// =============================================================================
// 🧪 工厂
// =============================================================================

func TestNewStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store.Type = "memory"
	s, err := NewStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	mr := miniredis.RunT(t)
	cfg.Store.Type = "redis"
	cfg.Redis.Addr = mr.Addr()
	s, err = NewStore(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, s)
	require.NoError(t, s.Close())

	cfg.Store.Type = "database"
	cfg.Database.Driver = "sqlite"
	cfg.Database.Name = filepath.Join(t.TempDir(), "factory.db")
	s, err = NewStore(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &GormStore{}, s)
	require.NoError(t, s.Close())

	cfg.Store.Type = "file"
	_, err = NewStore(cfg, nil)
	assert.Error(t, err)

	_, err = NewStore(nil, nil)
	assert.Error(t, err)
}

func TestRedisOptions(t *testing.T) {
	cfg := config.DefaultRedisConfig()
	cfg.Addr = "redis.internal:6380"

	opts := redisOptions(cfg)
	assert.Equal(t, "redis.internal:6380", opts.Addr)
	assert.Nil(t, opts.TLSConfig)

	cfg.TLS = true
	opts = redisOptions(cfg)
	require.NotNil(t, opts.TLSConfig)
	assert.Equal(t, "redis.internal", opts.TLSConfig.ServerName)
}
