// Package fixtures 提供测试数据工厂
package fixtures

import (
	"context"
	"testing"

	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/persistence"
)

// Type and context names registered by NewEnv.
const (
	TrainerType    = "Trainer"
	ModelType      = "Model"
	ExamplesType   = "Examples"
	StatisticsType = "Statistics"

	PipelineContextType = "pipeline_run"
	NodeContextType     = "node"
)

// =============================================================================
// 🎯 测试环境
// =============================================================================

// Env 是已注册好类型与上下文的存储
type Env struct {
	Store persistence.Store

	TrainerType *metadata.ExecutionType

	ModelTypeID      int64
	ExamplesTypeID   int64
	StatisticsTypeID int64

	PipelineRun *metadata.Context
	Node        *metadata.Context
}

// NewEnv 在 store 中注册 Trainer 执行类型、三种产物类型和两个上下文
func NewEnv(t testing.TB, ctx context.Context, store persistence.Store) *Env {
	t.Helper()

	env := &Env{
		Store: store,
		TrainerType: &metadata.ExecutionType{
			Name: TrainerType,
			Properties: map[string]metadata.ValueKind{
				"train_steps": metadata.ValueKindInt,
				"module_file": metadata.ValueKindString,
			},
		},
	}

	id, err := store.PutExecutionType(ctx, env.TrainerType)
	if err != nil {
		t.Fatalf("register execution type: %v", err)
	}
	env.TrainerType.ID = id

	env.ModelTypeID = mustArtifactType(t, ctx, store, ModelType)
	env.ExamplesTypeID = mustArtifactType(t, ctx, store, ExamplesType)
	env.StatisticsTypeID = mustArtifactType(t, ctx, store, StatisticsType)

	env.PipelineRun = mustContext(t, ctx, store, PipelineContextType, "run-20240101")
	env.Node = mustContext(t, ctx, store, NodeContextType, "run-20240101.Trainer")
	return env
}

// Contexts 返回 PipelineRun 与 Node
func (e *Env) Contexts() []*metadata.Context {
	return []*metadata.Context{e.PipelineRun, e.Node}
}

// Model 构造一个未持久化的 Model 产物
func (e *Env) Model(uri string) *metadata.Artifact {
	return NewArtifact(e.ModelTypeID, uri)
}

// Examples 构造一个未持久化的 Examples 产物
func (e *Env) Examples(uri string) *metadata.Artifact {
	return NewArtifact(e.ExamplesTypeID, uri)
}

// Statistics 构造一个未持久化的 Statistics 产物
func (e *Env) Statistics(uri string) *metadata.Artifact {
	return NewArtifact(e.StatisticsTypeID, uri)
}

// Execution 读取一条执行记录，不存在时让测试失败
func (e *Env) Execution(t testing.TB, ctx context.Context, id int64) *metadata.Execution {
	t.Helper()

	execs, err := e.Store.GetExecutionsByID(ctx, []int64{id})
	if err != nil {
		t.Fatalf("get execution %d: %v", id, err)
	}
	if len(execs) != 1 {
		t.Fatalf("get execution %d: found %d records", id, len(execs))
	}
	return execs[0]
}

// Artifact 读取一条产物记录，不存在时让测试失败
func (e *Env) Artifact(t testing.TB, ctx context.Context, id int64) *metadata.Artifact {
	t.Helper()

	arts, err := e.Store.GetArtifactsByID(ctx, []int64{id})
	if err != nil {
		t.Fatalf("get artifact %d: %v", id, err)
	}
	if len(arts) != 1 {
		t.Fatalf("get artifact %d: found %d records", id, len(arts))
	}
	return arts[0]
}

// Events 读取执行的全部事件，按类型与路径排序
func (e *Env) Events(t testing.TB, ctx context.Context, executionID int64) []*metadata.Event {
	t.Helper()

	events, err := e.Store.GetEventsByExecutionIDs(ctx, []int64{executionID})
	if err != nil {
		t.Fatalf("get events of %d: %v", executionID, err)
	}
	metadata.SortEvents(events)
	return events
}

// =============================================================================
// 🔧 构造函数
// =============================================================================

// NewArtifact 构造一个 PENDING 状态的产物
func NewArtifact(typeID int64, uri string) *metadata.Artifact {
	return &metadata.Artifact{
		TypeID: typeID,
		URI:    uri,
		State:  metadata.ArtifactStatePending,
	}
}

// Channel 构造只有一个通道的 ArtifactMap
func Channel(key string, artifacts ...*metadata.Artifact) metadata.ArtifactMap {
	return metadata.ArtifactMap{key: artifacts}
}

// Report 构造执行器输出
func Report(channels map[string][]*metadata.Artifact) *metadata.ExecutorOutput {
	out := &metadata.ExecutorOutput{OutputArtifacts: make(map[string]metadata.ArtifactList, len(channels))}
	for key, list := range channels {
		out.OutputArtifacts[key] = metadata.ArtifactList{Artifacts: list}
	}
	return out
}

func mustArtifactType(t testing.TB, ctx context.Context, store persistence.Store, name string) int64 {
	t.Helper()

	id, err := store.PutArtifactType(ctx, &metadata.ArtifactType{Name: name})
	if err != nil {
		t.Fatalf("register artifact type %s: %v", name, err)
	}
	return id
}

func mustContext(t testing.TB, ctx context.Context, store persistence.Store, typ, name string) *metadata.Context {
	t.Helper()

	c := &metadata.Context{Type: typ, Name: name}
	id, err := store.PutContext(ctx, c)
	if err != nil {
		t.Fatalf("register context %s/%s: %v", typ, name, err)
	}
	c.ID = id
	return c
}
