package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/types"
)

// Common errors
var (
	ErrNotFound     = types.NewError(types.ErrNotFound, "not found")
	ErrStoreClosed  = types.NewError(types.ErrStoreClosed, "store is closed")
	ErrInvalidInput = types.NewError(types.ErrInvalidRequest, "invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory   StoreType = "memory"
	StoreTypeDatabase StoreType = "database"
	StoreTypeRedis    StoreType = "redis"
)

// Store is the record store the publisher reads executions from and writes
// execution state, artifacts, events and context links to.
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// PutExecutionType registers an execution type, returning the existing id
	// when a type with the same name is already registered.
	PutExecutionType(ctx context.Context, t *metadata.ExecutionType) (int64, error)

	// PutArtifactType registers an artifact type, idempotent by name.
	PutArtifactType(ctx context.Context, t *metadata.ArtifactType) (int64, error)

	// PutContext registers a context, idempotent by (type, name).
	PutContext(ctx context.Context, c *metadata.Context) (int64, error)

	// GetExecutionsByID returns the executions found; unknown ids are skipped.
	GetExecutionsByID(ctx context.Context, ids []int64) ([]*metadata.Execution, error)

	// GetArtifactsByID returns the artifacts found; unknown ids are skipped.
	GetArtifactsByID(ctx context.Context, ids []int64) ([]*metadata.Artifact, error)

	// GetEventsByExecutionIDs returns every event of the given executions.
	GetEventsByExecutionIDs(ctx context.Context, ids []int64) ([]*metadata.Event, error)

	// GetContextsByExecution returns the contexts an execution is associated with.
	GetContextsByExecution(ctx context.Context, executionID int64) ([]*metadata.Context, error)

	// GetContextsByArtifact returns the contexts an artifact is attributed to.
	GetContextsByArtifact(ctx context.Context, artifactID int64) ([]*metadata.Context, error)

	// PutExecution writes the execution, its artifacts, events, associations
	// and attributions as one durable unit.
	PutExecution(ctx context.Context, req PutExecutionRequest) (*PutExecutionResult, error)
}

// PutExecutionRequest describes one atomic execution write.
type PutExecutionRequest struct {
	// Execution to create (ID == 0) or update.
	Execution *metadata.Execution

	// Contexts the execution (and its inputs) are linked to. They must
	// already exist in the store.
	Contexts []*metadata.Context

	// InputArtifacts are linked with INPUT events and attributed to Contexts.
	InputArtifacts metadata.ArtifactMap

	// OutputArtifacts are linked with OutputEventType events.
	OutputArtifacts metadata.ArtifactMap

	// OutputEventType defaults to OUTPUT.
	OutputEventType metadata.EventType

	// ExpectedState, when set, must equal the stored state at write time.
	ExpectedState metadata.ExecutionState
}

// PutExecutionResult carries copies of what was written, with ids assigned.
type PutExecutionResult struct {
	Execution       *metadata.Execution
	InputArtifacts  metadata.ArtifactMap
	OutputArtifacts metadata.ArtifactMap
}

// normalize validates the request and returns a private deep copy of it, so
// backends can assign ids and timestamps without touching caller data.
func (r PutExecutionRequest) normalize() (PutExecutionRequest, error) {
	if r.Execution == nil {
		return r, types.NewError(types.ErrInvalidRequest, "execution is required").WithCause(ErrInvalidInput)
	}
	if r.Execution.TypeID == 0 {
		return r, types.NewError(types.ErrInvalidRequest, "execution type id is required")
	}
	if !r.Execution.LastKnownState.IsValid() {
		return r, types.Errorf(types.ErrInvalidRequest, "invalid execution state %q", r.Execution.LastKnownState)
	}
	if r.ExpectedState != "" && r.Execution.ID == 0 {
		return r, types.NewError(types.ErrInvalidRequest, "expected state requires an existing execution")
	}
	if r.OutputEventType == "" {
		r.OutputEventType = metadata.EventTypeOutput
	}
	if !r.OutputEventType.IsOutput() {
		return r, types.Errorf(types.ErrInvalidRequest, "invalid output event type %q", r.OutputEventType)
	}

	out := PutExecutionRequest{
		Execution:       r.Execution.Clone(),
		Contexts:        make([]*metadata.Context, 0, len(r.Contexts)),
		InputArtifacts:  r.InputArtifacts.Clone(),
		OutputArtifacts: r.OutputArtifacts.Clone(),
		OutputEventType: r.OutputEventType,
		ExpectedState:   r.ExpectedState,
	}
	for _, c := range r.Contexts {
		if c == nil || c.ID == 0 {
			return r, types.NewError(types.ErrInvalidRequest, "contexts must be registered before use")
		}
		out.Contexts = append(out.Contexts, c.Clone())
	}

	var bad error
	check := func(key string, _ int, a *metadata.Artifact) {
		switch {
		case bad != nil:
		case a == nil:
			bad = types.Errorf(types.ErrInvalidRequest, "nil artifact in channel %q", key)
		case a.TypeID == 0:
			bad = types.Errorf(types.ErrInvalidRequest, "artifact in channel %q has no type id", key)
		}
	}
	out.InputArtifacts.Each(check)
	out.OutputArtifacts.Each(check)
	if bad != nil {
		return r, bad
	}
	return out, nil
}

// pendingEvent is an event whose artifact id is only known once the
// artifact has been written.
type pendingEvent struct {
	artifact *metadata.Artifact
	typ      metadata.EventType
	path     metadata.EventPath
}

// events lists the events a request creates, inputs first.
func (r PutExecutionRequest) events() []pendingEvent {
	var out []pendingEvent
	add := func(m metadata.ArtifactMap, typ metadata.EventType) {
		m.Each(func(key string, index int, a *metadata.Artifact) {
			out = append(out, pendingEvent{
				artifact: a,
				typ:      typ,
				path:     metadata.EventPath{Key: key, Index: index},
			})
		})
	}
	add(r.InputArtifacts, metadata.EventTypeInput)
	add(r.OutputArtifacts, r.OutputEventType)
	return out
}

// artifacts lists every artifact of the request in event order.
func (r PutExecutionRequest) artifacts() []*metadata.Artifact {
	events := r.events()
	out := make([]*metadata.Artifact, len(events))
	for i, ev := range events {
		out[i] = ev.artifact
	}
	return out
}

func (r PutExecutionRequest) result() *PutExecutionResult {
	return &PutExecutionResult{
		Execution:       r.Execution.Clone(),
		InputArtifacts:  r.InputArtifacts.Clone(),
		OutputArtifacts: r.OutputArtifacts.Clone(),
	}
}

func notFound(kind string, id int64) error {
	return types.Errorf(types.ErrNotFound, "%s %d not found", kind, id).WithCause(ErrNotFound)
}

func typeChanged(id, stored, requested int64) error {
	return types.Errorf(types.ErrConstraintViolation,
		"artifact %d type is immutable: stored %d, requested %d", id, stored, requested)
}

func stateConflict(id int64, expected, actual metadata.ExecutionState) error {
	return types.Errorf(types.ErrConcurrentModification,
		"execution %d: expected state %s, found %s", id, expected, actual)
}

// IsNotFound reports whether err means a referenced record does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || types.IsErrorCode(err, types.ErrNotFound)
}

type clock func() time.Time
