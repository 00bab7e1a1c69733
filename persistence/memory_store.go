package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/types"
)

type eventKey struct {
	executionID int64
	artifactID  int64
	typ         metadata.EventType
}

type link struct {
	contextID int64
	otherID   int64
}

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	closed bool
	now    clock

	seq            map[string]int64
	executionTypes map[int64]*metadata.ExecutionType
	artifactTypes  map[int64]*metadata.ArtifactType
	contexts       map[int64]*metadata.Context
	executions     map[int64]*metadata.Execution
	artifacts      map[int64]*metadata.Artifact
	events         []*metadata.Event
	eventIndex     map[eventKey]bool
	associations   map[link]bool
	attributions   map[link]bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:            time.Now,
		seq:            make(map[string]int64),
		executionTypes: make(map[int64]*metadata.ExecutionType),
		artifactTypes:  make(map[int64]*metadata.ArtifactType),
		contexts:       make(map[int64]*metadata.Context),
		executions:     make(map[int64]*metadata.Execution),
		artifacts:      make(map[int64]*metadata.Artifact),
		eventIndex:     make(map[eventKey]bool),
		associations:   make(map[link]bool),
		attributions:   make(map[link]bool),
	}
}

// Close closes the store
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Ping checks if the store is healthy
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) nextID(kind string) int64 {
	s.seq[kind]++
	return s.seq[kind]
}

// PutExecutionType registers an execution type
func (s *MemoryStore) PutExecutionType(ctx context.Context, t *metadata.ExecutionType) (int64, error) {
	if t == nil || t.Name == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "execution type name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	for id, existing := range s.executionTypes {
		if existing.Name == t.Name {
			return id, nil
		}
	}
	stored := *t
	stored.ID = s.nextID("execution_type")
	s.executionTypes[stored.ID] = &stored
	return stored.ID, nil
}

// PutArtifactType registers an artifact type
func (s *MemoryStore) PutArtifactType(ctx context.Context, t *metadata.ArtifactType) (int64, error) {
	if t == nil || t.Name == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "artifact type name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	for id, existing := range s.artifactTypes {
		if existing.Name == t.Name {
			return id, nil
		}
	}
	stored := *t
	stored.ID = s.nextID("artifact_type")
	s.artifactTypes[stored.ID] = &stored
	return stored.ID, nil
}

// PutContext registers a context
func (s *MemoryStore) PutContext(ctx context.Context, c *metadata.Context) (int64, error) {
	if c == nil || c.Name == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "context name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	for id, existing := range s.contexts {
		if existing.Type == c.Type && existing.Name == c.Name {
			return id, nil
		}
	}
	stored := c.Clone()
	stored.ID = s.nextID("context")
	s.contexts[stored.ID] = stored
	return stored.ID, nil
}

// GetExecutionsByID retrieves executions by id
func (s *MemoryStore) GetExecutionsByID(ctx context.Context, ids []int64) ([]*metadata.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*metadata.Execution, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.executions[id]; ok {
			result = append(result, e.Clone())
		}
	}
	return result, nil
}

// GetArtifactsByID retrieves artifacts by id
func (s *MemoryStore) GetArtifactsByID(ctx context.Context, ids []int64) ([]*metadata.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	result := make([]*metadata.Artifact, 0, len(ids))
	for _, id := range ids {
		if a, ok := s.artifacts[id]; ok {
			result = append(result, a.Clone())
		}
	}
	return result, nil
}

// GetEventsByExecutionIDs retrieves the events of the given executions
func (s *MemoryStore) GetEventsByExecutionIDs(ctx context.Context, ids []int64) ([]*metadata.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	result := make([]*metadata.Event, 0)
	for _, ev := range s.events {
		if want[ev.ExecutionID] {
			copied := *ev
			result = append(result, &copied)
		}
	}
	metadata.SortEvents(result)
	return result, nil
}

// GetContextsByExecution retrieves the contexts associated with an execution
func (s *MemoryStore) GetContextsByExecution(ctx context.Context, executionID int64) ([]*metadata.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.linkedContexts(s.associations, executionID), nil
}

// GetContextsByArtifact retrieves the contexts an artifact is attributed to
func (s *MemoryStore) GetContextsByArtifact(ctx context.Context, artifactID int64) ([]*metadata.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.linkedContexts(s.attributions, artifactID), nil
}

func (s *MemoryStore) linkedContexts(links map[link]bool, otherID int64) []*metadata.Context {
	result := make([]*metadata.Context, 0)
	for l := range links {
		if l.otherID == otherID {
			result = append(result, s.contexts[l.contextID].Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// PutExecution writes an execution and everything linked to it.
// All checks run before the first mutation, so a failed call leaves the
// store untouched.
func (s *MemoryStore) PutExecution(ctx context.Context, req PutExecutionRequest) (*PutExecutionResult, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	exec := req.Execution
	execType, ok := s.executionTypes[exec.TypeID]
	if !ok {
		return nil, notFound("execution type", exec.TypeID)
	}
	var stored *metadata.Execution
	if exec.ID != 0 {
		if stored, ok = s.executions[exec.ID]; !ok {
			return nil, notFound("execution", exec.ID)
		}
		if req.ExpectedState != "" && stored.LastKnownState != req.ExpectedState {
			return nil, stateConflict(exec.ID, req.ExpectedState, stored.LastKnownState)
		}
	}
	for _, c := range req.Contexts {
		if _, ok := s.contexts[c.ID]; !ok {
			return nil, notFound("context", c.ID)
		}
	}
	artifacts := req.artifacts()
	for _, a := range artifacts {
		if _, ok := s.artifactTypes[a.TypeID]; !ok {
			return nil, notFound("artifact type", a.TypeID)
		}
		if a.ID == 0 {
			continue
		}
		existing, ok := s.artifacts[a.ID]
		if !ok {
			return nil, notFound("artifact", a.ID)
		}
		if existing.TypeID != a.TypeID {
			return nil, typeChanged(a.ID, existing.TypeID, a.TypeID)
		}
	}

	now := s.now()
	exec.Type = execType.Name
	exec.UpdateTime = now
	if stored != nil {
		exec.CreateTime = stored.CreateTime
	} else {
		exec.ID = s.nextID("execution")
		exec.CreateTime = now
	}
	s.executions[exec.ID] = exec.Clone()

	for _, a := range artifacts {
		a.Type = s.artifactTypes[a.TypeID].Name
		a.UpdateTime = now
		if existing, ok := s.artifacts[a.ID]; ok {
			a.CreateTime = existing.CreateTime
		} else {
			a.ID = s.nextID("artifact")
			a.CreateTime = now
		}
		s.artifacts[a.ID] = a.Clone()
	}

	for _, ev := range req.events() {
		key := eventKey{executionID: exec.ID, artifactID: ev.artifact.ID, typ: ev.typ}
		if s.eventIndex[key] {
			continue
		}
		s.eventIndex[key] = true
		s.events = append(s.events, &metadata.Event{
			ID:          s.nextID("event"),
			ExecutionID: exec.ID,
			ArtifactID:  ev.artifact.ID,
			Type:        ev.typ,
			Path:        ev.path,
			Time:        now,
		})
	}

	for _, c := range req.Contexts {
		s.associations[link{contextID: c.ID, otherID: exec.ID}] = true
		req.InputArtifacts.Each(func(_ string, _ int, a *metadata.Artifact) {
			s.attributions[link{contextID: c.ID, otherID: a.ID}] = true
		})
	}

	return req.result(), nil
}
