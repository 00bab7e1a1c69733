package metadata

// ExecutionState is the lifecycle state of an execution.
type ExecutionState string

const (
	ExecutionStateUnknown  ExecutionState = ""
	ExecutionStateNew      ExecutionState = "NEW"
	ExecutionStateRunning  ExecutionState = "RUNNING"
	ExecutionStateComplete ExecutionState = "COMPLETE"
	ExecutionStateFailed   ExecutionState = "FAILED"
	ExecutionStateCached   ExecutionState = "CACHED"
	ExecutionStateCanceled ExecutionState = "CANCELED"
)

// IsTerminal reports whether no further work is expected for the execution.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionStateComplete, ExecutionStateFailed, ExecutionStateCached, ExecutionStateCanceled:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known states.
func (s ExecutionState) IsValid() bool {
	switch s {
	case ExecutionStateNew, ExecutionStateRunning, ExecutionStateComplete,
		ExecutionStateFailed, ExecutionStateCached, ExecutionStateCanceled:
		return true
	}
	return false
}

// ArtifactState is the lifecycle state of an artifact.
type ArtifactState string

const (
	ArtifactStateUnknown           ArtifactState = ""
	ArtifactStatePending           ArtifactState = "PENDING"
	ArtifactStateLive              ArtifactState = "LIVE"
	ArtifactStateMarkedForDeletion ArtifactState = "MARKED_FOR_DELETION"
	ArtifactStateDeleted           ArtifactState = "DELETED"
	ArtifactStateAbandoned         ArtifactState = "ABANDONED"
	ArtifactStateReference         ArtifactState = "REFERENCE"
)

// EventType is the role an artifact plays for an execution.
type EventType string

const (
	EventTypeInput          EventType = "INPUT"
	EventTypeOutput         EventType = "OUTPUT"
	EventTypeInternalOutput EventType = "INTERNAL_OUTPUT"
)

// IsOutput reports whether the event links a produced artifact.
func (t EventType) IsOutput() bool {
	return t == EventTypeOutput || t == EventTypeInternalOutput
}

// IsValid reports whether t is one of the known event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeInput, EventTypeOutput, EventTypeInternalOutput:
		return true
	}
	return false
}
