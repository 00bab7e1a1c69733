package metadata

import (
	"cmp"
	"slices"
	"time"
)

// ExecutionType is the schema an execution is registered against.
type ExecutionType struct {
	ID         int64                `json:"id,omitempty"`
	Name       string               `json:"name"`
	Properties map[string]ValueKind `json:"properties,omitempty"`
}

// ArtifactType is the schema an artifact conforms to.
type ArtifactType struct {
	ID         int64                `json:"id,omitempty"`
	Name       string               `json:"name"`
	Properties map[string]ValueKind `json:"properties,omitempty"`
}

// Execution is one invocation record of a unit of pipeline work.
type Execution struct {
	ID               int64          `json:"id,omitempty"`
	TypeID           int64          `json:"type_id"`
	Type             string         `json:"type,omitempty"`
	Name             string         `json:"name,omitempty"`
	LastKnownState   ExecutionState `json:"last_known_state"`
	Properties       Properties     `json:"properties,omitempty"`
	CustomProperties Properties     `json:"custom_properties,omitempty"`
	CreateTime       time.Time      `json:"create_time"`
	UpdateTime       time.Time      `json:"update_time"`
}

// Clone returns a deep copy of e.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	out := *e
	out.Properties = e.Properties.Clone()
	out.CustomProperties = e.CustomProperties.Clone()
	return &out
}

// Context groups executions and artifacts, e.g. one pipeline run.
type Context struct {
	ID         int64      `json:"id,omitempty"`
	TypeID     int64      `json:"type_id"`
	Type       string     `json:"type,omitempty"`
	Name       string     `json:"name"`
	Properties Properties `json:"properties,omitempty"`
}

// Clone returns a deep copy of c.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	out.Properties = c.Properties.Clone()
	return &out
}

// Artifact is a typed data product tracked by the store.
type Artifact struct {
	ID               int64         `json:"id,omitempty"`
	TypeID           int64         `json:"type_id"`
	Type             string        `json:"type,omitempty"`
	Name             string        `json:"name,omitempty"`
	URI              string        `json:"uri,omitempty"`
	State            ArtifactState `json:"state,omitempty"`
	Properties       Properties    `json:"properties,omitempty"`
	CustomProperties Properties    `json:"custom_properties,omitempty"`
	CreateTime       time.Time     `json:"create_time"`
	UpdateTime       time.Time     `json:"update_time"`
}

// Clone returns a deep copy of a.
func (a *Artifact) Clone() *Artifact {
	if a == nil {
		return nil
	}
	out := *a
	out.Properties = a.Properties.Clone()
	out.CustomProperties = a.CustomProperties.Clone()
	return &out
}

// EventPath locates an artifact inside the channel it was published under.
type EventPath struct {
	Key   string `json:"key"`
	Index int    `json:"index"`
}

// Event links one execution and one artifact with a typed role. ID is
// assigned by the store and increases in creation order.
type Event struct {
	ID          int64     `json:"id,omitempty"`
	ExecutionID int64     `json:"execution_id"`
	ArtifactID  int64     `json:"artifact_id"`
	Type        EventType `json:"type"`
	Path        EventPath `json:"path"`
	Time        time.Time `json:"time"`
}

// SortEvents orders events by execution, then creation order (event id).
// Events that share an id, such as unsaved ones, fall back to channel key
// and index.
func SortEvents(events []*Event) {
	slices.SortFunc(events, func(a, b *Event) int {
		if c := cmp.Compare(a.ExecutionID, b.ExecutionID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ID, b.ID); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Path.Key, b.Path.Key); c != 0 {
			return c
		}
		return cmp.Compare(a.Path.Index, b.Path.Index)
	})
}
