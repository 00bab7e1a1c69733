package publish

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/types"
)

// MergeErrorKind classifies why an executor output was rejected.
type MergeErrorKind string

const (
	// MergeUnknownChannel: the executor reported a channel the skeleton does not declare.
	MergeUnknownChannel MergeErrorKind = "unknown_channel"
	// MergePartialChannelUpdate: a reported channel has a different length than the skeleton's.
	MergePartialChannelUpdate MergeErrorKind = "partial_channel_update"
	// MergeArtifactTypeChanged: a reported artifact has a different type than its skeleton slot.
	MergeArtifactTypeChanged MergeErrorKind = "artifact_type_changed"
)

// Code returns the error code a merge failure of this kind carries.
func (k MergeErrorKind) Code() types.ErrorCode {
	switch k {
	case MergeUnknownChannel:
		return types.ErrUnknownChannel
	case MergePartialChannelUpdate:
		return types.ErrPartialChannelUpdate
	case MergeArtifactTypeChanged:
		return types.ErrArtifactTypeChanged
	}
	return types.ErrInternalError
}

// MergeError describes a rejected executor output. It unwraps to a
// *types.Error carrying the kind's code.
type MergeError struct {
	Kind MergeErrorKind

	// Channels names the offending channels, sorted. Unknown-channel
	// failures list all of them; the other kinds name exactly one.
	Channels []string

	// ExpectedLen and ActualLen are set for partial channel updates.
	ExpectedLen int
	ActualLen   int

	// Index, ExpectedTypeID and ActualTypeID are set for type changes.
	Index          int
	ExpectedTypeID int64
	ActualTypeID   int64
}

// Error implements the error interface.
func (e *MergeError) Error() string {
	switch e.Kind {
	case MergeUnknownChannel:
		return fmt.Sprintf("executor output has channels missing from the output skeleton: %s",
			strings.Join(e.Channels, ", "))
	case MergePartialChannelUpdate:
		return fmt.Sprintf("partial update of output channel %q: skeleton has %d artifacts, executor reported %d",
			e.channel(), e.ExpectedLen, e.ActualLen)
	case MergeArtifactTypeChanged:
		return fmt.Sprintf("executor output changed the type of %s[%d]: skeleton type %d, reported type %d",
			e.channel(), e.Index, e.ExpectedTypeID, e.ActualTypeID)
	}
	return "merge failed: " + string(e.Kind)
}

func (e *MergeError) channel() string {
	if len(e.Channels) == 0 {
		return ""
	}
	return e.Channels[0]
}

// Unwrap exposes the coded form of the failure.
func (e *MergeError) Unwrap() error {
	return types.NewError(e.Kind.Code(), e.Error())
}

// MergeOutputs reconciles the system-declared output skeleton with the
// executor's report and returns the final output map with every artifact
// LIVE. The result is a new map; skeleton and output are never modified.
//
// Reported channels must all exist in the skeleton, must replace a channel
// as a whole and must keep every artifact's type. Artifacts are paired by
// position. A reconciled artifact takes the reported record, keeping the
// skeleton's id when one was assigned. Channels the executor did not report
// keep their skeleton artifacts.
func MergeOutputs(skeleton metadata.ArtifactMap, output *metadata.ExecutorOutput) (metadata.ArtifactMap, error) {
	merged := skeleton.Clone()
	if merged == nil {
		merged = metadata.ArtifactMap{}
	}
	if err := checkNoNil(merged, "output skeleton"); err != nil {
		return nil, err
	}

	if output != nil && len(output.OutputArtifacts) > 0 {
		if err := validateReport(merged, output); err != nil {
			return nil, err
		}
		for key, list := range output.OutputArtifacts {
			slots := merged[key]
			for i, reported := range list.Artifacts {
				slots[i] = reconcile(slots[i], reported)
			}
		}
	}

	merged.Each(func(_ string, _ int, a *metadata.Artifact) {
		a.State = metadata.ArtifactStateLive
	})
	return merged, nil
}

// validateReport checks the whole report before anything is reconciled.
func validateReport(skeleton metadata.ArtifactMap, output *metadata.ExecutorOutput) error {
	keys := make([]string, 0, len(output.OutputArtifacts))
	var unknown []string
	for key := range output.OutputArtifacts {
		keys = append(keys, key)
		if _, ok := skeleton[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return &MergeError{Kind: MergeUnknownChannel, Channels: unknown}
	}

	sort.Strings(keys)
	for _, key := range keys {
		slots := skeleton[key]
		reported := output.OutputArtifacts[key].Artifacts
		if len(reported) != len(slots) {
			return &MergeError{
				Kind:        MergePartialChannelUpdate,
				Channels:    []string{key},
				ExpectedLen: len(slots),
				ActualLen:   len(reported),
			}
		}
		for i, r := range reported {
			if r == nil {
				return types.Errorf(types.ErrInvalidRequest, "nil artifact in executor output at %s[%d]", key, i)
			}
			if slots[i].TypeID != r.TypeID {
				return &MergeError{
					Kind:           MergeArtifactTypeChanged,
					Channels:       []string{key},
					Index:          i,
					ExpectedTypeID: slots[i].TypeID,
					ActualTypeID:   r.TypeID,
				}
			}
		}
	}
	return nil
}

func checkNoNil(m metadata.ArtifactMap, what string) error {
	var err error
	m.Each(func(key string, index int, a *metadata.Artifact) {
		if a == nil && err == nil {
			err = types.Errorf(types.ErrInvalidRequest, "nil artifact in %s at %s[%d]", what, key, index)
		}
	})
	return err
}

func reconcile(slot, reported *metadata.Artifact) *metadata.Artifact {
	out := reported.Clone()
	if slot.ID != 0 {
		out.ID = slot.ID
	}
	if out.Type == "" {
		out.Type = slot.Type
	}
	return out
}
