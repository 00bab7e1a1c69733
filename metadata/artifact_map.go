package metadata

import "sort"

// ArtifactMap maps an output (or input) channel name to its ordered artifacts.
type ArtifactMap map[string][]*Artifact

// Clone returns a deep copy of m; every artifact is copied.
func (m ArtifactMap) Clone() ArtifactMap {
	if m == nil {
		return nil
	}
	out := make(ArtifactMap, len(m))
	for key, list := range m {
		copied := make([]*Artifact, len(list))
		for i, a := range list {
			copied[i] = a.Clone()
		}
		out[key] = copied
	}
	return out
}

// Keys returns the channel names in sorted order.
func (m ArtifactMap) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Count returns the total number of artifacts across all channels.
func (m ArtifactMap) Count() int {
	n := 0
	for _, list := range m {
		n += len(list)
	}
	return n
}

// Each calls fn for every artifact in channel-name order, then index order.
func (m ArtifactMap) Each(fn func(key string, index int, a *Artifact)) {
	for _, key := range m.Keys() {
		for i, a := range m[key] {
			fn(key, i, a)
		}
	}
}

// ArtifactList is the executor-reported artifact sequence of one channel.
type ArtifactList struct {
	Artifacts []*Artifact `json:"artifacts"`
}

// ExecutorOutput is what an executor reports back once it has run.
type ExecutorOutput struct {
	OutputArtifacts map[string]ArtifactList `json:"output_artifacts,omitempty"`
}
