package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	return NewCollectorWithRegistry(nextTestNamespace(), prometheus.NewRegistry(), zap.NewNop())
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.publishTotal)
	assert.NotNil(t, collector.publishDuration)
	assert.NotNil(t, collector.mergeRejections)
	assert.NotNil(t, collector.artifactsPublished)
	assert.NotNil(t, collector.stateTransitions)
	assert.NotNil(t, collector.storeCallDuration)
}

func TestNewCollectorWithRegistry_DuplicateNamespacePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	ns := nextTestNamespace()
	NewCollectorWithRegistry(ns, reg, zap.NewNop())

	assert.Panics(t, func() {
		NewCollectorWithRegistry(ns, reg, zap.NewNop())
	})
}

func TestCollector_RecordPublish(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordPublish("publish_succeeded", ResultSuccess, 10*time.Millisecond)
	collector.RecordPublish("publish_succeeded", ResultSuccess, 20*time.Millisecond)
	collector.RecordPublish("publish_succeeded", ResultError, 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.publishTotal.WithLabelValues("publish_succeeded", ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.publishTotal.WithLabelValues("publish_succeeded", ResultError)))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.publishDuration))
}

func TestCollector_RecordMergeRejection(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordMergeRejection("unknown_channel")
	collector.RecordMergeRejection("unknown_channel")
	collector.RecordMergeRejection("partial_channel_update")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.mergeRejections.WithLabelValues("unknown_channel")))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.mergeRejections))
}

func TestCollector_RecordArtifactsPublished(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordArtifactsPublished("OUTPUT", 3)
	collector.RecordArtifactsPublished("OUTPUT", 0)
	collector.RecordArtifactsPublished("INTERNAL_OUTPUT", 1)

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.artifactsPublished.WithLabelValues("OUTPUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.artifactsPublished.WithLabelValues("INTERNAL_OUTPUT")))
}

func TestCollector_RecordStateTransition(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordStateTransition("", "RUNNING")
	collector.RecordStateTransition("RUNNING", "COMPLETE")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.stateTransitions.WithLabelValues("none", "RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.stateTransitions.WithLabelValues("RUNNING", "COMPLETE")))
}

func TestCollector_RecordStoreCall(t *testing.T) {
	collector := newTestCollector(t)

	collector.RecordStoreCall("put_execution", "", time.Millisecond)
	collector.RecordStoreCall("put_execution", "CONCURRENT_MODIFICATION", time.Millisecond)

	require.Equal(t, 1, testutil.CollectAndCount(collector.storeCallDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.storeCallErrors.WithLabelValues("put_execution", "CONCURRENT_MODIFICATION")))
}

func TestStateLabel(t *testing.T) {
	assert.Equal(t, "none", stateLabel(""))
	assert.Equal(t, "FAILED", stateLabel("FAILED"))
}
