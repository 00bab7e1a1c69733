// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的测试辅助函数和断言
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	testutil.AssertErrorCode(t, err, types.ErrNotFound)
//	testutil.AssertEventsEqual(t, expected, actual)
// =============================================================================
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/types"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t testing.TB) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// CancelledContext 返回已取消的上下文
func CancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// =============================================================================
// 🔍 断言辅助
// =============================================================================

// AssertErrorCode 断言错误链中带有指定错误码
func AssertErrorCode(t testing.TB, err error, code types.ErrorCode) {
	t.Helper()

	if err == nil {
		t.Errorf("expected error with code %s, got nil", code)
		return
	}
	if got := types.GetErrorCode(err); got != code {
		t.Errorf("error code mismatch: expected %s, got %q (%v)", code, got, err)
	}
}

// EventSummary 是 Event 去掉时间戳后的可比较形式
type EventSummary struct {
	ArtifactID int64
	Type       metadata.EventType
	Key        string
	Index      int
}

// SummarizeEvents 丢弃事件时间，便于与期望值比较
func SummarizeEvents(events []*metadata.Event) []EventSummary {
	out := make([]EventSummary, len(events))
	for i, ev := range events {
		out[i] = EventSummary{
			ArtifactID: ev.ArtifactID,
			Type:       ev.Type,
			Key:        ev.Path.Key,
			Index:      ev.Path.Index,
		}
	}
	return out
}

// AssertEventsEqual 断言两个事件切片在忽略时间戳后相等
func AssertEventsEqual(t testing.TB, expected []EventSummary, actual []*metadata.Event) {
	t.Helper()

	got := SummarizeEvents(actual)
	if len(expected) != len(got) {
		t.Errorf("event count mismatch: expected %d, got %d (%+v)", len(expected), len(got), got)
		return
	}
	for i := range expected {
		if expected[i] != got[i] {
			t.Errorf("event[%d] mismatch: expected %+v, got %+v", i, expected[i], got[i])
		}
	}
}

// =============================================================================
// 🔧 数据辅助
// =============================================================================

// MustJSON 将值序列化为 JSON，失败时 panic
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}
