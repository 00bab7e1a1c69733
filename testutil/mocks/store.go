// Package mocks 提供测试用的 Mock 实现
package mocks

import (
	"context"
	"sync"

	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/persistence"
)

// =============================================================================
// 🗄️ Mock Store
// =============================================================================

// MockStore 包装一个真实的 persistence.Store，支持错误注入与调用记录。
// 未注入错误的方法直接委托给内部存储。
type MockStore struct {
	mu    sync.Mutex
	inner persistence.Store

	// 错误注入
	putExecutionErr      error
	getExecutionsErr     error
	putExecutionTypeErr  error
	closeErr             error
	putExecutionFailures int

	// 调用记录
	putExecutionCalls  int
	getExecutionsCalls int
	putRequests        []persistence.PutExecutionRequest

	// 回调
	beforePutExecution func(req persistence.PutExecutionRequest)
}

// NewMockStore 创建包装 inner 的 MockStore；inner 为 nil 时使用内存存储
func NewMockStore(inner persistence.Store) *MockStore {
	if inner == nil {
		inner = persistence.NewMemoryStore()
	}
	return &MockStore{inner: inner}
}

// =============================================================================
// 🔧 Builder 方法
// =============================================================================

// WithPutExecutionError 让每次 PutExecution 都返回 err
func (m *MockStore) WithPutExecutionError(err error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putExecutionErr = err
	return m
}

// WithPutExecutionFailures 让接下来的 n 次 PutExecution 返回 err，之后恢复正常
func (m *MockStore) WithPutExecutionFailures(n int, err error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putExecutionErr = err
	m.putExecutionFailures = n
	return m
}

// WithGetExecutionsError 让 GetExecutionsByID 返回 err
func (m *MockStore) WithGetExecutionsError(err error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getExecutionsErr = err
	return m
}

// WithPutExecutionTypeError 让 PutExecutionType 返回 err
func (m *MockStore) WithPutExecutionTypeError(err error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putExecutionTypeErr = err
	return m
}

// WithBeforePutExecution 在 PutExecution 委托前调用 fn，可用于模拟并发写入
func (m *MockStore) WithBeforePutExecution(fn func(req persistence.PutExecutionRequest)) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforePutExecution = fn
	return m
}

// WithCloseError 让 Close 在关闭内部存储后返回 err
func (m *MockStore) WithCloseError(err error) *MockStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeErr = err
	return m
}

// =============================================================================
// 🎯 Store 接口实现
// =============================================================================

// Close 关闭内部存储
func (m *MockStore) Close() error {
	m.mu.Lock()
	err := m.closeErr
	m.mu.Unlock()
	if innerErr := m.inner.Close(); innerErr != nil {
		return innerErr
	}
	return err
}

// Ping 检查内部存储
func (m *MockStore) Ping(ctx context.Context) error { return m.inner.Ping(ctx) }

// PutExecutionType 注册执行类型
func (m *MockStore) PutExecutionType(ctx context.Context, t *metadata.ExecutionType) (int64, error) {
	m.mu.Lock()
	err := m.putExecutionTypeErr
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return m.inner.PutExecutionType(ctx, t)
}

// PutArtifactType 注册产物类型
func (m *MockStore) PutArtifactType(ctx context.Context, t *metadata.ArtifactType) (int64, error) {
	return m.inner.PutArtifactType(ctx, t)
}

// PutContext 注册上下文
func (m *MockStore) PutContext(ctx context.Context, c *metadata.Context) (int64, error) {
	return m.inner.PutContext(ctx, c)
}

// GetExecutionsByID 查询执行
func (m *MockStore) GetExecutionsByID(ctx context.Context, ids []int64) ([]*metadata.Execution, error) {
	m.mu.Lock()
	m.getExecutionsCalls++
	err := m.getExecutionsErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.inner.GetExecutionsByID(ctx, ids)
}

// GetArtifactsByID 查询产物
func (m *MockStore) GetArtifactsByID(ctx context.Context, ids []int64) ([]*metadata.Artifact, error) {
	return m.inner.GetArtifactsByID(ctx, ids)
}

// GetEventsByExecutionIDs 查询事件
func (m *MockStore) GetEventsByExecutionIDs(ctx context.Context, ids []int64) ([]*metadata.Event, error) {
	return m.inner.GetEventsByExecutionIDs(ctx, ids)
}

// GetContextsByExecution 查询执行关联的上下文
func (m *MockStore) GetContextsByExecution(ctx context.Context, executionID int64) ([]*metadata.Context, error) {
	return m.inner.GetContextsByExecution(ctx, executionID)
}

// GetContextsByArtifact 查询产物归属的上下文
func (m *MockStore) GetContextsByArtifact(ctx context.Context, artifactID int64) ([]*metadata.Context, error) {
	return m.inner.GetContextsByArtifact(ctx, artifactID)
}

// PutExecution 记录请求后委托给内部存储，或返回注入的错误
func (m *MockStore) PutExecution(ctx context.Context, req persistence.PutExecutionRequest) (*persistence.PutExecutionResult, error) {
	m.mu.Lock()
	m.putExecutionCalls++
	m.putRequests = append(m.putRequests, req)
	err := m.putExecutionErr
	if err != nil && m.putExecutionFailures > 0 {
		m.putExecutionFailures--
		if m.putExecutionFailures == 0 {
			m.putExecutionErr = nil
		}
	}
	before := m.beforePutExecution
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if before != nil {
		before(req)
	}
	return m.inner.PutExecution(ctx, req)
}

// =============================================================================
// 📊 调用记录查询
// =============================================================================

// PutExecutionCalls 返回 PutExecution 的调用次数
func (m *MockStore) PutExecutionCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putExecutionCalls
}

// GetExecutionsCalls 返回 GetExecutionsByID 的调用次数
func (m *MockStore) GetExecutionsCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getExecutionsCalls
}

// LastPutRequest 返回最近一次 PutExecution 的请求
func (m *MockStore) LastPutRequest() (persistence.PutExecutionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.putRequests) == 0 {
		return persistence.PutExecutionRequest{}, false
	}
	return m.putRequests[len(m.putRequests)-1], true
}

// Reset 清除错误注入与调用记录
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putExecutionErr = nil
	m.getExecutionsErr = nil
	m.putExecutionTypeErr = nil
	m.closeErr = nil
	m.putExecutionFailures = 0
	m.putExecutionCalls = 0
	m.getExecutionsCalls = 0
	m.putRequests = nil
	m.beforePutExecution = nil
}

var _ persistence.Store = (*MockStore)(nil)
