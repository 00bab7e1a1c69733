package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/config"
	"github.com/BaSui01/execflow/internal/tlsutil"
	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/types"
)

// redisWatchAttempts bounds optimistic retries of PutExecution when a
// watched key changes between read and commit.
const redisWatchAttempts = 3

// RedisStore is a Redis-based implementation of Store.
// Suitable for distributed deployments.
// Records are JSON strings, events live in one hash per execution and
// context links are sets; PutExecution commits through WATCH/MULTI/EXEC.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    *zap.Logger
	now       clock
	closed    atomic.Bool
}

// NewRedisStore connects to Redis and creates a store
func NewRedisStore(cfg config.RedisConfig, keyPrefix string, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(redisOptions(cfg))

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, keyPrefix, logger), nil
}

func redisOptions(cfg config.RedisConfig) *redis.Options {
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.ClientTLSConfig(cfg.TLSServerName, cfg.Addr)
	}
	return opts
}

// NewRedisStoreWithClient creates a store over an existing client
func NewRedisStoreWithClient(client *redis.Client, keyPrefix string, logger *zap.Logger) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "execflow:"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger.With(zap.String("component", "redis_store")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Close closes the store
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.client.Close()
}

// Ping checks if the store is healthy
func (s *RedisStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) check() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// =============================================================================
// 🔑 键布局
// =============================================================================

func (s *RedisStore) seqKey(kind string) string { return s.keyPrefix + "seq:" + kind }

func (s *RedisStore) recordKey(kind string, id int64) string {
	return s.keyPrefix + kind + ":" + strconv.FormatInt(id, 10)
}

func (s *RedisStore) nameKey(kind, name string) string {
	return s.keyPrefix + kind + ":name:" + name
}

func (s *RedisStore) eventsKey(executionID int64) string {
	return s.recordKey("events", executionID)
}

func (s *RedisStore) executionContextsKey(executionID int64) string {
	return s.recordKey("execution_contexts", executionID)
}

func (s *RedisStore) artifactContextsKey(artifactID int64) string {
	return s.recordKey("artifact_contexts", artifactID)
}

func eventField(artifactID int64, typ metadata.EventType) string {
	return strconv.FormatInt(artifactID, 10) + ":" + string(typ)
}

const (
	kindExecutionType = "execution_type"
	kindArtifactType  = "artifact_type"
	kindContext       = "context"
	kindExecution     = "execution"
	kindArtifact      = "artifact"
	kindEvent         = "event"
)

func redisErr(op string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.Errorf(types.ErrInternalError, "redis %s failed", op).WithCause(err)
}

// =============================================================================
// 📝 类型与上下文注册
// =============================================================================

// PutExecutionType registers an execution type
func (s *RedisStore) PutExecutionType(ctx context.Context, t *metadata.ExecutionType) (int64, error) {
	if t == nil || t.Name == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "execution type name is required")
	}
	stored := *t
	return s.putNamed(ctx, kindExecutionType, t.Name, func(id int64) any {
		stored.ID = id
		return &stored
	})
}

// PutArtifactType registers an artifact type
func (s *RedisStore) PutArtifactType(ctx context.Context, t *metadata.ArtifactType) (int64, error) {
	if t == nil || t.Name == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "artifact type name is required")
	}
	stored := *t
	return s.putNamed(ctx, kindArtifactType, t.Name, func(id int64) any {
		stored.ID = id
		return &stored
	})
}

// PutContext registers a context
func (s *RedisStore) PutContext(ctx context.Context, c *metadata.Context) (int64, error) {
	if c == nil || c.Name == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "context name is required")
	}
	stored := c.Clone()
	return s.putNamed(ctx, kindContext, c.Type+"\x00"+c.Name, func(id int64) any {
		stored.ID = id
		return stored
	})
}

// putNamed returns the id registered under name, or allocates one and
// writes the record built by build. SETNX on the name key decides between
// concurrent registrations.
func (s *RedisStore) putNamed(ctx context.Context, kind, name string, build func(id int64) any) (int64, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	nameKey := s.nameKey(kind, name)

	id, err := s.client.Get(ctx, nameKey).Int64()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, redisErr("put "+kind, err)
	}

	id, err = s.client.Incr(ctx, s.seqKey(kind)).Result()
	if err != nil {
		return 0, redisErr("put "+kind, err)
	}
	won, err := s.client.SetNX(ctx, nameKey, id, 0).Result()
	if err != nil {
		return 0, redisErr("put "+kind, err)
	}
	if !won {
		winner, err := s.client.Get(ctx, nameKey).Int64()
		if err != nil {
			return 0, redisErr("put "+kind, err)
		}
		return winner, nil
	}

	data, err := json.Marshal(build(id))
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s: %w", kind, err)
	}
	if err := s.client.Set(ctx, s.recordKey(kind, id), data, 0).Err(); err != nil {
		return 0, redisErr("put "+kind, err)
	}
	return id, nil
}

// =============================================================================
// 🔍 查询
// =============================================================================

// loadRecords MGETs kind records by id and decodes the ones that exist.
func loadRecords[T any](ctx context.Context, c redis.Cmdable, s *RedisStore, kind string, ids []int64) (map[int64]*T, error) {
	out := make(map[int64]*T, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.recordKey(kind, id)
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec T
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s %d: %w", kind, ids[i], err)
		}
		out[ids[i]] = &rec
	}
	return out, nil
}

// GetExecutionsByID retrieves executions by id
func (s *RedisStore) GetExecutionsByID(ctx context.Context, ids []int64) ([]*metadata.Execution, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	found, err := loadRecords[metadata.Execution](ctx, s.client, s, kindExecution, ids)
	if err != nil {
		return nil, redisErr("get executions", err)
	}
	result := make([]*metadata.Execution, 0, len(found))
	for _, id := range ids {
		if e, ok := found[id]; ok {
			result = append(result, e)
		}
	}
	return result, nil
}

// GetArtifactsByID retrieves artifacts by id
func (s *RedisStore) GetArtifactsByID(ctx context.Context, ids []int64) ([]*metadata.Artifact, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	found, err := loadRecords[metadata.Artifact](ctx, s.client, s, kindArtifact, ids)
	if err != nil {
		return nil, redisErr("get artifacts", err)
	}
	result := make([]*metadata.Artifact, 0, len(found))
	for _, id := range ids {
		if a, ok := found[id]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

// GetEventsByExecutionIDs retrieves the events of the given executions
func (s *RedisStore) GetEventsByExecutionIDs(ctx context.Context, ids []int64) ([]*metadata.Event, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	result := make([]*metadata.Event, 0)
	for _, id := range ids {
		vals, err := s.client.HVals(ctx, s.eventsKey(id)).Result()
		if err != nil {
			return nil, redisErr("get events", err)
		}
		for _, v := range vals {
			var ev metadata.Event
			if err := json.Unmarshal([]byte(v), &ev); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event: %w", err)
			}
			result = append(result, &ev)
		}
	}
	metadata.SortEvents(result)
	return result, nil
}

// GetContextsByExecution retrieves the contexts associated with an execution
func (s *RedisStore) GetContextsByExecution(ctx context.Context, executionID int64) ([]*metadata.Context, error) {
	return s.linkedContexts(ctx, s.executionContextsKey(executionID))
}

// GetContextsByArtifact retrieves the contexts an artifact is attributed to
func (s *RedisStore) GetContextsByArtifact(ctx context.Context, artifactID int64) ([]*metadata.Context, error) {
	return s.linkedContexts(ctx, s.artifactContextsKey(artifactID))
}

func (s *RedisStore) linkedContexts(ctx context.Context, setKey string) ([]*metadata.Context, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	members, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, redisErr("get contexts", err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid context id %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	found, err := loadRecords[metadata.Context](ctx, s.client, s, kindContext, ids)
	if err != nil {
		return nil, redisErr("get contexts", err)
	}
	result := make([]*metadata.Context, 0, len(found))
	for _, id := range ids {
		if c, ok := found[id]; ok {
			result = append(result, c)
		}
	}
	return result, nil
}

// =============================================================================
// 🔄 PutExecution
// =============================================================================

// PutExecution writes an execution and everything linked to it in one
// MULTI/EXEC block. The execution and every existing artifact are WATCHed
// while the request is validated, so a concurrent writer aborts the commit.
func (s *RedisStore) PutExecution(ctx context.Context, req PutExecutionRequest) (*PutExecutionResult, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	norm, err := req.normalize()
	if err != nil {
		return nil, err
	}

	watched := []string{s.recordKey(kindExecutionType, norm.Execution.TypeID)}
	if norm.Execution.ID != 0 {
		watched = append(watched, s.recordKey(kindExecution, norm.Execution.ID))
	}
	for _, a := range norm.artifacts() {
		if a.ID != 0 {
			watched = append(watched, s.recordKey(kindArtifact, a.ID))
		}
	}

	for attempt := 1; ; attempt++ {
		// 每次尝试都从干净副本开始
		try := PutExecutionRequest{
			Execution:       norm.Execution.Clone(),
			Contexts:        norm.Contexts,
			InputArtifacts:  norm.InputArtifacts.Clone(),
			OutputArtifacts: norm.OutputArtifacts.Clone(),
			OutputEventType: norm.OutputEventType,
			ExpectedState:   norm.ExpectedState,
		}
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			return s.putExecution(ctx, tx, try)
		}, watched...)
		if err == nil {
			return try.result(), nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, redisErr("put execution", err)
		}
		if attempt >= redisWatchAttempts {
			return nil, types.Errorf(types.ErrConcurrentModification,
				"execution %d was modified concurrently", norm.Execution.ID).WithRetryable(true)
		}
		s.logger.Debug("watched keys changed, retrying put execution",
			zap.Int("attempt", attempt),
			zap.Int64("execution_id", norm.Execution.ID),
		)
	}
}

func (s *RedisStore) putExecution(ctx context.Context, tx *redis.Tx, req PutExecutionRequest) error {
	exec := req.Execution

	execTypes, err := loadRecords[metadata.ExecutionType](ctx, tx, s, kindExecutionType, []int64{exec.TypeID})
	if err != nil {
		return err
	}
	execType, ok := execTypes[exec.TypeID]
	if !ok {
		return notFound("execution type", exec.TypeID)
	}

	var stored *metadata.Execution
	if exec.ID != 0 {
		found, err := loadRecords[metadata.Execution](ctx, tx, s, kindExecution, []int64{exec.ID})
		if err != nil {
			return err
		}
		if stored, ok = found[exec.ID]; !ok {
			return notFound("execution", exec.ID)
		}
		if req.ExpectedState != "" && stored.LastKnownState != req.ExpectedState {
			return stateConflict(exec.ID, req.ExpectedState, stored.LastKnownState)
		}
	}

	contextIDs := make([]int64, 0, len(req.Contexts))
	for _, c := range req.Contexts {
		contextIDs = append(contextIDs, c.ID)
	}
	contexts, err := loadRecords[metadata.Context](ctx, tx, s, kindContext, contextIDs)
	if err != nil {
		return err
	}
	for _, id := range contextIDs {
		if _, ok := contexts[id]; !ok {
			return notFound("context", id)
		}
	}

	artifacts := req.artifacts()
	var typeIDs, artifactIDs []int64
	for _, a := range artifacts {
		typeIDs = append(typeIDs, a.TypeID)
		if a.ID != 0 {
			artifactIDs = append(artifactIDs, a.ID)
		}
	}
	artifactTypes, err := loadRecords[metadata.ArtifactType](ctx, tx, s, kindArtifactType, typeIDs)
	if err != nil {
		return err
	}
	existing, err := loadRecords[metadata.Artifact](ctx, tx, s, kindArtifact, artifactIDs)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if _, ok := artifactTypes[a.TypeID]; !ok {
			return notFound("artifact type", a.TypeID)
		}
		if a.ID == 0 {
			continue
		}
		prev, ok := existing[a.ID]
		if !ok {
			return notFound("artifact", a.ID)
		}
		if prev.TypeID != a.TypeID {
			return typeChanged(a.ID, prev.TypeID, a.TypeID)
		}
	}

	// id 在事务外分配；提交失败只会浪费序号
	now := s.now()
	exec.Type = execType.Name
	exec.UpdateTime = now
	if stored != nil {
		exec.CreateTime = stored.CreateTime
	} else {
		if exec.ID, err = tx.Incr(ctx, s.seqKey(kindExecution)).Result(); err != nil {
			return err
		}
		exec.CreateTime = now
	}
	for _, a := range artifacts {
		a.Type = artifactTypes[a.TypeID].Name
		a.UpdateTime = now
		if prev, ok := existing[a.ID]; ok {
			a.CreateTime = prev.CreateTime
			continue
		}
		if a.ID, err = tx.Incr(ctx, s.seqKey(kindArtifact)).Result(); err != nil {
			return err
		}
		a.CreateTime = now
	}

	execData, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	records := make(map[string][]byte, len(artifacts))
	for _, a := range artifacts {
		data, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact: %w", err)
		}
		records[s.recordKey(kindArtifact, a.ID)] = data
	}
	// 已有事件不分配新 id；执行记录已被 WATCH，读取与提交之间不会变化
	recorded := make(map[string]bool)
	if stored != nil {
		fields, err := tx.HKeys(ctx, s.eventsKey(exec.ID)).Result()
		if err != nil {
			return err
		}
		for _, f := range fields {
			recorded[f] = true
		}
	}
	events := make(map[string][]byte)
	for _, ev := range req.events() {
		field := eventField(ev.artifact.ID, ev.typ)
		if _, dup := events[field]; dup || recorded[field] {
			continue
		}
		eventID, err := tx.Incr(ctx, s.seqKey(kindEvent)).Result()
		if err != nil {
			return err
		}
		data, err := json.Marshal(&metadata.Event{
			ID:          eventID,
			ExecutionID: exec.ID,
			ArtifactID:  ev.artifact.ID,
			Type:        ev.typ,
			Path:        ev.path,
			Time:        now,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		events[field] = data
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.recordKey(kindExecution, exec.ID), execData, 0)
		for key, data := range records {
			pipe.Set(ctx, key, data, 0)
		}
		for field, data := range events {
			// 已存在的事件保持原样
			pipe.HSetNX(ctx, s.eventsKey(exec.ID), field, data)
		}
		for _, c := range req.Contexts {
			member := strconv.FormatInt(c.ID, 10)
			pipe.SAdd(ctx, s.executionContextsKey(exec.ID), member)
			req.InputArtifacts.Each(func(_ string, _ int, a *metadata.Artifact) {
				pipe.SAdd(ctx, s.artifactContextsKey(a.ID), member)
			})
		}
		return nil
	})
	return err
}
