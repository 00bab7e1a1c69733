package persistence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/execflow/internal/database"
	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/types"
)

// =============================================================================
// 🗄️ 表模型
// =============================================================================

type executionTypeModel struct {
	ID         int64                         `gorm:"primaryKey;autoIncrement"`
	Name       string                        `gorm:"size:255;not null;uniqueIndex"`
	Properties map[string]metadata.ValueKind `gorm:"serializer:json"`
}

func (executionTypeModel) TableName() string { return "execution_types" }

type artifactTypeModel struct {
	ID         int64                         `gorm:"primaryKey;autoIncrement"`
	Name       string                        `gorm:"size:255;not null;uniqueIndex"`
	Properties map[string]metadata.ValueKind `gorm:"serializer:json"`
}

func (artifactTypeModel) TableName() string { return "artifact_types" }

type contextModel struct {
	ID         int64               `gorm:"primaryKey;autoIncrement"`
	TypeID     int64               `gorm:"not null;default:0"`
	Type       string              `gorm:"size:255;not null;uniqueIndex:idx_contexts_type_name,priority:1"`
	Name       string              `gorm:"size:255;not null;uniqueIndex:idx_contexts_type_name,priority:2"`
	Properties metadata.Properties `gorm:"serializer:json"`
}

func (contextModel) TableName() string { return "contexts" }

type executionModel struct {
	ID               int64               `gorm:"primaryKey;autoIncrement"`
	TypeID           int64               `gorm:"not null;index"`
	Name             string              `gorm:"size:255"`
	LastKnownState   string              `gorm:"size:32;not null"`
	Properties       metadata.Properties `gorm:"serializer:json"`
	CustomProperties metadata.Properties `gorm:"serializer:json"`
	CreateTime       time.Time           `gorm:"not null"`
	UpdateTime       time.Time           `gorm:"not null"`
}

func (executionModel) TableName() string { return "executions" }

type artifactModel struct {
	ID               int64               `gorm:"primaryKey;autoIncrement"`
	TypeID           int64               `gorm:"not null;index"`
	Name             string              `gorm:"size:255"`
	URI              string              `gorm:"column:uri;size:2048"`
	State            string              `gorm:"size:32"`
	Properties       metadata.Properties `gorm:"serializer:json"`
	CustomProperties metadata.Properties `gorm:"serializer:json"`
	CreateTime       time.Time           `gorm:"not null"`
	UpdateTime       time.Time           `gorm:"not null"`
}

func (artifactModel) TableName() string { return "artifacts" }

type eventModel struct {
	ID          int64     `gorm:"primaryKey;autoIncrement"`
	ExecutionID int64     `gorm:"not null;uniqueIndex:idx_events_execution_artifact_type,priority:1"`
	ArtifactID  int64     `gorm:"not null;uniqueIndex:idx_events_execution_artifact_type,priority:2"`
	Type        string    `gorm:"size:32;not null;uniqueIndex:idx_events_execution_artifact_type,priority:3"`
	PathKey     string    `gorm:"size:255;not null"`
	PathIndex   int       `gorm:"not null"`
	Time        time.Time `gorm:"not null"`
}

func (eventModel) TableName() string { return "events" }

type associationModel struct {
	ContextID   int64 `gorm:"primaryKey;autoIncrement:false"`
	ExecutionID int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (associationModel) TableName() string { return "associations" }

type attributionModel struct {
	ContextID  int64 `gorm:"primaryKey;autoIncrement:false"`
	ArtifactID int64 `gorm:"primaryKey;autoIncrement:false"`
}

func (attributionModel) TableName() string { return "attributions" }

// AutoMigrate creates or updates the record tables. Production deployments
// use the versioned SQL migrations instead; this is meant for tests and
// throwaway SQLite files.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&executionTypeModel{},
		&artifactTypeModel{},
		&contextModel{},
		&executionModel{},
		&artifactModel{},
		&eventModel{},
		&associationModel{},
		&attributionModel{},
	)
}

// =============================================================================
// 🎯 GormStore
// =============================================================================

// GormStore is a SQL implementation of Store on top of GORM.
// PutExecution runs as one transaction and is retried on deadlocks and
// serialization failures.
type GormStore struct {
	pool    *database.PoolManager
	logger  *zap.Logger
	retries int
	now     clock
	closed  atomic.Bool
}

// NewGormStore creates a store over an opened pool. retries is the maximum
// number of transaction attempts for PutExecution.
func NewGormStore(pool *database.PoolManager, retries int, logger *zap.Logger) *GormStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{
		pool:    pool,
		logger:  logger.With(zap.String("component", "gorm_store")),
		retries: retries,
		// 毫秒精度在三种方言下都能无损往返
		now: func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
	}
}

// Close closes the underlying pool
func (s *GormStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.pool.Close()
}

// Ping checks if the database is reachable
func (s *GormStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.pool.Ping(ctx)
}

func (s *GormStore) db(ctx context.Context) (*gorm.DB, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.pool.DB().WithContext(ctx), nil
}

func internalErr(op string, err error) error {
	if _, ok := types.AsError(err); ok {
		return err
	}
	return types.Errorf(types.ErrInternalError, "%s failed", op).WithCause(err)
}

// PutExecutionType registers an execution type
func (s *GormStore) PutExecutionType(ctx context.Context, t *metadata.ExecutionType) (int64, error) {
	if t == nil || t.Name == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "execution type name is required")
	}
	db, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	m := executionTypeModel{Name: t.Name, Properties: t.Properties}
	if err := firstOrCreate(db, &m, "name = ?", t.Name); err != nil {
		return 0, internalErr("put execution type", err)
	}
	return m.ID, nil
}

// PutArtifactType registers an artifact type
func (s *GormStore) PutArtifactType(ctx context.Context, t *metadata.ArtifactType) (int64, error) {
	if t == nil || t.Name == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "artifact type name is required")
	}
	db, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	m := artifactTypeModel{Name: t.Name, Properties: t.Properties}
	if err := firstOrCreate(db, &m, "name = ?", t.Name); err != nil {
		return 0, internalErr("put artifact type", err)
	}
	return m.ID, nil
}

// PutContext registers a context
func (s *GormStore) PutContext(ctx context.Context, c *metadata.Context) (int64, error) {
	if c == nil || c.Name == "" {
		return 0, types.NewError(types.ErrInvalidRequest, "context name is required")
	}
	db, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	m := contextModel{TypeID: c.TypeID, Type: c.Type, Name: c.Name, Properties: c.Properties}
	if err := firstOrCreate(db, &m, "type = ? AND name = ?", c.Type, c.Name); err != nil {
		return 0, internalErr("put context", err)
	}
	return m.ID, nil
}

// firstOrCreate loads the row matching query into dest, inserting dest when
// there is none. A concurrent insert of the same key loses on the unique
// index and falls back to reading the winner.
func firstOrCreate(db *gorm.DB, dest any, query string, args ...any) error {
	err := db.Where(query, args...).Take(dest).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	if createErr := db.Create(dest).Error; createErr != nil {
		if err := db.Where(query, args...).Take(dest).Error; err != nil {
			return createErr
		}
	}
	return nil
}

// GetExecutionsByID retrieves executions by id
func (s *GormStore) GetExecutionsByID(ctx context.Context, ids []int64) ([]*metadata.Execution, error) {
	result := make([]*metadata.Execution, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	var rows []executionModel
	if err := db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, internalErr("get executions", err)
	}
	typeIDs := make([]int64, 0, len(rows))
	for _, r := range rows {
		typeIDs = append(typeIDs, r.TypeID)
	}
	names, err := typeNames[executionTypeModel](db, typeIDs)
	if err != nil {
		return nil, internalErr("get executions", err)
	}

	byID := make(map[int64]*metadata.Execution, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.toExecution(names[r.TypeID])
	}
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			result = append(result, e)
		}
	}
	return result, nil
}

// GetArtifactsByID retrieves artifacts by id
func (s *GormStore) GetArtifactsByID(ctx context.Context, ids []int64) ([]*metadata.Artifact, error) {
	result := make([]*metadata.Artifact, 0, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	var rows []artifactModel
	if err := db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, internalErr("get artifacts", err)
	}
	typeIDs := make([]int64, 0, len(rows))
	for _, r := range rows {
		typeIDs = append(typeIDs, r.TypeID)
	}
	names, err := typeNames[artifactTypeModel](db, typeIDs)
	if err != nil {
		return nil, internalErr("get artifacts", err)
	}

	byID := make(map[int64]*metadata.Artifact, len(rows))
	for _, r := range rows {
		byID[r.ID] = r.toArtifact(names[r.TypeID])
	}
	for _, id := range ids {
		if a, ok := byID[id]; ok {
			result = append(result, a)
		}
	}
	return result, nil
}

// GetEventsByExecutionIDs retrieves the events of the given executions
func (s *GormStore) GetEventsByExecutionIDs(ctx context.Context, ids []int64) ([]*metadata.Event, error) {
	result := make([]*metadata.Event, 0)
	if len(ids) == 0 {
		return result, nil
	}
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	var rows []eventModel
	if err := db.Where("execution_id IN ?", ids).Order("id").Find(&rows).Error; err != nil {
		return nil, internalErr("get events", err)
	}
	for _, r := range rows {
		result = append(result, &metadata.Event{
			ID:          r.ID,
			ExecutionID: r.ExecutionID,
			ArtifactID:  r.ArtifactID,
			Type:        metadata.EventType(r.Type),
			Path:        metadata.EventPath{Key: r.PathKey, Index: r.PathIndex},
			Time:        r.Time,
		})
	}
	metadata.SortEvents(result)
	return result, nil
}

// GetContextsByExecution retrieves the contexts associated with an execution
func (s *GormStore) GetContextsByExecution(ctx context.Context, executionID int64) ([]*metadata.Context, error) {
	return s.linkedContexts(ctx, "associations", "execution_id", executionID)
}

// GetContextsByArtifact retrieves the contexts an artifact is attributed to
func (s *GormStore) GetContextsByArtifact(ctx context.Context, artifactID int64) ([]*metadata.Context, error) {
	return s.linkedContexts(ctx, "attributions", "artifact_id", artifactID)
}

func (s *GormStore) linkedContexts(ctx context.Context, table, column string, id int64) ([]*metadata.Context, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	var rows []contextModel
	err = db.Model(&contextModel{}).
		Joins(fmt.Sprintf("JOIN %s ON %s.context_id = contexts.id", table, table)).
		Where(fmt.Sprintf("%s.%s = ?", table, column), id).
		Order("contexts.id").
		Find(&rows).Error
	if err != nil {
		return nil, internalErr("get contexts", err)
	}

	result := make([]*metadata.Context, 0, len(rows))
	for _, r := range rows {
		result = append(result, &metadata.Context{
			ID:         r.ID,
			TypeID:     r.TypeID,
			Type:       r.Type,
			Name:       r.Name,
			Properties: r.Properties,
		})
	}
	return result, nil
}

// =============================================================================
// 🔄 PutExecution
// =============================================================================

// PutExecution writes an execution and everything linked to it in one
// transaction. The execution row is updated with a compare-and-set on its
// stored state, so a concurrent writer turns into CONCURRENT_MODIFICATION
// instead of a lost update.
func (s *GormStore) PutExecution(ctx context.Context, req PutExecutionRequest) (*PutExecutionResult, error) {
	if _, err := s.db(ctx); err != nil {
		return nil, err
	}
	norm, err := req.normalize()
	if err != nil {
		return nil, err
	}

	var result *PutExecutionResult
	err = s.pool.WithTransactionRetry(ctx, s.retries, func(tx *gorm.DB) error {
		// 每次重试都从干净副本开始，避免上一次尝试残留的 id
		attempt := PutExecutionRequest{
			Execution:       norm.Execution.Clone(),
			Contexts:        norm.Contexts,
			InputArtifacts:  norm.InputArtifacts.Clone(),
			OutputArtifacts: norm.OutputArtifacts.Clone(),
			OutputEventType: norm.OutputEventType,
			ExpectedState:   norm.ExpectedState,
		}
		if err := s.putExecution(tx, attempt); err != nil {
			return err
		}
		result = attempt.result()
		return nil
	})
	if err != nil {
		s.logger.Debug("put execution failed",
			zap.Int64("execution_id", req.Execution.ID),
			zap.Error(err),
		)
		return nil, internalErr("put execution", err)
	}
	return result, nil
}

func (s *GormStore) putExecution(tx *gorm.DB, req PutExecutionRequest) error {
	exec := req.Execution

	var execType executionTypeModel
	if err := tx.Take(&execType, exec.TypeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return notFound("execution type", exec.TypeID)
		}
		return err
	}

	var stored executionModel
	if exec.ID != 0 {
		if err := tx.Take(&stored, exec.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return notFound("execution", exec.ID)
			}
			return err
		}
		if req.ExpectedState != "" && metadata.ExecutionState(stored.LastKnownState) != req.ExpectedState {
			return stateConflict(exec.ID, req.ExpectedState, metadata.ExecutionState(stored.LastKnownState))
		}
	}

	if err := s.checkContexts(tx, req.Contexts); err != nil {
		return err
	}

	artifacts := req.artifacts()
	artifactTypes, err := s.checkArtifacts(tx, artifacts)
	if err != nil {
		return err
	}

	now := s.now()
	exec.Type = execType.Name
	exec.UpdateTime = now
	row := executionModel{
		ID:               exec.ID,
		TypeID:           exec.TypeID,
		Name:             exec.Name,
		LastKnownState:   string(exec.LastKnownState),
		Properties:       exec.Properties,
		CustomProperties: exec.CustomProperties,
		UpdateTime:       now,
	}
	if exec.ID == 0 {
		row.CreateTime = now
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		exec.ID = row.ID
		exec.CreateTime = now
	} else {
		exec.CreateTime = stored.CreateTime
		res := tx.Model(&executionModel{}).
			Where("id = ? AND last_known_state = ?", exec.ID, stored.LastKnownState).
			Select("type_id", "name", "last_known_state", "properties", "custom_properties", "update_time").
			Updates(&row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return types.Errorf(types.ErrConcurrentModification,
				"execution %d left state %s during the write", exec.ID, stored.LastKnownState)
		}
	}

	for _, a := range artifacts {
		a.Type = artifactTypes[a.TypeID]
		a.UpdateTime = now
		row := artifactModel{
			ID:               a.ID,
			TypeID:           a.TypeID,
			Name:             a.Name,
			URI:              a.URI,
			State:            string(a.State),
			Properties:       a.Properties,
			CustomProperties: a.CustomProperties,
			UpdateTime:       now,
		}
		if a.ID == 0 {
			row.CreateTime = now
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			a.ID = row.ID
			a.CreateTime = now
			continue
		}
		err := tx.Model(&artifactModel{}).
			Where("id = ?", a.ID).
			Select("name", "uri", "state", "properties", "custom_properties", "update_time").
			Updates(&row).Error
		if err != nil {
			return err
		}
	}

	for _, ev := range req.events() {
		row := eventModel{
			ExecutionID: exec.ID,
			ArtifactID:  ev.artifact.ID,
			Type:        string(ev.typ),
			PathKey:     ev.path.Key,
			PathIndex:   ev.path.Index,
			Time:        now,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
	}

	for _, c := range req.Contexts {
		assoc := associationModel{ContextID: c.ID, ExecutionID: exec.ID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&assoc).Error; err != nil {
			return err
		}
		var linkErr error
		req.InputArtifacts.Each(func(_ string, _ int, a *metadata.Artifact) {
			if linkErr != nil {
				return
			}
			attr := attributionModel{ContextID: c.ID, ArtifactID: a.ID}
			linkErr = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&attr).Error
		})
		if linkErr != nil {
			return linkErr
		}
	}
	return nil
}

func (s *GormStore) checkContexts(tx *gorm.DB, contexts []*metadata.Context) error {
	if len(contexts) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(contexts))
	for _, c := range contexts {
		ids = append(ids, c.ID)
	}
	var found []int64
	if err := tx.Model(&contextModel{}).Where("id IN ?", ids).Pluck("id", &found).Error; err != nil {
		return err
	}
	have := make(map[int64]bool, len(found))
	for _, id := range found {
		have[id] = true
	}
	for _, id := range ids {
		if !have[id] {
			return notFound("context", id)
		}
	}
	return nil
}

// checkArtifacts verifies artifact types exist and existing artifacts keep
// their type, then fills in the created time of existing artifacts. It
// returns artifact type names by id.
func (s *GormStore) checkArtifacts(tx *gorm.DB, artifacts []*metadata.Artifact) (map[int64]string, error) {
	typeIDs := make([]int64, 0, len(artifacts))
	var ids []int64
	for _, a := range artifacts {
		typeIDs = append(typeIDs, a.TypeID)
		if a.ID != 0 {
			ids = append(ids, a.ID)
		}
	}

	names, err := typeNames[artifactTypeModel](tx, typeIDs)
	if err != nil {
		return nil, err
	}
	for _, id := range typeIDs {
		if _, ok := names[id]; !ok {
			return nil, notFound("artifact type", id)
		}
	}

	if len(ids) == 0 {
		return names, nil
	}
	var rows []artifactModel
	if err := tx.Select("id", "type_id", "create_time").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	stored := make(map[int64]artifactModel, len(rows))
	for _, r := range rows {
		stored[r.ID] = r
	}
	for _, a := range artifacts {
		if a.ID == 0 {
			continue
		}
		r, ok := stored[a.ID]
		if !ok {
			return nil, notFound("artifact", a.ID)
		}
		if r.TypeID != a.TypeID {
			return nil, typeChanged(a.ID, r.TypeID, a.TypeID)
		}
		a.CreateTime = r.CreateTime
	}
	return names, nil
}

type typeModel interface {
	executionTypeModel | artifactTypeModel
}

// typeNames loads the names of the given type ids.
func typeNames[M typeModel](db *gorm.DB, ids []int64) (map[int64]string, error) {
	names := make(map[int64]string)
	if len(ids) == 0 {
		return names, nil
	}
	var rows []M
	if err := db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		switch v := any(r).(type) {
		case executionTypeModel:
			names[v.ID] = v.Name
		case artifactTypeModel:
			names[v.ID] = v.Name
		}
	}
	return names, nil
}

func (r executionModel) toExecution(typeName string) *metadata.Execution {
	return &metadata.Execution{
		ID:               r.ID,
		TypeID:           r.TypeID,
		Type:             typeName,
		Name:             r.Name,
		LastKnownState:   metadata.ExecutionState(r.LastKnownState),
		Properties:       r.Properties,
		CustomProperties: r.CustomProperties,
		CreateTime:       r.CreateTime,
		UpdateTime:       r.UpdateTime,
	}
}

func (r artifactModel) toArtifact(typeName string) *metadata.Artifact {
	return &metadata.Artifact{
		ID:               r.ID,
		TypeID:           r.TypeID,
		Type:             typeName,
		Name:             r.Name,
		URI:              r.URI,
		State:            metadata.ArtifactState(r.State),
		Properties:       r.Properties,
		CustomProperties: r.CustomProperties,
		CreateTime:       r.CreateTime,
		UpdateTime:       r.UpdateTime,
	}
}
