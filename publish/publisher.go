package publish

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/execflow/internal/ctxkeys"
	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/persistence"
	"github.com/BaSui01/execflow/types"
)

// Operation names used in logs, spans and metrics.
const (
	OpRegister         = "register"
	OpPublishSucceeded = "publish_succeeded"
	OpPublishCached    = "publish_cached"
	OpPublishFailed    = "publish_failed"
	OpPublishInternal  = "publish_internal"
)

const tracerName = "github.com/BaSui01/execflow/publish"

// MetricsRecorder receives publish metrics. *metrics.Collector implements it.
type MetricsRecorder interface {
	RecordPublish(operation, result string, duration time.Duration)
	RecordMergeRejection(kind string)
	RecordArtifactsPublished(eventType string, count int)
	RecordStateTransition(fromState, toState string)
	RecordStoreCall(operation, code string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordPublish(string, string, time.Duration)   {}
func (nopMetrics) RecordMergeRejection(string)                   {}
func (nopMetrics) RecordArtifactsPublished(string, int)          {}
func (nopMetrics) RecordStateTransition(string, string)          {}
func (nopMetrics) RecordStoreCall(string, string, time.Duration) {}

// =============================================================================
// 🎯 Publisher
// =============================================================================

// Publisher registers executions and moves them to their terminal state,
// linking artifacts and contexts through the record store. It holds no
// state of its own between calls and is safe for concurrent use.
type Publisher struct {
	store        persistence.Store
	logger       *zap.Logger
	metrics      MetricsRecorder
	tracer       trace.Tracer
	strict       bool
	newRequestID func() string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(p *Publisher) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithTracer sets the tracer publish spans are recorded with.
func WithTracer(t trace.Tracer) Option {
	return func(p *Publisher) {
		if t != nil {
			p.tracer = t
		}
	}
}

// WithStrictTransitions controls whether terminal publishes check the
// stored state. When enabled (the default) an execution can only leave
// NEW or RUNNING, or be re-published into the state it already has.
// When disabled any stored state may be overwritten.
func WithStrictTransitions(strict bool) Option {
	return func(p *Publisher) {
		p.strict = strict
	}
}

// WithRequestIDGenerator replaces the uuid generator used for request ids.
func WithRequestIDGenerator(gen func() string) Option {
	return func(p *Publisher) {
		if gen != nil {
			p.newRequestID = gen
		}
	}
}

// NewPublisher creates a publisher writing to store.
func NewPublisher(store persistence.Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:        store,
		logger:       zap.NewNop(),
		metrics:      nopMetrics{},
		tracer:       otel.Tracer(tracerName),
		strict:       true,
		newRequestID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(zap.String("component", "publisher"))
	return p
}

// =============================================================================
// 📝 注册
// =============================================================================

// RegisterExecution creates a RUNNING execution of execType, links every
// input artifact with an INPUT event and associates the execution and its
// inputs with every context.
//
// execType is registered first when its ID is 0. Properties declared on the
// type become execution properties; the rest become custom properties.
func (p *Publisher) RegisterExecution(
	ctx context.Context,
	execType *metadata.ExecutionType,
	contexts []*metadata.Context,
	inputs metadata.ArtifactMap,
	props map[string]metadata.Value,
) (*metadata.Execution, error) {
	var registered *metadata.Execution
	err := p.instrument(ctx, OpRegister, 0, func(ctx context.Context, log *zap.Logger) error {
		if err := requireContexts(contexts); err != nil {
			return err
		}
		if execType == nil || (execType.ID == 0 && execType.Name == "") {
			return types.NewError(types.ErrInvalidRequest, "execution type is required")
		}

		exec, err := p.prepareExecution(ctx, execType, props)
		if err != nil {
			return err
		}

		res, err := p.put(ctx, persistence.PutExecutionRequest{
			Execution:      exec,
			Contexts:       contexts,
			InputArtifacts: inputs,
		})
		if err != nil {
			return err
		}

		registered = res.Execution
		p.metrics.RecordStateTransition("", string(registered.LastKnownState))
		p.metrics.RecordArtifactsPublished(string(metadata.EventTypeInput), inputs.Count())
		log.Info("execution registered",
			zap.Int64("execution_id", registered.ID),
			zap.String("execution_type", registered.Type),
			zap.Int("inputs", inputs.Count()),
			zap.Int("contexts", len(contexts)),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return registered, nil
}

func (p *Publisher) prepareExecution(
	ctx context.Context,
	execType *metadata.ExecutionType,
	props map[string]metadata.Value,
) (*metadata.Execution, error) {
	typeID := execType.ID
	if typeID == 0 {
		id, err := timedCall(p, "put_execution_type", func() (int64, error) {
			return p.store.PutExecutionType(ctx, execType)
		})
		if err != nil {
			return nil, fmt.Errorf("register execution type %q: %w", execType.Name, err)
		}
		typeID = id
	}

	exec := &metadata.Execution{
		TypeID:         typeID,
		Type:           execType.Name,
		LastKnownState: metadata.ExecutionStateRunning,
	}
	for name, value := range props {
		kind, declared := execType.Properties[name]
		if !declared {
			if exec.CustomProperties == nil {
				exec.CustomProperties = metadata.Properties{}
			}
			exec.CustomProperties[name] = value
			continue
		}
		if kind != value.Kind {
			return nil, types.Errorf(types.ErrInvalidRequest,
				"property %q is declared %s on %s, got %s", name, kind, execType.Name, value.Kind)
		}
		if exec.Properties == nil {
			exec.Properties = metadata.Properties{}
		}
		exec.Properties[name] = value
	}
	return exec, nil
}

// =============================================================================
// 🚀 发布
// =============================================================================

// PublishSucceededExecution merges the executor output into the output
// skeleton, marks every output artifact LIVE, sets the execution COMPLETE
// and links the outputs with OUTPUT events. It returns the output map as
// persisted, ids included. outputs itself is never modified.
//
// A rejected merge aborts the call before anything is written.
func (p *Publisher) PublishSucceededExecution(
	ctx context.Context,
	executionID int64,
	contexts []*metadata.Context,
	outputs metadata.ArtifactMap,
	executorOutput *metadata.ExecutorOutput,
) (metadata.ArtifactMap, error) {
	var published metadata.ArtifactMap
	err := p.instrument(ctx, OpPublishSucceeded, executionID, func(ctx context.Context, log *zap.Logger) error {
		if err := requireContexts(contexts); err != nil {
			return err
		}

		merged, err := MergeOutputs(outputs, executorOutput)
		if err != nil {
			var mergeErr *MergeError
			if errors.As(err, &mergeErr) {
				p.metrics.RecordMergeRejection(string(mergeErr.Kind))
				log.Warn("executor output rejected",
					zap.String("kind", string(mergeErr.Kind)),
					zap.Strings("channels", mergeErr.Channels),
				)
			}
			return err
		}

		res, err := p.transition(ctx, log, executionID, metadata.ExecutionStateComplete, persistence.PutExecutionRequest{
			Contexts:        contexts,
			OutputArtifacts: merged,
			OutputEventType: metadata.EventTypeOutput,
		})
		if err != nil {
			return err
		}
		published = res.OutputArtifacts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return published, nil
}

// PublishCachedExecution marks the execution CACHED and links outputs with
// OUTPUT events as given. No merge happens and artifact states are kept.
func (p *Publisher) PublishCachedExecution(
	ctx context.Context,
	executionID int64,
	contexts []*metadata.Context,
	outputs metadata.ArtifactMap,
) error {
	return p.instrument(ctx, OpPublishCached, executionID, func(ctx context.Context, log *zap.Logger) error {
		if err := requireContexts(contexts); err != nil {
			return err
		}
		_, err := p.transition(ctx, log, executionID, metadata.ExecutionStateCached, persistence.PutExecutionRequest{
			Contexts:        contexts,
			OutputArtifacts: outputs,
			OutputEventType: metadata.EventTypeOutput,
		})
		return err
	})
}

// PublishFailedExecution marks the execution FAILED. No artifacts are linked.
func (p *Publisher) PublishFailedExecution(
	ctx context.Context,
	executionID int64,
	contexts []*metadata.Context,
) error {
	return p.instrument(ctx, OpPublishFailed, executionID, func(ctx context.Context, log *zap.Logger) error {
		if err := requireContexts(contexts); err != nil {
			return err
		}
		_, err := p.transition(ctx, log, executionID, metadata.ExecutionStateFailed, persistence.PutExecutionRequest{
			Contexts: contexts,
		})
		return err
	})
}

// PublishInternalExecution marks the execution COMPLETE and links outputs
// with INTERNAL_OUTPUT events, for bookkeeping outputs that downstream
// nodes must not consume.
func (p *Publisher) PublishInternalExecution(
	ctx context.Context,
	executionID int64,
	contexts []*metadata.Context,
	outputs metadata.ArtifactMap,
) error {
	return p.instrument(ctx, OpPublishInternal, executionID, func(ctx context.Context, log *zap.Logger) error {
		if err := requireContexts(contexts); err != nil {
			return err
		}
		_, err := p.transition(ctx, log, executionID, metadata.ExecutionStateComplete, persistence.PutExecutionRequest{
			Contexts:        contexts,
			OutputArtifacts: outputs,
			OutputEventType: metadata.EventTypeInternalOutput,
		})
		return err
	})
}

// transition loads the execution, checks the move to target and writes
// req with the execution in its new state. The write only lands if the
// stored state is still the one that was checked.
func (p *Publisher) transition(
	ctx context.Context,
	log *zap.Logger,
	executionID int64,
	target metadata.ExecutionState,
	req persistence.PutExecutionRequest,
) (*persistence.PutExecutionResult, error) {
	exec, err := p.loadExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	from := exec.LastKnownState
	if err := p.checkTransition(exec.ID, from, target); err != nil {
		return nil, err
	}

	exec.LastKnownState = target
	req.Execution = exec
	req.ExpectedState = from

	res, err := p.put(ctx, req)
	if err != nil {
		return nil, err
	}

	eventType := req.OutputEventType
	if eventType == "" {
		eventType = metadata.EventTypeOutput
	}
	count := req.OutputArtifacts.Count()
	p.metrics.RecordStateTransition(string(from), string(target))
	p.metrics.RecordArtifactsPublished(string(eventType), count)
	log.Info("execution published",
		zap.String("from_state", string(from)),
		zap.String("state", string(target)),
		zap.String("event_type", string(eventType)),
		zap.Int("artifacts", count),
	)
	return res, nil
}

// checkTransition enforces the terminal-state rules when strict.
func (p *Publisher) checkTransition(id int64, from, to metadata.ExecutionState) error {
	if !p.strict {
		return nil
	}
	switch from {
	case metadata.ExecutionStateNew, metadata.ExecutionStateRunning, to:
		return nil
	}
	return types.Errorf(types.ErrInvalidTransition,
		"execution %d cannot move from %s to %s", id, from, to)
}

// loadExecution fetches the execution, which must resolve to exactly one record.
func (p *Publisher) loadExecution(ctx context.Context, id int64) (*metadata.Execution, error) {
	execs, err := timedCall(p, "get_executions", func() ([]*metadata.Execution, error) {
		return p.store.GetExecutionsByID(ctx, []int64{id})
	})
	if err != nil {
		return nil, fmt.Errorf("load execution %d: %w", id, err)
	}
	if len(execs) != 1 {
		return nil, types.Errorf(types.ErrNotFound,
			"execution %d: expected exactly one record, found %d", id, len(execs)).
			WithCause(persistence.ErrNotFound)
	}
	return execs[0], nil
}

func (p *Publisher) put(ctx context.Context, req persistence.PutExecutionRequest) (*persistence.PutExecutionResult, error) {
	res, err := timedCall(p, "put_execution", func() (*persistence.PutExecutionResult, error) {
		return p.store.PutExecution(ctx, req)
	})
	if err != nil {
		return nil, fmt.Errorf("put execution %d: %w", req.Execution.ID, err)
	}
	return res, nil
}

func requireContexts(contexts []*metadata.Context) error {
	if len(contexts) == 0 {
		return types.NewError(types.ErrInvalidRequest, "at least one context is required")
	}
	return nil
}

// =============================================================================
// 📊 观测
// =============================================================================

// instrument wraps one public operation with a request id, a span, a
// scoped logger and the operation metrics. A request id already carried by
// ctx is reused.
func (p *Publisher) instrument(
	ctx context.Context,
	op string,
	executionID int64,
	fn func(ctx context.Context, log *zap.Logger) error,
) error {
	requestID, ok := ctxkeys.RequestID(ctx)
	if !ok {
		requestID = p.newRequestID()
		ctx = ctxkeys.WithRequestID(ctx, requestID)
	}
	ctx, span := p.tracer.Start(ctx, "execflow."+op,
		trace.WithAttributes(
			attribute.String("execflow.request_id", requestID),
			attribute.Int64("execflow.execution_id", executionID),
		))
	defer span.End()

	log := p.logger.With(
		zap.String("request_id", requestID),
		zap.String("operation", op),
	)
	if executionID != 0 {
		log = log.With(zap.Int64("execution_id", executionID))
	}
	if runID, ok := ctxkeys.RunID(ctx); ok {
		log = log.With(zap.String("run_id", runID))
		span.SetAttributes(attribute.String("execflow.run_id", runID))
	}

	start := time.Now()
	err := fn(ctx, log)
	duration := time.Since(start)

	if err == nil {
		p.metrics.RecordPublish(op, "success", duration)
		return nil
	}

	p.metrics.RecordPublish(op, "error", duration)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("execflow.error_code", string(types.GetErrorCode(err))))

	var mergeErr *MergeError
	switch {
	case errors.As(err, &mergeErr):
		// already logged with merge detail
	case types.IsErrorCode(err, types.ErrNotFound),
		types.IsErrorCode(err, types.ErrInvalidRequest),
		types.IsErrorCode(err, types.ErrInvalidTransition),
		types.IsErrorCode(err, types.ErrConcurrentModification):
		log.Warn("publish rejected", zap.Error(err))
	default:
		log.Error("publish failed", zap.Error(err))
	}
	return err
}

// timedCall runs one store call and records its latency and error code.
func timedCall[T any](p *Publisher, op string, fn func() (T, error)) (T, error) {
	start := time.Now()
	v, err := fn()
	code := ""
	if err != nil {
		code = string(types.GetErrorCode(err))
		if code == "" {
			code = "UNKNOWN"
		}
	}
	p.metrics.RecordStoreCall(op, code, time.Since(start))
	return v, err
}
