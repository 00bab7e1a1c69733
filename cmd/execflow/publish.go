package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/execflow/internal/ctxkeys"
	"github.com/BaSui01/execflow/metadata"
	"github.com/BaSui01/execflow/persistence"
	"github.com/BaSui01/execflow/types"
)

// =============================================================================
// 📝 发布请求
// =============================================================================

// Operations accepted in a publish request.
const (
	opRegister  = "register"
	opSucceeded = "succeeded"
	opCached    = "cached"
	opFailed    = "failed"
	opInternal  = "internal"
)

type contextRef struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// publishRequest is the file format of execflow publish. Artifacts may name
// their type instead of giving a type id; named types are registered on use.
type publishRequest struct {
	Operation      string                    `json:"operation"`
	RunID          string                    `json:"run_id,omitempty"`
	ExecutionID    int64                     `json:"execution_id,omitempty"`
	ExecutionType  *metadata.ExecutionType   `json:"execution_type,omitempty"`
	Contexts       []contextRef              `json:"contexts"`
	Properties     map[string]metadata.Value `json:"properties,omitempty"`
	Inputs         metadata.ArtifactMap      `json:"inputs,omitempty"`
	Outputs        metadata.ArtifactMap      `json:"outputs,omitempty"`
	ExecutorOutput *metadata.ExecutorOutput  `json:"executor_output,omitempty"`
}

// decodeRequest accepts YAML or JSON. The document goes through a generic
// value so both formats share the json field names.
func decodeRequest(data []byte) (*publishRequest, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}

	var req publishRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	if req.Operation == "" {
		return nil, fmt.Errorf("request has no operation")
	}
	return &req, nil
}

// =============================================================================
// 🚀 执行
// =============================================================================

// execute runs req against the publisher and returns what should be printed.
func (a *app) execute(ctx context.Context, req *publishRequest) (any, error) {
	if req.RunID != "" {
		ctx = ctxkeys.WithRunID(ctx, req.RunID)
	}
	contexts, err := a.resolveContexts(ctx, req.Contexts)
	if err != nil {
		return nil, err
	}
	if err := a.resolveArtifactTypes(ctx, req); err != nil {
		return nil, err
	}

	p := a.publisher
	switch req.Operation {
	case opRegister:
		return p.RegisterExecution(ctx, req.ExecutionType, contexts, req.Inputs, req.Properties)
	case opSucceeded:
		outputs, err := p.PublishSucceededExecution(ctx, req.ExecutionID, contexts, req.Outputs, req.ExecutorOutput)
		if err != nil {
			return nil, err
		}
		return map[string]any{"execution_id": req.ExecutionID, "outputs": outputs}, nil
	case opCached:
		err = p.PublishCachedExecution(ctx, req.ExecutionID, contexts, req.Outputs)
	case opFailed:
		err = p.PublishFailedExecution(ctx, req.ExecutionID, contexts)
	case opInternal:
		err = p.PublishInternalExecution(ctx, req.ExecutionID, contexts, req.Outputs)
	default:
		return nil, types.Errorf(types.ErrInvalidRequest, "unknown operation %q", req.Operation)
	}
	if err != nil {
		return nil, err
	}
	return a.report(ctx, req.ExecutionID)
}

func (a *app) resolveContexts(ctx context.Context, refs []contextRef) ([]*metadata.Context, error) {
	contexts := make([]*metadata.Context, 0, len(refs))
	for _, ref := range refs {
		c := &metadata.Context{Type: ref.Type, Name: ref.Name}
		id, err := a.store.PutContext(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("register context %s/%s: %w", ref.Type, ref.Name, err)
		}
		c.ID = id
		contexts = append(contexts, c)
	}
	return contexts, nil
}

// resolveArtifactTypes fills TypeID from Type for every artifact of req.
func (a *app) resolveArtifactTypes(ctx context.Context, req *publishRequest) error {
	ids := map[string]int64{}
	resolve := func(art *metadata.Artifact) error {
		if art == nil || art.TypeID != 0 || art.Type == "" {
			return nil
		}
		id, ok := ids[art.Type]
		if !ok {
			var err error
			id, err = a.store.PutArtifactType(ctx, &metadata.ArtifactType{Name: art.Type})
			if err != nil {
				return fmt.Errorf("register artifact type %q: %w", art.Type, err)
			}
			ids[art.Type] = id
		}
		art.TypeID = id
		return nil
	}

	var err error
	visit := func(_ string, _ int, art *metadata.Artifact) {
		if err == nil {
			err = resolve(art)
		}
	}
	req.Inputs.Each(visit)
	req.Outputs.Each(visit)
	if req.ExecutorOutput != nil {
		for _, list := range req.ExecutorOutput.OutputArtifacts {
			for _, art := range list.Artifacts {
				if err == nil {
					err = resolve(art)
				}
			}
		}
	}
	return err
}

// =============================================================================
// 🔍 查询
// =============================================================================

type executionReport struct {
	Execution *metadata.Execution `json:"execution"`
	Events    []*metadata.Event   `json:"events"`
	Contexts  []*metadata.Context `json:"contexts"`
}

func (a *app) report(ctx context.Context, id int64) (*executionReport, error) {
	execs, err := a.store.GetExecutionsByID(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	if len(execs) != 1 {
		return nil, types.Errorf(types.ErrNotFound, "execution %d not found", id).WithCause(persistence.ErrNotFound)
	}
	events, err := a.store.GetEventsByExecutionIDs(ctx, []int64{id})
	if err != nil {
		return nil, err
	}
	metadata.SortEvents(events)
	contexts, err := a.store.GetContextsByExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	return &executionReport{Execution: execs[0], Events: events, Contexts: contexts}, nil
}

// =============================================================================
// 🖥️ 子命令
// =============================================================================

const commandTimeout = 30 * time.Second

func runPublish(args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	file := fs.String("file", "-", `Publish request (YAML or JSON), "-" reads stdin`)
	if err := fs.Parse(args); err != nil {
		return err
	}

	var data []byte
	var err error
	if *file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(*file)
	}
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}
	req, err := decodeRequest(data)
	if err != nil {
		return err
	}

	return withApp(*configPath, func(ctx context.Context, a *app) error {
		out, err := a.execute(ctx, req)
		if err != nil {
			return err
		}
		return writeJSON(stdout, out)
	})
}

func runShow(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to config file")
	id := fs.Int64("id", 0, "Execution id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return fmt.Errorf("--id is required")
	}

	return withApp(*configPath, func(ctx context.Context, a *app) error {
		rep, err := a.report(ctx, *id)
		if err != nil {
			return err
		}
		return writeJSON(stdout, rep)
	})
}

func withApp(configPath string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer logger.Sync()

	a, err := newApp(cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer a.finish()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	return fn(ctx, a)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
