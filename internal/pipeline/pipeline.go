// Package pipeline defines the stage contract and the ordered, kind-checked
// chain of stages that serves a query or indexes files.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// Kind is the type of data flowing between stages.
type Kind string

const (
	KindQuery     Kind = "query"
	KindFiles     Kind = "files"
	KindDocuments Kind = "documents"
	KindAnswers   Kind = "answers"
)

// Root inputs. The first node of a pipeline names one of these as its input.
const (
	RootQuery = "Query"
	RootFile  = "File"
)

var rootKinds = map[string]Kind{
	RootQuery: KindQuery,
	RootFile:  KindFiles,
}

// Stage is a named, swappable unit of work with a declared input and output
// kind. Run must keep per-request state on the payload, never on the stage,
// because stages are shared by concurrent requests.
type Stage interface {
	// Type is the component type, e.g. "BM25Retriever".
	Type() string
	Input() Kind
	Output() Kind
	Run(ctx context.Context, p *Payload) error
}

// StoreHolder is implemented by stages bound to a document store.
type StoreHolder interface {
	DocumentStore() store.DocumentStore
}

// Node is a stage placed in a pipeline.
type Node struct {
	Name   string
	Stage  Stage
	Inputs []string
}

// Pipeline is an ordered chain of stages. The first node consumes a root
// input; each later node consumes the node before it.
type Pipeline struct {
	name  string
	root  string
	nodes []Node

	closeOnce sync.Once
	closeErr  error
}

// New creates an empty pipeline.
func New(name string) *Pipeline {
	return &Pipeline{name: name}
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Root returns the root input (RootQuery or RootFile), or "" when empty.
func (p *Pipeline) Root() string { return p.root }

// Nodes returns a copy of the pipeline's nodes in order.
func (p *Pipeline) Nodes() []Node {
	out := make([]Node, len(p.nodes))
	copy(out, p.nodes)
	return out
}

// StageTypes returns the component type of each node in order.
func (p *Pipeline) StageTypes() []string {
	types := make([]string, len(p.nodes))
	for i, n := range p.nodes {
		types[i] = n.Stage.Type()
	}
	return types
}

// AddNode appends a stage. It fails with an IncompatibleStages error when
// the stage's input kind does not match what its input produces, and with
// a PipelineConfig error for structural problems.
func (p *Pipeline) AddNode(name string, stage Stage, inputs []string) error {
	if name == "" {
		return qaerrors.PipelineConfigError("node name must not be empty", nil)
	}
	if stage == nil {
		return qaerrors.PipelineConfigError(fmt.Sprintf("node %s has no stage", name), nil)
	}
	if _, isRoot := rootKinds[name]; isRoot {
		return qaerrors.PipelineConfigError(fmt.Sprintf("node name %s is reserved", name), nil)
	}
	for _, n := range p.nodes {
		if n.Name == name {
			return qaerrors.PipelineConfigError(fmt.Sprintf("duplicate node name %s", name), nil)
		}
	}
	if len(inputs) != 1 {
		return qaerrors.PipelineConfigError(
			fmt.Sprintf("node %s must have exactly one input, got %d", name, len(inputs)), nil)
	}
	input := inputs[0]

	var produced Kind
	if len(p.nodes) == 0 {
		kind, ok := rootKinds[input]
		if !ok {
			return qaerrors.PipelineConfigError(
				fmt.Sprintf("first node %s must take %s or %s, got %s", name, RootQuery, RootFile, input), nil)
		}
		produced = kind
	} else {
		last := p.nodes[len(p.nodes)-1]
		if input != last.Name {
			return qaerrors.PipelineConfigError(
				fmt.Sprintf("node %s must take the previous node %s, got %s", name, last.Name, input), nil)
		}
		produced = last.Stage.Output()
	}

	if stage.Input() != produced {
		return qaerrors.New(qaerrors.ErrCodeIncompatibleStages,
			fmt.Sprintf("node %s (%s) expects %s but %s produces %s",
				name, stage.Type(), stage.Input(), input, produced), nil).
			WithDetail("node", name).
			WithDetail("input", input)
	}

	if len(p.nodes) == 0 {
		p.root = input
	}
	p.nodes = append(p.nodes, Node{Name: name, Stage: stage, Inputs: []string{input}})
	return nil
}

// DocumentStore returns the store held by the first store-bound stage, or
// nil when no stage holds one.
func (p *Pipeline) DocumentStore() store.DocumentStore {
	for _, n := range p.nodes {
		if h, ok := n.Stage.(StoreHolder); ok {
			if s := h.DocumentStore(); s != nil {
				return s
			}
		}
	}
	return nil
}

// Output returns the kind produced by the last stage.
func (p *Pipeline) Output() Kind {
	if len(p.nodes) == 0 {
		return ""
	}
	return p.nodes[len(p.nodes)-1].Stage.Output()
}

// Run executes each stage in order against payload.
func (p *Pipeline) Run(ctx context.Context, payload *Payload) (*Payload, error) {
	if len(p.nodes) == 0 {
		return nil, qaerrors.PipelineConfigError(fmt.Sprintf("pipeline %s has no nodes", p.name), nil)
	}
	if payload == nil {
		payload = &Payload{}
	}
	switch p.root {
	case RootQuery:
		if payload.Query == "" {
			return nil, qaerrors.New(qaerrors.ErrCodeQueryEmpty, "query must not be empty", nil)
		}
	case RootFile:
		if len(payload.Files) == 0 {
			return nil, qaerrors.ValidationError("no files to index", nil)
		}
	}

	start := time.Now()
	for _, n := range p.nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := n.Stage.Run(ctx, payload); err != nil {
			return nil, fmt.Errorf("pipeline %s node %s: %w", p.name, n.Name, err)
		}
	}

	slog.Debug("pipeline_run",
		slog.String("pipeline", p.name),
		slog.Int("documents", len(payload.Documents)),
		slog.Int("answers", len(payload.Answers)),
		slog.Duration("duration", time.Since(start)))
	return payload, nil
}

// RunQuery runs a query pipeline.
func (p *Pipeline) RunQuery(ctx context.Context, query string, params Params) (*Payload, error) {
	return p.Run(ctx, &Payload{Query: query, Params: params})
}

// RunFiles runs an indexing pipeline over local file paths.
func (p *Pipeline) RunFiles(ctx context.Context, paths []string, meta map[string]string) (*Payload, error) {
	return p.Run(ctx, &Payload{Files: paths, FileMeta: meta})
}

// Close closes every stage implementing io.Closer and every distinct
// document store held by the pipeline, once.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		seen := make(map[any]bool)
		closeIt := func(c io.Closer) {
			if seen[c] {
				return
			}
			seen[c] = true
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, n := range p.nodes {
			if c, ok := n.Stage.(io.Closer); ok {
				closeIt(c)
			}
			if h, ok := n.Stage.(StoreHolder); ok && h.DocumentStore() != nil {
				closeIt(h.DocumentStore())
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
