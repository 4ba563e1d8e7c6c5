package topology

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Aman-CERP/qaserve/internal/config"
	qaerrors "github.com/Aman-CERP/qaserve/internal/errors"
	"github.com/Aman-CERP/qaserve/internal/pipeline"
	"github.com/Aman-CERP/qaserve/internal/stages"
	"github.com/Aman-CERP/qaserve/internal/store"
)

// Description is a declarative pipeline file.
//
//	components:
//	  - name: DocumentStore
//	    type: SQLiteDocumentStore
//	    params: {path: data/documents.db}
//	  - name: Retriever
//	    type: BM25Retriever
//	    params: {document_store: DocumentStore, top_k: 10}
//	pipelines:
//	  - name: query
//	    nodes:
//	      - {name: Retriever, inputs: [Query]}
type Description struct {
	Version    string          `yaml:"version"`
	Components []ComponentSpec `yaml:"components"`
	Pipelines  []PipelineSpec  `yaml:"pipelines"`
}

// ComponentSpec declares one named component. Params are validated only by
// the component's constructor.
type ComponentSpec struct {
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

// PipelineSpec is a named, ordered list of nodes.
type PipelineSpec struct {
	Name  string     `yaml:"name"`
	Nodes []NodeSpec `yaml:"nodes"`
}

// NodeSpec places a component in a pipeline.
type NodeSpec struct {
	Name   string   `yaml:"name"`
	Inputs []string `yaml:"inputs"`
}

// ReadDescription parses and checks a pipeline description file.
func ReadDescription(path string) (*Description, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, qaerrors.PipelineConfigError(fmt.Sprintf("failed to read pipeline description %s", path), err).
			WithDetail("path", path)
	}
	return ParseDescription(data)
}

// ParseDescription parses and checks a pipeline description.
func ParseDescription(data []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, qaerrors.PipelineConfigError("malformed pipeline description", err)
	}
	if err := d.validate(); err != nil {
		return nil, qaerrors.PipelineConfigError(err.Error(), nil)
	}
	return &d, nil
}

func (d *Description) validate() error {
	if len(d.Components) == 0 {
		return fmt.Errorf("pipeline description declares no components")
	}
	seen := make(map[string]bool, len(d.Components))
	for i, c := range d.Components {
		if c.Name == "" {
			return fmt.Errorf("component %d has no name", i)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate component %s", c.Name)
		}
		seen[c.Name] = true
		if _, ok := registry[c.Type]; !ok {
			return fmt.Errorf("component %s has unknown type %q (known: %s)",
				c.Name, c.Type, strings.Join(ComponentTypes(), ", "))
		}
	}
	names := make(map[string]bool, len(d.Pipelines))
	for _, p := range d.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("pipeline with no name")
		}
		if names[p.Name] {
			return fmt.Errorf("duplicate pipeline %s", p.Name)
		}
		names[p.Name] = true
	}
	return nil
}

// Pipeline returns the named pipeline spec.
func (d *Description) Pipeline(name string) (PipelineSpec, bool) {
	for _, p := range d.Pipelines {
		if p.Name == name {
			return p, true
		}
	}
	return PipelineSpec{}, false
}

func (d *Description) component(name string) (ComponentSpec, bool) {
	for _, c := range d.Components {
		if c.Name == name {
			return c, true
		}
	}
	return ComponentSpec{}, false
}

// Loader builds pipelines from a description file. Every Load reads the
// file again and constructs its own components, so two loads never share
// component instances.
type Loader struct {
	path    string
	cfg     *config.Config
	environ func() []string
	logger  *slog.Logger
}

// NewLoader creates a loader for the description at path. cfg supplies
// defaults for params a component does not set.
func NewLoader(path string, cfg *config.Config) *Loader {
	return &Loader{path: path, cfg: cfg, environ: processEnviron, logger: slog.Default()}
}

// WithLogger sets the logger for loading events and returns l.
func (l *Loader) WithLogger(log *slog.Logger) *Loader {
	if log != nil {
		l.logger = log
	}
	return l
}

// Load builds the named pipeline with fresh component instances.
func (l *Loader) Load(ctx context.Context, name string) (*pipeline.Pipeline, error) {
	desc, err := ReadDescription(l.path)
	if err != nil {
		return nil, err
	}
	return l.build(ctx, desc, name)
}

func (l *Loader) build(ctx context.Context, desc *Description, name string) (*pipeline.Pipeline, error) {
	spec, ok := desc.Pipeline(name)
	if !ok {
		return nil, qaerrors.PipelineConfigError(fmt.Sprintf("pipeline %s not found in %s", name, l.path), nil).
			WithDetail("pipeline", name)
	}

	st := &loadState{
		cfg:      l.cfg,
		desc:     desc,
		environ:  l.environ(),
		log:      l.logger,
		built:    make(map[string]any),
		building: make(map[string]bool),
	}
	p, err := st.assemble(ctx, spec)
	if err != nil {
		st.closeBuilt()
		return nil, qaerrors.PipelineConfigError(fmt.Sprintf("failed to load pipeline %s", name), err).
			WithDetail("pipeline", name)
	}
	return p, nil
}

// loadState holds the components constructed by one Load.
type loadState struct {
	cfg      *config.Config
	desc     *Description
	environ  []string
	log      *slog.Logger
	built    map[string]any
	building map[string]bool
	order    []any
}

func (s *loadState) assemble(ctx context.Context, spec PipelineSpec) (*pipeline.Pipeline, error) {
	if len(spec.Nodes) == 0 {
		return nil, fmt.Errorf("pipeline %s has no nodes", spec.Name)
	}
	p := pipeline.New(spec.Name)
	prevOutput := pipeline.Kind("")
	for i, n := range spec.Nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		comp, err := s.resolve(n.Name)
		if err != nil {
			return nil, err
		}
		stage, err := asStage(n.Name, comp, i > 0 && prevOutput == pipeline.KindDocuments)
		if err != nil {
			return nil, err
		}
		if err := p.AddNode(n.Name, stage, n.Inputs); err != nil {
			return nil, err
		}
		prevOutput = stage.Output()
	}
	return p, nil
}

// asStage adapts a component to its node form: stores become writers and
// retrievers fed with documents become document embedders.
func asStage(name string, comp any, afterDocuments bool) (pipeline.Stage, error) {
	switch c := comp.(type) {
	case store.DocumentStore:
		return stages.NewDocumentWriter(c)
	case stages.PassageEmbedder:
		if afterDocuments {
			return stages.NewDocumentEmbedder(c), nil
		}
		return c, nil
	case pipeline.Stage:
		return c, nil
	}
	return nil, fmt.Errorf("component %s cannot be used as a node", name)
}

func (s *loadState) resolveStore(name string) (store.DocumentStore, error) {
	comp, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	ds, ok := comp.(store.DocumentStore)
	if !ok {
		return nil, fmt.Errorf("component %s is not a document store", name)
	}
	return ds, nil
}

// resolve returns the component named name, constructing it on first use.
func (s *loadState) resolve(name string) (any, error) {
	if c, ok := s.built[name]; ok {
		return c, nil
	}
	spec, ok := s.desc.component(name)
	if !ok {
		return nil, fmt.Errorf("unresolved component reference %s", name)
	}
	if s.building[name] {
		return nil, fmt.Errorf("component %s references itself", name)
	}
	s.building[name] = true
	defer delete(s.building, name)

	p := newParams(spec.Name, spec.Params, s.environ)
	comp, err := registry[spec.Type](s, p)
	if err != nil {
		return nil, fmt.Errorf("component %s (%s): %w", spec.Name, spec.Type, err)
	}
	if unknown := p.unknown(); len(unknown) > 0 {
		closeComponent(comp)
		return nil, fmt.Errorf("component %s (%s): unknown params %s",
			spec.Name, spec.Type, strings.Join(unknown, ", "))
	}
	if ignored := p.ignoredEnv(); len(ignored) > 0 {
		s.log.Warn("component_env_params_ignored",
			slog.String("component", spec.Name),
			slog.Any("params", ignored))
	}

	s.built[name] = comp
	s.order = append(s.order, comp)
	return comp, nil
}

// closeBuilt closes components in reverse construction order.
func (s *loadState) closeBuilt() {
	for i := len(s.order) - 1; i >= 0; i-- {
		closeComponent(s.order[i])
	}
}

func closeComponent(c any) {
	if closer, ok := c.(io.Closer); ok {
		_ = closer.Close()
	}
}
