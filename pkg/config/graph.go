package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/runforge/runforge/pkg/engine"
)

// graphSchema is the CUE schema every graph specification must satisfy,
// regardless of the source format.
const graphSchema = `
graph_id: string & !=""
dry_run?: bool
auto_rollback?: bool
stop_on_first_error?: bool
degraded_dependents?: "satisfy" | "skip"
steps: [...{
	step_id: string & !=""
	kind:    string & !=""
	depends_on?: [...string]
	params?: {...}
	critical?:         bool
	rollback_capable?: bool
	collaborator?:     string
	external_calls?:   int & >=0
	timeout?:          string
}]
`

// stepDoc mirrors engine.StepSpec with the timeout as a duration string.
type stepDoc struct {
	StepID          string                 `json:"step_id" yaml:"step_id"`
	Kind            string                 `json:"kind" yaml:"kind"`
	DependsOn       []string               `json:"depends_on,omitempty" yaml:"depends_on"`
	Params          map[string]interface{} `json:"params,omitempty" yaml:"params"`
	Critical        bool                   `json:"critical,omitempty" yaml:"critical"`
	RollbackCapable bool                   `json:"rollback_capable,omitempty" yaml:"rollback_capable"`
	Collaborator    string                 `json:"collaborator,omitempty" yaml:"collaborator"`
	ExternalCalls   int                    `json:"external_calls,omitempty" yaml:"external_calls"`
	Timeout         string                 `json:"timeout,omitempty" yaml:"timeout"`
}

// graphDoc mirrors engine.GraphSpec for parsing.
type graphDoc struct {
	GraphID            string    `json:"graph_id" yaml:"graph_id"`
	Steps              []stepDoc `json:"steps" yaml:"steps"`
	DryRun             bool      `json:"dry_run,omitempty" yaml:"dry_run"`
	AutoRollback       bool      `json:"auto_rollback,omitempty" yaml:"auto_rollback"`
	StopOnFirstError   bool      `json:"stop_on_first_error,omitempty" yaml:"stop_on_first_error"`
	DegradedDependents string    `json:"degraded_dependents,omitempty" yaml:"degraded_dependents"`
}

// GraphParser parses graph specifications from YAML or CUE files.
type GraphParser struct {
	ctx      *cue.Context
	schema   cue.Value
	validate *validator.Validate
}

// NewGraphParser creates a parser with the builtin graph schema compiled.
func NewGraphParser() (*GraphParser, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(graphSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile graph schema: %w", err)
	}
	return &GraphParser{
		ctx:      ctx,
		schema:   schema,
		validate: validator.New(),
	}, nil
}

// ParseFile parses a graph specification; the format follows the file
// extension (.yaml, .yml, or .cue).
func (p *GraphParser) ParseFile(path string) (*engine.GraphSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph spec %s: %w", path, err)
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return p.ParseYAML(raw)
	case ".cue":
		return p.ParseCUE(raw, path)
	default:
		return nil, fmt.Errorf("unsupported graph spec format: %s", path)
	}
}

// ParseYAML parses a YAML graph specification and checks it against the CUE
// schema.
func (p *GraphParser) ParseYAML(raw []byte) (*engine.GraphSpec, error) {
	var doc graphDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse graph spec: %w", err)
	}
	if err := p.checkSchema(doc); err != nil {
		return nil, err
	}
	return p.toSpec(doc)
}

// ParseCUE evaluates a CUE graph specification.
func (p *GraphParser) ParseCUE(raw []byte, filename string) (*engine.GraphSpec, error) {
	val := p.ctx.CompileString(string(raw), cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile graph spec: %w", err)
	}

	unified := val.Unify(p.schema)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("graph spec violates schema: %w", err)
	}

	var doc graphDoc
	if err := unified.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode graph spec: %w", err)
	}
	return p.toSpec(doc)
}

// checkSchema validates a decoded document against the CUE schema. YAML
// sources go through the same schema as CUE sources.
func (p *GraphParser) checkSchema(doc graphDoc) error {
	val := p.ctx.Encode(doc)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode graph spec: %w", err)
	}
	if err := p.schema.Unify(val).Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("graph spec violates schema: %w", err)
	}
	return nil
}

// toSpec converts the parsed document into an engine spec.
func (p *GraphParser) toSpec(doc graphDoc) (*engine.GraphSpec, error) {
	spec := &engine.GraphSpec{
		GraphID:            doc.GraphID,
		DryRun:             doc.DryRun,
		AutoRollback:       doc.AutoRollback,
		StopOnFirstError:   doc.StopOnFirstError,
		DegradedDependents: engine.DegradePolicy(doc.DegradedDependents),
	}
	for _, sd := range doc.Steps {
		step := engine.StepSpec{
			ID:              sd.StepID,
			Kind:            sd.Kind,
			DependsOn:       sd.DependsOn,
			Params:          sd.Params,
			Critical:        sd.Critical,
			RollbackCapable: sd.RollbackCapable,
			Collaborator:    sd.Collaborator,
			ExternalCalls:   sd.ExternalCalls,
		}
		if sd.Timeout != "" {
			d, err := time.ParseDuration(sd.Timeout)
			if err != nil {
				return nil, fmt.Errorf("step %s has invalid timeout %q: %w", sd.StepID, sd.Timeout, err)
			}
			step.Timeout = d
		}
		spec.Steps = append(spec.Steps, step)
	}

	if err := p.validate.Struct(spec); err != nil {
		return nil, fmt.Errorf("invalid graph spec: %w", err)
	}
	return spec, nil
}
