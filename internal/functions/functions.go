// Package functions holds the static catalogue of actions that the external
// conversation planner may call.
//
// Each [AgentFunction] carries a JSON schema reflected from a Go argument
// struct. The catalogue can be exported as plain JSON, as OpenAI tool
// parameters, as MCP tools, or served directly over MCP with
// [Registry.NewMCPServer]. The registry itself has no runtime behaviour beyond
// validating the required fields of a call.
package functions

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	// ErrUnknownFunction is returned for a name that is not in the catalogue.
	ErrUnknownFunction = errors.New("functions: unknown function")

	// ErrMissingField is returned when a required argument is absent or empty.
	ErrMissingField = errors.New("functions: missing required field")

	// ErrInvalidValue is returned when an argument is not one of the allowed
	// enum values.
	ErrInvalidValue = errors.New("functions: invalid value")
)

// Function names in the default catalogue.
const (
	LaunchSpecialistWorkflow = "launch_specialist_workflow"
	QueryTaskStatus          = "query_task_status"
	CreateContent            = "create_content"
	AnalyzeData              = "analyze_data"
)

// AgentFunction is one callable action.
type AgentFunction struct {
	Name        string             `json:"name"`
	Description string             `json:"description"`
	Parameters  *jsonschema.Schema `json:"parameters"`
	Required    []string           `json:"required"`
}

// LaunchSpecialistWorkflowArgs are the arguments of launch_specialist_workflow.
type LaunchSpecialistWorkflowArgs struct {
	Specialist string `json:"specialist" jsonschema:"enum=research,enum=engineering,enum=design,enum=data,enum=writing" jsonschema_description:"Which specialist team should take over the request."`
	Objective  string `json:"objective" jsonschema_description:"What the specialist should accomplish, in one or two sentences."`
	Context    string `json:"context,omitempty" jsonschema_description:"Relevant details from the conversation so far."`
	Priority   string `json:"priority,omitempty" jsonschema:"enum=low,enum=normal,enum=high" jsonschema_description:"How urgently the workflow should run."`
}

// QueryTaskStatusArgs are the arguments of query_task_status.
type QueryTaskStatusArgs struct {
	TaskID         string `json:"task_id" jsonschema_description:"Identifier returned when the task was launched."`
	IncludeDetails bool   `json:"include_details,omitempty" jsonschema_description:"Return intermediate results as well as the status."`
}

// CreateContentArgs are the arguments of create_content.
type CreateContentArgs struct {
	ContentType string `json:"content_type" jsonschema:"enum=document,enum=email,enum=summary,enum=code,enum=presentation" jsonschema_description:"Kind of content to produce."`
	Topic       string `json:"topic" jsonschema_description:"Subject of the content."`
	Audience    string `json:"audience,omitempty" jsonschema_description:"Intended readers."`
	Length      string `json:"length,omitempty" jsonschema:"enum=short,enum=medium,enum=long" jsonschema_description:"Approximate size of the result."`
}

// AnalyzeDataArgs are the arguments of analyze_data.
type AnalyzeDataArgs struct {
	Source   string `json:"source" jsonschema_description:"Dataset, file or system to analyse."`
	Question string `json:"question" jsonschema_description:"What the analysis should answer."`
	Format   string `json:"format,omitempty" jsonschema:"enum=table,enum=chart,enum=summary" jsonschema_description:"Preferred presentation of the findings."`
}

// reflector produces self-contained object schemas without $ref or $id.
var reflector = jsonschema.Reflector{
	Anonymous:      true,
	DoNotReference: true,
	ExpandedStruct: true,
}

// Define reflects the schema of T and returns the AgentFunction for it.
// Fields without omitempty are required.
func Define[T any](name, description string) (AgentFunction, error) {
	if name == "" {
		return AgentFunction{}, errors.New("functions: name must not be empty")
	}
	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Struct {
		return AgentFunction{}, fmt.Errorf("functions: %s: arguments must be a struct, got %s", name, t.Kind())
	}
	schema := reflector.ReflectFromType(t)
	schema.Version = ""
	return AgentFunction{
		Name:        name,
		Description: description,
		Parameters:  schema,
		Required:    slices.Clone(schema.Required),
	}, nil
}

func mustDefine[T any](name, description string) AgentFunction {
	fn, err := Define[T](name, description)
	if err != nil {
		panic(err)
	}
	return fn
}

// Registry is an ordered, immutable set of functions. It is safe for
// concurrent use.
type Registry struct {
	funcs  []AgentFunction
	byName map[string]int
}

// NewRegistry returns a registry holding fns in order. Duplicate or empty
// names are rejected.
func NewRegistry(fns ...AgentFunction) (*Registry, error) {
	r := &Registry{byName: make(map[string]int, len(fns))}
	for _, fn := range fns {
		if fn.Name == "" {
			return nil, errors.New("functions: name must not be empty")
		}
		if _, dup := r.byName[fn.Name]; dup {
			return nil, fmt.Errorf("functions: duplicate function %q", fn.Name)
		}
		if fn.Parameters == nil {
			return nil, fmt.Errorf("functions: %s: parameters must not be nil", fn.Name)
		}
		r.byName[fn.Name] = len(r.funcs)
		r.funcs = append(r.funcs, fn)
	}
	return r, nil
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	r, err := NewRegistry(
		mustDefine[LaunchSpecialistWorkflowArgs](LaunchSpecialistWorkflow,
			"Hand a request that needs deep expertise to a specialist team and start a tracked workflow. Returns a task ID."),
		mustDefine[QueryTaskStatusArgs](QueryTaskStatus,
			"Look up the progress of a previously launched task."),
		mustDefine[CreateContentArgs](CreateContent,
			"Draft written content such as a document, email, summary or code snippet."),
		mustDefine[AnalyzeDataArgs](AnalyzeData,
			"Run an analysis over a dataset and report the findings."),
	)
	if err != nil {
		panic(err)
	}
	return r
})

// Default returns the built-in catalogue.
func Default() *Registry { return defaultRegistry() }

// Get returns the function called name.
func (r *Registry) Get(name string) (AgentFunction, bool) {
	i, ok := r.byName[name]
	if !ok {
		return AgentFunction{}, false
	}
	return r.funcs[i], true
}

// All returns every function in registration order.
func (r *Registry) All() []AgentFunction {
	return slices.Clone(r.funcs)
}

// Names returns the function names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.funcs))
	for i, fn := range r.funcs {
		names[i] = fn.Name
	}
	return names
}

// Validate checks that args carries every required field of the named
// function with a non-empty value, and that enum fields hold allowed values.
// All problems are reported, joined.
func (r *Registry) Validate(name string, args json.RawMessage) error {
	fn, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownFunction, name)
	}
	var values map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &values); err != nil {
			return fmt.Errorf("functions: %s: decode arguments: %w", name, err)
		}
	}

	var errs []error
	for _, field := range fn.Required {
		if isEmpty(values[field]) {
			errs = append(errs, fmt.Errorf("%w: %s.%s", ErrMissingField, name, field))
		}
	}
	if fn.Parameters.Properties != nil {
		for field, v := range values {
			prop, ok := fn.Parameters.Properties.Get(field)
			if !ok || len(prop.Enum) == 0 || isEmpty(v) {
				continue
			}
			if !slices.Contains(prop.Enum, v) {
				errs = append(errs, fmt.Errorf("%w: %s.%s = %v", ErrInvalidValue, name, field, v))
			}
		}
	}
	return errors.Join(errs...)
}

// MarshalJSON exports the catalogue as a JSON array.
func (r *Registry) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.funcs)
}

// schemaMap converts a reflected schema to a generic JSON object.
func schemaMap(s *jsonschema.Schema) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	}
	return false
}
