package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/ruteri/device-relay-backend/interfaces"
	"gopkg.in/yaml.v3"
)

// DefaultParameters is the schema applied to operations with no registered
// entry: two required numbers, the shape of the simple arithmetic operations.
var DefaultParameters = []interfaces.ParamSpec{
	{Name: "num1", Type: interfaces.ParamNumber, Required: true},
	{Name: "num2", Type: interfaces.ParamNumber, Required: true},
}

// DefaultAction returns the fallback schema for name.
func DefaultAction(name string) interfaces.ActionParameter {
	return interfaces.ActionParameter{
		Name:        name,
		Parameters:  slices.Clone(DefaultParameters),
		Description: describe(name),
	}
}

func describe(name string) string {
	return fmt.Sprintf("Execute %s operation", name)
}

func builtinActions() []interfaces.ActionParameter {
	return []interfaces.ActionParameter{
		{
			Name:        "factorial",
			Parameters:  []interfaces.ParamSpec{{Name: "num1", Type: interfaces.ParamNumber, Required: true}},
			Description: describe("factorial"),
		},
		{
			Name:        "execute_code",
			Parameters:  []interfaces.ParamSpec{{Name: "code", Type: interfaces.ParamString, Required: true}},
			Description: describe("execute_code"),
		},
		{
			Name: "execute_code_with_input",
			Parameters: []interfaces.ParamSpec{
				{Name: "code", Type: interfaces.ParamString, Required: true},
				{Name: "input_data", Type: interfaces.ParamString, Required: true},
			},
			Description: describe("execute_code_with_input"),
		},
	}
}

// Actions is the in-process action schema registry. It is seeded with the
// built-in schemas and may be extended from a schema file at startup.
type Actions struct {
	mu      sync.RWMutex
	entries map[string]interfaces.ActionParameter
}

func NewActions() *Actions {
	a := &Actions{entries: make(map[string]interfaces.ActionParameter)}
	for _, action := range builtinActions() {
		a.entries[action.Name] = action
	}
	return a
}

// Register adds or replaces a schema.
func (a *Actions) Register(action interfaces.ActionParameter) error {
	if err := ValidateSchema(&action); err != nil {
		return err
	}
	if action.Description == "" {
		action.Description = describe(action.Name)
	}
	action.Parameters = slices.Clone(action.Parameters)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[action.Name] = action
	return nil
}

// Lookup returns the registered schema for name, if any.
func (a *Actions) Lookup(name string) (interfaces.ActionParameter, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	action, ok := a.entries[name]
	if ok {
		action.Parameters = slices.Clone(action.Parameters)
	}
	return action, ok
}

// Names lists the registered schemas in lexical order.
func (a *Actions) Names() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	names := make([]string, 0, len(a.entries))
	for name := range a.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateSchema checks that a schema is well formed.
func ValidateSchema(action *interfaces.ActionParameter) error {
	if strings.TrimSpace(action.Name) == "" {
		return fmt.Errorf("%w: action name is required", interfaces.ErrInvalidParams)
	}
	seen := make(map[string]struct{}, len(action.Parameters))
	for _, p := range action.Parameters {
		if p.Name == "" {
			return fmt.Errorf("%w: action %s: parameter name is required", interfaces.ErrInvalidParams, action.Name)
		}
		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("%w: action %s: duplicate parameter %s", interfaces.ErrInvalidParams, action.Name, p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Type {
		case interfaces.ParamNumber, interfaces.ParamInteger, interfaces.ParamString, interfaces.ParamBoolean:
		default:
			return fmt.Errorf("%w: action %s: parameter %s has unknown type %q", interfaces.ErrInvalidParams, action.Name, p.Name, p.Type)
		}
	}
	return nil
}

type schemaFile struct {
	Actions []interfaces.ActionParameter `yaml:"actions"`
}

// LoadActionSchemas reads a YAML document of the form
//
//	actions:
//	  - name: power
//	    description: Raise num1 to num2
//	    parameters:
//	      - {name: num1, type: number, required: true}
//	      - {name: num2, type: integer, required: true}
//
// into a.
func (a *Actions) LoadActionSchemas(r io.Reader) (int, error) {
	var file schemaFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && err != io.EOF {
		return 0, fmt.Errorf("failed to parse action schemas: %w", err)
	}
	for _, action := range file.Actions {
		if err := a.Register(action); err != nil {
			return 0, err
		}
	}
	return len(file.Actions), nil
}

// LoadActionSchemasFile is LoadActionSchemas over a file path.
func (a *Actions) LoadActionSchemasFile(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return a.LoadActionSchemas(f)
}

// ValidateParams checks params against the schema. Required parameters must be
// present, every present parameter must be declared and of the declared type.
func ValidateParams(action interfaces.ActionParameter, params map[string]any) error {
	declared := make(map[string]interfaces.ParamSpec, len(action.Parameters))
	for _, p := range action.Parameters {
		declared[p.Name] = p
		if _, ok := params[p.Name]; !ok && p.Required {
			return fmt.Errorf("%w: missing required parameter %q", interfaces.ErrInvalidParams, p.Name)
		}
	}

	for name, value := range params {
		spec, ok := declared[name]
		if !ok {
			return fmt.Errorf("%w: unknown parameter %q for %s", interfaces.ErrInvalidParams, name, action.Name)
		}
		if !matchesType(spec.Type, value) {
			return fmt.Errorf("%w: parameter %q must be a %s", interfaces.ErrInvalidParams, name, spec.Type)
		}
	}
	return nil
}

func matchesType(t interfaces.ParamType, value any) bool {
	switch t {
	case interfaces.ParamString:
		_, ok := value.(string)
		return ok
	case interfaces.ParamBoolean:
		_, ok := value.(bool)
		return ok
	case interfaces.ParamNumber:
		_, ok := asFloat(value)
		return ok
	case interfaces.ParamInteger:
		f, ok := asFloat(value)
		return ok && f == math.Trunc(f)
	}
	return false
}

func asFloat(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	return f, !math.IsNaN(f) && !math.IsInf(f, 0)
}
