package config

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// SchemaRegistry holds CUE definitions that documents are checked against
// before they are decoded.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in definitions.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema("schema", builtinSchemaDefinitions); err != nil {
		panic(fmt.Sprintf("built-in schema definitions: %v", err))
	}
	return sr
}

// RegisterSchema compiles source and registers it under name. The source
// must declare a definition named after name, e.g. "#Schema" for "schema".
func (sr *SchemaRegistry) RegisterSchema(name, source string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(source)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	def := val.LookupPath(cue.ParsePath(definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s does not declare %s", name, definitionName(name))
	}
	sr.schemas[name] = def
	return nil
}

// GetSchema retrieves a definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns the registered names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAgainstSchema checks data against the named definition. A
// failing check returns ValidationErrors.
func (sr *SchemaRegistry) ValidateAgainstSchema(schemaName string, data any) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	// cue.Context is not safe for concurrent use.
	sr.mu.Lock()
	defer sr.mu.Unlock()

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return convertCUEErrors(err)
	}
	return nil
}

func definitionName(name string) string {
	if name == "" {
		return "#"
	}
	return "#" + strings.ToUpper(name[:1]) + name[1:]
}

// convertCUEErrors flattens a CUE error list into ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Message: err.Error()})
	}
	return out
}

// builtinSchemaDefinitions describes the structure of a schema document.
// Definitions stay open so documents may carry keys that are not
// interpreted here (prefixes, imports, default_range, ...).
const builtinSchemaDefinitions = `
#Slot: {
	name?:                string
	range?:               string
	required?:            bool
	multivalued?:         bool
	identifier?:          bool
	pattern?:             string
	minimum_value?:       number
	maximum_value?:       number
	minimum_cardinality?: int & >=0
	maximum_cardinality?: int & >=0
	is_a?:                string
	mixins?: [...string]
	description?: string
	annotations?: {[string]: string}
	...
}

#Rule: {
	title?:       string
	description?: string
	preconditions?: {[string]: string}
	postconditions?: {[string]: string}
	deactivated?: bool
	...
}

#UniqueKey: {
	name?: string
	unique_key_slots: [...string] & [_, ...]
	...
}

#Class: {
	name:  string & !=""
	is_a?: string & !=""
	mixins?: [...string]
	slots?: [...string]
	slot_usage?: {[string]: #Slot}
	attributes?: {[string]: #Slot}
	mixin?:    bool
	abstract?: bool
	rules?: [...#Rule]
	unique_keys?: {[string]: #UniqueKey}
	description?: string
	annotations?: {[string]: string}
	...
}

#Enum: {
	name: string & !=""
	permissible_values: [...string]
	...
}

#Schema: {
	id:       string & !=""
	name:     string & !=""
	version?: string
	classes?: {[string]: #Class}
	slots?: {[string]: #Slot}
	enums?: {[string]: #Enum}
	...
}
`
