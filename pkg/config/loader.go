package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/linkval/pkg/engine"
)

// Format is the encoding of a document.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// FormatFor picks the format from a file extension. Anything that is not
// .json is read as YAML, which also accepts most JSON.
func FormatFor(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// SchemaLoader reads schema documents and turns them into engine.Schema
// values after a structural check.
type SchemaLoader struct {
	registry *SchemaRegistry
	validate *validator.Validate
}

// NewSchemaLoader creates a loader with the built-in structural checks.
func NewSchemaLoader() *SchemaLoader {
	return &SchemaLoader{
		registry: NewSchemaRegistry(),
		validate: validator.New(),
	}
}

// LoadFile reads and parses the schema document at path.
func (l *SchemaLoader) LoadFile(path string) (*engine.Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	schema, err := l.Parse(data, FormatFor(path))
	if err != nil {
		var verrs ValidationErrors
		if errors.As(err, &verrs) {
			for i := range verrs {
				verrs[i].File = path
			}
		}
		var engErr *engine.EngineError
		if errors.As(err, &engErr) && engErr.Resource == "" {
			engErr.Resource = path
		}
		return nil, err
	}
	return schema, nil
}

// Parse decodes a schema document. Names left implicit by map keys are
// filled in and permissible value maps are reduced to their keys before the
// document is checked against the #Schema definition.
func (l *SchemaLoader) Parse(data []byte, format Format) (*engine.Schema, error) {
	doc, err := decodeDocument(data, format)
	if err != nil {
		return nil, engine.NewPermanentError("failed to decode schema document", err).
			WithCode(engine.ErrCodeValidation)
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("schema document must be a mapping, got %T", doc), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if format == FormatJSON {
		integralNumbers(root)
	}
	normalizeSchema(root)
	dropNulls(root)

	if err := l.registry.ValidateAgainstSchema("schema", root); err != nil {
		return nil, engine.NewPermanentError("schema document failed structural check", err).
			WithCode(engine.ErrCodeValidation)
	}

	raw, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode schema: %w", err)
	}
	var schema engine.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return nil, engine.NewPermanentError("failed to decode schema", err).
			WithCode(engine.ErrCodeValidation)
	}

	if err := l.validate.Struct(&schema); err != nil {
		return nil, engine.NewPermanentError("schema failed validation", fieldErrors(err)).
			WithCode(engine.ErrCodeValidation).
			WithResource(schema.ID)
	}
	return &schema, nil
}

// LoadInstances reads data instances from path. A file may hold one
// mapping, a list of mappings, or several YAML documents.
func LoadInstances(path string) ([]map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read instances: %w", err)
	}
	return ParseInstances(data, FormatFor(path))
}

// ParseInstances decodes data instances.
func ParseInstances(data []byte, format Format) ([]map[string]any, error) {
	var docs []any
	if format == FormatJSON {
		doc, err := decodeDocument(data, FormatJSON)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		for {
			var doc any
			err := dec.Decode(&doc)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to parse instances: %w", err)
			}
			docs = append(docs, stringKeys(doc))
		}
	}

	var out []map[string]any
	for i, doc := range docs {
		switch v := doc.(type) {
		case nil:
		case map[string]any:
			out = append(out, v)
		case []any:
			for j, item := range v {
				m, ok := item.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("document %d item %d: instance must be a mapping, got %T", i, j, item)
				}
				out = append(out, m)
			}
		default:
			return nil, fmt.Errorf("document %d: instance must be a mapping, got %T", i, doc)
		}
	}
	return out, nil
}

func decodeDocument(data []byte, format Format) (any, error) {
	var doc any
	if format == FormatJSON {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return stringKeys(doc), nil
}

// stringKeys converts YAML maps with non-string keys to string-keyed maps,
// recursively.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = stringKeys(val)
		}
		return t
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = stringKeys(t[i])
		}
		return t
	default:
		return v
	}
}

// dropNulls removes null map values, recursively.
func dropNulls(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if val == nil {
				delete(t, k)
				continue
			}
			dropNulls(val)
		}
	case []any:
		for _, item := range t {
			dropNulls(item)
		}
	}
}

// integralNumbers turns whole JSON numbers into ints so they satisfy int
// constraints.
func integralNumbers(v any) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if f, ok := val.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				t[k] = int(f)
				continue
			}
			integralNumbers(val)
		}
	case []any:
		for i, val := range t {
			if f, ok := val.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				t[i] = int(f)
				continue
			}
			integralNumbers(val)
		}
	}
}

// normalizeSchema fills in the shorthand a schema document may use: empty
// definitions, names implied by map keys, numeric versions and permissible
// values written as a map.
func normalizeSchema(root map[string]any) {
	if v, ok := root["version"]; ok {
		root["version"] = scalarString(v)
	}

	classes := namedEntries(root, "classes")
	for _, class := range classes {
		for _, field := range []string{"slot_usage", "attributes"} {
			namedEntries(class, field)
		}
		if uks, ok := class["unique_keys"].(map[string]any); ok {
			for name, uk := range uks {
				if m, ok := uk.(map[string]any); ok {
					if _, ok := m["name"]; !ok {
						m["name"] = name
					}
				}
			}
		}
	}
	namedEntries(root, "slots")

	for _, enum := range namedEntries(root, "enums") {
		if pv, ok := enum["permissible_values"].(map[string]any); ok {
			values := make([]any, 0, len(pv))
			keys := make([]string, 0, len(pv))
			for k := range pv {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				values = append(values, k)
			}
			enum["permissible_values"] = values
		}
		if enum["permissible_values"] == nil {
			enum["permissible_values"] = []any{}
		}
	}
}

// namedEntries makes parent[field] a map of mappings whose "name" defaults
// to the map key, and returns the entries.
func namedEntries(parent map[string]any, field string) []map[string]any {
	entries, ok := parent[field].(map[string]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]map[string]any, 0, len(entries))
	for _, k := range keys {
		m, ok := entries[k].(map[string]any)
		if !ok {
			if entries[k] != nil {
				continue
			}
			m = make(map[string]any)
			entries[k] = m
		}
		if _, ok := m["name"]; !ok {
			m["name"] = k
		}
		out = append(out, m)
	}
	return out
}

func scalarString(v any) any {
	switch t := v.(type) {
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return v
	}
}

func fieldErrors(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	out := make(ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, ValidationError{
			Path:    fe.Namespace(),
			Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
		})
	}
	return out
}
