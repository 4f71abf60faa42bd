package compiler

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/goccy/go-json"

	"github.com/openfroyo/linkval/pkg/engine"
	"github.com/openfroyo/linkval/pkg/guard"
)

// Plan is the serializable form of a compiled validator.
type Plan struct {
	SchemaID     string        `json:"schema_id"`
	SchemaHash   string        `json:"schema_hash"`
	ClassName    string        `json:"class_name"`
	Options      Options       `json:"options"`
	Slots        []string      `json:"slots"`
	Instructions []Instruction `json:"instructions"`
	Patterns     []string      `json:"patterns,omitempty"`
	Enums        [][]string    `json:"enums,omitempty"`
}

// Validator is an immutable compiled validator for one class. It is safe
// for concurrent use.
type Validator struct {
	plan     Plan
	patterns []*regexp.Regexp
	enums    []map[string]struct{}
	known    map[string]struct{}
	size     int64
}

// Compile builds a validator from a resolved class.
func Compile(resolved *engine.ResolvedClassDef, opts Options) (*Validator, error) {
	if resolved == nil {
		return nil, engine.NewCompileError("", fmt.Errorf("nil class"))
	}

	c := &planBuilder{
		plan: Plan{
			SchemaID:   resolved.SchemaID,
			SchemaHash: resolved.SchemaHash,
			ClassName:  resolved.Name,
			Options:    opts,
		},
		patternIDs: make(map[string]int),
		enumIDs:    make(map[string]int),
	}

	for _, slot := range resolved.EffectiveSlots {
		if err := c.compileSlot(slot); err != nil {
			return nil, engine.NewCompileError(resolved.Name, err)
		}
	}

	v, err := newValidator(c.plan)
	if err != nil {
		return nil, engine.NewCompileError(resolved.Name, err)
	}
	return v, nil
}

type planBuilder struct {
	plan       Plan
	patternIDs map[string]int
	enumIDs    map[string]int
}

func (c *planBuilder) emit(in Instruction) {
	c.plan.Instructions = append(c.plan.Instructions, in)
}

func (c *planBuilder) compileSlot(slot *engine.EffectiveSlot) error {
	opts := c.plan.Options
	name := slot.Name
	multi := slot.IsMultivalued()
	c.plan.Slots = append(c.plan.Slots, name)

	if slot.IsRequired() {
		c.emit(Instruction{Op: OpCheckRequired, Slot: name})
	}
	c.emit(Instruction{Op: OpCheckMultivalued, Slot: name, Multivalued: multi})

	if slot.MinCardinality != nil || slot.MaxCardinality != nil {
		if slot.MinCardinality != nil && slot.MaxCardinality != nil && *slot.MinCardinality > *slot.MaxCardinality {
			return fmt.Errorf("slot %s: minimum_cardinality %d exceeds maximum_cardinality %d",
				name, *slot.MinCardinality, *slot.MaxCardinality)
		}
		if multi {
			c.emit(Instruction{Op: OpValidateCardinality, Slot: name, MinCard: slot.MinCardinality, MaxCard: slot.MaxCardinality})
		}
	}

	switch slot.RangeKind {
	case engine.RangeKindClass:
		c.emit(Instruction{Op: OpCheckObject, Slot: name, Class: slot.Range})
	case engine.RangeKindEnum:
		if opts.Has(CheckTypes) {
			c.emit(Instruction{Op: OpValidateType, Slot: name, Type: TypeString})
		}
		if opts.Has(CachePermissibleValues) {
			c.emit(Instruction{Op: OpValidateEnum, Slot: name, Enum: c.enumID(slot.Range, slot.PermissibleValues)})
		}
	default:
		if opts.Has(CheckTypes) {
			if t := typeForRange(slot.Range); t != TypeAny {
				c.emit(Instruction{Op: OpValidateType, Slot: name, Type: t})
			}
		}
	}

	if slot.Pattern != "" && opts.Has(CompilePatterns) {
		id, err := c.patternID(slot.Pattern)
		if err != nil {
			return fmt.Errorf("slot %s: %w", name, err)
		}
		c.emit(Instruction{Op: OpValidatePattern, Slot: name, Pattern: id})
	}

	if (slot.MinimumValue != nil || slot.MaximumValue != nil) && opts.Has(OptimizeRanges) {
		if slot.MinimumValue != nil && slot.MaximumValue != nil && *slot.MinimumValue > *slot.MaximumValue {
			return fmt.Errorf("slot %s: minimum_value %v exceeds maximum_value %v",
				name, *slot.MinimumValue, *slot.MaximumValue)
		}
		c.emit(Instruction{Op: OpValidateRange, Slot: name, Min: slot.MinimumValue, Max: slot.MaximumValue})
	}
	return nil
}

func (c *planBuilder) patternID(pattern string) (int, error) {
	if id, ok := c.patternIDs[pattern]; ok {
		return id, nil
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return 0, fmt.Errorf("invalid pattern %q: %w", pattern, err)
	}
	id := len(c.plan.Patterns)
	c.plan.Patterns = append(c.plan.Patterns, pattern)
	c.patternIDs[pattern] = id
	return id, nil
}

func (c *planBuilder) enumID(name string, values []string) int {
	if id, ok := c.enumIDs[name]; ok {
		return id
	}
	id := len(c.plan.Enums)
	c.plan.Enums = append(c.plan.Enums, append([]string(nil), values...))
	c.enumIDs[name] = id
	return id
}

// newValidator materializes a plan: regexes are compiled, enum sets built
// and instruction indices checked.
func newValidator(plan Plan) (*Validator, error) {
	v := &Validator{
		plan:  plan,
		known: make(map[string]struct{}, len(plan.Slots)),
	}

	size := int64(256 + len(plan.SchemaID) + len(plan.SchemaHash) + len(plan.ClassName))
	for _, s := range plan.Slots {
		v.known[s] = struct{}{}
		size += int64(len(s)) + 16
	}
	for _, p := range plan.Patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", p, err)
		}
		v.patterns = append(v.patterns, re)
		size += int64(len(p)) * 8
	}
	for _, values := range plan.Enums {
		set := make(map[string]struct{}, len(values))
		for _, pv := range values {
			set[pv] = struct{}{}
			size += int64(len(pv)) + 16
		}
		v.enums = append(v.enums, set)
	}
	for _, in := range plan.Instructions {
		switch in.Op {
		case OpValidatePattern:
			if _, err := guard.SafeIndex(v.patterns, in.Pattern); err != nil {
				return nil, fmt.Errorf("instruction for slot %s: %w", in.Slot, err)
			}
		case OpValidateEnum:
			if _, err := guard.SafeIndex(v.enums, in.Enum); err != nil {
				return nil, fmt.Errorf("instruction for slot %s: %w", in.Slot, err)
			}
		}
		size += 96
	}
	v.size = size
	return v, nil
}

// ClassName returns the class the validator was compiled for.
func (v *Validator) ClassName() string { return v.plan.ClassName }

// SchemaID returns the schema identity the validator was compiled against.
func (v *Validator) SchemaID() string { return v.plan.SchemaID }

// SchemaHash returns the schema content hash the validator was compiled against.
func (v *Validator) SchemaHash() string { return v.plan.SchemaHash }

// Options returns the compile options.
func (v *Validator) Options() Options { return v.plan.Options }

// Instructions returns the number of compiled instructions.
func (v *Validator) Instructions() int { return len(v.plan.Instructions) }

// SizeEstimate returns an approximate in-memory size in bytes.
func (v *Validator) SizeEstimate() int64 { return v.size }

// Plan returns a copy of the validator's plan.
func (v *Validator) Plan() Plan {
	p := v.plan
	p.Slots = append([]string(nil), v.plan.Slots...)
	p.Instructions = append([]Instruction(nil), v.plan.Instructions...)
	p.Patterns = append([]string(nil), v.plan.Patterns...)
	p.Enums = append([][]string(nil), v.plan.Enums...)
	return p
}

// Marshal serializes a validator's plan.
func Marshal(v *Validator) ([]byte, error) {
	return json.Marshal(v.plan)
}

// Unmarshal rebuilds a validator from Marshal output.
func Unmarshal(data []byte) (*Validator, error) {
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode validator plan: %w", err)
	}
	v, err := newValidator(plan)
	if err != nil {
		return nil, engine.NewCompileError(plan.ClassName, err)
	}
	return v, nil
}

// Validate checks instance against the compiled plan.
func (v *Validator) Validate(instance map[string]any) *Report {
	r := &Report{
		SchemaID:  v.plan.SchemaID,
		ClassName: v.plan.ClassName,
	}
	failFast := v.plan.Options.Has(FailFast)

	for _, in := range v.plan.Instructions {
		v.execute(in, instance, r)
		if failFast && r.hasErrors() {
			r.finish()
			return r
		}
	}

	unknown := make([]string, 0)
	for field := range instance {
		if _, ok := v.known[field]; !ok {
			unknown = append(unknown, field)
		}
	}
	sort.Strings(unknown)
	for _, field := range unknown {
		r.add(SeverityWarning, CodeUnknownSlot, "$."+field, field,
			fmt.Sprintf("slot %q is not defined for class %s", field, v.plan.ClassName))
	}

	r.finish()
	return r
}

func (v *Validator) execute(in Instruction, instance map[string]any, r *Report) {
	value, present := instance[in.Slot]
	path := "$." + in.Slot

	switch in.Op {
	case OpCheckRequired:
		if !present || value == nil {
			r.add(SeverityError, CodeRequired, path, in.Slot, fmt.Sprintf("required slot %q is missing", in.Slot))
		}
		return
	case OpCheckMultivalued:
		if !present || value == nil {
			return
		}
		_, isList := value.([]any)
		if in.Multivalued && !isList {
			r.add(SeverityError, CodeMultivalued, path, in.Slot,
				fmt.Sprintf("slot %q is multivalued but got %s", in.Slot, typeName(value)))
		} else if !in.Multivalued && isList {
			r.add(SeverityError, CodeMultivalued, path, in.Slot,
				fmt.Sprintf("slot %q is single-valued but got a list", in.Slot))
		}
		return
	case OpValidateCardinality:
		list, ok := value.([]any)
		if !ok {
			return
		}
		if in.MinCard != nil && len(list) < *in.MinCard {
			r.add(SeverityError, CodeCardinality, path, in.Slot,
				fmt.Sprintf("slot %q has %d values, fewer than %d", in.Slot, len(list), *in.MinCard))
		}
		if in.MaxCard != nil && len(list) > *in.MaxCard {
			r.add(SeverityError, CodeCardinality, path, in.Slot,
				fmt.Sprintf("slot %q has %d values, more than %d", in.Slot, len(list), *in.MaxCard))
		}
		return
	}

	if !present || value == nil || !in.elementwise() {
		return
	}
	if list, ok := value.([]any); ok {
		for i, elem := range list {
			v.check(in, elem, fmt.Sprintf("%s[%d]", path, i), r)
		}
		return
	}
	v.check(in, value, path, r)
}

func (v *Validator) check(in Instruction, value any, path string, r *Report) {
	switch in.Op {
	case OpValidateType:
		if !matchesType(in.Type, value) {
			r.add(SeverityError, CodeType, path, in.Slot,
				fmt.Sprintf("expected %s, got %s", in.Type, typeName(value)))
		}
	case OpCheckObject:
		if !matchesType(TypeObject, value) {
			r.add(SeverityError, CodeObject, path, in.Slot,
				fmt.Sprintf("expected %s object or identifier, got %s", in.Class, typeName(value)))
		}
	case OpValidatePattern:
		s, ok := value.(string)
		if !ok {
			return
		}
		if !v.patterns[in.Pattern].MatchString(s) {
			r.add(SeverityError, CodePattern, path, in.Slot,
				fmt.Sprintf("value %q does not match pattern %s", s, v.plan.Patterns[in.Pattern]))
		}
	case OpValidateRange:
		f, ok := toFloat(value)
		if !ok {
			return
		}
		if in.Min != nil && f < *in.Min {
			r.add(SeverityError, CodeRange, path, in.Slot,
				fmt.Sprintf("value %v is less than minimum %v", f, *in.Min))
		}
		if in.Max != nil && f > *in.Max {
			r.add(SeverityError, CodeRange, path, in.Slot,
				fmt.Sprintf("value %v is greater than maximum %v", f, *in.Max))
		}
	case OpValidateEnum:
		s, ok := value.(string)
		if !ok {
			return
		}
		if _, ok := v.enums[in.Enum][s]; !ok {
			r.add(SeverityError, CodeEnum, path, in.Slot,
				fmt.Sprintf("value %q is not a permissible value", s))
		}
	}
}
