package engine

// Schema is an already-parsed schema document. A Schema must not be mutated
// once it has been handed to a Resolver; identity and content hash are part of
// every cache key derived from it.
type Schema struct {
	// ID identifies the schema across versions (e.g. its URI).
	ID string `json:"id" yaml:"id" validate:"required"`

	// Name is the human-readable schema name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is an optional informational version string.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`

	// Classes maps class names to their definitions.
	Classes map[string]*ClassDef `json:"classes,omitempty" yaml:"classes,omitempty" validate:"dive"`

	// Slots maps globally declared slot names to their definitions.
	Slots map[string]*SlotDef `json:"slots,omitempty" yaml:"slots,omitempty" validate:"dive"`

	// Enums maps enum names to their definitions.
	Enums map[string]*EnumDef `json:"enums,omitempty" yaml:"enums,omitempty" validate:"dive"`
}

// ClassDef is a class as declared in the schema, before inheritance is applied.
type ClassDef struct {
	Name        string                `json:"name" yaml:"name" validate:"required"`
	IsA         string                `json:"is_a,omitempty" yaml:"is_a,omitempty"`
	Mixins      []string              `json:"mixins,omitempty" yaml:"mixins,omitempty"`
	Slots       []string              `json:"slots,omitempty" yaml:"slots,omitempty"`
	SlotUsage   map[string]*SlotDef   `json:"slot_usage,omitempty" yaml:"slot_usage,omitempty"`
	Attributes  map[string]*SlotDef   `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Mixin       bool                  `json:"mixin,omitempty" yaml:"mixin,omitempty"`
	Abstract    bool                  `json:"abstract,omitempty" yaml:"abstract,omitempty"`
	Rules       []Rule                `json:"rules,omitempty" yaml:"rules,omitempty"`
	UniqueKeys  map[string]*UniqueKey `json:"unique_keys,omitempty" yaml:"unique_keys,omitempty"`
	Description string                `json:"description,omitempty" yaml:"description,omitempty"`
	Annotations map[string]string     `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// Parents returns the direct ancestors of the class: is_a first, then mixins
// in declared order.
func (c *ClassDef) Parents() []string {
	parents := make([]string, 0, len(c.Mixins)+1)
	if c.IsA != "" {
		parents = append(parents, c.IsA)
	}
	return append(parents, c.Mixins...)
}

// SlotDef describes a slot (field). Pointer fields distinguish "unset" from the
// zero value so slot usage can override selectively.
type SlotDef struct {
	Name           string            `json:"name,omitempty" yaml:"name,omitempty"`
	Range          string            `json:"range,omitempty" yaml:"range,omitempty"`
	Required       *bool             `json:"required,omitempty" yaml:"required,omitempty"`
	Multivalued    *bool             `json:"multivalued,omitempty" yaml:"multivalued,omitempty"`
	Identifier     *bool             `json:"identifier,omitempty" yaml:"identifier,omitempty"`
	Pattern        string            `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	MinimumValue   *float64          `json:"minimum_value,omitempty" yaml:"minimum_value,omitempty"`
	MaximumValue   *float64          `json:"maximum_value,omitempty" yaml:"maximum_value,omitempty"`
	MinCardinality *int              `json:"minimum_cardinality,omitempty" yaml:"minimum_cardinality,omitempty"`
	MaxCardinality *int              `json:"maximum_cardinality,omitempty" yaml:"maximum_cardinality,omitempty"`
	IsA            string            `json:"is_a,omitempty" yaml:"is_a,omitempty"`
	Mixins         []string          `json:"mixins,omitempty" yaml:"mixins,omitempty"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Annotations    map[string]string `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// EnumDef is a closed set of permissible values.
type EnumDef struct {
	Name              string   `json:"name" yaml:"name"`
	PermissibleValues []string `json:"permissible_values" yaml:"permissible_values"`
}

// Rule is an opaque class rule. Rule evaluation is not performed here; rules
// are only carried through inheritance.
type Rule struct {
	Title          string            `json:"title,omitempty" yaml:"title,omitempty"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Preconditions  map[string]string `json:"preconditions,omitempty" yaml:"preconditions,omitempty"`
	Postconditions map[string]string `json:"postconditions,omitempty" yaml:"postconditions,omitempty"`
	Deactivated    bool              `json:"deactivated,omitempty" yaml:"deactivated,omitempty"`
}

func (r Rule) key() string {
	if r.Title != "" {
		return "title:" + r.Title
	}
	return "description:" + r.Description
}

// UniqueKey names a set of slots whose combined values must be unique.
type UniqueKey struct {
	Name  string   `json:"name" yaml:"name"`
	Slots []string `json:"unique_key_slots" yaml:"unique_key_slots"`
}

// RangeKind classifies what a slot's range refers to.
type RangeKind string

const (
	RangeKindPrimitive RangeKind = "primitive"
	RangeKindClass     RangeKind = "class"
	RangeKindEnum      RangeKind = "enum"
	RangeKindUnknown   RangeKind = "unknown"
)

// Primitive range names understood by the compiler.
var primitiveRanges = map[string]bool{
	"string":     true,
	"integer":    true,
	"float":      true,
	"double":     true,
	"decimal":    true,
	"boolean":    true,
	"date":       true,
	"datetime":   true,
	"uri":        true,
	"uriorcurie": true,
}

// IsPrimitiveRange reports whether name is a built-in primitive type.
func IsPrimitiveRange(name string) bool {
	return primitiveRanges[name]
}

// EffectiveSlot is a slot after global definition, slot-level inheritance,
// slot usage and attribute overrides have been applied.
type EffectiveSlot struct {
	SlotDef

	// RangeKind classifies Range against the schema.
	RangeKind RangeKind `json:"range_kind"`

	// PermissibleValues holds the enum values when RangeKind is enum.
	PermissibleValues []string `json:"permissible_values,omitempty"`
}

// IsRequired reports the effective required flag.
func (s *EffectiveSlot) IsRequired() bool { return s.Required != nil && *s.Required }

// IsMultivalued reports the effective multivalued flag.
func (s *EffectiveSlot) IsMultivalued() bool { return s.Multivalued != nil && *s.Multivalued }

// ResolvedClassDef is a class with every ancestor merged in per its MRO.
// Values are shared between callers and must be treated as read-only.
type ResolvedClassDef struct {
	ClassDef

	// MRO is the linearization, head first (the class itself).
	MRO []string `json:"mro"`

	// SchemaID and SchemaHash identify the schema version this was resolved against.
	SchemaID   string `json:"schema_id"`
	SchemaHash string `json:"schema_hash"`

	// EffectiveSlots lists the fully resolved slots in declaration order.
	EffectiveSlots []*EffectiveSlot `json:"effective_slots"`
}

// Slot returns the effective slot by name.
func (r *ResolvedClassDef) Slot(name string) (*EffectiveSlot, bool) {
	for _, s := range r.EffectiveSlots {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// SlotNames returns the effective slot names in order.
func (r *ResolvedClassDef) SlotNames() []string {
	names := make([]string, len(r.EffectiveSlots))
	for i, s := range r.EffectiveSlots {
		names[i] = s.Name
	}
	return names
}
