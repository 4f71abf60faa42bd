package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/linkval/pkg/engine"
)

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }

func testSchema() *engine.Schema {
	return &engine.Schema{
		ID:   "https://example.org/people",
		Name: "people",
		Slots: map[string]*engine.SlotDef{
			"id":      {Range: "string", Required: boolPtr(true), Identifier: boolPtr(true)},
			"name":    {Range: "string", Pattern: "^[A-Z][a-z]+$"},
			"age":     {Range: "integer", MinimumValue: floatPtr(0), MaximumValue: floatPtr(150)},
			"email":   {Range: "string", Multivalued: boolPtr(true), MaxCardinality: intPtr(2)},
			"status":  {Range: "Status"},
			"friend":  {Range: "Person"},
			"website": {Range: "uri"},
			"born":    {Range: "date"},
		},
		Classes: map[string]*engine.ClassDef{
			"Person": {
				Name:  "Person",
				Slots: []string{"id", "name", "age", "email", "status", "friend", "website", "born"},
			},
		},
		Enums: map[string]*engine.EnumDef{
			"Status": {Name: "Status", PermissibleValues: []string{"ACTIVE", "RETIRED"}},
		},
	}
}

func compilePerson(t *testing.T, opts Options) *Validator {
	t.Helper()
	r, err := engine.NewResolver(testSchema(), engine.ResolverOptions{})
	require.NoError(t, err)
	resolved, err := r.Resolve("Person")
	require.NoError(t, err)
	v, err := Compile(resolved, opts)
	require.NoError(t, err)
	return v
}

func codes(r *Report) []string {
	out := make([]string, 0, len(r.Issues))
	for _, is := range r.Issues {
		out = append(out, is.Code)
	}
	return out
}

func TestValidate_ValidInstance(t *testing.T) {
	v := compilePerson(t, DefaultOptions)

	r := v.Validate(map[string]any{
		"id":      "p1",
		"name":    "Alice",
		"age":     30,
		"email":   []any{"a@example.org"},
		"status":  "ACTIVE",
		"friend":  "p2",
		"website": "https://alice.example.org",
		"born":    "1990-04-01",
	})
	assert.True(t, r.Valid, "issues: %+v", r.Issues)
	assert.Empty(t, r.Issues)
	assert.Equal(t, "Person", r.ClassName)
}

func TestValidate_Violations(t *testing.T) {
	v := compilePerson(t, DefaultOptions)

	tests := []struct {
		name     string
		instance map[string]any
		code     string
		path     string
	}{
		{"missing required", map[string]any{}, CodeRequired, "$.id"},
		{"pattern", map[string]any{"id": "p", "name": "alice"}, CodePattern, "$.name"},
		{"range", map[string]any{"id": "p", "age": 200}, CodeRange, "$.age"},
		{"integer type", map[string]any{"id": "p", "age": 3.5}, CodeType, "$.age"},
		{"enum", map[string]any{"id": "p", "status": "UNKNOWN"}, CodeEnum, "$.status"},
		{"single valued list", map[string]any{"id": "p", "name": []any{"Alice"}}, CodeMultivalued, "$.name"},
		{"multivalued scalar", map[string]any{"id": "p", "email": "a@b"}, CodeMultivalued, "$.email"},
		{"cardinality", map[string]any{"id": "p", "email": []any{"a", "b", "c"}}, CodeCardinality, "$.email"},
		{"list element type", map[string]any{"id": "p", "email": []any{"a", 7}}, CodeType, "$.email[1]"},
		{"object", map[string]any{"id": "p", "friend": 12}, CodeObject, "$.friend"},
		{"uri", map[string]any{"id": "p", "website": "not a uri"}, CodeType, "$.website"},
		{"date", map[string]any{"id": "p", "born": "01/04/1990"}, CodeType, "$.born"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := v.Validate(tt.instance)
			require.False(t, r.Valid)
			errs := r.Errors()
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.code, errs[0].Code, "issues: %+v", r.Issues)
			assert.Equal(t, tt.path, errs[0].Path)
		})
	}
}

func TestValidate_UnknownSlotIsWarning(t *testing.T) {
	v := compilePerson(t, DefaultOptions)

	r := v.Validate(map[string]any{"id": "p1", "nickname": "Al"})
	assert.True(t, r.Valid)
	require.Len(t, r.Warnings(), 1)
	assert.Equal(t, CodeUnknownSlot, r.Warnings()[0].Code)
	assert.Equal(t, "nickname", r.Warnings()[0].Slot)
}

func TestValidate_FailFast(t *testing.T) {
	all := compilePerson(t, DefaultOptions)
	fast := compilePerson(t, DefaultOptions|FailFast)

	bad := map[string]any{"name": "alice", "age": -1, "status": "NOPE"}
	assert.Greater(t, len(all.Validate(bad).Errors()), 1)
	assert.Len(t, fast.Validate(bad).Errors(), 1)
}

func TestCompile_OptionsControlInstructions(t *testing.T) {
	full := compilePerson(t, DefaultOptions)
	bare := compilePerson(t, 0)

	assert.Greater(t, full.Instructions(), bare.Instructions())

	// Without pattern, range, type or enum checks only structural checks run.
	r := bare.Validate(map[string]any{"id": "p", "name": "alice", "age": 999, "status": "NOPE"})
	assert.True(t, r.Valid, "issues: %+v", r.Issues)
}

func TestCompile_InvalidPattern(t *testing.T) {
	schema := testSchema()
	schema.Slots["name"].Pattern = "(["
	r, err := engine.NewResolver(schema, engine.ResolverOptions{})
	require.NoError(t, err)
	resolved, err := r.Resolve("Person")
	require.NoError(t, err)

	_, err = Compile(resolved, DefaultOptions)
	require.Error(t, err)
	assert.ErrorIs(t, err, engine.ErrCompile)
}

func TestCompile_InvertedBounds(t *testing.T) {
	schema := testSchema()
	schema.Slots["age"].MinimumValue = floatPtr(10)
	schema.Slots["age"].MaximumValue = floatPtr(5)
	r, err := engine.NewResolver(schema, engine.ResolverOptions{})
	require.NoError(t, err)
	resolved, err := r.Resolve("Person")
	require.NoError(t, err)

	_, err = Compile(resolved, DefaultOptions)
	assert.ErrorIs(t, err, engine.ErrCompile)
}

func TestMarshalRoundTrip(t *testing.T) {
	v := compilePerson(t, DefaultOptions)

	data, err := Marshal(v)
	require.NoError(t, err)

	loaded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, v.Plan(), loaded.Plan())
	assert.Equal(t, v.SizeEstimate(), loaded.SizeEstimate())

	// Regexes and enum sets are rebuilt.
	r := loaded.Validate(map[string]any{"id": "p", "name": "bob", "status": "NOPE"})
	assert.ElementsMatch(t, []string{CodePattern, CodeEnum}, codes(r))
}

func TestUnmarshal_RejectsCorruptPlan(t *testing.T) {
	_, err := Unmarshal([]byte(`{"class_name":"X","instructions":[{"op":"validate_pattern","slot":"s","pattern":3}]}`))
	assert.ErrorIs(t, err, engine.ErrCompile)

	_, err = Unmarshal([]byte(`not json`))
	assert.Error(t, err)
}

func TestOptions(t *testing.T) {
	assert.Equal(t, "patterns|ranges|types|enums", DefaultOptions.String())
	assert.Equal(t, "none", Options(0).String())
	assert.NotEqual(t, DefaultOptions.Hash(), (DefaultOptions | FailFast).Hash())
	assert.Equal(t, DefaultOptions.Hash(), DefaultOptions.Hash())

	o, ok := ParseOptions("patterns,failfast")
	require.True(t, ok)
	assert.Equal(t, CompilePatterns|FailFast, o)

	_, ok = ParseOptions("bogus")
	assert.False(t, ok)
}
