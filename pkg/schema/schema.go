// Package schema implements the Schema & Field Registry component
// (SPEC_FULL.md §2 item 1, §3): declarative per-model schemas, the
// invariants validated once per class, and the per-field option objects
// (type, optionality, immutability, default, validator) that the field
// and itemmodel packages read at runtime.
package schema

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/theory-cloud/txcore/pkg/keycodec"
)

// Kind identifies the declared type of a field.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindObject
	KindArray
)

// Validator is the narrow contract the core consumes for field-value
// validation (§1: "the JSON schema validation library assumed
// available as a validator factory"). The core never imports a JSON
// Schema library itself; see pkg/jsonvalidator for a reference
// implementation wired against github.com/santhosh-tekuri/jsonschema/v5.
type Validator interface {
	Validate(value any) error
}

// ValidatorFactory compiles a validator from an arbitrary validation
// spec (e.g. a JSON Schema document). Supplied by the embedding
// application, not by this package.
type ValidatorFactory func(spec any) (Validator, error)

// FieldDef declares one field's options. Zero value is a required,
// string-typed field with no default and no validator.
type FieldDef struct {
	Default     any
	Validator   Validator
	Kind        Kind
	ElementKind Kind // meaningful when Kind == KindArray
	Optional    bool
	Immutable   bool
	Encrypted   bool
	Overflow    bool // large-value offload, see SPEC_FULL.md §4.2
}

// String declares a required string field.
func String() FieldDef { return FieldDef{Kind: KindString} }

// Number declares a required numeric field.
func Number() FieldDef { return FieldDef{Kind: KindNumber} }

// Bool declares a required boolean field.
func Bool() FieldDef { return FieldDef{Kind: KindBool} }

// Object declares a required structural (map) field.
func Object() FieldDef { return FieldDef{Kind: KindObject} }

// Array declares a required structural (slice) field with the given
// element kind.
func Array(elem Kind) FieldDef { return FieldDef{Kind: KindArray, ElementKind: elem} }

// Required marks the field as required (the default).
func (f FieldDef) Required() FieldDef { f.Optional = false; return f }

// Opt marks the field as optional (may be absent from the stored item).
func (f FieldDef) Opt() FieldDef { f.Optional = true; return f }

// Default attaches a default value, applied per the initial-value
// resolution order in SPEC_FULL.md §3 "Field lifecycle".
func (f FieldDef) Default(v any) FieldDef { f.Default = v; return f }

// Immutable marks the field as write-once.
func (f FieldDef) Immutable() FieldDef { f.Immutable = true; return f }

// Validate attaches a compiled validator.
func (f FieldDef) Validate(v Validator) FieldDef { f.Validator = v; return f }

// EncryptedField marks the field for KMS envelope encryption (SPEC_FULL.md
// §4.4 expansion). Encrypted fields may not be key components or index
// keys, and are rejected by query/filter construction.
func (f FieldDef) EncryptedField() FieldDef { f.Encrypted = true; return f }

// OverflowField marks a string/object/array field as eligible for S3
// overflow storage: at write time the field's own JSON-marshaled value
// is offloaded once it reaches the overflow store's Threshold bytes
// (SPEC_FULL.md §4.2 expansion).
func (f FieldDef) OverflowField() FieldDef { f.Overflow = true; return f }

// Keys is a named set of field declarations, used for KEY and SORT_KEY.
type Keys map[string]FieldDef

// Fields is a named set of non-key field declarations.
type Fields map[string]FieldDef

// IndexDef declares one secondary index (§3: INDEXES).
type IndexDef struct {
	Key             []string
	SortKey         []string
	Sparse          bool
	IncludeOnly     []string
	ForceStringSort bool // §9 open question: legacy numeric-as-string sort key opt-out
}

// Indexes is a named set of index declarations.
type Indexes map[string]IndexDef

// Schema is the full declaration for one model class (§3).
type Schema struct {
	Key              Keys
	SortKey          Keys
	Fields           Fields
	Indexes          Indexes
	ExpireEpochField string
	IndexIncludeKeys bool // §9 open question: per-key-field compound projections
}

// reservedNames are built-in attribute names a field may never shadow.
var reservedNames = map[string]bool{
	"_id": true, "_sk": true, "_type": true,
}

// Compiled is the validated, immutable form of a Schema, cached by
// Registry and consulted by pkg/itemmodel and pkg/field at runtime.
type Compiled struct {
	Fields           map[string]FieldDef
	Indexes          map[string]CompiledIndex
	ExpireEpochField string
	KeyNames         []string // lexicographically sorted
	SortKeyNames     []string // lexicographically sorted
	KeyComponents    []keycodec.Component
	SortComponents   []keycodec.Component
	Key              Keys
	SortKey          Keys
	IndexIncludeKeys bool
}

// CompiledIndex is the validated form of an IndexDef.
type CompiledIndex struct {
	Key             []string
	SortKey         []string
	IncludeOnly     []string
	Sparse          bool
	ForceStringSort bool
}

// Compile validates the invariants enumerated in SPEC_FULL.md §3 and
// returns the runtime-ready form of s.
func Compile(s Schema) (*Compiled, error) {
	if len(s.Key) == 0 {
		return nil, fmt.Errorf("schema: KEY must have at least one component")
	}

	names := map[string]string{} // name -> which of KEY/SORT_KEY/FIELDS it came from
	if err := collectNames(names, s.Key, "KEY"); err != nil {
		return nil, err
	}
	if err := collectNames(names, s.SortKey, "SORT_KEY"); err != nil {
		return nil, err
	}
	if err := collectNames(names, s.Fields, "FIELDS"); err != nil {
		return nil, err
	}

	if err := validateKeyComponents(s.Key, "KEY"); err != nil {
		return nil, err
	}
	if err := validateKeyComponents(s.SortKey, "SORT_KEY"); err != nil {
		return nil, err
	}

	allFields := map[string]FieldDef{}
	for n, d := range s.Key {
		allFields[n] = d
	}
	for n, d := range s.SortKey {
		allFields[n] = d
	}
	for n, d := range s.Fields {
		allFields[n] = d
	}

	indexes, err := compileIndexes(s.Indexes, allFields)
	if err != nil {
		return nil, err
	}

	if s.ExpireEpochField != "" {
		f, ok := allFields[s.ExpireEpochField]
		if !ok {
			return nil, fmt.Errorf("schema: EXPIRE_EPOCH_FIELD %q not declared", s.ExpireEpochField)
		}
		if f.Kind != KindNumber {
			return nil, fmt.Errorf("schema: EXPIRE_EPOCH_FIELD %q must be numeric", s.ExpireEpochField)
		}
	}

	keyNames := sortedKeys(s.Key)
	sortKeyNames := sortedKeys(s.SortKey)

	return &Compiled{
		Fields:           allFields,
		Indexes:          indexes,
		ExpireEpochField: s.ExpireEpochField,
		KeyNames:         keyNames,
		SortKeyNames:     sortKeyNames,
		KeyComponents:    toComponents(s.Key, keyNames),
		SortComponents:   toComponents(s.SortKey, sortKeyNames),
		Key:              s.Key,
		SortKey:          s.SortKey,
		IndexIncludeKeys: s.IndexIncludeKeys,
	}, nil
}

// Must compiles s and panics on error, for use in package-level schema
// variable initializers (mirrors regexp.MustCompile-style ergonomics).
func Must(s Schema) *Compiled {
	c, err := Compile(s)
	if err != nil {
		panic(err)
	}
	return c
}

func collectNames(seen map[string]string, fields map[string]FieldDef, origin string) error {
	for name := range fields {
		if reservedNames[name] {
			return fmt.Errorf("schema: field %q shadows a built-in attribute", name)
		}
		if strings.HasPrefix(name, "_") {
			return fmt.Errorf("schema: field %q must not start with '_'", name)
		}
		if prior, ok := seen[name]; ok {
			return fmt.Errorf("schema: field %q declared in both %s and %s", name, prior, origin)
		}
		seen[name] = origin
	}
	return nil
}

// validateKeyComponents enforces that every key component is required
// and has no default. Key components are immutable by construction
// (pkg/itemmodel.Model.Set rejects every key component), independent
// of whatever Immutable value was declared.
func validateKeyComponents(fields map[string]FieldDef, origin string) error {
	for name, f := range fields {
		if f.Optional {
			return fmt.Errorf("schema: %s component %q must be required", origin, name)
		}
		if f.Default != nil {
			return fmt.Errorf("schema: %s component %q must not have a default value", origin, name)
		}
		if f.Encrypted {
			return fmt.Errorf("schema: %s component %q must not be encrypted", origin, name)
		}
	}
	return nil
}

func compileIndexes(indexes Indexes, allFields map[string]FieldDef) (map[string]CompiledIndex, error) {
	out := make(map[string]CompiledIndex, len(indexes))
	for name, idx := range indexes {
		if len(idx.Key) == 0 {
			return nil, fmt.Errorf("schema: index %q must declare at least one KEY field", name)
		}
		for _, fn := range append(append([]string{}, idx.Key...), idx.SortKey...) {
			f, ok := allFields[fn]
			if !ok {
				return nil, fmt.Errorf("schema: index %q references undeclared field %q", name, fn)
			}
			if !idx.Sparse && f.Optional {
				return nil, fmt.Errorf("schema: non-sparse index %q key field %q must not be optional", name, fn)
			}
			if f.Encrypted {
				return nil, fmt.Errorf("schema: index %q key field %q must not be encrypted", name, fn)
			}
		}
		for _, fn := range idx.IncludeOnly {
			if contains(idx.Key, fn) || contains(idx.SortKey, fn) {
				return nil, fmt.Errorf("schema: index %q INCLUDE_ONLY duplicates key field %q", name, fn)
			}
		}
		out[name] = CompiledIndex{
			Key:             idx.Key,
			SortKey:         idx.SortKey,
			Sparse:          idx.Sparse,
			IncludeOnly:     idx.IncludeOnly,
			ForceStringSort: idx.ForceStringSort,
		}
	}
	return out, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]FieldDef) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func toComponents(fields Keys, names []string) []keycodec.Component {
	out := make([]keycodec.Component, len(names))
	for i, n := range names {
		out[i] = keycodec.Component{Name: n, Kind: toKeycodecKind(fields[n].Kind)}
	}
	return out
}

func toKeycodecKind(k Kind) keycodec.Kind {
	switch k {
	case KindNumber:
		return keycodec.KindNumber
	case KindBool:
		return keycodec.KindBool
	default:
		return keycodec.KindString
	}
}

// Registry caches Compiled schemas, one per model class, populated on
// first use (§9 design note: "class-static metaclass caches → per-class
// registry table").
type Registry struct {
	mu      sync.RWMutex
	byName  map[string]*Compiled
	byClass map[reflect.Type]*Compiled
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:  make(map[string]*Compiled),
		byClass: make(map[reflect.Type]*Compiled),
	}
}

// Register compiles and caches s under name, returning the cached
// Compiled on repeat registration of the same name.
func (r *Registry) Register(name string, s Schema) (*Compiled, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.byName[name]; ok {
		return c, nil
	}
	c, err := Compile(s)
	if err != nil {
		return nil, err
	}
	r.byName[name] = c
	return c, nil
}

// RegisterForType caches an already-compiled schema under a Go type,
// for callers that key their model registry by a marker struct type
// rather than a string name.
func (r *Registry) RegisterForType(modelType reflect.Type, c *Compiled) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byClass[modelType] = c
}

// Get returns the schema registered under name, if any.
func (r *Registry) Get(name string) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byName[name]
	return c, ok
}

// GetForType returns the schema registered under modelType, if any.
func (r *Registry) GetForType(modelType reflect.Type) (*Compiled, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byClass[modelType]
	return c, ok
}
