package schema

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is the YAML-serializable form of a Schema (SPEC_FULL.md's
// schema-as-data expansion: schemas authored once in YAML and shared
// across services, rather than only as Go literals). LoadDocument
// compiles it the same way a hand-written Schema{} literal would be.
type Document struct {
	Key              map[string]FieldDoc `yaml:"key"`
	SortKey          map[string]FieldDoc `yaml:"sort_key"`
	Fields           map[string]FieldDoc `yaml:"fields"`
	Indexes          map[string]IndexDoc `yaml:"indexes"`
	ExpireEpochField string              `yaml:"expire_epoch_field"`
	IndexIncludeKeys bool                `yaml:"index_include_keys"`
}

// FieldDoc is one field's YAML declaration. Validate, when present, is
// handed to the ValidatorFactory passed to LoadDocument; a nil factory
// with a non-nil Validate spec is an error.
type FieldDoc struct {
	Kind        string `yaml:"kind"`
	ElementKind string `yaml:"element_kind"`
	Default     any    `yaml:"default"`
	Optional    bool   `yaml:"optional"`
	Immutable   bool   `yaml:"immutable"`
	Encrypted   bool   `yaml:"encrypted"`
	Overflow    bool   `yaml:"overflow"`
	Validate    any    `yaml:"validate"`
}

// IndexDoc is one secondary index's YAML declaration.
type IndexDoc struct {
	Key             []string `yaml:"key"`
	SortKey         []string `yaml:"sort_key"`
	Sparse          bool     `yaml:"sparse"`
	IncludeOnly     []string `yaml:"include_only"`
	ForceStringSort bool     `yaml:"force_string_sort"`
}

// ParseDocument unmarshals raw YAML schema source into a Document
// without compiling it, so callers can inspect or mutate it first.
func ParseDocument(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse yaml document: %w", err)
	}
	return &doc, nil
}

// LoadDocument parses and compiles a YAML schema document. factory may
// be nil if no field declares a Validate spec.
func LoadDocument(data []byte, factory ValidatorFactory) (*Compiled, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return doc.Compile(factory)
}

// Compile converts this Document into a Schema and compiles it.
func (d *Document) Compile(factory ValidatorFactory) (*Compiled, error) {
	key, err := toKeys(d.Key, factory)
	if err != nil {
		return nil, fmt.Errorf("schema: key: %w", err)
	}
	sortKey, err := toKeys(d.SortKey, factory)
	if err != nil {
		return nil, fmt.Errorf("schema: sort_key: %w", err)
	}
	fields, err := toKeys(d.Fields, factory)
	if err != nil {
		return nil, fmt.Errorf("schema: fields: %w", err)
	}

	indexes := make(Indexes, len(d.Indexes))
	for name, idx := range d.Indexes {
		indexes[name] = IndexDef{
			Key:             idx.Key,
			SortKey:         idx.SortKey,
			Sparse:          idx.Sparse,
			IncludeOnly:     idx.IncludeOnly,
			ForceStringSort: idx.ForceStringSort,
		}
	}

	return Compile(Schema{
		Key:              Keys(key),
		SortKey:          Keys(sortKey),
		Fields:           Fields(fields),
		Indexes:          indexes,
		ExpireEpochField: d.ExpireEpochField,
		IndexIncludeKeys: d.IndexIncludeKeys,
	})
}

func toKeys(docs map[string]FieldDoc, factory ValidatorFactory) (map[string]FieldDef, error) {
	out := make(map[string]FieldDef, len(docs))
	for name, fd := range docs {
		def, err := fd.toFieldDef(factory)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		out[name] = def
	}
	return out, nil
}

func (fd FieldDoc) toFieldDef(factory ValidatorFactory) (FieldDef, error) {
	kind, err := parseKind(fd.Kind)
	if err != nil {
		return FieldDef{}, err
	}
	def := FieldDef{Kind: kind, Optional: fd.Optional, Immutable: fd.Immutable, Encrypted: fd.Encrypted, Overflow: fd.Overflow}
	if fd.Default != nil {
		def.Default = fd.Default
	}
	if kind == KindArray {
		elem, err := parseKind(fd.ElementKind)
		if err != nil {
			return FieldDef{}, fmt.Errorf("element_kind: %w", err)
		}
		def.ElementKind = elem
	}
	if fd.Validate != nil {
		if factory == nil {
			return FieldDef{}, fmt.Errorf("validate spec given but no ValidatorFactory supplied")
		}
		v, err := factory(fd.Validate)
		if err != nil {
			return FieldDef{}, fmt.Errorf("compile validator: %w", err)
		}
		def.Validator = v
	}
	return def, nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "", "string":
		return KindString, nil
	case "number":
		return KindNumber, nil
	case "bool", "boolean":
		return KindBool, nil
	case "object":
		return KindObject, nil
	case "array":
		return KindArray, nil
	default:
		return 0, fmt.Errorf("unknown field kind %q", s)
	}
}
