package itemmodel

import (
	"context"
	"fmt"

	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/store"
)

func newModel(table string, compiled *schema.Compiled, source field.Source, isNew bool) *Model {
	return &Model{Table: table, Compiled: compiled, Source: source, isNew: isNew, fields: map[string]field.Field{}}
}

func buildKeyComponents(m *Model, keys schema.Keys, source field.Source, values map[string]any, hasInitial bool) []field.Field {
	comps := make([]field.Field, 0, len(keys))
	for name, def := range keys {
		v, hasV := values[name]
		var initial any
		if hasInitial {
			initial = v
		}
		f := buildField(name, def, source, true, v, hasV, initial, hasInitial)
		m.fields[name] = f
		comps = append(comps, f)
	}
	return comps
}

// FromItem materializes a Model from a raw store record returned by
// Get/Query/Scan (source GET or SCAN). codec decrypts Encrypted fields
// and resolves Overflow pointers back to their plaintext payload as
// each field is read; a zero Codec is fine for schemas with neither.
func FromItem(ctx context.Context, table string, compiled *schema.Compiled, source field.Source, item store.Item, codec Codec) (*Model, error) {
	m := newModel(table, compiled, source, false)
	m.codec = codec

	idVals, err := decodeComponents(compiled.KeyComponents, item["_id"])
	if err != nil {
		return nil, err
	}
	keyComps := buildKeyComponents(m, compiled.Key, source, idVals, true)
	m.idField = field.NewCompound("_id", keyComps, compiled.KeyComponents, false)

	if len(compiled.SortKeyNames) > 0 {
		skVals, err := decodeComponents(compiled.SortComponents, item["_sk"])
		if err != nil {
			return nil, err
		}
		skComps := buildKeyComponents(m, compiled.SortKey, source, skVals, true)
		m.skField = field.NewCompound("_sk", skComps, compiled.SortComponents, false)
	}

	for name, def := range compiled.Fields {
		if isKeyName(compiled, name) {
			continue
		}
		raw, hasV := item[name]
		if !hasV && def.Optional {
			m.fields[name] = buildField(name, def, source, false, nil, false, nil, false)
			continue
		}
		v := raw
		if hasV && (def.Encrypted || def.Overflow) {
			if m.rawBaseline == nil {
				m.rawBaseline = map[string]any{}
			}
			m.rawBaseline[name] = raw
			v, err = codec.materializeValue(ctx, name, def, raw)
			if err != nil {
				return nil, err
			}
		}
		m.fields[name] = buildField(name, def, source, false, v, hasV, v, hasV)
	}
	return m, nil
}

// New materializes a brand-new item (source CREATE or CREATE_OR_PUT)
// from caller-supplied values. Every KEY/SORT_KEY component must be
// present in values.
func New(table string, compiled *schema.Compiled, source field.Source, values map[string]any) (*Model, error) {
	m := newModel(table, compiled, source, true)

	for _, name := range compiled.KeyNames {
		if _, ok := values[name]; !ok {
			return nil, fmt.Errorf("itemmodel: key component %q is required", name)
		}
	}
	keyComps := buildKeyComponents(m, compiled.Key, source, values, false)
	m.idField = field.NewCompound("_id", keyComps, compiled.KeyComponents, true)

	if len(compiled.SortKeyNames) > 0 {
		for _, name := range compiled.SortKeyNames {
			if _, ok := values[name]; !ok {
				return nil, fmt.Errorf("itemmodel: sort key component %q is required", name)
			}
		}
		skComps := buildKeyComponents(m, compiled.SortKey, source, values, false)
		m.skField = field.NewCompound("_sk", skComps, compiled.SortComponents, true)
	}

	for name, def := range compiled.Fields {
		if isKeyName(compiled, name) {
			continue
		}
		v, hasV := values[name]
		m.fields[name] = buildField(name, def, source, false, v, hasV, nil, false)
	}
	return m, nil
}

// Identify encodes keyVals into the physical store key and the
// tracked-item identity string for table/compiled, without
// constructing a full tracked Model. pkg/txn uses this to look up an
// already-tracked item before deciding whether a store round trip is
// needed.
func Identify(table string, compiled *schema.Compiled, keyVals map[string]any) (store.Key, string, error) {
	m, err := NewForDelete(table, compiled, keyVals)
	if err != nil {
		return nil, "", err
	}
	key, err := m.physicalKey()
	if err != nil {
		return nil, "", err
	}
	identity, err := m.TrackedKey()
	if err != nil {
		return nil, "", err
	}
	return key, identity, nil
}

// NewForCreate is New with source CREATE.
func NewForCreate(table string, compiled *schema.Compiled, values map[string]any) (*Model, error) {
	return New(table, compiled, field.SourceCreate, values)
}

// NewForDelete materializes a Model identifying the row to delete
// (source DELETE). Only the key components are required; non-key
// fields start undefined and untracked since a delete conditions only
// on whatever the caller separately reads before deleting.
func NewForDelete(table string, compiled *schema.Compiled, keyValues map[string]any) (*Model, error) {
	m := newModel(table, compiled, field.SourceDelete, false)

	for _, name := range compiled.KeyNames {
		if _, ok := keyValues[name]; !ok {
			return nil, fmt.Errorf("itemmodel: key component %q is required", name)
		}
	}
	keyComps := buildKeyComponents(m, compiled.Key, field.SourceDelete, keyValues, true)
	m.idField = field.NewCompound("_id", keyComps, compiled.KeyComponents, false)

	if len(compiled.SortKeyNames) > 0 {
		for _, name := range compiled.SortKeyNames {
			if _, ok := keyValues[name]; !ok {
				return nil, fmt.Errorf("itemmodel: sort key component %q is required", name)
			}
		}
		skComps := buildKeyComponents(m, compiled.SortKey, field.SourceDelete, keyValues, true)
		m.skField = field.NewCompound("_sk", skComps, compiled.SortComponents, true)
	}

	for name, def := range compiled.Fields {
		if isKeyName(compiled, name) {
			continue
		}
		m.fields[name] = buildField(name, def, field.SourceDelete, false, nil, false, nil, false)
	}
	return m, nil
}

// NewForUpdate materializes a Model for an in-place update of an
// existing, already-identified item. Key components come from
// original (which must include them) and are never themselves
// updatable. For each non-key field present in original, the field is
// Get() to force a condition on its baseline; for each field present
// in updated, the field is Set() to its new value. Key components may
// not appear in updated.
func NewForUpdate(table string, compiled *schema.Compiled, original, updated map[string]any) (*Model, error) {
	for _, name := range compiled.KeyNames {
		if _, ok := updated[name]; ok {
			return nil, fmt.Errorf("itemmodel: key component %q may not appear in updated values", name)
		}
		if _, ok := original[name]; !ok {
			return nil, fmt.Errorf("itemmodel: key component %q is required in original values", name)
		}
	}
	for _, name := range compiled.SortKeyNames {
		if _, ok := updated[name]; ok {
			return nil, fmt.Errorf("itemmodel: sort key component %q may not appear in updated values", name)
		}
	}

	m := newModel(table, compiled, field.SourceUpdate, false)

	keyComps := buildKeyComponents(m, compiled.Key, field.SourceUpdate, original, true)
	m.idField = field.NewCompound("_id", keyComps, compiled.KeyComponents, false)

	if len(compiled.SortKeyNames) > 0 {
		skComps := buildKeyComponents(m, compiled.SortKey, field.SourceUpdate, original, true)
		m.skField = field.NewCompound("_sk", skComps, compiled.SortComponents, false)
	}

	for name, def := range compiled.Fields {
		if isKeyName(compiled, name) {
			continue
		}
		origV, hasOrig := original[name]
		if hasOrig && origV == nil {
			return nil, fmt.Errorf("itemmodel: original value for %q must not be undefined", name)
		}
		f := buildField(name, def, field.SourceUpdate, false, origV, hasOrig, origV, hasOrig)
		if hasOrig {
			f.Get() // forces the read that makes this field's condition mandatory
		}
		m.fields[name] = f
		if updV, hasUpd := updated[name]; hasUpd {
			if err := f.Set(updV); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// NewForCreateOrPut materializes a full item from updated (which must
// supply every key component and every required field), overwriting
// per-field baselines from original and marking those fields read so
// commit conditions on them: "if it existed it must have matched;
// otherwise the item is created."
func NewForCreateOrPut(table string, compiled *schema.Compiled, original, updated map[string]any) (*Model, error) {
	for _, name := range compiled.KeyNames {
		if _, ok := updated[name]; !ok {
			return nil, fmt.Errorf("itemmodel: key component %q is required", name)
		}
	}

	m := newModel(table, compiled, field.SourceCreateOrPut, true)

	buildWithOriginal := func(name string, def schema.FieldDef, isKey bool) field.Field {
		updV, hasUpd := updated[name]
		f := buildField(name, def, field.SourceCreateOrPut, isKey, updV, hasUpd, nil, false)
		if origV, hasOrig := original[name]; hasOrig {
			f.OverwriteInitial(origV, true)
			f.ForceRead()
		}
		return f
	}

	keyComps := make([]field.Field, 0, len(compiled.Key))
	for name, def := range compiled.Key {
		f := buildWithOriginal(name, def, true)
		m.fields[name] = f
		keyComps = append(keyComps, f)
	}
	m.idField = field.NewCompound("_id", keyComps, compiled.KeyComponents, true)

	if len(compiled.SortKeyNames) > 0 {
		for _, name := range compiled.SortKeyNames {
			if _, ok := updated[name]; !ok {
				return nil, fmt.Errorf("itemmodel: sort key component %q is required", name)
			}
		}
		skComps := make([]field.Field, 0, len(compiled.SortKey))
		for name, def := range compiled.SortKey {
			f := buildWithOriginal(name, def, true)
			m.fields[name] = f
			skComps = append(skComps, f)
		}
		m.skField = field.NewCompound("_sk", skComps, compiled.SortComponents, true)
	}

	for name, def := range compiled.Fields {
		if isKeyName(compiled, name) {
			continue
		}
		m.fields[name] = buildWithOriginal(name, def, false)
	}
	return m, nil
}
