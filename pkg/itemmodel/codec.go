package itemmodel

import (
	"context"
	"fmt"

	"github.com/theory-cloud/txcore/pkg/fieldcrypt"
	"github.com/theory-cloud/txcore/pkg/overflow"
	"github.com/theory-cloud/txcore/pkg/schema"
)

// Codec carries the optional field-level encryption and overflow
// stores a Model threads values through on the way to and from the
// store adapter (SPEC_FULL.md §4.2, §4.4). A zero Codec has neither
// configured; a schema.FieldDef.Encrypted or .Overflow field crossing
// the boundary without the matching store wired in is an error, not a
// silent plaintext passthrough.
type Codec struct {
	Crypt    *fieldcrypt.Cipher
	Overflow *overflow.Store
}

// storedValue converts an application-level plaintext value into the
// representation that belongs in the store item: the KMS envelope for
// an Encrypted field, an overflow.Pointer for an Overflow field whose
// marshaled size crosses the configured store's threshold, or v
// unchanged for anything else.
func (c Codec) storedValue(ctx context.Context, table, name string, def schema.FieldDef, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if def.Encrypted {
		if c.Crypt == nil {
			return nil, fmt.Errorf("itemmodel: field %q is marked encrypted but no fieldcrypt.Cipher is configured", name)
		}
		env, err := c.Crypt.Encrypt(ctx, name, v)
		if err != nil {
			return nil, err
		}
		return env, nil
	}
	if def.Overflow {
		if c.Overflow == nil {
			return nil, fmt.Errorf("itemmodel: field %q allows overflow but no overflow.Store is configured", name)
		}
		return overflow.Offload(ctx, c.Overflow, table, name, v)
	}
	return v, nil
}

// materializeValue converts a raw store attribute value back into its
// application-level plaintext form: opening a KMS envelope for an
// Encrypted field, or fetching an offloaded S3 payload for an Overflow
// field whose stored value is a Pointer (one that never crossed
// Threshold stays inline and is returned unchanged).
func (c Codec) materializeValue(ctx context.Context, name string, def schema.FieldDef, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if def.Encrypted {
		if c.Crypt == nil {
			return nil, fmt.Errorf("itemmodel: field %q is marked encrypted but no fieldcrypt.Cipher is configured", name)
		}
		env, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("itemmodel: field %q's stored value is not an encryption envelope", name)
		}
		return c.Crypt.Decrypt(ctx, name, env)
	}
	if def.Overflow && overflow.IsPointer(raw) {
		if c.Overflow == nil {
			return nil, fmt.Errorf("itemmodel: field %q holds an overflow pointer but no overflow.Store is configured", name)
		}
		return overflow.Materialize(ctx, c.Overflow, raw)
	}
	return raw, nil
}
