// Package fieldcrypt implements KMS envelope encryption for
// schema.FieldDef.Encrypted fields (SPEC_FULL.md's field-level
// encryption expansion). It is grounded on the teacher's
// internal/encryption/service.go: the same GenerateDataKey/Decrypt
// envelope ("v"/"edk"/"nonce"/"ct"), the same AES-256-GCM seal/open
// with an attribute-name-derived AAD, adapted from encrypting a
// DynamoDB types.AttributeValue to encrypting a generic Go value
// (store.Item holds plain `any`, not SDK attribute types; JSON stands
// in for the teacher's avJSON round trip).
package fieldcrypt

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

const envelopeVersion = "1"

// Envelope field names, matching store.Item's attribute-name-keyed
// shape so an envelope can be written back as a regular field value.
const (
	FieldVersion    = "v"
	FieldDataKey    = "edk"
	FieldNonce      = "nonce"
	FieldCiphertext = "ct"
)

// KMSClient is the minimal AWS KMS surface field encryption needs.
type KMSClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Cipher encrypts and decrypts individual field values with a single
// KMS key, one fresh AES-256 data key per Encrypt call.
type Cipher struct {
	kms    KMSClient
	rand   io.Reader
	keyARN string
}

// New returns a Cipher using client for data-key generation/decryption.
func New(keyARN string, client KMSClient) *Cipher {
	return NewWithRand(keyARN, client, rand.Reader)
}

// NewFromAWSConfig builds the KMS client from cfg before constructing
// the Cipher, mirroring the teacher's NewServiceFromAWSConfig.
func NewFromAWSConfig(keyARN string, cfg aws.Config) *Cipher {
	return New(keyARN, kms.NewFromConfig(cfg))
}

// NewWithRand is New with an explicit nonce source, for deterministic
// tests.
func NewWithRand(keyARN string, client KMSClient, rng io.Reader) *Cipher {
	if rng == nil {
		rng = rand.Reader
	}
	return &Cipher{keyARN: keyARN, kms: client, rand: rng}
}

// Encrypt seals value into an envelope map ready to store as a field
// value under store.Item.
func (c *Cipher) Encrypt(ctx context.Context, fieldName string, value any) (map[string]any, error) {
	if err := c.validate(fieldName); err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: encode %q: %w", fieldName, err)
	}

	dataKey, err := c.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(c.keyARN),
		KeySpec: kmstypes.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: kms GenerateDataKey: %w", err)
	}
	if len(dataKey.Plaintext) != 32 {
		return nil, fmt.Errorf("fieldcrypt: unexpected data key length %d", len(dataKey.Plaintext))
	}
	if len(dataKey.CiphertextBlob) == 0 {
		return nil, fmt.Errorf("fieldcrypt: kms returned empty ciphertext data key")
	}

	gcm, err := newGCM(dataKey.Plaintext)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return nil, fmt.Errorf("fieldcrypt: generate nonce: %w", err)
	}

	ct := gcm.Seal(nil, nonce, plaintext, aad(fieldName))

	return map[string]any{
		FieldVersion:    envelopeVersion,
		FieldDataKey:    dataKey.CiphertextBlob,
		FieldNonce:      nonce,
		FieldCiphertext: ct,
	}, nil
}

// Decrypt opens an envelope produced by Encrypt and unmarshals the
// plaintext back into an any value (numbers decode as float64, per
// encoding/json's default).
func (c *Cipher) Decrypt(ctx context.Context, fieldName string, envelope map[string]any) (any, error) {
	if err := c.validate(fieldName); err != nil {
		return nil, err
	}

	edk, nonce, ct, err := parseEnvelope(envelope)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: %q: %w", fieldName, err)
	}

	dec, err := c.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: edk, KeyId: aws.String(c.keyARN)})
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: kms Decrypt: %w", err)
	}
	if len(dec.Plaintext) != 32 {
		return nil, fmt.Errorf("fieldcrypt: unexpected data key length %d", len(dec.Plaintext))
	}

	gcm, err := newGCM(dec.Plaintext)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ct, aad(fieldName))
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: aes-gcm open %q: %w", fieldName, err)
	}

	var value any
	if err := json.Unmarshal(plaintext, &value); err != nil {
		return nil, fmt.Errorf("fieldcrypt: decode %q: %w", fieldName, err)
	}
	return value, nil
}

func (c *Cipher) validate(fieldName string) error {
	if c == nil {
		return fmt.Errorf("fieldcrypt: cipher is nil")
	}
	if c.kms == nil {
		return fmt.Errorf("fieldcrypt: kms client is nil")
	}
	if c.keyARN == "" {
		return fmt.Errorf("fieldcrypt: key ARN is empty")
	}
	if fieldName == "" {
		return fmt.Errorf("fieldcrypt: field name is empty")
	}
	return nil
}

func aad(fieldName string) []byte {
	return []byte(fmt.Sprintf("txcore:encrypted:v1|field=%s", fieldName))
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: aes cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("fieldcrypt: aes-gcm init: %w", err)
	}
	return gcm, nil
}

func parseEnvelope(env map[string]any) (edk, nonce, ct []byte, err error) {
	version, _ := env[FieldVersion].(string)
	if version != envelopeVersion {
		return nil, nil, nil, fmt.Errorf("unsupported envelope version %q", version)
	}
	edk, err = byteField(env, FieldDataKey)
	if err != nil {
		return nil, nil, nil, err
	}
	nonce, err = byteField(env, FieldNonce)
	if err != nil {
		return nil, nil, nil, err
	}
	ct, err = byteField(env, FieldCiphertext)
	if err != nil {
		return nil, nil, nil, err
	}
	return edk, nonce, ct, nil
}

func byteField(env map[string]any, key string) ([]byte, error) {
	v, ok := env[key]
	if !ok {
		return nil, fmt.Errorf("missing %q", key)
	}
	b, ok := v.([]byte)
	if !ok || len(b) == 0 {
		return nil, fmt.Errorf("%q must be a non-empty byte slice", key)
	}
	return b, nil
}
