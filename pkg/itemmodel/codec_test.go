package itemmodel_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/field"
	"github.com/theory-cloud/txcore/pkg/fieldcrypt"
	"github.com/theory-cloud/txcore/pkg/itemmodel"
	"github.com/theory-cloud/txcore/pkg/overflow"
	"github.com/theory-cloud/txcore/pkg/schema"
	"github.com/theory-cloud/txcore/pkg/store"
)

type fakeKMS struct {
	dataKeyPlaintext []byte
	edk              []byte
}

func (f *fakeKMS) GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	return &kms.GenerateDataKeyOutput{Plaintext: f.dataKeyPlaintext, CiphertextBlob: f.edk}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	if !bytes.Equal(in.CiphertextBlob, f.edk) {
		return nil, assert.AnError
	}
	return &kms.DecryptOutput{Plaintext: f.dataKeyPlaintext}, nil
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{dataKeyPlaintext: bytes.Repeat([]byte{0x11}, 32), edk: []byte("encrypted-data-key")}
}

type fakeS3 struct {
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data := f.objects[*in.Bucket+"/"+*in.Key]
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Bucket+"/"+*in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

var codecSchema = schema.Must(schema.Schema{
	Key: schema.Keys{"id": schema.String()},
	Fields: schema.Fields{
		"ssn":   schema.String().EncryptedField(),
		"notes": schema.String().OverflowField(),
	},
})

func newTestCodec(threshold int) itemmodel.Codec {
	crypt := fieldcrypt.New("arn:aws:kms:us-east-1:111111111111:key/test", newFakeKMS())
	ovStore := overflow.New(newFakeS3(), "bucket", "offload")
	ovStore.Threshold = threshold
	return itemmodel.Codec{Crypt: crypt, Overflow: ovStore}
}

func TestFromItem_DecryptsEncryptedField(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(overflow.DefaultThreshold)

	envelope, err := codec.Crypt.Encrypt(ctx, "ssn", "123-45-6789")
	require.NoError(t, err)

	m, err := itemmodel.FromItem(ctx, "widgets", codecSchema, field.SourceGet, store.Item{
		"_id": "a1", "ssn": envelope, "notes": "short",
	}, codec)
	require.NoError(t, err)

	v, err := m.Get("ssn")
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", v)
}

func TestFromItem_MaterializesOverflowPointer(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(16)

	big := strings.Repeat("n", 64)
	offloaded, err := overflow.Offload(ctx, codec.Overflow, "widgets", "notes", big)
	require.NoError(t, err)
	require.True(t, overflow.IsPointer(offloaded))

	envelope, err := codec.Crypt.Encrypt(ctx, "ssn", "123-45-6789")
	require.NoError(t, err)

	m, err := itemmodel.FromItem(ctx, "widgets", codecSchema, field.SourceGet, store.Item{
		"_id": "a1", "ssn": envelope, "notes": offloaded,
	}, codec)
	require.NoError(t, err)

	v, err := m.Get("notes")
	require.NoError(t, err)
	assert.Equal(t, big, v)
}

func TestPutParams_EncryptsFieldOnWrite(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(overflow.DefaultThreshold)

	m, err := itemmodel.NewForCreate("widgets", codecSchema, map[string]any{"id": "a1"})
	require.NoError(t, err)
	m.SetCodec(codec)
	require.NoError(t, m.Set("ssn", "123-45-6789"))
	require.NoError(t, m.Set("notes", "short"))

	p, err := m.CommitParams(ctx)
	require.NoError(t, err)

	var sawEnvelope bool
	for _, v := range p.Values {
		if env, ok := v.(map[string]any); ok {
			if _, hasVersion := env[fieldcrypt.FieldVersion]; hasVersion {
				sawEnvelope = true
				assert.NotEqual(t, "123-45-6789", env[fieldcrypt.FieldCiphertext])
			}
		}
		assert.NotEqual(t, "123-45-6789", v)
	}
	assert.True(t, sawEnvelope, "encrypted field must be written as a KMS envelope, not plaintext")
}

func TestPutParams_OffloadsOversizedFieldOnWrite(t *testing.T) {
	ctx := context.Background()
	codec := newTestCodec(16)

	m, err := itemmodel.NewForCreate("widgets", codecSchema, map[string]any{"id": "a1"})
	require.NoError(t, err)
	m.SetCodec(codec)
	big := strings.Repeat("n", 64)
	require.NoError(t, m.Set("notes", big))

	p, err := m.CommitParams(ctx)
	require.NoError(t, err)

	var sawPointer bool
	for _, v := range p.Values {
		if overflow.IsPointer(v) {
			sawPointer = true
		}
		assert.NotEqual(t, big, v)
	}
	assert.True(t, sawPointer, "oversized field must be written as an overflow pointer, not inline")
}

func TestPutParams_WithoutCodec_EncryptedFieldFails(t *testing.T) {
	m, err := itemmodel.NewForCreate("widgets", codecSchema, map[string]any{"id": "a1"})
	require.NoError(t, err)
	require.NoError(t, m.Set("ssn", "123-45-6789"))

	_, err = m.CommitParams(context.Background())
	assert.Error(t, err)
}
