package fieldcrypt_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/fieldcrypt"
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
	return &fakeKMS{
		dataKeyPlaintext: bytes.Repeat([]byte{0x11}, 32),
		edk:              []byte("encrypted-data-key"),
	}
}

func TestCipher_EncryptDecrypt_RoundTrips(t *testing.T) {
	c := fieldcrypt.New("arn:aws:kms:us-east-1:111111111111:key/test", newFakeKMS())
	ctx := context.Background()

	envelope, err := c.Encrypt(ctx, "ssn", "123-45-6789")
	require.NoError(t, err)
	assert.Equal(t, "1", envelope[fieldcrypt.FieldVersion])

	got, err := c.Decrypt(ctx, "ssn", envelope)
	require.NoError(t, err)
	assert.Equal(t, "123-45-6789", got)
}

func TestCipher_Decrypt_WrongFieldNameFailsAAD(t *testing.T) {
	c := fieldcrypt.New("arn:aws:kms:us-east-1:111111111111:key/test", newFakeKMS())
	ctx := context.Background()

	envelope, err := c.Encrypt(ctx, "ssn", "123-45-6789")
	require.NoError(t, err)

	_, err = c.Decrypt(ctx, "not-ssn", envelope)
	assert.Error(t, err)
}

func TestCipher_Encrypt_RequiresKeyARN(t *testing.T) {
	c := fieldcrypt.New("", newFakeKMS())
	_, err := c.Encrypt(context.Background(), "ssn", "x")
	assert.Error(t, err)
}
