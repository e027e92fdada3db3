package tcconfig_test

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/txcore/pkg/tcconfig"
)

func staticCreds() aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider("AKIAFAKE", "secretfake", "")
}

func TestNew_BuildsSessionWithStaticCredentials(t *testing.T) {
	cfg := tcconfig.DefaultConfig()
	cfg.Region = "us-west-2"
	cfg.CredentialsProvider = staticCreds()

	sess, err := tcconfig.New(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", sess.AWSConfig().Region)

	require.NotNil(t, sess.DynamoDB())
	require.NotNil(t, sess.KMS())
	require.NotNil(t, sess.STS())
}

func TestNew_DefaultConfig_NilFallsBack(t *testing.T) {
	sess, err := tcconfig.New(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", sess.AWSConfig().Region)
}

func TestSession_DynamoDB_AppliesEndpointOverride(t *testing.T) {
	cfg := tcconfig.DefaultConfig()
	cfg.CredentialsProvider = staticCreds()
	cfg.Endpoint = "http://localhost:8000"

	sess, err := tcconfig.New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, sess.DynamoDB())
}
