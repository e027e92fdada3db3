// Package tcconfig bootstraps the AWS config/credentials this module's
// store and encryption layers run on. It is grounded on the teacher's
// pkg/session/session.go: the same config.LoadDefaultConfig option
// assembly (region, credentials provider, retry mode/attempts, HTTP
// client, caller-supplied overrides) and the same "ensure a retryer,
// then build the service client from the loaded aws.Config" shape,
// generalized from a single DynamoDB client to also produce the KMS
// and STS clients pkg/fieldcrypt and multi-account callers need.
package tcconfig

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsretry "github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// Config describes how to build the shared AWS configuration. It
// mirrors the teacher's session.Config minus the fields (KMSKeyARN,
// AutoMigrate, EnableMetrics, DefaultRCU/WCU) this module's ambient
// stack doesn't need.
type Config struct {
	CredentialsProvider aws.CredentialsProvider
	Region              string
	Endpoint            string
	AssumeRoleARN       string // optional: assume this role via STS before building service clients
	AWSConfigOptions    []func(*config.LoadOptions) error
	DynamoDBOptions     []func(*dynamodb.Options)
	MaxRetries          int
}

// DefaultConfig mirrors the teacher's session.DefaultConfig defaults.
func DefaultConfig() *Config {
	return &Config{Region: "us-east-1", MaxRetries: 3}
}

// Session holds the loaded aws.Config and lazily-built service
// clients for one account/region.
type Session struct {
	cfg       *Config
	awsConfig aws.Config
	ddb       *dynamodb.Client
	kms       *kms.Client
	sts       *sts.Client
}

// New loads the AWS configuration described by cfg and returns a
// Session ready to hand out service clients.
func New(ctx context.Context, cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	options := make([]func(*config.LoadOptions) error, 0, len(cfg.AWSConfigOptions)+4)
	if cfg.Region != "" {
		options = append(options, config.WithRegion(cfg.Region))
	}
	if cfg.CredentialsProvider != nil {
		options = append(options, config.WithCredentialsProvider(cfg.CredentialsProvider))
	}

	maxAttempts := cfg.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	options = append(options, config.WithRetryMode(aws.RetryModeStandard))
	options = append(options, config.WithRetryMaxAttempts(maxAttempts))

	httpClient := &http.Client{Timeout: 30 * time.Second}
	options = append(options, config.WithHTTPClient(httpClient))
	options = append(options, cfg.AWSConfigOptions...)

	awsConfig, err := config.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("tcconfig: load AWS config: %w", err)
	}
	if awsConfig.Retryer == nil {
		awsConfig.Retryer = func() aws.Retryer {
			return awsretry.NewStandard(func(o *awsretry.StandardOptions) { o.MaxAttempts = maxAttempts })
		}
	}

	if cfg.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awsConfig)
		awsConfig.Credentials = aws.NewCredentialsCache(stscreds.NewAssumeRoleProvider(stsClient, cfg.AssumeRoleARN))
	}

	return &Session{cfg: cfg, awsConfig: awsConfig}, nil
}

// DynamoDB returns the lazily-built DynamoDB client, applying
// cfg.Endpoint and cfg.DynamoDBOptions the same way the teacher's
// session.NewSession does.
func (s *Session) DynamoDB() *dynamodb.Client {
	if s.ddb != nil {
		return s.ddb
	}
	clientOptions := make([]func(*dynamodb.Options), 0, 1+len(s.cfg.DynamoDBOptions))
	clientOptions = append(clientOptions, func(o *dynamodb.Options) {
		if s.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.cfg.Endpoint)
		}
	})
	clientOptions = append(clientOptions, s.cfg.DynamoDBOptions...)
	s.ddb = dynamodb.NewFromConfig(s.awsConfig, clientOptions...)
	return s.ddb
}

// KMS returns the lazily-built KMS client fieldcrypt.Cipher needs for
// envelope-encrypted fields.
func (s *Session) KMS() *kms.Client {
	if s.kms != nil {
		return s.kms
	}
	s.kms = kms.NewFromConfig(s.awsConfig)
	return s.kms
}

// STS returns the lazily-built STS client, useful for callers that
// need to confirm which account/role a Session is currently running
// as (multi-account deployments).
func (s *Session) STS() *sts.Client {
	if s.sts != nil {
		return s.sts
	}
	s.sts = sts.NewFromConfig(s.awsConfig)
	return s.sts
}

// AWSConfig returns the underlying aws.Config, for callers that need
// to build additional service clients this package doesn't expose
// directly (e.g. S3 for pkg/overflow).
func (s *Session) AWSConfig() aws.Config {
	return s.awsConfig
}

// CallerIdentity reports the AWS account ID the Session is currently
// authenticated as, via STS GetCallerIdentity.
func (s *Session) CallerIdentity(ctx context.Context) (string, error) {
	out, err := s.STS().GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("tcconfig: get caller identity: %w", err)
	}
	if out.Account == nil {
		return "", fmt.Errorf("tcconfig: get caller identity: no account in response")
	}
	return *out.Account, nil
}
