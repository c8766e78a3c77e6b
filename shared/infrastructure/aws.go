package infrastructure

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/pkg/errors"
)

// AWSConfig selects the account and endpoints of the AWS clients. Empty
// endpoints use the AWS defaults; set them to point at LocalStack.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	EndpointSQS     string
	EndpointSNS     string
}

func loadAWSConfig(ctx context.Context, cfg AWSConfig) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errors.Wrap(err, "failed to load AWS config")
	}
	return awsCfg, nil
}

// NewSQSClient creates an SQS client for cfg.
func NewSQSClient(ctx context.Context, cfg AWSConfig) (*sqs.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.EndpointSQS != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointSQS)
		}
	}), nil
}

// NewSNSClient creates an SNS client for cfg.
func NewSNSClient(ctx context.Context, cfg AWSConfig) (*sns.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.EndpointSNS != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointSNS)
		}
	}), nil
}
