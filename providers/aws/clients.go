// Package aws builds the AWS service clients from a single shared
// configuration and resolves the running account.
package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// stsAPI is the slice of STS used for account resolution
type stsAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Clients bundles the AWS service clients: IAM for deny policies,
// DynamoDB for the audit ledger, SQS for budget event ingestion.
type Clients struct {
	IAM      *iam.Client
	DynamoDB *dynamodb.Client
	SQS      *sqs.Client

	sts    stsAPI
	region string
}

// NewClients loads the default credential chain for the region and
// builds every service client from the resulting configuration.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Clients{
		IAM:      iam.NewFromConfig(cfg),
		DynamoDB: dynamodb.NewFromConfig(cfg),
		SQS:      sqs.NewFromConfig(cfg),
		sts:      sts.NewFromConfig(cfg),
		region:   region,
	}, nil
}

// Region returns the region the clients were built for
func (c *Clients) Region() string {
	return c.region
}

// AccountID resolves the current account through STS caller identity.
// Configured account IDs take precedence; this is the fallback when
// the configuration leaves the account blank.
func (c *Clients) AccountID(ctx context.Context) (string, error) {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("failed to resolve caller identity: %w", err)
	}

	account := awssdk.ToString(out.Account)
	if account == "" {
		return "", fmt.Errorf("caller identity returned no account id")
	}
	return account, nil
}
