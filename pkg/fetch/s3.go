package fetch

import (
	"context"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/strata-lab/strata/pkg/types"
)

// S3Fetcher streams one object from an S3-compatible store. Static
// credentials from the source descriptor take precedence; without them the
// ambient AWS credential chain applies.
type S3Fetcher struct{}

func (f *S3Fetcher) Fetch(ctx context.Context, src *types.SourceConfig, destDir string) (*Result, error) {
	spec := src.S3

	var loadOpts []func(*awsconfig.LoadOptions) error
	if spec.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(spec.Region))
	}
	if spec.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(spec.AccessKeyID, spec.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if spec.Endpoint != "" {
			o.BaseEndpoint = aws.String(spec.Endpoint)
			o.UsePathStyle = true
		}
	})

	obj, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(spec.Bucket),
		Key:    aws.String(spec.Key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", spec.Bucket, spec.Key, err)
	}
	defer obj.Body.Close()

	return writeStream(destDir, path.Base(spec.Key), obj.Body)
}
