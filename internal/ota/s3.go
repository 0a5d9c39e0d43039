package ota

import (
	"context"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/r0bb10/ornament-node/internal/fault"
)

// objectGetter is the part of *s3.Client the source needs.
type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source serves updates from a public S3 bucket under a key prefix.
type S3Source struct {
	client objectGetter
	bucket string
	prefix string
}

// NewS3Source creates a source for anonymous access to bucket.
func NewS3Source(ctx context.Context, bucket, region, prefix string, logger *slog.Logger) (*S3Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("s3 update source", "bucket", bucket, "region", region, "prefix", prefix)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, fault.Wrap(err, "load AWS config")
	}
	return newS3Source(s3.NewFromConfig(cfg), bucket, prefix), nil
}

func newS3Source(client objectGetter, bucket, prefix string) *S3Source {
	return &S3Source{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Source) Manifest(ctx context.Context) (Manifest, error) {
	body, err := s.Open(ctx, ManifestName)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	m, err := decodeManifest(body)
	if err != nil {
		return nil, fault.NewTransient("fetch manifest", err)
	}
	return m, nil
}

func (s *S3Source) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.prefix + name),
	})
	if err != nil {
		return nil, fault.NewTransient("get s3 object "+name, err)
	}
	return out.Body, nil
}
