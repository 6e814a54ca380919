// Package storage holds export artifacts in S3. Job records keep only
// the object key; the bytes never touch the job database.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ArtifactStore is what the export worker needs from object storage.
type ArtifactStore interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) error
}

// S3Store writes artifacts to one bucket.
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store creates a store using the default AWS credential chain.
func NewS3Store(ctx context.Context, bucket, region string) (*S3Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &S3Store{client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// Put uploads one object.
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading %s to S3: %w", key, err)
	}
	return nil
}
