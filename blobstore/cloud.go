package blobstore

import (
	"context"
	"errors"
	"net/url"

	_ "gocloud.dev/blob/azureblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
)

var errBucketRequired = errors.New("bucket is required")

// NewS3 creates a store backed by Amazon S3, for caches shared by a fleet of
// identical GPU hosts. An empty region is resolved by the AWS SDK.
func NewS3(ctx context.Context, bucket, region, prefix string) (*Store, error) {
	if bucket == "" {
		return nil, errBucketRequired
	}
	bucketURL := "s3://" + bucket
	if region != "" {
		bucketURL += "?region=" + url.QueryEscape(region)
	}
	return Open(ctx, bucketURL, prefix)
}

// NewGCS creates a store backed by Google Cloud Storage using application
// default credentials.
func NewGCS(ctx context.Context, bucket, prefix string) (*Store, error) {
	if bucket == "" {
		return nil, errBucketRequired
	}
	return Open(ctx, "gs://"+bucket, prefix)
}

// NewAzure creates a store backed by Azure Blob Storage.
func NewAzure(ctx context.Context, container, prefix string) (*Store, error) {
	if container == "" {
		return nil, errBucketRequired
	}
	return Open(ctx, "azblob://"+container, prefix)
}
