package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	gcs "google.golang.org/api/storage/v1"
)

const gcsPublicBase = "https://storage.googleapis.com"

// GCS uploads objects to a Cloud Storage bucket through the JSON API.
type GCS struct {
	svc     *gcs.Service
	bucket  string
	baseURL string
}

// NewGCS authenticates with application default credentials. An empty
// publicBase links objects through storage.googleapis.com.
func NewGCS(ctx context.Context, bucket, publicBase string) (*GCS, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := google.DefaultClient(ctx, gcs.DevstorageReadWriteScope)
	if err != nil {
		return nil, fmt.Errorf("gcs auth: %w", err)
	}
	return NewGCSWithOptions(ctx, bucket, publicBase, option.WithHTTPClient(client))
}

// NewGCSWithOptions builds the client from explicit options. publicBase
// defaults to the storage.googleapis.com host.
func NewGCSWithOptions(ctx context.Context, bucket, publicBase string, opts ...option.ClientOption) (*GCS, error) {
	svc, err := gcs.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs service: %w", err)
	}
	if publicBase == "" {
		publicBase = gcsPublicBase + "/" + bucket
	}
	return &GCS{svc: svc, bucket: bucket, baseURL: publicBase}, nil
}

func (g *GCS) Upload(ctx context.Context, objectPath string, data []byte, contentType string) (string, error) {
	cleaned, err := cleanPath(objectPath)
	if err != nil {
		return "", err
	}
	obj := &gcs.Object{
		Name:         cleaned,
		ContentType:  contentType,
		CacheControl: "no-cache",
	}
	_, err = g.svc.Objects.Insert(g.bucket, obj).
		Media(bytes.NewReader(data)).
		Context(ctx).
		Do()
	if err != nil {
		return "", fmt.Errorf("gcs upload %s: %w", cleaned, err)
	}
	return joinURL(g.baseURL, cleaned), nil
}
