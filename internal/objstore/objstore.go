// Package objstore wraps MinIO/S3 access for dataset files and model
// artifacts. Keys follow two fixed layouts:
//
//	datasets/{workspace_id}/{dataset_id}/{filename}
//	artifacts/{workspace_id}/{run_id}/model.bin
//
// The prefix forms of those layouts let a delete sweep everything a
// dataset or run ever wrote.
package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("objstore: not found")

// Client is a bucket-scoped object store handle. Safe for concurrent use.
type Client struct {
	mc     *minio.Client
	bucket string
}

// New connects to a MinIO/S3 endpoint (host:port, scheme optional) and
// scopes all operations to the given bucket. The bucket is not created
// here; call EnsureBucket during startup.
func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Client, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("objstore: endpoint is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("objstore: bucket is required")
	}
	if host, ok := strings.CutPrefix(endpoint, "https://"); ok {
		endpoint = host
		useSSL = true
	} else if host, ok := strings.CutPrefix(endpoint, "http://"); ok {
		endpoint = host
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objstore: create client: %w", err)
	}
	return &Client{mc: mc, bucket: bucket}, nil
}

// EnsureBucket creates the client's bucket if it does not exist yet.
func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("objstore: check bucket %s: %w", c.bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("objstore: create bucket %s: %w", c.bucket, err)
	}
	return nil
}

// Ping verifies the endpoint is reachable and credentials work.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.mc.BucketExists(ctx, c.bucket); err != nil {
		return fmt.Errorf("objstore: ping: %w", err)
	}
	return nil
}

// Put stores data under key, overwriting any existing object.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("objstore: put %s: %w", key, err)
	}
	return nil
}

// Get reads the full object at key. Missing objects map to ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objstore: get %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		// minio defers existence errors until the first read.
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" {
			return nil, fmt.Errorf("objstore: get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("objstore: get %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a single object. Deleting a missing object is not an
// error.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("objstore: delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every object under prefix and returns how many
// went away.
func (c *Client) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	deleted := 0
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return deleted, fmt.Errorf("objstore: list %s: %w", prefix, obj.Err)
		}
		if err := c.mc.RemoveObject(ctx, c.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return deleted, fmt.Errorf("objstore: delete %s: %w", obj.Key, err)
		}
		deleted++
	}
	return deleted, nil
}

// DatasetKey builds the object key for an uploaded dataset file. The
// filename is reduced to its base name so client-supplied paths cannot
// escape the dataset's prefix.
func DatasetKey(workspaceID, datasetID uuid.UUID, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		name = "upload.csv"
	}
	return fmt.Sprintf("datasets/%s/%s/%s", workspaceID, datasetID, name)
}

// DatasetPrefix is the prefix holding everything uploaded for a dataset.
func DatasetPrefix(workspaceID, datasetID uuid.UUID) string {
	return fmt.Sprintf("datasets/%s/%s/", workspaceID, datasetID)
}

// ArtifactKey builds the object key for a run's serialized model.
func ArtifactKey(workspaceID, runID uuid.UUID) string {
	return fmt.Sprintf("artifacts/%s/%s/model.bin", workspaceID, runID)
}

// ArtifactPrefix is the prefix holding a run's artifacts.
func ArtifactPrefix(workspaceID, runID uuid.UUID) string {
	return fmt.Sprintf("artifacts/%s/%s/", workspaceID, runID)
}
