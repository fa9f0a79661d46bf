package minio

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	cfg "github.com/quietlake/bookvault/config"
	"github.com/quietlake/bookvault/pkg/logger"
	"github.com/quietlake/bookvault/pkg/objectstore"
)

// Gateway implements objectstore.Gateway on a single MinIO bucket,
// key prefixes doing the namespacing.
type Gateway struct {
	client *minio.Client
	bucket string
	logger logger.Logger
}

// New connects to MinIO and ensures the bucket exists.
func New(conf *cfg.MinioConfig, log logger.Logger) (*Gateway, error) {
	client, err := minio.New(conf.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(conf.AccessKey, conf.SecretKey, ""),
		Secure: conf.UseSSL,
		Region: conf.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(context.Background(), conf.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		err = client.MakeBucket(context.Background(), conf.BucketName, minio.MakeBucketOptions{
			Region: conf.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Gateway{
		client: client,
		bucket: conf.BucketName,
		logger: log,
	}, nil
}

// Put implements Gateway.Put
func (g *Gateway) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	_, err := g.client.PutObject(ctx, g.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		g.logger.Error("Failed to store object",
			logger.String("bucket", g.bucket),
			logger.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("failed to store object: %w", err)
	}
	return nil
}

// Get implements Gateway.Get
func (g *Gateway) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := g.client.GetObject(ctx, g.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", key, err)
	}
	// GetObject is lazy; surface missing keys now.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, objectstore.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return obj, nil
}

// Stat implements Gateway.Stat
func (g *Gateway) Stat(ctx context.Context, key string) (*objectstore.ObjectInfo, error) {
	stat, err := g.client.StatObject(ctx, g.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, objectstore.ErrObjectNotFound
		}
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}
	return &objectstore.ObjectInfo{
		Key:          key,
		Size:         stat.Size,
		ETag:         stat.ETag,
		ContentType:  stat.ContentType,
		LastModified: stat.LastModified,
	}, nil
}

// Delete implements Gateway.Delete
func (g *Gateway) Delete(ctx context.Context, key string) error {
	err := g.client.RemoveObject(ctx, g.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		g.logger.Error("Failed to delete object",
			logger.String("bucket", g.bucket),
			logger.String("key", key),
			logger.Error(err),
		)
		return fmt.Errorf("failed to delete object: %w", err)
	}
	return nil
}

// List implements Gateway.List
func (g *Gateway) List(ctx context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	var infos []objectstore.ObjectInfo
	objectCh := g.client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for obj := range objectCh {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list objects under %s: %w", prefix, obj.Err)
		}
		infos = append(infos, objectstore.ObjectInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ETag:         obj.ETag,
			LastModified: obj.LastModified,
		})
	}
	return infos, nil
}

// PresignedUpload implements Gateway.PresignedUpload
func (g *Gateway) PresignedUpload(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := g.client.PresignedPutObject(ctx, g.bucket, key, ttl)
	if err != nil {
		return "", fmt.Errorf("failed to presign upload for %s: %w", key, err)
	}
	return u.String(), nil
}

// PresignedDownload implements Gateway.PresignedDownload
func (g *Gateway) PresignedDownload(ctx context.Context, key string, ttl time.Duration, filename string) (string, error) {
	params := url.Values{}
	if filename != "" {
		params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}
	u, err := g.client.PresignedGetObject(ctx, g.bucket, key, ttl, params)
	if err != nil {
		return "", fmt.Errorf("failed to presign download for %s: %w", key, err)
	}
	return u.String(), nil
}
