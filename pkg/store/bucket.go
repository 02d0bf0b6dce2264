package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
)

const backendBucket = "bucket"

// Object metadata keys. minio-go prefixes them with X-Amz-Meta-.
const (
	metaSourceURL    = "Source-Url"
	metaETag         = "Origin-Etag"
	metaLastModified = "Origin-Last-Modified"
)

// BucketStorage stores entries as objects in an S3-compatible bucket such as
// Cloudflare R2. Partitions are top-level prefixes:
//
//	<name>/<sha256(url)>
type BucketStorage struct {
	client *minio.Client
	bucket string
}

// NewBucketStorage creates a bucket-backed Storage. The bucket must exist.
func NewBucketStorage(client *minio.Client, bucket string) *BucketStorage {
	if client == nil {
		panic("minio client cannot be nil")
	}
	return &BucketStorage{client: client, bucket: bucket}
}

// Open implements Storage. Partitions exist implicitly once they hold an
// object.
func (s *BucketStorage) Open(_ context.Context, name string) (Cache, error) {
	if name == "" || strings.Contains(name, "/") {
		return nil, fmt.Errorf("invalid partition name %q", name)
	}
	return &bucketCache{storage: s, name: name}, nil
}

// Delete implements Storage.
func (s *BucketStorage) Delete(ctx context.Context, name string) (bool, error) {
	objects := s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    name + "/",
		Recursive: true,
	})

	found := false
	toRemove := make(chan minio.ObjectInfo)
	listErr := make(chan error, 1)
	go func() {
		defer close(toRemove)
		for obj := range objects {
			if obj.Err != nil {
				listErr <- obj.Err
				return
			}
			found = true
			select {
			case toRemove <- obj:
			case <-ctx.Done():
				listErr <- ctx.Err()
				return
			}
		}
		listErr <- nil
	}()

	var errs []error
	for rerr := range s.client.RemoveObjects(ctx, s.bucket, toRemove, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err))
	}
	if err := <-listErr; err != nil {
		errs = append(errs, fmt.Errorf("list objects: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		StoreErrors.WithLabelValues(backendBucket, "delete").Inc()
		return found, err
	}
	return found, nil
}

// Names implements Storage.
func (s *BucketStorage) Names(ctx context.Context) ([]string, error) {
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Recursive: false}) {
		if obj.Err != nil {
			StoreErrors.WithLabelValues(backendBucket, "names").Inc()
			return nil, fmt.Errorf("list objects: %w", obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			names = append(names, strings.TrimSuffix(obj.Key, "/"))
		}
	}
	return names, nil
}

type bucketCache struct {
	storage *BucketStorage
	name    string
}

func (c *bucketCache) objectName(url string) string {
	return c.name + "/" + entryID(url)
}

func (c *bucketCache) Match(ctx context.Context, url string) (*Entry, error) {
	obj, err := c.storage.client.GetObject(ctx, c.storage.bucket, c.objectName(url), minio.GetObjectOptions{})
	if err != nil {
		return nil, c.readError("match", err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		return nil, c.readError("match", err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, c.readError("match", err)
	}

	header := http.Header{}
	if info.ContentType != "" {
		header.Set("Content-Type", info.ContentType)
	}
	if v := userMeta(info.UserMetadata, metaETag); v != "" {
		header.Set("ETag", v)
	}
	if v := userMeta(info.UserMetadata, metaLastModified); v != "" {
		header.Set("Last-Modified", v)
	}

	StoreHits.WithLabelValues(backendBucket).Inc()
	return &Entry{
		URL:        url,
		StatusCode: http.StatusOK,
		Headers:    header,
		Data:       data,
		CachedAt:   info.LastModified,
	}, nil
}

func (c *bucketCache) Has(ctx context.Context, url string) (bool, error) {
	_, err := c.storage.client.StatObject(ctx, c.storage.bucket, c.objectName(url), minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return false, nil
		}
		StoreErrors.WithLabelValues(backendBucket, "has").Inc()
		return false, fmt.Errorf("stat object: %w", err)
	}
	return true, nil
}

func (c *bucketCache) Put(ctx context.Context, url string, entry *Entry) error {
	if err := checkCacheable(entry); err != nil {
		StoreErrors.WithLabelValues(backendBucket, "put").Inc()
		return err
	}

	meta := map[string]string{metaSourceURL: url}
	if v := entry.Headers.Get("ETag"); v != "" {
		meta[metaETag] = v
	}
	if v := entry.Headers.Get("Last-Modified"); v != "" {
		meta[metaLastModified] = v
	}

	_, err := c.storage.client.PutObject(ctx, c.storage.bucket, c.objectName(url),
		bytes.NewReader(entry.Data), int64(len(entry.Data)),
		minio.PutObjectOptions{
			ContentType:  entry.ContentType(),
			UserMetadata: meta,
		})
	if err != nil {
		StoreErrors.WithLabelValues(backendBucket, "put").Inc()
		return fmt.Errorf("put object: %w", err)
	}

	StoreBytesWritten.WithLabelValues(backendBucket).Add(float64(len(entry.Data)))
	return nil
}

func (c *bucketCache) Delete(ctx context.Context, url string) error {
	err := c.storage.client.RemoveObject(ctx, c.storage.bucket, c.objectName(url), minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		StoreErrors.WithLabelValues(backendBucket, "delete").Inc()
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

func (c *bucketCache) readError(op string, err error) error {
	if isNoSuchKey(err) {
		StoreMisses.WithLabelValues(backendBucket).Inc()
		return ErrCacheMiss
	}
	StoreErrors.WithLabelValues(backendBucket, op).Inc()
	return fmt.Errorf("get object: %w", err)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// userMeta looks up a user metadata value regardless of how the server
// canonicalised the key.
func userMeta(m minio.StringMap, key string) string {
	for k, v := range m {
		k = strings.TrimPrefix(strings.ToLower(k), "x-amz-meta-")
		if k == strings.ToLower(key) {
			return v
		}
	}
	return ""
}
