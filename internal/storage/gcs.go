package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	gcsMetaOrigin    = "cartsync-origin"
	gcsMetaWrittenAt = "cartsync-written-at"
)

// GCSStore keeps each slot as one Cloud Storage object. Writer identity and write time
// live in object metadata. It is paired with a separate Notifier.
type GCSStore struct {
	bucket *gcs.BucketHandle
	prefix string
}

// NewGCSStore builds a store over bucket. Object names are prefix + key.
func NewGCSStore(client *gcs.Client, bucket, prefix string) (*GCSStore, error) {
	if client == nil {
		return nil, errors.New("storage: gcs client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: gcs bucket is required")
	}
	return &GCSStore{bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (s *GCSStore) object(key string) *gcs.ObjectHandle {
	return s.bucket.Object(s.prefix + key)
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, key string) (Record, error) {
	obj := s.object(key)
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("storage: gcs attrs: %w", err)
	}
	r, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("storage: gcs open: %w", err)
	}
	defer r.Close()
	value, err := io.ReadAll(r)
	if err != nil {
		return Record{}, fmt.Errorf("storage: gcs read: %w", err)
	}

	rec := Record{Key: key, Value: value, Origin: attrs.Metadata[gcsMetaOrigin], WrittenAt: attrs.Updated.UTC()}
	if written, err := time.Parse(time.RFC3339Nano, attrs.Metadata[gcsMetaWrittenAt]); err == nil {
		rec.WrittenAt = written.UTC()
	}
	return rec, nil
}

// Put implements Store.
func (s *GCSStore) Put(ctx context.Context, rec Record) error {
	w := s.object(rec.Key).NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{
		gcsMetaOrigin:    rec.Origin,
		gcsMetaWrittenAt: rec.WrittenAt.UTC().Format(time.RFC3339Nano),
	}
	if _, err := w.Write(rec.Value); err != nil {
		_ = w.Close()
		return fmt.Errorf("storage: gcs write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("storage: gcs close writer: %w", err)
	}
	return nil
}
