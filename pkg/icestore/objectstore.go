package icestore

import (
	"context"
	"io"

	"cloud.google.com/go/storage"
)

// ObjectMeta is written with an archive object.
type ObjectMeta struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

// ObjectStore opens writers for archive objects. An object becomes visible
// only when its writer is closed without error.
type ObjectStore interface {
	NewObjectWriter(ctx context.Context, bucket, object string, meta ObjectMeta) io.WriteCloser
}

type storageObjectStore struct {
	client *storage.Client
}

// NewObjectStore backs an ObjectStore with a Cloud Storage client.
func NewObjectStore(client *storage.Client) ObjectStore {
	if client == nil {
		return nil
	}
	return &storageObjectStore{client: client}
}

func (s *storageObjectStore) NewObjectWriter(ctx context.Context, bucket, object string, meta ObjectMeta) io.WriteCloser {
	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = meta.ContentType
	w.ContentEncoding = meta.ContentEncoding
	w.Metadata = meta.Metadata
	return w
}
