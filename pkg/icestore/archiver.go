// Package icestore archives harvested sensor records to Google Cloud Storage
// as gzipped JSON lines, one object per day per batch.
package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/illmade-knight/lorawan-bridge/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// GCSArchiverConfig holds configuration for the archiver.
type GCSArchiverConfig struct {
	BucketName      string
	ObjectPrefix    string
	CredentialsFile string
	ClientOptions   []option.ClientOption
}

// GCSArchiver satisfies the harvester's Sink interface. Each Send groups its
// records by UTC day and writes one object per group under
// {prefix}/{yyyy}/{mm}/{dd}/{uuid}.jsonl.gz.
type GCSArchiver struct {
	store  ObjectStore
	config GCSArchiverConfig
	closer io.Closer
	logger zerolog.Logger
}

// NewGCSArchiver creates an archiver that writes through store.
func NewGCSArchiver(store ObjectStore, cfg GCSArchiverConfig, logger zerolog.Logger) (*GCSArchiver, error) {
	if store == nil {
		return nil, errors.New("object store cannot be nil")
	}
	if cfg.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSArchiver{
		store:  store,
		config: cfg,
		logger: logger.With().Str("component", "GCSArchiver").Str("bucket", cfg.BucketName).Logger(),
	}, nil
}

// NewGCSArchiverFromConfig creates its own storage client and closes it on Close.
func NewGCSArchiverFromConfig(ctx context.Context, cfg GCSArchiverConfig, logger zerolog.Logger) (*GCSArchiver, error) {
	opts := append([]option.ClientOption{}, cfg.ClientOptions...)
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	a, err := NewGCSArchiver(NewObjectStore(client), cfg, logger)
	if err != nil {
		client.Close()
		return nil, err
	}
	a.closer = client
	return a, nil
}

// Send uploads records. Groups are written in parallel; any failed group
// fails the whole call so the harvester retries the batch.
func (a *GCSArchiver) Send(ctx context.Context, records []types.SensorRecord) error {
	if len(records) == 0 {
		return nil
	}

	groups := make(map[string][]types.SensorRecord)
	for _, rec := range records {
		// Grouping keeps queue order within each day.
		key := rec.Time().Format("2006/01/02")
		groups[key] = append(groups[key], rec)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(groups))
	for key, batch := range groups {
		wg.Add(1)
		go func(dayKey string, batch []types.SensorRecord) {
			defer wg.Done()
			if err := a.uploadGroup(ctx, dayKey, batch); err != nil {
				errs <- err
			}
		}(key, batch)
	}
	wg.Wait()
	close(errs)

	var all []error
	for err := range errs {
		all = append(all, err)
	}
	return errors.Join(all...)
}

func (a *GCSArchiver) uploadGroup(ctx context.Context, dayKey string, batch []types.SensorRecord) error {
	objectName := path.Join(a.config.ObjectPrefix, dayKey, fmt.Sprintf("%s.jsonl.gz", uuid.New().String()))

	gcsWriter := a.store.NewObjectWriter(ctx, a.config.BucketName, objectName, ObjectMeta{
		ContentType:     "application/x-ndjson",
		ContentEncoding: "gzip",
		Metadata: map[string]string{
			"day":          dayKey,
			"record_count": strconv.Itoa(len(batch)),
		},
	})
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() {
			pw.CloseWithError(err)
		}()

		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, rec := range batch {
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
		if err = gz.Close(); err != nil {
			err = fmt.Errorf("gzip writer close failed for %s: %w", objectName, err)
		}
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)
	closeErr := gcsWriter.Close()

	if pipeReadErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	a.logger.Debug().
		Str("object_name", objectName).
		Int("record_count", len(batch)).
		Int64("bytes_written", bytesWritten).
		Msg("Archived batch to GCS")
	return nil
}

// Close releases the storage client if the archiver created it.
func (a *GCSArchiver) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
