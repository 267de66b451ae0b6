package archive

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Uploader writes a batch of archived messages to durable storage.
type Uploader interface {
	UploadBatch(ctx context.Context, items []*ArchivedMessage) error
	Close() error
}

// GCSUploaderConfig holds configuration for the GCS uploader.
type GCSUploaderConfig struct {
	BucketName   string
	ObjectPrefix string
}

// LoadGCSUploaderConfigFromEnv builds the uploader config from the
// environment. ARCHIVE_GCS_BUCKET is required.
func LoadGCSUploaderConfigFromEnv() (*GCSUploaderConfig, error) {
	cfg := &GCSUploaderConfig{
		BucketName:   os.Getenv("ARCHIVE_GCS_BUCKET"),
		ObjectPrefix: os.Getenv("ARCHIVE_GCS_PREFIX"),
	}
	if cfg.BucketName == "" {
		return nil, errors.New("ARCHIVE_GCS_BUCKET environment variable not set")
	}
	if cfg.ObjectPrefix == "" {
		cfg.ObjectPrefix = "archive"
	}
	return cfg, nil
}

// GCSUploader groups archived messages by their batch key and writes each
// group to a compressed JSONL object in Google Cloud Storage.
type GCSUploader struct {
	client GCSClient
	config GCSUploaderConfig
	logger zerolog.Logger
	wg     sync.WaitGroup
}

// NewGCSUploader creates an uploader backed by Google Cloud Storage.
func NewGCSUploader(client GCSClient, config GCSUploaderConfig, logger zerolog.Logger) (*GCSUploader, error) {
	if client == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSUploader{
		client: client,
		config: config,
		logger: logger.With().Str("component", "GCSUploader").Logger(),
	}, nil
}

// UploadBatch groups the items by batch key and uploads each group to its own
// object in parallel. Errors from individual groups are combined; groups that
// succeed are not rolled back.
func (u *GCSUploader) UploadBatch(ctx context.Context, items []*ArchivedMessage) error {
	if len(items) == 0 {
		return nil
	}

	grouped := make(map[string][]*ArchivedMessage)
	for _, item := range items {
		if item == nil || item.BatchKey == "" {
			continue
		}
		grouped[item.BatchKey] = append(grouped[item.BatchKey], item)
	}
	if len(grouped) == 0 {
		return nil
	}

	var uploadWg sync.WaitGroup
	errs := make(chan error, len(grouped))

	for key, group := range grouped {
		uploadWg.Add(1)
		u.wg.Add(1)
		go func(batchKey string, records []*ArchivedMessage) {
			defer uploadWg.Done()
			defer u.wg.Done()
			if err := u.uploadGroup(ctx, batchKey, records); err != nil {
				errs <- err
			}
		}(key, group)
	}

	uploadWg.Wait()
	close(errs)

	var combined error
	for err := range errs {
		if combined == nil {
			combined = err
		} else {
			combined = fmt.Errorf("%v; %w", combined, err)
		}
	}
	return combined
}

// uploadGroup streams one group of records into a gzip-compressed JSONL object.
func (u *GCSUploader) uploadGroup(ctx context.Context, batchKey string, records []*ArchivedMessage) error {
	objectName := path.Join(u.config.ObjectPrefix, batchKey, fmt.Sprintf("%s.jsonl.gz", uuid.New().String()))

	objHandle := u.client.Bucket(u.config.BucketName).Object(objectName)
	gcsWriter := objHandle.NewWriter(ctx)
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		defer func() { _ = gz.Close() }()
		enc := json.NewEncoder(gz)
		for _, rec := range records {
			if err = enc.Encode(rec); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
	}()

	bytesWritten, pipeErr := io.Copy(gcsWriter, pr)
	closeErr := gcsWriter.Close()

	if pipeErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	u.logger.Debug().
		Str("object_name", objectName).
		Int64("bytes_written", bytesWritten).
		Int("record_count", len(records)).
		Msg("Uploaded archive object.")
	return nil
}

// Close waits for any in-flight uploads to finish.
func (u *GCSUploader) Close() error {
	u.wg.Wait()
	return nil
}
