package filestore

import (
	"context"
	stderrors "errors"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"statement-ingest-service/pkg/logger"
)

const gcsTimeout = 2 * time.Minute

// GCSStore keeps files as objects in a Google Cloud Storage bucket.
// Credentials come from Application Default Credentials unless a
// credentials file or an emulator endpoint is configured.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
	log    logger.Logger
}

// NewGCS creates a client for bucket; objects are stored below prefix
func NewGCS(ctx context.Context, bucket, prefix string, log logger.Logger, opts ...option.ClientOption) (*GCSStore, error) {
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fileStoreError("create storage client", bucket, err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &GCSStore{
		client: client,
		bucket: bucket,
		prefix: prefix,
		log:    log.WithComponent("filestore").WithField("bucket", bucket),
	}, nil
}

func (s *GCSStore) object(ref string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(path.Join(s.prefix, ref))
}

func (s *GCSStore) Save(ctx context.Context, ref string, content []byte) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, gcsTimeout)
	defer cancel()

	w := s.object(ref).NewWriter(ctx)
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		return fileStoreError("upload", ref, err)
	}
	// Close finalizes the upload
	if err := w.Close(); err != nil {
		return fileStoreError("finalize upload", ref, err)
	}
	s.log.WithField("file_ref", ref).WithField("bytes", len(content)).Debug("object uploaded")
	return nil
}

func (s *GCSStore) Read(ctx context.Context, ref string) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	rc, err := s.object(ref).NewReader(ctx)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return nil, fileNotFound(ref)
		}
		return nil, fileStoreError("read object", ref, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fileStoreError("read bytes", ref, err)
	}
	return data, nil
}

func (s *GCSStore) Delete(ctx context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := s.object(ref).Delete(ctx); err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return fileNotFound(ref)
		}
		return fileStoreError("delete object", ref, err)
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ FileStore = (*GCSStore)(nil)

// gcsClientOptions builds client options for the configured credentials
func gcsClientOptions(config *Config) []option.ClientOption {
	if endpoint := strings.TrimRight(strings.TrimSpace(config.Endpoint), "/"); endpoint != "" {
		return []option.ClientOption{
			option.WithEndpoint(endpoint + "/storage/v1/"),
			option.WithoutAuthentication(),
		}
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}
	return opts
}
