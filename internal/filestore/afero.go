package filestore

import (
	"context"
	"os"
	"path"

	"github.com/spf13/afero"

	"statement-ingest-service/pkg/logger"
)

// AferoStore keeps files on an afero filesystem
type AferoStore struct {
	fs  afero.Fs
	log logger.Logger
}

// NewLocal stores files below root on the OS filesystem
func NewLocal(root string, log logger.Logger) (*AferoStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fileStoreError("create root", root, err)
	}
	return NewAfero(afero.NewBasePathFs(afero.NewOsFs(), root), log), nil
}

// NewMemory stores files in memory
func NewMemory(log logger.Logger) *AferoStore {
	return NewAfero(afero.NewMemMapFs(), log)
}

// NewAfero wraps any afero filesystem
func NewAfero(fs afero.Fs, log logger.Logger) *AferoStore {
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &AferoStore{fs: fs, log: log.WithComponent("filestore")}
}

// Fs exposes the filesystem
func (s *AferoStore) Fs() afero.Fs { return s.fs }

func (s *AferoStore) Save(ctx context.Context, ref string, content []byte) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := s.fs.MkdirAll(path.Dir(ref), 0755); err != nil {
		return fileStoreError("save", ref, err)
	}
	if err := afero.WriteFile(s.fs, ref, content, 0644); err != nil {
		return fileStoreError("save", ref, err)
	}
	s.log.WithField("file_ref", ref).WithField("bytes", len(content)).Debug("file saved")
	return nil
}

func (s *AferoStore) Read(ctx context.Context, ref string) ([]byte, error) {
	if err := validateRef(ref); err != nil {
		return nil, err
	}
	content, err := afero.ReadFile(s.fs, ref)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fileNotFound(ref)
		}
		return nil, fileStoreError("read", ref, err)
	}
	return content, nil
}

func (s *AferoStore) Delete(ctx context.Context, ref string) error {
	if err := validateRef(ref); err != nil {
		return err
	}
	if err := s.fs.Remove(ref); err != nil {
		if os.IsNotExist(err) {
			return fileNotFound(ref)
		}
		return fileStoreError("delete", ref, err)
	}
	return nil
}

// Close is a no-op
func (s *AferoStore) Close() error { return nil }

var _ FileStore = (*AferoStore)(nil)
