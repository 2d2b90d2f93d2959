// Package filestore persists uploaded attachment bytes. The chat core treats
// storage as an external collaborator; these are the pluggable defaults.
package filestore

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/konfihub/konfichat/core"
	"github.com/konfihub/konfichat/core/chat"
)

// DiskStore keeps uploads in a flat directory, one file per stored path.
type DiskStore struct {
	dir string
}

var _ chat.FileStore = (*DiskStore)(nil)

func NewDiskStore(conf *core.Config) (*DiskStore, error) {
	if err := os.MkdirAll(conf.Chat.UploadDir, 0o750); err != nil {
		return nil, errors.Wrap(err, "creating upload dir")
	}
	return &DiskStore{dir: conf.Chat.UploadDir}, nil
}

// Save streams content to disk under a fresh name; the original file name only
// survives in the message metadata.
func (s *DiskStore) Save(_ context.Context, ref chat.Ref, content io.Reader) (string, error) {
	path := uuid.New().String() + filepath.Ext(ref.FileName)
	f, err := os.Create(filepath.Join(s.dir, path))
	if err != nil {
		return "", errors.Wrap(err, "creating file")
	}
	defer func() { _ = f.Close() }()

	if _, err = io.Copy(f, io.LimitReader(content, ref.Size)); err != nil {
		_ = os.Remove(f.Name())
		return "", errors.Wrap(err, "writing file")
	}
	return path, nil
}

func (s *DiskStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	// stored paths are always flat uuid names; reject anything that escapes
	if filepath.Base(path) != path {
		return nil, errors.Errorf("invalid stored path %q", path)
	}
	f, err := os.Open(filepath.Join(s.dir, path))
	return f, errors.Wrap(err, "opening file")
}

func (s *DiskStore) Remove(_ context.Context, path string) error {
	if filepath.Base(path) != path {
		return errors.Errorf("invalid stored path %q", path)
	}
	err := os.Remove(filepath.Join(s.dir, path))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "removing file")
}
