package filestore

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/konfihub/konfichat/core/chat"
)

// MemStore is an in-memory FileStore for dev and tests.
type MemStore struct {
	mutex sync.RWMutex
	files map[string][]byte
}

var _ chat.FileStore = (*MemStore)(nil)

func NewMemStoreMock() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

func (s *MemStore) Save(_ context.Context, ref chat.Ref, content io.Reader) (string, error) {
	data, err := ioutil.ReadAll(io.LimitReader(content, ref.Size))
	if err != nil {
		return "", errors.Wrap(err, "reading content")
	}
	path := uuid.New().String()
	s.mutex.Lock()
	s.files[path] = data
	s.mutex.Unlock()
	return path, nil
}

func (s *MemStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	s.mutex.RLock()
	data, ok := s.files[path]
	s.mutex.RUnlock()
	if !ok {
		return nil, errors.Errorf("no stored file %q", path)
	}
	return ioutil.NopCloser(bytes.NewReader(data)), nil
}

func (s *MemStore) Remove(_ context.Context, path string) error {
	s.mutex.Lock()
	delete(s.files, path)
	s.mutex.Unlock()
	return nil
}

// Len reports the number of stored files; test helper.
func (s *MemStore) Len() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.files)
}
