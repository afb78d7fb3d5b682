package memory

import (
	"context"
	"io"
	"sync"

	apperrors "github.com/aihub/docindex/internal/errors"
	"github.com/aihub/docindex/internal/store"
)

// BlobStore keeps objects in a map.
type BlobStore struct {
	faults
	mu      sync.RWMutex
	objects map[string][]byte
}

var _ store.BlobStore = (*BlobStore)(nil)

// NewBlobStore 创建内存对象存储
func NewBlobStore() *BlobStore {
	return &BlobStore{objects: make(map[string][]byte)}
}

func (b *BlobStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	if err := b.check("Put"); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return apperrors.NewInternalError("read object", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = data
	return nil
}

func (b *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := b.check("Get"); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, apperrors.NewNotFoundError("object " + key)
	}
	return append([]byte(nil), data...), nil
}

func (b *BlobStore) Delete(_ context.Context, key string) error {
	if err := b.check("Delete"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}
