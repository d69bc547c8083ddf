package blobstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	bucket  bool
	objects map[string]*Object
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns a store whose bucket does not exist yet.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*Object), now: time.Now}
}

func (s *MemoryStore) Put(ctx context.Context, name string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bucket {
		return fmt.Errorf("put %s: bucket: %w", name, ErrNotFound)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[name] = &Object{
		ObjectInfo: ObjectInfo{
			Name:         name,
			Size:         int64(len(stored)),
			LastModified: s.now().UTC(),
			ContentType:  contentType,
		},
		Data: stored,
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, name string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[name]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", name, ErrNotFound)
	}
	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	return &Object{ObjectInfo: obj.ObjectInfo, Data: data}, nil
}

func (s *MemoryStore) Stat(ctx context.Context, name string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[name]
	if !ok {
		return ObjectInfo{}, fmt.Errorf("stat %s: %w", name, ErrNotFound)
	}
	return obj.ObjectInfo, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]ObjectInfo, 0, len(s.objects))
	for name, obj := range s.objects {
		if strings.HasPrefix(name, prefix) {
			infos = append(infos, obj.ObjectInfo)
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func (s *MemoryStore) BucketExists(ctx context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bucket, ctx.Err()
}

func (s *MemoryStore) CreateBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucket = true
	return ctx.Err()
}
