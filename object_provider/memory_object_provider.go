package objectprovider

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

type memoryObject struct {
	data        []byte
	contentType string
}

// MemoryObjectStore keeps objects in process memory. Safe for concurrent use.
type MemoryObjectStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]memoryObject
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{buckets: map[string]map[string]memoryObject{}}
}

func (s *MemoryObjectStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := []string{}
	for key := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *MemoryObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrObjectNotFound)
	}
	return slices.Clone(obj.data), nil
}

func (s *MemoryObjectStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buckets[bucket] == nil {
		s.buckets[bucket] = map[string]memoryObject{}
	}
	s.buckets[bucket][key] = memoryObject{data: slices.Clone(data), contentType: contentType}
	return nil
}

// The content type an object was written with.
func (s *MemoryObjectStore) ContentType(bucket, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	return obj.contentType, ok
}
