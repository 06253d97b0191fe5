package artifact

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"
)

type memoryObject struct {
	data []byte
	info Info
}

// MemoryStore 在内存中保存制品，用于测试与单机演示。
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]memoryObject
}

// NewMemory 创建空的内存存储。
func NewMemory() *MemoryStore {
	return &MemoryStore{objects: make(map[string]memoryObject)}
}

func (s *MemoryStore) Driver() Driver { return DriverMemory }

func (s *MemoryStore) Put(_ context.Context, key string, r io.Reader, contentType string) (Info, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return Info{}, err
	}
	var buf bytes.Buffer
	sum, size, err := hashCopy(&buf, r)
	if err != nil {
		return Info{}, err
	}
	info := Info{Key: key, Size: size, Checksum: sum, ContentType: contentType, StoredAt: time.Now().UTC()}
	s.mu.Lock()
	s.objects[clean] = memoryObject{data: buf.Bytes(), info: info}
	s.mu.Unlock()
	return info, nil
}

func (s *MemoryStore) Open(_ context.Context, key string) (io.ReadCloser, Info, error) {
	clean, err := CleanKey(key)
	if err != nil {
		return nil, Info{}, err
	}
	s.mu.RLock()
	obj, ok := s.objects[clean]
	s.mu.RUnlock()
	if !ok {
		return nil, Info{}, notFound(key)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), obj.info, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	clean, err := CleanKey(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, clean)
	s.mu.Unlock()
	return nil
}
