package hostapi

import (
	"context"
	"sort"
	"sync"

	xerrors "ExtensionHub/internal/errors"
)

// KVStore 为每个插件提供独立的键值空间。
type KVStore struct {
	mu   sync.RWMutex
	data map[string]map[string]any
}

// NewKVStore 创建 KVStore。
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]map[string]any)}
}

// Get 读取插件命名空间中的值。
func (s *KVStore) Get(namespace, key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[namespace][key]
	return v, ok
}

// Put 写入值。
func (s *KVStore) Put(namespace, key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[namespace] == nil {
		s.data[namespace] = make(map[string]any)
	}
	s.data[namespace][key] = value
}

// Delete 删除值。
func (s *KVStore) Delete(namespace, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[namespace], key)
}

// Keys 返回命名空间中的全部键。
func (s *KVStore) Keys(namespace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data[namespace]))
	for k := range s.data[namespace] {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Drop 删除插件的整个命名空间，卸载时调用。
func (s *KVStore) Drop(namespace string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, namespace)
}

// Operations 返回键值存储相关的宿主操作，命名空间固定为调用方插件名。
func (s *KVStore) Operations() []Operation {
	return []Operation{
		{Name: "storage.get", Permission: "storage.read", Handler: func(_ context.Context, caller string, args map[string]any) (any, error) {
			key, err := stringArg(args, "key")
			if err != nil {
				return nil, err
			}
			v, ok := s.Get(caller, key)
			if !ok {
				return nil, xerrors.New(xerrors.CodeNotFound, "key "+key+" not found")
			}
			return v, nil
		}},
		{Name: "storage.keys", Permission: "storage.read", Handler: func(_ context.Context, caller string, _ map[string]any) (any, error) {
			return s.Keys(caller), nil
		}},
		{Name: "storage.put", Permission: "storage.write", Handler: func(_ context.Context, caller string, args map[string]any) (any, error) {
			key, err := stringArg(args, "key")
			if err != nil {
				return nil, err
			}
			s.Put(caller, key, args["value"])
			return nil, nil
		}},
		{Name: "storage.delete", Permission: "storage.write", Handler: func(_ context.Context, caller string, args map[string]any) (any, error) {
			key, err := stringArg(args, "key")
			if err != nil {
				return nil, err
			}
			s.Delete(caller, key)
			return nil, nil
		}},
	}
}
