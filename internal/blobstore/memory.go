package blobstore

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// memoryStore mirrors the s3 driver's semantics in-process, including
// md5-based etags, so archive round trips behave the same under either
// driver.
type memoryStore struct {
	mu      sync.RWMutex
	prefix  string
	objects map[string]Object
}

func newMemoryStore(prefix string) Store {
	return &memoryStore{
		prefix:  cleanPrefix(prefix),
		objects: make(map[string]Object),
	}
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, opts PutOptions) error {
	logicalKey, err := cleanKey(key)
	if err != nil {
		return err
	}

	sum := md5.Sum(payload)
	m.mu.Lock()
	m.objects[withPrefix(m.prefix, logicalKey)] = Object{
		Key:          logicalKey,
		Data:         copyBytes(payload),
		ContentType:  strings.TrimSpace(opts.ContentType),
		Metadata:     copyMetadata(opts.Metadata),
		ETag:         hex.EncodeToString(sum[:]),
		LastModified: time.Now().UTC(),
	}
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	logicalKey, err := cleanKey(key)
	if err != nil {
		return Object{}, err
	}

	m.mu.RLock()
	obj, ok := m.objects[withPrefix(m.prefix, logicalKey)]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, logicalKey)
	}
	// Copies keep the stored object immutable under caller mutation.
	obj.Data = copyBytes(obj.Data)
	obj.Metadata = copyMetadata(obj.Metadata)
	return obj, nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	logicalKey, err := cleanKey(key)
	if err != nil {
		return false, err
	}

	m.mu.RLock()
	_, ok := m.objects[withPrefix(m.prefix, logicalKey)]
	m.mu.RUnlock()
	return ok, nil
}
