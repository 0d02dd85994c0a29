package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jacksonlee411/property-ledger/modules/filing/domain/ports"
)

const memoryBucket = "memory"

var ErrRetentionLocked = errors.New("blobstore: object is under retention")

type Object struct {
	Data        []byte
	ContentType string
	RetainUntil time.Time
}

// MemoryStore mimics an object-locked bucket in process.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]Object
	now     func() time.Time
}

var _ ports.BlobStore = (*MemoryStore)(nil)

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{objects: make(map[string]Object), now: now}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte, contentType string, retainUntil time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key = strings.TrimLeft(strings.TrimSpace(key), "/")
	if key == "" {
		return "", errors.New("blobstore: key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.objects[key]; ok && s.now().Before(existing.RetainUntil) {
		if string(existing.Data) != string(data) {
			return "", fmt.Errorf("%w: %s", ErrRetentionLocked, key)
		}
		if retainUntil.Before(existing.RetainUntil) {
			retainUntil = existing.RetainUntil
		}
	}
	s.objects[key] = Object{Data: append([]byte(nil), data...), ContentType: contentType, RetainUntil: retainUntil}
	return Reference{Bucket: memoryBucket, Key: key}.String(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, reference string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ref, err := ParseReference(reference)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[ref.Key]
	if !ok {
		return nil
	}
	if s.now().Before(obj.RetainUntil) {
		return fmt.Errorf("%w: %s", ErrRetentionLocked, ref.Key)
	}
	delete(s.objects, ref.Key)
	return nil
}

func (s *MemoryStore) Get(reference string) (Object, bool) {
	ref, err := ParseReference(reference)
	if err != nil {
		return Object{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[ref.Key]
	return obj, ok
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
