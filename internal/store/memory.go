package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memoryCore is the state shared by every memory session.
type memoryCore struct {
	mu      sync.RWMutex
	users   map[string]*User              // display name -> user
	keys    map[string]string             // access key -> display name
	buckets map[string]*Bucket            // bucket name -> record
	objects map[string]map[string]*Object // bucket -> object name -> record
	parts   map[string]map[int]*Part      // bucket/shadow -> part number -> part
	blobs   map[string]map[int][]byte     // bucket/shadow -> part number -> content
}

// MemoryOpener hands out sessions over one in-process store. Used by tests
// and as the smallest runnable engine.
type MemoryOpener struct {
	core *memoryCore
}

func NewMemoryOpener() *MemoryOpener {
	return &MemoryOpener{core: &memoryCore{
		users:   make(map[string]*User),
		keys:    make(map[string]string),
		buckets: make(map[string]*Bucket),
		objects: make(map[string]map[string]*Object),
		parts:   make(map[string]map[int]*Part),
		blobs:   make(map[string]map[int][]byte),
	}}
}

func (o *MemoryOpener) Open(ctx context.Context, seq int) (Store, error) {
	return &memorySession{core: o.core}, nil
}

func (o *MemoryOpener) Close() error {
	return nil
}

type memorySession struct {
	core *memoryCore
}

func (s *memorySession) Close() error {
	return nil
}

func (s *memorySession) AddUser(ctx context.Context, displayName string) (string, string, error) {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	user, exists := c.users[displayName]
	if !exists {
		user = &User{DisplayName: displayName, KeyPairs: make(map[string]string)}
		c.users[displayName] = user
	}

	accessKey, secretKey, err := NewKeyPair()
	if err != nil {
		return "", "", err
	}
	for {
		if _, taken := c.keys[accessKey]; !taken {
			break
		}
		accessKey, secretKey, err = NewKeyPair()
		if err != nil {
			return "", "", err
		}
	}

	user.KeyPairs[accessKey] = secretKey
	c.keys[accessKey] = displayName
	return accessKey, secretKey, nil
}

func (s *memorySession) GetUser(ctx context.Context, accessKey string) (*User, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	displayName, exists := c.keys[accessKey]
	if !exists {
		return nil, fmt.Errorf("access key %s: %w", accessKey, ErrNotFound)
	}
	return copyUser(c.users[displayName]), nil
}

func (s *memorySession) ListUsers(ctx context.Context) ([]*User, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	users := make([]*User, 0, len(c.users))
	for _, user := range c.users {
		users = append(users, copyUser(user))
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})
	return users, nil
}

func (s *memorySession) AddBucket(ctx context.Context, name string, owner UserInfo) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buckets[name] = &Bucket{Name: name, Owner: owner, Created: time.Now()}
	return nil
}

func (s *memorySession) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	bucket, exists := c.buckets[name]
	if !exists {
		return nil, fmt.Errorf("bucket %s: %w", name, ErrNotFound)
	}
	bucketCopy := *bucket
	return &bucketCopy, nil
}

func (s *memorySession) DelBucket(ctx context.Context, name string) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.buckets[name]; !exists {
		return fmt.Errorf("bucket %s: %w", name, ErrNotFound)
	}
	delete(c.buckets, name)
	delete(c.objects, name)
	return nil
}

func (s *memorySession) ListBucketNames(ctx context.Context, displayName string) ([]string, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := []string{}
	for name, bucket := range c.buckets {
		if bucket.Owner.DisplayName == displayName {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *memorySession) AddObject(ctx context.Context, bucket, object string, info ObjectInfo, content []byte) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.objects[bucket] == nil {
		c.objects[bucket] = make(map[string]*Object)
	}
	c.objects[bucket][object] = &Object{
		Bucket:  bucket,
		Name:    object,
		Info:    info,
		Content: append([]byte(nil), content...),
	}
	return nil
}

func (s *memorySession) GetObject(ctx context.Context, bucket, object string, needContent bool) (*Object, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	obj, exists := c.objects[bucket][object]
	if !exists {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, object, ErrNotFound)
	}
	objCopy := &Object{Bucket: obj.Bucket, Name: obj.Name, Info: obj.Info}
	if needContent {
		objCopy.Content = append([]byte(nil), obj.Content...)
	}
	return objCopy, nil
}

func (s *memorySession) DelObject(ctx context.Context, bucket, object string) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.objects[bucket][object]; !exists {
		return fmt.Errorf("object %s/%s: %w", bucket, object, ErrNotFound)
	}
	delete(c.objects[bucket], object)
	pk := partKey(bucket, object)
	delete(c.parts, pk)
	delete(c.blobs, pk)
	return nil
}

func (s *memorySession) ListObjectNames(ctx context.Context, bucket string) ([]string, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := []string{}
	for name := range c.objects[bucket] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memorySession) UploadPart(ctx context.Context, bucket, shadow string, info ObjectInfo, content []byte, partNumber int) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.objects[bucket][shadow]; !exists {
		return fmt.Errorf("upload %s/%s: %w", bucket, shadow, ErrNotFound)
	}
	pk := partKey(bucket, shadow)
	if c.parts[pk] == nil {
		c.parts[pk] = make(map[int]*Part)
		c.blobs[pk] = make(map[int][]byte)
	}
	c.parts[pk][partNumber] = &Part{Number: partNumber, Info: info}
	c.blobs[pk][partNumber] = append([]byte(nil), content...)
	return nil
}

func (s *memorySession) CompleteMultiUpload(ctx context.Context, bucket, shadow string) error {
	c := s.core
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, exists := c.objects[bucket][shadow]
	if !exists {
		return fmt.Errorf("upload %s/%s: %w", bucket, shadow, ErrNotFound)
	}
	final, _, ok := ParseShadowName(shadow)
	if !ok {
		return fmt.Errorf("name %s is not an upload shadow", shadow)
	}

	pk := partKey(bucket, shadow)
	var content []byte
	for _, n := range sortedPartNumbers(c.parts[pk]) {
		content = append(content, c.blobs[pk][n]...)
	}

	c.objects[bucket][final] = &Object{
		Bucket: bucket,
		Name:   final,
		Info: ObjectInfo{
			MTime:        time.Now(),
			ETag:         ETag(content),
			Size:         int64(len(content)),
			StorageClass: DefaultStorageClass,
			Owner:        obj.Info.Owner,
		},
		Content: content,
	}
	delete(c.objects[bucket], shadow)
	delete(c.parts, pk)
	delete(c.blobs, pk)
	return nil
}

func (s *memorySession) ListParts(ctx context.Context, bucket, shadow string) ([]Part, error) {
	c := s.core
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, exists := c.objects[bucket][shadow]; !exists {
		return nil, fmt.Errorf("upload %s/%s: %w", bucket, shadow, ErrNotFound)
	}
	pk := partKey(bucket, shadow)
	parts := make([]Part, 0, len(c.parts[pk]))
	for _, n := range sortedPartNumbers(c.parts[pk]) {
		parts = append(parts, *c.parts[pk][n])
	}
	return parts, nil
}

func partKey(bucket, object string) string {
	return bucket + "/" + object
}

func sortedPartNumbers(parts map[int]*Part) []int {
	numbers := make([]int, 0, len(parts))
	for n := range parts {
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers
}

func copyUser(u *User) *User {
	pairs := make(map[string]string, len(u.KeyPairs))
	for k, v := range u.KeyPairs {
		pairs[k] = v
	}
	return &User{DisplayName: u.DisplayName, KeyPairs: pairs}
}
