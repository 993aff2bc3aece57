package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// lockRetryInterval paces the acquire loop for the session lock.
const lockRetryInterval = 10 * time.Millisecond

// unlockScript releases the session lock only when this session still holds
// it, so a lock that expired and was reacquired elsewhere is never deleted.
const unlockScript = `if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`

// RedisOptions configures the redis engine. MetaAddr is the metadata
// instance; LockAddr is the lock registry and defaults to MetaAddr.
// LockName is the per-gateway holder prefix (host + port); each session
// appends its worker sequence number.
type RedisOptions struct {
	MetaAddr string
	LockAddr string
	Password string
	Table    string
	LockName string
	LockTTL  time.Duration
}

// RedisOpener dials one metadata client and one lock client per session.
type RedisOpener struct {
	opts RedisOptions
}

func NewRedisOpener(opts RedisOptions) *RedisOpener {
	if opts.LockAddr == "" {
		opts.LockAddr = opts.MetaAddr
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	return &RedisOpener{opts: opts}
}

func (o *RedisOpener) Open(ctx context.Context, seq int) (Store, error) {
	meta, err := dialRedis(ctx, o.opts.MetaAddr, o.opts.Password)
	if err != nil {
		return nil, fmt.Errorf("opening metadata client: %w", err)
	}
	locks := meta
	if o.opts.LockAddr != o.opts.MetaAddr {
		locks, err = dialRedis(ctx, o.opts.LockAddr, o.opts.Password)
		if err != nil {
			meta.Close()
			return nil, fmt.Errorf("opening lock client: %w", err)
		}
	}
	return &redisSession{
		meta:    meta,
		locks:   locks,
		table:   o.opts.Table,
		holder:  o.opts.LockName + strconv.Itoa(seq),
		lockTTL: o.opts.LockTTL,
	}, nil
}

func (o *RedisOpener) Close() error {
	return nil
}

func dialRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging %s: %w", addr, err)
	}
	return client, nil
}

// redisSession is one worker's handle. Multi-key mutations are fenced by a
// table-wide lock in the lock registry so concurrent gateways stay coherent.
type redisSession struct {
	meta    *redis.Client
	locks   *redis.Client
	table   string
	holder  string
	lockTTL time.Duration
}

func (s *redisSession) Close() error {
	err := s.meta.Close()
	if s.locks != s.meta {
		if lerr := s.locks.Close(); err == nil {
			err = lerr
		}
	}
	return err
}

// Key layout under the table namespace. Sets carry the enumerable names;
// records are JSON; content and part data are raw bytes. Keys are only ever
// built, never parsed, so names may contain any byte.

func (s *redisSession) usersKey() string { return s.table + ":users" }

func (s *redisSession) userKey(name string) string { return s.table + ":user:" + name }

func (s *redisSession) keyKey(ak string) string { return s.table + ":key:" + ak }

func (s *redisSession) bucketKey(b string) string { return s.table + ":bucket:" + b }

func (s *redisSession) userBucketsKey(name string) string {
	return s.table + ":ubuckets:" + name
}

func (s *redisSession) objectsKey(b string) string { return s.table + ":objects:" + b }
func (s *redisSession) objectKey(b, o string) string {
	return s.table + ":object:" + b + ":" + o
}

func (s *redisSession) contentKey(b, o string) string {
	return s.table + ":content:" + b + ":" + o
}

func (s *redisSession) partNumsKey(b, o string) string {
	return s.table + ":partnums:" + b + ":" + o
}

func (s *redisSession) partKey(b, o string, n int) string {
	return s.table + ":part:" + b + ":" + o + ":" + strconv.Itoa(n)
}

func (s *redisSession) partDataKey(b, o string, n int) string {
	return s.table + ":partdata:" + b + ":" + o + ":" + strconv.Itoa(n)
}

func (s *redisSession) lockKey() string { return s.table + ":lock" }

// lock acquires the table-wide session lock, retrying until the context ends.
// The TTL bounds how long a crashed holder can wedge other sessions.
func (s *redisSession) lock(ctx context.Context) error {
	for {
		ok, err := s.locks.SetNX(ctx, s.lockKey(), s.holder, s.lockTTL).Result()
		if err != nil {
			return fmt.Errorf("acquiring session lock: %w", err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

func (s *redisSession) unlock(ctx context.Context) {
	_ = s.locks.Eval(ctx, unlockScript, []string{s.lockKey()}, s.holder).Err()
}

func (s *redisSession) AddUser(ctx context.Context, displayName string) (string, string, error) {
	if err := s.lock(ctx); err != nil {
		return "", "", err
	}
	defer s.unlock(ctx)

	user := &User{DisplayName: displayName, KeyPairs: make(map[string]string)}
	data, err := s.meta.Get(ctx, s.userKey(displayName)).Bytes()
	switch {
	case err == nil:
		if err := json.Unmarshal(data, user); err != nil {
			return "", "", fmt.Errorf("decoding user %s: %w", displayName, err)
		}
	case !errors.Is(err, redis.Nil):
		return "", "", fmt.Errorf("reading user %s: %w", displayName, err)
	}

	var accessKey, secretKey string
	for {
		accessKey, secretKey, err = NewKeyPair()
		if err != nil {
			return "", "", err
		}
		taken, err := s.meta.Exists(ctx, s.keyKey(accessKey)).Result()
		if err != nil {
			return "", "", fmt.Errorf("checking access key: %w", err)
		}
		if taken == 0 {
			break
		}
	}
	user.KeyPairs[accessKey] = secretKey

	data, err = json.Marshal(user)
	if err != nil {
		return "", "", fmt.Errorf("encoding user %s: %w", displayName, err)
	}
	if err := s.meta.Set(ctx, s.userKey(displayName), data, 0).Err(); err != nil {
		return "", "", fmt.Errorf("writing user %s: %w", displayName, err)
	}
	if err := s.meta.Set(ctx, s.keyKey(accessKey), displayName, 0).Err(); err != nil {
		return "", "", fmt.Errorf("writing access key: %w", err)
	}
	if err := s.meta.SAdd(ctx, s.usersKey(), displayName).Err(); err != nil {
		return "", "", fmt.Errorf("indexing user %s: %w", displayName, err)
	}
	return accessKey, secretKey, nil
}

func (s *redisSession) GetUser(ctx context.Context, accessKey string) (*User, error) {
	displayName, err := s.meta.Get(ctx, s.keyKey(accessKey)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("access key %s: %w", accessKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving access key: %w", err)
	}
	return s.getUserByName(ctx, displayName)
}

func (s *redisSession) getUserByName(ctx context.Context, displayName string) (*User, error) {
	data, err := s.meta.Get(ctx, s.userKey(displayName)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("user %s: %w", displayName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading user %s: %w", displayName, err)
	}
	user := &User{}
	if err := json.Unmarshal(data, user); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", displayName, err)
	}
	return user, nil
}

func (s *redisSession) ListUsers(ctx context.Context) ([]*User, error) {
	names, err := s.meta.SMembers(ctx, s.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	sort.Strings(names)
	users := make([]*User, 0, len(names))
	for _, name := range names {
		user, err := s.getUserByName(ctx, name)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (s *redisSession) AddBucket(ctx context.Context, name string, owner UserInfo) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock(ctx)

	data, err := json.Marshal(&Bucket{Name: name, Owner: owner, Created: time.Now()})
	if err != nil {
		return fmt.Errorf("encoding bucket %s: %w", name, err)
	}
	if err := s.meta.Set(ctx, s.bucketKey(name), data, 0).Err(); err != nil {
		return fmt.Errorf("writing bucket %s: %w", name, err)
	}
	if err := s.meta.SAdd(ctx, s.userBucketsKey(owner.DisplayName), name).Err(); err != nil {
		return fmt.Errorf("indexing bucket %s: %w", name, err)
	}
	return nil
}

func (s *redisSession) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	data, err := s.meta.Get(ctx, s.bucketKey(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("bucket %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading bucket %s: %w", name, err)
	}
	bucket := &Bucket{}
	if err := json.Unmarshal(data, bucket); err != nil {
		return nil, fmt.Errorf("decoding bucket %s: %w", name, err)
	}
	return bucket, nil
}

func (s *redisSession) DelBucket(ctx context.Context, name string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock(ctx)

	bucket, err := s.GetBucket(ctx, name)
	if err != nil {
		return err
	}
	if err := s.meta.Del(ctx, s.bucketKey(name), s.objectsKey(name)).Err(); err != nil {
		return fmt.Errorf("deleting bucket %s: %w", name, err)
	}
	if err := s.meta.SRem(ctx, s.userBucketsKey(bucket.Owner.DisplayName), name).Err(); err != nil {
		return fmt.Errorf("unindexing bucket %s: %w", name, err)
	}
	return nil
}

func (s *redisSession) ListBucketNames(ctx context.Context, displayName string) ([]string, error) {
	names, err := s.meta.SMembers(ctx, s.userBucketsKey(displayName)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing buckets of %s: %w", displayName, err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisSession) AddObject(ctx context.Context, bucket, object string, info ObjectInfo, content []byte) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock(ctx)
	return s.putObject(ctx, bucket, object, info, content)
}

// putObject writes meta, content and the name index. Callers hold the lock.
func (s *redisSession) putObject(ctx context.Context, bucket, object string, info ObjectInfo, content []byte) error {
	data, err := json.Marshal(&Object{Bucket: bucket, Name: object, Info: info})
	if err != nil {
		return fmt.Errorf("encoding object %s/%s: %w", bucket, object, err)
	}
	if err := s.meta.Set(ctx, s.objectKey(bucket, object), data, 0).Err(); err != nil {
		return fmt.Errorf("writing object %s/%s: %w", bucket, object, err)
	}
	if err := s.meta.Set(ctx, s.contentKey(bucket, object), content, 0).Err(); err != nil {
		return fmt.Errorf("writing content %s/%s: %w", bucket, object, err)
	}
	if err := s.meta.SAdd(ctx, s.objectsKey(bucket), object).Err(); err != nil {
		return fmt.Errorf("indexing object %s/%s: %w", bucket, object, err)
	}
	return nil
}

func (s *redisSession) GetObject(ctx context.Context, bucket, object string, needContent bool) (*Object, error) {
	data, err := s.meta.Get(ctx, s.objectKey(bucket, object)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("object %s/%s: %w", bucket, object, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading object %s/%s: %w", bucket, object, err)
	}
	obj := &Object{}
	if err := json.Unmarshal(data, obj); err != nil {
		return nil, fmt.Errorf("decoding object %s/%s: %w", bucket, object, err)
	}
	if needContent {
		content, err := s.meta.Get(ctx, s.contentKey(bucket, object)).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("reading content %s/%s: %w", bucket, object, err)
		}
		obj.Content = content
	}
	return obj, nil
}

func (s *redisSession) DelObject(ctx context.Context, bucket, object string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock(ctx)
	return s.removeObject(ctx, bucket, object)
}

// removeObject deletes meta, content, index entry and parts. Callers hold
// the lock.
func (s *redisSession) removeObject(ctx context.Context, bucket, object string) error {
	exists, err := s.meta.Exists(ctx, s.objectKey(bucket, object)).Result()
	if err != nil {
		return fmt.Errorf("checking object %s/%s: %w", bucket, object, err)
	}
	if exists == 0 {
		return fmt.Errorf("object %s/%s: %w", bucket, object, ErrNotFound)
	}
	if err := s.meta.Del(ctx, s.objectKey(bucket, object), s.contentKey(bucket, object)).Err(); err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, object, err)
	}
	if err := s.meta.SRem(ctx, s.objectsKey(bucket), object).Err(); err != nil {
		return fmt.Errorf("unindexing object %s/%s: %w", bucket, object, err)
	}
	return s.removeParts(ctx, bucket, object)
}

func (s *redisSession) removeParts(ctx context.Context, bucket, object string) error {
	numbers, err := s.partNumbers(ctx, bucket, object)
	if err != nil {
		return err
	}
	for _, n := range numbers {
		if err := s.meta.Del(ctx, s.partKey(bucket, object, n), s.partDataKey(bucket, object, n)).Err(); err != nil {
			return fmt.Errorf("deleting part %d of %s/%s: %w", n, bucket, object, err)
		}
	}
	if err := s.meta.Del(ctx, s.partNumsKey(bucket, object)).Err(); err != nil {
		return fmt.Errorf("deleting part index of %s/%s: %w", bucket, object, err)
	}
	return nil
}

func (s *redisSession) ListObjectNames(ctx context.Context, bucket string) ([]string, error) {
	names, err := s.meta.SMembers(ctx, s.objectsKey(bucket)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing objects of %s: %w", bucket, err)
	}
	sort.Strings(names)
	return names, nil
}

func (s *redisSession) UploadPart(ctx context.Context, bucket, shadow string, info ObjectInfo, content []byte, partNumber int) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock(ctx)

	exists, err := s.meta.Exists(ctx, s.objectKey(bucket, shadow)).Result()
	if err != nil {
		return fmt.Errorf("checking upload %s/%s: %w", bucket, shadow, err)
	}
	if exists == 0 {
		return fmt.Errorf("upload %s/%s: %w", bucket, shadow, ErrNotFound)
	}

	data, err := json.Marshal(&Part{Number: partNumber, Info: info})
	if err != nil {
		return fmt.Errorf("encoding part %d: %w", partNumber, err)
	}
	if err := s.meta.Set(ctx, s.partKey(bucket, shadow, partNumber), data, 0).Err(); err != nil {
		return fmt.Errorf("writing part %d: %w", partNumber, err)
	}
	if err := s.meta.Set(ctx, s.partDataKey(bucket, shadow, partNumber), content, 0).Err(); err != nil {
		return fmt.Errorf("writing part data %d: %w", partNumber, err)
	}
	if err := s.meta.SAdd(ctx, s.partNumsKey(bucket, shadow), strconv.Itoa(partNumber)).Err(); err != nil {
		return fmt.Errorf("indexing part %d: %w", partNumber, err)
	}
	return nil
}

func (s *redisSession) CompleteMultiUpload(ctx context.Context, bucket, shadow string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock(ctx)

	obj, err := s.GetObject(ctx, bucket, shadow, false)
	if err != nil {
		return err
	}
	final, _, ok := ParseShadowName(shadow)
	if !ok {
		return fmt.Errorf("name %s is not an upload shadow", shadow)
	}

	numbers, err := s.partNumbers(ctx, bucket, shadow)
	if err != nil {
		return err
	}
	var content []byte
	for _, n := range numbers {
		data, err := s.meta.Get(ctx, s.partDataKey(bucket, shadow, n)).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("reading part data %d: %w", n, err)
		}
		content = append(content, data...)
	}

	info := ObjectInfo{
		MTime:        time.Now(),
		ETag:         ETag(content),
		Size:         int64(len(content)),
		StorageClass: DefaultStorageClass,
		Owner:        obj.Info.Owner,
	}
	if err := s.putObject(ctx, bucket, final, info, content); err != nil {
		return err
	}
	return s.removeObject(ctx, bucket, shadow)
}

func (s *redisSession) ListParts(ctx context.Context, bucket, shadow string) ([]Part, error) {
	exists, err := s.meta.Exists(ctx, s.objectKey(bucket, shadow)).Result()
	if err != nil {
		return nil, fmt.Errorf("checking upload %s/%s: %w", bucket, shadow, err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("upload %s/%s: %w", bucket, shadow, ErrNotFound)
	}

	numbers, err := s.partNumbers(ctx, bucket, shadow)
	if err != nil {
		return nil, err
	}
	parts := make([]Part, 0, len(numbers))
	for _, n := range numbers {
		data, err := s.meta.Get(ctx, s.partKey(bucket, shadow, n)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading part %d: %w", n, err)
		}
		part := Part{}
		if err := json.Unmarshal(data, &part); err != nil {
			return nil, fmt.Errorf("decoding part %d: %w", n, err)
		}
		parts = append(parts, part)
	}
	return parts, nil
}

func (s *redisSession) partNumbers(ctx context.Context, bucket, object string) ([]int, error) {
	members, err := s.meta.SMembers(ctx, s.partNumsKey(bucket, object)).Result()
	if err != nil {
		return nil, fmt.Errorf("listing parts of %s/%s: %w", bucket, object, err)
	}
	numbers := make([]int, 0, len(members))
	for _, m := range members {
		n, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("part index of %s/%s holds %q: %w", bucket, object, m, err)
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}
