package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Key namespace of the badger engine. Records are JSON, content and part
// data are raw bytes, and index keys carry empty values. A NUL byte
// separates the path segments inside a key, so prefix scans stay exact;
// names therefore must not contain NUL, which S3 names never do.
//
//	u:<displayName>                   User (JSON)
//	k:<accessKey>                     display name (bytes)
//	b:<bucketName>                    Bucket (JSON)
//	ub:<owner>\x00<bucketName>        owner index (empty)
//	o:<bucket>\x00<object>            Object sans content (JSON)
//	c:<bucket>\x00<object>            object content (bytes)
//	p:<bucket>\x00<shadow>\x00<NNNNN> Part (JSON)
//	pc:<bucket>\x00<shadow>\x00<NNNNN> part content (bytes)
//
// Part numbers are zero-padded to five digits so key order is part-number
// order.
const (
	badgerUserPrefix     = "u:"
	badgerKeyPrefix      = "k:"
	badgerBucketPrefix   = "b:"
	badgerOwnerPrefix    = "ub:"
	badgerObjectPrefix   = "o:"
	badgerContentPrefix  = "c:"
	badgerPartPrefix     = "p:"
	badgerPartBlobPrefix = "pc:"
	badgerSep            = "\x00"
)

func badgerUserKey(name string) []byte   { return []byte(badgerUserPrefix + name) }
func badgerKeyKey(ak string) []byte      { return []byte(badgerKeyPrefix + ak) }
func badgerBucketKey(name string) []byte { return []byte(badgerBucketPrefix + name) }

func badgerOwnerKey(owner, bucket string) []byte {
	return []byte(badgerOwnerPrefix + owner + badgerSep + bucket)
}

func badgerObjectKey(bucket, object string) []byte {
	return []byte(badgerObjectPrefix + bucket + badgerSep + object)
}

func badgerContentKey(bucket, object string) []byte {
	return []byte(badgerContentPrefix + bucket + badgerSep + object)
}

func badgerPartKey(bucket, shadow string, n int) []byte {
	return []byte(fmt.Sprintf("%s%s%s%s%s%05d", badgerPartPrefix, bucket, badgerSep, shadow, badgerSep, n))
}

func badgerPartBlobKey(bucket, shadow string, n int) []byte {
	return []byte(fmt.Sprintf("%s%s%s%s%s%05d", badgerPartBlobPrefix, bucket, badgerSep, shadow, badgerSep, n))
}

// BadgerOpener owns one embedded database shared by every session. Badger
// transactions are serializable, so sessions are thin handles over the DB.
type BadgerOpener struct {
	db *badger.DB
}

// NewBadgerOpener opens (or creates) the database under dir.
func NewBadgerOpener(dir string) (*BadgerOpener, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger bypasses slog; keep it quiet
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger database at %s: %w", dir, err)
	}
	return &BadgerOpener{db: db}, nil
}

func (o *BadgerOpener) Open(ctx context.Context, seq int) (Store, error) {
	return &badgerSession{db: o.db}, nil
}

func (o *BadgerOpener) Close() error {
	return o.db.Close()
}

type badgerSession struct {
	db *badger.DB
}

func (s *badgerSession) Close() error {
	return nil
}

func (s *badgerSession) AddUser(ctx context.Context, displayName string) (string, string, error) {
	var accessKey, secretKey string
	err := s.db.Update(func(txn *badger.Txn) error {
		user := &User{DisplayName: displayName, KeyPairs: make(map[string]string)}
		item, err := txn.Get(badgerUserKey(displayName))
		if err == nil {
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, user)
			}); err != nil {
				return fmt.Errorf("decoding user %s: %w", displayName, err)
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("reading user %s: %w", displayName, err)
		}

		for {
			accessKey, secretKey, err = NewKeyPair()
			if err != nil {
				return err
			}
			_, err = txn.Get(badgerKeyKey(accessKey))
			if errors.Is(err, badger.ErrKeyNotFound) {
				break
			}
			if err != nil {
				return fmt.Errorf("checking access key: %w", err)
			}
		}

		user.KeyPairs[accessKey] = secretKey
		encoded, err := json.Marshal(user)
		if err != nil {
			return fmt.Errorf("encoding user %s: %w", displayName, err)
		}
		if err := txn.Set(badgerUserKey(displayName), encoded); err != nil {
			return fmt.Errorf("writing user %s: %w", displayName, err)
		}
		if err := txn.Set(badgerKeyKey(accessKey), []byte(displayName)); err != nil {
			return fmt.Errorf("writing key index: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return accessKey, secretKey, nil
}

func (s *badgerSession) GetUser(ctx context.Context, accessKey string) (*User, error) {
	var user *User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKeyKey(accessKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("access key %s: %w", accessKey, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("resolving access key: %w", err)
		}
		var displayName string
		if err := item.Value(func(val []byte) error {
			displayName = string(val)
			return nil
		}); err != nil {
			return err
		}
		user, err = badgerReadUser(txn, displayName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func badgerReadUser(txn *badger.Txn, displayName string) (*User, error) {
	item, err := txn.Get(badgerUserKey(displayName))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("user %s: %w", displayName, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading user %s: %w", displayName, err)
	}
	user := &User{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, user)
	}); err != nil {
		return nil, fmt.Errorf("decoding user %s: %w", displayName, err)
	}
	return user, nil
}

func (s *badgerSession) ListUsers(ctx context.Context) ([]*User, error) {
	var users []*User
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerUserPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Keys are display names, so iteration order is already sorted.
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			user := &User{}
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, user)
			}); err != nil {
				return fmt.Errorf("decoding user: %w", err)
			}
			users = append(users, user)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (s *badgerSession) AddBucket(ctx context.Context, name string, owner UserInfo) error {
	return s.db.Update(func(txn *badger.Txn) error {
		// An upsert that changes the owner must drop the old owner index.
		if prev, err := badgerReadBucket(txn, name); err == nil {
			if prev.Owner.DisplayName != owner.DisplayName {
				if err := txn.Delete(badgerOwnerKey(prev.Owner.DisplayName, name)); err != nil {
					return fmt.Errorf("dropping owner index of %s: %w", name, err)
				}
			}
		} else if !IsNotFound(err) {
			return err
		}

		encoded, err := json.Marshal(&Bucket{Name: name, Owner: owner, Created: time.Now()})
		if err != nil {
			return fmt.Errorf("encoding bucket %s: %w", name, err)
		}
		if err := txn.Set(badgerBucketKey(name), encoded); err != nil {
			return fmt.Errorf("writing bucket %s: %w", name, err)
		}
		if err := txn.Set(badgerOwnerKey(owner.DisplayName, name), nil); err != nil {
			return fmt.Errorf("writing owner index of %s: %w", name, err)
		}
		return nil
	})
}

func badgerReadBucket(txn *badger.Txn, name string) (*Bucket, error) {
	item, err := txn.Get(badgerBucketKey(name))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("bucket %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading bucket %s: %w", name, err)
	}
	bucket := &Bucket{}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, bucket)
	}); err != nil {
		return nil, fmt.Errorf("decoding bucket %s: %w", name, err)
	}
	return bucket, nil
}

func (s *badgerSession) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	var bucket *Bucket
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		bucket, err = badgerReadBucket(txn, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bucket, nil
}

func (s *badgerSession) DelBucket(ctx context.Context, name string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		bucket, err := badgerReadBucket(txn, name)
		if err != nil {
			return err
		}
		if err := txn.Delete(badgerBucketKey(name)); err != nil {
			return fmt.Errorf("deleting bucket %s: %w", name, err)
		}
		if err := txn.Delete(badgerOwnerKey(bucket.Owner.DisplayName, name)); err != nil {
			return fmt.Errorf("dropping owner index of %s: %w", name, err)
		}
		return nil
	})
}

func (s *badgerSession) ListBucketNames(ctx context.Context, displayName string) ([]string, error) {
	prefix := []byte(badgerOwnerPrefix + displayName + badgerSep)
	return s.listSuffixes(prefix)
}

func (s *badgerSession) AddObject(ctx context.Context, bucket, object string, info ObjectInfo, content []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		record := &Object{Bucket: bucket, Name: object, Info: info}
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encoding object %s/%s: %w", bucket, object, err)
		}
		if err := txn.Set(badgerObjectKey(bucket, object), encoded); err != nil {
			return fmt.Errorf("writing object %s/%s: %w", bucket, object, err)
		}
		if err := txn.Set(badgerContentKey(bucket, object), content); err != nil {
			return fmt.Errorf("writing content of %s/%s: %w", bucket, object, err)
		}
		return nil
	})
}

func (s *badgerSession) GetObject(ctx context.Context, bucket, object string, needContent bool) (*Object, error) {
	obj := &Object{}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerObjectKey(bucket, object))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("object %s/%s: %w", bucket, object, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading object %s/%s: %w", bucket, object, err)
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, obj)
		}); err != nil {
			return fmt.Errorf("decoding object %s/%s: %w", bucket, object, err)
		}
		if !needContent {
			return nil
		}
		blob, err := txn.Get(badgerContentKey(bucket, object))
		if errors.Is(err, badger.ErrKeyNotFound) {
			obj.Content = []byte{}
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading content of %s/%s: %w", bucket, object, err)
		}
		obj.Content, err = blob.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return obj, nil
}

func (s *badgerSession) DelObject(ctx context.Context, bucket, object string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(badgerObjectKey(bucket, object)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("object %s/%s: %w", bucket, object, ErrNotFound)
			}
			return fmt.Errorf("reading object %s/%s: %w", bucket, object, err)
		}
		if err := txn.Delete(badgerObjectKey(bucket, object)); err != nil {
			return fmt.Errorf("deleting object %s/%s: %w", bucket, object, err)
		}
		if err := txn.Delete(badgerContentKey(bucket, object)); err != nil {
			return fmt.Errorf("deleting content of %s/%s: %w", bucket, object, err)
		}
		return badgerDropParts(txn, bucket, object)
	})
}

// badgerDropParts deletes every part record and part blob of shadow.
func badgerDropParts(txn *badger.Txn, bucket, shadow string) error {
	for _, prefix := range [][]byte{
		[]byte(badgerPartPrefix + bucket + badgerSep + shadow + badgerSep),
		[]byte(badgerPartBlobPrefix + bucket + badgerSep + shadow + badgerSep),
	} {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)

		var doomed [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range doomed {
			if err := txn.Delete(key); err != nil {
				return fmt.Errorf("deleting part key: %w", err)
			}
		}
	}
	return nil
}

func (s *badgerSession) ListObjectNames(ctx context.Context, bucket string) ([]string, error) {
	return s.listSuffixes([]byte(badgerObjectPrefix + bucket + badgerSep))
}

// listSuffixes scans prefix and returns the key remainders in key order,
// which is ascending name order for the layouts used here.
func (s *badgerSession) listSuffixes(prefix []byte) ([]string, error) {
	names := []string{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().Key()
			names = append(names, string(key[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}

func (s *badgerSession) UploadPart(ctx context.Context, bucket, shadow string, info ObjectInfo, content []byte, partNumber int) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(badgerObjectKey(bucket, shadow)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("upload %s/%s: %w", bucket, shadow, ErrNotFound)
			}
			return fmt.Errorf("reading upload %s/%s: %w", bucket, shadow, err)
		}
		encoded, err := json.Marshal(&Part{Number: partNumber, Info: info})
		if err != nil {
			return fmt.Errorf("encoding part %d: %w", partNumber, err)
		}
		if err := txn.Set(badgerPartKey(bucket, shadow, partNumber), encoded); err != nil {
			return fmt.Errorf("writing part %d of %s/%s: %w", partNumber, bucket, shadow, err)
		}
		if err := txn.Set(badgerPartBlobKey(bucket, shadow, partNumber), content); err != nil {
			return fmt.Errorf("writing part %d content of %s/%s: %w", partNumber, bucket, shadow, err)
		}
		return nil
	})
}

func (s *badgerSession) CompleteMultiUpload(ctx context.Context, bucket, shadow string) error {
	final, _, ok := ParseShadowName(shadow)
	if !ok {
		return fmt.Errorf("name %s is not an upload shadow", shadow)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerObjectKey(bucket, shadow))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("upload %s/%s: %w", bucket, shadow, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("reading upload %s/%s: %w", bucket, shadow, err)
		}
		placeholder := &Object{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, placeholder)
		}); err != nil {
			return fmt.Errorf("decoding upload %s/%s: %w", bucket, shadow, err)
		}

		prefix := []byte(badgerPartBlobPrefix + bucket + badgerSep + shadow + badgerSep)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		var content []byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := it.Item().Value(func(val []byte) error {
				content = append(content, val...)
				return nil
			}); err != nil {
				it.Close()
				return fmt.Errorf("reading part content: %w", err)
			}
		}
		it.Close()

		record := &Object{
			Bucket: bucket,
			Name:   final,
			Info: ObjectInfo{
				MTime:        time.Now(),
				ETag:         ETag(content),
				Size:         int64(len(content)),
				StorageClass: DefaultStorageClass,
				Owner:        placeholder.Info.Owner,
			},
		}
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encoding object %s/%s: %w", bucket, final, err)
		}
		if err := txn.Set(badgerObjectKey(bucket, final), encoded); err != nil {
			return fmt.Errorf("installing object %s/%s: %w", bucket, final, err)
		}
		if err := txn.Set(badgerContentKey(bucket, final), content); err != nil {
			return fmt.Errorf("installing content of %s/%s: %w", bucket, final, err)
		}
		if err := txn.Delete(badgerObjectKey(bucket, shadow)); err != nil {
			return fmt.Errorf("removing upload %s/%s: %w", bucket, shadow, err)
		}
		if err := txn.Delete(badgerContentKey(bucket, shadow)); err != nil {
			return fmt.Errorf("removing upload content of %s/%s: %w", bucket, shadow, err)
		}
		return badgerDropParts(txn, bucket, shadow)
	})
}

func (s *badgerSession) ListParts(ctx context.Context, bucket, shadow string) ([]Part, error) {
	parts := []Part{}
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(badgerObjectKey(bucket, shadow)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("upload %s/%s: %w", bucket, shadow, ErrNotFound)
			}
			return fmt.Errorf("reading upload %s/%s: %w", bucket, shadow, err)
		}

		prefix := []byte(badgerPartPrefix + bucket + badgerSep + shadow + badgerSep)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var part Part
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &part)
			}); err != nil {
				return fmt.Errorf("decoding part: %w", err)
			}
			parts = append(parts, part)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parts, nil
}
