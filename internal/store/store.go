// Package store defines the backend contract the gateway runs against and its
// engines: durable user/bucket/object records, content bytes, and multipart
// part storage. The gateway treats the store as the source of truth; the
// namelist caches in front of it are rebuilt from the enumeration calls here.
package store

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"
)

// DefaultStorageClass is stamped on every object and part info.
const DefaultStorageClass = "STANDARD"

// ErrNotFound reports that a user, bucket, object or upload is absent.
// Engines wrap it with context; callers test with errors.Is.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err is the store's absence error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// UserInfo identifies the owner recorded on buckets and objects.
type UserInfo struct {
	DisplayName string `json:"display_name"`
}

// User is a gateway account: a display name plus its access-key pairs.
type User struct {
	DisplayName string            `json:"display_name"`
	KeyPairs    map[string]string `json:"key_pairs"` // access key -> secret key
}

// Bucket is a named, globally unique container owned by one user.
type Bucket struct {
	Name    string    `json:"name"`
	Owner   UserInfo  `json:"owner"`
	Created time.Time `json:"created"`
}

// ObjectInfo is the metadata stored alongside object and part content.
type ObjectInfo struct {
	MTime        time.Time `json:"mtime"`
	ETag         string    `json:"etag"`
	Size         int64     `json:"size"`
	StorageClass string    `json:"storage_class"`
	Owner        UserInfo  `json:"owner"`
}

// Object is a stored object. Content is nil when fetched without content.
type Object struct {
	Bucket  string     `json:"bucket"`
	Name    string     `json:"name"`
	Info    ObjectInfo `json:"info"`
	Content []byte     `json:"content,omitempty"`
}

// Part is one uploaded piece of an in-progress multipart upload.
type Part struct {
	Number int        `json:"number"`
	Info   ObjectInfo `json:"info"`
}

// Store is one backend session. Each gateway worker owns one session
// exclusively for its lifetime, so implementations are not required to
// support concurrent calls on a single session; any state shared between
// sessions of the same engine must be safe for concurrent use.
type Store interface {
	io.Closer

	// User operations

	// AddUser creates the named user if absent and returns a fresh
	// access/secret key pair, merged into the user's existing pairs.
	AddUser(ctx context.Context, displayName string) (accessKey, secretKey string, err error)

	// GetUser resolves an access key to its user.
	GetUser(ctx context.Context, accessKey string) (*User, error)

	// ListUsers returns all users ordered by display name.
	ListUsers(ctx context.Context) ([]*User, error)

	// Bucket operations

	// AddBucket records a bucket owned by owner.
	AddBucket(ctx context.Context, name string, owner UserInfo) error

	// GetBucket retrieves one bucket record.
	GetBucket(ctx context.Context, name string) (*Bucket, error)

	// DelBucket removes the bucket record. The caller guarantees emptiness.
	DelBucket(ctx context.Context, name string) error

	// ListBucketNames enumerates the bucket names owned by displayName,
	// sorted ascending. Used to load bucket namelists.
	ListBucketNames(ctx context.Context, displayName string) ([]string, error)

	// Object operations

	// AddObject creates or replaces an object (last writer wins).
	AddObject(ctx context.Context, bucket, object string, info ObjectInfo, content []byte) error

	// GetObject retrieves an object; content is fetched only when
	// needContent is true.
	GetObject(ctx context.Context, bucket, object string, needContent bool) (*Object, error)

	// DelObject removes an object and, for shadow names, its parts.
	DelObject(ctx context.Context, bucket, object string) error

	// ListObjectNames enumerates the object names in bucket (shadow names
	// included), sorted ascending. Used to load object namelists.
	ListObjectNames(ctx context.Context, bucket string) ([]string, error)

	// Multipart operations

	// UploadPart stores one part of the shadow object.
	UploadPart(ctx context.Context, bucket, shadow string, info ObjectInfo, content []byte, partNumber int) error

	// CompleteMultiUpload assembles the shadow's parts in ascending part
	// number into the final object (shadow name with the marker prefix and
	// upload id stripped), then removes the shadow and its parts.
	CompleteMultiUpload(ctx context.Context, bucket, shadow string) error

	// ListParts returns the shadow's parts in ascending part number.
	ListParts(ctx context.Context, bucket, shadow string) ([]Part, error)
}

// Opener constructs the per-worker sessions of one engine. Open is called
// once per worker with that worker's sequence number; Close tears down
// whatever the sessions share and runs after every session is closed.
type Opener interface {
	Open(ctx context.Context, seq int) (Store, error)
	Close() error
}

const (
	shadowPrefix = "__"
	uploadIDLen  = 2 * md5.Size // 32 hex characters
)

// NewUploadID derives the upload id for object at the given initiation time:
// the hex md5 of the object name concatenated with the decimal unix seconds.
func NewUploadID(object string, now time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s%d", object, now.Unix())))
	return hex.EncodeToString(sum[:])
}

// ShadowName builds the backend name an in-progress upload hides under.
func ShadowName(object, uploadID string) string {
	return shadowPrefix + object + uploadID
}

// IsShadowName reports whether name carries the shadow marker prefix.
func IsShadowName(name string) bool {
	return len(name) > len(shadowPrefix)+uploadIDLen && name[:len(shadowPrefix)] == shadowPrefix
}

// ParseShadowName splits a shadow name back into the client-visible object
// name and the upload id. ok is false when name is not a shadow name.
func ParseShadowName(name string) (object, uploadID string, ok bool) {
	if !IsShadowName(name) {
		return "", "", false
	}
	object = name[len(shadowPrefix) : len(name)-uploadIDLen]
	uploadID = name[len(name)-uploadIDLen:]
	return object, uploadID, true
}

// ETag returns the S3 entity tag for content: the hex md5 wrapped in quotes.
func ETag(content []byte) string {
	sum := md5.Sum(content)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

const (
	accessKeyLen     = 20
	secretKeyLen     = 40
	accessKeyCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	secretKeyCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// NewKeyPair generates an access/secret key pair for AddUser: a 20-character
// uppercase-alphanumeric access key and a 40-character mixed secret.
func NewKeyPair() (accessKey, secretKey string, err error) {
	accessKey, err = randomString(accessKeyLen, accessKeyCharset)
	if err != nil {
		return "", "", err
	}
	secretKey, err = randomString(secretKeyLen, secretKeyCharset)
	if err != nil {
		return "", "", err
	}
	return accessKey, secretKey, nil
}

func randomString(n int, charset string) (string, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	for i := range buf {
		buf[i] = charset[int(buf[i])%len(charset)]
	}
	return string(buf), nil
}
