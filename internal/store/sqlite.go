package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
const timeFormat = "2006-01-02T15:04:05.000Z"

// SQLiteOpener shares one database handle across sessions; database/sql
// pools the underlying connections, so sessions are thin views.
type SQLiteOpener struct {
	db *sql.DB
}

// NewSQLiteOpener opens (or creates) the database at dsn and initializes
// the schema.
func NewSQLiteOpener(dsn string) (*SQLiteOpener, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	o := &SQLiteOpener{db: db}
	if err := o.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return o, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (o *SQLiteOpener) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := o.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS users (
			display_name TEXT PRIMARY KEY
		);

		CREATE TABLE IF NOT EXISTS access_keys (
			access_key   TEXT PRIMARY KEY,
			secret_key   TEXT NOT NULL,
			display_name TEXT NOT NULL,

			FOREIGN KEY (display_name) REFERENCES users(display_name) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_access_keys_user ON access_keys(display_name);

		CREATE TABLE IF NOT EXISTS buckets (
			name       TEXT PRIMARY KEY,
			owner      TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_buckets_owner ON buckets(owner);

		CREATE TABLE IF NOT EXISTS objects (
			bucket        TEXT NOT NULL,
			name          TEXT NOT NULL,
			mtime         TEXT NOT NULL,
			etag          TEXT NOT NULL,
			size          INTEGER NOT NULL,
			storage_class TEXT NOT NULL DEFAULT 'STANDARD',
			owner         TEXT NOT NULL,
			content       BLOB NOT NULL,

			PRIMARY KEY (bucket, name)
		);

		CREATE INDEX IF NOT EXISTS idx_objects_bucket ON objects(bucket);

		CREATE TABLE IF NOT EXISTS parts (
			bucket        TEXT NOT NULL,
			shadow        TEXT NOT NULL,
			part_number   INTEGER NOT NULL,
			mtime         TEXT NOT NULL,
			etag          TEXT NOT NULL,
			size          INTEGER NOT NULL,
			storage_class TEXT NOT NULL DEFAULT 'STANDARD',
			owner         TEXT NOT NULL,
			content       BLOB NOT NULL,

			PRIMARY KEY (bucket, shadow, part_number)
		);
	`
	if _, err := o.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (o *SQLiteOpener) Open(ctx context.Context, seq int) (Store, error) {
	return &sqliteSession{db: o.db}, nil
}

func (o *SQLiteOpener) Close() error {
	return o.db.Close()
}

type sqliteSession struct {
	db *sql.DB
}

func (s *sqliteSession) Close() error {
	return nil
}

func (s *sqliteSession) AddUser(ctx context.Context, displayName string) (string, string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (display_name) VALUES (?)`, displayName); err != nil {
		return "", "", fmt.Errorf("creating user %s: %w", displayName, err)
	}

	var accessKey, secretKey string
	for {
		accessKey, secretKey, err = NewKeyPair()
		if err != nil {
			return "", "", err
		}
		var taken int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM access_keys WHERE access_key = ?`, accessKey).Scan(&taken)
		if err != nil {
			return "", "", fmt.Errorf("checking access key: %w", err)
		}
		if taken == 0 {
			break
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO access_keys (access_key, secret_key, display_name) VALUES (?, ?, ?)`,
		accessKey, secretKey, displayName); err != nil {
		return "", "", fmt.Errorf("storing key pair: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", "", fmt.Errorf("committing user %s: %w", displayName, err)
	}
	return accessKey, secretKey, nil
}

func (s *sqliteSession) GetUser(ctx context.Context, accessKey string) (*User, error) {
	var displayName string
	err := s.db.QueryRowContext(ctx,
		`SELECT display_name FROM access_keys WHERE access_key = ?`, accessKey).Scan(&displayName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("access key %s: %w", accessKey, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("resolving access key: %w", err)
	}
	return s.loadUser(ctx, displayName)
}

func (s *sqliteSession) loadUser(ctx context.Context, displayName string) (*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT access_key, secret_key FROM access_keys WHERE display_name = ?`, displayName)
	if err != nil {
		return nil, fmt.Errorf("loading keys of %s: %w", displayName, err)
	}
	defer rows.Close()

	user := &User{DisplayName: displayName, KeyPairs: make(map[string]string)}
	for rows.Next() {
		var ak, sk string
		if err := rows.Scan(&ak, &sk); err != nil {
			return nil, fmt.Errorf("scanning key pair: %w", err)
		}
		user.KeyPairs[ak] = sk
	}
	return user, rows.Err()
}

func (s *sqliteSession) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT display_name FROM users ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning user: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	users := make([]*User, 0, len(names))
	for _, name := range names {
		user, err := s.loadUser(ctx, name)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

func (s *sqliteSession) AddBucket(ctx context.Context, name string, owner UserInfo) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO buckets (name, owner, created_at) VALUES (?, ?, ?)`,
		name, owner.DisplayName, time.Now().UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("writing bucket %s: %w", name, err)
	}
	return nil
}

func (s *sqliteSession) GetBucket(ctx context.Context, name string) (*Bucket, error) {
	var owner, created string
	err := s.db.QueryRowContext(ctx,
		`SELECT owner, created_at FROM buckets WHERE name = ?`, name).Scan(&owner, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bucket %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading bucket %s: %w", name, err)
	}
	createdAt, err := time.Parse(timeFormat, created)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at of %s: %w", name, err)
	}
	return &Bucket{Name: name, Owner: UserInfo{DisplayName: owner}, Created: createdAt}, nil
}

func (s *sqliteSession) DelBucket(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting bucket %s: %w", name, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting bucket %s: %w", name, err)
	}
	if affected == 0 {
		return fmt.Errorf("bucket %s: %w", name, ErrNotFound)
	}
	return nil
}

func (s *sqliteSession) ListBucketNames(ctx context.Context, displayName string) ([]string, error) {
	return s.listNames(ctx,
		`SELECT name FROM buckets WHERE owner = ? ORDER BY name`, displayName)
}

func (s *sqliteSession) AddObject(ctx context.Context, bucket, object string, info ObjectInfo, content []byte) error {
	if content == nil {
		// A nil slice binds as NULL; the content column is NOT NULL.
		content = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects
		 (bucket, name, mtime, etag, size, storage_class, owner, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bucket, object, info.MTime.UTC().Format(timeFormat), info.ETag, info.Size,
		info.StorageClass, info.Owner.DisplayName, content)
	if err != nil {
		return fmt.Errorf("writing object %s/%s: %w", bucket, object, err)
	}
	return nil
}

func (s *sqliteSession) GetObject(ctx context.Context, bucket, object string, needContent bool) (*Object, error) {
	obj := &Object{Bucket: bucket, Name: object}
	var mtime, owner string

	if needContent {
		err := s.db.QueryRowContext(ctx,
			`SELECT mtime, etag, size, storage_class, owner, content
			 FROM objects WHERE bucket = ? AND name = ?`, bucket, object).
			Scan(&mtime, &obj.Info.ETag, &obj.Info.Size, &obj.Info.StorageClass, &owner, &obj.Content)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, object, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("reading object %s/%s: %w", bucket, object, err)
		}
	} else {
		err := s.db.QueryRowContext(ctx,
			`SELECT mtime, etag, size, storage_class, owner
			 FROM objects WHERE bucket = ? AND name = ?`, bucket, object).
			Scan(&mtime, &obj.Info.ETag, &obj.Info.Size, &obj.Info.StorageClass, &owner)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("object %s/%s: %w", bucket, object, ErrNotFound)
		}
		if err != nil {
			return nil, fmt.Errorf("reading object %s/%s: %w", bucket, object, err)
		}
	}

	parsed, err := time.Parse(timeFormat, mtime)
	if err != nil {
		return nil, fmt.Errorf("parsing mtime of %s/%s: %w", bucket, object, err)
	}
	obj.Info.MTime = parsed
	obj.Info.Owner = UserInfo{DisplayName: owner}
	return obj, nil
}

func (s *sqliteSession) DelObject(ctx context.Context, bucket, object string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket = ? AND name = ?`, bucket, object)
	if err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, object, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting object %s/%s: %w", bucket, object, err)
	}
	if affected == 0 {
		return fmt.Errorf("object %s/%s: %w", bucket, object, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM parts WHERE bucket = ? AND shadow = ?`, bucket, object); err != nil {
		return fmt.Errorf("deleting parts of %s/%s: %w", bucket, object, err)
	}
	return tx.Commit()
}

func (s *sqliteSession) ListObjectNames(ctx context.Context, bucket string) ([]string, error) {
	return s.listNames(ctx,
		`SELECT name FROM objects WHERE bucket = ? ORDER BY name`, bucket)
}

func (s *sqliteSession) UploadPart(ctx context.Context, bucket, shadow string, info ObjectInfo, content []byte, partNumber int) error {
	if err := s.requireObject(ctx, bucket, shadow); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO parts
		 (bucket, shadow, part_number, mtime, etag, size, storage_class, owner, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		bucket, shadow, partNumber, info.MTime.UTC().Format(timeFormat), info.ETag,
		info.Size, info.StorageClass, info.Owner.DisplayName, content)
	if err != nil {
		return fmt.Errorf("writing part %d of %s/%s: %w", partNumber, bucket, shadow, err)
	}
	return nil
}

func (s *sqliteSession) CompleteMultiUpload(ctx context.Context, bucket, shadow string) error {
	final, _, ok := ParseShadowName(shadow)
	if !ok {
		return fmt.Errorf("name %s is not an upload shadow", shadow)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx,
		`SELECT owner FROM objects WHERE bucket = ? AND name = ?`, bucket, shadow).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("upload %s/%s: %w", bucket, shadow, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading upload %s/%s: %w", bucket, shadow, err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT content FROM parts WHERE bucket = ? AND shadow = ? ORDER BY part_number`,
		bucket, shadow)
	if err != nil {
		return fmt.Errorf("reading parts of %s/%s: %w", bucket, shadow, err)
	}
	var content []byte
	for rows.Next() {
		var piece []byte
		if err := rows.Scan(&piece); err != nil {
			rows.Close()
			return fmt.Errorf("scanning part: %w", err)
		}
		content = append(content, piece...)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO objects
		 (bucket, name, mtime, etag, size, storage_class, owner, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		bucket, final, time.Now().UTC().Format(timeFormat), ETag(content),
		int64(len(content)), DefaultStorageClass, owner, content); err != nil {
		return fmt.Errorf("installing object %s/%s: %w", bucket, final, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM objects WHERE bucket = ? AND name = ?`, bucket, shadow); err != nil {
		return fmt.Errorf("removing upload %s/%s: %w", bucket, shadow, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM parts WHERE bucket = ? AND shadow = ?`, bucket, shadow); err != nil {
		return fmt.Errorf("removing parts of %s/%s: %w", bucket, shadow, err)
	}
	return tx.Commit()
}

func (s *sqliteSession) ListParts(ctx context.Context, bucket, shadow string) ([]Part, error) {
	if err := s.requireObject(ctx, bucket, shadow); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT part_number, mtime, etag, size, storage_class, owner
		 FROM parts WHERE bucket = ? AND shadow = ? ORDER BY part_number`,
		bucket, shadow)
	if err != nil {
		return nil, fmt.Errorf("listing parts of %s/%s: %w", bucket, shadow, err)
	}
	defer rows.Close()

	parts := []Part{}
	for rows.Next() {
		var part Part
		var mtime, owner string
		if err := rows.Scan(&part.Number, &mtime, &part.Info.ETag, &part.Info.Size,
			&part.Info.StorageClass, &owner); err != nil {
			return nil, fmt.Errorf("scanning part: %w", err)
		}
		parsed, err := time.Parse(timeFormat, mtime)
		if err != nil {
			return nil, fmt.Errorf("parsing part mtime: %w", err)
		}
		part.Info.MTime = parsed
		part.Info.Owner = UserInfo{DisplayName: owner}
		parts = append(parts, part)
	}
	return parts, rows.Err()
}

func (s *sqliteSession) requireObject(ctx context.Context, bucket, object string) error {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM objects WHERE bucket = ? AND name = ?`, bucket, object).Scan(&n)
	if err != nil {
		return fmt.Errorf("checking object %s/%s: %w", bucket, object, err)
	}
	if n == 0 {
		return fmt.Errorf("upload %s/%s: %w", bucket, object, ErrNotFound)
	}
	return nil
}

func (s *sqliteSession) listNames(ctx context.Context, query string, arg string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("listing names: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
