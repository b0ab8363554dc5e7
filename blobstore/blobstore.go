package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

var (
	ErrNotFound       = errors.New("object not found")
	ErrBufferTooSmall = errors.New("buffer too small for object")
)

// Store is a bucket plus a key prefix. Cache entries live under
// "<prefix>/entries/".
type Store struct {
	bucket *blob.Bucket
	prefix string
	owns   bool
}

func Open(ctx context.Context, bucketURL, prefix string) (*Store, error) {
	bkt, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open bucket %q: %w", bucketURL, err)
	}
	return &Store{
		bucket: bkt,
		prefix: strings.TrimSuffix(prefix, "/"),
		owns:   true,
	}, nil
}

func New(bkt *blob.Bucket, prefix string) *Store {
	return &Store{
		bucket: bkt,
		prefix: strings.TrimSuffix(prefix, "/"),
		owns:   false,
	}
}

func (s *Store) Close() error {
	if s.owns && s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func (s *Store) Bucket() *blob.Bucket {
	return s.bucket
}

func (s *Store) Prefix() string {
	return s.prefix
}

func (s *Store) path(parts ...string) string {
	if s.prefix == "" {
		return path.Join(parts...)
	}
	return path.Join(append([]string{s.prefix}, parts...)...)
}

// EntryPath shards entries by the first two characters of name.
func (s *Store) EntryPath(name string) string {
	if len(name) < 2 {
		return s.path("entries", name+".bin")
	}
	return s.path("entries", name[:2], name+".bin")
}

type Attributes struct {
	Size    int64
	ETag    string
	ModTime time.Time
}

func (s *Store) Read(ctx context.Context, key string) ([]byte, Attributes, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, Attributes{}, s.mapError(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, Attributes{}, err
	}

	return data, Attributes{
		Size:    r.Size(),
		ModTime: r.ModTime(),
	}, nil
}

// ReadInto reads the object into a buffer obtained from alloc, which is
// called once with the object size. alloc may return nil to abort.
func (s *Store) ReadInto(ctx context.Context, key string, alloc func(size int64) []byte) ([]byte, error) {
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, s.mapError(err)
	}
	defer r.Close()

	size := r.Size()
	buf := alloc(size)
	if buf == nil || int64(len(buf)) < size {
		return nil, ErrBufferTooSmall
	}
	if _, err := io.ReadFull(r, buf[:size]); err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return buf[:size], nil
}

func (s *Store) Attributes(ctx context.Context, key string) (Attributes, error) {
	attr, err := s.bucket.Attributes(ctx, key)
	if err != nil {
		return Attributes{}, s.mapError(err)
	}
	return Attributes{
		Size:    attr.Size,
		ETag:    attr.ETag,
		ModTime: attr.ModTime,
	}, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	return s.WriteReader(ctx, key, bytes.NewReader(data), nil)
}

func (s *Store) WriteReader(ctx context.Context, key string, r io.Reader, opts *blob.WriterOptions) error {
	if opts == nil {
		opts = &blob.WriterOptions{
			ContentType: "application/octet-stream",
		}
	}

	w, err := s.bucket.NewWriter(ctx, key, opts)
	if err != nil {
		return s.mapError(err)
	}

	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}

	return s.mapError(w.Close())
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	return err
}

type ObjectInfo struct {
	Key  string
	Size int64
}

// ListEntries returns every entry object under the store prefix.
func (s *Store) ListEntries(ctx context.Context) ([]ObjectInfo, error) {
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.path("entries") + "/"})

	var objects []ObjectInfo
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if obj.IsDir {
			continue
		}
		objects = append(objects, ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return objects, nil
}

func (s *Store) mapError(err error) error {
	if err == nil {
		return nil
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return ErrNotFound
	}
	return err
}
