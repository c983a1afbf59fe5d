package blob

import (
	"bytes"
	"context"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/openviking/openviking-go/pkg/vkerr"
)

// S3Store keeps blobs in an S3-compatible bucket (AWS S3, Volcengine
// TOS, MinIO). Directories are zero-byte marker objects whose key ends
// with a slash.
type S3Store struct {
	client *minio.Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewS3Store connects and ensures the bucket exists.
func NewS3Store(ctx context.Context, cfg Config, logger *zap.Logger) (*S3Store, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, vkerr.New(vkerr.KindInvalidArgument, "s3 blob store requires endpoint and bucket")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "create s3 client for %s", cfg.Endpoint)
	}
	s := &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "create bucket %s", cfg.Bucket)
		}
		logger.Info("Created blob bucket", zap.String("bucket", cfg.Bucket))
	}
	return s, nil
}

// key maps a store path to an object key under the configured prefix.
func (s *S3Store) key(p string) string {
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	if s.prefix == "" {
		return cleaned
	}
	if cleaned == "" {
		return s.prefix
	}
	return s.prefix + "/" + cleaned
}

func (s *S3Store) dirKey(p string) string {
	return s.key(p) + "/"
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

func (s *S3Store) Read(ctx context.Context, p string, offset, size int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 || size >= 0 {
		// SetRange end is inclusive; 0 end means "to the object end".
		end := int64(0)
		if size >= 0 {
			end = offset + size - 1
		}
		if err := opts.SetRange(offset, end); err != nil {
			return nil, vkerr.Wrap(vkerr.KindInvalidArgument, err, "range %d+%d for %s", offset, size, p)
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(p), opts)
	if err != nil {
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "get %s", p)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, vkerr.New(vkerr.KindNotFound, "file not found: %s", p)
		}
		// Range past the end of a shorter object.
		if minio.ToErrorResponse(err).Code == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, vkerr.Wrap(vkerr.KindUnavailable, err, "read %s", p)
	}
	return data, nil
}

func (s *S3Store) Write(ctx context.Context, p string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(p),
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "put %s", p)
	}
	return nil
}

func (s *S3Store) Ls(ctx context.Context, p string) ([]Entry, error) {
	prefix := s.dirKey(p)
	seen := make(map[string]bool)
	var entries []Entry
	found := false
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, vkerr.Wrap(vkerr.KindUnavailable, obj.Err, "list %s", p)
		}
		found = true
		if obj.Key == prefix {
			// The directory's own marker.
			continue
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		isDir := strings.HasSuffix(name, "/")
		name = strings.TrimSuffix(name, "/")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		mode := "-rw-r--r--"
		if isDir {
			mode = "drwxr-xr-x"
		}
		entries = append(entries, Entry{
			Name:    name,
			Path:    path.Join("/"+strings.Trim(p, "/"), name),
			Size:    obj.Size,
			Mode:    mode,
			ModTime: obj.LastModified.UTC(),
			IsDir:   isDir,
		})
	}
	if !found {
		return nil, vkerr.New(vkerr.KindNotFound, "directory not found: %s", p)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func (s *S3Store) Mkdir(ctx context.Context, p string) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.dirKey(p),
		bytes.NewReader(nil), 0,
		minio.PutObjectOptions{ContentType: "application/x-directory"})
	if err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "mkdir %s", p)
	}
	return nil
}

func (s *S3Store) Rm(ctx context.Context, p string, recursive bool) error {
	key := s.key(p)
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err == nil {
		if rmErr := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); rmErr != nil {
			return vkerr.Wrap(vkerr.KindUnavailable, rmErr, "remove %s", p)
		}
		return nil
	}
	// Directory: collect children first.
	prefix := s.dirKey(p)
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return vkerr.Wrap(vkerr.KindUnavailable, obj.Err, "list %s", p)
		}
		keys = append(keys, obj.Key)
	}
	if len(keys) == 0 {
		return vkerr.New(vkerr.KindNotFound, "path not found: %s", p)
	}
	if !recursive {
		for _, k := range keys {
			if k != prefix {
				return vkerr.New(vkerr.KindInvalidArgument, "directory %s not empty, pass recursive", p)
			}
		}
	}
	for _, k := range keys {
		if err := s.client.RemoveObject(ctx, s.bucket, k, minio.RemoveObjectOptions{}); err != nil {
			return vkerr.Wrap(vkerr.KindUnavailable, err, "remove %s", k)
		}
	}
	return nil
}

func (s *S3Store) Mv(ctx context.Context, from, to string) error {
	srcKey := s.key(from)
	if _, err := s.client.StatObject(ctx, s.bucket, srcKey, minio.StatObjectOptions{}); err == nil {
		return s.moveObject(ctx, srcKey, s.key(to))
	}
	// Directory: move every child under the new prefix.
	srcPrefix := s.dirKey(from)
	dstPrefix := s.dirKey(to)
	moved := false
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    srcPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return vkerr.Wrap(vkerr.KindUnavailable, obj.Err, "list %s", from)
		}
		rel := strings.TrimPrefix(obj.Key, srcPrefix)
		if err := s.moveObject(ctx, obj.Key, dstPrefix+rel); err != nil {
			return err
		}
		moved = true
	}
	if !moved {
		return vkerr.New(vkerr.KindNotFound, "path not found: %s", from)
	}
	return nil
}

func (s *S3Store) moveObject(ctx context.Context, srcKey, dstKey string) error {
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: s.bucket, Object: srcKey})
	if err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "copy %s to %s", srcKey, dstKey)
	}
	if err := s.client.RemoveObject(ctx, s.bucket, srcKey, minio.RemoveObjectOptions{}); err != nil {
		return vkerr.Wrap(vkerr.KindUnavailable, err, "remove %s", srcKey)
	}
	return nil
}

func (s *S3Store) Stat(ctx context.Context, p string) (Entry, error) {
	key := s.key(p)
	name := path.Base("/" + strings.Trim(p, "/"))
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return Entry{
			Name:    name,
			Path:    "/" + strings.Trim(p, "/"),
			Size:    info.Size,
			Mode:    "-rw-r--r--",
			ModTime: info.LastModified.UTC(),
			IsDir:   false,
		}, nil
	}
	// Fall back to directory detection via a one-object listing.
	prefix := s.dirKey(p)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return Entry{}, vkerr.Wrap(vkerr.KindUnavailable, obj.Err, "stat %s", p)
		}
		return Entry{
			Name:    name,
			Path:    "/" + strings.Trim(p, "/"),
			Mode:    "drwxr-xr-x",
			ModTime: obj.LastModified.UTC(),
			IsDir:   true,
		}, nil
	}
	return Entry{}, vkerr.New(vkerr.KindNotFound, "path not found: %s", p)
}

func (s *S3Store) Grep(ctx context.Context, p, pattern string, recursive, caseInsensitive bool) ([]GrepMatch, error) {
	re, err := compileGrepPattern(pattern, caseInsensitive)
	if err != nil {
		return nil, err
	}
	// Single object first.
	key := s.key(p)
	if _, statErr := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); statErr == nil {
		data, err := s.Read(ctx, p, 0, -1)
		if err != nil {
			return nil, err
		}
		return scanLines(p, bytes.NewReader(data), re), nil
	}
	prefix := s.dirKey(p)
	var matches []GrepMatch
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
	}) {
		if obj.Err != nil {
			return nil, vkerr.Wrap(vkerr.KindUnavailable, obj.Err, "list %s", p)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, prefix)
		storePath := path.Join("/"+strings.Trim(p, "/"), rel)
		data, err := s.Read(ctx, storePath, 0, -1)
		if err != nil {
			continue
		}
		matches = append(matches, scanLines(storePath, bytes.NewReader(data), re)...)
	}
	return matches, nil
}
