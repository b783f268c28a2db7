package storage

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
)

// MinIO stores files as objects in an S3-compatible bucket under prefix.
//
// Rename is a server-side copy followed by a delete. The destination object
// appears whole (object PUTs are atomic) so readers never see a torn file,
// but a crash between copy and delete leaves the source behind.
type MinIO struct {
	client *minio.Client
	bucket string
	prefix string
}

func NewMinIO(client *minio.Client, bucket, rootPrefix string) *MinIO {
	return &MinIO{client: client, bucket: bucket, prefix: strings.Trim(rootPrefix, "/")}
}

func (s *MinIO) key(name string) (string, error) {
	c, err := Clean(name)
	if err != nil {
		return "", err
	}
	return path.Join(s.prefix, c), nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound"
}

func (s *MinIO) Read(ctx context.Context, name string) ([]byte, error) {
	key, err := s.key(name)
	if err != nil {
		return nil, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer obj.Close()

	b, err := io.ReadAll(obj)
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

func (s *MinIO) Write(ctx context.Context, name string, data []byte) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

func (s *MinIO) Rename(ctx context.Context, src, dst string) error {
	ks, err := s.key(src)
	if err != nil {
		return err
	}
	kd, err := s.key(dst)
	if err != nil {
		return err
	}
	_, err = s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.bucket, Object: kd},
		minio.CopySrcOptions{Bucket: s.bucket, Object: ks},
	)
	if err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return err
	}
	return s.client.RemoveObject(ctx, s.bucket, ks, minio.RemoveObjectOptions{})
}

func (s *MinIO) Delete(ctx context.Context, name string) error {
	key, err := s.key(name)
	if err != nil {
		return err
	}
	if _, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return ErrNotFound
		}
		return err
	}
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func (s *MinIO) List(ctx context.Context, dir string) ([]string, error) {
	full := s.prefix
	if dir != "" && dir != "." {
		c, err := Clean(dir)
		if err != nil {
			return nil, err
		}
		full = path.Join(s.prefix, c)
	}
	if full != "" {
		full += "/"
	}

	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    full,
		Recursive: false,
	}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, full)
		if name == "" || strings.HasSuffix(name, "/") {
			continue
		}
		keys = append(keys, name)
	}
	return childNames(keys, ""), nil
}
