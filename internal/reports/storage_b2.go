package reports

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"invoicewatch/internal/logging"
)

const defaultB2Endpoint = "s3.us-east-005.backblazeb2.com"

// B2Object is the subset of *minio.Object used by B2Storage.
type B2Object interface {
	io.ReadCloser
	Stat() (minio.ObjectInfo, error)
}

// B2Client is the subset of the minio client used by B2Storage.
type B2Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (B2Object, error)
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

type minioClient struct {
	c *minio.Client
}

func (m minioClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return m.c.PutObject(ctx, bucket, key, reader, size, opts)
}

func (m minioClient) GetObject(ctx context.Context, bucket, key string, opts minio.GetObjectOptions) (B2Object, error) {
	return m.c.GetObject(ctx, bucket, key, opts)
}

func (m minioClient) RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error {
	return m.c.RemoveObject(ctx, bucket, key, opts)
}

func (m minioClient) ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo {
	return m.c.ListObjects(ctx, bucket, opts)
}

// B2Storage implements Storage using Backblaze B2 via S3-compatible API.
type B2Storage struct {
	client    B2Client
	bucket    string
	prefix    string
	publicURL string
}

// B2Config holds configuration for B2 storage.
type B2Config struct {
	KeyID     string
	AppKey    string
	Bucket    string
	Prefix    string // optional folder prefix for all objects
	PublicURL string // base URL for public access
	Endpoint  string // defaults to the us-east-005 B2 endpoint
}

// NewB2Storage creates a new B2-backed storage.
func NewB2Storage(cfg B2Config) (*B2Storage, error) {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultB2Endpoint
	}
	logging.B2.Printf("initializing storage (bucket=%s, prefix=%s, endpoint=%s)", cfg.Bucket, cfg.Prefix, endpoint)

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.KeyID, cfg.AppKey, ""),
		Secure: true,
	})
	if err != nil {
		logging.B2.Printf("failed to create client: %v", err)
		return nil, err
	}

	return NewB2StorageWithClient(minioClient{c: client}, cfg.Bucket, cfg.Prefix, cfg.PublicURL), nil
}

// NewB2StorageWithClient creates a B2Storage around an existing client.
func NewB2StorageWithClient(client B2Client, bucket, prefix, publicURL string) *B2Storage {
	return &B2Storage{
		client:    client,
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		publicURL: publicURL,
	}
}

func (s *B2Storage) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *B2Storage) Save(ctx context.Context, name string, data io.Reader, size int64) (int64, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	key := s.key(name)
	logging.B2.Printf("uploading report %s to bucket %s", key, s.bucket)

	info, err := s.client.PutObject(ctx, s.bucket, key, data, size, minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		logging.B2.Printf("upload failed for %s: %v", key, err)
		return 0, err
	}

	logging.B2.Printf("uploaded %s successfully (%d bytes)", key, info.Size)
	return info.Size, nil
}

func (s *B2Storage) Load(ctx context.Context, name string) (io.ReadCloser, error) {
	key := s.key(name)

	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		logging.B2.Printf("failed to get object %s: %v", key, err)
		return nil, err
	}

	// GetObject is lazy; Stat surfaces a missing key.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		logging.B2.Printf("failed to stat object %s: %v", key, err)
		return nil, err
	}
	return obj, nil
}

func (s *B2Storage) Delete(ctx context.Context, name string) error {
	key := s.key(name)
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return ErrNotFound
		}
		logging.B2.Printf("failed to delete %s: %v", key, err)
		return err
	}
	return nil
}

// List returns the reports directly under the prefix.
func (s *B2Storage) List(ctx context.Context) ([]StoredReport, error) {
	prefix := ""
	if s.prefix != "" {
		prefix = s.prefix + "/"
	}

	// Cancelling stops the listing goroutine if we bail out early.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []StoredReport
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			logging.B2.Printf("failed to list %s/%s: %v", s.bucket, prefix, obj.Err)
			return nil, obj.Err
		}
		name := strings.TrimPrefix(obj.Key, prefix)
		if validateName(name) != nil {
			continue
		}
		out = append(out, StoredReport{Name: name, Modified: obj.LastModified})
	}
	return out, nil
}

// GetPublicURL returns the public URL for a report if public access is
// configured.
func (s *B2Storage) GetPublicURL(name string) string {
	if s.publicURL == "" {
		return ""
	}
	return strings.TrimRight(s.publicURL, "/") + "/" + s.key(name)
}
