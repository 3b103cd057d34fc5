// Package storage issues presigned upload URLs for chat attachments kept in
// an S3-compatible bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrNotConfigured is returned when no object storage endpoint is set.
var ErrNotConfigured = errors.New("attachment storage is not configured")

const (
	defaultPresignTTL  = 15 * time.Minute
	maxFilenameLength  = 255
	defaultContentType = "application/octet-stream"
)

// Config describes the bucket attachments are uploaded to.
type Config struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PresignTTL    time.Duration
	PublicBaseURL string
}

// ObjectStore is the part of *minio.Client attachments use.
type ObjectStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error)
}

// Attachments hands out presigned PUT URLs. The service never proxies bytes.
type Attachments struct {
	cfg    Config
	client ObjectStore
	now    func() time.Time
}

// Upload is returned to clients: PUT the file to UploadURL, then send a
// message carrying AttachmentURL and AttachmentType.
type Upload struct {
	UploadURL      string    `json:"uploadUrl"`
	AttachmentURL  string    `json:"attachmentUrl"`
	AttachmentType string    `json:"attachmentType"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// New connects to the bucket endpoint. An empty endpoint yields ErrNotConfigured.
func New(cfg Config) (*Attachments, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, ErrNotConfigured
	}
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	cl, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	cfg.Endpoint = endpoint
	return NewWithStore(cfg, cl), nil
}

// NewWithStore builds Attachments over an existing store.
func NewWithStore(cfg Config, client ObjectStore) *Attachments {
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	return &Attachments{cfg: cfg, client: client, now: time.Now}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (a *Attachments) EnsureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.cfg.Bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.cfg.Bucket, err)
	}
	return nil
}

// PresignUpload reserves a fresh object key under the chat and presigns a PUT for it.
func (a *Attachments) PresignUpload(ctx context.Context, chatID uint, filename, contentType string) (*Upload, error) {
	if a == nil {
		return nil, ErrNotConfigured
	}
	filename = strings.TrimSpace(filename)
	if filename == "" || len(filename) > maxFilenameLength {
		return nil, fmt.Errorf("invalid filename %q", filename)
	}

	key := ObjectKey(chatID, filename)
	signed, err := a.client.PresignedPutObject(ctx, a.cfg.Bucket, key, a.cfg.PresignTTL)
	if err != nil {
		return nil, fmt.Errorf("presign %s: %w", key, err)
	}

	return &Upload{
		UploadURL:      signed.String(),
		AttachmentURL:  a.publicURL(key),
		AttachmentType: detectType(filename, contentType),
		ExpiresAt:      a.now().UTC().Add(a.cfg.PresignTTL),
	}, nil
}

// ObjectKey returns chats/<chatID>/<uuid><ext>; the client filename only
// contributes its extension.
func ObjectKey(chatID uint, filename string) string {
	ext := strings.ToLower(path.Ext(path.Base(strings.ReplaceAll(filename, "\\", "/"))))
	if len(ext) > 10 || strings.ContainsAny(ext, " /?#%") {
		ext = ""
	}
	return fmt.Sprintf("chats/%d/%s%s", chatID, uuid.NewString(), ext)
}

func (a *Attachments) publicURL(key string) string {
	if base := strings.TrimRight(a.cfg.PublicBaseURL, "/"); base != "" {
		return base + "/" + a.cfg.Bucket + "/" + key
	}
	scheme := "http"
	if a.cfg.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, a.cfg.Endpoint, a.cfg.Bucket, key)
}

func detectType(filename, contentType string) string {
	if ct := strings.TrimSpace(contentType); ct != "" {
		if mediaType, _, err := mime.ParseMediaType(ct); err == nil {
			return mediaType
		}
	}
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(filename))); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	return defaultContentType
}
