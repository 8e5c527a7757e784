// Package publish uploads a finished output directory to S3-compatible
// storage where the downstream diff job picks it up.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Uploader copies files into one bucket.
type Uploader struct {
	cfg    Config
	client *minio.Client
	logger *slog.Logger
}

// NewUploader validates cfg and builds the minio client. No network call is
// made until Upload.
func NewUploader(cfg Config, logger *slog.Logger) (*Uploader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("publish: client: %w", err)
	}
	return &Uploader{cfg: cfg, client: client, logger: logger}, nil
}

// Upload ensures the bucket exists and uploads every regular file directly
// under dir as <prefix>/<runID>/<name>. It returns the number of objects
// written.
func (u *Uploader) Upload(ctx context.Context, dir, runID string) (int, error) {
	if err := u.ensureBucket(ctx); err != nil {
		return 0, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("publish: read %s: %w", dir, err)
	}

	n := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		key := ObjectKey(u.cfg.Prefix, runID, e.Name())
		_, err := u.client.FPutObject(ctx, u.cfg.Bucket, key, filepath.Join(dir, e.Name()),
			minio.PutObjectOptions{ContentType: ContentType(e.Name())})
		if err != nil {
			return n, fmt.Errorf("publish: put %s: %w", key, err)
		}
		n++
	}
	u.logger.Info("publish: uploaded", "bucket", u.cfg.Bucket, "run_id", runID, "objects", n)
	return n, nil
}

func (u *Uploader) ensureBucket(ctx context.Context) error {
	exists, err := u.client.BucketExists(ctx, u.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("publish: bucket exists: %w", err)
	}
	if exists {
		return nil
	}
	if err := u.client.MakeBucket(ctx, u.cfg.Bucket, minio.MakeBucketOptions{Region: u.cfg.Region}); err != nil {
		return fmt.Errorf("publish: make bucket: %w", err)
	}
	return nil
}

// ObjectKey joins the key parts, dropping empty ones.
func ObjectKey(prefix, runID, name string) string {
	return strings.TrimPrefix(path.Join(strings.Trim(prefix, "/"), runID, name), "/")
}

// ContentType picks the object content type from the file extension.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jsonl":
		return "application/x-ndjson"
	default:
		return "application/octet-stream"
	}
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
