package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/roach88/speckit/internal/retry"
)

// ObjectConfig locates an S3-compatible bucket.
type ObjectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// Validate reports missing required fields.
func (c ObjectConfig) Validate() error {
	var missing []string
	if c.Endpoint == "" {
		missing = append(missing, "endpoint")
	}
	if c.Bucket == "" {
		missing = append(missing, "bucket")
	}
	if len(missing) > 0 {
		return fmt.Errorf("object store config: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// NewMinIOClient connects to the endpoint in cfg.
func NewMinIOClient(cfg ObjectConfig) (*minio.Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
}

// objectPutter is the subset of *minio.Client used by ObjectWriter.
type objectPutter interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// ObjectWriter uploads artifacts to <prefix>/<spec>/<run>/<name>.
type ObjectWriter struct {
	client objectPutter
	bucket string
	prefix string
	policy retry.Policy
	logger *slog.Logger
}

// NewObjectWriter creates a writer for bucket using client.
func NewObjectWriter(client *minio.Client, bucket, prefix string, opts ...FileOption) *ObjectWriter {
	return newObjectWriter(client, bucket, prefix, opts...)
}

func newObjectWriter(client objectPutter, bucket, prefix string, opts ...FileOption) *ObjectWriter {
	fw := NewFileWriter("", opts...)
	return &ObjectWriter{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		policy: fw.policy,
		logger: fw.logger,
	}
}

// Key returns the object key for a.
func (w *ObjectWriter) Key(a Artifact) string {
	return path.Join(w.prefix, segment(a.SpecID), segment(a.RunID), a.Name())
}

// Write implements Writer. The returned location is s3://bucket/key.
func (w *ObjectWriter) Write(ctx context.Context, a Artifact) (string, error) {
	if err := a.validate(); err != nil {
		return "", retry.Fatal(fmt.Errorf("upload artifact: %w", err), "invalid artifact", "")
	}
	key := w.Key(a)
	body := []byte(a.Markdown)
	err := retry.DoVoid(ctx, w.policy, func(ctx context.Context) error {
		_, err := w.client.PutObject(ctx, w.bucket, key, bytes.NewReader(body), int64(len(body)),
			minio.PutObjectOptions{
				ContentType: "text/markdown; charset=utf-8",
				UserMetadata: map[string]string{
					"spec-id": a.SpecID,
					"run-id":  a.RunID,
					"stage":   string(a.Stage),
				},
			})
		return classifyObjectError(err)
	}, retry.WithLogger(w.logger), retry.WithOperation("upload artifact"))
	if err != nil {
		return "", fmt.Errorf("upload artifact %s: %w", key, err)
	}
	loc := "s3://" + w.bucket + "/" + key
	w.logger.Debug("artifact uploaded", "location", loc, "run_id", a.RunID)
	return loc, nil
}

// classifyObjectError marks throttling, server errors and transport
// failures as Retryable.
func classifyObjectError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.Code == "SlowDown":
		return retry.Transient(err, "object store throttled")
	case resp.StatusCode >= 500:
		return retry.Transient(err, "object store unavailable")
	case resp.StatusCode == 0:
		return retry.Transient(err, "object store transport")
	}
	return err
}
