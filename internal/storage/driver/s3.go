package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// S3 stores objects in one bucket of an S3 compatible object store.
type S3 struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
	prefix   string
	logger   zerolog.Logger
}

// NewS3 connects to the object store described by p.
func NewS3(p storage.S3Params, logger zerolog.Logger) (*S3, error) {
	cfg := aws.NewConfig().
		WithRegion(p.Region).
		WithS3ForcePathStyle(p.ForcePathStyle)
	if cfg.Region == nil || *cfg.Region == "" {
		cfg = cfg.WithRegion("us-east-1")
	}
	if p.Endpoint != "" {
		cfg = cfg.WithEndpoint(p.Endpoint)
	}
	if p.AccessKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(p.AccessKey, p.SecretKey, ""))
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("create aws session: %w", err)
	}
	return &S3{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   p.Bucket,
		prefix:   p.Prefix,
		logger:   logger.With().Str("component", "s3-driver").Str("bucket", p.Bucket).Logger(),
	}, nil
}

func newS3FromCredential(_ context.Context, cred storage.Credential, logger zerolog.Logger) (Driver, error) {
	return NewS3(*cred.S3, logger)
}

func (d *S3) key(p string) (string, error) {
	p, err := cleanPath(p)
	if err != nil {
		return "", err
	}
	if d.prefix == "" {
		return p, nil
	}
	return path.Join(d.prefix, p), nil
}

func (d *S3) Store(ctx context.Context, p string, r io.Reader, _ int64) error {
	key, err := d.key(p)
	if err != nil {
		return err
	}
	_, err = d.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func (d *S3) Load(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := d.key(p)
	if err != nil {
		return nil, err
	}
	out, err := d.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return out.Body, nil
}

// Delete is idempotent: S3 reports success for missing keys.
func (d *S3) Delete(ctx context.Context, p string) error {
	key, err := d.key(p)
	if err != nil {
		return err
	}
	_, err = d.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func (d *S3) head(ctx context.Context, p string) (*s3.HeadObjectOutput, error) {
	key, err := d.key(p)
	if err != nil {
		return nil, err
	}
	out, err := d.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(d.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	return out, nil
}

func (d *S3) Exists(ctx context.Context, p string) (bool, error) {
	_, err := d.head(ctx, p)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (d *S3) Size(ctx context.Context, p string) (int64, error) {
	out, err := d.head(ctx, p)
	if err != nil {
		return 0, err
	}
	return aws.Int64Value(out.ContentLength), nil
}

// Append has no native object store equivalent, so the object is rewritten
// with the new content at its end.
func (d *S3) Append(ctx context.Context, p string, r io.Reader) (int64, error) {
	var existing []byte
	rc, err := d.Load(ctx, p)
	switch {
	case err == nil:
		existing, err = io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return 0, fmt.Errorf("read %s: %w", p, err)
		}
	case errors.Is(err, storage.ErrNotFound):
	default:
		return 0, err
	}

	added, err := io.ReadAll(ctxReader{ctx: ctx, r: r})
	if err != nil {
		return 0, fmt.Errorf("read append content: %w", err)
	}
	body := append(existing, added...)
	if err := d.Store(ctx, p, bytes.NewReader(body), int64(len(body))); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

func (d *S3) Close() error { return nil }

func isS3NotFound(err error) bool {
	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) && reqErr.StatusCode() == http.StatusNotFound {
		return true
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return true
		}
	}
	return false
}
