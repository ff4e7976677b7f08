package driver

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tunnelmesh/artifactstore/internal/storage"
)

// innerCOSParams translates in-house object store parameters into the S3
// compatible gateway parameters the store also accepts.
func innerCOSParams(p storage.InnerCOSParams) storage.S3Params {
	bucket := p.Bucket
	if p.AppID != "" && !strings.HasSuffix(bucket, "-"+p.AppID) {
		bucket = bucket + "-" + p.AppID
	}
	domain := p.Domain
	if domain == "" {
		domain = fmt.Sprintf("cos.%s.myqcloud.com", p.Region)
	}
	scheme := "https"
	if p.Insecure {
		scheme = "http"
	}
	return storage.S3Params{
		Endpoint:  scheme + "://" + domain,
		Region:    p.Region,
		Bucket:    bucket,
		Prefix:    p.Prefix,
		AccessKey: p.SecretID,
		SecretKey: p.SecretKey,
	}
}

func newInnerCOSFromCredential(_ context.Context, cred storage.Credential, logger zerolog.Logger) (Driver, error) {
	d, err := NewS3(innerCOSParams(*cred.InnerCOS), logger)
	if err != nil {
		return nil, err
	}
	d.logger = logger.With().Str("component", "innercos-driver").Str("bucket", d.bucket).Logger()
	return d, nil
}
