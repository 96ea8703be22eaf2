package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/maxiofs/pinrep/internal/backend"
	"github.com/sirupsen/logrus"
)

const defaultS3Region = "us-east-1"

// S3Adapter records pins as manifest objects in an S3-compatible bucket. The archival
// service or web-storage gateway behind the bucket is expected to fetch and retain the
// referenced content.
type S3Adapter struct {
	client  *s3.Client
	name    string
	bucket  string
	prefix  string
	storage string
}

// pinManifest is the object body written for every replicated CID
type pinManifest struct {
	CID         string    `json:"cid"`
	Backend     string    `json:"backend"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewS3Adapter creates an adapter from metadata keys bucket (required), region, prefix and
// storage_class. The credential is "ACCESS_KEY:SECRET_KEY"; without one requests are
// anonymous.
func NewS3Adapter(cfg backend.Config, httpClient *http.Client) (*S3Adapter, error) {
	bucket := cfg.Metadata["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("%w: %s requires metadata.bucket", ErrMisconfigured, cfg.Name)
	}

	region := cfg.Metadata["region"]
	if region == "" {
		region = defaultS3Region
	}

	awsCfg := aws.Config{
		Region:     region,
		HTTPClient: httpClient,
	}
	if cfg.Credential != "" {
		accessKey, secretKey, ok := strings.Cut(cfg.Credential, ":")
		if !ok {
			return nil, fmt.Errorf("%w: %s credential must be ACCESS_KEY:SECRET_KEY", ErrMisconfigured, cfg.Name)
		}
		awsCfg.Credentials = credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")
	} else {
		awsCfg.Credentials = aws.AnonymousCredentials{}
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Use path-style URLs for compatibility
		}
	})

	prefix := cfg.Metadata["prefix"]
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	return &S3Adapter{
		client:  client,
		name:    cfg.Name,
		bucket:  bucket,
		prefix:  prefix,
		storage: cfg.Metadata["storage_class"],
	}, nil
}

// Key returns the object key of the manifest for cid
func (a *S3Adapter) Key(cid string) string {
	return a.prefix + "pins/" + cid + ".json"
}

// Replicate uploads the pin manifest for cid
func (a *S3Adapter) Replicate(ctx context.Context, cid string) (*Result, error) {
	body, err := json.Marshal(pinManifest{CID: cid, Backend: a.name, RequestedAt: time.Now().UTC()})
	if err != nil {
		return nil, fmt.Errorf("failed to encode pin manifest: %w", err)
	}

	key := a.Key(cid)
	logrus.WithFields(logrus.Fields{
		"backend": a.name,
		"bucket":  a.bucket,
		"key":     key,
	}).Debug("Uploading pin manifest")

	input := &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
		ContentType:   aws.String("application/json"),
		Metadata:      map[string]string{"cid": cid},
	}
	if a.storage != "" {
		input.StorageClass = s3types.StorageClass(a.storage)
	}

	if _, err := a.client.PutObject(ctx, input); err != nil {
		return nil, fmt.Errorf("failed to put pin manifest: %w", err)
	}

	return &Result{Success: true, Message: fmt.Sprintf("manifest stored at s3://%s/%s", a.bucket, key)}, nil
}

// Health checks the bucket is reachable with the configured credentials
func (a *S3Adapter) Health(ctx context.Context) error {
	_, err := a.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(a.bucket),
	})
	if err != nil {
		return fmt.Errorf("bucket %s not reachable: %w", a.bucket, err)
	}
	return nil
}

var _ Adapter = (*S3Adapter)(nil)
