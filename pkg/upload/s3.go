package upload

import (
	"context"
	goerrors "errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
)

// hashMetadataKey carries the archive content hash on the object so
// Head can verify without a full download.
const hashMetadataKey = "content-sha256"

// S3Store is the production ObjectStore, backed by S3 or any
// S3-compatible endpoint.
type S3Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
}

// NewS3Store builds an S3Store from the storage configuration.
func NewS3Store(ctx context.Context, cfg config.StorageConfig) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	partSize := int64(cfg.PartSizeMB) * 1024 * 1024
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = partSize
	})

	return &S3Store{
		client:   client,
		uploader: uploader,
		bucket:   cfg.Bucket,
	}, nil
}

// Put implements ObjectStore via a managed multipart upload.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64, sha256 string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(s.bucket),
		Key:                  aws.String(key),
		Body:                 r,
		ContentType:          aws.String("application/gzip"),
		ContentLength:        aws.Int64(size),
		ServerSideEncryption: types.ServerSideEncryptionAes256,
		Metadata: map[string]string{
			hashMetadataKey: sha256,
		},
	})
	return err
}

// Head implements ObjectStore.
func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	info := &ObjectInfo{}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	info.SHA256 = out.Metadata[hashMetadataKey]
	return info, nil
}

func isNotFound(err error) bool {
	var notFound *types.NotFound
	if goerrors.As(err, &notFound) {
		return true
	}
	// HeadObject surfaces missing keys as a bare 404 in some SDK paths
	return strings.Contains(err.Error(), "StatusCode: 404")
}
