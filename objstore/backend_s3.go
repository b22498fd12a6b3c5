// Implementation of S3 storage backend.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/haiwen/seafevents/option"
)

const s3OpTimeout = 5 * time.Minute

type s3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	objType  string
}

func newS3Backend(storage *option.StorageOptions, objType string) (*s3Backend, error) {
	var bucket string
	switch objType {
	case "commit":
		bucket = storage.CommitBucket
	case "fs":
		bucket = storage.FsBucket
	case "block":
		bucket = storage.BlockBucket
	}
	if bucket == "" {
		return nil, fmt.Errorf("no %s bucket configured", objType)
	}

	region := storage.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if storage.KeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(storage.KeyID, storage.Key, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(storage.Endpoint)
		}
		o.UsePathStyle = storage.PathStyle
		// S3 compatible services often reject the default trailing checksums.
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})

	backend := new(s3Backend)
	backend.client = client
	backend.uploader = manager.NewUploader(client)
	backend.bucket = bucket
	backend.objType = objType
	return backend, nil
}

func objKey(repoID string, objID string) string {
	return repoID + "/" + objID
}

func (b *s3Backend) read(repoID string, objID string, w io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objKey(repoID, objID)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return fmt.Errorf("%s object %s/%s: %w", b.objType, repoID, objID, ErrNotFound)
		}
		return err
	}
	defer out.Body.Close()

	_, err = io.Copy(w, out.Body)
	return err
}

func (b *s3Backend) write(repoID string, objID string, r io.Reader, sync bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objKey(repoID, objID)),
		Body:   r,
	})
	return err
}

func (b *s3Backend) head(repoID string, objID string) (*s3.HeadObjectOutput, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
	defer cancel()

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(objKey(repoID, objID)),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%s object %s/%s: %w", b.objType, repoID, objID, ErrNotFound)
		}
		return nil, err
	}
	return out, nil
}

func (b *s3Backend) exists(repoID string, objID string) (bool, error) {
	_, err := b.head(repoID, objID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *s3Backend) stat(repoID string, objID string) (int64, error) {
	out, err := b.head(repoID, objID)
	if err != nil {
		return -1, err
	}
	return aws.ToInt64(out.ContentLength), nil
}

func (b *s3Backend) list(repoID string, fn func(objID string) error) error {
	prefix := repoID + "/"
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		ctx, cancel := context.WithTimeout(context.Background(), s3OpTimeout)
		page, err := paginator.NextPage(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to list %s objects of %s: %w", b.objType, repoID, err)
		}
		for _, obj := range page.Contents {
			objID := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if objID == "" {
				continue
			}
			if err := fn(objID); err != nil {
				return err
			}
		}
	}
	return nil
}
