package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/bartulem/usv-playpen/internal/errors"
)

// S3Archive implements ArchiveStorage against an S3-compatible object
// store (AWS, MinIO on the lab cluster).
type S3Archive struct {
	client     *s3.Client
	bucket     string
	config     S3Config
	maxRetries int
}

// S3Config holds configuration for the S3 archive.
type S3Config struct {
	// Region is the AWS region for the bucket.
	Region string
	// Endpoint is an optional custom endpoint (MinIO, LocalStack).
	Endpoint string
	// UsePathStyle enables path-style addressing (required for MinIO).
	UsePathStyle bool
	// PartSize is the multipart part size for large raw binaries.
	PartSize int64
}

// DefaultS3Config returns the default S3 configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:   "us-east-1",
		PartSize: 64 * 1024 * 1024,
	}
}

// NewS3Archive creates an archive client for the given bucket.
func NewS3Archive(ctx context.Context, bucket string, cfg S3Config) (*S3Archive, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, errors.NewStorageError(errors.CodeUnexpected,
			fmt.Sprintf("load AWS config: %v", err), err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultS3Config().PartSize
	}

	return &S3Archive{
		client:     s3.NewFromConfig(awsCfg, s3Opts...),
		bucket:     bucket,
		config:     cfg,
		maxRetries: 3,
	}, nil
}

// NewS3ArchiveWithClient creates an archive with a pre-configured client.
func NewS3ArchiveWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Archive {
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultS3Config().PartSize
	}
	return &S3Archive{
		client:     client,
		bucket:     bucket,
		config:     cfg,
		maxRetries: 3,
	}
}

// Put uploads a local file, switching to multipart above one part size.
// Raw ephys binaries run to tens of gigabytes; JSON records stay on the
// single-put path.
func (s *S3Archive) Put(ctx context.Context, localPath, objectPath string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("open %s: %v", localPath, err), err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("stat %s: %v", localPath, err), err)
	}

	if stat.Size() > s.config.PartSize {
		return s.putMultipart(ctx, file, stat.Size(), objectPath)
	}

	err = s.retryWithBackoff(ctx, func() error {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			return err
		}
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
			Body:   file,
		})
		return err
	})
	if err != nil {
		return errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("put %s: %v", objectPath, err), err)
	}
	return nil
}

func (s *S3Archive) putMultipart(ctx context.Context, file *os.File, fileSize int64, objectPath string) error {
	partSize := s.config.PartSize

	createResp, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectPath),
	})
	if err != nil {
		return errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("create multipart upload for %s: %v", objectPath, err), err)
	}

	uploadID := createResp.UploadId
	numParts := int(math.Ceil(float64(fileSize) / float64(partSize)))
	completedParts := make([]s3types.CompletedPart, 0, numParts)

	for partNum := 1; partNum <= numParts; partNum++ {
		offset := int64(partNum-1) * partSize
		size := partSize
		if offset+size > fileSize {
			size = fileSize - offset
		}

		uploadResp, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(objectPath),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(int32(partNum)),
			Body:          io.NewSectionReader(file, offset, size),
			ContentLength: aws.Int64(size),
		})
		if err != nil {
			s.abortMultipart(ctx, objectPath, uploadID)
			return errors.NewStorageError(errors.CodeUploadFailed,
				fmt.Sprintf("upload part %d of %s: %v", partNum, objectPath, err), err)
		}

		completedParts = append(completedParts, s3types.CompletedPart{
			ETag:       uploadResp.ETag,
			PartNumber: aws.Int32(int32(partNum)),
		})
	}

	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: completedParts,
		},
	})
	if err != nil {
		s.abortMultipart(ctx, objectPath, uploadID)
		return errors.NewStorageError(errors.CodeUploadFailed,
			fmt.Sprintf("complete multipart upload for %s: %v", objectPath, err), err)
	}
	return nil
}

func (s *S3Archive) abortMultipart(ctx context.Context, objectPath string, uploadID *string) {
	_, _ = s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(objectPath),
		UploadId: uploadID,
	})
}

// Fetch downloads an object to localPath.
func (s *S3Archive) Fetch(ctx context.Context, objectPath, localPath string) error {
	var resp *s3.GetObjectOutput
	err := s.retryWithBackoff(ctx, func() error {
		var getErr error
		resp, getErr = s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return getErr
	})
	if err != nil {
		var noSuchKey *s3types.NoSuchKey
		if stderrors.As(err, &noSuchKey) {
			return errors.NewStorageError(errors.CodeObjectNotFound,
				fmt.Sprintf("no archived object %s", objectPath), err)
		}
		return errors.NewStorageError(errors.CodeDownloadFailed,
			fmt.Sprintf("get %s: %v", objectPath, err), err)
	}
	defer resp.Body.Close()

	if _, err := copyWithSum(localPath, resp.Body); err != nil {
		return errors.NewStorageError(errors.CodeDownloadFailed,
			fmt.Sprintf("fetch %s: %v", objectPath, err), err)
	}
	return nil
}

// Exists checks if an object exists.
func (s *S3Archive) Exists(ctx context.Context, objectPath string) (bool, error) {
	var exists bool
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		if err != nil {
			var notFound *s3types.NotFound
			if stderrors.As(err, &notFound) {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// List returns all object paths under the given prefix.
func (s *S3Archive) List(ctx context.Context, prefix string) ([]string, error) {
	var objects []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, errors.NewStorageError(errors.CodeUnexpected,
				fmt.Sprintf("list %s: %v", prefix, err), err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, aws.ToString(obj.Key))
		}
	}
	return objects, nil
}

// Remove deletes an object. S3 delete is idempotent.
func (s *S3Archive) Remove(ctx context.Context, objectPath string) error {
	err := s.retryWithBackoff(ctx, func() error {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(objectPath),
		})
		return err
	})
	if err != nil {
		return errors.NewStorageError(errors.CodeUnexpected,
			fmt.Sprintf("remove %s: %v", objectPath, err), err)
	}
	return nil
}

// retryWithBackoff executes the operation with exponential backoff.
func (s *S3Archive) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		// A missing key will stay missing.
		var noSuchKey *s3types.NoSuchKey
		if stderrors.As(lastErr, &noSuchKey) {
			return lastErr
		}

		if attempt < s.maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return lastErr
}
