package network

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/bitrise-io/go-backup/backup/network/largeobject"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numUploadRetries = 3

// S3API is the subset of the S3 client used by the backend.
type S3API interface {
	manager.UploadAPIClient
}

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Backend uploads objects to an S3 bucket with multipart uploads.
// The remote file id of a session is its multipart upload id.
type S3Backend struct {
	client      S3API
	bucket      string
	logger      log.Logger
	retryWait   time.Duration
	newUploader func(client manager.UploadAPIClient) *manager.Uploader

	mu   sync.Mutex
	keys map[string]string
}

// NewS3Backend loads AWS credentials and creates a backend for the bucket.
func NewS3Backend(ctx context.Context, params S3Params, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return newS3Backend(s3.NewFromConfig(*cfg), params.Bucket, logger), nil
}

func newS3Backend(client S3API, bucket string, logger log.Logger) *S3Backend {
	return &S3Backend{
		client:    client,
		bucket:    bucket,
		logger:    logger,
		retryWait: 5 * time.Second,
		newUploader: func(client manager.UploadAPIClient) *manager.Uploader {
			var partMB int64 = 10
			return manager.NewUploader(client, func(u *manager.Uploader) {
				u.PartSize = partMB * 1024 * 1024
			})
		},
		keys: map[string]string{},
	}
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// PartHasher returns the MD5 hasher; S3 verifies parts by Content-MD5.
func (b *S3Backend) PartHasher() largeobject.ChunkHasher {
	return largeobject.MD5Hasher
}

// OpenLargeObjectSession creates a multipart upload of objectName.
// The container id is unused, the backend always writes to its bucket.
func (b *S3Backend) OpenLargeObjectSession(ctx context.Context, _, objectName, contentType string, metadata map[string]string) (string, error) {
	input := &s3.CreateMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(objectName),
		Metadata: metadata,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	output, err := b.client.CreateMultipartUpload(ctx, input)
	if err != nil {
		return "", mapS3Error(fmt.Errorf("create multipart upload: %w", err))
	}
	if output.UploadId == nil {
		return "", &largeobject.TransferError{Kind: largeobject.Fatal, Message: "missing upload id in response"}
	}

	uploadID := aws.ToString(output.UploadId)
	b.mu.Lock()
	b.keys[uploadID] = objectName
	b.mu.Unlock()

	return uploadID, nil
}

// GetPartUploadCredential returns the target of the parts of the upload. The S3 client signs
// every request itself.
func (b *S3Backend) GetPartUploadCredential(_ context.Context, remoteFileID string) (largeobject.UploadCredential, error) {
	key, err := b.key(remoteFileID)
	if err != nil {
		return largeobject.UploadCredential{}, err
	}
	return largeobject.UploadCredential{UploadTarget: key, Token: remoteFileID}, nil
}

// UploadPart uploads one part. contentHash must be the hex MD5 of data.
func (b *S3Backend) UploadPart(ctx context.Context, cred largeobject.UploadCredential, partNumber int, contentHash string, data []byte) (largeobject.PartReceipt, error) {
	md5Sum, err := hex.DecodeString(contentHash)
	if err != nil {
		return largeobject.PartReceipt{}, &largeobject.TransferError{Kind: largeobject.Fatal, Message: "decode part hash", Err: err}
	}

	output, err := b.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(cred.UploadTarget),
		UploadId:      aws.String(cred.Token),
		PartNumber:    aws.Int32(int32(partNumber)),
		ContentLength: aws.Int64(int64(len(data))),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(md5Sum)),
		Body:          bytes.NewReader(data),
	})
	if err != nil {
		return largeobject.PartReceipt{}, mapS3Error(fmt.Errorf("upload part %d: %w", partNumber, err))
	}

	return largeobject.PartReceipt{
		ConfirmedHash:   aws.ToString(output.ETag),
		ConfirmedLength: len(data),
	}, nil
}

// FinalizeLargeObjectSession completes the multipart upload. partHashes are the ETags of the parts
// ordered by part number.
func (b *S3Backend) FinalizeLargeObjectSession(ctx context.Context, remoteFileID string, partHashes []string) (largeobject.CompletedObject, error) {
	key, err := b.key(remoteFileID)
	if err != nil {
		return largeobject.CompletedObject{}, err
	}

	parts := make([]types.CompletedPart, 0, len(partHashes))
	for i, etag := range partHashes {
		parts = append(parts, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(int32(i + 1)),
		})
	}

	output, err := b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(remoteFileID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return largeobject.CompletedObject{}, mapS3Error(fmt.Errorf("complete multipart upload: %w", err))
	}
	b.forget(remoteFileID)

	return largeobject.CompletedObject{
		RemoteFileID: remoteFileID,
		ObjectName:   aws.ToString(output.Key),
	}, nil
}

// CancelLargeObjectSession aborts the multipart upload so its parts are discarded.
func (b *S3Backend) CancelLargeObjectSession(ctx context.Context, remoteFileID string) error {
	key, err := b.key(remoteFileID)
	if err != nil {
		return err
	}
	defer b.forget(remoteFileID)

	_, err = b.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(b.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(remoteFileID),
	})
	if err != nil {
		return mapS3Error(fmt.Errorf("abort multipart upload: %w", err))
	}
	return nil
}

// UploadSmallObject uploads a whole file, retrying the upload a few times.
func (b *S3Backend) UploadSmallObject(ctx context.Context, obj SmallObject) (largeobject.CompletedObject, error) {
	var etag string
	err := retry.Times(numUploadRetries).Wait(b.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		file, err := os.Open(obj.Path)
		if err != nil {
			return fmt.Errorf("open file: %w", err), true
		}
		defer file.Close() //nolint:errcheck

		input := &s3.PutObjectInput{
			Body:              file,
			Bucket:            aws.String(b.bucket),
			Key:               aws.String(obj.ObjectName),
			ContentLength:     aws.Int64(obj.Size),
			Metadata:          obj.Metadata,
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		}
		if obj.ContentType != "" {
			input.ContentType = aws.String(obj.ContentType)
		}

		output, err := b.newUploader(b.client).Upload(ctx, input)
		if err != nil {
			if attempt > 0 {
				b.logger.Debugf("Retrying upload of %s (attempt %d): %s", obj.ObjectName, attempt, err)
			}
			mapped := mapS3Error(fmt.Errorf("upload object: %w", err))
			var transferErr *largeobject.TransferError
			if errors.As(mapped, &transferErr) && transferErr.Kind == largeobject.Fatal {
				return mapped, true
			}
			return mapped, false
		}

		etag = aws.ToString(output.ETag)
		return nil, true
	})
	if err != nil {
		return largeobject.CompletedObject{}, err
	}

	return largeobject.CompletedObject{
		RemoteFileID:  etag,
		ObjectName:    obj.ObjectName,
		ContentLength: obj.Size,
	}, nil
}

func (b *S3Backend) key(uploadID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := b.keys[uploadID]
	if !ok {
		return "", &largeobject.TransferError{Kind: largeobject.Fatal, Message: fmt.Sprintf("unknown multipart upload %s", uploadID)}
	}
	return key, nil
}

func (b *S3Backend) forget(uploadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.keys, uploadID)
}

var retryableS3Codes = map[string]bool{
	"SlowDown":           true,
	"RequestTimeout":     true,
	"InternalError":      true,
	"ServiceUnavailable": true,
}

var expiredS3Codes = map[string]bool{
	"ExpiredToken":   true,
	"RequestExpired": true,
}

// mapS3Error wraps an S3 client error into a TransferError the upload engine can classify.
// Context errors and errors without an API code are returned unchanged.
func mapS3Error(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	statusCode := 0
	var responseErr *smithyhttp.ResponseError
	if errors.As(err, &responseErr) {
		statusCode = responseErr.HTTPStatusCode()
	}

	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		if statusCode >= 500 {
			return &largeobject.TransferError{Kind: largeobject.Retryable, StatusCode: statusCode, Err: err}
		}
		return err
	}

	kind := largeobject.Fatal
	switch code := apiErr.ErrorCode(); {
	case retryableS3Codes[code], statusCode >= 500:
		kind = largeobject.Retryable
	case expiredS3Codes[code]:
		kind = largeobject.AuthExpired
	}

	return &largeobject.TransferError{Kind: kind, StatusCode: statusCode, Message: apiErr.ErrorMessage(), Err: err}
}
