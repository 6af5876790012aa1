package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store stores blobs in a bucket and hands out presigned GET URLs.
type S3Store struct {
	Client  *s3.Client
	Presign *s3.PresignClient
	Bucket  string
	Prefix  string
	Expire  time.Duration
}

// NewS3Store builds an S3Store from the ambient AWS configuration.
func NewS3Store(ctx context.Context, bucket, prefix string, expire time.Duration) (*S3Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("op=blobstore.s3.new: %w", err)
	}
	client := s3.NewFromConfig(awsCfg)
	return &S3Store{
		Client:  client,
		Presign: s3.NewPresignClient(client),
		Bucket:  bucket,
		Prefix:  strings.Trim(prefix, "/"),
		Expire:  expire,
	}, nil
}

func (s *S3Store) key(path string) string {
	path = strings.TrimLeft(path, "/")
	if s.Prefix == "" {
		return path
	}
	return s.Prefix + "/" + path
}

// Save uploads the blob.
func (s *S3Store) Save(ctx context.Context, path string, data []byte, contentType string) error {
	key := s.key(path)
	input := &s3.PutObjectInput{
		Bucket: &s.Bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = &contentType
	}
	if _, err := s.Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("op=blobstore.s3.save path=%s: %w", path, err)
	}
	return nil
}

// URL presigns a GET for the blob. Graders fetch these directly, so the
// expiry must comfortably exceed queue dwell time.
func (s *S3Store) URL(ctx context.Context, path string) (string, error) {
	key := s.key(path)
	out, err := s.Presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.Bucket,
		Key:    &key,
	}, s3.WithPresignExpires(s.Expire))
	if err != nil {
		return "", fmt.Errorf("op=blobstore.s3.url path=%s: %w", path, err)
	}
	return out.URL, nil
}
