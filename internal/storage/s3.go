package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Store struct {
	bucket    string
	publicURL string // base URL objects are served from
	api       *awss3.Client
	upl       *manager.Uploader
}

// NewS3FromEnv builds the S3 backend from S3_* env vars. Non-AWS endpoints
// (MinIO, R2) get path-style addressing.
func NewS3FromEnv() (*S3Store, error) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("S3_BUCKET is required")
	}
	endpoint := os.Getenv("S3_ENDPOINT")
	region := os.Getenv("S3_REGION")
	if region == "" {
		region = "us-east-1"
	}
	publicURL := strings.TrimRight(os.Getenv("S3_PUBLIC_URL"), "/")
	if publicURL == "" {
		publicURL = fmt.Sprintf("https://%s.s3.%s.amazonaws.com", bucket, region)
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if ak, sk := os.Getenv("S3_ACCESS_KEY"), os.Getenv("S3_SECRET_KEY"); ak != "" && sk != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(ak, sk, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, err
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = !strings.Contains(endpoint, "amazonaws.com")
		}
	})

	return &S3Store{
		bucket:    bucket,
		publicURL: publicURL,
		api:       client,
		upl:       manager.NewUploader(client),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (*Object, error) {
	// manager.Uploader splits large bodies into concurrent multipart parts.
	_, err := s.upl.Upload(ctx, &awss3.PutObjectInput{
		Bucket:      &s.bucket,
		Key:         &key,
		Body:        r,
		ContentType: &contentType,
	})
	if err != nil {
		return nil, err
	}
	return &Object{
		Key:         key,
		URL:         s.PublicURL(key),
		Size:        size,
		ContentType: contentType,
	}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, string, error) {
	out, err := s.api.GetObject(ctx, &awss3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, "", err
	}
	ct := ""
	if out.ContentType != nil {
		ct = *out.ContentType
	}
	return out.Body, ct, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteObject(ctx, &awss3.DeleteObjectInput{Bucket: &s.bucket, Key: &key})
	return err
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]Object, error) {
	type entry struct {
		obj Object
		ts  time.Time
	}
	var entries []entry
	pager := awss3.NewListObjectsV2Paginator(s.api, &awss3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			e := entry{obj: Object{Key: *obj.Key, URL: s.PublicURL(*obj.Key)}}
			if obj.Size != nil {
				e.obj.Size = *obj.Size
			}
			if obj.LastModified != nil {
				e.ts = *obj.LastModified
			}
			entries = append(entries, e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].ts.After(entries[j].ts) })
	out := make([]Object, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.obj)
	}
	return out, nil
}

func (s *S3Store) PublicURL(key string) string {
	return s.publicURL + "/" + strings.TrimLeft(key, "/")
}
