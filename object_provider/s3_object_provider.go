package objectprovider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sync"

	"github.com/alitto/pond"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3Types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/schollz/progressbar/v3"
)

type S3ObjectStoreInput struct {
	AwsConfig    aws.Config
	Endpoint     string // for S3-compatible stores, e.g. http://localhost:9000
	UsePathStyle bool
	PartSize     int64 // multipart part size for uploads and downloads, the SDK default when 0
}

// S3ObjectStore implements ObjectStore on top of S3.
type S3ObjectStore struct {
	s3         *s3.Client
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

func NewS3ObjectStore(input *S3ObjectStoreInput) *S3ObjectStore {
	client := s3.NewFromConfig(input.AwsConfig, func(o *s3.Options) {
		if input.Endpoint != "" {
			o.BaseEndpoint = aws.String(input.Endpoint)
		}
		o.UsePathStyle = input.UsePathStyle
	})
	return &S3ObjectStore{
		s3: client,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			if input.PartSize > 0 {
				u.PartSize = input.PartSize
			}
		}),
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			if input.PartSize > 0 {
				d.PartSize = input.PartSize
			}
		}),
	}
}

func (o *S3ObjectStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	keys := []string{}
	paginator := s3.NewListObjectsV2Paginator(o.s3, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: &prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing s3://%s/%s failed: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

func (o *S3ObjectStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	head, err := o.s3.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		var nf *s3Types.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("s3://%s/%s: %w", bucket, key, ErrObjectNotFound)
		}
		return nil, err
	}
	buf := make([]byte, aws.ToInt64(head.ContentLength)) // preallocate, growing the buffer during download is slow
	wr := manager.NewWriteAtBuffer(buf)
	_, err = o.downloader.Download(ctx, wr, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading s3://%s/%s failed: %w", bucket, key, err)
	}
	return wr.Bytes(), nil
}

func (o *S3ObjectStore) Put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	_, err := o.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &bucket,
		Key:         &key,
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s failed: %w", bucket, key, err)
	}
	return nil
}

type s3ObjectProvider struct {
	input   *S3ObjectProviderInput
	store   *S3ObjectStore
	objects []*ObjectSpec
}

type S3ObjectProviderInput struct {
	Store             *S3ObjectStore
	Region            string
	Prefix            ObjectPath // objects are created under this bucket and key prefix
	UploadConcurrency int
	DestroyBucket     bool // whether TearDown also deletes the bucket
}

func NewS3ObjectProvider(input *S3ObjectProviderInput) ObjectProvider {
	return &s3ObjectProvider{
		input: input,
		store: input.Store,
	}
}

func (o *s3ObjectProvider) SetObjects(objects []*ObjectSpec) {
	o.objects = objects
}

func (o *s3ObjectProvider) GetObjects() []*ObjectSpec {
	return o.objects
}

func (o *s3ObjectProvider) GetPrefix() ObjectPath {
	return o.input.Prefix
}

func (o *s3ObjectProvider) MakeObjects() error {
	slog.Info("uploading objects", slog.String("prefix", o.input.Prefix.String()))
	concurrency := max(o.input.UploadConcurrency, 1)
	errChan := make(chan error, len(o.objects))
	pool := pond.New(concurrency, 0, pond.MinWorkers(concurrency))
	p := progressbar.Default(int64(len(o.objects)), "Uploading objects:")
	for _, obj := range o.objects {
		pool.Submit(func() {
			defer p.Add(1)

			buf, err := SyntheticImage(obj)
			if err != nil {
				slog.Error("failed to generate image", slog.String("key", obj.Key), slog.String("error", err.Error()))
				errChan <- err
				return
			}

			key := path.Join(o.input.Prefix.Key, obj.Key)
			err = o.store.Put(context.Background(), o.input.Prefix.Bucket, key, buf, contentTypeFor(obj.Key))
			if err != nil {
				slog.Error("failed to upload S3 object", slog.String("error", err.Error()))
				errChan <- err
				return
			}
		})
	}
	pool.StopAndWait()
	p.Finish()

	select {
	case err := <-errChan:
		return fmt.Errorf("some S3 objects failed to upload: %w", err)
	default:
		slog.Info("done uploading", slog.String("prefix", o.input.Prefix.String()))
		return nil
	}
}

func (o *s3ObjectProvider) SetUp() error {
	in := &s3.CreateBucketInput{
		Bucket: &o.input.Prefix.Bucket,
		ACL:    s3Types.BucketCannedACLPrivate,
	}
	// us-east-1 rejects an explicit location constraint
	if o.input.Region != "" && o.input.Region != "us-east-1" {
		in.CreateBucketConfiguration = &s3Types.CreateBucketConfiguration{
			LocationConstraint: s3Types.BucketLocationConstraint(o.input.Region),
		}
	}
	_, err := o.store.s3.CreateBucket(context.Background(), in)
	var owned *s3Types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		// this is fine, we'll just upload to it
		slog.Debug("bucket already exists", slog.String("name", o.input.Prefix.Bucket))
		return nil
	} else if err != nil {
		return err
	}
	slog.Debug("created bucket", slog.String("name", o.input.Prefix.Bucket))
	return nil
}

func (o *s3ObjectProvider) TearDown() error {
	keys, err := o.store.List(context.Background(), o.input.Prefix.Bucket, o.input.Prefix.Key)
	if err != nil {
		slog.Error("not deleting objects because listing failed", slog.String("error", err.Error()))
		return err
	}

	pool := pond.New(32, 0, pond.MinWorkers(32))
	p := progressbar.Default(int64(len(keys)), "Deleting objects:")
	var mu sync.Mutex
	var firstErr error
	for _, key := range keys {
		pool.Submit(func() {
			defer p.Add(1)
			_, err := o.store.s3.DeleteObject(context.Background(), &s3.DeleteObjectInput{
				Bucket: &o.input.Prefix.Bucket,
				Key:    &key,
			})
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	pool.StopAndWait()
	p.Finish()
	if firstErr != nil {
		return fmt.Errorf("some S3 objects failed to delete: %w", firstErr)
	}

	if !o.input.DestroyBucket {
		return nil
	}
	_, err = o.store.s3.DeleteBucket(context.Background(), &s3.DeleteBucketInput{
		Bucket: &o.input.Prefix.Bucket,
	})
	if err != nil {
		slog.Error("DeleteBucket failed", slog.String("error", err.Error()))
		return err
	}
	slog.Debug("deleted bucket", slog.String("name", o.input.Prefix.Bucket))
	return nil
}
