package store

import (
	"bytes"
	"context"
	"io"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/rodepush/bundlecore/cksum"
	"github.com/rodepush/bundlecore/cmn"
)

// S3Store backs Store with an S3-compatible bucket, selected by
// storage.type = "s3" (spec.md §6.4). Object keys are used verbatim as S3
// keys, preserving the same apps/<id>/bundles/<id>, chunks/<prefix>/<hash>
// layout used by the filesystem backend.
type S3Store struct {
	bucket     string
	client     *s3.S3
	uploader   *s3manager.Uploader
	downloader *s3manager.Downloader
}

func NewS3Store(bucket, region, endpoint string) (*S3Store, error) {
	cfg := aws.NewConfig().WithRegion(region)
	if endpoint != "" {
		cfg = cfg.WithEndpoint(endpoint).WithS3ForcePathStyle(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindStorage, err, "s3 store: new session")
	}
	client := s3.New(sess)
	return &S3Store{
		bucket:     bucket,
		client:     client,
		uploader:   s3manager.NewUploaderWithClient(client),
		downloader: s3manager.NewDownloaderWithClient(client),
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader) (Ack, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return Ack{}, cmn.Wrap(cmn.KindStorage, err, "s3 store: read payload for %s", key)
	}
	_, err = s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(buf),
	})
	if err != nil {
		return Ack{}, cmn.Wrap(cmn.KindStorage, err, "s3 store: put %s", key)
	}
	return Ack{Key: key, Size: int64(len(buf))}, nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundAWS(err) {
			return nil, cmn.New(cmn.KindNotFound, "s3 store: %s", key)
		}
		return nil, cmn.Wrap(cmn.KindStorage, err, "s3 store: get %s", key)
	}
	return out.Body, nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (Stat, error) {
	out, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundAWS(err) {
			return Stat{}, cmn.New(cmn.KindNotFound, "s3 store: %s", key)
		}
		return Stat{}, cmn.Wrap(cmn.KindStorage, err, "s3 store: stat %s", key)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	var digest cksum.Digest
	if out.Metadata != nil {
		if hex, ok := out.Metadata["Sha256"]; ok && hex != nil {
			if d, err := cksum.ParseHex(cksum.SHA256, *hex); err == nil {
				digest = d
			}
		}
	}
	return Stat{Size: size, Hash: digest}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return cmn.Wrap(cmn.KindStorage, err, "s3 store: delete %s", key)
	}
	return nil
}

type s3Iterator struct {
	keys []string
	i    int
}

func (it *s3Iterator) Next() (string, bool) {
	if it.i >= len(it.keys) {
		return "", false
	}
	k := it.keys[it.i]
	it.i++
	return k, true
}

func (it *s3Iterator) Err() error { return nil }

func (s *S3Store) List(ctx context.Context, prefix string) (Iterator, error) {
	var keys []string
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
		return true
	})
	if err != nil {
		return nil, cmn.Wrap(cmn.KindStorage, err, "s3 store: list %s", prefix)
	}
	return &s3Iterator{keys: keys}, nil
}

func isNotFoundAWS(err error) bool {
	aerr, ok := err.(awserr.Error)
	if !ok {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	default:
		return false
	}
}
