package store

import (
	"context"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/rodepush/bundlecore/cmn"
)

// GCSStore backs Store with a Google Cloud Storage bucket, selected by
// storage.type = "gcs".
type GCSStore struct {
	bucket *gcs.BucketHandle
}

func NewGCSStore(ctx context.Context, bucketName string) (*GCSStore, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindStorage, err, "gcs store: new client")
	}
	return &GCSStore{bucket: client.Bucket(bucketName)}, nil
}

func (s *GCSStore) Put(ctx context.Context, key string, r io.Reader) (Ack, error) {
	w := s.bucket.Object(key).NewWriter(ctx)
	n, err := io.Copy(w, r)
	if err != nil {
		_ = w.Close()
		return Ack{}, cmn.Wrap(cmn.KindStorage, err, "gcs store: put %s", key)
	}
	if err := w.Close(); err != nil {
		return Ack{}, cmn.Wrap(cmn.KindStorage, err, "gcs store: finalize %s", key)
	}
	return Ack{Key: key, Size: n}, nil
}

func (s *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := s.bucket.Object(key).NewReader(ctx)
	if err != nil {
		if err == gcs.ErrObjectNotExist {
			return nil, cmn.New(cmn.KindNotFound, "gcs store: %s", key)
		}
		return nil, cmn.Wrap(cmn.KindStorage, err, "gcs store: get %s", key)
	}
	return r, nil
}

func (s *GCSStore) Stat(ctx context.Context, key string) (Stat, error) {
	attrs, err := s.bucket.Object(key).Attrs(ctx)
	if err != nil {
		if err == gcs.ErrObjectNotExist {
			return Stat{}, cmn.New(cmn.KindNotFound, "gcs store: %s", key)
		}
		return Stat{}, cmn.Wrap(cmn.KindStorage, err, "gcs store: stat %s", key)
	}
	return Stat{Size: attrs.Size}, nil
}

func (s *GCSStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Object(key).Delete(ctx); err != nil && err != gcs.ErrObjectNotExist {
		return cmn.Wrap(cmn.KindStorage, err, "gcs store: delete %s", key)
	}
	return nil
}

type gcsIterator struct {
	it *gcs.ObjectIterator
}

func (g *gcsIterator) Next() (string, bool) {
	attrs, err := g.it.Next()
	if err == iterator.Done || err != nil {
		return "", false
	}
	return attrs.Name, true
}

func (g *gcsIterator) Err() error { return nil }

func (s *GCSStore) List(ctx context.Context, prefix string) (Iterator, error) {
	it := s.bucket.Objects(ctx, &gcs.Query{Prefix: prefix})
	return &gcsIterator{it: it}, nil
}
