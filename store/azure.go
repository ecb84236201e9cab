package store

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"github.com/rodepush/bundlecore/cmn"
)

// AzureStore backs Store with an Azure Blob Storage container, selected by
// storage.type = "azure" (spec.md §3 domain stack: a bonus backend beyond
// the spec's filesystem/s3/gcs trio, wiring azure-storage-blob-go from the
// rest of the example pack).
type AzureStore struct {
	container azblob.ContainerURL
}

func NewAzureStore(accountName, accountKey, containerName string) (*AzureStore, error) {
	cred, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindStorage, err, "azure store: credential")
	}
	pipeline := azblob.NewPipeline(cred, azblob.PipelineOptions{})
	u, err := url.Parse("https://" + accountName + ".blob.core.windows.net/" + containerName)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindStorage, err, "azure store: container url")
	}
	return &AzureStore{container: azblob.NewContainerURL(*u, pipeline)}, nil
}

func (s *AzureStore) blob(key string) azblob.BlockBlobURL {
	return s.container.NewBlockBlobURL(key)
}

func (s *AzureStore) Put(ctx context.Context, key string, r io.Reader) (Ack, error) {
	buf, err := io.ReadAll(r)
	if err != nil {
		return Ack{}, cmn.Wrap(cmn.KindStorage, err, "azure store: read payload for %s", key)
	}
	_, err = azblob.UploadBufferToBlockBlob(ctx, buf, s.blob(key), azblob.UploadToBlockBlobOptions{})
	if err != nil {
		return Ack{}, cmn.Wrap(cmn.KindStorage, err, "azure store: put %s", key)
	}
	return Ack{Key: key, Size: int64(len(buf))}, nil
}

func (s *AzureStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	resp, err := s.blob(key).Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isNotFoundAzure(err) {
			return nil, cmn.New(cmn.KindNotFound, "azure store: %s", key)
		}
		return nil, cmn.Wrap(cmn.KindStorage, err, "azure store: get %s", key)
	}
	return resp.Body(azblob.RetryReaderOptions{}), nil
}

func (s *AzureStore) Stat(ctx context.Context, key string) (Stat, error) {
	props, err := s.blob(key).GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{})
	if err != nil {
		if isNotFoundAzure(err) {
			return Stat{}, cmn.New(cmn.KindNotFound, "azure store: %s", key)
		}
		return Stat{}, cmn.Wrap(cmn.KindStorage, err, "azure store: stat %s", key)
	}
	return Stat{Size: props.ContentLength()}, nil
}

func (s *AzureStore) Delete(ctx context.Context, key string) error {
	_, err := s.blob(key).Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
	if err != nil && !isNotFoundAzure(err) {
		return cmn.Wrap(cmn.KindStorage, err, "azure store: delete %s", key)
	}
	return nil
}

type azureIterator struct {
	keys []string
	i    int
}

func (it *azureIterator) Next() (string, bool) {
	if it.i >= len(it.keys) {
		return "", false
	}
	k := it.keys[it.i]
	it.i++
	return k, true
}

func (it *azureIterator) Err() error { return nil }

func (s *AzureStore) List(ctx context.Context, prefix string) (Iterator, error) {
	var keys []string
	marker := azblob.Marker{}
	for marker.NotDone() {
		resp, err := s.container.ListBlobsFlatSegment(ctx, marker, azblob.ListBlobsSegmentOptions{Prefix: prefix})
		if err != nil {
			return nil, cmn.Wrap(cmn.KindStorage, err, "azure store: list %s", prefix)
		}
		for _, item := range resp.Segment.BlobItems {
			keys = append(keys, item.Name)
		}
		marker = resp.NextMarker
	}
	return &azureIterator{keys: keys}, nil
}

func isNotFoundAzure(err error) bool {
	sErr, ok := err.(azblob.StorageError)
	if !ok {
		return strings.Contains(err.Error(), "BlobNotFound")
	}
	return sErr.ServiceCode() == azblob.ServiceCodeBlobNotFound
}
