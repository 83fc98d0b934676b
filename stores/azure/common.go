// Package azure implements Stores of backups in Azure Blob Storage, using
// either Shared Key (azure://) or Azure AD (azure-ad://) authentication.
package azure

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Azure/azure-pipeline-go/pipeline"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/pkg/errors"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/stores/common"
)

// StoreQueryArgs contains fields that are parsed from the query arguments
// of an azure:// or azure-ad:// backup store URL.
type StoreQueryArgs struct {
	common.RewriterConfig
}

// storeBase holds everything but credentials, which differ between the
// azure:// and azure-ad:// schemes.
type storeBase struct {
	args           StoreQueryArgs
	storageAccount string
	blobDomain     string // Such as blob.core.windows.net.
	container      string
	prefix         string // Of blobs within the container.
	pipeline       pipeline.Pipeline

	// sign produces SAS parameters using the credentials of the scheme.
	sign func(sas.BlobSignatureValues) (sas.QueryParameters, error)
}

func (a *storeBase) Provider() string { return "azure" }

// SignGet returns a read-only SAS URL of |path| valid for |d|.
func (a *storeBase) SignGet(path string, d time.Duration) (string, error) {
	var blob = a.args.RewritePath(a.prefix, path)

	var params, err = a.sign(sas.BlobSignatureValues{
		Protocol:      sas.ProtocolHTTPS,
		ExpiryTime:    time.Now().UTC().Add(d),
		ContainerName: a.container,
		BlobName:      blob,
		Permissions:   to.Ptr(sas.BlobPermissions{Read: true}).String(),
	})
	if err != nil {
		return "", errors.WithMessage(err, "signing SAS parameters")
	}
	return a.containerURL() + "/" + blob + "?" + params.Encode(), nil
}

func (a *storeBase) Exists(ctx context.Context, path string) (bool, error) {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return false, err
	}
	if _, err = blobURL.GetProperties(ctx, azblob.BlobAccessConditions{}, azblob.ClientProvidedKeyOptions{}); err == nil {
		return true, nil
	} else if isBlobNotFound(err) {
		return false, nil
	}
	return false, err
}

func (a *storeBase) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return nil, err
	}
	download, err := blobURL.Download(ctx, 0, azblob.CountToEnd, azblob.BlobAccessConditions{}, false, azblob.ClientProvidedKeyOptions{})
	if isBlobNotFound(err) {
		return nil, fmt.Errorf("%w: %s", pb.ErrNotFound, err)
	} else if err != nil {
		return nil, err
	}
	return download.Body(azblob.RetryReaderOptions{}), nil
}

func (a *storeBase) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return err
	}
	var headers = azblob.BlobHTTPHeaders{ContentEncoding: contentEncoding}

	_, err = blobURL.Upload(ctx, io.NewSectionReader(content, 0, contentLength), headers, azblob.Metadata{},
		azblob.BlobAccessConditions{}, azblob.DefaultAccessTier, azblob.BlobTagsMap{},
		azblob.ClientProvidedKeyOptions{}, azblob.ImmutabilityPolicyOptions{})
	return err
}

func (a *storeBase) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	prefix = a.args.RewritePath(a.prefix, prefix)

	var u, err = url.Parse(a.containerURL())
	if err != nil {
		return err
	}
	var containerURL = azblob.NewContainerURL(*u, a.pipeline)
	var options = azblob.ListBlobsSegmentOptions{Prefix: prefix}

	for marker := (azblob.Marker{}); marker.NotDone(); {
		var segment, err = containerURL.ListBlobsFlatSegment(ctx, marker, options)
		if err != nil {
			return err
		}
		for _, blob := range segment.Segment.BlobItems {
			if strings.HasSuffix(blob.Name, "/") {
				continue // Ignore directory-like objects.
			}
			if err := callback(strings.TrimPrefix(blob.Name, prefix), blob.Properties.LastModified); err != nil {
				return err
			}
		}
		marker = segment.NextMarker
	}
	return nil
}

func (a *storeBase) Remove(ctx context.Context, path string) error {
	var blobURL, err = a.buildBlobURL(path)
	if err != nil {
		return err
	}
	_, err = blobURL.Delete(ctx, azblob.DeleteSnapshotsOptionNone, azblob.BlobAccessConditions{})
	return err
}

func (a *storeBase) IsAuthError(err error) bool {
	var storageErr, ok = err.(azblob.StorageError)
	if !ok {
		return false
	}
	switch storageErr.ServiceCode() {
	case azblob.ServiceCodeContainerNotFound,
		azblob.ServiceCodeContainerDisabled,
		azblob.ServiceCodeAccountIsDisabled:
		return true
	}
	if resp := storageErr.Response(); resp != nil && resp.StatusCode == http.StatusForbidden {
		return true
	}
	return false
}

func (a *storeBase) buildBlobURL(path string) (*azblob.BlockBlobURL, error) {
	var u, err = url.Parse(fmt.Sprint(a.containerURL(), "/", a.args.RewritePath(a.prefix, path)))
	if err != nil {
		return nil, err
	}
	var blobURL = azblob.NewBlockBlobURL(*u, a.pipeline)
	return &blobURL, nil
}

func (a *storeBase) containerURL() string {
	return fmt.Sprintf("%s/%s", azureStorageURL(a.storageAccount, a.blobDomain), a.container)
}

func azureStorageURL(storageAccount string, blobDomain string) string {
	return fmt.Sprintf("https://%s.%s", storageAccount, blobDomain)
}

// blobDomain returns the configured blob domain, supporting sovereign clouds.
func blobDomain() string {
	if d := os.Getenv("AZURE_BLOB_DOMAIN"); d != "" {
		return d
	}
	return "blob.core.windows.net"
}

func isBlobNotFound(err error) bool {
	var inner, ok = err.(azblob.StorageError)
	return ok && inner.ServiceCode() == azblob.ServiceCodeBlobNotFound
}
