package azure

import (
	"net/url"
	"os"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pagestream.dev/core/stores"
	"go.pagestream.dev/core/stores/common"
)

// NewAccount builds a Store of an azure://container/prefix/ URL, which
// authenticates with the Shared Key of $AZURE_ACCOUNT_NAME given by
// $AZURE_ACCOUNT_KEY.
func NewAccount(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := common.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var account, key = os.Getenv("AZURE_ACCOUNT_NAME"), os.Getenv("AZURE_ACCOUNT_KEY")
	if account == "" || key == "" {
		return nil, errors.New("azure:// stores require AZURE_ACCOUNT_NAME and AZURE_ACCOUNT_KEY")
	}

	// The legacy pipeline and the SAS signer each want their own credential type.
	var pipelineCred, err = azblob.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, errors.WithMessage(err, "building shared key credential")
	}
	signingCred, err := service.NewSharedKeyCredential(account, key)
	if err != nil {
		return nil, errors.WithMessage(err, "building shared key credential")
	}

	var s = &storeBase{
		args:           args,
		storageAccount: account,
		blobDomain:     blobDomain(),
		container:      ep.Host,
		prefix:         ep.Path[1:],
		pipeline:       azblob.NewPipeline(pipelineCred, azblob.PipelineOptions{}),
		sign: func(v sas.BlobSignatureValues) (sas.QueryParameters, error) {
			return v.SignWithSharedKey(signingCred)
		},
	}
	log.WithFields(log.Fields{
		"account":   s.storageAccount,
		"domain":    s.blobDomain,
		"container": s.container,
		"prefix":    s.prefix,
	}).Info("opened Azure shared key store")

	return s, nil
}
