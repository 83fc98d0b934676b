package azure

import (
	"context"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/service"
	"github.com/Azure/azure-storage-blob-go/azblob"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.pagestream.dev/core/stores"
	"go.pagestream.dev/core/stores/common"
)

// NewAD builds a Store of an azure-ad://tenant/account/container/prefix/
// URL, which authenticates as the Azure AD application identified by
// $AZURE_CLIENT_ID and $AZURE_CLIENT_SECRET.
func NewAD(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := common.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var parts = strings.SplitN(ep.Path[1:], "/", 3)
	if len(parts) < 2 {
		return nil, errors.New("azure-ad:// URLs take the form azure-ad://tenant/account/container/prefix/")
	}
	var tenant, account, container = ep.Host, parts[0], parts[1]
	var prefix string
	if len(parts) == 3 {
		prefix = parts[2]
	}

	var clientID, secret = os.Getenv("AZURE_CLIENT_ID"), os.Getenv("AZURE_CLIENT_SECRET")
	if clientID == "" || secret == "" {
		return nil, errors.New("azure-ad:// stores require AZURE_CLIENT_ID and AZURE_CLIENT_SECRET")
	}
	var cred, err = azidentity.NewClientSecretCredential(tenant, clientID, secret,
		&azidentity.ClientSecretCredentialOptions{DisableInstanceDiscovery: true})
	if err != nil {
		return nil, errors.WithMessage(err, "building AD credential")
	}

	var domain = blobDomain()
	client, err := service.NewClient(azureStorageURL(account, domain), cred, &service.ClientOptions{})
	if err != nil {
		return nil, errors.WithMessage(err, "building service client")
	}
	var keys = &delegationKeys{client: client, tenant: tenant, account: account}

	var s = &storeBase{
		args:           args,
		storageAccount: account,
		blobDomain:     domain,
		container:      container,
		prefix:         prefix,
		pipeline: azblob.NewPipeline(
			azblob.NewTokenCredential("", tokenRefresher(cred, tenant)),
			azblob.PipelineOptions{}),
		sign: func(v sas.BlobSignatureValues) (sas.QueryParameters, error) {
			var udc, err = keys.get()
			if err != nil {
				return sas.QueryParameters{}, err
			}
			return v.SignWithUserDelegation(udc)
		},
	}
	log.WithFields(log.Fields{
		"tenant":    tenant,
		"account":   account,
		"domain":    domain,
		"container": container,
		"prefix":    prefix,
	}).Info("opened Azure AD store")

	return s, nil
}

// tokenRefresher returns a refresh function of the legacy pipeline's token
// credential, which sources tokens from |cred|. It returns the delay until
// the next refresh.
func tokenRefresher(cred *azidentity.ClientSecretCredential, tenant string) func(azblob.TokenCredential) time.Duration {
	return func(tc azblob.TokenCredential) time.Duration {
		var token, err = cred.GetToken(context.Background(), policy.TokenRequestOptions{
			TenantID: tenant,
			Scopes:   []string{"https://storage.azure.com/.default"},
		})
		if err != nil {
			log.WithFields(log.Fields{"tenant": tenant, "err": err}).
				Warn("failed to refresh Azure AD token (will retry)")
			return time.Minute
		}
		tc.SetToken(token.Token)
		return time.Until(token.ExpiresOn) - time.Minute
	}
}

// delegationKeys caches the user delegation credential which signs SAS URLs.
type delegationKeys struct {
	client          *service.Client
	tenant, account string

	mu      sync.Mutex
	expires time.Time
	current *service.UserDelegationCredential
}

const delegationKeyLifetime = 2 * time.Hour

func (k *delegationKeys) get() (*service.UserDelegationCredential, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var now = time.Now()
	// Keys are re-used until half of their lifetime has passed.
	if k.current != nil && now.Add(delegationKeyLifetime/2).Before(k.expires) {
		return k.current, nil
	}
	var expires = now.Add(delegationKeyLifetime)

	var info = service.KeyInfo{
		Start:  to.Ptr(now.UTC().Format(sas.TimeFormat)),
		Expiry: to.Ptr(expires.UTC().Format(sas.TimeFormat)),
	}
	var udc, err = k.client.GetUserDelegationCredential(context.Background(), info, nil)
	if err != nil {
		return nil, errors.WithMessage(err, "fetching user delegation key")
	}
	log.WithFields(log.Fields{
		"tenant":  k.tenant,
		"account": k.account,
		"expires": expires,
	}).Info("refreshed Azure user delegation key")

	k.expires, k.current = expires, udc
	return udc, nil
}
