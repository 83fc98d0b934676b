// Package gcs stores backups in Google Cloud Storage.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	pkgerrors "github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/stores"
	"go.pagestream.dev/core/stores/common"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// StoreQueryArgs are query arguments of a gs://bucket/prefix/ URL.
type StoreQueryArgs struct {
	common.RewriterConfig
}

type store struct {
	bucket string
	prefix string
	args   StoreQueryArgs
	client *storage.Client
	// Signing identity of a service account key. Left empty for ambient
	// credentials, in which case the library signs through the IAM API.
	signing storage.SignedURLOptions
}

// New builds a Store of a gs:// URL using Application Default Credentials.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := common.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var client, signing, err = newClient(context.Background())
	if err != nil {
		return nil, pkgerrors.WithMessage(err, "building GCS client")
	}
	return &store{
		bucket:  ep.Host,
		prefix:  ep.Path[1:],
		args:    args,
		client:  client,
		signing: signing,
	}, nil
}

func newClient(ctx context.Context) (*storage.Client, storage.SignedURLOptions, error) {
	var none storage.SignedURLOptions

	var creds, err = google.FindDefaultCredentials(ctx, storage.ScopeFullControl)
	if err != nil {
		return nil, none, err
	}
	// Service account keys sign URLs locally. Other credential types,
	// such as GCE metadata or workload identity federation
	// ("external_account"), rely on iam.serviceAccounts.signBlob.
	if creds.JSON == nil || credentialsType(creds.JSON) == "external_account" {
		client, err := storage.NewClient(ctx, option.WithTokenSource(creds.TokenSource))
		log.WithField("project", creds.ProjectID).Info("opened GCS client with ambient credentials")
		return client, none, err
	}

	jwt, err := google.JWTConfigFromJSON(creds.JSON, storage.ScopeFullControl)
	if err != nil {
		return nil, none, err
	}
	client, err := storage.NewClient(ctx, option.WithTokenSource(jwt.TokenSource(ctx)))
	if err != nil {
		return nil, none, err
	}
	log.WithFields(log.Fields{
		"project": creds.ProjectID,
		"account": jwt.Email,
		"keyID":   jwt.PrivateKeyID,
	}).Info("opened GCS client with service account key")

	return client, storage.SignedURLOptions{GoogleAccessID: jwt.Email, PrivateKey: jwt.PrivateKey}, nil
}

func credentialsType(doc []byte) string {
	var f struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(doc, &f)
	return f.Type
}

func (s *store) Provider() string { return "gcs" }

func (s *store) SignGet(path string, d time.Duration) (string, error) {
	if stores.DisableSignedUrls {
		return (&url.URL{
			Scheme: "https",
			Host:   "storage.googleapis.com",
			Path:   "/" + s.bucket + "/" + s.key(path),
		}).String(), nil
	}
	var opts = s.signing
	opts.Method = http.MethodGet
	opts.Expires = time.Now().Add(d)

	return storage.SignedURL(s.bucket, s.key(path), &opts)
}

func (s *store) Exists(ctx context.Context, path string) (bool, error) {
	var _, err = s.object(path).Attrs(ctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, storage.ErrObjectNotExist):
		return false, nil
	default:
		return false, err
	}
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var r, err = s.object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", pb.ErrNotFound, err)
	} else if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	// An upload which fails before Close is abandoned by cancelling its context.
	var uploadCtx, cancel = context.WithCancel(ctx)
	defer cancel()

	var w = s.object(path).NewWriter(uploadCtx)
	w.ContentEncoding = contentEncoding

	if _, err := io.Copy(w, io.NewSectionReader(content, 0, contentLength)); err != nil {
		return err
	}
	return w.Close()
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var full = s.key(prefix)
	var it = s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: full})

	for {
		var attrs, err = it.Next()
		if err == iterator.Done {
			return nil
		} else if err != nil {
			return err
		}
		if strings.HasSuffix(attrs.Name, "/") {
			continue // Directory placeholder.
		}
		if err = callback(strings.TrimPrefix(attrs.Name, full), attrs.Updated); err != nil {
			return err
		}
	}
}

func (s *store) Remove(ctx context.Context, path string) error {
	return s.object(path).Delete(ctx)
}

// IsAuthError is true of permission failures and missing buckets.
func (s *store) IsAuthError(err error) bool {
	if err == nil {
		return false
	} else if errors.Is(err, storage.ErrBucketNotExist) {
		return true
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	// A 404 of the bucket (rather than of an object) means it's inaccessible.
	return gerr.Code == http.StatusForbidden ||
		(gerr.Code == http.StatusNotFound && strings.Contains(gerr.Message, "bucket"))
}

func (s *store) object(path string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.key(path))
}

func (s *store) key(path string) string { return s.args.RewritePath(s.prefix, path) }
