// Package s3 stores backups in Amazon S3, or any service which speaks its API.
package s3

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	pb "go.pagestream.dev/core/protocol"
	"go.pagestream.dev/core/stores"
	"go.pagestream.dev/core/stores/common"
)

// StoreQueryArgs are query arguments of an s3://bucket/prefix/ URL.
type StoreQueryArgs struct {
	common.RewriterConfig
	// Profile of the shared AWS credentials file to use. Default credentials
	// are used if empty.
	Profile string
	// Region of the bucket, overriding that of the Profile.
	Region string
	// Endpoint of an S3-compatible service, such as MinIO. Requests use
	// path-style addressing when set.
	Endpoint string
	// ACL, StorageClass, SSE and SSEKMSKeyId are applied to written objects.
	ACL          string
	StorageClass string
	SSE          string
	SSEKMSKeyId  string
}

// decorate applies the object options of StoreQueryArgs to |in|.
func (a *StoreQueryArgs) decorate(in *s3.PutObjectInput) {
	var set = func(dst **string, v string) {
		if v != "" {
			*dst = aws.String(v)
		}
	}
	set(&in.ACL, a.ACL)
	set(&in.StorageClass, a.StorageClass)
	set(&in.ServerSideEncryption, a.SSE)
	set(&in.SSEKMSKeyId, a.SSEKMSKeyId)
}

type store struct {
	bucket string
	prefix string
	args   StoreQueryArgs
	client *s3.S3
}

// New builds a Store of an s3:// URL.
func New(ep *url.URL) (stores.Store, error) {
	var args StoreQueryArgs
	if err := common.ParseStoreArgs(ep, &args); err != nil {
		return nil, err
	}
	var sess, cfg, err = newSession(args)
	if err != nil {
		return nil, err
	}
	return &store{
		bucket: ep.Host,
		prefix: ep.Path[1:], // BackupStore guarantees a leading and trailing '/'.
		args:   args,
		client: s3.New(sess, cfg),
	}, nil
}

func newSession(args StoreQueryArgs) (*session.Session, *aws.Config, error) {
	var cfg = aws.NewConfig().WithCredentialsChainVerboseErrors(true)

	if args.Region != "" {
		cfg = cfg.WithRegion(args.Region)
	}
	if args.Endpoint != "" {
		cfg = cfg.WithEndpoint(args.Endpoint).WithS3ForcePathStyle(true)
	} else {
		// Backup objects carry their own Content-Encoding, which the
		// transport must not transparently decode.
		cfg = cfg.WithHTTPClient(&http.Client{
			Transport: &http.Transport{DisableCompression: true},
		})
	}

	var sess, err = session.NewSessionWithOptions(session.Options{Profile: args.Profile})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "building AWS session")
	}
	creds, err := sess.Config.Credentials.Get()
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "resolving AWS credentials of profile %q", args.Profile)
	}

	var region = aws.StringValue(sess.Config.Region)
	if args.Region != "" {
		region = args.Region
	}
	if region == "" {
		return nil, nil, errors.Errorf("no AWS region is configured for profile %q", args.Profile)
	}

	log.WithFields(log.Fields{
		"profile":  args.Profile,
		"region":   region,
		"endpoint": args.Endpoint,
		"keyID":    creds.AccessKeyID,
		"provider": creds.ProviderName,
	}).Info("opened AWS session")

	return sess, cfg, nil
}

func (s *store) Provider() string { return "s3" }

func (s *store) SignGet(path string, d time.Duration) (string, error) {
	var req, _ = s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if stores.DisableSignedUrls {
		return req.HTTPRequest.URL.String(), nil
	}
	return req.Presign(d)
}

func (s *store) Exists(ctx context.Context, path string) (bool, error) {
	var _, err = s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (s *store) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	var out, err = s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	if isNotFound(err) {
		return nil, fmt.Errorf("%w: %s", pb.ErrNotFound, err)
	} else if err != nil {
		return nil, err
	}
	return out.Body, nil
}

func (s *store) Put(ctx context.Context, path string, content io.ReaderAt, contentLength int64, contentEncoding string) error {
	var in = &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
		Body:   io.NewSectionReader(content, 0, contentLength),
	}
	if contentEncoding != "" {
		in.ContentEncoding = aws.String(contentEncoding)
	}
	s.args.decorate(in)

	var _, err = s.client.PutObjectWithContext(ctx, in)
	return err
}

func (s *store) List(ctx context.Context, prefix string, callback func(path string, modTime time.Time) error) error {
	var full = s.key(prefix)

	var cbErr error
	var err = s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(full),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			var key = aws.StringValue(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue // Directory placeholder.
			}
			if cbErr = callback(strings.TrimPrefix(key, full), aws.TimeValue(obj.LastModified)); cbErr != nil {
				return false
			}
		}
		return true
	})
	if cbErr != nil {
		return cbErr
	}
	return err
}

func (s *store) Remove(ctx context.Context, path string) error {
	var _, err = s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(path)),
	})
	return err
}

// IsAuthError is true of authorization failures (as opposed to
// authentication failures, which a credential refresh may resolve).
func (s *store) IsAuthError(err error) bool {
	if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() == http.StatusForbidden {
		return true
	}
	var ae, ok = err.(awserr.Error)
	return ok && (ae.Code() == s3.ErrCodeNoSuchBucket || ae.Code() == s3ErrCodeAccessDenied)
}

func (s *store) key(path string) string { return s.args.RewritePath(s.prefix, path) }

func isNotFound(err error) bool {
	if rf, ok := err.(awserr.RequestFailure); ok && rf.StatusCode() == http.StatusNotFound {
		return true
	}
	var ae, ok = err.(awserr.Error)
	return ok && ae.Code() == s3.ErrCodeNoSuchKey
}

// Not among the SDK's constants.
const s3ErrCodeAccessDenied = "AccessDenied"
