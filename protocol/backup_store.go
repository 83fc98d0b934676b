package protocol

import (
	"net/url"
	"strings"
)

// BackupStore defines a remote storage base path for backup objects of a
// database. It is a URL, where the scheme defines the storage backend
// service. As BackupStores "root" remote storage locations, their path
// component must end in a trailing slash.
//
// Currently supported schemes are "gs" for Google Cloud Storage, "s3" for
// Amazon S3, "azure" and "azure-ad" for Azure Cloud Storage, "file" for a
// local file-system / NFS mount, and "memory" for in-process testing. Eg:
//
//   - s3://bucket-name/a/sub-path/?profile=a-shared-credentials-profile
//   - gs://bucket-name/a/sub-path/?
//   - file:///a/local/volume/mount/
//
// BackupStore implementations may support additional configuration which
// can be declared via URL query arguments. The meaning of these query
// arguments and values are specific to the store in question; consult
// the StoreQueryArgs of each package under stores/ for details.
type BackupStore string

// Validate returns an error if the BackupStore is not well-formed.
func (bs BackupStore) Validate() error {
	var _, err = bs.parse()
	return err
}

// URL returns the BackupStore as a URL. The BackupStore must Validate, or URL panics.
func (bs BackupStore) URL() *url.URL {
	if url, err := bs.parse(); err == nil {
		return url
	} else {
		panic(err.Error())
	}
}

func (bs BackupStore) parse() (*url.URL, error) {
	var url, err = url.Parse(string(bs))
	if err != nil {
		return nil, &ValidationError{Err: err}
	} else if !url.IsAbs() {
		return nil, NewValidationError("not absolute (%s)", bs)
	}

	switch url.Scheme {
	case "s3", "gs", "azure", "memory":
		if url.Host == "" {
			return nil, NewValidationError("missing bucket (%s)", bs)
		}
	case "azure-ad":
		var splitPath = strings.Split(strings.TrimPrefix(url.Path, "/"), "/")
		if url.Host == "" {
			return nil, NewValidationError("missing tenant ID (%s)", bs)
		} else if len(splitPath) < 2 || splitPath[0] == "" {
			return nil, NewValidationError("missing storage account (%s)", bs)
		} else if splitPath[1] == "" {
			return nil, NewValidationError("missing storage container (%s)", bs)
		}
	case "file":
		if url.Host != "" {
			return nil, NewValidationError("file scheme cannot have host (%s)", bs)
		}
	default:
		return nil, NewValidationError("invalid scheme (%s)", url.Scheme)
	}

	if path := url.Path; len(path) == 0 || path[len(path)-1] != '/' {
		return nil, NewValidationError("path component doesn't end in '/' (%s)", url.Path)
	}
	return url, nil
}
