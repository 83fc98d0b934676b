// Package common holds configuration shared by the store implementations.
package common

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/schema"
)

// RewriterConfig rewrites the object paths of a store by finding and
// replacing a portion of each path. Paths begin with a database ID, so a
// rewrite lets a database be restored from, or shipped alongside, backups
// written under another ID (as when a database is cloned or renamed).
//
//	var cfg = RewriterConfig{
//	    Find:    "orders/",
//	    Replace: "orders-clone/",
//	}
//	// Remaps object path => store path:
//	//  "orders/00000000000000000001"  => "s3://my-bucket/prefix/orders-clone/00000000000000000001" // Matched.
//	//  "billing/00000000000000000001" => "s3://my-bucket/prefix/billing/00000000000000000001"      // Not matched.
type RewriterConfig struct {
	// Find is the string to replace in the unmodified object path.
	Find string
	// Replace is the string with which Find is replaced.
	Replace string
}

// RewritePath replaces the first occurrence of Find with Replace in object
// path |p|, and appends it to the store prefix |s|. If Find is empty or not
// found, |p| is appended unmodified.
func (cfg RewriterConfig) RewritePath(s, p string) string {
	if cfg.Find == "" {
		return s + p
	}
	return s + strings.Replace(p, cfg.Find, cfg.Replace, 1)
}

// ParseStoreArgs decodes the query arguments of a store URL into |args|,
// which is a pointer to a StoreQueryArgs struct. Unknown arguments are an error.
func ParseStoreArgs(ep *url.URL, args interface{}) error {
	var decoder = schema.NewDecoder()
	decoder.IgnoreUnknownKeys(false)

	if q, err := url.ParseQuery(ep.RawQuery); err != nil {
		return err
	} else if err = decoder.Decode(args, q); err != nil {
		return fmt.Errorf("parsing store URL arguments: %s", err)
	}
	return nil
}
