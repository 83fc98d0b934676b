package common

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewritePath(t *testing.T) {
	var cfg = RewriterConfig{Find: "orders/", Replace: "orders-clone/"}

	require.Equal(t, "prefix/orders-clone/00000000000000000001",
		cfg.RewritePath("prefix/", "orders/00000000000000000001"))
	require.Equal(t, "prefix/billing/00000000000000000001",
		cfg.RewritePath("prefix/", "billing/00000000000000000001"))
	require.Equal(t, "prefix/orders/x", RewriterConfig{}.RewritePath("prefix/", "orders/x"))
}

func TestParseStoreArgs(t *testing.T) {
	var args struct {
		RewriterConfig
		Profile string
	}
	var ep, _ = url.Parse("s3://bucket/path/?find=a&replace=b&profile=p")
	require.NoError(t, ParseStoreArgs(ep, &args))
	require.Equal(t, "a", args.Find)
	require.Equal(t, "b", args.Replace)
	require.Equal(t, "p", args.Profile)

	ep, _ = url.Parse("s3://bucket/path/?unknown=1")
	require.EqualError(t, ParseStoreArgs(ep, &args),
		"parsing store URL arguments: schema: invalid path \"unknown\"")
}
