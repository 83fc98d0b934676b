package s3

import (
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/stretchr/testify/require"
)

func TestIsAuthError(t *testing.T) {
	var s = &store{}

	var cases = []struct {
		name   string
		err    error
		expect bool
	}{
		{"no such bucket", awserr.New(s3.ErrCodeNoSuchBucket, "The specified bucket does not exist", nil), true},
		{"access denied", awserr.New(s3ErrCodeAccessDenied, "Access Denied", nil), true},
		{"403 request failure", awserr.NewRequestFailure(awserr.New("Forbidden", "Forbidden", nil), http.StatusForbidden, "req"), true},
		{"bad key ID is AuthN", awserr.New("InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist", nil), false},
		{"transient", errors.New("connection timeout"), false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, s.IsAuthError(tc.err))
		})
	}
}

func TestIsNotFound(t *testing.T) {
	require.True(t, isNotFound(awserr.NewRequestFailure(awserr.New("NotFound", "", nil), http.StatusNotFound, "req")))
	require.True(t, isNotFound(awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)))
	require.False(t, isNotFound(awserr.New(s3.ErrCodeNoSuchBucket, "no such bucket", nil)))
	require.False(t, isNotFound(errors.New("other")))
}

func TestKeyRewriting(t *testing.T) {
	var s = &store{prefix: "a/prefix/"}
	require.Equal(t, "a/prefix/db/00000000000000000001", s.key("db/00000000000000000001"))

	s.args.Find, s.args.Replace = "db/", "clone/"
	require.Equal(t, "a/prefix/clone/snapshot/00000000000000000009", s.key("db/snapshot/00000000000000000009"))
}
