package protocol

import (
	"errors"

	gc "gopkg.in/check.v1"
)

type ValidatorSuite struct{}

func (s *ValidatorSuite) TestContextExtension(c *gc.C) {
	var err = NewValidationError("the %s", "error")
	err = ExtendContext(err, "Inner")
	err = ExtendContext(err, "Outer[%d]", 2)

	c.Check(err, gc.ErrorMatches, `Outer\[2\].Inner: the error`)

	// Non-ValidationErrors are passed through.
	var plain = errors.New("plain")
	c.Check(ExtendContext(plain, "Ctx"), gc.Equals, plain)
}

func (s *ValidatorSuite) TestTokenCases(c *gc.C) {
	var cases = []struct {
		id     DatabaseID
		expect string
	}{
		{"a-valid_db.name", ""},
		{"Ünïcödé-123", ""},
		{"", `invalid length \(0; expected 1 <= .*`},
		{"has/slash", `not a valid token \(has/slash\)`},
		{"has space", `not a valid token \(has space\)`},
	}
	for _, tc := range cases {
		if tc.expect == "" {
			c.Check(tc.id.Validate(), gc.IsNil)
		} else {
			c.Check(tc.id.Validate(), gc.ErrorMatches, tc.expect)
		}
	}
}

func (s *ValidatorSuite) TestEndpointCases(c *gc.C) {
	c.Check(Endpoint("http://host:8080/path").Validate(), gc.IsNil)
	c.Check(Endpoint("unix://host/tmp/sock").Validate(), gc.IsNil)
	c.Check(Endpoint("host:8080").Validate(), gc.ErrorMatches, `.*`)
	c.Check(Endpoint("/relative").Validate(), gc.ErrorMatches, `not absolute: /relative`)
	c.Check(Endpoint("http:///path").Validate(), gc.ErrorMatches, `missing host: http:///path`)

	c.Check(Endpoint("http://host:8080/path").GRPCAddr(), gc.Equals, "host:8080")
	c.Check(Endpoint("unix://host/tmp/sock").GRPCAddr(), gc.Equals, "unix:///tmp/sock")
}

func (s *ValidatorSuite) TestBackupStoreCases(c *gc.C) {
	var cases = []struct {
		bs     BackupStore
		expect string
	}{
		{"s3://my-bucket/a/prefix/?profile=foo", ""},
		{"gs://bucket/", ""},
		{"azure-ad://tenant/account/container/prefix/", ""},
		{"file:///mnt/backups/", ""},
		{"memory://test/", ""},
		{"s3://my-bucket/no/trailing", `path component doesn't end in '/' \(/no/trailing\)`},
		{"s3:///missing-bucket/", `missing bucket \(s3:///missing-bucket/\)`},
		{"file://host/path/", `file scheme cannot have host \(file://host/path/\)`},
		{"azure-ad:///account/container/", `missing tenant ID \(.*\)`},
		{"azure-ad://tenant//container/", `missing storage account \(.*\)`},
		{"ftp://host/path/", `invalid scheme \(ftp\)`},
		{"relative/path/", `not absolute \(relative/path/\)`},
	}
	for _, tc := range cases {
		if tc.expect == "" {
			c.Check(tc.bs.Validate(), gc.IsNil)
		} else {
			c.Check(tc.bs.Validate(), gc.ErrorMatches, tc.expect)
		}
	}
}

func (s *ValidatorSuite) TestCompressionCodecParsing(c *gc.C) {
	var cc, err = ParseCompressionCodec("zstandard")
	c.Check(err, gc.IsNil)
	c.Check(cc, gc.Equals, CompressionCodec_ZSTANDARD)
	c.Check(cc.Validate(), gc.IsNil)

	_, err = ParseCompressionCodec("invalid")
	c.Check(err, gc.ErrorMatches, `unrecognized compression codec: invalid`)
	_, err = ParseCompressionCodec("lz4")
	c.Check(err, gc.ErrorMatches, `unrecognized compression codec: lz4`)

	c.Check(CompressionCodec(0).Validate(), gc.ErrorMatches, `invalid value \(INVALID\)`)
	c.Check(CompressionCodec(99).Validate(), gc.ErrorMatches, `invalid value \(CompressionCodec\(99\)\)`)
}

var _ = gc.Suite(&ValidatorSuite{})
