package protocol

import (
	"net/url"
)

// Endpoint is the URL at which a pagestream server is reached. Its scheme
// selects the transport:
//
//   - http://host:port/ dials TCP.
//   - unix://host/path/to/socket dials a unix domain socket at the path.
type Endpoint string

// Validate returns an error if the Endpoint isn't an absolute URL with a host.
func (ep Endpoint) Validate() error {
	var _, err = parseEndpoint(ep)
	return err
}

// URL parses the Endpoint, which must Validate.
func (ep Endpoint) URL() *url.URL {
	var u, err = parseEndpoint(ep)
	if err != nil {
		panic(err.Error())
	}
	return u
}

// GRPCAddr is the dial target of the Endpoint in gRPC's naming syntax.
func (ep Endpoint) GRPCAddr() string {
	var u = ep.URL()
	if u.Scheme == "unix" {
		return "unix://" + u.Path
	}
	return u.Host
}

func parseEndpoint(ep Endpoint) (*url.URL, error) {
	var u, err = url.Parse(string(ep))
	switch {
	case err != nil:
		return nil, &ValidationError{Err: err}
	case !u.IsAbs():
		return nil, NewValidationError("not absolute: %s", ep)
	case u.Host == "":
		return nil, NewValidationError("missing host: %s", ep)
	}
	return u, nil
}
