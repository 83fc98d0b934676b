// Package discovery resolves the Endpoint of the primary from which a
// replica streams a database. Leadership is decided by an external layer,
// which publishes the primary's Endpoint. Discovery only observes it.
package discovery

import (
	"context"
	"errors"

	pb "go.pagestream.dev/core/protocol"
)

// Resolver resolves the Endpoint of a database's current primary.
type Resolver interface {
	// Primary returns the Endpoint of the current primary. It returns an
	// error wrapping ErrNoPrimary if no primary is presently known.
	Primary(ctx context.Context) (pb.Endpoint, error)
}

// ErrNoPrimary is returned by a Resolver which doesn't presently know of a primary.
var ErrNoPrimary = errors.New("no primary is known")

// Static is a Resolver of a fixed Endpoint.
type Static pb.Endpoint

// Primary returns the Static Endpoint.
func (s Static) Primary(context.Context) (pb.Endpoint, error) {
	if s == "" {
		return "", ErrNoPrimary
	} else if err := pb.Endpoint(s).Validate(); err != nil {
		return "", err
	}
	return pb.Endpoint(s), nil
}
