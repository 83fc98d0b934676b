// Package keepalive configures TCP keep-alive of dialed and accepted
// connections, so that connections to partitioned or crashed peers are
// eventually detected and torn down.
package keepalive

import (
	"context"
	"net"
	"time"
)

// Dialer is copied from the invocation in http.DefaultTransport.
var Dialer = &net.Dialer{
	Timeout:   30 * time.Second,
	KeepAlive: 30 * time.Second,
}

// DialerFunc dials TCP |addr| with |ctx|. It's designed to be used
// as a grpc.DialOption, eg:
//
//	grpc.WithContextDialer(keepalive.DialerFunc)
func DialerFunc(ctx context.Context, addr string) (net.Conn, error) {
	return Dialer.DialContext(ctx, "tcp", addr)
}

// TCPListener sets TCP keep-alive timeouts on accepted connections,
// as does net/http's ListenAndServe.
type TCPListener struct {
	*net.TCPListener
}

// Accept a connection and enable its TCP keep-alive.
func (ln TCPListener) Accept() (net.Conn, error) {
	var tc, err = ln.AcceptTCP()
	if err != nil {
		return nil, err
	}
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(3 * time.Minute)
	return tc, nil
}
