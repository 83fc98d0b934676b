package replica

import (
	"time"

	grpc_prometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	lru "github.com/hashicorp/golang-lru"
	"go.pagestream.dev/core/keepalive"
	pb "go.pagestream.dev/core/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpcKeepalive "google.golang.org/grpc/keepalive"
)

// Dialer builds and caches gRPC ClientConns of primary Endpoints.
// Connections evicted from the cache are closed. A Dialer may be shared
// by the Clients of many databases.
type Dialer struct {
	cache *lru.Cache
	opts  []grpc.DialOption
}

// NewDialer returns a Dialer caching up to |size| connections, which
// dials using the additional |opts|.
func NewDialer(size int, opts ...grpc.DialOption) *Dialer {
	var cache, err = lru.NewWithEvict(size, func(_, value interface{}) {
		_ = value.(*grpc.ClientConn).Close()
	})
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &Dialer{
		cache: cache,
		opts: append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithKeepaliveParams(grpcKeepalive.ClientParameters{
				Time:    30 * time.Second,
				Timeout: 10 * time.Second,
			}),
			grpc.WithStreamInterceptor(grpc_prometheus.StreamClientInterceptor),
		}, opts...),
	}
}

// Dial returns a cached ClientConn of the Endpoint, or builds one.
// Connections are established lazily, and Dial doesn't block.
func (d *Dialer) Dial(ep pb.Endpoint) (*grpc.ClientConn, error) {
	if v, ok := d.cache.Get(ep); ok {
		return v.(*grpc.ClientConn), nil
	} else if err := ep.Validate(); err != nil {
		return nil, err
	}

	var opts = d.opts
	if ep.URL().Scheme != "unix" {
		opts = append(opts[:len(opts):len(opts)], grpc.WithContextDialer(keepalive.DialerFunc))
	}
	var cc, err = grpc.NewClient(ep.GRPCAddr(), opts...)
	if err != nil {
		return nil, err
	}

	// Another Dial may have raced us. If so, use its connection.
	if ok, _ := d.cache.ContainsOrAdd(ep, cc); ok {
		_ = cc.Close()
		return d.Dial(ep)
	}
	return cc, nil
}

// Close every cached connection.
func (d *Dialer) Close() { d.cache.Purge() }
