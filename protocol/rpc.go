package protocol

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the gRPC content-subtype under which Replication API
// messages are encoded.
const CodecName = "pagestream"

// Marshaler is implemented by messages of the Replication API.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler is implemented by messages of the Replication API.
type Unmarshaler interface {
	Unmarshal([]byte) error
}

type grpcCodec struct{}

func (grpcCodec) Marshal(v interface{}) ([]byte, error) {
	if m, ok := v.(Marshaler); ok {
		return m.Marshal()
	}
	return nil, fmt.Errorf("%T is not a pagestream message", v)
}

func (grpcCodec) Unmarshal(data []byte, v interface{}) error {
	if m, ok := v.(Unmarshaler); ok {
		return m.Unmarshal(data)
	}
	return fmt.Errorf("%T is not a pagestream message", v)
}

func (grpcCodec) Name() string { return CodecName }

func init() { encoding.RegisterCodec(grpcCodec{}) }

// ReplicationClient is the client API for the Replication service.
type ReplicationClient interface {
	// Stream opens a bidirectional stream over which a replica sends a
	// Hello and acknowledgements, and a primary sends frames of its log.
	Stream(ctx context.Context, opts ...grpc.CallOption) (Replication_StreamClient, error)
}

type replicationClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicationClient returns a ReplicationClient over the ClientConn.
func NewReplicationClient(cc grpc.ClientConnInterface) ReplicationClient {
	return &replicationClient{cc}
}

func (c *replicationClient) Stream(ctx context.Context, opts ...grpc.CallOption) (Replication_StreamClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)

	stream, err := c.cc.NewStream(ctx, &_Replication_serviceDesc.Streams[0], "/pagestream.Replication/Stream", opts...)
	if err != nil {
		return nil, err
	}
	return &replicationStreamClient{stream}, nil
}

// Replication_StreamClient is the client side of a Replication Stream.
type Replication_StreamClient interface {
	Send(*StreamRequest) error
	Recv() (*StreamResponse, error)
	grpc.ClientStream
}

type replicationStreamClient struct {
	grpc.ClientStream
}

func (x *replicationStreamClient) Send(m *StreamRequest) error {
	return x.ClientStream.SendMsg(m)
}

func (x *replicationStreamClient) Recv() (*StreamResponse, error) {
	m := new(StreamResponse)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ReplicationServer is the server API for the Replication service.
type ReplicationServer interface {
	Stream(Replication_StreamServer) error
}

// RegisterReplicationServer registers the ReplicationServer with the gRPC server.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&_Replication_serviceDesc, srv)
}

func _Replication_Stream_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(ReplicationServer).Stream(&replicationStreamServer{stream})
}

// Replication_StreamServer is the server side of a Replication Stream.
type Replication_StreamServer interface {
	Send(*StreamResponse) error
	Recv() (*StreamRequest, error)
	grpc.ServerStream
}

type replicationStreamServer struct {
	grpc.ServerStream
}

func (x *replicationStreamServer) Send(m *StreamResponse) error {
	return x.ServerStream.SendMsg(m)
}

func (x *replicationStreamServer) Recv() (*StreamRequest, error) {
	m := new(StreamRequest)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

var _Replication_serviceDesc = grpc.ServiceDesc{
	ServiceName: "pagestream.Replication",
	HandlerType: (*ReplicationServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Stream",
			Handler:       _Replication_Stream_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "protocol/replication.proto",
}
