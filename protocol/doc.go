// Package protocol defines the core pagestream datamodel, validation behaviors,
// wire encodings, and the gRPC Replication API shared by primaries, replicas,
// and the backup subsystem.
//
// The central type is the Frame: a single page mutation tagged with a
// gap-free sequence number and a checksum over its content. Frames are
// encoded with a fixed little-endian layout and length-prefixed with a
// magic word for de-synchronization detection, both on local segment
// files and inside backup objects. Replication envelopes (StreamRequest and
// StreamResponse) use protobuf wire encoding, carried by a gRPC codec
// registered under CodecName.
//
// As in the rest of the repository, types which may be constructed from
// untrusted input implement Validator, and callers are expected to Validate
// before use rather than repeating ad-hoc checks.
//
// By convention, this package is imported as `pb`:
//
// import pb "go.pagestream.dev/core/protocol"
package protocol
