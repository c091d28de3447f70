// Package wire holds the names shared by the Overlay gRPC server and client.
// The service is declared by hand over protobuf well-known types, so no
// generated code is needed:
//
//	service Overlay {
//	  rpc Deliver(google.protobuf.BytesValue) returns (google.protobuf.Empty);
//	}
package wire

const (
	ServiceName   = "overlay.v1.Overlay"
	DeliverMethod = "/overlay.v1.Overlay/Deliver"

	// SenderKey carries the caller's advertised listen address in metadata.
	SenderKey = "x-overlay-sender"

	// MaxMessageSize bounds a delivered message in both directions.
	MaxMessageSize = 4 << 20
)
