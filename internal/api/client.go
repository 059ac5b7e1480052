package api

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client calls the MeshDiagnostics service.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetTopology fetches the remote node's topology snapshot.
func (c *Client) GetTopology(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetTopology"), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetHealth fetches the remote node's state and counters.
func (c *Client) GetHealth(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetHealth"), &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// SubmitPayload queues payload on the remote node and returns the
// transmission ID.
func (c *Client) SubmitPayload(ctx context.Context, payload []byte, opts ...grpc.CallOption) (uint32, error) {
	out := new(wrapperspb.UInt32Value)
	if err := c.cc.Invoke(ctx, fullMethod("SubmitPayload"), wrapperspb.Bytes(payload), out, opts...); err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// GetTransmission fetches the status of transmission id.
func (c *Client) GetTransmission(ctx context.Context, id uint32, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod("GetTransmission"), wrapperspb.UInt32(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelTransmission aborts transmission id on the remote node.
func (c *Client) CancelTransmission(ctx context.Context, id uint32, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, fullMethod("CancelTransmission"), wrapperspb.UInt32(id), new(emptypb.Empty), opts...)
}
