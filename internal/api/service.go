// Package api exposes a gateway node's mesh state over gRPC. The service is
// declared by hand on top of the protobuf well-known types, so no generated
// code is needed on either side.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/logging"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/model"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "wildcam.mesh.v1.MeshDiagnostics"

// Mesh is the part of *mesh.Node the service reads and drives.
type Mesh interface {
	ID() model.NodeID
	Topology() model.Topology
	Stats() mesh.Stats
	SubmitForTransmission(payload []byte) (uint32, error)
	TransmissionStatus(id uint32) (model.TransmissionStatus, bool)
	Cancel(id uint32) error
}

// DiagnosticsServer is the server API for the MeshDiagnostics service.
type DiagnosticsServer interface {
	GetTopology(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetHealth(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	SubmitPayload(context.Context, *wrapperspb.BytesValue) (*wrapperspb.UInt32Value, error)
	GetTransmission(context.Context, *wrapperspb.UInt32Value) (*structpb.Struct, error)
	CancelTransmission(context.Context, *wrapperspb.UInt32Value) (*emptypb.Empty, error)
}

// ServiceDesc describes MeshDiagnostics for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiagnosticsServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("GetTopology", func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s DiagnosticsServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.GetTopology(ctx, in)
			}),
		unaryMethod("GetHealth", func() *emptypb.Empty { return new(emptypb.Empty) },
			func(s DiagnosticsServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
				return s.GetHealth(ctx, in)
			}),
		unaryMethod("SubmitPayload", func() *wrapperspb.BytesValue { return new(wrapperspb.BytesValue) },
			func(s DiagnosticsServer, ctx context.Context, in *wrapperspb.BytesValue) (proto.Message, error) {
				return s.SubmitPayload(ctx, in)
			}),
		unaryMethod("GetTransmission", func() *wrapperspb.UInt32Value { return new(wrapperspb.UInt32Value) },
			func(s DiagnosticsServer, ctx context.Context, in *wrapperspb.UInt32Value) (proto.Message, error) {
				return s.GetTransmission(ctx, in)
			}),
		unaryMethod("CancelTransmission", func() *wrapperspb.UInt32Value { return new(wrapperspb.UInt32Value) },
			func(s DiagnosticsServer, ctx context.Context, in *wrapperspb.UInt32Value) (proto.Message, error) {
				return s.CancelTransmission(ctx, in)
			}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "wildcam/mesh/v1/diagnostics.proto",
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

func unaryMethod[Req proto.Message](
	name string,
	newReq func() Req,
	call func(DiagnosticsServer, context.Context, Req) (proto.Message, error),
) grpc.MethodDesc {
	full := fullMethod(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(DiagnosticsServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(s, ctx, req.(Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// RegisterDiagnosticsServer registers srv on s.
func RegisterDiagnosticsServer(s grpc.ServiceRegistrar, srv DiagnosticsServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Service implements DiagnosticsServer over a mesh node.
type Service struct {
	mesh Mesh
	log  logging.Logger
}

var (
	_ DiagnosticsServer = (*Service)(nil)
	_ Mesh              = (*mesh.Node)(nil)
)

// NewService binds a Service to m.
func NewService(m Mesh, log logging.Logger) *Service {
	if log == nil {
		log = logging.Noop()
	}
	return &Service{mesh: m, log: log}
}

func (s *Service) ensureReady() error {
	if s == nil || s.mesh == nil {
		return ToStatusError(ErrUnavailable)
	}
	return nil
}

// GetTopology returns the node's local view of the mesh.
func (s *Service) GetTopology(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	_, span := StartChildSpan(ctx, "Mesh/Topology", attribute.String("node", s.mesh.ID().String()))
	defer span.End()

	topo := s.mesh.Topology()
	out, err := topologyStruct(topo)
	if err != nil {
		span.RecordError(err)
		return nil, ToStatusError(err)
	}
	span.SetAttributes(attribute.Int("peers", len(topo.Nodes)))
	return out, nil
}

// GetHealth returns the node's coordination state and counters.
func (s *Service) GetHealth(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	out, err := healthStruct(s.mesh.Stats())
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// SubmitPayload queues a payload for reliable delivery to the coordinator.
func (s *Service) SubmitPayload(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.UInt32Value, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	_, span := StartChildSpan(ctx, "Mesh/Submit", attribute.Int("size", len(in.GetValue())))
	defer span.End()

	id, err := s.mesh.SubmitForTransmission(in.GetValue())
	if err != nil {
		span.RecordError(err)
		logging.FromContext(ctx, s.log).Warn(ctx, "payload submission rejected",
			logging.Int("size", len(in.GetValue())),
			logging.Err(err),
		)
		return nil, ToStatusError(err)
	}
	logging.FromContext(ctx, s.log).Info(ctx, "payload submitted",
		logging.Uint32("transmission", id),
		logging.Int("size", len(in.GetValue())),
	)
	return wrapperspb.UInt32(id), nil
}

// GetTransmission returns the status of a pending or retained transmission.
func (s *Service) GetTransmission(ctx context.Context, in *wrapperspb.UInt32Value) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	st, ok := s.mesh.TransmissionStatus(in.GetValue())
	if !ok {
		return nil, ToStatusError(fmt.Errorf("transmission %d: %w", in.GetValue(), ErrNotFound))
	}
	out, err := transmissionStruct(st)
	if err != nil {
		return nil, ToStatusError(err)
	}
	return out, nil
}

// CancelTransmission aborts a queued or in-progress transmission.
func (s *Service) CancelTransmission(ctx context.Context, in *wrapperspb.UInt32Value) (*emptypb.Empty, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if err := s.mesh.Cancel(in.GetValue()); err != nil {
		return nil, ToStatusError(err)
	}
	logging.FromContext(ctx, s.log).Info(ctx, "transmission cancelled", logging.Uint32("transmission", in.GetValue()))
	return &emptypb.Empty{}, nil
}

func topologyStruct(t model.Topology) (*structpb.Struct, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode topology: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode topology: %w", err)
	}
	return out, nil
}

func healthStruct(st mesh.Stats) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"node":                    uint32(st.Node),
		"state":                   st.State.String(),
		"discovery":               st.Discovery.String(),
		"role":                    st.Role.String(),
		"coordinator":             uint32(st.Coordinator),
		"peers":                   st.Peers,
		"active_peers":            st.ActivePeers,
		"health":                  st.Health,
		"stable":                  st.Stable,
		"topology_version":        st.TopologyVersion,
		"frames_received":         st.FramesReceived,
		"frames_malformed":        st.FramesMalformed,
		"outbound_pending":        st.Outbound.PendingTotal(),
		"failure_streak":          st.Outbound.FailureStreak,
		"transmissions_active":    st.Sender.Active,
		"transmissions_completed": st.Sender.Completed,
		"transmissions_failed":    st.Sender.Failed,
		"payloads_delivered":      st.Receiver.Delivered,
	})
}

func transmissionStruct(st model.TransmissionStatus) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"id":           st.ID,
		"destination":  uint32(st.Destination),
		"state":        st.State.String(),
		"size":         st.Size,
		"total_chunks": st.TotalChunks,
		"chunks_acked": st.ChunksAcked,
		"retries":      st.Retries,
		"progress":     st.Progress(),
		"started_at":   st.StartedAt.UTC().Format(time.RFC3339Nano),
	}
	if st.FailedChunk >= 0 {
		fields["failed_chunk"] = st.FailedChunk
	}
	if st.Err != nil {
		fields["error"] = st.Err.Error()
	}
	return structpb.NewStruct(fields)
}
