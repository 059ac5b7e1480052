package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/election"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/mesh"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/nodefsm"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/outbound"
	"github.com/thewriterben/WildCAM-ESP32-sub000/internal/rtp"
)

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewAPICollector(reg)
	if err != nil {
		t.Fatalf("NewAPICollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/wildcam.mesh.v1.MeshDiagnostics/GetTopology"}

	_, err = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		time.Sleep(time.Millisecond)
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("MeshDiagnostics", "GetTopology", "OK")); got != 1 {
		t.Fatalf("mesh_api_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "mesh_api_request_duration_seconds", map[string]string{
		"service": "MeshDiagnostics",
		"method":  "GetTopology",
	}); count != 1 {
		t.Fatalf("mesh_api_request_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewAPICollector(reg)
	if err != nil {
		t.Fatalf("NewAPICollector: %v", err)
	}

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/wildcam.mesh.v1.MeshDiagnostics/SubmitPayload"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.FailedPrecondition, "no coordinator")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("MeshDiagnostics", "SubmitPayload", "FailedPrecondition")); got != 1 {
		t.Fatalf("mesh_api_requests_total error label = %v, want 1", got)
	}
}

func TestSplitMethod(t *testing.T) {
	cases := []struct {
		in            string
		service, meth string
	}{
		{"/wildcam.mesh.v1.MeshDiagnostics/GetHealth", "MeshDiagnostics", "GetHealth"},
		{"Svc/Method", "Svc", "Method"},
		{"", "unknown", "unknown"},
		{"/onlyone", "unknown", "unknown"},
	}
	for _, tc := range cases {
		s, m := SplitMethod(tc.in)
		if s != tc.service || m != tc.meth {
			t.Fatalf("SplitMethod(%q) = %q, %q; want %q, %q", tc.in, s, m, tc.service, tc.meth)
		}
	}
}

func TestMeshCollectorRecordsDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}

	s := mesh.Stats{
		Node:           5,
		Coordinator:    5,
		State:          nodefsm.StateActive,
		Peers:          3,
		ActivePeers:    2,
		Health:         0.75,
		FramesReceived: 10,
		Outbound:       outbound.Stats{Sent: 4, Pending: [3]int{1, 0, 2}},
		Roles:          election.AssignerStats{Issued: 1},
		Sender:         rtp.SenderStats{Completed: 1, ChunksSent: 5},
	}
	collector.RecordTick(s)
	s.FramesReceived = 15
	s.Roles.Acked = 1
	collector.RecordTick(s)
	collector.RecordTick(s)

	if got := testutil.ToFloat64(collector.FramesReceived.WithLabelValues("node-5")); got != 15 {
		t.Fatalf("mesh_frames_received_total = %v, want 15", got)
	}
	if got := testutil.ToFloat64(collector.RoleAssignments.WithLabelValues("node-5", "acked")); got != 1 {
		t.Fatalf("acked = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.IsCoordinator.WithLabelValues("node-5")); got != 1 {
		t.Fatalf("mesh_is_coordinator = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.NodeState.WithLabelValues("node-5", "ACTIVE")); got != 1 {
		t.Fatalf("ACTIVE state gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.NodeState.WithLabelValues("node-5", "STANDALONE")); got != 0 {
		t.Fatalf("STANDALONE state gauge = %v, want 0", got)
	}
	if got := testutil.ToFloat64(collector.OutboundPending.WithLabelValues("node-5", outbound.ClassLow.String())); got != 2 {
		t.Fatalf("low class pending = %v, want 2", got)
	}
}

func TestCollectorsShareRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("first NewMeshCollector: %v", err)
	}
	second, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("second NewMeshCollector: %v", err)
	}
	if first.Peers != second.Peers {
		t.Fatalf("expected the already registered gauge to be reused")
	}
}

func TestMetricsHandlerExposesMeshMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewMeshCollector(reg)
	if err != nil {
		t.Fatalf("NewMeshCollector: %v", err)
	}
	collector.RecordTick(mesh.Stats{Node: 12, Coordinator: 5, Peers: 1, ActivePeers: 1, Health: 0.5})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"mesh_peers",
		"mesh_network_health",
		"mesh_node_state",
		"mesh_outbound_pending",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
	if !strings.Contains(body, `node="node-12"`) {
		t.Fatalf("/metrics output missing node label: %s", body)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}

func TestScenarioCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewScenarioCollector(reg)
	if err != nil {
		t.Fatalf("NewScenarioCollector: %v", err)
	}

	collector.ObserveEvent("battery")
	collector.ObserveEvent("battery")
	collector.ObserveEvent("silence")
	collector.ObserveStep(90*time.Second, 2*time.Millisecond)
	collector.SetNodes(5)

	if got := testutil.ToFloat64(collector.Events.WithLabelValues("battery")); got != 2 {
		t.Fatalf("battery events = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.SimSeconds); got != 90 {
		t.Fatalf("sim seconds = %v, want 90", got)
	}
	if got := testutil.ToFloat64(collector.Nodes); got != 5 {
		t.Fatalf("nodes = %v, want 5", got)
	}
	if n := testutil.CollectAndCount(collector.StepDuration); n != 1 {
		t.Fatalf("step histogram series = %d, want 1", n)
	}

	var nilCollector *ScenarioCollector
	nilCollector.ObserveEvent("noop")
	nilCollector.ObserveStep(time.Second, time.Millisecond)
}
