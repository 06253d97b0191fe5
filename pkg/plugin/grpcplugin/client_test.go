package grpcplugin

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"ExtensionHub/pkg/plugin"
)

type recordedCall struct {
	method string
	body   map[string]any
}

type fakeServer struct {
	mu    sync.Mutex
	calls []recordedCall
	fail  map[string]bool
}

func (f *fakeServer) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{method: method, body: in.AsMap()})
	fail := f.fail[method]
	f.mu.Unlock()
	if fail {
		return status.Error(codes.Internal, "boom")
	}
	return stream.SendMsg(&emptypb.Empty{})
}

func (f *fakeServer) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func startServer(t *testing.T, fake *fakeServer) (*health.Server, Option) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(fake.handle))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }
	return hs, WithDialOptions(grpc.WithContextDialer(dialer))
}

func TestClientLifecycleAndEvents(t *testing.T) {
	fake := &fakeServer{}
	_, dial := startServer(t, fake)

	desc := plugin.Descriptor{Name: "remote-sync", Version: "1.0.0", Type: plugin.TypeExternal, Runtime: plugin.RuntimeGRPC, SubscribedEvents: []string{"note.created"}}
	loader := NewLoader(dial, WithCallTimeout(2*time.Second))
	p, err := loader.Load(context.Background(), plugin.ArtifactRef{Name: "remote-sync", Runtime: plugin.RuntimeGRPC, Location: "passthrough:///bufnet", Descriptor: desc})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Info().Name != "remote-sync" || len(p.SubscribedEvents()) != 1 {
		t.Fatalf("unexpected descriptor: %+v", p.Info())
	}

	execCtx := &plugin.ExecutionContext{C: context.Background(), Config: map[string]any{"interval": 5}}
	if err := p.Initialize(execCtx); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := p.Start(execCtx); err != nil {
		t.Fatalf("start: %v", err)
	}
	handler, ok := p.(plugin.EventHandler)
	if !ok {
		t.Fatalf("grpc client should handle events")
	}
	evt := plugin.Event{ID: "e1", Type: "note.created", Source: "host", Payload: map[string]any{"id": "n1"}, Timestamp: time.Now()}
	if err := handler.HandleEvent(context.Background(), evt); err != nil {
		t.Fatalf("handle event: %v", err)
	}
	if err := p.Stop(execCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	calls := fake.recorded()
	want := []string{MethodInitialize, MethodStart, MethodHandleEvent, MethodStop}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %+v", len(want), calls)
	}
	for i, name := range want {
		if calls[i].method != FullMethod(name) {
			t.Fatalf("call %d: got %s want %s", i, calls[i].method, FullMethod(name))
		}
	}
	cfg, _ := calls[0].body["config"].(map[string]any)
	if cfg["interval"] != float64(5) {
		t.Fatalf("config not forwarded: %+v", calls[0].body)
	}
	if calls[2].body["type"] != "note.created" {
		t.Fatalf("event not forwarded: %+v", calls[2].body)
	}
}

func TestClientHealthCheck(t *testing.T) {
	fake := &fakeServer{}
	hs, dial := startServer(t, fake)
	c := New(plugin.Descriptor{Name: "remote"}, "passthrough:///bufnet", dial)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	if got := c.HealthCheck(ctx); got.State != plugin.Healthy {
		t.Fatalf("expected healthy, got %+v", got)
	}
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	if got := c.HealthCheck(ctx); got.State != plugin.Unhealthy {
		t.Fatalf("expected unhealthy, got %+v", got)
	}
}

func TestClientSurfacesRemoteErrors(t *testing.T) {
	fake := &fakeServer{fail: map[string]bool{FullMethod(MethodStart): true}}
	_, dial := startServer(t, fake)
	c := New(plugin.Descriptor{Name: "remote"}, "passthrough:///bufnet", dial)
	if err := c.Start(&plugin.ExecutionContext{C: context.Background()}); err == nil {
		t.Fatalf("expected start error from remote")
	}
}
