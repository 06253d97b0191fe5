// Package grpcplugin adapts plugins served over gRPC to the plugin.Plugin
// contract. Lifecycle calls and event delivery travel as
// google.protobuf.Struct messages on the extensionhub.plugin.v1.Plugin
// service; liveness uses the standard grpc.health.v1 protocol.
package grpcplugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"ExtensionHub/pkg/plugin"
)

// ServiceName is the fully qualified gRPC service plugins implement.
const ServiceName = "extensionhub.plugin.v1.Plugin"

// Method names on ServiceName.
const (
	MethodInitialize  = "Initialize"
	MethodStart       = "Start"
	MethodStop        = "Stop"
	MethodHandleEvent = "HandleEvent"
)

// FullMethod returns the gRPC method path for name.
func FullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// Client is a plugin handle backed by a gRPC connection.
type Client struct {
	plugin.Base

	target   string
	dialOpts []grpc.DialOption
	timeout  time.Duration

	mu     sync.Mutex
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// Option configures a Client.
type Option func(*Client)

// WithDialOptions appends gRPC dial options. Transport credentials default to insecure.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(c *Client) { c.dialOpts = append(c.dialOpts, opts...) }
}

// WithCallTimeout bounds every lifecycle call that carries no deadline.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New creates a client for the plugin described by desc at target.
func New(desc plugin.Descriptor, target string, opts ...Option) *Client {
	c := &Client{
		Base:    plugin.Base{Descriptor: desc.Clone()},
		target:  target,
		timeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewLoader returns a loader that builds Clients from artifact references.
func NewLoader(opts ...Option) plugin.Loader {
	return plugin.LoaderFunc(func(_ context.Context, ref plugin.ArtifactRef) (plugin.Plugin, error) {
		if ref.Location == "" {
			return nil, errors.New("grpc plugin requires an endpoint location")
		}
		desc := ref.Descriptor
		if desc.Name == "" {
			desc.Name = ref.Name
		}
		return New(desc, ref.Location, opts...), nil
	})
}

func (c *Client) connect() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.dialOpts...)
	conn, err := grpc.NewClient(c.target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial plugin %s at %s: %w", c.Descriptor.Name, c.target, err)
	}
	c.conn = conn
	c.health = healthpb.NewHealthClient(conn)
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, method string, payload map[string]any) error {
	conn, err := c.connect()
	if err != nil {
		return err
	}
	req, err := toStruct(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	if err := conn.Invoke(ctx, FullMethod(method), req, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("%s %s: %w", c.Descriptor.Name, method, err)
	}
	return nil
}

// Initialize sends the plugin configuration to the remote side.
func (c *Client) Initialize(ctx *plugin.ExecutionContext) error {
	return c.invoke(ctx.Context(), MethodInitialize, map[string]any{"config": ctx.Config})
}

// Start implements plugin.Plugin.
func (c *Client) Start(ctx *plugin.ExecutionContext) error {
	return c.invoke(ctx.Context(), MethodStart, nil)
}

// Stop asks the remote side to stop and then closes the connection.
func (c *Client) Stop(ctx *plugin.ExecutionContext) error {
	err := c.invoke(ctx.Context(), MethodStop, nil)
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.health = nil
	}
	c.mu.Unlock()
	return err
}

// HealthCheck maps the grpc.health.v1 serving status onto plugin health.
func (c *Client) HealthCheck(ctx context.Context) plugin.Health {
	if _, err := c.connect(); err != nil {
		return plugin.Health{State: plugin.Unhealthy, Message: err.Error()}
	}
	c.mu.Lock()
	client := c.health
	c.mu.Unlock()
	if client == nil {
		return plugin.Health{State: plugin.Unhealthy, Message: "connection closed"}
	}
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return plugin.Health{State: plugin.Unhealthy, Message: err.Error()}
	}
	switch resp.GetStatus() {
	case healthpb.HealthCheckResponse_SERVING:
		return plugin.Health{State: plugin.Healthy}
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return plugin.Health{State: plugin.Unhealthy, Message: "not serving"}
	default:
		return plugin.Health{State: plugin.Degraded, Message: resp.GetStatus().String()}
	}
}

// HandleEvent forwards an event to the remote plugin.
func (c *Client) HandleEvent(ctx context.Context, evt plugin.Event) error {
	return c.invoke(ctx, MethodHandleEvent, map[string]any{
		"id":        evt.ID,
		"type":      evt.Type,
		"source":    evt.Source,
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":   evt.Payload,
	})
}

// toStruct normalises arbitrary values through JSON so structpb accepts them.
func toStruct(payload map[string]any) (*structpb.Struct, error) {
	if len(payload) == 0 {
		return &structpb.Struct{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var normalised map[string]any
	if err := json.Unmarshal(raw, &normalised); err != nil {
		return nil, err
	}
	return structpb.NewStruct(normalised)
}
