package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/psaab/flowcounter/pkg/api"
	"github.com/psaab/flowcounter/pkg/iface"
)

// Client wraps FlowCounterService calls.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn // nil when built with NewClient
}

// Dial connects to a flowcounterd gRPC address.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out proto.Message) error {
	return c.cc.Invoke(ctx, fullMethod(method), in, out)
}

// Status returns daemon status.
func (c *Client) Status(ctx context.Context) (*api.StatusResponse, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetStatus", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp api.StatusResponse
	if err := fromValue(out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Counters returns totals and per-core statistics.
func (c *Client) Counters(ctx context.Context) (*api.StatisticsResponse, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetCounters", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var resp api.StatisticsResponse
	if err := fromValue(out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Interfaces returns the interfaces with counting enabled.
func (c *Client) Interfaces(ctx context.Context) ([]iface.Link, error) {
	out := new(structpb.ListValue)
	if err := c.invoke(ctx, "ListInterfaces", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var links []iface.Link
	if err := fromValue(out, &links); err != nil {
		return nil, err
	}
	return links, nil
}

// SetInterface enables or disables counting on the named interface.
func (c *Client) SetInterface(ctx context.Context, name string, enabled bool) error {
	in, err := structpb.NewStruct(map[string]any{"name": name, "enabled": enabled})
	if err != nil {
		return err
	}
	return c.invoke(ctx, "SetInterface", in, new(wrapperspb.BoolValue))
}

// Flows returns up to limit records from one core's table. limit <= 0
// uses the server default.
func (c *Client) Flows(ctx context.Context, core, limit int) (*api.FlowsResponse, error) {
	req := map[string]any{"core": core}
	if limit > 0 {
		req["limit"] = limit
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "ShowFlows", in, out); err != nil {
		return nil, err
	}
	var resp api.FlowsResponse
	if err := fromValue(out, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
