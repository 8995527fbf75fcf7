package grpcapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "flowcounter.v1.FlowCounterService"

// FlowCounterServer is the server API for FlowCounterService. Requests and
// responses are protobuf well-known types so no generated code is needed:
//
//	GetStatus(Empty) -> Struct         status fields
//	GetCounters(Empty) -> Struct       {total, cores}
//	ListInterfaces(Empty) -> ListValue enabled interfaces
//	SetInterface(Struct) -> BoolValue  {name, enabled} -> new state
//	ShowFlows(Struct) -> Struct        {core, limit} -> {core, limit, flows}
type FlowCounterServer interface {
	GetStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	GetCounters(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListInterfaces(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	SetInterface(context.Context, *structpb.Struct) (*wrapperspb.BoolValue, error)
	ShowFlows(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterFlowCounterServer registers srv on s.
func RegisterFlowCounterServer(s grpc.ServiceRegistrar, srv FlowCounterServer) {
	s.RegisterService(&serviceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary adapts a typed method to grpc.MethodHandler.
func unary[Req any](method string, call func(FlowCounterServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(FlowCounterServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(method)}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FlowCounterServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler: unary("GetStatus", func(s FlowCounterServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.GetStatus(ctx, in)
			}),
		},
		{
			MethodName: "GetCounters",
			Handler: unary("GetCounters", func(s FlowCounterServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.GetCounters(ctx, in)
			}),
		},
		{
			MethodName: "ListInterfaces",
			Handler: unary("ListInterfaces", func(s FlowCounterServer, ctx context.Context, in *emptypb.Empty) (any, error) {
				return s.ListInterfaces(ctx, in)
			}),
		},
		{
			MethodName: "SetInterface",
			Handler: unary("SetInterface", func(s FlowCounterServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.SetInterface(ctx, in)
			}),
		},
		{
			MethodName: "ShowFlows",
			Handler: unary("ShowFlows", func(s FlowCounterServer, ctx context.Context, in *structpb.Struct) (any, error) {
				return s.ShowFlows(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "flowcounter/v1/flowcounter.proto",
}
