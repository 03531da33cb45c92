package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified name of the analysis service.
const ServiceName = "demolyzer.v1.AnalysisService"

const (
	playersMethod      = "/" + ServiceName + "/Players"
	deathStatsMethod   = "/" + ServiceName + "/DeathStats"
	eventWindowsMethod = "/" + ServiceName + "/EventWindows"
)

// AnalysisServiceServer is the server API for the analysis service. Every
// message is a google.protobuf.Struct.
type AnalysisServiceServer interface {
	Players(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeathStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EventWindows(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// RegisterAnalysisServiceServer registers srv with s.
func RegisterAnalysisServiceServer(s grpc.ServiceRegistrar, srv AnalysisServiceServer) {
	s.RegisterService(&AnalysisServiceDesc, srv)
}

// AnalysisServiceDesc describes the analysis service.
var AnalysisServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AnalysisServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Players", Handler: unaryHandler(playersMethod, AnalysisServiceServer.Players)},
		{MethodName: "DeathStats", Handler: unaryHandler(deathStatsMethod, AnalysisServiceServer.DeathStats)},
		{MethodName: "EventWindows", Handler: unaryHandler(eventWindowsMethod, AnalysisServiceServer.EventWindows)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "demolyzer/v1/analysis.proto",
}

type unaryMethod func(AnalysisServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryMethod) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AnalysisServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AnalysisServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// AnalysisServiceClient calls the analysis service.
type AnalysisServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewAnalysisServiceClient creates a client over cc.
func NewAnalysisServiceClient(cc grpc.ClientConnInterface) *AnalysisServiceClient {
	return &AnalysisServiceClient{cc: cc}
}

func (c *AnalysisServiceClient) Players(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, playersMethod, in, opts)
}

func (c *AnalysisServiceClient) DeathStats(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, deathStatsMethod, in, opts)
}

func (c *AnalysisServiceClient) EventWindows(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return c.invoke(ctx, eventWindowsMethod, in, opts)
}

func (c *AnalysisServiceClient) invoke(ctx context.Context, method string, in *structpb.Struct, opts []grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
