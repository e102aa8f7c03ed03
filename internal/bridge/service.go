// Package bridge exposes the engine over gRPC. Messages are structpb.Struct values so the boundary stays
// JSON-shaped for hosts in any language.
package bridge

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region service
// ServiceName is the fully qualified gRPC service name.
const ServiceName = "sona.v1.Engine"

// EngineServer is the server API of the sona.v1.Engine service.
type EngineServer interface {
	Begin(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RecordStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	End(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Feedback(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyMicro(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApplyBase(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Flush(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Tick(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ForceLearn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetConfig(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reconfigure(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetEnabled(context.Context, *structpb.Struct) (*structpb.Struct, error)
	FindPatterns(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(EngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var methods = []struct {
	name string
	call unaryMethod
}{
	{"Begin", EngineServer.Begin},
	{"RecordStep", EngineServer.RecordStep},
	{"End", EngineServer.End},
	{"Feedback", EngineServer.Feedback},
	{"ApplyMicro", EngineServer.ApplyMicro},
	{"ApplyBase", EngineServer.ApplyBase},
	{"Flush", EngineServer.Flush},
	{"Tick", EngineServer.Tick},
	{"ForceLearn", EngineServer.ForceLearn},
	{"Stats", EngineServer.Stats},
	{"GetConfig", EngineServer.GetConfig},
	{"Reconfigure", EngineServer.Reconfigure},
	{"SetEnabled", EngineServer.SetEnabled},
	{"FindPatterns", EngineServer.FindPatterns},
}

// ServiceDesc describes sona.v1.Engine for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EngineServer)(nil),
	Methods:     methodDescs(),
	Streams:     []grpc.StreamDesc{},
	Metadata:    "sona/v1/engine.proto",
}

// Register attaches srv to a gRPC server.
func Register(s grpc.ServiceRegistrar, srv EngineServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func methodDescs() []grpc.MethodDesc {
	descs := make([]grpc.MethodDesc, len(methods))
	for i, m := range methods {
		descs[i] = grpc.MethodDesc{MethodName: m.name, Handler: unaryHandler(m.name, m.call)}
	}
	return descs
}

func unaryHandler(name string, call unaryMethod) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EngineServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EngineServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// #endregion service
