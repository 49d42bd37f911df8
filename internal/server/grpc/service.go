package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully-qualified gRPC service name. Every method takes and returns a
// google.protobuf.Struct body.
const ServiceName = "docgov.v1.Governance"

// FullMethod returns the wire path of a governance method.
func FullMethod(name string) string { return "/" + ServiceName + "/" + name }

type governance interface {
	dispatch(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error)
}

// Register attaches the governance service to gs.
func Register(gs grpc.ServiceRegistrar, s *Server) { gs.RegisterService(s.desc(), s) }

func (s *Server) desc() *grpc.ServiceDesc {
	names := s.Methods()
	methods := make([]grpc.MethodDesc, 0, len(names))
	for _, name := range names {
		methods = append(methods, grpc.MethodDesc{MethodName: name, Handler: unary(name)})
	}
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*governance)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "docgov/v1/governance.proto",
	}
}

func unary(name string) grpc.MethodHandler {
	full := FullMethod(name)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		g := srv.(governance)
		if interceptor == nil {
			return g.dispatch(ctx, name, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		h := func(ctx context.Context, req any) (any, error) {
			return g.dispatch(ctx, name, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, h)
	}
}
