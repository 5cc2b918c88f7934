// Package rpc exposes an ion.Device over gRPC.
//
// The service is ion.v1.Device. Every method takes and returns a
// google.protobuf.Struct, so no generated code is needed:
//
//	OpenClient  {name}                                   -> {client}
//	CloseClient {client}                                 -> {}
//	Alloc       {client, size, align, heap_mask, type, flags} -> {handle, size, heap, buffer}
//	Free        {client, handle}                         -> {}
//	Share       {client, handle}                         -> {token, size}
//	Import      {client, token}                          -> {handle}
//	Heaps       {}                                       -> {heaps: [...]}
//	Dump        {heap}                                   -> {text}
//	Reclaim     {pressure, target}                       -> {pages, remaining}
//	Prefetch    {heap, vmid, size}                       -> {}
//	Drain       {heap, vmid, size}                       -> {}
//
// Errors carry gRPC status codes derived from the ion sentinels; the Client
// maps them back.
package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "ion.v1.Device"

// DeviceServer is the server side of ion.v1.Device.
type DeviceServer interface {
	OpenClient(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseClient(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Alloc(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Free(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Share(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Import(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heaps(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Dump(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Reclaim(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Prefetch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Drain(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryFunc func(DeviceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func method(name string, fn unaryFunc) grpc.MethodDesc {
	full := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, icpt grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			call := func(ctx context.Context, req any) (any, error) {
				out, err := fn(srv.(DeviceServer), ctx, req.(*structpb.Struct)) //nolint:errcheck // registered for DeviceServer only
				if err != nil {
					return nil, Status(err)
				}
				return out, nil
			}
			if icpt == nil {
				return call(ctx, in)
			}
			return icpt(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: full}, call)
		},
	}
}

// ServiceDesc describes ion.v1.Device for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DeviceServer)(nil),
	Methods: []grpc.MethodDesc{
		method("OpenClient", DeviceServer.OpenClient),
		method("CloseClient", DeviceServer.CloseClient),
		method("Alloc", DeviceServer.Alloc),
		method("Free", DeviceServer.Free),
		method("Share", DeviceServer.Share),
		method("Import", DeviceServer.Import),
		method("Heaps", DeviceServer.Heaps),
		method("Dump", DeviceServer.Dump),
		method("Reclaim", DeviceServer.Reclaim),
		method("Prefetch", DeviceServer.Prefetch),
		method("Drain", DeviceServer.Drain),
	},
	Metadata: "ion/v1/device.proto",
}

// RegisterDeviceServer registers srv on s.
func RegisterDeviceServer(s grpc.ServiceRegistrar, srv DeviceServer) {
	s.RegisterService(&ServiceDesc, srv)
}
