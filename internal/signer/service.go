package signer

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The signer service is described by hand over well-known protobuf types:
//
//	service Signer {
//	  rpc SignTransaction(google.protobuf.Struct) returns (google.protobuf.BytesValue);
//	  rpc SessionStatus(google.protobuf.Empty) returns (google.protobuf.Struct);
//	}
//
// SignTransaction takes {"tx": <hex binary tx>, "chain_id": <decimal>} and
// returns the signed transaction in binary form.
const (
	serviceName         = "autobridge.signer.v1.Signer"
	signTransactionPath = "/" + serviceName + "/SignTransaction"
	sessionStatusPath   = "/" + serviceName + "/SessionStatus"
)

type signerServer interface {
	SignTransaction(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
	SessionStatus(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*signerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SignTransaction", Handler: signTransactionHandler},
		{MethodName: "SessionStatus", Handler: sessionStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "signer/v1/signer.proto",
}

func signTransactionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(signerServer).SignTransaction(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: signTransactionPath}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(signerServer).SignTransaction(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func sessionStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(signerServer).SessionStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: sessionStatusPath}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(signerServer).SessionStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}
